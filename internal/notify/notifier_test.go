package notify_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
	"github.com/queso/the-ai-team-plugin-sub002/internal/notify"
)

type fakeStore struct {
	items    []domain.WorkItem
	mission  *domain.Mission
	activity []domain.ActivityEntry
	fail     bool
}

func (s *fakeStore) ListItems(ctx context.Context, projectID string) ([]domain.WorkItem, error) {
	if s.fail {
		return nil, errors.New("store down")
	}
	return s.items, nil
}

func (s *fakeStore) CurrentMission(ctx context.Context, projectID string) (*domain.Mission, error) {
	if s.fail {
		return nil, errors.New("store down")
	}
	return s.mission, nil
}

func (s *fakeStore) ActivityAfter(ctx context.Context, projectID string, cursor int64, limit int) ([]domain.ActivityEntry, error) {
	if s.fail {
		return nil, errors.New("store down")
	}
	var out []domain.ActivityEntry
	for _, entry := range s.activity {
		if entry.ID > cursor {
			out = append(out, entry)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) appendActivity(msg string) {
	id := int64(len(s.activity) + 1)
	s.activity = append(s.activity, domain.ActivityEntry{
		ID: id, ProjectID: "proj-1", Actor: "system", Message: msg, Severity: "info",
	})
}

type capture struct {
	events []notify.Event
	err    error
}

func (c *capture) sink(ev notify.Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newNotifier(store *fakeStore, sink *capture) *notify.Notifier {
	return notify.New(store, sink.sink, notify.Options{
		ProjectID: "proj-1",
		Logger:    quietLogger(),
	})
}

func activityIDs(events []notify.Event) []int64 {
	var ids []int64
	for _, ev := range events {
		if _, ok := ev.Data.(notify.ActivityEvent); ok {
			ids = append(ids, ev.ID)
		}
	}
	return ids
}

func TestFirstStepEmitsSnapshot(t *testing.T) {
	agent := "murdock"
	store := &fakeStore{
		items: []domain.WorkItem{
			{ID: "WI-001", Stage: domain.StageTesting, AssignedAgent: &agent, UpdatedAt: "t1"},
			{ID: "WI-002", Stage: domain.StageBriefings, UpdatedAt: "t1"},
		},
		mission: &domain.Mission{ID: "m1", State: "running"},
	}
	store.appendActivity("item WI-001 claimed by murdock")
	sink := &capture{}
	n := newNotifier(store, sink)

	if err := n.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(sink.events) != 4 {
		t.Fatalf("events = %d, want 4 (2 items, mission, activity)", len(sink.events))
	}
	if n.Cursor() != 1 {
		t.Fatalf("cursor = %d", n.Cursor())
	}
}

func TestUnchangedStateEmitsNothing(t *testing.T) {
	store := &fakeStore{
		items: []domain.WorkItem{{ID: "WI-001", Stage: domain.StageReady, UpdatedAt: "t1"}},
	}
	sink := &capture{}
	n := newNotifier(store, sink)
	ctx := context.Background()

	if err := n.Step(ctx); err != nil {
		t.Fatalf("first step: %v", err)
	}
	first := len(sink.events)
	if err := n.Step(ctx); err != nil {
		t.Fatalf("second step: %v", err)
	}
	if len(sink.events) != first {
		t.Fatalf("idle poll emitted %d extra events", len(sink.events)-first)
	}
}

func TestChangedItemReemitted(t *testing.T) {
	store := &fakeStore{
		items: []domain.WorkItem{{ID: "WI-001", Stage: domain.StageReady, UpdatedAt: "t1"}},
	}
	sink := &capture{}
	n := newNotifier(store, sink)
	ctx := context.Background()

	_ = n.Step(ctx)
	store.items[0].Stage = domain.StageTesting
	store.items[0].UpdatedAt = "t2"
	if err := n.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	last := sink.events[len(sink.events)-1]
	snap, ok := last.Data.(notify.ItemSnapshot)
	if !ok || snap.Item.Stage != domain.StageTesting {
		t.Fatalf("last event = %+v", last)
	}
}

func TestActivityDeliveredOnceInOrder(t *testing.T) {
	store := &fakeStore{}
	sink := &capture{}
	n := newNotifier(store, sink)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.appendActivity(fmt.Sprintf("entry %d", i))
	}
	_ = n.Step(ctx)
	store.appendActivity("late entry")
	_ = n.Step(ctx)
	_ = n.Step(ctx)

	ids := activityIDs(sink.events)
	if len(ids) != 4 {
		t.Fatalf("activity events = %v", ids)
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("out of order or duplicated: %v", ids)
		}
	}
	if n.Cursor() != 4 {
		t.Fatalf("cursor = %d", n.Cursor())
	}
}

func TestCursorHoldsWhenEmissionFails(t *testing.T) {
	store := &fakeStore{}
	store.appendActivity("one")
	store.appendActivity("two")
	sink := &capture{err: errors.New("client gone")}
	n := newNotifier(store, sink)
	ctx := context.Background()

	if err := n.Step(ctx); err != nil {
		t.Fatalf("step should absorb a single failure: %v", err)
	}
	if n.Cursor() != 0 {
		t.Fatalf("cursor advanced past unsent entries: %d", n.Cursor())
	}
	if n.ConsecutiveErrors() != 1 {
		t.Fatalf("consecutive errors = %d", n.ConsecutiveErrors())
	}

	// once the sink recovers the same entries are delivered
	sink.err = nil
	if err := n.Step(ctx); err != nil {
		t.Fatalf("recovery step: %v", err)
	}
	ids := activityIDs(sink.events)
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("redelivered ids = %v", ids)
	}
	if n.Cursor() != 2 {
		t.Fatalf("cursor = %d", n.Cursor())
	}
}

func TestBreakerTripsOnFifthConsecutiveFailure(t *testing.T) {
	store := &fakeStore{fail: true}
	sink := &capture{}
	n := newNotifier(store, sink)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if err := n.Step(ctx); err != nil {
			t.Fatalf("failure %d should not trip: %v", i, err)
		}
	}
	err := n.Step(ctx)
	if !errors.Is(err, notify.ErrCircuitOpen) {
		t.Fatalf("fifth failure: %v", err)
	}
}

func TestBreakerResetOnSuccess(t *testing.T) {
	store := &fakeStore{fail: true}
	sink := &capture{}
	n := newNotifier(store, sink)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := n.Step(ctx); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	store.fail = false
	if err := n.Step(ctx); err != nil {
		t.Fatalf("success step: %v", err)
	}
	if n.ConsecutiveErrors() != 0 {
		t.Fatalf("consecutive errors after success = %d", n.ConsecutiveErrors())
	}
	// a fresh run of four failures still stays under the threshold
	store.fail = true
	for i := 0; i < 4; i++ {
		if err := n.Step(ctx); err != nil {
			t.Fatalf("post-reset failure %d: %v", i, err)
		}
	}
}

func TestCursorOptionSkipsHistory(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 5; i++ {
		store.appendActivity(fmt.Sprintf("old %d", i))
	}
	sink := &capture{}
	n := notify.New(store, sink.sink, notify.Options{
		ProjectID: "proj-1",
		Cursor:    3,
		Logger:    quietLogger(),
	})
	if err := n.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	ids := activityIDs(sink.events)
	if len(ids) != 2 || ids[0] != 4 || ids[1] != 5 {
		t.Fatalf("resumed ids = %v", ids)
	}
}

func TestMissionChangeEmitted(t *testing.T) {
	store := &fakeStore{mission: &domain.Mission{ID: "m1", State: "initializing"}}
	sink := &capture{}
	n := newNotifier(store, sink)
	ctx := context.Background()

	_ = n.Step(ctx)
	store.mission.State = "running"
	_ = n.Step(ctx)

	var states []string
	for _, ev := range sink.events {
		if snap, ok := ev.Data.(notify.MissionSnapshot); ok {
			states = append(states, snap.Mission.State)
		}
	}
	if len(states) != 2 || states[0] != "initializing" || states[1] != "running" {
		t.Fatalf("mission states = %v", states)
	}
}
