// Package notify implements the live event feed: a per-connection polling
// loop that streams item, mission and activity-log changes to one observer,
// with a circuit breaker that closes the connection after sustained store
// failure instead of retrying forever.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
)

// Store is the read surface the notifier polls. Implemented by the engine's
// repo; faked in tests.
type Store interface {
	ListItems(ctx context.Context, projectID string) ([]domain.WorkItem, error)
	CurrentMission(ctx context.Context, projectID string) (*domain.Mission, error)
	ActivityAfter(ctx context.Context, projectID string, cursor int64, limit int) ([]domain.ActivityEntry, error)
}

// Event is one unit handed to the transport sink.
type Event struct {
	// ID carries the activity-log id for activity events, zero otherwise.
	ID   int64
	Data any
}

// Sink delivers one event to the observer's transport. A non-nil error means
// the event was not accepted.
type Sink func(Event) error

// Typed event payloads; the transport keys its event names off these types.
type (
	ItemSnapshot struct {
		Item domain.WorkItem `json:"item"`
	}
	MissionSnapshot struct {
		Mission domain.Mission `json:"mission"`
	}
	ActivityEvent struct {
		Entry domain.ActivityEntry `json:"entry"`
	}
	Heartbeat struct {
		At string `json:"at" format:"date-time"`
	}
)

// ErrCircuitOpen is returned by Run after the circuit breaker trips.
var ErrCircuitOpen = errors.New("feed circuit breaker open")

const activityBatchLimit = 500

// Options configures one observer connection.
type Options struct {
	ProjectID         string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	BreakerThreshold  int
	// Cursor seeds lastActivityID so reconnecting observers resume where
	// they left off.
	Cursor int64
	Logger *log.Logger
	Now    func() time.Time
}

// Notifier is the state of one observer connection. All of it is
// connection-scoped; independent observers never share counters or cursors.
type Notifier struct {
	store Store
	sink  Sink
	opts  Options

	consecutiveErrors int
	lastActivityID    int64
	itemSeen          map[string]string
	missionSeen       string
}

func New(store Store, sink Sink, opts Options) *Notifier {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Notifier{
		store:          store,
		sink:           sink,
		opts:           opts,
		lastActivityID: opts.Cursor,
		itemSeen:       map[string]string{},
	}
}

// Run drives the connection until the context is canceled, the heartbeat
// transport fails, or the circuit breaker trips. It is a single cooperative
// loop: polls and heartbeats never overlap.
func (n *Notifier) Run(ctx context.Context) error {
	poll := time.NewTicker(n.opts.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(n.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	// First poll runs immediately so the observer gets the current state
	// without waiting out one interval.
	if err := n.Step(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			if err := n.Step(ctx); err != nil {
				return err
			}
		case <-heartbeat.C:
			hb := Heartbeat{At: n.opts.Now().UTC().Format(time.RFC3339)}
			if err := n.sink(Event{Data: hb}); err != nil {
				n.opts.Logger.Printf("feed[%s]: heartbeat rejected, closing: %v", n.opts.ProjectID, err)
				return err
			}
		}
	}
}

// Step executes one poll cycle and applies the circuit-breaker policy: a
// failed cycle increments the consecutive-error count without advancing any
// cursor; reaching the threshold returns ErrCircuitOpen; a successful cycle
// resets the count to zero.
func (n *Notifier) Step(ctx context.Context) error {
	if err := n.poll(ctx); err != nil {
		n.consecutiveErrors++
		n.opts.Logger.Printf("feed[%s]: poll failed (%d consecutive): %v", n.opts.ProjectID, n.consecutiveErrors, err)
		if n.consecutiveErrors >= n.opts.BreakerThreshold {
			n.opts.Logger.Printf("feed[%s]: circuit breaker tripped after %d consecutive errors, closing stream", n.opts.ProjectID, n.consecutiveErrors)
			return ErrCircuitOpen
		}
		return nil
	}
	n.consecutiveErrors = 0
	return nil
}

// poll queries the store, emits everything new, and only then commits the
// cursor and snapshots. Advancing the cursor inside the emission loop would
// silently skip entries whenever a later emission failed; committing once per
// fully-accepted batch makes each cycle all-or-nothing.
func (n *Notifier) poll(ctx context.Context) error {
	items, err := n.store.ListItems(ctx, n.opts.ProjectID)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	mission, err := n.store.CurrentMission(ctx, n.opts.ProjectID)
	if err != nil {
		return fmt.Errorf("current mission: %w", err)
	}
	entries, err := n.store.ActivityAfter(ctx, n.opts.ProjectID, n.lastActivityID, activityBatchLimit)
	if err != nil {
		return fmt.Errorf("activity after %d: %w", n.lastActivityID, err)
	}

	var pending []Event
	seen := make(map[string]string, len(items))
	for _, it := range items {
		fp := itemFingerprint(it)
		seen[it.ID] = fp
		if n.itemSeen[it.ID] != fp {
			pending = append(pending, Event{Data: ItemSnapshot{Item: it}})
		}
	}
	missionFP := ""
	if mission != nil {
		missionFP = missionFingerprint(*mission)
		if n.missionSeen != missionFP {
			pending = append(pending, Event{Data: MissionSnapshot{Mission: *mission}})
		}
	}
	maxID := n.lastActivityID
	for _, entry := range entries {
		pending = append(pending, Event{ID: entry.ID, Data: ActivityEvent{Entry: entry}})
		if entry.ID > maxID {
			maxID = entry.ID
		}
	}

	for _, ev := range pending {
		if err := n.sink(ev); err != nil {
			return fmt.Errorf("emit event: %w", err)
		}
	}

	n.itemSeen = seen
	n.missionSeen = missionFP
	n.lastActivityID = maxID
	return nil
}

// Cursor returns the id of the last activity entry delivered to the observer.
func (n *Notifier) Cursor() int64 { return n.lastActivityID }

// ConsecutiveErrors returns the current failure run length.
func (n *Notifier) ConsecutiveErrors() int { return n.consecutiveErrors }

func itemFingerprint(it domain.WorkItem) string {
	agent := ""
	if it.AssignedAgent != nil {
		agent = *it.AssignedAgent
	}
	return strings.Join([]string{it.UpdatedAt, string(it.Stage), agent, fmt.Sprint(it.RejectionCount)}, "|")
}

func missionFingerprint(m domain.Mission) string {
	archived := ""
	if m.ArchivedAt != nil {
		archived = *m.ArchivedAt
	}
	return strings.Join([]string{m.ID, m.State, archived}, "|")
}
