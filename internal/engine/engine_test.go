package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/queso/the-ai-team-plugin-sub002/internal/config"
	"github.com/queso/the-ai-team-plugin-sub002/internal/db"
	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
	"github.com/queso/the-ai-team-plugin-sub002/internal/engine"
	"github.com/queso/the-ai-team-plugin-sub002/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.EnsureProject(ctx, "proj-1", "test", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustCreate(t *testing.T, env testEnv, title string, deps ...string) domain.WorkItem {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
		Actor:     "hannibal",
		DependsOn: deps,
	})
	if err != nil {
		t.Fatalf("create item %q: %v", title, err)
	}
	return it
}

func mustMove(t *testing.T, env testEnv, id string, to domain.Stage, agent string) engine.MoveResult {
	t.Helper()
	res, err := env.Engine.Move(env.Ctx, "proj-1", id, to, agent)
	if err != nil {
		t.Fatalf("move %s to %s: %v", id, to, err)
	}
	return res
}

func engineCode(t *testing.T, err error) engine.Code {
	t.Helper()
	var ee *engine.Error
	if !errors.As(err, &ee) {
		t.Fatalf("expected engine error, got %v", err)
	}
	return ee.Code
}

func TestItemIDsFollowSequence(t *testing.T) {
	env := newTestEnv(t)
	first := mustCreate(t, env, "first")
	second := mustCreate(t, env, "second")
	if first.ID != "WI-001" || second.ID != "WI-002" {
		t.Fatalf("unexpected ids: %s, %s", first.ID, second.ID)
	}
	if first.Stage != domain.StageBriefings {
		t.Fatalf("new item stage = %s", first.Stage)
	}
}

func TestCreateItemValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{ProjectID: "proj-1"})
	if code := engineCode(t, err); code != engine.CodeBadRequest {
		t.Fatalf("missing title: code = %s", code)
	}
	_, err = env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{ProjectID: "proj-1", Title: "x", Kind: "epic"})
	if code := engineCode(t, err); code != engine.CodeBadRequest {
		t.Fatalf("bad kind: code = %s", code)
	}
	it, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{ProjectID: "proj-1", Title: "x"})
	if err != nil || it.Kind != "task" {
		t.Fatalf("default kind = %q, err = %v", it.Kind, err)
	}
}

func TestStageTransitions(t *testing.T) {
	env := newTestEnv(t)
	it := mustCreate(t, env, "pipeline walk")

	// forward chain
	for _, to := range []domain.Stage{
		domain.StageReady, domain.StageTesting, domain.StageImplementing,
		domain.StageReview, domain.StageProbing, domain.StageDone,
	} {
		res := mustMove(t, env, it.ID, to, "")
		if res.Item.Stage != to {
			t.Fatalf("stage after move = %s, want %s", res.Item.Stage, to)
		}
	}

	// done is terminal
	_, err := env.Engine.Move(env.Ctx, "proj-1", it.ID, domain.StageReady, "")
	if code := engineCode(t, err); code != engine.CodeInvalidTransition {
		t.Fatalf("move out of done: code = %s", code)
	}
}

func TestStageSkipRejected(t *testing.T) {
	env := newTestEnv(t)
	it := mustCreate(t, env, "no shortcuts")
	_, err := env.Engine.Move(env.Ctx, "proj-1", it.ID, domain.StageDone, "")
	if code := engineCode(t, err); code != engine.CodeInvalidTransition {
		t.Fatalf("briefings -> done: code = %s", code)
	}
	_, err = env.Engine.Move(env.Ctx, "proj-1", it.ID, domain.StageImplementing, "")
	if code := engineCode(t, err); code != engine.CodeInvalidTransition {
		t.Fatalf("briefings -> implementing: code = %s", code)
	}
}

func TestBackwardEdgesFromReviewAndProbing(t *testing.T) {
	env := newTestEnv(t)
	it := mustCreate(t, env, "retry loop")
	for _, to := range []domain.Stage{domain.StageReady, domain.StageTesting, domain.StageImplementing, domain.StageReview} {
		mustMove(t, env, it.ID, to, "")
	}
	res := mustMove(t, env, it.ID, domain.StageReady, "")
	if res.Item.Stage != domain.StageReady {
		t.Fatalf("review -> ready failed, stage = %s", res.Item.Stage)
	}
	for _, to := range []domain.Stage{domain.StageTesting, domain.StageImplementing, domain.StageReview, domain.StageProbing} {
		mustMove(t, env, it.ID, to, "")
	}
	res = mustMove(t, env, it.ID, domain.StageReady, "")
	if res.Item.Stage != domain.StageReady {
		t.Fatalf("probing -> ready failed, stage = %s", res.Item.Stage)
	}
}

func TestMoveUnknownItem(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Move(env.Ctx, "proj-1", "WI-404", domain.StageReady, "")
	if code := engineCode(t, err); code != engine.CodeItemNotFound {
		t.Fatalf("code = %s", code)
	}
}

func TestWIPLimitOnPull(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Pipeline.WIPLimit = 2
	var ids []string
	for _, title := range []string{"a", "b", "c"} {
		it := mustCreate(t, env, title)
		mustMove(t, env, it.ID, domain.StageReady, "")
		ids = append(ids, it.ID)
	}
	mustMove(t, env, ids[0], domain.StageTesting, "murdock")
	mustMove(t, env, ids[1], domain.StageTesting, "murdock")

	_, err := env.Engine.Move(env.Ctx, "proj-1", ids[2], domain.StageTesting, "murdock")
	if code := engineCode(t, err); code != engine.CodeWIPLimitExceeded {
		t.Fatalf("third pull: code = %s", code)
	}

	// finishing one frees a slot
	mustMove(t, env, ids[0], domain.StageImplementing, "ba")
	mustMove(t, env, ids[0], domain.StageReview, "face")
	mustMove(t, env, ids[0], domain.StageProbing, "hannibal")
	mustMove(t, env, ids[0], domain.StageDone, "")
	if _, err := env.Engine.Move(env.Ctx, "proj-1", ids[2], domain.StageTesting, "murdock"); err != nil {
		t.Fatalf("pull after slot freed: %v", err)
	}
}

func TestClaimExclusivity(t *testing.T) {
	env := newTestEnv(t)
	it := mustCreate(t, env, "contested")
	mustMove(t, env, it.ID, domain.StageReady, "")

	claim, err := env.Engine.Claim(env.Ctx, "proj-1", it.ID, "murdock")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claim.Agent != "murdock" {
		t.Fatalf("claim agent = %s", claim.Agent)
	}

	_, err = env.Engine.Claim(env.Ctx, "proj-1", it.ID, "ba")
	var ee *engine.Error
	if !errors.As(err, &ee) || ee.Code != engine.CodeItemClaimed {
		t.Fatalf("second claim: %v", err)
	}
	if holder, ok := ee.Details["holder"]; !ok || holder != "murdock" {
		t.Fatalf("conflict details = %v", ee.Details)
	}

	// re-claim by the same agent is still a conflict; claims are not re-entrant
	_, err = env.Engine.Claim(env.Ctx, "proj-1", it.ID, "murdock")
	if code := engineCode(t, err); code != engine.CodeItemClaimed {
		t.Fatalf("re-claim: code = %s", code)
	}
}

func TestClaimRequiresClaimableStage(t *testing.T) {
	env := newTestEnv(t)
	it := mustCreate(t, env, "too early")
	_, err := env.Engine.Claim(env.Ctx, "proj-1", it.ID, "murdock")
	if code := engineCode(t, err); code != engine.CodeInvalidStage {
		t.Fatalf("claim in briefings: code = %s", code)
	}
}

func TestReleaseRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	it := mustCreate(t, env, "handoff")
	mustMove(t, env, it.ID, domain.StageReady, "")
	if _, err := env.Engine.Claim(env.Ctx, "proj-1", it.ID, "murdock"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	holder, err := env.Engine.Release(env.Ctx, "proj-1", it.ID)
	if err != nil || holder != "murdock" {
		t.Fatalf("release: holder = %q, err = %v", holder, err)
	}
	// stage untouched, claim gone
	got, err := env.Engine.Repo.GetItem(env.Ctx, it.ID)
	if err != nil || got.Stage != domain.StageReady || got.AssignedAgent != nil {
		t.Fatalf("after release: stage = %s, agent = %v, err = %v", got.Stage, got.AssignedAgent, err)
	}
	_, err = env.Engine.Release(env.Ctx, "proj-1", it.ID)
	if code := engineCode(t, err); code != engine.CodeNotClaimed {
		t.Fatalf("double release: code = %s", code)
	}
	// item is free for the next agent
	if _, err := env.Engine.Claim(env.Ctx, "proj-1", it.ID, "ba"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestMoveSwapsClaim(t *testing.T) {
	env := newTestEnv(t)
	it := mustCreate(t, env, "relay")
	mustMove(t, env, it.ID, domain.StageReady, "")
	res := mustMove(t, env, it.ID, domain.StageTesting, "murdock")
	if res.Item.AssignedAgent == nil || *res.Item.AssignedAgent != "murdock" {
		t.Fatalf("testing agent = %v", res.Item.AssignedAgent)
	}
	// handing to ba releases murdock's claim in the same move
	res = mustMove(t, env, it.ID, domain.StageImplementing, "ba")
	if res.Item.AssignedAgent == nil || *res.Item.AssignedAgent != "ba" {
		t.Fatalf("implementing agent = %v", res.Item.AssignedAgent)
	}
	claim, err := env.Engine.Repo.GetClaim(env.Ctx, it.ID)
	if err != nil || claim.Agent != "ba" {
		t.Fatalf("claim after swap = %+v, err = %v", claim, err)
	}
	// move without an agent drops the claim entirely
	res = mustMove(t, env, it.ID, domain.StageReview, "")
	if res.Item.AssignedAgent != nil {
		t.Fatalf("review agent = %v", res.Item.AssignedAgent)
	}
}

func TestRejectionRoutesAndEscalates(t *testing.T) {
	env := newTestEnv(t)
	it := mustCreate(t, env, "flaky work")
	mustMove(t, env, it.ID, domain.StageReady, "")
	mustMove(t, env, it.ID, domain.StageTesting, "murdock")
	mustMove(t, env, it.ID, domain.StageImplementing, "ba")
	mustMove(t, env, it.ID, domain.StageReview, "face")

	res, err := env.Engine.Reject(env.Ctx, "proj-1", it.ID, "tests fail", "face", "")
	if err != nil {
		t.Fatalf("first reject: %v", err)
	}
	if res.RejectionCount != 1 || res.MovedTo != domain.StageReady || res.Escalate {
		t.Fatalf("first reject = %+v", res)
	}
	if res.Item.AssignedAgent != nil {
		t.Fatalf("claim survived rejection: %v", res.Item.AssignedAgent)
	}

	mustMove(t, env, it.ID, domain.StageTesting, "murdock")
	res, err = env.Engine.Reject(env.Ctx, "proj-1", it.ID, "still failing", "murdock", "missing fixture")
	if err != nil {
		t.Fatalf("second reject: %v", err)
	}
	if res.RejectionCount != 2 || res.MovedTo != domain.StageBlocked || !res.Escalate {
		t.Fatalf("second reject = %+v", res)
	}

	rejections, err := env.Engine.Repo.ListRejections(env.Ctx, it.ID)
	if err != nil || len(rejections) != 2 {
		t.Fatalf("rejection history = %d, err = %v", len(rejections), err)
	}
	if rejections[1].Diagnosis == nil || *rejections[1].Diagnosis != "missing fixture" {
		t.Fatalf("diagnosis = %v", rejections[1].Diagnosis)
	}
}

func TestFinalReviewReadySignal(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, "a")
	b := mustCreate(t, env, "b")

	finish := func(id string) engine.MoveResult {
		var res engine.MoveResult
		for _, to := range []domain.Stage{
			domain.StageReady, domain.StageTesting, domain.StageImplementing,
			domain.StageReview, domain.StageProbing, domain.StageDone,
		} {
			res = mustMove(t, env, id, to, "")
		}
		return res
	}

	if res := finish(a.ID); res.FinalReviewReady {
		t.Fatalf("final review signalled with %s outstanding", b.ID)
	}
	if res := finish(b.ID); !res.FinalReviewReady {
		t.Fatalf("final review not signalled on last done")
	}
}

func TestMissionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.StartMission(env.Ctx, "proj-1", "alpha", "specs/alpha.md", "hannibal")
	if err != nil {
		t.Fatalf("start mission: %v", err)
	}
	if m.State != "initializing" {
		t.Fatalf("initial state = %s", m.State)
	}

	// only one current mission
	_, err = env.Engine.StartMission(env.Ctx, "proj-1", "beta", "", "hannibal")
	if code := engineCode(t, err); code != engine.CodeMissionActive {
		t.Fatalf("second start: code = %s", code)
	}

	// items created now link to the mission
	it := mustCreate(t, env, "mission work")
	if it.MissionID == nil || *it.MissionID != m.ID {
		t.Fatalf("item mission = %v", it.MissionID)
	}

	if _, err := env.Engine.AdvanceMission(env.Ctx, "proj-1", "running", "hannibal"); err == nil {
		t.Fatalf("initializing -> running should be invalid")
	}
	m2, err := env.Engine.AdvanceMission(env.Ctx, "proj-1", "prechecking", "hannibal")
	if err != nil || m2.State != "prechecking" {
		t.Fatalf("advance to prechecking: %v", err)
	}
	m2, err = env.Engine.AdvanceMission(env.Ctx, "proj-1", "running", "hannibal")
	if err != nil || m2.State != "running" {
		t.Fatalf("advance to running: %v", err)
	}
	m2, err = env.Engine.AdvanceMission(env.Ctx, "proj-1", "completed", "hannibal")
	if err != nil || m2.State != "completed" || m2.CompletedAt == nil {
		t.Fatalf("advance to completed: %+v, err = %v", m2, err)
	}

	res, err := env.Engine.ArchiveMission(env.Ctx, "proj-1", "hannibal")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if res.Mission.ArchivedAt == nil || res.ItemCount != 1 {
		t.Fatalf("archive result = %+v", res)
	}

	cur, err := env.Engine.CurrentMission(env.Ctx, "proj-1")
	if err != nil || cur != nil {
		t.Fatalf("current after archive = %v, err = %v", cur, err)
	}

	// a new mission can start once the old one is archived
	if _, err := env.Engine.StartMission(env.Ctx, "proj-1", "beta", "", "hannibal"); err != nil {
		t.Fatalf("start after archive: %v", err)
	}
}

func TestArchiveWithoutMission(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ArchiveMission(env.Ctx, "proj-1", "hannibal")
	if code := engineCode(t, err); code != engine.CodeMissionNotFound {
		t.Fatalf("code = %s", code)
	}
}

func TestResolveWavesOverLiveItems(t *testing.T) {
	env := newTestEnv(t)
	a := mustCreate(t, env, "base")
	b := mustCreate(t, env, "mid", a.ID)
	c := mustCreate(t, env, "top", b.ID)

	res, items, err := env.Engine.ResolveWaves(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("snapshot size = %d", len(items))
	}
	if res.Depths[a.ID] != 0 || res.Depths[b.ID] != 1 || res.Depths[c.ID] != 2 {
		t.Fatalf("depths = %v", res.Depths)
	}
	// only the dependency-free root is ready to pull
	if len(res.Ready) != 1 || res.Ready[0] != a.ID {
		t.Fatalf("ready = %v", res.Ready)
	}
}

func TestActivityLogRecordsOperations(t *testing.T) {
	env := newTestEnv(t)
	it := mustCreate(t, env, "audited")
	mustMove(t, env, it.ID, domain.StageReady, "")
	if _, err := env.Engine.Claim(env.Ctx, "proj-1", it.ID, "murdock"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	entries, err := env.Engine.Repo.ActivityAfter(env.Ctx, "proj-1", 0, 100)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	var last int64
	for _, entry := range entries {
		if entry.ID <= last {
			t.Fatalf("ids not strictly increasing: %v", entries)
		}
		last = entry.ID
	}
}
