package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/queso/the-ai-team-plugin-sub002/internal/activity"
	"github.com/queso/the-ai-team-plugin-sub002/internal/config"
	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
	"github.com/queso/the-ai-team-plugin-sub002/internal/repo"
	"github.com/queso/the-ai-team-plugin-sub002/internal/waves"
)

// Engine executes the pipeline state machine. Every mutating operation is one
// transaction against the store: stage, claim and activity-log writes commit
// together or not at all. Concurrent callers serialize at the store.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Log    activity.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Log:    activity.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) wipLimit() int {
	if e.Config != nil && e.Config.Pipeline.WIPLimit > 0 {
		return e.Config.Pipeline.WIPLimit
	}
	return 3
}

func (e Engine) maxRejections() int {
	if e.Config != nil && e.Config.Pipeline.MaxRejections > 0 {
		return e.Config.Pipeline.MaxRejections
	}
	return 2
}

// ItemCreateOptions are parameters for creating a work item.
type ItemCreateOptions struct {
	ID            string
	ProjectID     string
	Title         string
	Kind          string
	DependsOn     []string
	ConflictGroup string
	Actor         string
}

// CreateItem inserts a new item in the briefings stage. Items created while a
// mission is active are linked to it. The id defaults to WI-<seq> from the
// per-project monotonic sequence.
func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.WorkItem, error) {
	if opts.ProjectID == "" {
		return domain.WorkItem{}, newError(CodeBadRequest, "project is required")
	}
	if opts.Title == "" {
		return domain.WorkItem{}, newError(CodeBadRequest, "title is required")
	}
	switch opts.Kind {
	case "":
		opts.Kind = "task"
	case "feature", "bug", "enhancement", "task":
	default:
		return domain.WorkItem{}, newError(CodeBadRequest, "unknown item kind %q", opts.Kind)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	seq, err := e.Repo.NextSeqTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("next item seq: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = fmt.Sprintf("WI-%03d", seq)
	}
	now := e.now().UTC().Format(time.RFC3339)
	it := domain.WorkItem{
		ID:            id,
		ProjectID:     opts.ProjectID,
		Seq:           seq,
		Title:         opts.Title,
		Kind:          opts.Kind,
		Stage:         domain.StageBriefings,
		ConflictGroup: optionalString(opts.ConflictGroup),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	missionID := ""
	if m, err := e.Repo.CurrentMissionTx(ctx, tx, opts.ProjectID); err == nil {
		it.MissionID = &m.ID
		missionID = m.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.WorkItem{}, err
	}

	if err := e.Repo.InsertItemTx(ctx, tx, it); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert item: %w", err)
	}
	if len(opts.DependsOn) > 0 {
		if err := e.Repo.AddDependenciesTx(ctx, tx, it.ID, opts.DependsOn); err != nil {
			return domain.WorkItem{}, fmt.Errorf("add dependencies: %w", err)
		}
	}
	msg := fmt.Sprintf("item %s created in briefings: %s", it.ID, it.Title)
	if err := e.Log.Append(ctx, tx, it.ProjectID, missionID, opts.Actor, msg, activity.SeverityInfo); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	it.DependsOn = opts.DependsOn
	return it, nil
}

// validTransition reports whether from -> to is on the allowed edge set:
// the forward chain briefings->ready->testing->implementing->review->probing->done,
// the retry edges review->ready and probing->ready, and active->blocked.
func validTransition(from, to domain.Stage) bool {
	switch from {
	case domain.StageBriefings:
		return to == domain.StageReady
	case domain.StageReady:
		return to == domain.StageTesting
	case domain.StageTesting:
		return to == domain.StageImplementing || to == domain.StageBlocked
	case domain.StageImplementing:
		return to == domain.StageReview || to == domain.StageBlocked
	case domain.StageReview:
		return to == domain.StageProbing || to == domain.StageReady || to == domain.StageBlocked
	case domain.StageProbing:
		return to == domain.StageDone || to == domain.StageReady || to == domain.StageBlocked
	}
	return false
}

// MoveResult is the outcome of a successful stage transition.
type MoveResult struct {
	Item domain.WorkItem
	// FinalReviewReady is set on moves into done when every item in the
	// project is done and nothing remains in flight.
	FinalReviewReady bool
}

// Move executes one validated stage transition. When agent is non-empty the
// move atomically swaps the item's claim to that agent for active target
// stages; any prior claim is released either way.
func (e Engine) Move(ctx context.Context, projectID, itemID string, target domain.Stage, agent string) (MoveResult, error) {
	if !target.Valid() {
		return MoveResult{}, newError(CodeInvalidTransition, "unknown stage %q", string(target))
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MoveResult{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return MoveResult{}, itemNotFound(itemID)
		}
		return MoveResult{}, err
	}
	if it.ProjectID != projectID {
		return MoveResult{}, itemNotFound(itemID)
	}
	from := it.Stage
	if !validTransition(from, target) {
		return MoveResult{}, newError(CodeInvalidTransition, "invalid stage transition %s -> %s", from, target).
			withDetail("from", string(from)).withDetail("to", string(target))
	}
	if from == domain.StageReady && target.IsActive() {
		inFlight, err := e.Repo.CountInFlightTx(ctx, tx, projectID)
		if err != nil {
			return MoveResult{}, err
		}
		if limit := e.wipLimit(); inFlight >= limit {
			return MoveResult{}, newError(CodeWIPLimitExceeded, "wip limit reached: %d items in flight (limit %d)", inFlight, limit).
				withDetail("in_flight", inFlight).withDetail("limit", limit)
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	// A move always drops the existing claim; the new one, if any, is created
	// in the same transaction so the item is never observably unclaimed
	// between stages.
	if err := e.Repo.DeleteClaimTx(ctx, tx, it.ID); err != nil {
		return MoveResult{}, err
	}
	it.AssignedAgent = nil
	if agent != "" && target.IsActive() {
		claim := domain.AgentClaim{ItemID: it.ID, Agent: agent, ClaimedAt: now}
		if err := e.Repo.InsertClaimTx(ctx, tx, claim); err != nil {
			return MoveResult{}, err
		}
		it.AssignedAgent = &agent
	}
	it.Stage = target
	it.UpdatedAt = now
	if target == domain.StageDone {
		it.CompletedAt = &now
	}
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return MoveResult{}, err
	}

	res := MoveResult{Item: it}
	if target == domain.StageDone {
		all, err := e.Repo.ListItemsTx(ctx, tx, repo.ItemFilters{ProjectID: projectID})
		if err != nil {
			return MoveResult{}, err
		}
		res.FinalReviewReady = waves.FinalReviewReady(all)
	}

	msg := fmt.Sprintf("item %s moved %s -> %s", it.ID, from, target)
	if agent != "" {
		msg = fmt.Sprintf("item %s moved %s -> %s by %s", it.ID, from, target, agent)
	}
	if err := e.Log.Append(ctx, tx, projectID, missionOf(it), agent, msg, activity.SeverityInfo); err != nil {
		return MoveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return MoveResult{}, err
	}
	return res, nil
}

// Claim grants agent an exclusive lock on the item. The item must be in a
// claimable stage and must not already be claimed; the current holder's name
// is surfaced on conflict.
func (e Engine) Claim(ctx context.Context, projectID, itemID, agent string) (domain.AgentClaim, error) {
	if agent == "" {
		return domain.AgentClaim{}, newError(CodeBadRequest, "agent is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentClaim{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AgentClaim{}, itemNotFound(itemID)
		}
		return domain.AgentClaim{}, err
	}
	if it.ProjectID != projectID {
		return domain.AgentClaim{}, itemNotFound(itemID)
	}
	if !it.Stage.IsClaimable() {
		return domain.AgentClaim{}, newError(CodeInvalidStage, "item %s is in %s; claims require ready or an active stage", it.ID, it.Stage).
			withDetail("stage", string(it.Stage))
	}
	if existing, err := e.Repo.GetClaimTx(ctx, tx, it.ID); err == nil {
		return domain.AgentClaim{}, newError(CodeItemClaimed, "item %s already claimed by %s", it.ID, existing.Agent).
			withDetail("holder", existing.Agent)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.AgentClaim{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	claim := domain.AgentClaim{ItemID: it.ID, Agent: agent, ClaimedAt: now}
	if err := e.Repo.InsertClaimTx(ctx, tx, claim); err != nil {
		return domain.AgentClaim{}, err
	}
	it.AssignedAgent = &agent
	it.UpdatedAt = now
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return domain.AgentClaim{}, err
	}
	msg := fmt.Sprintf("item %s claimed by %s", it.ID, agent)
	if err := e.Log.Append(ctx, tx, projectID, missionOf(it), agent, msg, activity.SeverityInfo); err != nil {
		return domain.AgentClaim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentClaim{}, err
	}
	return claim, nil
}

// Release drops the item's claim without touching its stage and returns the
// agent that held it.
func (e Engine) Release(ctx context.Context, projectID, itemID string) (string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", itemNotFound(itemID)
		}
		return "", err
	}
	if it.ProjectID != projectID {
		return "", itemNotFound(itemID)
	}
	claim, err := e.Repo.GetClaimTx(ctx, tx, it.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", newError(CodeNotClaimed, "item %s has no live claim", it.ID)
		}
		return "", err
	}
	if err := e.Repo.DeleteClaimTx(ctx, tx, it.ID); err != nil {
		return "", err
	}
	it.AssignedAgent = nil
	it.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("item %s released by %s", it.ID, claim.Agent)
	if err := e.Log.Append(ctx, tx, projectID, missionOf(it), claim.Agent, msg, activity.SeverityInfo); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return claim.Agent, nil
}

// RejectResult is the routing outcome of a rejection.
type RejectResult struct {
	Item           domain.WorkItem
	RejectionCount int
	MovedTo        domain.Stage
	Escalate       bool
}

// Reject records a rejection against the item, releases any claim, and routes
// the item: back to ready while the post-increment count stays under the
// escalation threshold, to blocked (terminal, human intervention) once it
// reaches it. The rejection history is append-only.
func (e Engine) Reject(ctx context.Context, projectID, itemID, reason, agent, diagnosis string) (RejectResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RejectResult{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return RejectResult{}, itemNotFound(itemID)
		}
		return RejectResult{}, err
	}
	if it.ProjectID != projectID {
		return RejectResult{}, itemNotFound(itemID)
	}

	now := e.now().UTC().Format(time.RFC3339)
	it.RejectionCount++
	rej := domain.Rejection{
		ItemID:    it.ID,
		Reason:    reason,
		Diagnosis: optionalString(diagnosis),
		Agent:     optionalString(agent),
		CreatedAt: now,
	}
	if err := e.Repo.InsertRejectionTx(ctx, tx, rej); err != nil {
		return RejectResult{}, fmt.Errorf("insert rejection: %w", err)
	}
	if err := e.Repo.DeleteClaimTx(ctx, tx, it.ID); err != nil {
		return RejectResult{}, err
	}
	it.AssignedAgent = nil

	res := RejectResult{RejectionCount: it.RejectionCount}
	severity := activity.SeverityWarn
	if it.RejectionCount < e.maxRejections() {
		res.MovedTo = domain.StageReady
	} else {
		res.MovedTo = domain.StageBlocked
		res.Escalate = true
		severity = activity.SeverityError
	}
	it.Stage = res.MovedTo
	it.UpdatedAt = now
	if err := e.Repo.UpdateItemTx(ctx, tx, it); err != nil {
		return RejectResult{}, err
	}

	msg := fmt.Sprintf("item %s rejected (%d): %s; routed to %s", it.ID, it.RejectionCount, reason, res.MovedTo)
	if res.Escalate {
		msg = fmt.Sprintf("item %s rejected (%d): %s; escalated to blocked", it.ID, it.RejectionCount, reason)
	}
	if err := e.Log.Append(ctx, tx, projectID, missionOf(it), agent, msg, severity); err != nil {
		return RejectResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RejectResult{}, err
	}
	res.Item = it
	return res, nil
}

// ResolveWaves runs the dependency resolver over the project's live snapshot.
func (e Engine) ResolveWaves(ctx context.Context, projectID string) (waves.Resolution, []domain.WorkItem, error) {
	items, err := e.Repo.ListItems(ctx, repo.ItemFilters{ProjectID: projectID})
	if err != nil {
		return waves.Resolution{}, nil, err
	}
	return waves.Resolve(items), items, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func missionOf(it domain.WorkItem) string {
	if it.MissionID != nil {
		return *it.MissionID
	}
	return ""
}
