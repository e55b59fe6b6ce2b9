package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/queso/the-ai-team-plugin-sub002/internal/activity"
	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
	"github.com/queso/the-ai-team-plugin-sub002/internal/repo"
)

const (
	MissionInitializing = "initializing"
	MissionPrechecking  = "prechecking"
	MissionRunning      = "running"
	MissionFailed       = "failed"
	MissionCompleted    = "completed"
)

func validMissionTransition(from, to string) bool {
	switch from {
	case MissionInitializing:
		return to == MissionPrechecking
	case MissionPrechecking:
		return to == MissionRunning || to == MissionFailed
	case MissionRunning:
		return to == MissionFailed || to == MissionCompleted
	}
	return false
}

// StartMission creates the umbrella execution context for a run. Only one
// non-archived mission may exist per project at any time.
func (e Engine) StartMission(ctx context.Context, projectID, name, specPath, actor string) (domain.Mission, error) {
	if name == "" {
		return domain.Mission{}, newError(CodeBadRequest, "mission name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.CurrentMissionTx(ctx, tx, projectID); err == nil {
		return domain.Mission{}, newError(CodeMissionActive, "mission %s is still active; archive it first", existing.ID).
			withDetail("mission_id", existing.ID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Mission{}, err
	}

	m := domain.Mission{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		State:     MissionInitializing,
		SpecPath:  optionalString(specPath),
		StartedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return domain.Mission{}, fmt.Errorf("insert mission: %w", err)
	}
	msg := fmt.Sprintf("mission %q started", m.Name)
	if err := e.Log.Append(ctx, tx, projectID, m.ID, actor, msg, activity.SeverityInfo); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// AdvanceMission moves the current mission along its lifecycle:
// initializing -> prechecking -> running -> failed | completed.
func (e Engine) AdvanceMission(ctx context.Context, projectID, state, actor string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.CurrentMissionTx(ctx, tx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Mission{}, newError(CodeMissionNotFound, "no active mission for project %s", projectID)
		}
		return domain.Mission{}, err
	}
	if !validMissionTransition(m.State, state) {
		return domain.Mission{}, newError(CodeInvalidTransition, "invalid mission transition %s -> %s", m.State, state).
			withDetail("from", m.State).withDetail("to", state)
	}
	m.State = state
	if state == MissionFailed || state == MissionCompleted {
		done := e.now().UTC().Format(time.RFC3339)
		m.CompletedAt = &done
	}
	if err := e.Repo.UpdateMissionTx(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	severity := activity.SeverityInfo
	if state == MissionFailed {
		severity = activity.SeverityError
	}
	msg := fmt.Sprintf("mission %q is now %s", m.Name, m.State)
	if err := e.Log.Append(ctx, tx, projectID, m.ID, actor, msg, severity); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// CurrentMission returns the non-archived mission, or nil when none exists.
func (e Engine) CurrentMission(ctx context.Context, projectID string) (*domain.Mission, error) {
	m, err := e.Repo.CurrentMission(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ArchiveResult pairs the archived mission with the number of items linked to it.
type ArchiveResult struct {
	Mission   domain.Mission
	ItemCount int
}

// ArchiveMission irreversibly ends the current mission's status as "current".
func (e Engine) ArchiveMission(ctx context.Context, projectID, actor string) (ArchiveResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ArchiveResult{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.CurrentMissionTx(ctx, tx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ArchiveResult{}, newError(CodeMissionNotFound, "no active mission for project %s", projectID)
		}
		return ArchiveResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m.ArchivedAt = &now
	if err := e.Repo.UpdateMissionTx(ctx, tx, m); err != nil {
		return ArchiveResult{}, err
	}
	count, err := e.Repo.CountMissionItemsTx(ctx, tx, m.ID)
	if err != nil {
		return ArchiveResult{}, err
	}
	msg := fmt.Sprintf("mission %q archived with %d linked items", m.Name, count)
	if err := e.Log.Append(ctx, tx, projectID, m.ID, actor, msg, activity.SeverityInfo); err != nil {
		return ArchiveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ArchiveResult{}, err
	}
	return ArchiveResult{Mission: m, ItemCount: count}, nil
}
