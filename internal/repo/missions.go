package repo

import (
	"context"
	"database/sql"

	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
)

const missionColumns = `id,project_id,name,state,spec_path,started_at,completed_at,archived_at`

func scanMission(scan func(dest ...any) error) (domain.Mission, error) {
	var m domain.Mission
	var specPath, completedAt, archivedAt sql.NullString
	err := scan(&m.ID, &m.ProjectID, &m.Name, &m.State, &specPath, &m.StartedAt, &completedAt, &archivedAt)
	if err != nil {
		return m, err
	}
	if specPath.Valid {
		m.SpecPath = &specPath.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	if archivedAt.Valid {
		m.ArchivedAt = &archivedAt.String
	}
	return m, nil
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Name, m.State, nullableStringPtr(m.SpecPath),
		m.StartedAt, nullableStringPtr(m.CompletedAt), nullableStringPtr(m.ArchivedAt))
	return err
}

func (r Repo) UpdateMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `UPDATE missions SET name=?, state=?, spec_path=?, completed_at=?, archived_at=? WHERE id=?`,
		m.Name, m.State, nullableStringPtr(m.SpecPath),
		nullableStringPtr(m.CompletedAt), nullableStringPtr(m.ArchivedAt), m.ID)
	return err
}

func (r Repo) currentMission(ctx context.Context, q querier, projectID string) (domain.Mission, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE project_id=? AND archived_at IS NULL ORDER BY started_at DESC LIMIT 1`,
		projectID)
	m, err := scanMission(row.Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// CurrentMission returns the one non-archived mission, ErrNotFound when absent.
func (r Repo) CurrentMission(ctx context.Context, projectID string) (domain.Mission, error) {
	return r.currentMission(ctx, r.DB, projectID)
}

func (r Repo) CurrentMissionTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Mission, error) {
	return r.currentMission(ctx, tx, projectID)
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id)
	m, err := scanMission(row.Scan)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMissions(ctx context.Context, projectID string) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE project_id=? ORDER BY started_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountMissionItemsTx counts work items linked to a mission.
func (r Repo) CountMissionItemsTx(ctx context.Context, tx *sql.Tx, missionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM work_items WHERE mission_id=?`, missionID).Scan(&n)
	return n, err
}
