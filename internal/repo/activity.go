package repo

import (
	"context"
	"database/sql"

	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
)

func scanActivity(scan func(dest ...any) error) (domain.ActivityEntry, error) {
	var e domain.ActivityEntry
	var missionID sql.NullString
	err := scan(&e.ID, &e.ProjectID, &missionID, &e.Actor, &e.Message, &e.Severity, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	if missionID.Valid {
		e.MissionID = &missionID.String
	}
	return e, nil
}

// ActivityAfter returns log entries with id > cursor in ascending id order.
func (r Repo) ActivityAfter(ctx context.Context, projectID string, cursor int64, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,project_id,mission_id,actor,message,severity,created_at FROM activity_log WHERE project_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		projectID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestActivity returns the most recent entries, newest first.
func (r Repo) LatestActivity(ctx context.Context, projectID string, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,project_id,mission_id,actor,message,severity,created_at FROM activity_log WHERE project_id=? ORDER BY id DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestActivityID returns the highest log id for a project, 0 when empty.
func (r Repo) LatestActivityID(ctx context.Context, projectID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity_log WHERE project_id=?`, projectID).Scan(&id)
	return id, err
}
