package activity

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends entries to the append-only activity log. Entries are only
// ever written inside the caller's transaction so a failed mutation never
// leaves a stray log line behind.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

func (w Writer) Append(ctx context.Context, tx *sql.Tx, projectID, missionID, actor, message, severity string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if severity == "" {
		severity = SeverityInfo
	}
	if actor == "" {
		actor = "system"
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO activity_log(project_id,mission_id,actor,message,severity,created_at) VALUES (?,?,?,?,?,?)`,
		projectID, nullable(missionID), actor, message, severity, now().UTC().Format(time.RFC3339))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
