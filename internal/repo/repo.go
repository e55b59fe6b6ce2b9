package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
)

// Repo provides row-level access to the coordinator store.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

// querier lets item scans run against either the pool or an open transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,created_at) VALUES (?,?,?)`,
		p.ID, nullable(p.Name), p.CreatedAt)
	return err
}

// EnsureProject inserts the project row if it does not exist yet.
func (r Repo) EnsureProject(ctx context.Context, id, name, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO projects(id,name,created_at) VALUES (?,?,?)`,
		id, nullable(name), now)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if name.Valid {
		p.Name = name.String
	}
	return p, err
}

func composeWhere(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(clauses, " AND ")
}
