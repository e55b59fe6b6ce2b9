package repo

import (
	"context"
	"database/sql"

	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
)

func (r Repo) getClaim(ctx context.Context, q querier, itemID string) (domain.AgentClaim, error) {
	var c domain.AgentClaim
	err := q.QueryRowContext(ctx, `SELECT item_id,agent,claimed_at FROM claims WHERE item_id=?`, itemID).
		Scan(&c.ItemID, &c.Agent, &c.ClaimedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetClaim(ctx context.Context, itemID string) (domain.AgentClaim, error) {
	return r.getClaim(ctx, r.DB, itemID)
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.AgentClaim, error) {
	return r.getClaim(ctx, tx, itemID)
}

// InsertClaimTx creates the claim row. The primary key on item_id makes a
// second live claim on the same item a constraint violation, not a race.
func (r Repo) InsertClaimTx(ctx context.Context, tx *sql.Tx, c domain.AgentClaim) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claims(item_id,agent,claimed_at) VALUES (?,?,?)`,
		c.ItemID, c.Agent, c.ClaimedAt)
	return err
}

func (r Repo) DeleteClaimTx(ctx context.Context, tx *sql.Tx, itemID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE item_id=?`, itemID)
	return err
}

func (r Repo) ListClaims(ctx context.Context, projectID string) ([]domain.AgentClaim, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT c.item_id,c.agent,c.claimed_at FROM claims c JOIN work_items i ON i.id=c.item_id WHERE i.project_id=? ORDER BY c.claimed_at ASC, c.item_id ASC`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentClaim
	for rows.Next() {
		var c domain.AgentClaim
		if err := rows.Scan(&c.ItemID, &c.Agent, &c.ClaimedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
