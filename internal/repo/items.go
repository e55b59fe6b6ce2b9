package repo

import (
	"context"
	"database/sql"

	"github.com/queso/the-ai-team-plugin-sub002/internal/domain"
)

const itemColumns = `id,project_id,mission_id,seq,title,kind,stage,assigned_agent,rejection_count,conflict_group,test_path,impl_path,types_path,created_at,updated_at,completed_at,archived_at`

func scanItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var it domain.WorkItem
	var missionID, assignedAgent, conflictGroup, testPath, implPath, typesPath, completedAt, archivedAt sql.NullString
	err := scan(&it.ID, &it.ProjectID, &missionID, &it.Seq, &it.Title, &it.Kind, &it.Stage,
		&assignedAgent, &it.RejectionCount, &conflictGroup, &testPath, &implPath, &typesPath,
		&it.CreatedAt, &it.UpdatedAt, &completedAt, &archivedAt)
	if err != nil {
		return it, err
	}
	if missionID.Valid {
		it.MissionID = &missionID.String
	}
	if assignedAgent.Valid {
		it.AssignedAgent = &assignedAgent.String
	}
	if conflictGroup.Valid {
		it.ConflictGroup = &conflictGroup.String
	}
	if testPath.Valid {
		it.TestPath = &testPath.String
	}
	if implPath.Valid {
		it.ImplPath = &implPath.String
	}
	if typesPath.Valid {
		it.TypesPath = &typesPath.String
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.String
	}
	if archivedAt.Valid {
		it.ArchivedAt = &archivedAt.String
	}
	return it, nil
}

func (r Repo) InsertItemTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, nullableStringPtr(it.MissionID), it.Seq, it.Title, it.Kind, it.Stage,
		nullableStringPtr(it.AssignedAgent), it.RejectionCount, nullableStringPtr(it.ConflictGroup),
		nullableStringPtr(it.TestPath), nullableStringPtr(it.ImplPath), nullableStringPtr(it.TypesPath),
		it.CreatedAt, it.UpdatedAt, nullableStringPtr(it.CompletedAt), nullableStringPtr(it.ArchivedAt))
	return err
}

func (r Repo) UpdateItemTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET mission_id=?, title=?, kind=?, stage=?, assigned_agent=?, rejection_count=?, conflict_group=?, test_path=?, impl_path=?, types_path=?, updated_at=?, completed_at=?, archived_at=? WHERE id=?`,
		nullableStringPtr(it.MissionID), it.Title, it.Kind, it.Stage,
		nullableStringPtr(it.AssignedAgent), it.RejectionCount, nullableStringPtr(it.ConflictGroup),
		nullableStringPtr(it.TestPath), nullableStringPtr(it.ImplPath), nullableStringPtr(it.TypesPath),
		it.UpdatedAt, nullableStringPtr(it.CompletedAt), nullableStringPtr(it.ArchivedAt), it.ID)
	return err
}

func (r Repo) getItem(ctx context.Context, q querier, id string) (domain.WorkItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	it, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.DependsOn, err = r.listDeps(ctx, q, id)
	return it, err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return r.getItem(ctx, r.DB, id)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return r.getItem(ctx, tx, id)
}

// ItemFilters narrows ListItems; zero values mean no filter.
type ItemFilters struct {
	ProjectID string
	Stage     string
	MissionID string
	Agent     string
}

func (r Repo) listItems(ctx context.Context, q querier, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Agent != "" {
		clauses = append(clauses, "assigned_agent=?")
		args = append(args, f.Agent)
	}
	query := `SELECT ` + itemColumns + ` FROM work_items ` + composeWhere(clauses) + ` ORDER BY seq ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.listDeps(ctx, q, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	return r.listItems(ctx, r.DB, f)
}

func (r Repo) ListItemsTx(ctx context.Context, tx *sql.Tx, f ItemFilters) ([]domain.WorkItem, error) {
	return r.listItems(ctx, tx, f)
}

// NextSeqTx reserves the next per-project item sequence number.
func (r Repo) NextSeqTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var seq int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM work_items WHERE project_id=?`, projectID).Scan(&seq)
	return seq, err
}

// CountInFlightTx counts items currently in active stages.
func (r Repo) CountInFlightTx(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM work_items WHERE project_id=? AND stage IN ('testing','implementing','review','probing')`,
		projectID).Scan(&n)
	return n, err
}

func (r Repo) CountItemsByStage(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, count(*) FROM work_items WHERE project_id=? GROUP BY stage`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		res[stage] = count
	}
	return res, rows.Err()
}

func (r Repo) listDeps(ctx context.Context, q querier, itemID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on_item_id FROM item_deps WHERE item_id=? ORDER BY ord ASC, depends_on_item_id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) ListItemDeps(ctx context.Context, itemID string) ([]string, error) {
	return r.listDeps(ctx, r.DB, itemID)
}

func (r Repo) AddDependenciesTx(ctx context.Context, tx *sql.Tx, itemID string, deps []string) error {
	for i, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_deps(item_id, depends_on_item_id, ord) VALUES (?,?,?)`, itemID, d, i); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) InsertRejectionTx(ctx context.Context, tx *sql.Tx, rej domain.Rejection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO item_rejections(item_id,reason,diagnosis,agent,created_at) VALUES (?,?,?,?,?)`,
		rej.ItemID, rej.Reason, nullableStringPtr(rej.Diagnosis), nullableStringPtr(rej.Agent), rej.CreatedAt)
	return err
}

func (r Repo) ListRejections(ctx context.Context, itemID string) ([]domain.Rejection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,item_id,reason,diagnosis,agent,created_at FROM item_rejections WHERE item_id=? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rejection
	for rows.Next() {
		var rej domain.Rejection
		var diagnosis, agent sql.NullString
		if err := rows.Scan(&rej.ID, &rej.ItemID, &rej.Reason, &diagnosis, &agent, &rej.CreatedAt); err != nil {
			return nil, err
		}
		if diagnosis.Valid {
			rej.Diagnosis = &diagnosis.String
		}
		if agent.Valid {
			rej.Agent = &agent.String
		}
		res = append(res, rej)
	}
	return res, rows.Err()
}
