package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"quorum/internal/domain"
)

const actionCols = `id,actor_id,target_id,change_type,COALESCE(params_json,''),status,resolution_json,created_at,updated_at`

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var resolution string
	err := scan(&a.ID, &a.ActorID, &a.TargetID, &a.ChangeType, &a.ParamsJSON, &a.Status, &resolution, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := unmarshalInto(resolution, &a.Resolution); err != nil {
		return a, fmt.Errorf("decode action %s: %w", a.ID, err)
	}
	return a, nil
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	resolution, err := marshalJSON(a.Resolution)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO actions(id,actor_id,target_id,change_type,params_json,status,resolution_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ActorID, a.TargetID, a.ChangeType, nullable(a.ParamsJSON), a.Status, resolution, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	resolution, err := marshalJSON(a.Resolution)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status=?, resolution_json=?, updated_at=? WHERE id=?`,
		a.Status, resolution, a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Action, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

type ActionFilters struct {
	TargetID   string
	ActorID    string
	Status     string
	ChangeType string
	Limit      int
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	var clauses []string
	var args []any
	if f.TargetID != "" {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ChangeType != "" {
		clauses = append(clauses, "change_type=?")
		args = append(args, f.ChangeType)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + actionCols + ` FROM actions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
