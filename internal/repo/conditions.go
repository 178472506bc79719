package repo

import (
	"context"
	"database/sql"
	"fmt"

	"quorum/internal/domain"
)

const conditionCols = `id,type,source_kind,source_id,action_id,COALESCE(community_id,''),responders_json,participants_json,state_json,resolved,created_at,updated_at`

func scanConditionInstance(scan func(dest ...any) error) (domain.ConditionInstance, error) {
	var ci domain.ConditionInstance
	var responders, participants string
	var resolved int
	err := scan(&ci.ID, &ci.Type, &ci.SourceKind, &ci.SourceID, &ci.ActionID, &ci.CommunityID, &responders, &participants, &ci.StateJSON, &resolved, &ci.CreatedAt, &ci.UpdatedAt)
	if err == sql.ErrNoRows {
		return ci, ErrNotFound
	}
	if err != nil {
		return ci, err
	}
	ci.Resolved = resolved != 0
	if err := unmarshalInto(responders, &ci.Responders); err != nil {
		return ci, fmt.Errorf("decode condition %s: %w", ci.ID, err)
	}
	if err := unmarshalInto(participants, &ci.Participants); err != nil {
		return ci, fmt.Errorf("decode condition %s: %w", ci.ID, err)
	}
	return ci, nil
}

func (r Repo) InsertConditionInstance(ctx context.Context, tx *sql.Tx, ci domain.ConditionInstance) error {
	responders, err := marshalJSON(ci.Responders)
	if err != nil {
		return err
	}
	participants, err := marshalJSON(ci.Participants)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO condition_instances(id,type,source_kind,source_id,action_id,community_id,responders_json,participants_json,state_json,resolved,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ci.ID, ci.Type, ci.SourceKind, ci.SourceID, ci.ActionID, nullable(ci.CommunityID), responders, participants, ci.StateJSON, boolInt(ci.Resolved), ci.CreatedAt, ci.UpdatedAt)
	return err
}

func (r Repo) UpdateConditionInstance(ctx context.Context, tx *sql.Tx, ci domain.ConditionInstance) error {
	res, err := tx.ExecContext(ctx, `UPDATE condition_instances SET state_json=?, resolved=?, updated_at=? WHERE id=?`,
		ci.StateJSON, boolInt(ci.Resolved), ci.UpdatedAt, ci.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetConditionInstance(ctx context.Context, id string) (domain.ConditionInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+conditionCols+` FROM condition_instances WHERE id=?`, id)
	return scanConditionInstance(row.Scan)
}

func (r Repo) GetConditionInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.ConditionInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+conditionCols+` FROM condition_instances WHERE id=?`, id)
	return scanConditionInstance(row.Scan)
}

// GetConditionForSource returns the instance created for one action at one
// pipeline source, if any.
func (r Repo) GetConditionForSource(ctx context.Context, tx *sql.Tx, actionID, sourceKind, sourceID string) (domain.ConditionInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+conditionCols+` FROM condition_instances WHERE action_id=? AND source_kind=? AND source_id=?`, actionID, sourceKind, sourceID)
	return scanConditionInstance(row.Scan)
}

func (r Repo) ListConditionsForAction(ctx context.Context, actionID string) ([]domain.ConditionInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+conditionCols+` FROM condition_instances WHERE action_id=? ORDER BY created_at ASC, id ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConditions(rows)
}

// ListUnresolvedConditions returns open instances, optionally of one type.
// The sweep command feeds these back through the dispatcher.
func (r Repo) ListUnresolvedConditions(ctx context.Context, condType string) ([]domain.ConditionInstance, error) {
	query := `SELECT ` + conditionCols + ` FROM condition_instances WHERE resolved=0`
	var args []any
	if condType != "" {
		query += ` AND type=?`
		args = append(args, condType)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConditions(rows)
}

func collectConditions(rows *sql.Rows) ([]domain.ConditionInstance, error) {
	var res []domain.ConditionInstance
	for rows.Next() {
		ci, err := scanConditionInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ci)
	}
	return res, rows.Err()
}
