package repo

import (
	"context"
	"database/sql"
	"fmt"

	"quorum/internal/domain"
)

const permissionCols = `id,target_id,change_type,actors_json,roles_json,anyone,COALESCE(config_json,''),COALESCE(condition_json,''),is_active,created_at`

func scanPermission(scan func(dest ...any) error) (domain.Permission, error) {
	var p domain.Permission
	var actors, roles, config, condition string
	var anyone, active int
	err := scan(&p.ID, &p.TargetID, &p.ChangeType, &actors, &roles, &anyone, &config, &condition, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Anyone = anyone != 0
	p.IsActive = active != 0
	if err := unmarshalInto(actors, &p.Actors); err != nil {
		return p, fmt.Errorf("decode permission %s: %w", p.ID, err)
	}
	if err := unmarshalInto(roles, &p.Roles); err != nil {
		return p, fmt.Errorf("decode permission %s: %w", p.ID, err)
	}
	if config != "" {
		if err := unmarshalInto(config, &p.Config); err != nil {
			return p, fmt.Errorf("decode permission %s: %w", p.ID, err)
		}
	}
	if condition != "" {
		p.Condition = &domain.ConditionSpec{}
		if err := unmarshalInto(condition, p.Condition); err != nil {
			return p, fmt.Errorf("decode permission %s: %w", p.ID, err)
		}
	}
	return p, nil
}

func permissionArgs(p domain.Permission) ([]any, error) {
	actors, err := marshalJSON(p.Actors)
	if err != nil {
		return nil, err
	}
	roles, err := marshalJSON(p.Roles)
	if err != nil {
		return nil, err
	}
	var config, condition any
	if len(p.Config) > 0 {
		s, err := marshalJSON(p.Config)
		if err != nil {
			return nil, err
		}
		config = s
	}
	if p.Condition != nil {
		s, err := marshalJSON(p.Condition)
		if err != nil {
			return nil, err
		}
		condition = s
	}
	return []any{actors, roles, boolInt(p.Anyone), config, condition}, nil
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, p domain.Permission) error {
	args, err := permissionArgs(p)
	if err != nil {
		return err
	}
	all := append([]any{p.ID, p.TargetID, p.ChangeType}, args...)
	all = append(all, boolInt(p.IsActive), p.CreatedAt)
	_, err = tx.ExecContext(ctx, `INSERT INTO permissions(id,target_id,change_type,actors_json,roles_json,anyone,config_json,condition_json,is_active,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`, all...)
	return err
}

func (r Repo) UpdatePermission(ctx context.Context, tx *sql.Tx, p domain.Permission) error {
	args, err := permissionArgs(p)
	if err != nil {
		return err
	}
	all := append([]any{p.ChangeType}, args...)
	all = append(all, boolInt(p.IsActive), p.ID)
	res, err := tx.ExecContext(ctx, `UPDATE permissions SET change_type=?, actors_json=?, roles_json=?, anyone=?, config_json=?, condition_json=?, is_active=? WHERE id=?`, all...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeletePermission(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM permissions WHERE id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPermission(ctx context.Context, id string) (domain.Permission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+permissionCols+` FROM permissions WHERE id=?`, id)
	return scanPermission(row.Scan)
}

func (r Repo) GetPermissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Permission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+permissionCols+` FROM permissions WHERE id=?`, id)
	return scanPermission(row.Scan)
}

// ListPermissionsForTarget returns permissions on a target in creation order.
// The pipeline depends on this order being stable.
func (r Repo) ListPermissionsForTarget(ctx context.Context, tx *sql.Tx, targetID, changeType string) ([]domain.Permission, error) {
	query := `SELECT ` + permissionCols + ` FROM permissions WHERE target_id=?`
	args := []any{targetID}
	if changeType != "" {
		query += ` AND change_type=?`
		args = append(args, changeType)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Permission
	for rows.Next() {
		p, err := scanPermission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
