package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"quorum/internal/domain"
)

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalInto(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

const communityCols = `id,name,members_json,owners_json,governors_json,roles_json,auto_roles_json,COALESCE(owner_condition_json,''),COALESCE(governor_condition_json,''),created_at`

func scanCommunity(scan func(dest ...any) error) (domain.Community, error) {
	var c domain.Community
	var members, owners, governors, roles, autoRoles, ownerCond, governorCond string
	err := scan(&c.ID, &c.Name, &members, &owners, &governors, &roles, &autoRoles, &ownerCond, &governorCond, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Members = map[string]string{}
	c.Roles = map[string][]string{}
	c.AutoRoles = map[string]domain.RoleRule{}
	for _, pair := range []struct {
		data string
		dst  any
	}{
		{members, &c.Members},
		{owners, &c.Owners},
		{governors, &c.Governors},
		{roles, &c.Roles},
		{autoRoles, &c.AutoRoles},
	} {
		if err := unmarshalInto(pair.data, pair.dst); err != nil {
			return c, fmt.Errorf("decode community %s: %w", c.ID, err)
		}
	}
	if ownerCond != "" {
		c.OwnerCondition = &domain.ConditionSpec{}
		if err := unmarshalInto(ownerCond, c.OwnerCondition); err != nil {
			return c, fmt.Errorf("decode community %s: %w", c.ID, err)
		}
	}
	if governorCond != "" {
		c.GovernorCondition = &domain.ConditionSpec{}
		if err := unmarshalInto(governorCond, c.GovernorCondition); err != nil {
			return c, fmt.Errorf("decode community %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func communityArgs(c domain.Community) ([]any, error) {
	members, err := marshalJSON(c.Members)
	if err != nil {
		return nil, err
	}
	owners, err := marshalJSON(c.Owners)
	if err != nil {
		return nil, err
	}
	governors, err := marshalJSON(c.Governors)
	if err != nil {
		return nil, err
	}
	roles, err := marshalJSON(c.Roles)
	if err != nil {
		return nil, err
	}
	autoRoles, err := marshalJSON(c.AutoRoles)
	if err != nil {
		return nil, err
	}
	var ownerCond, governorCond any
	if c.OwnerCondition != nil {
		s, err := marshalJSON(c.OwnerCondition)
		if err != nil {
			return nil, err
		}
		ownerCond = s
	}
	if c.GovernorCondition != nil {
		s, err := marshalJSON(c.GovernorCondition)
		if err != nil {
			return nil, err
		}
		governorCond = s
	}
	return []any{members, owners, governors, roles, autoRoles, ownerCond, governorCond}, nil
}

func (r Repo) InsertCommunity(ctx context.Context, tx *sql.Tx, c domain.Community) error {
	args, err := communityArgs(c)
	if err != nil {
		return err
	}
	all := append([]any{c.ID, c.Name}, args...)
	all = append(all, c.CreatedAt)
	_, err = tx.ExecContext(ctx, `INSERT INTO communities(id,name,members_json,owners_json,governors_json,roles_json,auto_roles_json,owner_condition_json,governor_condition_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`, all...)
	return err
}

func (r Repo) UpdateCommunity(ctx context.Context, tx *sql.Tx, c domain.Community) error {
	args, err := communityArgs(c)
	if err != nil {
		return err
	}
	all := append([]any{c.Name}, args...)
	all = append(all, c.ID)
	res, err := tx.ExecContext(ctx, `UPDATE communities SET name=?, members_json=?, owners_json=?, governors_json=?, roles_json=?, auto_roles_json=?, owner_condition_json=?, governor_condition_json=? WHERE id=?`, all...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetCommunity(ctx context.Context, id string) (domain.Community, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+communityCols+` FROM communities WHERE id=?`, id)
	return scanCommunity(row.Scan)
}

func (r Repo) GetCommunityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Community, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+communityCols+` FROM communities WHERE id=?`, id)
	return scanCommunity(row.Scan)
}

func (r Repo) ListCommunities(ctx context.Context) ([]domain.Community, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+communityCols+` FROM communities ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Community
	for rows.Next() {
		c, err := scanCommunity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
