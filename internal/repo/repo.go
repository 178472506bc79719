package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"quorum/internal/domain"
)

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

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

const entityCols = `id,kind,name,COALESCE(content,''),owner_kind,owner_id,foundational_enabled,governing_enabled,created_at,updated_at`

func scanEntity(scan func(dest ...any) error) (domain.Entity, error) {
	var e domain.Entity
	var foundational, governing int
	err := scan(&e.ID, &e.Kind, &e.Name, &e.Content, &e.OwnerKind, &e.OwnerID, &foundational, &governing, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.FoundationalEnabled = foundational != 0
	e.GoverningEnabled = governing != 0
	return e, nil
}

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entities(id,kind,name,content,owner_kind,owner_id,foundational_enabled,governing_enabled,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Kind, e.Name, nullable(e.Content), e.OwnerKind, e.OwnerID, boolInt(e.FoundationalEnabled), boolInt(e.GoverningEnabled), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+entityCols+` FROM entities WHERE id=?`, id)
	return scanEntity(row.Scan)
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Entity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entityCols+` FROM entities WHERE id=?`, id)
	return scanEntity(row.Scan)
}

func (r Repo) UpdateEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	res, err := tx.ExecContext(ctx, `UPDATE entities SET name=?, content=?, owner_kind=?, owner_id=?, foundational_enabled=?, governing_enabled=?, updated_at=? WHERE id=?`,
		e.Name, nullable(e.Content), e.OwnerKind, e.OwnerID, boolInt(e.FoundationalEnabled), boolInt(e.GoverningEnabled), e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EntityFilters struct {
	Kind      string
	OwnerKind string
	OwnerID   string
	Limit     int
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.OwnerKind != "" {
		clauses = append(clauses, "owner_kind=?")
		args = append(args, f.OwnerKind)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + entityCols + ` FROM entities ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, communityID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, communityID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, communityID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if communityID != "" {
		clauses = append(clauses, "community_id=?")
		args = append(args, communityID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(community_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CommunityID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, communityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if communityID != "" {
		clauses = append(clauses, "community_id=?")
		args = append(args, communityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(community_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CommunityID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
