package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/internal/sqlbuilder"
)

type tagRow struct {
	ID         int64         `db:"id"`
	GID        string        `db:"gid"`
	ParentID   sql.NullInt64 `db:"parent_id"`
	Type       string        `db:"type"`
	Attributes []byte        `db:"attributes"`
}

func (r tagRow) toEntity() entity.Tag {
	t := entity.Tag{ID: r.ID, GID: r.GID, Type: r.Type}
	if r.ParentID.Valid {
		t.ParentID = r.ParentID.Int64
	}
	if len(r.Attributes) > 0 {
		attrs := entity.Attributes{}
		_ = json.Unmarshal(r.Attributes, &attrs)
		t.Attributes = attrs
	}
	return t
}

// CreateTag inserts a new Tag row (spec §4.4/§6.1 "Tag.Create").
func (s *Store) CreateTag(ctx context.Context, t entity.Tag) (entity.Tag, error) {
	attrsJSON, err := json.Marshal(t.Attributes)
	if err != nil {
		return entity.Tag{}, fmt.Errorf("storage: marshal tag attributes: %w", err)
	}
	var parentID sql.NullInt64
	if t.ParentID != 0 {
		parentID = sql.NullInt64{Int64: t.ParentID, Valid: true}
	}
	query, args := sqlbuilder.NewInsert("tags").
		Set("gid", t.GID).
		Set("parent_id", parentID).
		Set("type", t.Type).
		Set("attributes", attrsJSON).
		Returning("id").
		ToSQL()
	var id int64
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return entity.Tag{}, fmt.Errorf("storage: create tag: %w", err)
	}
	t.ID = id
	return t, nil
}

// GetTag fetches one tag by ID.
func (s *Store) GetTag(ctx context.Context, id int64) (entity.Tag, error) {
	query, args := sqlbuilder.NewSelect("tags", "id", "gid", "parent_id", "type", "attributes").
		Where("id = ?", id).
		ToSQL()
	var row tagRow
	if err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return entity.Tag{}, ErrNotFound
		}
		return entity.Tag{}, fmt.Errorf("storage: get tag: %w", err)
	}
	return row.toEntity(), nil
}

// ModifyTag replaces a tag's attribute bag.
func (s *Store) ModifyTag(ctx context.Context, id int64, attrs entity.Attributes) error {
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("storage: marshal tag attributes: %w", err)
	}
	result, err := s.db.ExecContext(ctx, "UPDATE tags SET attributes = $1 WHERE id = $2", attrsJSON, id)
	if err != nil {
		return fmt.Errorf("storage: modify tag: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTag removes a tag row.
func (s *Store) DeleteTag(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tags WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("storage: delete tag: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
