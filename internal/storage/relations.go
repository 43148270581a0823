package storage

import (
	"context"
	"fmt"

	"github.com/pimbroker/broker/internal/entity"
)

// CreateRelation links two items (spec §6.1 "Item.Link").
func (s *Store) CreateRelation(ctx context.Context, r entity.Relation) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO relations (left_id, right_id, type, remote_id) VALUES ($1, $2, $3, $4)",
		r.LeftID, r.RightID, r.Type, r.RemoteID); err != nil {
		return fmt.Errorf("storage: create relation: %w", err)
	}
	return nil
}

// DeleteRelation removes a link between two items (spec §6.1
// "Item.Unlink").
func (s *Store) DeleteRelation(ctx context.Context, r entity.Relation) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM relations WHERE left_id = $1 AND right_id = $2 AND type = $3",
		r.LeftID, r.RightID, r.Type)
	if err != nil {
		return fmt.Errorf("storage: delete relation: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
