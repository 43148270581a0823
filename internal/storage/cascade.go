package storage

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/pimbroker/broker/internal/sqlbuilder"
)

// cascadeDeleteCollection deletes a collection, all items it holds, and
// all of its descendant collections, emulating a foreign-key ON DELETE
// CASCADE for backends where the schema doesn't declare one (spec: the
// storage engine, not the database, owns cascade semantics so behavior
// is identical across PostgreSQL and SQLite).
//
// Failures in independent children are collected into one aggregated
// error rather than stopping at the first one. The whole cascade runs in
// one transaction, so any failure rolls back the entire delete.
func (s *Store) cascadeDeleteCollection(ctx context.Context, id int64) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx *sqlbuilder.Tx) error {
		children, err := s.ListChildCollections(ctx, id)
		if err != nil {
			return fmt.Errorf("storage: list children for cascade: %w", err)
		}

		var result *multierror.Error
		for _, child := range children {
			if err := s.cascadeDeleteCollectionTx(ctx, tx, child.ID); err != nil {
				result = multierror.Append(result, fmt.Errorf("collection %d: %w", child.ID, err))
			}
		}

		if _, err := tx.SQLTx().ExecContext(ctx, "DELETE FROM items WHERE collection_id = $1", id); err != nil {
			result = multierror.Append(result, fmt.Errorf("delete items for collection %d: %w", id, err))
		}
		res, err := tx.SQLTx().ExecContext(ctx, "DELETE FROM collections WHERE id = $1", id)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("delete collection %d: %w", id, err))
		} else if rows, _ := res.RowsAffected(); rows == 0 {
			result = multierror.Append(result, fmt.Errorf("collection %d: %w", id, ErrNotFound))
		}

		if s.caches != nil {
			s.caches.Collection.Invalidate(id)
		}
		return result.ErrorOrNil()
	})
}

// cascadeDeleteCollectionTx recurses within an already-open transaction.
func (s *Store) cascadeDeleteCollectionTx(ctx context.Context, tx *sqlbuilder.Tx, id int64) error {
	children, err := s.ListChildCollections(ctx, id)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, child := range children {
		if err := s.cascadeDeleteCollectionTx(ctx, tx, child.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if _, err := tx.SQLTx().ExecContext(ctx, "DELETE FROM items WHERE collection_id = $1", id); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := tx.SQLTx().ExecContext(ctx, "DELETE FROM collections WHERE id = $1", id); err != nil {
		result = multierror.Append(result, err)
	}
	if s.caches != nil {
		s.caches.Collection.Invalidate(id)
	}
	return result.ErrorOrNil()
}
