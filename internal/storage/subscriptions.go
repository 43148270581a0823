package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/internal/sqlbuilder"
)

type subscriptionRow struct {
	ID           int64  `db:"id"`
	CollectionID int64  `db:"collection_id"`
	Resource     string `db:"resource"`
	MimeTypes    []byte `db:"mime_types"`
}

func (r subscriptionRow) toEntity() entity.Subscription {
	sub := entity.Subscription{ID: r.ID, CollectionID: r.CollectionID, Resource: r.Resource}
	if len(r.MimeTypes) > 0 {
		_ = json.Unmarshal(r.MimeTypes, &sub.MimeTypes)
	}
	return sub
}

// CreateSubscription registers interest in collectionID's changes (spec
// §6.1 "Subscription.Create").
func (s *Store) CreateSubscription(ctx context.Context, sub entity.Subscription) (entity.Subscription, error) {
	mtJSON, err := json.Marshal(sub.MimeTypes)
	if err != nil {
		return entity.Subscription{}, fmt.Errorf("storage: marshal subscription mime types: %w", err)
	}
	query, args := sqlbuilder.NewInsert("subscriptions").
		Set("collection_id", sub.CollectionID).
		Set("resource", sub.Resource).
		Set("mime_types", mtJSON).
		Returning("id").
		ToSQL()
	var id int64
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return entity.Subscription{}, fmt.Errorf("storage: create subscription: %w", err)
	}
	sub.ID = id
	return sub, nil
}

// ModifySubscription replaces the mime-type filter of an existing
// subscription (spec §6.1 "Subscription.Modify").
func (s *Store) ModifySubscription(ctx context.Context, id int64, mimeTypes []string) error {
	mtJSON, err := json.Marshal(mimeTypes)
	if err != nil {
		return fmt.Errorf("storage: marshal subscription mime types: %w", err)
	}
	result, err := s.db.ExecContext(ctx, "UPDATE subscriptions SET mime_types = $1 WHERE id = $2", mtJSON, id)
	if err != nil {
		return fmt.Errorf("storage: modify subscription: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription (spec §6.1
// "Collection.Unsubscribe").
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("storage: delete subscription: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSubscription fetches one subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, id int64) (entity.Subscription, error) {
	query, args := sqlbuilder.NewSelect("subscriptions", "id", "collection_id", "resource", "mime_types").
		Where("id = ?", id).
		ToSQL()
	var row subscriptionRow
	if err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return entity.Subscription{}, ErrNotFound
		}
		return entity.Subscription{}, fmt.Errorf("storage: get subscription: %w", err)
	}
	return row.toEntity(), nil
}
