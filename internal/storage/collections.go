package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/internal/notify"
	"github.com/pimbroker/broker/internal/partstream"
	"github.com/pimbroker/broker/internal/sqlbuilder"
)

var collectionColumns = []string{
	"id", "parent_id", "name", "resource_id", "attributes", "is_virtual",
	"cache_inherit", "cache_timeout_seconds", "revision",
}

type collectionRow struct {
	ID                  int64         `db:"id"`
	ParentID            sql.NullInt64 `db:"parent_id"`
	Name                string        `db:"name"`
	ResourceID          int64         `db:"resource_id"`
	Attributes          []byte        `db:"attributes"`
	IsVirtual           bool          `db:"is_virtual"`
	CacheInherit        bool          `db:"cache_inherit"`
	CacheTimeoutSeconds int64         `db:"cache_timeout_seconds"`
	Revision            int64         `db:"revision"`
}

func (r collectionRow) toEntity() entity.Collection {
	c := entity.Collection{
		ID:         r.ID,
		Name:       r.Name,
		ResourceID: r.ResourceID,
		IsVirtual:  r.IsVirtual,
		Revision:   r.Revision,
		CachePolicy: entity.CachePolicy{
			Inherit:      r.CacheInherit,
			CacheTimeout: time.Duration(r.CacheTimeoutSeconds) * time.Second,
		},
	}
	if r.ParentID.Valid {
		c.ParentID = r.ParentID.Int64
	}
	if len(r.Attributes) > 0 {
		attrs := entity.Attributes{}
		_ = json.Unmarshal(r.Attributes, &attrs)
		c.Attributes = attrs
	}
	return c
}

// CreateCollection inserts a new Collection row and returns it with its
// assigned ID and an initial revision of 1 (spec: "Collection create").
func (s *Store) CreateCollection(ctx context.Context, c entity.Collection) (entity.Collection, error) {
	attrsJSON, err := json.Marshal(c.Attributes)
	if err != nil {
		return entity.Collection{}, fmt.Errorf("storage: marshal attributes: %w", err)
	}
	var parentID sql.NullInt64
	if c.ParentID != 0 {
		parentID = sql.NullInt64{Int64: c.ParentID, Valid: true}
	}
	query, args := sqlbuilder.NewInsert("collections").
		Set("parent_id", parentID).
		Set("name", c.Name).
		Set("resource_id", c.ResourceID).
		Set("attributes", attrsJSON).
		Set("is_virtual", c.IsVirtual).
		Set("cache_inherit", c.CachePolicy.Inherit).
		Set("cache_timeout_seconds", int64(c.CachePolicy.CacheTimeout/time.Second)).
		Set("revision", 1).
		Returning("id").
		ToSQL()

	var id int64
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return entity.Collection{}, fmt.Errorf("storage: create collection: %w", err)
	}
	c.ID = id
	c.Revision = 1
	if s.caches != nil {
		s.caches.Collection.Set(id, c)
	}
	return c, nil
}

// GetCollection fetches one collection by ID, consulting the cache first
// when caching is enabled for this Store.
func (s *Store) GetCollection(ctx context.Context, id int64) (entity.Collection, error) {
	if s.caches != nil {
		if c, ok := s.caches.GetCollection(id); ok {
			return c, nil
		}
	}
	query, args := sqlbuilder.NewSelect("collections", collectionColumns...).
		Where("id = ?", id).
		ToSQL()

	var row collectionRow
	if err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return entity.Collection{}, ErrNotFound
		}
		return entity.Collection{}, fmt.Errorf("storage: get collection: %w", err)
	}
	c := row.toEntity()
	if s.caches != nil {
		s.caches.Collection.Set(id, c)
	}
	return c, nil
}

// ListChildCollections returns the immediate children of parentID, or
// resource roots when parentID is 0.
func (s *Store) ListChildCollections(ctx context.Context, parentID int64) ([]entity.Collection, error) {
	var query string
	var args []interface{}
	if parentID == 0 {
		query, args = sqlbuilder.NewSelect("collections", collectionColumns...).
			Where("parent_id IS NULL").
			ToSQL()
	} else {
		query, args = sqlbuilder.NewSelect("collections", collectionColumns...).
			Where("parent_id = ?", parentID).
			ToSQL()
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list collections: %w", err)
	}
	defer rows.Close()

	var out []entity.Collection
	for rows.Next() {
		var row collectionRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("storage: scan collection: %w", err)
		}
		out = append(out, row.toEntity())
	}
	return out, rows.Err()
}

// ListVirtualCollections returns the virtual (search/saved-search style)
// collections belonging to resourceID (spec §4.4 "virtual collection
// lookups").
func (s *Store) ListVirtualCollections(ctx context.Context, resourceID int64) ([]entity.Collection, error) {
	query, args := sqlbuilder.NewSelect("collections", collectionColumns...).
		Where("resource_id = ?", resourceID).
		Where("is_virtual = ?", true).
		ToSQL()
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list virtual collections: %w", err)
	}
	defer rows.Close()
	var out []entity.Collection
	for rows.Next() {
		var row collectionRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("storage: scan collection: %w", err)
		}
		out = append(out, row.toEntity())
	}
	return out, rows.Err()
}

// ActiveCachePolicy resolves the cache-timeout policy actually in effect
// for collection id by walking its ancestor chain up to the resource root
// and handing the chain to entity.EffectivePolicy (spec §4.4 "cache
// policy resolution", scenario S6: a timeout change on an ancestor must
// be visible on the next query of a descendant that inherits).
func (s *Store) ActiveCachePolicy(ctx context.Context, id int64) (entity.CachePolicy, error) {
	col, err := s.GetCollection(ctx, id)
	if err != nil {
		return entity.CachePolicy{}, err
	}
	var parents []entity.CachePolicy
	current := col.ParentID
	for i := 0; i < 1000 && current != 0; i++ {
		parent, err := s.GetCollection(ctx, current)
		if err == ErrNotFound {
			break
		}
		if err != nil {
			return entity.CachePolicy{}, err
		}
		parents = append(parents, parent.CachePolicy)
		current = parent.ParentID
	}
	return entity.EffectivePolicy(col.CachePolicy, parents), nil
}

// CollectionStatistics returns the item count and total item size for
// collectionID (spec §6.1 "Collection.FetchStatistics").
func (s *Store) CollectionStatistics(ctx context.Context, collectionID int64) (itemCount int64, totalSize int64, err error) {
	var size sql.NullInt64
	err = s.db.QueryRowxContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0) FROM items WHERE collection_id = $1", collectionID).
		Scan(&itemCount, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: collection statistics: %w", err)
	}
	return itemCount, size.Int64, nil
}

// AddCollectionAttribute upserts a single key/value pair into a
// collection's attribute bag.
func (s *Store) AddCollectionAttribute(ctx context.Context, collectionID int64, key, value string) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx *sqlbuilder.Tx) error {
		if _, err := tx.SQLTx().ExecContext(ctx,
			"DELETE FROM collection_attributes WHERE collection_id = $1 AND key = $2", collectionID, key); err != nil {
			return fmt.Errorf("storage: clear collection attribute: %w", err)
		}
		if _, err := tx.SQLTx().ExecContext(ctx,
			"INSERT INTO collection_attributes (collection_id, key, value) VALUES ($1, $2, $3)", collectionID, key, value); err != nil {
			return fmt.Errorf("storage: add collection attribute: %w", err)
		}
		if _, err := tx.SQLTx().ExecContext(ctx, "UPDATE collections SET revision = revision + 1 WHERE id = $1", collectionID); err != nil {
			return fmt.Errorf("storage: bump revision: %w", err)
		}
		if s.caches != nil {
			s.caches.Collection.Invalidate(collectionID)
		}
		return nil
	})
}

// RemoveCollectionAttribute deletes one key from a collection's attribute
// bag, if present.
func (s *Store) RemoveCollectionAttribute(ctx context.Context, collectionID int64, key string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM collection_attributes WHERE collection_id = $1 AND key = $2", collectionID, key); err != nil {
		return fmt.Errorf("storage: remove collection attribute: %w", err)
	}
	if s.caches != nil {
		s.caches.Collection.Invalidate(collectionID)
	}
	return nil
}

// AppendMimeTypeForCollection records that collectionID accepts items of
// mimeTypeID, ignoring the call if already recorded.
func (s *Store) AppendMimeTypeForCollection(ctx context.Context, collectionID, mimeTypeID int64) error {
	var exists bool
	err := s.db.QueryRowxContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM collection_mime_types WHERE collection_id = $1 AND mime_type_id = $2)",
		collectionID, mimeTypeID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("storage: check collection mime type: %w", err)
	}
	if exists {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO collection_mime_types (collection_id, mime_type_id) VALUES ($1, $2)", collectionID, mimeTypeID); err != nil {
		return fmt.Errorf("storage: append collection mime type: %w", err)
	}
	return nil
}

// RenameCollection updates a collection's name and bumps its revision.
func (s *Store) RenameCollection(ctx context.Context, id int64, name string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE collections SET name = $1, revision = revision + 1 WHERE id = $2", name, id)
	if err != nil {
		return fmt.Errorf("storage: rename collection: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	if s.caches != nil {
		s.caches.Collection.Invalidate(id)
	}
	return nil
}

// MoveCollection reparents a collection under newParentID. Returns
// ErrCycle if newParentID is id itself or a descendant of id (spec
// invariant: the collection tree must stay acyclic).
func (s *Store) MoveCollection(ctx context.Context, id, newParentID int64) error {
	if id == newParentID {
		return ErrCycle
	}
	isDescendant, err := s.isDescendant(ctx, newParentID, id)
	if err != nil {
		return err
	}
	if isDescendant {
		return ErrCycle
	}
	query, args := sqlbuilder.NewUpdate("collections").
		Set("parent_id", newParentID).
		Where("id = ?", id).
		ToSQL()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("storage: move collection: %w", err)
	}
	if s.caches != nil {
		s.caches.Collection.Invalidate(id)
	}
	return nil
}

// isDescendant reports whether candidate is in ancestorID's subtree.
func (s *Store) isDescendant(ctx context.Context, candidate, ancestorID int64) (bool, error) {
	current := candidate
	for i := 0; i < 1000; i++ { // bounded: a well-formed tree can't be this deep
		if current == ancestorID {
			return true, nil
		}
		col, err := s.GetCollection(ctx, current)
		if err == ErrNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if col.ParentID == 0 {
			return false, nil
		}
		current = col.ParentID
	}
	return false, ErrCycle
}

// DeleteCollection removes a collection and cascades to its items and
// child collections, aggregating any per-child failures (spec: "cascade
// emulation").
func (s *Store) DeleteCollection(ctx context.Context, id int64) error {
	return s.cascadeDeleteCollection(ctx, id)
}

// SetPartStreamer attaches the external-part file writer CleanupCollection
// uses to purge on-disk parts before deleting their rows. Optional: with
// none set, CleanupCollection still removes rows and emits notifications,
// it just can't unlink external files.
func (s *Store) SetPartStreamer(streamer *partstream.Streamer) {
	s.streamer = streamer
}

// CleanupCollection deletes a collection and everything beneath it,
// purging external part files and emitting a Remove notification for
// every item and child collection before the corresponding row goes away
// (spec §4.4 "CleanupCollection": notify-before-delete, so a subscriber
// never has to reconcile a Remove against a row it can still read).
func (s *Store) CleanupCollection(ctx context.Context, id int64, collector *notify.Collector) error {
	items, err := s.ListItems(ctx, id)
	if err != nil {
		return fmt.Errorf("storage: list items for cleanup: %w", err)
	}
	for _, item := range items {
		if err := s.purgeItemFiles(ctx, item.ID); err != nil {
			return err
		}
		if collector != nil {
			collector.Record(notify.Notification{Kind: notify.ChangeRemove, Entity: notify.EntityItem, EntityID: item.ID, CollectionID: id})
		}
	}

	children, err := s.ListChildCollections(ctx, id)
	if err != nil {
		return fmt.Errorf("storage: list children for cleanup: %w", err)
	}
	for _, child := range children {
		if err := s.CleanupCollection(ctx, child.ID, collector); err != nil {
			return err
		}
	}

	if collector != nil {
		col, err := s.GetCollection(ctx, id)
		if err == nil {
			collector.Record(notify.Notification{Kind: notify.ChangeRemove, Entity: notify.EntityCollection, EntityID: id, CollectionID: col.ParentID})
		}
	}

	return s.cascadeDeleteCollection(ctx, id)
}

// purgeItemFiles removes every external part file belonging to itemID.
// Rows are left alone; the caller deletes them as part of its own cascade.
func (s *Store) purgeItemFiles(ctx context.Context, itemID int64) error {
	if s.streamer == nil {
		return nil
	}
	parts, err := s.FetchParts(ctx, itemID)
	if err != nil {
		return fmt.Errorf("storage: fetch parts for cleanup: %w", err)
	}
	for _, p := range parts {
		if !p.External {
			continue
		}
		if err := s.streamer.RemoveExternal(p.Path); err != nil {
			return fmt.Errorf("storage: purge external part: %w", err)
		}
	}
	return nil
}
