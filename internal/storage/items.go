package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/internal/notify"
	"github.com/pimbroker/broker/internal/sqlbuilder"
)

var itemColumns = []string{
	"id", "collection_id", "remote_id", "gid", "mime_type_id", "size",
	"dirty", "hidden", "atime", "revision",
}

type itemRow struct {
	ID           int64          `db:"id"`
	CollectionID int64          `db:"collection_id"`
	RemoteID     sql.NullString `db:"remote_id"`
	GID          string         `db:"gid"`
	MimeTypeID   int64          `db:"mime_type_id"`
	Size         int64          `db:"size"`
	Dirty        bool           `db:"dirty"`
	Hidden       bool           `db:"hidden"`
	Atime        sql.NullTime   `db:"atime"`
	Revision     int64          `db:"revision"`
}

func (r itemRow) toEntity() entity.Item {
	item := entity.Item{
		ID:           r.ID,
		CollectionID: r.CollectionID,
		RemoteID:     r.RemoteID.String,
		GID:          r.GID,
		MimeTypeID:   r.MimeTypeID,
		Size:         r.Size,
		Dirty:        r.Dirty,
		Hidden:       r.Hidden,
		Revision:     r.Revision,
	}
	if r.Atime.Valid {
		item.Atime = r.Atime.Time
	}
	return item
}

// CreateItem inserts a new Item row (without its parts/flags/tags, which
// are written through AppendPart/SetFlags) and returns it with its
// assigned ID and initial revision.
func (s *Store) CreateItem(ctx context.Context, item entity.Item) (entity.Item, error) {
	if !item.IsValid() {
		return entity.Item{}, fmt.Errorf("storage: invalid item")
	}
	var remoteID sql.NullString
	if item.RemoteID != "" {
		remoteID = sql.NullString{String: item.RemoteID, Valid: true}
	}
	query, args := sqlbuilder.NewInsert("items").
		Set("collection_id", item.CollectionID).
		Set("remote_id", remoteID).
		Set("gid", item.GID).
		Set("mime_type_id", item.MimeTypeID).
		Set("size", item.Size).
		Set("dirty", item.Dirty).
		Set("hidden", item.Hidden).
		Set("atime", time.Now().UTC()).
		Set("revision", 1).
		Returning("id").
		ToSQL()

	var id int64
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return entity.Item{}, fmt.Errorf("storage: create item: %w", err)
	}
	item.ID = id
	item.Revision = 1
	return item, nil
}

// AppendPimItem creates an item together with its parts in one
// transaction, deriving the dirty bit from whether the item carries a
// RemoteID (spec §4.4 "AppendPimItem"): an item with no RemoteID has no
// source to be dirty against, so it's created clean; one created with a
// RemoteID came from a sync and starts dirty until that source
// acknowledges it. Sets atime to the creation time.
func (s *Store) AppendPimItem(ctx context.Context, item entity.Item, parts []entity.Part) (entity.Item, error) {
	if !item.IsValid() {
		return entity.Item{}, fmt.Errorf("storage: invalid item")
	}
	item.Dirty = item.RemoteID != ""

	var created entity.Item
	err := s.WithTransaction(ctx, func(ctx context.Context, tx *sqlbuilder.Tx) error {
		var remoteID sql.NullString
		if item.RemoteID != "" {
			remoteID = sql.NullString{String: item.RemoteID, Valid: true}
		}
		now := time.Now().UTC()
		var id int64
		err := tx.SQLTx().QueryRowxContext(ctx,
			`INSERT INTO items (collection_id, remote_id, gid, mime_type_id, size, dirty, hidden, atime, revision)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1) RETURNING id`,
			item.CollectionID, remoteID, item.GID, item.MimeTypeID, item.Size, item.Dirty, item.Hidden, now,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("storage: append pim item: %w", err)
		}
		item.ID = id
		item.Revision = 1
		item.Atime = now

		for i := range parts {
			parts[i].ItemID = id
			var path sql.NullString
			if parts[i].External {
				path = sql.NullString{String: parts[i].Path, Valid: true}
			}
			var partID int64
			err := tx.SQLTx().QueryRowxContext(ctx,
				`INSERT INTO parts (item_id, name, version, size, external, data, path)
				 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
				id, parts[i].Name, parts[i].Version, parts[i].Size, parts[i].External, parts[i].Data, path,
			).Scan(&partID)
			if err != nil {
				return fmt.Errorf("storage: append pim item part: %w", err)
			}
			parts[i].ID = partID
		}
		item.Parts = parts
		created = item
		return nil
	})
	if err != nil {
		return entity.Item{}, err
	}
	return created, nil
}

// GetItem fetches one item's metadata row by ID. Parts and flags are
// fetched separately (FetchParts, FetchFlags) so callers that only need
// metadata avoid the extra round trips.
func (s *Store) GetItem(ctx context.Context, id int64) (entity.Item, error) {
	query, args := sqlbuilder.NewSelect("items", itemColumns...).
		Where("id = ?", id).
		ToSQL()
	var row itemRow
	if err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return entity.Item{}, ErrNotFound
		}
		return entity.Item{}, fmt.Errorf("storage: get item: %w", err)
	}
	return row.toEntity(), nil
}

// ListItems returns every item directly in collectionID.
func (s *Store) ListItems(ctx context.Context, collectionID int64) ([]entity.Item, error) {
	query, args := sqlbuilder.NewSelect("items", itemColumns...).
		Where("collection_id = ?", collectionID).
		ToSQL()
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list items: %w", err)
	}
	defer rows.Close()
	var out []entity.Item
	for rows.Next() {
		var row itemRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("storage: scan item: %w", err)
		}
		out = append(out, row.toEntity())
	}
	return out, rows.Err()
}

// ModifyItem updates mutable item metadata and bumps the revision.
func (s *Store) ModifyItem(ctx context.Context, id int64, mimeTypeID int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE items SET mime_type_id = $1, revision = revision + 1 WHERE id = $2", mimeTypeID, id)
	if err != nil {
		return fmt.Errorf("storage: modify item: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MoveItem reassigns an item to a different collection.
func (s *Store) MoveItem(ctx context.Context, id, newCollectionID int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE items SET collection_id = $1, revision = revision + 1 WHERE id = $2", newCollectionID, id)
	if err != nil {
		return fmt.Errorf("storage: move item: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteItem removes an item and its parts.
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx *sqlbuilder.Tx) error {
		if _, err := tx.SQLTx().ExecContext(ctx, "DELETE FROM parts WHERE item_id = $1", id); err != nil {
			return fmt.Errorf("storage: delete parts: %w", err)
		}
		result, err := tx.SQLTx().ExecContext(ctx, "DELETE FROM items WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("storage: delete item: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetItemFlags replaces an item's flag set.
func (s *Store) SetItemFlags(ctx context.Context, itemID int64, flagIDs []int64) error {
	return s.WithTransaction(ctx, func(ctx context.Context, tx *sqlbuilder.Tx) error {
		if _, err := tx.SQLTx().ExecContext(ctx, "DELETE FROM item_flags WHERE item_id = $1", itemID); err != nil {
			return fmt.Errorf("storage: clear flags: %w", err)
		}
		for _, flagID := range flagIDs {
			if _, err := tx.SQLTx().ExecContext(ctx,
				"INSERT INTO item_flags (item_id, flag_id) VALUES ($1, $2)", itemID, flagID); err != nil {
				return fmt.Errorf("storage: set flag: %w", err)
			}
		}
		if _, err := tx.SQLTx().ExecContext(ctx, "UPDATE items SET revision = revision + 1 WHERE id = $1", itemID); err != nil {
			return fmt.Errorf("storage: bump revision: %w", err)
		}
		return nil
	})
}

// FetchItemFlags returns the flag IDs currently set on itemID.
func (s *Store) FetchItemFlags(ctx context.Context, itemID int64) ([]int64, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT flag_id FROM item_flags WHERE item_id = $1", itemID)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch item flags: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan item flag: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetItemsFlags replaces the flag set on every item in itemIDs, recording
// one ModifyFlags notification per item carrying exactly the flags that
// were net-added and net-removed relative to what it had before (spec
// §4.4 "plural flag operations").
func (s *Store) SetItemsFlags(ctx context.Context, itemIDs []int64, flagIDs []int64, collector *notify.Collector) error {
	for _, itemID := range itemIDs {
		before, err := s.FetchItemFlags(ctx, itemID)
		if err != nil {
			return err
		}
		if err := s.SetItemFlags(ctx, itemID, flagIDs); err != nil {
			return err
		}
		added, removed := diffFlags(before, flagIDs)
		s.recordFlagChange(ctx, itemID, added, removed, collector)
	}
	return nil
}

// AppendItemsFlags adds flagIDs to every item in itemIDs, leaving any
// flag already present untouched, and notifies only the flags that were
// actually new to each item.
func (s *Store) AppendItemsFlags(ctx context.Context, itemIDs []int64, flagIDs []int64, collector *notify.Collector) error {
	for _, itemID := range itemIDs {
		before, err := s.FetchItemFlags(ctx, itemID)
		if err != nil {
			return err
		}
		after := unionFlags(before, flagIDs)
		if err := s.SetItemFlags(ctx, itemID, after); err != nil {
			return err
		}
		added, _ := diffFlags(before, after)
		s.recordFlagChange(ctx, itemID, added, nil, collector)
	}
	return nil
}

// RemoveItemsFlags removes flagIDs from every item in itemIDs and
// notifies only the flags that were actually present to remove.
func (s *Store) RemoveItemsFlags(ctx context.Context, itemIDs []int64, flagIDs []int64, collector *notify.Collector) error {
	for _, itemID := range itemIDs {
		before, err := s.FetchItemFlags(ctx, itemID)
		if err != nil {
			return err
		}
		after := subtractFlags(before, flagIDs)
		if err := s.SetItemFlags(ctx, itemID, after); err != nil {
			return err
		}
		_, removed := diffFlags(before, after)
		s.recordFlagChange(ctx, itemID, nil, removed, collector)
	}
	return nil
}

func (s *Store) recordFlagChange(ctx context.Context, itemID int64, added, removed []int64, collector *notify.Collector) {
	if collector == nil || (len(added) == 0 && len(removed) == 0) {
		return
	}
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return
	}
	collector.Record(notify.Notification{
		Kind: notify.ChangeModifyFlags, Entity: notify.EntityItem, EntityID: itemID,
		CollectionID: item.CollectionID, AddedFlags: added, RemovedFlags: removed,
	})
}

// diffFlags reports which IDs are in after but not before (added) and in
// before but not after (removed).
func diffFlags(before, after []int64) (added, removed []int64) {
	beforeSet := make(map[int64]bool, len(before))
	for _, id := range before {
		beforeSet[id] = true
	}
	afterSet := make(map[int64]bool, len(after))
	for _, id := range after {
		afterSet[id] = true
	}
	for id := range afterSet {
		if !beforeSet[id] {
			added = append(added, id)
		}
	}
	for id := range beforeSet {
		if !afterSet[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func unionFlags(a, b []int64) []int64 {
	set := make(map[int64]bool, len(a)+len(b))
	for _, id := range a {
		set[id] = true
	}
	for _, id := range b {
		set[id] = true
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func subtractFlags(a, remove []int64) []int64 {
	removeSet := make(map[int64]bool, len(remove))
	for _, id := range remove {
		removeSet[id] = true
	}
	out := make([]int64, 0, len(a))
	for _, id := range a {
		if !removeSet[id] {
			out = append(out, id)
		}
	}
	return out
}

// CleanupPimItems deletes every item marked Hidden whose atime is older
// than olderThan, purging their external part files and emitting a
// Remove notification per item before the row goes away (spec §4.4
// "CleanupPimItems": the hide-then-sweep lifecycle PIM sync sources use
// instead of an immediate delete).
func (s *Store) CleanupPimItems(ctx context.Context, collectionID int64, olderThan time.Duration, collector *notify.Collector) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id FROM items WHERE collection_id = $1 AND hidden = true AND atime < $2", collectionID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: list hidden items for cleanup: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: scan hidden item: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := s.purgeItemFiles(ctx, id); err != nil {
			return 0, err
		}
		if collector != nil {
			collector.Record(notify.Notification{Kind: notify.ChangeRemove, Entity: notify.EntityItem, EntityID: id, CollectionID: collectionID})
		}
		if err := s.DeleteItem(ctx, id); err != nil && err != ErrNotFound {
			return 0, err
		}
	}
	return len(ids), nil
}

// UnhidePimItem clears the Hidden bit on one item, taking it back out of
// CleanupPimItems' sweep.
func (s *Store) UnhidePimItem(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "UPDATE items SET hidden = false WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("storage: unhide item: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UnhideAllPimItems clears the Hidden bit on every item in collectionID,
// returning the number of items affected.
func (s *Store) UnhideAllPimItems(ctx context.Context, collectionID int64) (int, error) {
	result, err := s.db.ExecContext(ctx, "UPDATE items SET hidden = false WHERE collection_id = $1 AND hidden = true", collectionID)
	if err != nil {
		return 0, fmt.Errorf("storage: unhide all items: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}
