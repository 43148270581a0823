package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pimbroker/broker/internal/entity"
)

type partRow struct {
	ID       int64          `db:"id"`
	ItemID   int64          `db:"item_id"`
	Name     string         `db:"name"`
	Version  int64          `db:"version"`
	Size     int64          `db:"size"`
	External bool           `db:"external"`
	Data     []byte         `db:"data"`
	Path     sql.NullString `db:"path"`
}

func (r partRow) toEntity() entity.Part {
	p := entity.Part{ID: r.ID, ItemID: r.ItemID, Name: r.Name, Version: r.Version, Size: r.Size, External: r.External, Data: r.Data}
	if r.Path.Valid {
		p.Path = r.Path.String
	}
	return p
}

// CreatePart inserts a new part version for an item. Whether the part is
// stored inline or externally (internal/partstream decides this by size
// threshold) is the caller's decision; this layer just persists whichever
// entity.Part it is given.
func (s *Store) CreatePart(ctx context.Context, p entity.Part) (entity.Part, error) {
	var path sql.NullString
	if p.External {
		path = sql.NullString{String: p.Path, Valid: true}
	}
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO parts (item_id, name, version, size, external, data, path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		p.ItemID, p.Name, p.Version, p.Size, p.External, p.Data, path,
	).Scan(&id)
	if err != nil {
		return entity.Part{}, fmt.Errorf("storage: create part: %w", err)
	}
	p.ID = id
	return p, nil
}

// FetchParts returns every part version belonging to itemID, latest
// version last.
func (s *Store) FetchParts(ctx context.Context, itemID int64) ([]entity.Part, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT id, item_id, name, version, size, external, data, path FROM parts WHERE item_id = $1 ORDER BY version ASC", itemID)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch parts: %w", err)
	}
	defer rows.Close()
	var out []entity.Part
	for rows.Next() {
		var row partRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("storage: scan part: %w", err)
		}
		out = append(out, row.toEntity())
	}
	return out, rows.Err()
}

// RemoveItemParts deletes every part row (and, for external parts, the
// backing file) belonging to itemID, without touching the item row
// itself (spec §4.4 "RemoveItemParts": used by Item.Modify when a client
// replaces an item's payload wholesale rather than appending a version).
func (s *Store) RemoveItemParts(ctx context.Context, itemID int64) error {
	if err := s.purgeItemFiles(ctx, itemID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM parts WHERE item_id = $1", itemID); err != nil {
		return fmt.Errorf("storage: remove item parts: %w", err)
	}
	s.InvalidateItemCache(ctx, itemID)
	return nil
}

// InvalidateItemCache evicts any cached state that could go stale when an
// item's parts or flags change. Items themselves aren't cached (only
// mime types/flags/resources/collections are, spec §4.4), but a part or
// flag change can shift a collection's derived statistics, so the
// containing collection's cache entry is dropped too.
func (s *Store) InvalidateItemCache(ctx context.Context, itemID int64) {
	if s.caches == nil {
		return
	}
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return
	}
	s.caches.Collection.Invalidate(item.CollectionID)
}

// NextPartVersion returns the version number the next CreatePart call for
// (itemID, name) should use, following the "<partId>_rN" naming scheme.
func (s *Store) NextPartVersion(ctx context.Context, itemID int64, name string) (int64, error) {
	var maxVersion sql.NullInt64
	err := s.db.QueryRowxContext(ctx,
		"SELECT MAX(version) FROM parts WHERE item_id = $1 AND name = $2", itemID, name).Scan(&maxVersion)
	if err != nil {
		return 0, fmt.Errorf("storage: next part version: %w", err)
	}
	if !maxVersion.Valid {
		return 0, nil
	}
	return maxVersion.Int64 + 1, nil
}
