package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/internal/sqlbuilder"
)

type searchQueryRow struct {
	ID            int64          `db:"id"`
	CollectionIDs []byte         `db:"collection_ids"`
	MimeType      sql.NullString `db:"mime_type"`
	FlagName      sql.NullString `db:"flag_name"`
}

func (r searchQueryRow) toEntity() entity.SearchQuery {
	q := entity.SearchQuery{ID: r.ID, MimeType: r.MimeType.String, FlagName: r.FlagName.String}
	_ = json.Unmarshal(r.CollectionIDs, &q.CollectionIDs)
	return q
}

// ModifySearch persists a search's criteria (spec §6.1 "Search.Modify"),
// creating it if q.ID is 0 and replacing its criteria otherwise.
func (s *Store) ModifySearch(ctx context.Context, q entity.SearchQuery) (entity.SearchQuery, error) {
	collectionIDsJSON, err := json.Marshal(q.CollectionIDs)
	if err != nil {
		return entity.SearchQuery{}, fmt.Errorf("storage: marshal search collection ids: %w", err)
	}
	var mimeType, flagName sql.NullString
	if q.MimeType != "" {
		mimeType = sql.NullString{String: q.MimeType, Valid: true}
	}
	if q.FlagName != "" {
		flagName = sql.NullString{String: q.FlagName, Valid: true}
	}

	if q.ID == 0 {
		query, args := sqlbuilder.NewInsert("search_queries").
			Set("collection_ids", collectionIDsJSON).
			Set("mime_type", mimeType).
			Set("flag_name", flagName).
			Returning("id").
			ToSQL()
		var id int64
		if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
			return entity.SearchQuery{}, fmt.Errorf("storage: create search: %w", err)
		}
		q.ID = id
		return q, nil
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE search_queries SET collection_ids = $1, mime_type = $2, flag_name = $3 WHERE id = $4",
		collectionIDsJSON, mimeType, flagName, q.ID)
	if err != nil {
		return entity.SearchQuery{}, fmt.Errorf("storage: modify search: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return entity.SearchQuery{}, ErrNotFound
	}
	return q, nil
}

// GetSearch fetches one persisted search query by ID.
func (s *Store) GetSearch(ctx context.Context, id int64) (entity.SearchQuery, error) {
	query, args := sqlbuilder.NewSelect("search_queries", "id", "collection_ids", "mime_type", "flag_name").
		Where("id = ?", id).
		ToSQL()
	var row searchQueryRow
	if err := s.db.QueryRowxContext(ctx, query, args...).StructScan(&row); err != nil {
		if err == sql.ErrNoRows {
			return entity.SearchQuery{}, ErrNotFound
		}
		return entity.SearchQuery{}, fmt.Errorf("storage: get search: %w", err)
	}
	return row.toEntity(), nil
}

// SearchResult evaluates a persisted search query against the items in
// its target collections, filtering by mime type and flag when the
// query names them (spec §6.1 "Search.Result").
func (s *Store) SearchResult(ctx context.Context, id int64) ([]entity.Item, error) {
	q, err := s.GetSearch(ctx, id)
	if err != nil {
		return nil, err
	}

	var mimeTypeID int64
	if q.MimeType != "" {
		mt, err := s.ResolveMimeType(ctx, q.MimeType)
		if err != nil {
			return nil, err
		}
		mimeTypeID = mt.ID
	}
	var flagID int64
	if q.FlagName != "" {
		f, err := s.ResolveFlag(ctx, q.FlagName)
		if err != nil {
			return nil, err
		}
		flagID = f.ID
	}

	var out []entity.Item
	for _, collectionID := range q.CollectionIDs {
		items, err := s.ListItems(ctx, collectionID)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if mimeTypeID != 0 && item.MimeTypeID != mimeTypeID {
				continue
			}
			if flagID != 0 {
				flags, err := s.FetchItemFlags(ctx, item.ID)
				if err != nil {
					return nil, err
				}
				if !containsInt64(flags, flagID) {
					continue
				}
			}
			out = append(out, item)
		}
	}
	return out, nil
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
