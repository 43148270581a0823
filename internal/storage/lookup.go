package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pimbroker/broker/internal/entity"
)

// ResolveMimeType looks up (or, if absent, interns) the MimeType row for
// name in the database, then stores the result in the process-wide cache
// when one is set. The cache is not consulted for the lookup.
func (s *Store) ResolveMimeType(ctx context.Context, name string) (entity.MimeType, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, "SELECT id FROM mime_types WHERE name = $1", name).Scan(&id)
	if err == sql.ErrNoRows {
		err = s.db.QueryRowxContext(ctx, "INSERT INTO mime_types (name) VALUES ($1) RETURNING id", name).Scan(&id)
	}
	if err != nil {
		return entity.MimeType{}, fmt.Errorf("storage: resolve mime type: %w", err)
	}
	mt := entity.MimeType{ID: id, Name: name}
	if s.caches != nil {
		s.caches.MimeType.Set(id, mt)
	}
	return mt, nil
}

// ResolveFlag looks up (or interns) the Flag row for name.
func (s *Store) ResolveFlag(ctx context.Context, name string) (entity.Flag, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, "SELECT id FROM flags WHERE name = $1", name).Scan(&id)
	if err == sql.ErrNoRows {
		err = s.db.QueryRowxContext(ctx, "INSERT INTO flags (name) VALUES ($1) RETURNING id", name).Scan(&id)
	}
	if err != nil {
		return entity.Flag{}, fmt.Errorf("storage: resolve flag: %w", err)
	}
	f := entity.Flag{ID: id, Name: name}
	if s.caches != nil {
		s.caches.Flag.Set(id, f)
	}
	return f, nil
}

// ResolveResource looks up (or interns) the Resource row for name.
func (s *Store) ResolveResource(ctx context.Context, name string) (entity.Resource, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, "SELECT id FROM resources WHERE name = $1", name).Scan(&id)
	if err == sql.ErrNoRows {
		err = s.db.QueryRowxContext(ctx, "INSERT INTO resources (name) VALUES ($1) RETURNING id", name).Scan(&id)
	}
	if err != nil {
		return entity.Resource{}, fmt.Errorf("storage: resolve resource: %w", err)
	}
	r := entity.Resource{ID: id, Name: name}
	if s.caches != nil {
		s.caches.Resource.Set(id, r)
	}
	return r, nil
}
