package storage

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/internal/entitycache"
	"github.com/pimbroker/broker/internal/sqlbuilder"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &Store{
		db:             sqlbuilder.New(sqlx.NewDb(conn, "sqlmock"), false),
		connectionName: "test-connection",
		caches:         entitycache.NewSet(nil, nil),
	}, mock
}

func TestCreateCollection(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("INSERT INTO collections").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	col, err := s.CreateCollection(context.Background(), entity.Collection{Name: "inbox", ResourceID: 1})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if col.ID != 1 || col.Revision != 1 {
		t.Fatalf("got %+v", col)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetCollectionUsesCache(t *testing.T) {
	s, mock := newTestStore(t)
	s.caches.Collection.Set(1, entity.Collection{ID: 1, Name: "cached"})

	col, err := s.GetCollection(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if col.Name != "cached" {
		t.Fatalf("expected cache hit, got %+v", col)
	}
	// No query should have been issued against the mock DB.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetCollectionNotFound(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT id, parent_id, name, resource_id, attributes, is_virtual, cache_inherit, cache_timeout_seconds, revision FROM collections").
		WillReturnRows(sqlmock.NewRows([]string{"id", "parent_id", "name", "resource_id", "attributes", "is_virtual", "cache_inherit", "cache_timeout_seconds", "revision"}))

	_, err := s.GetCollection(context.Background(), 99)
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMoveCollectionRejectsCycle(t *testing.T) {
	s, _ := newTestStore(t)
	s.caches.Collection.Set(1, entity.Collection{ID: 1, Name: "a", ParentID: 0})
	s.caches.Collection.Set(2, entity.Collection{ID: 2, Name: "b", ParentID: 1})

	if err := s.MoveCollection(context.Background(), 1, 1); err != ErrCycle {
		t.Fatalf("self-move: err = %v, want ErrCycle", err)
	}
	if err := s.MoveCollection(context.Background(), 1, 2); err != ErrCycle {
		t.Fatalf("move under descendant: err = %v, want ErrCycle", err)
	}
}

func TestItemIsValidRejectsIncompletePart(t *testing.T) {
	item := entity.Item{CollectionID: 1, Parts: []entity.Part{{External: true}}}
	if item.IsValid() {
		t.Fatalf("expected invalid item with external part lacking a path")
	}
}

func TestParseSchema(t *testing.T) {
	doc := []byte(`
- name: widgets
  columns:
    - name: id
      type: bigserial
    - name: label
      type: text
      nullable: true
`)
	tables, err := ParseSchema(doc)
	if err != nil {
		t.Fatalf("ParseSchema: %v", err)
	}
	if len(tables) != 1 || tables[0].Name != "widgets" {
		t.Fatalf("got %+v", tables)
	}
	if len(tables[0].Columns) != 2 || !tables[0].Columns[1].Nullable {
		t.Fatalf("got %+v", tables[0].Columns)
	}
}
