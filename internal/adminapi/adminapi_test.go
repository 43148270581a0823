package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/internal/entitycache"
	"github.com/pimbroker/broker/internal/sqlbuilder"
	"github.com/pimbroker/broker/internal/storage"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	conn, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	st := storage.NewForTest(sqlbuilder.New(sqlx.NewDb(conn, "sqlmock"), false), entitycache.NewSet(nil, nil))
	return Deps{Store: st}
}

func TestGetCollectionNotFound(t *testing.T) {
	deps := newTestDeps(t)
	router := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/collections/999", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetCollectionCacheHit(t *testing.T) {
	deps := newTestDeps(t)
	deps.Store.Caches().Collection.Set(1, entity.Collection{ID: 1, Name: "inbox"})
	router := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/collections/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetCollectionInvalidID(t *testing.T) {
	deps := newTestDeps(t)
	router := New(deps)

	req := httptest.NewRequest(http.MethodGet, "/admin/collections/not-a-number", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
