package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandlerHealthy(t *testing.T) {
	h := NewOpsHealth()
	h.RegisterCheck("storage", func() error { return nil })

	mux := NewOpsMux(h)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	h := NewOpsHealth()
	h.RegisterCheck("storage", func() error { return errors.New("down") })

	mux := NewOpsMux(h)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLivezAlwaysOK(t *testing.T) {
	mux := NewOpsMux(NewOpsHealth())
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
