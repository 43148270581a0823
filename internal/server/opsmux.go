package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OpsHealth mirrors infrastructure/middleware's HealthChecker shape,
// adapted to the broker's own dependencies (storage connectivity,
// notification bus liveness) instead of blockchain RPC checks.
type OpsHealth struct {
	mu        sync.RWMutex
	startTime time.Time
	checks    map[string]func() error
}

func NewOpsHealth() *OpsHealth {
	return &OpsHealth{startTime: time.Now(), checks: make(map[string]func() error)}
}

func (h *OpsHealth) RegisterCheck(name string, check func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

type healthStatus struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *OpsHealth) handler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := healthStatus{Status: "healthy", Uptime: time.Since(h.startTime).String(), Checks: make(map[string]string)}
	for name, check := range h.checks {
		if err := check(); err != nil {
			status.Status = "unhealthy"
			status.Checks[name] = err.Error()
		} else {
			status.Checks[name] = "ok"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// NewOpsMux builds the router serving /healthz, /livez, /metrics, and
// /debug/runtime (spec §6.3's ops endpoints).
func NewOpsMux(health *OpsHealth) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", health.handler).Methods(http.MethodGet)
	r.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/debug/runtime", runtimeStatsHandler).Methods(http.MethodGet)
	return r
}

func runtimeStatsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"alloc_mb":   m.Alloc / 1024 / 1024,
		"num_gc":     m.NumGC,
	})
}
