package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// registerHandlers mounts the liveness/readiness endpoints alongside the
// prometheus handler that initHTTPServer mounts on the same router.
func (app *App) registerHandlers(router *mux.Router) {
	router.HandleFunc("/healthz", app.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", app.handleReadyz).Methods(http.MethodGet)
}

// handleHealthz reports process liveness only — it never touches the
// database, broker, or historian, so a downstream outage never flips it.
func (app *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// readyStatus mirrors §7's degradation signals: an open circuit breaker,
// a stalled CDC replication slot, or a dead task all pull /readyz to 503
// without killing the process.
type readyStatus struct {
	Ready       bool                  `json:"ready"`
	CircuitOpen bool                  `json:"circuit_open"`
	CDCState    string                `json:"cdc_state"`
	CDCLagBytes int64                 `json:"cdc_lag_bytes"`
	Tasks       map[string]taskStatus `json:"tasks"`
}

type taskStatus struct {
	State      string `json:"state"`
	ErrorCount int64  `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

const cdcLagAlertBytes = 64 << 20 // 64MiB of unconsumed WAL is considered unhealthy

func (app *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := readyStatus{
		Ready: true,
		Tasks: map[string]taskStatus{},
	}

	if app.breaker != nil && app.breaker.IsOpen() {
		status.CircuitOpen = true
		status.Ready = false
	}

	if app.listener != nil {
		status.CDCState = app.listener.State().String()
		status.CDCLagBytes = app.listener.LagBytes()
		if status.CDCLagBytes > cdcLagAlertBytes {
			status.Ready = false
		}
	}

	if app.taskManager != nil {
		for id, t := range app.taskManager.GetAllTasks() {
			status.Tasks[id] = taskStatus{State: t.State, ErrorCount: t.ErrorCount, LastError: t.LastError}
			if t.State == "failed" {
				status.Ready = false
			}
		}
	}

	if app.pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := app.pool.Ping(ctx); err != nil {
			status.Ready = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
