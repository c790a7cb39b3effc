// Package api exposes a read-only JSON status surface: a fresh facts probe
// and the recorded apply runs. It never mutates system state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/warren/internal/facts"
	"github.com/jbweber/homelab/warren/internal/journal"
)

// FactsSource produces a fresh system snapshot on demand.
type FactsSource interface {
	Snapshot(ctx context.Context) facts.SystemFacts
}

// RunStore is the slice of the journal the API reads.
type RunStore interface {
	ListRuns(ctx context.Context) ([]journal.Run, error)
	GetRun(ctx context.Context, id int64) (*journal.Run, error)
}

// API holds the read-only dependencies of the status surface
type API struct {
	facts FactsSource
	runs  RunStore
}

// NewAPI creates the status API.
func NewAPI(f FactsSource, r RunStore) *API {
	return &API{facts: f, runs: r}
}

// RegisterRoutes mounts the API on the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/v1/facts", a.handleFacts)
	r.Get("/v1/runs", a.handleListRuns)
	r.Get("/v1/runs/{id}", a.handleGetRun)
}

func (a *API) handleFacts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.facts.Snapshot(r.Context()))
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.runs.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := a.runs.GetRun(r.Context(), id)
	if errors.Is(err, journal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
