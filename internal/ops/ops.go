// Package ops serves the operational HTTP endpoints of the worker process:
// health, Prometheus metrics and the continuation queue.
package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ministryofjustice/hmpps-activities-management-api-sub004/internal/store"
)

// continuationView is the JSON shape of one queued job.
type continuationView struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	SeriesID    string     `json:"series_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	AvailableAt time.Time  `json:"available_at"`
	LeasedUntil *time.Time `json:"leased_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// NewRouter builds the handler. st may be nil, which disables
// /continuations.
func NewRouter(st *store.Store, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if st != nil {
		r.Get("/continuations", listContinuations(st))
	}
	return r
}

func listContinuations(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", store.StatusPending, store.StatusRunning, store.StatusDone, store.StatusFailed:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + status})
			return
		}

		var records []store.ContinuationRecord
		err := st.WithTx(r.Context(), func(tx *store.Tx) error {
			var err error
			records, err = tx.ListContinuations(r.Context(), status)
			return err
		})
		if err != nil {
			slog.Error("list continuations failed", "request_id", chimiddleware.GetReqID(r.Context()), "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		views := make([]continuationView, len(records))
		for i, rec := range records {
			views[i] = continuationView{
				ID:          rec.ID,
				Kind:        rec.Kind,
				SeriesID:    rec.SeriesID,
				Status:      rec.Status,
				Attempts:    rec.Attempts,
				AvailableAt: rec.AvailableAt,
				LeasedUntil: rec.LeasedUntil,
				LastError:   rec.LastError,
			}
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
