package scheduler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
)

// A heartbeat older than this counts as stale even when the row still
// says the service is running. Three missed beats at the 60s interval.
const staleAfter = 3 * time.Minute

// StatusSource reads persisted heartbeat rows. Satisfied by *StatusStore.
type StatusSource interface {
	List(ctx context.Context) ([]domain.SchedulerStatus, error)
}

// Handler serves the admin scheduler-status endpoint.
type Handler struct {
	status StatusSource
	now    func() time.Time
}

// NewHandler wires the handler to the status store.
func NewHandler(store *StatusStore) *Handler {
	return &Handler{status: store, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the clock (tests).
func (h *Handler) SetNow(now func() time.Time) { h.now = now }

// RegisterAdminRoutes mounts scheduler routes on an admin-gated router.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/scheduler/status", h.Status)
}

type serviceStatus struct {
	domain.SchedulerStatus
	Stale bool `json:"stale"`
}

// Status answers every service's heartbeat row plus a staleness verdict,
// so a crashed worker shows up even though its last row says running.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	rows, err := h.status.List(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	cutoff := h.now().Add(-staleAfter)
	out := make([]serviceStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, serviceStatus{
			SchedulerStatus: row,
			Stale:           row.LastHeartbeat.Before(cutoff),
		})
	}
	httputil.OK(w, out)
}
