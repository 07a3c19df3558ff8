package audit

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
)

// EntrySource reads recorded audit entries. Satisfied by *Store.
type EntrySource interface {
	List(ctx context.Context, action string, limit, offset int) ([]domain.AuditEntry, error)
}

// Handler serves the admin audit browse endpoint.
type Handler struct {
	entries EntrySource
}

// NewHandler wires the handler to the audit store.
func NewHandler(store *Store) *Handler {
	return &Handler{entries: store}
}

// RegisterAdminRoutes mounts audit routes on an admin-gated router.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/audit", h.ListEntries)
}

// ListEntries answers entries newest first. ?action= filters to one
// action name, ?limit= and ?offset= page through the log.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.entries.List(r.Context(), r.URL.Query().Get("action"), limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, entries)
}
