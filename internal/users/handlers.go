package users

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
)

// UserSource is the slice of the store the admin handlers use.
type UserSource interface {
	Create(ctx context.Context, email, displayName string, role domain.Role, sponsorID *int64) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	List(ctx context.Context, role domain.Role, limit, offset int) ([]domain.User, error)
	SetRole(ctx context.Context, userID int64, role domain.Role) error
	Deactivate(ctx context.Context, userID int64) error
}

// SessionRevoker kills every login session of an account. Satisfied by
// the auth session store.
type SessionRevoker interface {
	DeleteForUser(ctx context.Context, userID int64) (int64, error)
}

// Handler serves admin account management.
type Handler struct {
	store    UserSource
	sessions SessionRevoker
}

// NewHandler wires the user handlers.
func NewHandler(store *Store, sessions SessionRevoker) *Handler {
	return &Handler{store: store, sessions: sessions}
}

// RegisterAdminRoutes mounts account management under the session gate.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/users", h.List)
	r.Post("/users", h.Create)
	r.Get("/users/{id}", h.Get)
	r.Put("/users/{id}/role", h.SetRole)
	r.Post("/users/{id}/deactivate", h.Deactivate)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list, err := h.store.List(r.Context(), domain.Role(q.Get("role")), limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, list)
}

type createUserPayload struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	SponsorID   *int64 `json:"sponsor_id"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var p createUserPayload
	if !httputil.Decode(w, r, &p) {
		return
	}
	if p.Role == "" {
		p.Role = string(domain.RoleInvitee)
	}
	u, err := h.store.Create(r.Context(), p.Email, p.DisplayName, domain.Role(p.Role), p.SponsorID)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.Created(w, u)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	u, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if u == nil {
		httputil.NotFound(w, "user not found")
		return
	}
	httputil.OK(w, u)
}

type setRolePayload struct {
	Role string `json:"role"`
}

func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var p setRolePayload
	if !httputil.Decode(w, r, &p) {
		return
	}
	if err := h.store.SetRole(r.Context(), id, domain.Role(p.Role)); err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "ok"})
}

// Deactivate disables the account and revokes its sessions so a disabled
// user cannot keep an already-open login alive.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	u, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if u == nil {
		httputil.NotFound(w, "user not found")
		return
	}
	if err := h.store.Deactivate(r.Context(), id); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if n, err := h.sessions.DeleteForUser(r.Context(), id); err != nil {
		log.Printf("[Users] Session revocation for user %d failed: %v", id, err)
	} else if n > 0 {
		log.Printf("[Users] Revoked %d sessions for deactivated user %d", n, id)
	}
	httputil.NoContent(w)
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}
