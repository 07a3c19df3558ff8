package events

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
)

// EventSource is the slice of the store the event handlers use.
type EventSource interface {
	Create(ctx context.Context, ev *domain.Event) (*domain.Event, error)
	GetByID(ctx context.Context, id int64) (*domain.Event, error)
	List(ctx context.Context) ([]domain.Event, error)
	Update(ctx context.Context, ev *domain.Event) (*domain.Event, error)
	Activate(ctx context.Context, eventID int64, actorID *int64) (*domain.Event, error)
	SetTestMode(ctx context.Context, eventID int64, on bool, actorID *int64) (*domain.Event, error)
}

// ParticipationSource is the slice of the store the confirmation page and
// the admin roster views use.
type ParticipationSource interface {
	GetByConfirmationCode(ctx context.Context, code string) (*domain.EventParticipation, error)
	ListParticipations(ctx context.Context, eventID int64, status domain.ParticipationStatus, limit, offset int) ([]domain.EventParticipation, error)
	ParticipationStats(ctx context.Context, eventID int64) (map[string]int, error)
	Decline(ctx context.Context, code string) (*domain.EventParticipation, error)
}

// ConfirmFlow provisions a participant from a confirmation code.
// Satisfied by *Confirmer.
type ConfirmFlow interface {
	Confirm(ctx context.Context, code string) (*domain.EventParticipation, error)
}

// Handler serves the public confirmation page and the admin event surface.
type Handler struct {
	events         EventSource
	participations ParticipationSource
	confirmer      ConfirmFlow
}

// NewHandler wires the event handlers.
func NewHandler(store *Store, confirmer *Confirmer) *Handler {
	return &Handler{events: store, participations: store, confirmer: confirmer}
}

// RegisterPublicRoutes mounts the invitation-link endpoints.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/confirm/{code}", h.PeekInvitation)
	r.Post("/confirm/{code}", h.Confirm)
	r.Post("/confirm/{code}/decline", h.Decline)
}

// RegisterAdminRoutes mounts event management under the session gate.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/events", h.List)
	r.Post("/events", h.Create)
	r.Get("/events/{id}", h.Get)
	r.Put("/events/{id}", h.Update)
	r.Post("/events/{id}/activate", h.Activate)
	r.Put("/events/{id}/test-mode", h.SetTestMode)
	r.Get("/events/{id}/participations", h.Participations)
	r.Get("/events/{id}/stats", h.Stats)
}

// invitationView is what the confirmation page renders before the user
// commits: the event, the current state, and the terms to accept.
type invitationView struct {
	EventName    string                     `json:"event_name"`
	StartsAt     time.Time                  `json:"starts_at"`
	EndsAt       time.Time                  `json:"ends_at"`
	Status       domain.ParticipationStatus `json:"status"`
	TermsVersion string                     `json:"terms_version,omitempty"`
	TermsBody    string                     `json:"terms_body,omitempty"`
}

// PeekInvitation resolves a confirmation code without changing anything,
// so the page can show the event and terms before the user decides.
func (h *Handler) PeekInvitation(w http.ResponseWriter, r *http.Request) {
	p, err := h.participations.GetByConfirmationCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if p == nil {
		httputil.NotFound(w, "invalid confirmation code")
		return
	}
	ev, err := h.events.GetByID(r.Context(), p.EventID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if ev == nil {
		httputil.NotFound(w, "invalid confirmation code")
		return
	}
	httputil.OK(w, invitationView{
		EventName:    ev.Name,
		StartsAt:     ev.StartsAt,
		EndsAt:       ev.EndsAt,
		Status:       p.Status,
		TermsVersion: ev.TermsVersion,
		TermsBody:    ev.TermsBody,
	})
}

// Confirm accepts the invitation. Repeat confirmations answer 200 with
// the existing row.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	p, err := h.confirmer.Confirm(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, p)
}

// Decline turns the invitation down. Declining after confirmation is a
// conflict, the account already exists.
func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	p, err := h.participations.Decline(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, p)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.events.List(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, list)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if !httputil.Decode(w, r, &ev) {
		return
	}
	created, err := h.events.Create(r.Context(), &ev)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.Created(w, created)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	ev, err := h.events.GetByID(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if ev == nil {
		httputil.NotFound(w, "event not found")
		return
	}
	httputil.OK(w, ev)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	var ev domain.Event
	if !httputil.Decode(w, r, &ev) {
		return
	}
	ev.ID = id
	updated, err := h.events.Update(r.Context(), &ev)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, updated)
}

// Activate makes this event the active one, deactivating the rest. The
// store records the audit entry and kicks the invitation one-shot.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	ev, err := h.events.Activate(r.Context(), id, actorID(r))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, ev)
}

type testModePayload struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) SetTestMode(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	var p testModePayload
	if !httputil.Decode(w, r, &p) {
		return
	}
	ev, err := h.events.SetTestMode(r.Context(), id, p.Enabled, actorID(r))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, ev)
}

func (h *Handler) Participations(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list, err := h.participations.ListParticipations(r.Context(), id,
		domain.ParticipationStatus(q.Get("status")), limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, list)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := eventID(w, r)
	if !ok {
		return
	}
	stats, err := h.participations.ParticipationStats(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

func actorID(r *http.Request) *int64 {
	if u := httputil.UserFromContext(r.Context()); u != nil {
		return &u.ID
	}
	return nil
}

func eventID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}
