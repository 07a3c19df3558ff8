package instances

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/cloud"
	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
)

// InstanceSource is the slice of the store the handlers read from.
type InstanceSource interface {
	List(ctx context.Context, includeDeleted bool) ([]*domain.Instance, error)
	GetByID(ctx context.Context, id int64) (*domain.Instance, error)
	ConsumeConfigToken(ctx context.Context, raw string) (*domain.Instance, error)
	CountByStatus(ctx context.Context) (map[domain.InstanceStatus]int, error)
}

// Lifecycle creates and destroys machines.
type Lifecycle interface {
	Provision(ctx context.Context, req ProvisionRequest) (*domain.Instance, error)
	Deprovision(ctx context.Context, id int64) error
}

// Handler serves the instance surface: the config-fetch callback booted
// machines hit, and the admin lifecycle endpoints.
type Handler struct {
	store     InstanceSource
	lifecycle Lifecycle
	providers Registry
}

// NewHandler wires the instance handlers.
func NewHandler(store *Store, provisioner *Provisioner, providers Registry) *Handler {
	return &Handler{store: store, lifecycle: provisioner, providers: providers}
}

// RegisterPublicRoutes mounts the config-fetch callback.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/cloud-init/vpn-config", h.FetchVPNConfig)
}

// RegisterAdminRoutes mounts lifecycle management under the session gate.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/instances", h.List)
	r.Post("/instances", h.Provision)
	r.Get("/instances/stats", h.Stats)
	r.Get("/instances/{id}", h.Get)
	r.Delete("/instances/{id}", h.Delete)
	r.Get("/providers/{provider}/options", h.ProviderOptions)
}

// FetchVPNConfig redeems a config-fetch token for the instance's tunnel
// config. The token burns on first presentation whether or not a config
// exists, so a machine without VPN cannot probe again.
func (h *Handler) FetchVPNConfig(w http.ResponseWriter, r *http.Request) {
	raw := httputil.BearerToken(r)
	if raw == "" {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	in, err := h.store.ConsumeConfigToken(r.Context(), raw)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if in == nil {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if in.VPNConfig == nil {
		httputil.NotFound(w, "no vpn config for this instance")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(*in.VPNConfig))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	list, err := h.store.List(r.Context(), includeDeleted)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	in, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if in == nil {
		httputil.NotFound(w, "instance not found")
		return
	}
	httputil.OK(w, in)
}

// Stats answers non-deleted instance counts grouped by status.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByStatus(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, counts)
}

type provisionPayload struct {
	Provider     string `json:"provider"`
	Name         string `json:"name"`
	Size         string `json:"size"`
	Image        string `json:"image"`
	Region       string `json:"region"`
	Network      string `json:"network"`
	SSHKey       string `json:"ssh_key"`
	TemplateName string `json:"template_name"`
	UserData     string `json:"user_data"`
	UserID       *int64 `json:"user_id"`
	EventID      *int64 `json:"event_id"`
	AttachVPN    bool   `json:"attach_vpn"`
}

func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	var p provisionPayload
	if !httputil.Decode(w, r, &p) {
		return
	}
	if p.Provider == "" || p.Name == "" {
		httputil.BadRequest(w, "provider and name are required")
		return
	}

	in, err := h.lifecycle.Provision(r.Context(), ProvisionRequest{
		Provider:     domain.ProviderName(p.Provider),
		Name:         p.Name,
		Size:         p.Size,
		Image:        p.Image,
		Region:       p.Region,
		Network:      p.Network,
		SSHKey:       p.SSHKey,
		TemplateName: p.TemplateName,
		UserData:     p.UserData,
		UserID:       p.UserID,
		EventID:      p.EventID,
		AttachVPN:    p.AttachVPN,
	})
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.Created(w, in)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := instanceID(w, r)
	if !ok {
		return
	}
	if err := h.lifecycle.Deprovision(r.Context(), id); err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.NoContent(w)
}

type providerOptions struct {
	Sizes             []cloud.Option `json:"sizes"`
	Images            []cloud.Option `json:"images"`
	RegionsOrNetworks []cloud.Option `json:"regions_or_networks"`
}

// ProviderOptions answers the provider's catalogs in one call so the
// admin UI can populate its provision form.
func (h *Handler) ProviderOptions(w http.ResponseWriter, r *http.Request) {
	name := domain.ProviderName(chi.URLParam(r, "provider"))
	prov, ok := h.providers[name]
	if !ok || !prov.IsConfigured() {
		httputil.NotFound(w, "provider not enabled")
		return
	}

	var out providerOptions
	var err error
	if out.Sizes, err = prov.ListSizes(r.Context()); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if out.Images, err = prov.ListImages(r.Context()); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if out.RegionsOrNetworks, err = prov.ListRegionsOrNetworks(r.Context()); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, out)
}

func instanceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}
