package license

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httputil"
)

// TokenRedeemer is the slice of the store the instance-facing endpoints
// use. The bearer token authorizes every call; only the blob fetch
// consumes it.
type TokenRedeemer interface {
	ValidateAndConsume(ctx context.Context, raw, clientIP string) (string, error)
	ValidateBearer(ctx context.Context, raw string) (*domain.LicenseToken, error)
	Acquire(ctx context.Context, productID int64, hostname, ip string) (*domain.AcquireResult, error)
	Release(ctx context.Context, slotID string, result domain.SlotResult, elapsedSeconds int) error
}

// ProductAdmin is the slice of the store the admin endpoints use.
type ProductAdmin interface {
	CreateProduct(ctx context.Context, p domain.LicenseProduct) (*domain.LicenseProduct, error)
	GetProduct(ctx context.Context, id int64) (*domain.LicenseProduct, error)
	ListProducts(ctx context.Context) ([]domain.LicenseProduct, error)
	UpdateProduct(ctx context.Context, p domain.LicenseProduct) (*domain.LicenseProduct, error)
	GenerateToken(ctx context.Context, productID int64, instanceID *int64) (string, *domain.LicenseToken, error)
	Slots(ctx context.Context, productID int64, limit int) ([]domain.LicenseSlot, error)
}

// Auditor records token issuance.
type Auditor interface {
	MustRecord(ctx context.Context, action string, actorUserID *int64, target string, details map[string]string)
}

// Handler serves the license surface: the token-authenticated endpoints
// exercise machines call, and the admin product management.
type Handler struct {
	tokens TokenRedeemer
	admin  ProductAdmin
	audit  Auditor
}

// NewHandler wires the license handlers over the store.
func NewHandler(store *Store, audit Auditor) *Handler {
	return &Handler{tokens: store, admin: store, audit: audit}
}

// RegisterPublicRoutes mounts the bearer-token endpoints.
func (h *Handler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/license/blob", h.FetchBlob)
	r.Post("/license/queue/acquire", h.AcquireSlot)
	r.Post("/license/queue/release", h.ReleaseSlot)
}

// RegisterAdminRoutes mounts product management under the session gate.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Get("/license/products", h.ListProducts)
	r.Post("/license/products", h.CreateProduct)
	r.Get("/license/products/{id}", h.GetProduct)
	r.Put("/license/products/{id}", h.UpdateProduct)
	r.Post("/license/products/{id}/tokens", h.IssueToken)
	r.Get("/license/products/{id}/slots", h.ListSlots)
}

// FetchBlob redeems a single-use token for the product's license blob.
// Unknown, spent, and expired tokens all answer the same 401.
func (h *Handler) FetchBlob(w http.ResponseWriter, r *http.Request) {
	raw := httputil.BearerToken(r)
	if raw == "" {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	blob, err := h.tokens.ValidateAndConsume(r.Context(), raw, httputil.ClientIP(r))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(blob))
}

type acquireRequest struct {
	Hostname string `json:"hostname"`
}

// AcquireSlot leases a concurrency slot for the bearer's product. A full
// product answers 200 with the wait shape; capacity is not an error.
func (h *Handler) AcquireSlot(w http.ResponseWriter, r *http.Request) {
	tok, ok := h.bearer(w, r)
	if !ok {
		return
	}

	// The body is optional; machines that do not report a hostname send
	// nothing at all.
	var req acquireRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	res, err := h.tokens.Acquire(r.Context(), tok.ProductID, req.Hostname, httputil.ClientIP(r))
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, res)
}

type releaseRequest struct {
	SlotID         string `json:"slot_id"`
	Result         string `json:"result"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// ReleaseSlot ends a lease. A second release of the same slot answers 404
// so clients can tell a duplicate from a successful release.
func (h *Handler) ReleaseSlot(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.bearer(w, r); !ok {
		return
	}
	var req releaseRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.SlotID == "" {
		httputil.BadRequest(w, "slot_id is required")
		return
	}
	if err := h.tokens.Release(r.Context(), req.SlotID, domain.SlotResult(req.Result), req.ElapsedSeconds); err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.NoContent(w)
}

// bearer validates the Authorization header for slot calls. The token is
// checked against expiry but never consumed here.
func (h *Handler) bearer(w http.ResponseWriter, r *http.Request) (*domain.LicenseToken, bool) {
	raw := httputil.BearerToken(r)
	if raw == "" {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	tok, err := h.tokens.ValidateBearer(r.Context(), raw)
	if err != nil {
		httputil.DomainError(w, err)
		return nil, false
	}
	return tok, true
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.admin.ListProducts(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, products)
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var p domain.LicenseProduct
	if !httputil.Decode(w, r, &p) {
		return
	}
	created, err := h.admin.CreateProduct(r.Context(), p)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.Created(w, created)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.admin.GetProduct(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if p == nil {
		httputil.NotFound(w, "product not found")
		return
	}
	httputil.OK(w, p)
}

func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var p domain.LicenseProduct
	if !httputil.Decode(w, r, &p) {
		return
	}
	p.ID = id
	updated, err := h.admin.UpdateProduct(r.Context(), p)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}
	httputil.OK(w, updated)
}

type issueTokenRequest struct {
	InstanceID *int64 `json:"instance_id"`
}

type issueTokenResponse struct {
	Token     string               `json:"token"`
	TokenMeta *domain.LicenseToken `json:"meta"`
}

// IssueToken mints a raw license token. The raw value appears exactly
// once, in this response; only its hash is stored.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req issueTokenRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	raw, tok, err := h.admin.GenerateToken(r.Context(), id, req.InstanceID)
	if err != nil {
		httputil.DomainError(w, err)
		return
	}

	var actorID *int64
	if u := httputil.UserFromContext(r.Context()); u != nil {
		actorID = &u.ID
	}
	h.audit.MustRecord(r.Context(), domain.AuditLicenseTokenIssued, actorID,
		"product:"+strconv.FormatInt(id, 10),
		map[string]string{"token_id": strconv.FormatInt(tok.ID, 10)})
	log.Printf("[License] Token %d issued for product %d", tok.ID, id)

	httputil.Created(w, issueTokenResponse{Token: raw, TokenMeta: tok})
}

func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	slots, err := h.admin.Slots(r.Context(), id, limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, slots)
}

// pathID parses the {id} route parameter.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid id")
		return 0, false
	}
	return id, true
}
