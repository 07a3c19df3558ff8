package instances

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/rangeops/rangehub/internal/cloud"
	"github.com/rangeops/rangehub/internal/domain"
)

type stubInstanceSource struct {
	rows           map[int64]*domain.Instance
	gotIncludeDel  bool
	consumeResult  *domain.Instance
	consumedTokens []string
	counts         map[domain.InstanceStatus]int
}

func (s *stubInstanceSource) List(ctx context.Context, includeDeleted bool) ([]*domain.Instance, error) {
	s.gotIncludeDel = includeDeleted
	out := make([]*domain.Instance, 0, len(s.rows))
	for _, in := range s.rows {
		out = append(out, in)
	}
	return out, nil
}

func (s *stubInstanceSource) GetByID(ctx context.Context, id int64) (*domain.Instance, error) {
	return s.rows[id], nil
}

func (s *stubInstanceSource) ConsumeConfigToken(ctx context.Context, raw string) (*domain.Instance, error) {
	s.consumedTokens = append(s.consumedTokens, raw)
	return s.consumeResult, nil
}

func (s *stubInstanceSource) CountByStatus(ctx context.Context) (map[domain.InstanceStatus]int, error) {
	return s.counts, nil
}

type stubLifecycle struct {
	gotReq    ProvisionRequest
	created   *domain.Instance
	provErr   error
	deprov    []int64
	deprovErr error
}

func (s *stubLifecycle) Provision(ctx context.Context, req ProvisionRequest) (*domain.Instance, error) {
	s.gotReq = req
	if s.provErr != nil {
		return nil, s.provErr
	}
	return s.created, nil
}

func (s *stubLifecycle) Deprovision(ctx context.Context, id int64) error {
	s.deprov = append(s.deprov, id)
	return s.deprovErr
}

// catalogCloud overrides the list calls of fakeCloud with real options.
type catalogCloud struct {
	fakeCloud
	sizes   []cloud.Option
	images  []cloud.Option
	regions []cloud.Option
}

func (c *catalogCloud) ListSizes(ctx context.Context) ([]cloud.Option, error)  { return c.sizes, nil }
func (c *catalogCloud) ListImages(ctx context.Context) ([]cloud.Option, error) { return c.images, nil }
func (c *catalogCloud) ListRegionsOrNetworks(ctx context.Context) ([]cloud.Option, error) {
	return c.regions, nil
}

func instanceRouters(h *Handler) (public, admin chi.Router) {
	pub := chi.NewRouter()
	h.RegisterPublicRoutes(pub)
	adm := chi.NewRouter()
	h.RegisterAdminRoutes(adm)
	return pub, adm
}

func TestFetchVPNConfigServesAndConsumes(t *testing.T) {
	conf := "[Interface]\nAddress = 10.8.0.3/32\n"
	source := &stubInstanceSource{
		consumeResult: &domain.Instance{ID: 3, Name: "range-12", VPNConfig: &conf},
	}
	h := &Handler{store: source, lifecycle: &stubLifecycle{}, providers: Registry{}}
	public, _ := instanceRouters(h)

	req := httptest.NewRequest(http.MethodGet, "/cloud-init/vpn-config", nil)
	req.Header.Set("Authorization", "Bearer cfg-raw-token")
	rec := httptest.NewRecorder()
	public.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if rec.Body.String() != conf {
		t.Errorf("body = %q, want the tunnel config", rec.Body.String())
	}
	if len(source.consumedTokens) != 1 || source.consumedTokens[0] != "cfg-raw-token" {
		t.Errorf("consumed = %v, want [cfg-raw-token]", source.consumedTokens)
	}
}

func TestFetchVPNConfigRejectsMissingAndUnknownTokens(t *testing.T) {
	source := &stubInstanceSource{} // consumeResult nil: unknown or spent
	h := &Handler{store: source, lifecycle: &stubLifecycle{}, providers: Registry{}}
	public, _ := instanceRouters(h)

	noToken := httptest.NewRecorder()
	public.ServeHTTP(noToken, httptest.NewRequest(http.MethodGet, "/cloud-init/vpn-config", nil))
	if noToken.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer: status = %d, want 401", noToken.Code)
	}
	if len(source.consumedTokens) != 0 {
		t.Errorf("missing bearer must not reach the store")
	}

	req := httptest.NewRequest(http.MethodGet, "/cloud-init/vpn-config", nil)
	req.Header.Set("Authorization", "Bearer gone")
	unknown := httptest.NewRecorder()
	public.ServeHTTP(unknown, req)
	if unknown.Code != http.StatusUnauthorized {
		t.Fatalf("unknown token: status = %d, want 401", unknown.Code)
	}
	if noToken.Body.String() != unknown.Body.String() {
		t.Errorf("missing and unknown tokens must be indistinguishable")
	}
}

func TestFetchVPNConfigWithoutTunnelAnswers404(t *testing.T) {
	source := &stubInstanceSource{
		consumeResult: &domain.Instance{ID: 3, Name: "range-12"}, // no VPN attached
	}
	h := &Handler{store: source, lifecycle: &stubLifecycle{}, providers: Registry{}}
	public, _ := instanceRouters(h)

	req := httptest.NewRequest(http.MethodGet, "/cloud-init/vpn-config", nil)
	req.Header.Set("Authorization", "Bearer cfg-raw-token")
	rec := httptest.NewRecorder()
	public.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	// The token burned anyway; the machine cannot retry into a different answer.
	if len(source.consumedTokens) != 1 {
		t.Errorf("token must be consumed even without a config")
	}
}

func TestProvisionMapsPayload(t *testing.T) {
	userID := int64(3)
	lifecycle := &stubLifecycle{
		created: &domain.Instance{ID: 12, Provider: domain.ProviderDigitalOcean, Name: "range-12"},
	}
	h := &Handler{store: &stubInstanceSource{}, lifecycle: lifecycle, providers: Registry{}}
	_, admin := instanceRouters(h)

	body := `{"provider":"digitalocean","name":"range-12","size":"s-2vcpu-4gb",
		"image":"ubuntu-24-04-x64","region":"fra1","template_name":"vpn-node",
		"user_id":3,"attach_vpn":true}`
	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/instances", bytes.NewReader([]byte(body))))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	got := lifecycle.gotReq
	if got.Provider != domain.ProviderDigitalOcean || got.Name != "range-12" {
		t.Errorf("request = %+v, want provider/name mapped", got)
	}
	if got.Size != "s-2vcpu-4gb" || got.Image != "ubuntu-24-04-x64" || got.Region != "fra1" {
		t.Errorf("request = %+v, want catalog fields mapped", got)
	}
	if got.UserID == nil || *got.UserID != userID || !got.AttachVPN {
		t.Errorf("request = %+v, want user 3 with vpn", got)
	}
}

func TestProvisionRequiresProviderAndName(t *testing.T) {
	lifecycle := &stubLifecycle{}
	h := &Handler{store: &stubInstanceSource{}, lifecycle: lifecycle, providers: Registry{}}
	_, admin := instanceRouters(h)

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/instances", bytes.NewReader([]byte(`{"size":"small"}`))))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if lifecycle.gotReq.Name != "" {
		t.Errorf("lifecycle must not see an invalid request")
	}
}

func TestDeleteInstance(t *testing.T) {
	t.Run("deprovision answers 204", func(t *testing.T) {
		lifecycle := &stubLifecycle{}
		h := &Handler{store: &stubInstanceSource{}, lifecycle: lifecycle, providers: Registry{}}
		_, admin := instanceRouters(h)

		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/instances/12", nil))

		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if len(lifecycle.deprov) != 1 || lifecycle.deprov[0] != 12 {
			t.Errorf("deprovisioned = %v, want [12]", lifecycle.deprov)
		}
	})

	t.Run("unknown instance answers 404", func(t *testing.T) {
		lifecycle := &stubLifecycle{deprovErr: domain.ErrNotFound}
		h := &Handler{store: &stubInstanceSource{}, lifecycle: lifecycle, providers: Registry{}}
		_, admin := instanceRouters(h)

		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/instances/999", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}

func TestListForwardsIncludeDeleted(t *testing.T) {
	source := &stubInstanceSource{rows: map[int64]*domain.Instance{}}
	h := &Handler{store: source, lifecycle: &stubLifecycle{}, providers: Registry{}}
	_, admin := instanceRouters(h)

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/instances?include_deleted=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !source.gotIncludeDel {
		t.Errorf("include_deleted=true not forwarded")
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/instances", nil))
	if source.gotIncludeDel {
		t.Errorf("default list must exclude deleted rows")
	}
}

func TestProviderOptionsCatalog(t *testing.T) {
	prov := &catalogCloud{
		fakeCloud: fakeCloud{name: domain.ProviderOpenStack, configured: true},
		sizes:     []cloud.Option{{ID: "m1.small", Name: "m1.small"}},
		images:    []cloud.Option{{ID: "img-1", Name: "Ubuntu 24.04"}},
		regions:   []cloud.Option{{ID: "net-1", Name: "exercise-net"}},
	}
	h := &Handler{
		store:     &stubInstanceSource{},
		lifecycle: &stubLifecycle{},
		providers: Registry{domain.ProviderOpenStack: prov},
	}
	_, admin := instanceRouters(h)

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/providers/openstack/options", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var out providerOptions
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Sizes) != 1 || out.Sizes[0].ID != "m1.small" {
		t.Errorf("sizes = %+v", out.Sizes)
	}
	if len(out.Images) != 1 || out.Images[0].Name != "Ubuntu 24.04" {
		t.Errorf("images = %+v", out.Images)
	}
	if len(out.RegionsOrNetworks) != 1 || out.RegionsOrNetworks[0].ID != "net-1" {
		t.Errorf("regions = %+v", out.RegionsOrNetworks)
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/providers/hetzner/options", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown provider: status = %d, want 404", rec.Code)
	}
}

func TestStatsAnswersCounts(t *testing.T) {
	source := &stubInstanceSource{
		counts: map[domain.InstanceStatus]int{domain.InstanceActive: 4, domain.InstanceBuilding: 1},
	}
	h := &Handler{store: source, lifecycle: &stubLifecycle{}, providers: Registry{}}
	_, admin := instanceRouters(h)

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/instances/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var counts map[domain.InstanceStatus]int
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if counts[domain.InstanceActive] != 4 {
		t.Errorf("counts = %v, want 4 active", counts)
	}
}
