package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httpretry"
)

// OpenStack drives Nova through a Keystone v3 token. The token and the
// service endpoints come from one auth call and are cached until close
// to expiry; a 401 mid-flight forces one re-auth and retry.
type OpenStack struct {
	cfg  config.OpenStackConfig
	http httpretry.Doer

	mu         sync.Mutex
	token      string
	tokenExp   time.Time
	computeURL string
	imageURL   string
	networkURL string
}

// NewOpenStack builds the provider from config.
func NewOpenStack(cfg config.OpenStackConfig) *OpenStack {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenStack{
		cfg:  cfg,
		http: httpretry.New(&http.Client{Timeout: timeout}, 2),
	}
}

// Name implements Provider.
func (o *OpenStack) Name() domain.ProviderName {
	return domain.ProviderOpenStack
}

// IsConfigured reports whether Keystone credentials are set.
func (o *OpenStack) IsConfigured() bool {
	return o.cfg.AuthURL != "" && o.cfg.Username != "" && o.cfg.Password != ""
}

// Authenticate fetches a fresh Keystone token and resolves the compute,
// image, and network endpoints from the service catalog.
func (o *OpenStack) Authenticate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authenticateLocked(ctx)
}

func (o *OpenStack) authenticateLocked(ctx context.Context) error {
	payload := map[string]interface{}{
		"auth": map[string]interface{}{
			"identity": map[string]interface{}{
				"methods": []string{"password"},
				"password": map[string]interface{}{
					"user": map[string]interface{}{
						"name":     o.cfg.Username,
						"domain":   map[string]string{"id": "default"},
						"password": o.cfg.Password,
					},
				},
			},
			"scope": map[string]interface{}{
				"project": map[string]interface{}{
					"name":   o.cfg.Project,
					"domain": map[string]string{"id": "default"},
				},
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	authURL := strings.TrimRight(o.cfg.AuthURL, "/") + "/auth/tokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("keystone auth failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("keystone auth %d: %s", resp.StatusCode, truncateBody(body))
	}

	token := resp.Header.Get("X-Subject-Token")
	if token == "" {
		return fmt.Errorf("keystone auth succeeded but returned no subject token")
	}

	var wrapper struct {
		Token struct {
			ExpiresAt time.Time `json:"expires_at"`
			Catalog   []struct {
				Type      string `json:"type"`
				Endpoints []struct {
					Interface string `json:"interface"`
					Region    string `json:"region"`
					URL       string `json:"url"`
				} `json:"endpoints"`
			} `json:"catalog"`
		} `json:"token"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return fmt.Errorf("failed to parse keystone catalog: %w", err)
	}

	endpoint := func(serviceType string) string {
		for _, svc := range wrapper.Token.Catalog {
			if svc.Type != serviceType {
				continue
			}
			for _, ep := range svc.Endpoints {
				if ep.Interface != "public" {
					continue
				}
				if o.cfg.Region != "" && ep.Region != o.cfg.Region {
					continue
				}
				return strings.TrimRight(ep.URL, "/")
			}
		}
		return ""
	}

	compute := endpoint("compute")
	if compute == "" {
		return fmt.Errorf("keystone catalog has no public compute endpoint for region %q", o.cfg.Region)
	}

	o.token = token
	o.tokenExp = wrapper.Token.ExpiresAt
	o.computeURL = compute
	o.imageURL = endpoint("image")
	o.networkURL = endpoint("network")
	return nil
}

// ensureToken returns a token that is valid for at least another minute.
func (o *OpenStack) ensureToken(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.token != "" && time.Until(o.tokenExp) > time.Minute {
		return o.token, nil
	}
	if err := o.authenticateLocked(ctx); err != nil {
		return "", err
	}
	return o.token, nil
}

// invalidateToken drops a token the API rejected.
func (o *OpenStack) invalidateToken(stale string) {
	o.mu.Lock()
	if o.token == stale {
		o.token = ""
	}
	o.mu.Unlock()
}

func (o *OpenStack) doRequest(ctx context.Context, method, url string, body interface{}) ([]byte, int, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
	}

	send := func(token string) ([]byte, int, error) {
		var reader io.Reader
		if data != nil {
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("X-Auth-Token", token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.http.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("openstack request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, resp.StatusCode, err
		}
		return respBody, resp.StatusCode, nil
	}

	token, err := o.ensureToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	respBody, status, err := send(token)
	if err != nil {
		return nil, status, err
	}
	if status == http.StatusUnauthorized {
		o.invalidateToken(token)
		token, err = o.ensureToken(ctx)
		if err != nil {
			return nil, status, err
		}
		return send(token)
	}
	return respBody, status, nil
}

func (o *OpenStack) get(ctx context.Context, url string) ([]byte, error) {
	body, status, err := o.doRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("openstack API %d: %s", status, truncateBody(body))
	}
	return body, nil
}

type novaServer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Addresses map[string][]struct {
		Addr    string `json:"addr"`
		Version int    `json:"version"`
		Type    string `json:"OS-EXT-IPS:type"`
	} `json:"addresses"`
}

func (o *OpenStack) server(ns novaServer) *Server {
	var addrs []Address
	for _, list := range ns.Addresses {
		for _, a := range list {
			addrs = append(addrs, Address{
				IP:      a.Addr,
				Version: a.Version,
				Public:  a.Type == "floating",
			})
		}
	}
	return &Server{
		ProviderID: ns.ID,
		Name:       ns.Name,
		RawStatus:  ns.Status,
		Status:     o.NormalizeStatus(ns.Status),
		IPv4:       o.ExtractIP(addrs),
		Addresses:  addrs,
	}
}

// CreateInstance boots a Nova server. UserData is base64-encoded here;
// Nova rejects plain text.
func (o *OpenStack) CreateInstance(ctx context.Context, req CreateRequest) (*Server, error) {
	server := map[string]interface{}{
		"name":      req.Name,
		"flavorRef": req.Size,
		"imageRef":  req.Image,
	}
	if req.UserData != "" {
		encoded, err := EncodeUserData(req.UserData)
		if err != nil {
			return nil, err
		}
		server["user_data"] = encoded
	}
	if req.SSHKey != "" {
		server["key_name"] = req.SSHKey
	}
	if req.Network != "" {
		server["networks"] = []map[string]string{{"uuid": req.Network}}
	}

	if _, err := o.ensureToken(ctx); err != nil {
		return nil, err
	}
	body, status, err := o.doRequest(ctx, http.MethodPost, o.computeURL+"/servers",
		map[string]interface{}{"server": server})
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("openstack create %d: %s", status, truncateBody(body))
	}

	var wrapper struct {
		Server struct {
			ID string `json:"id"`
		} `json:"server"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse server: %w", err)
	}

	// The create response carries no status or addresses. Nova reports
	// BUILD until the reconciler sees it flip.
	return &Server{
		ProviderID: wrapper.Server.ID,
		Name:       req.Name,
		RawStatus:  "BUILD",
		Status:     domain.InstanceBuilding,
	}, nil
}

// DeleteInstance destroys a server. A 404 means it is already gone.
func (o *OpenStack) DeleteInstance(ctx context.Context, providerID string) error {
	if _, err := o.ensureToken(ctx); err != nil {
		return err
	}
	body, status, err := o.doRequest(ctx, http.MethodDelete, o.computeURL+"/servers/"+providerID, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status >= 400 {
		return fmt.Errorf("openstack delete %d: %s", status, truncateBody(body))
	}
	return nil
}

// GetInstanceStatus fetches one server with normalized status and IP.
func (o *OpenStack) GetInstanceStatus(ctx context.Context, providerID string) (*Server, error) {
	if _, err := o.ensureToken(ctx); err != nil {
		return nil, err
	}
	body, err := o.get(ctx, o.computeURL+"/servers/"+providerID)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Server novaServer `json:"server"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse server: %w", err)
	}
	return o.server(wrapper.Server), nil
}

// ListSizes returns Nova flavors.
func (o *OpenStack) ListSizes(ctx context.Context) ([]Option, error) {
	if _, err := o.ensureToken(ctx); err != nil {
		return nil, err
	}
	body, err := o.get(ctx, o.computeURL+"/flavors")
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Flavors []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"flavors"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse flavors: %w", err)
	}

	opts := make([]Option, 0, len(wrapper.Flavors))
	for _, f := range wrapper.Flavors {
		opts = append(opts, Option{ID: f.ID, Name: f.Name})
	}
	return opts, nil
}

// ListImages returns active Glance images.
func (o *OpenStack) ListImages(ctx context.Context) ([]Option, error) {
	if _, err := o.ensureToken(ctx); err != nil {
		return nil, err
	}
	if o.imageURL == "" {
		return nil, fmt.Errorf("keystone catalog has no public image endpoint")
	}
	body, err := o.get(ctx, o.imageURL+"/v2/images")
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Images []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"images"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse images: %w", err)
	}

	opts := make([]Option, 0, len(wrapper.Images))
	for _, img := range wrapper.Images {
		if img.Status != "" && img.Status != "active" {
			continue
		}
		opts = append(opts, Option{ID: img.ID, Name: img.Name})
	}
	return opts, nil
}

// ListRegionsOrNetworks returns Neutron networks. OpenStack placement
// here is by network; the region is fixed in config.
func (o *OpenStack) ListRegionsOrNetworks(ctx context.Context) ([]Option, error) {
	if _, err := o.ensureToken(ctx); err != nil {
		return nil, err
	}
	if o.networkURL == "" {
		return nil, fmt.Errorf("keystone catalog has no public network endpoint")
	}
	body, err := o.get(ctx, o.networkURL+"/v2.0/networks")
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Networks []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"networks"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse networks: %w", err)
	}

	opts := make([]Option, 0, len(wrapper.Networks))
	for _, n := range wrapper.Networks {
		opts = append(opts, Option{ID: n.ID, Name: n.Name})
	}
	return opts, nil
}

// NormalizeStatus maps Nova states onto the canonical set. Transitional
// states (REBUILD, REBOOT, resize) count as building so the reconciler
// keeps polling.
func (o *OpenStack) NormalizeStatus(raw string) domain.InstanceStatus {
	switch strings.ToUpper(raw) {
	case "BUILD":
		return domain.InstanceBuilding
	case "ACTIVE":
		return domain.InstanceActive
	case "ERROR":
		return domain.InstanceError
	case "SHUTOFF":
		return domain.InstanceShutoff
	case "DELETED", "SOFT_DELETED":
		return domain.InstanceDeleted
	default:
		return domain.InstanceBuilding
	}
}

// ExtractIP implements Provider. Floating addresses win over fixed.
func (o *OpenStack) ExtractIP(addrs []Address) string {
	return firstIPv4(addrs)
}
