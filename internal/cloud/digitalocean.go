package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/httpretry"
)

const digitalOceanAPIBase = "https://api.digitalocean.com/v2"

// DigitalOcean drives the droplet API v2 with a bearer token.
type DigitalOcean struct {
	apiKey  string
	apiBase string
	http    httpretry.Doer
}

// NewDigitalOcean builds the provider from config. List and status calls
// retry on 429/5xx; create and delete run once.
func NewDigitalOcean(cfg config.DigitalOceanConfig) *DigitalOcean {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DigitalOcean{
		apiKey:  cfg.APIKey,
		apiBase: digitalOceanAPIBase,
		http:    httpretry.New(&http.Client{Timeout: timeout}, 2),
	}
}

// Name implements Provider.
func (d *DigitalOcean) Name() domain.ProviderName {
	return domain.ProviderDigitalOcean
}

// IsConfigured reports whether an API key is set.
func (d *DigitalOcean) IsConfigured() bool {
	return d.apiKey != ""
}

func (d *DigitalOcean) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.apiBase+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("digitalocean request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func (d *DigitalOcean) get(ctx context.Context, path string) ([]byte, error) {
	body, status, err := d.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("digitalocean API %d: %s", status, truncateBody(body))
	}
	return body, nil
}

// Authenticate verifies the token against the account endpoint.
func (d *DigitalOcean) Authenticate(ctx context.Context) error {
	_, err := d.get(ctx, "/account")
	return err
}

type droplet struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Networks struct {
		V4 []dropletAddr `json:"v4"`
		V6 []dropletAddr `json:"v6"`
	} `json:"networks"`
}

type dropletAddr struct {
	IPAddress string `json:"ip_address"`
	Type      string `json:"type"`
}

func (d *DigitalOcean) server(dr droplet) *Server {
	var addrs []Address
	for _, a := range dr.Networks.V4 {
		addrs = append(addrs, Address{IP: a.IPAddress, Version: 4, Public: a.Type == "public"})
	}
	for _, a := range dr.Networks.V6 {
		addrs = append(addrs, Address{IP: a.IPAddress, Version: 6, Public: a.Type == "public"})
	}
	return &Server{
		ProviderID: strconv.FormatInt(dr.ID, 10),
		Name:       dr.Name,
		RawStatus:  dr.Status,
		Status:     d.NormalizeStatus(dr.Status),
		IPv4:       d.ExtractIP(addrs),
		Addresses:  addrs,
	}
}

// CreateInstance boots a droplet. UserData goes up as plain text; the
// droplet API takes it unencoded.
func (d *DigitalOcean) CreateInstance(ctx context.Context, req CreateRequest) (*Server, error) {
	payload := map[string]interface{}{
		"name":   req.Name,
		"region": req.Region,
		"size":   req.Size,
		"image":  req.Image,
	}
	if req.UserData != "" {
		payload["user_data"] = req.UserData
	}
	if req.SSHKey != "" {
		payload["ssh_keys"] = []string{req.SSHKey}
	}

	body, status, err := d.doRequest(ctx, http.MethodPost, "/droplets", payload)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("digitalocean create %d: %s", status, truncateBody(body))
	}

	var wrapper struct {
		Droplet droplet `json:"droplet"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse droplet: %w", err)
	}
	return d.server(wrapper.Droplet), nil
}

// DeleteInstance destroys a droplet. A 404 means it is already gone.
func (d *DigitalOcean) DeleteInstance(ctx context.Context, providerID string) error {
	body, status, err := d.doRequest(ctx, http.MethodDelete, "/droplets/"+providerID, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status >= 400 {
		return fmt.Errorf("digitalocean delete %d: %s", status, truncateBody(body))
	}
	return nil
}

// GetInstanceStatus fetches one droplet with normalized status and IP.
func (d *DigitalOcean) GetInstanceStatus(ctx context.Context, providerID string) (*Server, error) {
	body, err := d.get(ctx, "/droplets/"+providerID)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Droplet droplet `json:"droplet"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse droplet: %w", err)
	}
	return d.server(wrapper.Droplet), nil
}

// ListSizes returns droplet size slugs.
func (d *DigitalOcean) ListSizes(ctx context.Context) ([]Option, error) {
	body, err := d.get(ctx, "/sizes?per_page=200")
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Sizes []struct {
			Slug      string `json:"slug"`
			Available bool   `json:"available"`
		} `json:"sizes"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse sizes: %w", err)
	}

	opts := make([]Option, 0, len(wrapper.Sizes))
	for _, s := range wrapper.Sizes {
		if !s.Available {
			continue
		}
		opts = append(opts, Option{ID: s.Slug, Name: s.Slug})
	}
	return opts, nil
}

// ListImages returns distribution images.
func (d *DigitalOcean) ListImages(ctx context.Context) ([]Option, error) {
	body, err := d.get(ctx, "/images?type=distribution&per_page=200")
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Images []struct {
			ID   int64  `json:"id"`
			Slug string `json:"slug"`
			Name string `json:"name"`
		} `json:"images"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse images: %w", err)
	}

	opts := make([]Option, 0, len(wrapper.Images))
	for _, img := range wrapper.Images {
		id := img.Slug
		if id == "" {
			id = strconv.FormatInt(img.ID, 10)
		}
		opts = append(opts, Option{ID: id, Name: img.Name})
	}
	return opts, nil
}

// ListRegionsOrNetworks returns region slugs. DigitalOcean places
// droplets by region; networks are implicit.
func (d *DigitalOcean) ListRegionsOrNetworks(ctx context.Context) ([]Option, error) {
	body, err := d.get(ctx, "/regions?per_page=200")
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Regions []struct {
			Slug      string `json:"slug"`
			Name      string `json:"name"`
			Available bool   `json:"available"`
		} `json:"regions"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to parse regions: %w", err)
	}

	opts := make([]Option, 0, len(wrapper.Regions))
	for _, r := range wrapper.Regions {
		if !r.Available {
			continue
		}
		opts = append(opts, Option{ID: r.Slug, Name: r.Name})
	}
	return opts, nil
}

// NormalizeStatus maps droplet states onto the canonical set. Anything
// unrecognized counts as still building so the reconciler keeps polling.
func (d *DigitalOcean) NormalizeStatus(raw string) domain.InstanceStatus {
	switch raw {
	case "new":
		return domain.InstanceBuilding
	case "active":
		return domain.InstanceActive
	case "off":
		return domain.InstanceShutoff
	case "archive":
		return domain.InstanceDeleted
	default:
		return domain.InstanceBuilding
	}
}

// ExtractIP implements Provider.
func (d *DigitalOcean) ExtractIP(addrs []Address) string {
	return firstIPv4(addrs)
}

func truncateBody(body []byte) string {
	const max = 300
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
