package instances

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/rangeops/rangehub/internal/cloud"
	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/tokens"
)

// configTokenBytes sizes the config-fetch secret embedded in user-data.
const configTokenBytes = 32

// Registry maps provider tags to configured clients. cmd builds it from
// the enabled providers in config.
type Registry map[domain.ProviderName]cloud.Provider

// ProvisionRequest describes one machine to create.
type ProvisionRequest struct {
	Provider     domain.ProviderName
	Name         string
	Size         string
	Image        string
	Region       string
	Network      string
	SSHKey       string
	TemplateName string
	UserData     string
	UserID       *int64
	EventID      *int64
	AttachVPN    bool
}

// Provisioner creates and destroys instances through the providers. The
// DB row exists before the provider call, so a failed create leaves an
// ERROR row instead of an orphaned machine.
type Provisioner struct {
	store     *Store
	providers Registry
	cfg       config.InstancesConfig
	configURL string
	now       func() time.Time
}

// NewProvisioner wires the provisioner. baseURL is the public server
// address freshly booted machines call back to.
func NewProvisioner(store *Store, providers Registry, cfg config.InstancesConfig, baseURL string) *Provisioner {
	return &Provisioner{
		store:     store,
		providers: providers,
		cfg:       cfg,
		configURL: strings.TrimRight(baseURL, "/") + "/cloud-init/vpn-config",
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock, for tests.
func (p *Provisioner) SetNow(now func() time.Time) { p.now = now }

func (p *Provisioner) providerFor(name domain.ProviderName) (cloud.Provider, error) {
	prov, ok := p.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q is not enabled", domain.ErrValidation, name)
	}
	if !prov.IsConfigured() {
		return nil, fmt.Errorf("%w: provider %q has no credentials", domain.ErrValidation, name)
	}
	return prov, nil
}

// Provision creates the DB row, mints the config-fetch token and VPN
// config, renders user-data, and boots the machine. The raw token rides
// only inside the rendered user-data.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*domain.Instance, error) {
	prov, err := p.providerFor(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.AttachVPN && (p.cfg.VPN.ServerPublicKey == "" || p.cfg.VPN.Endpoint == "") {
		return nil, fmt.Errorf("%w: vpn server is not configured", domain.ErrValidation)
	}

	rawToken, tokenHash, err := tokens.Generate(configTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("mint config token: %w", err)
	}
	expiresAt := p.now().Add(p.cfg.ConfigTokenTTL())

	row, err := p.store.Create(ctx, &domain.Instance{
		Provider:             req.Provider,
		Name:                 req.Name,
		UserID:               req.UserID,
		EventID:              req.EventID,
		TemplateName:         req.TemplateName,
		ConfigTokenHash:      &tokenHash,
		ConfigTokenExpiresAt: &expiresAt,
	})
	if err != nil {
		return nil, err
	}

	if req.AttachVPN {
		conf, err := p.buildVPNConfig(row.ID)
		if err != nil {
			return nil, err
		}
		if err := p.store.SetVPNConfig(ctx, row.ID, conf); err != nil {
			return nil, err
		}
		row.VPNConfig = &conf
	}

	userData := cloud.RenderUserData(req.UserData, map[string]string{
		"name":         req.Name,
		"config_token": rawToken,
		"config_url":   p.configURL,
	})

	created, err := prov.CreateInstance(ctx, cloud.CreateRequest{
		Name:     req.Name,
		Size:     req.Size,
		Image:    req.Image,
		Region:   req.Region,
		Network:  req.Network,
		SSHKey:   req.SSHKey,
		UserData: userData,
	})
	if err != nil {
		if markErr := p.store.MarkError(ctx, row.ID); markErr != nil {
			log.Printf("[Provisioner] Instance %d create failed and could not be marked: %v", row.ID, markErr)
		}
		return nil, fmt.Errorf("provider create for instance %d: %w", row.ID, err)
	}

	if err := p.store.SetProviderID(ctx, row.ID, created.ProviderID); err != nil {
		return nil, err
	}
	row.ProviderID = &created.ProviderID

	log.Printf("[Provisioner] Instance %d (%s) created on %s as %s",
		row.ID, row.Name, req.Provider, created.ProviderID)
	return row, nil
}

// Deprovision destroys the machine at the provider, then soft-deletes the
// row. A provider-side failure leaves the row alone so the call can be
// retried.
func (p *Provisioner) Deprovision(ctx context.Context, id int64) error {
	row, err := p.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("instance %d: %w", id, domain.ErrNotFound)
	}
	if row.DeletedAt != nil {
		return nil
	}

	if row.ProviderID != nil {
		prov, err := p.providerFor(row.Provider)
		if err != nil {
			return err
		}
		if err := prov.DeleteInstance(ctx, *row.ProviderID); err != nil {
			return fmt.Errorf("provider delete for instance %d: %w", id, err)
		}
	}

	if err := p.store.SoftDelete(ctx, id); err != nil {
		return err
	}
	log.Printf("[Provisioner] Instance %d (%s) deleted", id, row.Name)
	return nil
}

// buildVPNConfig mints a client keypair and renders the tunnel config.
// The client address is derived from the instance id so re-renders of the
// same instance land on the same IP.
func (p *Provisioner) buildVPNConfig(instanceID int64) (string, error) {
	priv, _, err := cloud.GenerateWireGuardKeypair()
	if err != nil {
		return "", err
	}
	addr, err := clientAddress(p.cfg.VPN.Subnet, instanceID)
	if err != nil {
		return "", err
	}
	return cloud.BuildWireGuardConfig(cloud.WireGuardPeer{
		Address:             addr,
		PrivateKey:          priv,
		DNS:                 p.cfg.VPN.DNS,
		ServerPublicKey:     p.cfg.VPN.ServerPublicKey,
		Endpoint:            p.cfg.VPN.Endpoint,
		AllowedIPs:          p.cfg.VPN.AllowedIPs,
		PersistentKeepalive: p.cfg.VPN.KeepaliveSeconds,
	})
}

// clientAddress maps an instance id onto the tunnel subnet, skipping the
// network address and the server at the first host slot.
func clientAddress(subnet string, instanceID int64) (string, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return "", fmt.Errorf("parse vpn subnet %q: %w", subnet, err)
	}
	base := ipnet.IP.To4()
	if base == nil {
		return "", fmt.Errorf("vpn subnet %q is not IPv4", subnet)
	}

	ones, bits := ipnet.Mask.Size()
	hosts := int64(1)<<(bits-ones) - 2
	if hosts < 2 {
		return "", fmt.Errorf("vpn subnet %q has no room for clients", subnet)
	}

	offset := uint32(2 + (instanceID-1)%(hosts-1))
	n := binary.BigEndian.Uint32(base) + offset
	addr := make(net.IP, 4)
	binary.BigEndian.PutUint32(addr, n)
	return addr.String() + "/32", nil
}
