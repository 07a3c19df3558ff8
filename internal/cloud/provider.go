// Package cloud talks to the compute providers that host exercise
// instances. Each provider exposes the same surface so the provisioner
// and the status reconciler never branch on vendor.
package cloud

import (
	"context"

	"github.com/rangeops/rangehub/internal/domain"
)

// CreateRequest describes the machine to provision. Region is a
// DigitalOcean region slug; Network is an OpenStack network UUID. Each
// provider reads the field it understands and ignores the other.
// UserData is the rendered cloud-init text; providers that need base64
// encode it themselves.
type CreateRequest struct {
	Name     string
	Size     string
	Image    string
	Region   string
	Network  string
	SSHKey   string
	UserData string
}

// Server is the provider-neutral view of one machine.
type Server struct {
	ProviderID string
	Name       string
	RawStatus  string
	Status     domain.InstanceStatus
	IPv4       string
	Addresses  []Address
}

// Address is one IP attached to a server.
type Address struct {
	IP      string
	Version int
	Public  bool
}

// Option is one entry of a provider catalog (sizes, images, regions,
// networks). ID is what CreateRequest fields expect.
type Option struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provider is the uniform compute surface. GetInstanceStatus returns a
// Server with Status and IPv4 already normalized so the reconciler can
// persist them directly.
type Provider interface {
	Name() domain.ProviderName
	IsConfigured() bool
	Authenticate(ctx context.Context) error
	CreateInstance(ctx context.Context, req CreateRequest) (*Server, error)
	DeleteInstance(ctx context.Context, providerID string) error
	GetInstanceStatus(ctx context.Context, providerID string) (*Server, error)
	ListSizes(ctx context.Context) ([]Option, error)
	ListImages(ctx context.Context) ([]Option, error)
	ListRegionsOrNetworks(ctx context.Context) ([]Option, error)
	NormalizeStatus(raw string) domain.InstanceStatus
	ExtractIP(addrs []Address) string
}

// firstIPv4 prefers a public IPv4 and falls back to any IPv4. Returns ""
// when the server has no v4 address yet (common while BUILDING).
func firstIPv4(addrs []Address) string {
	var private string
	for _, a := range addrs {
		if a.Version != 4 || a.IP == "" {
			continue
		}
		if a.Public {
			return a.IP
		}
		if private == "" {
			private = a.IP
		}
	}
	return private
}
