package instances

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/rangeops/rangehub/internal/cloud"
	"github.com/rangeops/rangehub/internal/config"
	"github.com/rangeops/rangehub/internal/domain"
)

type fakeCloud struct {
	name       domain.ProviderName
	configured bool
	createErr  error
	deleteErr  error
	gotCreate  cloud.CreateRequest
	deleted    []string
}

func (f *fakeCloud) Name() domain.ProviderName { return f.name }
func (f *fakeCloud) IsConfigured() bool        { return f.configured }

func (f *fakeCloud) Authenticate(ctx context.Context) error { return nil }

func (f *fakeCloud) CreateInstance(ctx context.Context, req cloud.CreateRequest) (*cloud.Server, error) {
	f.gotCreate = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &cloud.Server{ProviderID: "srv-900", Name: req.Name, Status: domain.InstanceBuilding}, nil
}

func (f *fakeCloud) DeleteInstance(ctx context.Context, providerID string) error {
	f.deleted = append(f.deleted, providerID)
	return f.deleteErr
}

func (f *fakeCloud) GetInstanceStatus(ctx context.Context, providerID string) (*cloud.Server, error) {
	return &cloud.Server{ProviderID: providerID, Status: domain.InstanceActive}, nil
}

func (f *fakeCloud) ListSizes(ctx context.Context) ([]cloud.Option, error)  { return nil, nil }
func (f *fakeCloud) ListImages(ctx context.Context) ([]cloud.Option, error) { return nil, nil }
func (f *fakeCloud) ListRegionsOrNetworks(ctx context.Context) ([]cloud.Option, error) {
	return nil, nil
}
func (f *fakeCloud) NormalizeStatus(raw string) domain.InstanceStatus { return domain.InstanceBuilding }
func (f *fakeCloud) ExtractIP(addrs []cloud.Address) string           { return "" }

func provisionerFixture(t *testing.T) (*Provisioner, *fakeCloud, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := newStoreMock(t)
	fake := &fakeCloud{name: domain.ProviderDigitalOcean, configured: true}

	cfg := config.InstancesConfig{
		ConfigTokenTTLMinutes: 60,
		VPN: config.VPNConfig{
			ServerPublicKey:  "c2VydmVyLXB1YmxpYw==",
			Endpoint:         "vpn.range.example.org:51820",
			Subnet:           "10.8.0.0/16",
			AllowedIPs:       "10.8.0.0/16",
			KeepaliveSeconds: 25,
		},
	}
	p := NewProvisioner(store, Registry{domain.ProviderDigitalOcean: fake}, cfg,
		"https://hub.range.example.org/")
	p.SetNow(fixedTime)
	return p, fake, mock
}

func TestProvisionEmbedsConfigTokenInUserData(t *testing.T) {
	p, fake, mock := provisionerFixture(t)

	mock.ExpectQuery("INSERT INTO instances").
		WithArgs("digitalocean", "range-12", "BUILDING", nil, nil, "vpn-node",
			sqlmock.AnyArg(), sqlmock.AnyArg(), fixedTime()).
		WillReturnRows(instanceRow(12, "digitalocean", "range-12", "BUILDING"))
	mock.ExpectExec("UPDATE instances SET vpn_config").
		WithArgs(int64(12), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE instances SET provider_id = \$2`).
		WithArgs(int64(12), "srv-900").
		WillReturnResult(sqlmock.NewResult(0, 1))

	row, err := p.Provision(context.Background(), ProvisionRequest{
		Provider:     domain.ProviderDigitalOcean,
		Name:         "range-12",
		Size:         "s-2vcpu-4gb",
		Image:        "debian-12-x64",
		Region:       "fra1",
		TemplateName: "vpn-node",
		UserData:     "host: {{name}}\ntoken: {{config_token}}\nurl: {{config_url}}\n",
		AttachVPN:    true,
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if row.ProviderID == nil || *row.ProviderID != "srv-900" {
		t.Errorf("ProviderID = %v, want srv-900", row.ProviderID)
	}
	if row.VPNConfig == nil || !strings.Contains(*row.VPNConfig, "[Interface]") {
		t.Errorf("VPNConfig = %v, want a rendered tunnel config", row.VPNConfig)
	}

	data := fake.gotCreate.UserData
	if strings.Contains(data, "{{") {
		t.Errorf("user-data still has placeholders: %q", data)
	}
	if !strings.Contains(data, "host: range-12\n") {
		t.Errorf("user-data missing name substitution: %q", data)
	}
	if !strings.Contains(data, "url: https://hub.range.example.org/cloud-init/vpn-config\n") {
		t.Errorf("user-data missing config url: %q", data)
	}
	if strings.Contains(data, "token: \n") {
		t.Errorf("config token substituted empty: %q", data)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProvisionMarksRowOnProviderFailure(t *testing.T) {
	p, fake, mock := provisionerFixture(t)
	fake.createErr = errors.New("quota exceeded")

	mock.ExpectQuery("INSERT INTO instances").
		WillReturnRows(instanceRow(13, "digitalocean", "range-13", "BUILDING"))
	mock.ExpectExec("UPDATE instances SET status").
		WithArgs(int64(13), "ERROR").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := p.Provision(context.Background(), ProvisionRequest{
		Provider: domain.ProviderDigitalOcean,
		Name:     "range-13",
	})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected the provider error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestProvisionRejectsUnknownProvider(t *testing.T) {
	p, _, _ := provisionerFixture(t)

	_, err := p.Provision(context.Background(), ProvisionRequest{
		Provider: domain.ProviderOpenStack,
		Name:     "range-14",
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for a provider that is not enabled, got %v", err)
	}
}

func TestProvisionRequiresVPNServerSettings(t *testing.T) {
	p, _, _ := provisionerFixture(t)
	p.cfg.VPN.ServerPublicKey = ""

	_, err := p.Provision(context.Background(), ProvisionRequest{
		Provider:  domain.ProviderDigitalOcean,
		Name:      "range-15",
		AttachVPN: true,
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error when the vpn server is unset, got %v", err)
	}
}

func TestDeprovisionDeletesAtProviderFirst(t *testing.T) {
	p, fake, mock := provisionerFixture(t)

	rows := sqlmock.NewRows(instanceCols).
		AddRow(int64(12), "digitalocean", "srv-900", "range-12", "ACTIVE", "203.0.113.40",
			nil, nil, "vpn-node", nil, nil, nil, fixedTime(), nil)
	mock.ExpectQuery("SELECT .* FROM instances WHERE id").
		WithArgs(int64(12)).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE instances\s+SET deleted_at`).
		WithArgs(int64(12), fixedTime(), "DELETED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := p.Deprovision(context.Background(), 12); err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "srv-900" {
		t.Errorf("deleted = %v, want [srv-900]", fake.deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeprovisionKeepsRowWhenProviderFails(t *testing.T) {
	p, fake, mock := provisionerFixture(t)
	fake.deleteErr = errors.New("api down")

	rows := sqlmock.NewRows(instanceCols).
		AddRow(int64(12), "digitalocean", "srv-900", "range-12", "ACTIVE", nil,
			nil, nil, "", nil, nil, nil, fixedTime(), nil)
	mock.ExpectQuery("SELECT .* FROM instances WHERE id").
		WithArgs(int64(12)).
		WillReturnRows(rows)

	err := p.Deprovision(context.Background(), 12)
	if err == nil || !strings.Contains(err.Error(), "api down") {
		t.Fatalf("expected the provider error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("soft delete must not run after a provider failure: %v", err)
	}
}

func TestClientAddressIsStablePerInstance(t *testing.T) {
	a1, err := clientAddress("10.8.0.0/16", 1)
	if err != nil {
		t.Fatalf("clientAddress: %v", err)
	}
	if a1 != "10.8.0.2/32" {
		t.Errorf("id 1 = %s, want 10.8.0.2/32", a1)
	}

	again, _ := clientAddress("10.8.0.0/16", 1)
	if again != a1 {
		t.Errorf("same id must map to the same address: %s vs %s", a1, again)
	}

	a255, _ := clientAddress("10.8.0.0/16", 255)
	if a255 != "10.8.1.0/32" {
		t.Errorf("id 255 = %s, want 10.8.1.0/32", a255)
	}

	if _, err := clientAddress("10.8.0.0/31", 1); err == nil {
		t.Error("a /31 has no client room and must be rejected")
	}
	if _, err := clientAddress("not-a-subnet", 1); err == nil {
		t.Error("invalid subnet must be rejected")
	}
}
