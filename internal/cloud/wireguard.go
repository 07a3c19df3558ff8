package cloud

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/rangeops/rangehub/internal/domain"
)

// WireGuardPeer holds everything rendered into one client tunnel config.
// Address is the client's tunnel IP in CIDR form.
type WireGuardPeer struct {
	Address             string
	PrivateKey          string
	DNS                 string
	ServerPublicKey     string
	Endpoint            string
	AllowedIPs          string
	PersistentKeepalive int
}

// GenerateWireGuardKeypair returns a fresh Curve25519 keypair, both keys
// base64-encoded the way wg(8) prints them.
func GenerateWireGuardKeypair() (privateKey, publicKey string, err error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", fmt.Errorf("generate wireguard key: %w", err)
	}
	// Clamp per the Curve25519 key format.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive wireguard public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(priv[:]),
		base64.StdEncoding.EncodeToString(pub), nil
}

// BuildWireGuardConfig renders a client .conf. The text is stored on the
// instance row and later handed verbatim to the booted machine, so the
// output must be a complete, valid config.
func BuildWireGuardConfig(p WireGuardPeer) (string, error) {
	switch {
	case p.Address == "":
		return "", fmt.Errorf("%w: wireguard peer needs an address", domain.ErrValidation)
	case p.PrivateKey == "":
		return "", fmt.Errorf("%w: wireguard peer needs a private key", domain.ErrValidation)
	case p.ServerPublicKey == "":
		return "", fmt.Errorf("%w: wireguard peer needs the server public key", domain.ErrValidation)
	case p.Endpoint == "":
		return "", fmt.Errorf("%w: wireguard peer needs the server endpoint", domain.ErrValidation)
	}

	allowed := p.AllowedIPs
	if allowed == "" {
		allowed = "0.0.0.0/0"
	}
	keepalive := p.PersistentKeepalive
	if keepalive <= 0 {
		keepalive = 25
	}

	var sb strings.Builder
	sb.WriteString("[Interface]\n")
	sb.WriteString(fmt.Sprintf("Address = %s\n", p.Address))
	sb.WriteString(fmt.Sprintf("PrivateKey = %s\n", p.PrivateKey))
	if p.DNS != "" {
		sb.WriteString(fmt.Sprintf("DNS = %s\n", p.DNS))
	}
	sb.WriteString("\n[Peer]\n")
	sb.WriteString(fmt.Sprintf("PublicKey = %s\n", p.ServerPublicKey))
	sb.WriteString(fmt.Sprintf("Endpoint = %s\n", p.Endpoint))
	sb.WriteString(fmt.Sprintf("AllowedIPs = %s\n", allowed))
	sb.WriteString(fmt.Sprintf("PersistentKeepalive = %d\n", keepalive))

	return sb.String(), nil
}
