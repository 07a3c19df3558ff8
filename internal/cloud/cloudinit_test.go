package cloud

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/rangeops/rangehub/internal/domain"
)

func TestRenderUserDataSubstitutesBothForms(t *testing.T) {
	tmpl := "hostname: {{name}}\ntoken: {{ config_token }}\n"
	out := RenderUserData(tmpl, map[string]string{
		"name":         "range-9",
		"config_token": "raw-secret",
	})

	want := "hostname: range-9\ntoken: raw-secret\n"
	if out != want {
		t.Errorf("rendered = %q, want %q", out, want)
	}
}

func TestRenderUserDataLeavesUnresolvedIntact(t *testing.T) {
	out := RenderUserData("user: {{name}} key: {{missing}}", map[string]string{"name": "x"})
	if !strings.Contains(out, "{{missing}}") {
		t.Errorf("unresolved placeholder should stay in the output, got %q", out)
	}
}

func TestEncodeUserDataRoundTrips(t *testing.T) {
	encoded, err := EncodeUserData("#cloud-config\npackages: [wireguard]\n")
	if err != nil {
		t.Fatalf("EncodeUserData: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("output is not valid base64: %v", err)
	}
	if string(decoded) != "#cloud-config\npackages: [wireguard]\n" {
		t.Errorf("decoded = %q", decoded)
	}
}

func TestEncodeUserDataRejectsOversize(t *testing.T) {
	// 49152 raw bytes encode to 65536, one past the limit.
	_, err := EncodeUserData(strings.Repeat("a", 49152))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation for oversized user-data, got %v", err)
	}

	if _, err := EncodeUserData(strings.Repeat("a", 49149)); err != nil {
		t.Errorf("user-data within the limit should encode, got %v", err)
	}
}
