package cloud

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/rangeops/rangehub/internal/domain"
	"github.com/rangeops/rangehub/internal/pkg/logger"
)

// MaxUserDataBytes is the provider-side ceiling on encoded user-data.
const MaxUserDataBytes = 65535

var userDataPlaceholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// RenderUserData substitutes vars into a cloud-init template. Unresolved
// placeholders stay in the output and are logged so a typo in a template
// shows up before the instance boots with a literal {{name}} in a file.
func RenderUserData(template string, vars map[string]string) string {
	rendered := template
	for key, value := range vars {
		rendered = strings.ReplaceAll(rendered, fmt.Sprintf("{{ %s }}", key), value)
		rendered = strings.ReplaceAll(rendered, fmt.Sprintf("{{%s}}", key), value)
	}

	seen := make(map[string]bool)
	for _, m := range userDataPlaceholder.FindAllStringSubmatch(rendered, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		logger.Warn("cloud-init placeholder unresolved", "placeholder", m[1])
	}
	return rendered
}

// EncodeUserData base64-encodes rendered user-data for providers whose
// API requires it. The encoded form must fit the provider field limit.
func EncodeUserData(rendered string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(rendered))
	if len(encoded) > MaxUserDataBytes {
		return "", fmt.Errorf("%w: encoded user-data is %d bytes, limit is %d",
			domain.ErrValidation, len(encoded), MaxUserDataBytes)
	}
	return encoded, nil
}
