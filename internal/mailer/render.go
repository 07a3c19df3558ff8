package mailer

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/rangeops/rangehub/internal/domain"
)

// TemplateSource loads a named, enabled template.
type TemplateSource interface {
	GetTemplate(ctx context.Context, name string) (*domain.EmailTemplate, error)
}

// Renderer turns a template plus variable map into a ready-to-send message.
// Substitution is plain text replacement of {{key}} and {{ key }}; there is
// no template language, no conditionals, no escaping.
type Renderer struct {
	templates TemplateSource
}

// NewRenderer creates a renderer over a template source.
func NewRenderer(templates TemplateSource) *Renderer {
	return &Renderer{templates: templates}
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render loads templateName and substitutes vars into subject and both
// bodies. Placeholders without a matching variable stay in the output and
// are logged, never erased.
func (r *Renderer) Render(ctx context.Context, templateName string, vars map[string]string) (*Message, error) {
	tpl, err := r.templates.GetTemplate(ctx, templateName)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", templateName, err)
	}
	if tpl == nil {
		return nil, fmt.Errorf("%w: template %q not found or disabled", domain.ErrValidation, templateName)
	}

	msg := &Message{
		Subject:  Substitute(tpl.Subject, vars),
		TextBody: Substitute(tpl.BodyText, vars),
		HTMLBody: Substitute(tpl.BodyHTML, vars),
	}

	for _, unresolved := range unresolvedPlaceholders(msg.Subject + "\n" + msg.TextBody + "\n" + msg.HTMLBody) {
		log.Printf("[Renderer] Template %s: unresolved placeholder {{%s}}", templateName, unresolved)
	}
	return msg, nil
}

// Substitute replaces every {{key}} and {{ key }} occurrence with its
// value. Unknown keys are left intact.
func Substitute(template string, vars map[string]string) string {
	result := template
	for key, value := range vars {
		result = strings.ReplaceAll(result, fmt.Sprintf("{{ %s }}", key), value)
		result = strings.ReplaceAll(result, fmt.Sprintf("{{%s}}", key), value)
	}
	return result
}

func unresolvedPlaceholders(rendered string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(rendered, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
