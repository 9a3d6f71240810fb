// Package render produces message bodies from named templates, with an
// optional layout wrapping the rendered content.
package render

import (
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
)

// ErrUnknownTemplate is returned when no template with the requested name
// has been registered. The pipeline treats it as "fall back to plain
// text".
var ErrUnknownTemplate = errors.New("unknown template")

// Renderer turns a template reference plus data into markup. An empty
// layout name renders the content template bare.
type Renderer interface {
	Render(templateName, layoutName string, data any) (string, error)
}

// Templates is an html/template-backed Renderer. Content templates see
// the message data directly; layout templates additionally receive the
// rendered content under .Content, pre-escaped.
type Templates struct {
	mu  sync.RWMutex
	set map[string]*template.Template
}

var _ Renderer = (*Templates)(nil)

// NewTemplates creates an empty template registry.
func NewTemplates() *Templates {
	return &Templates{set: make(map[string]*template.Template)}
}

// Add parses and registers a template under the given name, replacing any
// previous registration.
func (t *Templates) Add(name, text string) error {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	t.mu.Lock()
	t.set[name] = tmpl
	t.mu.Unlock()
	return nil
}

// Render executes the named content template against data, then wraps the
// result in the layout template when one is named. A missing content
// template returns ErrUnknownTemplate; a missing layout renders the
// content bare, so a stale layout setting does not discard the template.
func (t *Templates) Render(templateName, layoutName string, data any) (string, error) {
	t.mu.RLock()
	content, ok := t.set[templateName]
	var layout *template.Template
	if layoutName != "" {
		layout = t.set[layoutName]
	}
	t.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, templateName)
	}

	var body strings.Builder
	if err := content.Execute(&body, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", templateName, err)
	}
	if layout == nil {
		return body.String(), nil
	}

	var wrapped strings.Builder
	if err := layout.Execute(&wrapped, layoutData{Data: data, Content: template.HTML(body.String())}); err != nil {
		return "", fmt.Errorf("failed to render layout %s: %w", layoutName, err)
	}
	return wrapped.String(), nil
}

type layoutData struct {
	Data    any
	Content template.HTML
}

// TextToHTML converts a plain text body to markup by escaping it and
// replacing line breaks, the fallback used when no template resolves.
func TextToHTML(text string) string {
	escaped := template.HTMLEscapeString(text)
	return strings.Join(strings.Split(escaped, "\n"), "<br>\n")
}
