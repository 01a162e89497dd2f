package alerts

import (
	"bytes"
	"fmt"
	"sync"
	"text/template"

	"vigil/internal/models"
	"vigil/internal/rules"
)

const maxCachedTemplates = 512

// renderer caches parsed message templates keyed by their source text.
type renderer struct {
	mu    sync.Mutex
	cache map[string]*template.Template
}

func newRenderer() *renderer {
	return &renderer{cache: make(map[string]*template.Template)}
}

// render fills the rule's message template with event fields. A template
// that fails to parse or execute is returned verbatim.
func (r *renderer) render(rule *rules.Rule, e *models.Event) string {
	src := rule.MessageTemplate
	if src == "" {
		return defaultMessage(rule, e)
	}

	t, err := r.parse(src)
	if err != nil {
		return src
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, e.Fields()); err != nil {
		return src
	}
	return buf.String()
}

func (r *renderer) parse(src string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[src]; ok {
		return t, nil
	}
	t, err := template.New("message").Parse(src)
	if err != nil {
		return nil, err
	}
	if len(r.cache) >= maxCachedTemplates {
		r.cache = make(map[string]*template.Template)
	}
	r.cache[src] = t
	return t, nil
}

func defaultMessage(rule *rules.Rule, e *models.Event) string {
	model := e.Model
	if model == "" {
		model = "unknown model"
	}
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s %s (event %s)", rule.Name, model, e.Operation, e.ID)
	}
	return fmt.Sprintf("%s: %s (event %s)", rule.Name, model, e.ID)
}
