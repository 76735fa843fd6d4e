// Package render compiles stored email templates and substitutes
// caller-supplied variables into them.
//
// Placeholders use the {{ name }} form. A double-brace placeholder is HTML
// escaped in the html part, a triple-brace placeholder ({{{ name }}}) is
// inserted verbatim. Dotted names walk nested maps. A variable missing from
// the render call renders as the empty string; use ValidateVariables first
// when that is not acceptable.
package render

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"sync"
	texttemplate "text/template"

	"go.uber.org/zap"

	"PulseDispatch/internal/models"
)

// Store is the read side of the template document store.
type Store interface {
	FindActiveTemplate(ctx context.Context, id string) (*models.Template, bool, error)
}

// Content is the output of a render call.
type Content struct {
	HTML string
	// Text is empty when the template has no plain-text part.
	Text string
}

type compiled struct {
	html      *htmltemplate.Template
	text      *texttemplate.Template
	variables []string
}

type Renderer struct {
	store Store
	log   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*compiled
}

func New(store Store, log *zap.Logger) *Renderer {
	return &Renderer{
		store: store,
		log:   log,
		cache: make(map[string]*compiled),
	}
}

// Render produces the html (and text, when present) for the template.
func (r *Renderer) Render(ctx context.Context, templateID string, variables map[string]any) (Content, error) {
	c, err := r.load(ctx, templateID)
	if err != nil {
		return Content{}, err
	}

	if variables == nil {
		variables = map[string]any{}
	}

	var out Content

	var html bytes.Buffer
	if err := c.html.Execute(&html, variables); err != nil {
		r.log.Error("failed to render template",
			zap.String("template_id", templateID),
			zap.Error(err),
		)
		return Content{}, fmt.Errorf("%w: %s: %w", ErrRenderFailed, templateID, err)
	}
	out.HTML = html.String()

	if c.text != nil {
		var text bytes.Buffer
		if err := c.text.Execute(&text, variables); err != nil {
			return Content{}, fmt.Errorf("%w: %s: %w", ErrRenderFailed, templateID, err)
		}
		out.Text = text.String()
	}

	return out, nil
}

// ValidateVariables fails with *MissingVariablesError when any declared
// template variable is absent from variables. Extra variables are ignored.
func (r *Renderer) ValidateVariables(ctx context.Context, templateID string, variables map[string]any) error {
	c, err := r.load(ctx, templateID)
	if err != nil {
		return err
	}

	var missing []string
	for _, name := range c.variables {
		if _, ok := variables[name]; !ok {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return &MissingVariablesError{TemplateID: templateID, Names: missing}
	}

	return nil
}

// Invalidate drops the compiled form of one template. It must be called
// whenever the stored template content changes.
func (r *Renderer) Invalidate(templateID string) {
	r.mu.Lock()
	delete(r.cache, templateID)
	r.mu.Unlock()
}

// InvalidateAll empties the compiled-template cache.
func (r *Renderer) InvalidateAll() {
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
}

func (r *Renderer) load(ctx context.Context, templateID string) (*compiled, error) {
	r.mu.RLock()
	c, ok := r.cache[templateID]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	tmpl, found, err := r.store.FindActiveTemplate(ctx, templateID)
	if err != nil {
		r.log.Error("failed to get template",
			zap.String("template_id", templateID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("get template %s: %w", templateID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}

	c, err = compile(tmpl)
	if err != nil {
		return nil, err
	}

	// Two concurrent misses may both compile; the last insert wins.
	r.mu.Lock()
	r.cache[templateID] = c
	r.mu.Unlock()

	return c, nil
}

func compile(tmpl *models.Template) (*compiled, error) {
	html, err := htmltemplate.New(tmpl.ID).
		Delims(leftDelim, rightDelim).
		Funcs(htmltemplate.FuncMap{"lookup": lookup, "raw": rawHTML, "markup": markup}).
		Parse(keepComments(rewrite(tmpl.Content.HTML)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCompileFailed, tmpl.ID, err)
	}

	c := &compiled{
		html:      html,
		variables: tmpl.Variables,
	}

	// Fall back to extraction for documents written without the variables field.
	if len(c.variables) == 0 {
		c.variables = ExtractVariables(tmpl.Content.HTML)
	}

	if tmpl.Content.Text != "" {
		text, err := texttemplate.New(tmpl.ID).
			Delims(leftDelim, rightDelim).
			Funcs(texttemplate.FuncMap{"lookup": lookup, "raw": lookup}).
			Parse(rewrite(tmpl.Content.Text))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCompileFailed, tmpl.ID, err)
		}
		c.text = text
	}

	return c, nil
}
