package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrFieldNotFound is returned when every location strategy ran dry.
var ErrFieldNotFound = errors.New("form control not found")

// controlSelector matches anything that can accept input for a field.
const controlSelector = `input, textarea, [role="combobox"], [contenteditable="true"]`

// labelSelector matches the text nodes the form uses as field captions.
const labelSelector = `label, span, div[aria-hidden="false"]`

// ancestorWalkDepth bounds the nearby-label climb.
const ancestorWalkDepth = 4

// Resolver locates form controls by visible label. Strategies run in a
// fixed order and the first visible hit wins: exact caption text, then
// aria-label, then the ancestor walk from a caption, then the remote
// service when one is configured.
type Resolver struct {
	page   Page
	remote *RemoteResolver
	log    *zap.Logger
}

// NewResolver builds a resolver. remote may be nil.
func NewResolver(page Page, remote *RemoteResolver, log *zap.Logger) *Resolver {
	return &Resolver{page: page, remote: remote, log: log}
}

// Locate finds the control for a rule. It tries each label alias through
// the full cascade before failing.
func (r *Resolver) Locate(ctx context.Context, rule Rule) (Element, error) {
	for _, label := range rule.Labels {
		if el, ok := r.byCaption(ctx, label); ok {
			return el, nil
		}
		if el, ok := r.byAriaLabel(ctx, label); ok {
			return el, nil
		}
		if el, ok := r.byAncestorWalk(ctx, label); ok {
			return el, nil
		}
	}
	if r.remote != nil {
		if el, ok := r.byRemote(ctx, rule); ok {
			return el, nil
		}
	}
	return nil, fmt.Errorf("%w: field %q", ErrFieldNotFound, rule.Field)
}

// byCaption matches a caption element whose text equals the label exactly
// and returns the nearest control under its enclosing container.
func (r *Resolver) byCaption(ctx context.Context, label string) (Element, bool) {
	captions, err := r.page.Elements(ctx, labelSelector)
	if err != nil {
		return nil, false
	}
	for _, c := range captions {
		text, err := c.Text(ctx)
		if err != nil || strings.TrimSpace(text) != label {
			continue
		}
		if el, ok := r.controlNear(ctx, c); ok {
			return el, true
		}
	}
	return nil, false
}

// byAriaLabel scans controls directly, exact aria-label first, then
// prefix/substring.
func (r *Resolver) byAriaLabel(ctx context.Context, label string) (Element, bool) {
	controls, err := r.page.Elements(ctx, controlSelector)
	if err != nil {
		return nil, false
	}
	var partial Element
	for _, el := range controls {
		aria, err := el.Attribute(ctx, "aria-label")
		if err != nil || aria == "" {
			continue
		}
		if visible, err := el.Visible(ctx); err != nil || !visible {
			continue
		}
		if aria == label {
			return el, true
		}
		if partial == nil && strings.Contains(strings.ToLower(aria), strings.ToLower(label)) {
			partial = el
		}
	}
	if partial != nil {
		return partial, true
	}
	return nil, false
}

// byAncestorWalk finds a caption containing the label text and climbs its
// ancestors looking for the first visible control descendant.
func (r *Resolver) byAncestorWalk(ctx context.Context, label string) (Element, bool) {
	captions, err := r.page.Elements(ctx, labelSelector)
	if err != nil {
		return nil, false
	}
	for _, c := range captions {
		text, err := c.Text(ctx)
		if err != nil || !strings.Contains(strings.TrimSpace(text), label) {
			continue
		}
		if el, ok := r.controlNear(ctx, c); ok {
			return el, true
		}
	}
	return nil, false
}

// controlNear climbs from a caption element up to ancestorWalkDepth
// levels, returning the first visible control found under an ancestor.
func (r *Resolver) controlNear(ctx context.Context, caption Element) (Element, bool) {
	node := caption
	for i := 0; i < ancestorWalkDepth; i++ {
		parent, ok, err := node.Parent(ctx)
		if err != nil || !ok {
			return nil, false
		}
		controls, err := parent.Find(ctx, controlSelector)
		if err == nil {
			for _, el := range controls {
				if visible, err := el.Visible(ctx); err == nil && visible {
					return el, true
				}
			}
		}
		node = parent
	}
	return nil, false
}

// byRemote asks the resolver service for a selector and takes the first
// visible match, falling back through the returned alternatives.
func (r *Resolver) byRemote(ctx context.Context, rule Rule) (Element, bool) {
	url, _ := r.page.URL(ctx)
	html, err := r.page.HTML(ctx)
	if err != nil {
		return nil, false
	}
	res, err := r.remote.Resolve(ctx, ResolveRequest{
		Description: fmt.Sprintf("%s control for the %q listing field", rule.Control, rule.Field),
		Excerpt:     truncate(html, 8192),
		URL:         url,
	})
	if err != nil {
		r.log.Debug("remote resolution failed",
			zap.String("field", rule.Field),
			zap.Error(err))
		return nil, false
	}
	for _, selector := range append([]string{res.Selector}, res.Alternatives...) {
		if selector == "" {
			continue
		}
		matches, err := r.page.Elements(ctx, selector)
		if err != nil {
			continue
		}
		for _, el := range matches {
			if visible, err := el.Visible(ctx); err == nil && visible {
				return el, true
			}
		}
	}
	return nil, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
