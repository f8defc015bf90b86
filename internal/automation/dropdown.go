package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// optionSelector matches the entries of an open dropdown panel.
const optionSelector = `[role="option"], [role="listbox"] [role="option"], li[role="menuitem"]`

// OptionNotFoundError reports a dropdown value that never appeared in the
// panel. It is non-fatal: the engine records the field as failed and
// moves on.
type OptionNotFoundError struct {
	Field string
	Value string
}

func (e *OptionNotFoundError) Error() string {
	return fmt.Sprintf("dropdown option %q not found for field %q", e.Value, e.Field)
}

// dropdownDriver runs the type-and-pick protocol: focus the control, type
// the wanted value, poll for the option panel, and click the best match.
// When the payload value never surfaces an option, the rule's fallback
// literal gets one more round before the field is declared failed.
//
// The host renders at most one open panel at a time, so the driver tracks
// the control it last opened and collapses it before opening the next one
// and before reporting a failure. A stale panel must never feed options
// into the match cascade for a different field.
type dropdownDriver struct {
	page     Page
	attempts int
	backoff  time.Duration
	log      *zap.Logger

	open Element // control whose panel is currently expanded
}

func newDropdownDriver(page Page, attempts int, backoff time.Duration, log *zap.Logger) *dropdownDriver {
	if attempts <= 0 {
		attempts = 5
	}
	if backoff <= 0 {
		backoff = 400 * time.Millisecond
	}
	return &dropdownDriver{page: page, attempts: attempts, backoff: backoff, log: log}
}

// Select fills a dropdown control. Returns the option text actually
// picked so callers can log divergences from the requested value.
func (d *dropdownDriver) Select(ctx context.Context, el Element, rule Rule, value string) (string, error) {
	d.closeOpen(ctx)

	if picked, err := d.typeAndPick(ctx, el, value); err == nil {
		d.open = nil // picking an option collapses the panel
		return picked, nil
	} else if ctx.Err() != nil {
		return "", err
	}

	if rule.Fallback != "" && rule.Fallback != value {
		d.log.Info("dropdown value missing, trying fallback",
			zap.String("field", rule.Field),
			zap.String("value", value),
			zap.String("fallback", rule.Fallback))
		if picked, err := d.typeAndPick(ctx, el, rule.Fallback); err == nil {
			d.open = nil
			return picked, nil
		}
	}
	d.closeOpen(ctx)
	return "", &OptionNotFoundError{Field: rule.Field, Value: value}
}

// closeOpen collapses whatever panel the driver left expanded. Dropdown
// controls toggle on click.
func (d *dropdownDriver) closeOpen(ctx context.Context) {
	if d.open == nil {
		return
	}
	if err := d.open.Click(ctx); err != nil {
		d.log.Debug("collapse open dropdown failed", zap.Error(err))
	}
	d.open = nil
}

func (d *dropdownDriver) typeAndPick(ctx context.Context, el Element, value string) (string, error) {
	if d.open != el {
		if err := el.Click(ctx); err != nil {
			return "", fmt.Errorf("open dropdown: %w", err)
		}
		d.open = el
	}
	if err := el.Clear(ctx); err == nil {
		// Typing narrows the panel on searchable dropdowns and is a
		// no-op on static ones.
		_ = el.Type(ctx, value)
	}
	panelSel := d.panelSelector(ctx, el)

	for attempt := 0; attempt < d.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d.backoff):
			}
		}
		options, err := d.page.Elements(ctx, panelSel)
		if err != nil || len(options) == 0 {
			continue
		}
		match, text, ok := bestOption(ctx, options, value)
		if !ok {
			continue
		}
		if err := match.Click(ctx); err != nil {
			return "", fmt.Errorf("pick option %q: %w", text, err)
		}
		return text, nil
	}
	return "", &OptionNotFoundError{Value: value}
}

// panelSelector scopes the option lookup to the panel the control declares
// through aria-controls. Without a declared relationship any visible
// option-list region serves.
func (d *dropdownDriver) panelSelector(ctx context.Context, el Element) string {
	id, err := el.Attribute(ctx, "aria-controls")
	if err != nil || id == "" {
		return optionSelector
	}
	parts := strings.Split(optionSelector, ", ")
	for i, p := range parts {
		parts[i] = "#" + id + " " + p
	}
	return strings.Join(parts, ", ")
}

// bestOption applies the matching cascade over the visible panel entries:
// exact, then case-insensitive, then whitespace-normalized, then
// substring. Each tier prefers the earliest option in panel order.
func bestOption(ctx context.Context, options []Element, value string) (Element, string, bool) {
	type candidate struct {
		el   Element
		text string
	}
	var visible []candidate
	for _, el := range options {
		if v, err := el.Visible(ctx); err != nil || !v {
			continue
		}
		text, err := el.Text(ctx)
		if err != nil {
			continue
		}
		visible = append(visible, candidate{el: el, text: strings.TrimSpace(text)})
	}
	if len(visible) == 0 {
		return nil, "", false
	}

	want := strings.TrimSpace(value)
	wantFold := strings.ToLower(want)
	wantNorm := normalizeSpace(wantFold)

	for _, c := range visible {
		if c.text == want {
			return c.el, c.text, true
		}
	}
	for _, c := range visible {
		if strings.ToLower(c.text) == wantFold {
			return c.el, c.text, true
		}
	}
	for _, c := range visible {
		if normalizeSpace(strings.ToLower(c.text)) == wantNorm {
			return c.el, c.text, true
		}
	}
	for _, c := range visible {
		if strings.Contains(normalizeSpace(strings.ToLower(c.text)), wantNorm) {
			return c.el, c.text, true
		}
	}
	return nil, "", false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
