package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealer-posting-engine/internal/config"
	"dealer-posting-engine/internal/models"
	"dealer-posting-engine/internal/telemetry"
)

// ErrPublishControlNotFound means neither a publish button nor a forward
// step was reachable before the search timeout.
var ErrPublishControlNotFound = errors.New("publish control not found")

const (
	publishLabel      = "Publish"
	advanceLabel      = "Next"
	buttonSelector    = `[role="button"], button`
	fileInputSelector = `input[type="file"]`
)

// FieldFailure records one field the engine could not fill.
type FieldFailure struct {
	Field    string `json:"field"`
	Reason   string `json:"reason"`
	Critical bool   `json:"critical"`
}

// Outcome summarizes one engine run. Success requires that no critical
// field failed and that at least the configured minimum of fields were
// actually filled.
type Outcome struct {
	FilledFields   []string       `json:"filled_fields"`
	FailedFields   []FieldFailure `json:"failed_fields,omitempty"`
	PhotosAttached int            `json:"photos_attached"`
	Published      bool           `json:"published"`
	Success        bool           `json:"success"`
}

// Engine fills and publishes one listing form.
type Engine struct {
	page     Page
	resolver *Resolver
	dropdown *dropdownDriver
	cfg      config.Config
	log      *zap.Logger
}

// NewEngine wires an engine over a page. remote may be nil.
func NewEngine(page Page, remote *RemoteResolver, cfg config.Config, log *zap.Logger) *Engine {
	return &Engine{
		page:     page,
		resolver: NewResolver(page, remote, log),
		dropdown: newDropdownDriver(page, cfg.DropdownPollAttempts, cfg.DropdownPollBackoff, log),
		cfg:      cfg,
		log:      log,
	}
}

// Run drives a full posting attempt: open the form, fill every rule the
// payload has a value for, attach photos, and publish. Field-level
// problems are collected, not returned; only environment failures
// (navigation, publish, context) surface as errors.
func (e *Engine) Run(ctx context.Context, payload models.VehiclePayload, photoPaths []string) (Outcome, error) {
	var out Outcome

	if err := e.page.Navigate(ctx, e.cfg.CreateFormURL); err != nil {
		return out, fmt.Errorf("open listing form: %w", err)
	}

	for _, rule := range Rules {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		value, ok := payload.Field(rule.Field)
		if !ok || value == "" {
			// The fallback table covers fields the caller left unset;
			// only fields with neither a value nor a default fail here.
			if rule.Fallback == "" {
				if rule.Critical {
					out.FailedFields = append(out.FailedFields, FieldFailure{
						Field:    rule.Field,
						Reason:   "no value in payload",
						Critical: true,
					})
				}
				continue
			}
			value = rule.Fallback
			e.log.Debug("payload value absent, filling default",
				zap.String("field", rule.Field),
				zap.String("default", value))
		}
		if err := e.fillField(ctx, rule, value); err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			telemetry.FieldFailures.Inc()
			out.FailedFields = append(out.FailedFields, FieldFailure{
				Field:    rule.Field,
				Reason:   err.Error(),
				Critical: rule.Critical,
			})
			e.log.Warn("field fill failed",
				zap.String("field", rule.Field),
				zap.Error(err))
			continue
		}
		out.FilledFields = append(out.FilledFields, rule.Field)
	}

	if len(photoPaths) > 0 {
		n, err := e.attachPhotos(ctx, photoPaths)
		out.PhotosAttached = n
		if err != nil {
			e.log.Warn("photo attachment incomplete",
				zap.Int("attached", n),
				zap.Int("wanted", len(photoPaths)),
				zap.Error(err))
		}
	}

	if !e.outcomeViable(out) {
		out.Success = false
		return out, nil
	}

	if err := e.publish(ctx); err != nil {
		return out, fmt.Errorf("publish listing: %w", err)
	}
	out.Published = true
	out.Success = true
	return out, nil
}

// outcomeViable applies the success rule prior to publishing: publishing
// a form with a failed critical field or too few fields only creates a
// broken listing.
func (e *Engine) outcomeViable(out Outcome) bool {
	for _, f := range out.FailedFields {
		if f.Critical {
			return false
		}
	}
	min := e.cfg.MinFieldsForSuccess
	if min <= 0 {
		min = 1
	}
	return len(out.FilledFields) >= min
}

func (e *Engine) fillField(ctx context.Context, rule Rule, value string) error {
	el, err := e.resolver.Locate(ctx, rule)
	if err != nil {
		return err
	}

	switch rule.Control {
	case ControlDropdown:
		picked, err := e.dropdown.Select(ctx, el, rule, value)
		if err != nil {
			return err
		}
		if picked != value {
			e.log.Debug("dropdown resolved to near match",
				zap.String("field", rule.Field),
				zap.String("wanted", value),
				zap.String("picked", picked))
		}
		return nil
	case ControlTypeahead:
		// Typeaheads behave like dropdowns but the panel only exists
		// after typing, which Select already does.
		_, err := e.dropdown.Select(ctx, el, rule, value)
		return err
	default:
		if err := el.Click(ctx); err != nil {
			return fmt.Errorf("focus control: %w", err)
		}
		if err := el.Clear(ctx); err != nil {
			return fmt.Errorf("clear control: %w", err)
		}
		if err := el.Type(ctx, value); err != nil {
			return fmt.Errorf("type value: %w", err)
		}
		return nil
	}
}

// attachPhotos sets the file input, retrying the whole batch a bounded
// number of times. Returns how many photos were handed to the form.
func (e *Engine) attachPhotos(ctx context.Context, paths []string) (int, error) {
	retries := e.cfg.UploadRetries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		inputs, err := e.page.Elements(ctx, fileInputSelector)
		if err != nil || len(inputs) == 0 {
			lastErr = fmt.Errorf("file input not found")
			continue
		}
		if err := inputs[0].SetFiles(ctx, paths); err != nil {
			lastErr = fmt.Errorf("set files: %w", err)
			continue
		}
		return len(paths), nil
	}
	return 0, lastErr
}

// publish clicks the publish button, advancing through intermediate
// "Next" steps when the form is paginated. The whole search is bounded
// by the configured timeout.
func (e *Engine) publish(ctx context.Context) error {
	deadline := time.Now().Add(e.cfg.PublishSearchTimeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if btn, ok := e.buttonByLabel(ctx, publishLabel); ok {
			if err := btn.Click(ctx); err != nil {
				return fmt.Errorf("click publish: %w", err)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return ErrPublishControlNotFound
		}
		if btn, ok := e.buttonByLabel(ctx, advanceLabel); ok {
			if err := btn.Click(ctx); err != nil {
				return fmt.Errorf("advance form: %w", err)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// buttonByLabel finds the first visible button whose text equals label.
func (e *Engine) buttonByLabel(ctx context.Context, label string) (Element, bool) {
	buttons, err := e.page.Elements(ctx, buttonSelector)
	if err != nil {
		return nil, false
	}
	for _, b := range buttons {
		if v, err := b.Visible(ctx); err != nil || !v {
			continue
		}
		text, err := b.Text(ctx)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) == label {
			return b, true
		}
	}
	return nil, false
}
