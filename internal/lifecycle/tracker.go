// Package lifecycle owns the durable state machine and event log for
// posting attempts. Records move
// initiated → queued → processing → posting → verify → {completed|failed},
// with cancelled reachable from any non-terminal state. Retries never
// mutate a terminal record; they spawn a new one linked to the parent.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/models"
	"dealer-posting-engine/internal/notify"
	"dealer-posting-engine/internal/telemetry"
)

// ErrInvalidTransition is returned for status moves the machine forbids.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// ErrRetryNotAllowed is returned when retry preconditions fail.
var ErrRetryNotAllowed = errors.New("retry not allowed")

// RecordStore is the slice of the durable store the tracker needs.
type RecordStore interface {
	CreateRecord(ctx context.Context, r models.LifecycleRecord) error
	GetRecord(ctx context.Context, id string) (models.LifecycleRecord, error)
	UpdateRecord(ctx context.Context, r models.LifecycleRecord) error
	AppendEvent(ctx context.Context, e models.LifecycleEvent) error
	ListEvents(ctx context.Context, recordID string) ([]models.LifecycleEvent, error)
}

// statusRank orders the forward path; cancelled is handled separately.
var statusRank = map[string]int{
	models.StatusInitiated:  0,
	models.StatusQueued:     1,
	models.StatusProcessing: 2,
	models.StatusPosting:    3,
	models.StatusVerify:     4,
	models.StatusCompleted:  5,
	models.StatusFailed:     5,
}

// Tracker applies transitions and appends events.
type Tracker struct {
	store        RecordStore
	notifier     *notify.Notifier
	retryCeiling int
	log          *zap.Logger

	now func() time.Time
}

// New constructs a tracker. notifier may be nil.
func New(store RecordStore, notifier *notify.Notifier, retryCeiling int, log *zap.Logger) *Tracker {
	if retryCeiling <= 0 {
		retryCeiling = 3
	}
	return &Tracker{
		store:        store,
		notifier:     notifier,
		retryCeiling: retryCeiling,
		log:          log,
		now:          time.Now,
	}
}

// InitiateParams describe a fresh attempt.
type InitiateParams struct {
	AccountID     string
	VehicleID     string
	Method        string
	TriggerType   string
	Risk          AttemptContext
	AttemptNumber int
	ParentID      *string
}

// Initiate creates a new record in the initiated state, assesses risk, and
// emits the first event.
func (t *Tracker) Initiate(ctx context.Context, p InitiateParams) (models.LifecycleRecord, error) {
	if p.AttemptNumber < 1 {
		p.AttemptNumber = 1
	}
	p.Risk.AttemptNumber = p.AttemptNumber
	factors := AssessRisk(p.Risk)
	now := t.now().UTC()

	rec := models.LifecycleRecord{
		ID:             uuid.NewString(),
		AccountID:      p.AccountID,
		VehicleID:      p.VehicleID,
		Method:         p.Method,
		TriggerType:    p.TriggerType,
		Status:         models.StatusInitiated,
		Stage:          models.StatusInitiated,
		StageHistory:   []models.StageEntry{{Stage: models.StatusInitiated, Timestamp: now}},
		RiskLevel:      AggregateRisk(factors),
		RiskFactors:    factors,
		AttemptNumber:  p.AttemptNumber,
		ParentRecordID: p.ParentID,
		InitiatedAt:    now,
	}
	if err := t.store.CreateRecord(ctx, rec); err != nil {
		return models.LifecycleRecord{}, fmt.Errorf("create record: %w", err)
	}
	t.appendEvent(ctx, rec, models.EventInfo, "attempt initiated", map[string]any{
		"trigger": p.TriggerType,
		"method":  p.Method,
		"risk":    rec.RiskLevel,
	})
	return rec, nil
}

// Update describes a requested transition. Empty fields are left as-is.
type Update struct {
	Status  string
	Stage   string
	Message string
	Source  string
	Details map[string]any
}

// Apply transitions a record. Stage history grows only when the stage
// actually changes; queuedAt/processingAt stamp once on first entry;
// terminal entry stamps completedAt and computes duration in whole seconds
// from initiation.
func (t *Tracker) Apply(ctx context.Context, recordID string, u Update) (models.LifecycleRecord, error) {
	rec, err := t.store.GetRecord(ctx, recordID)
	if err != nil {
		return models.LifecycleRecord{}, fmt.Errorf("load record: %w", err)
	}

	now := t.now().UTC()
	statusChanged := false

	if u.Status != "" && u.Status != rec.Status {
		if err := validateTransition(rec.Status, u.Status); err != nil {
			return models.LifecycleRecord{}, err
		}
		rec.Status = u.Status
		statusChanged = true

		switch u.Status {
		case models.StatusQueued:
			if rec.QueuedAt == nil {
				rec.QueuedAt = &now
			}
		case models.StatusProcessing:
			if rec.ProcessingAt == nil {
				rec.ProcessingAt = &now
			}
		case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
			if rec.CompletedAt == nil {
				rec.CompletedAt = &now
				rec.Duration = int64(now.Sub(rec.InitiatedAt) / time.Second)
			}
		}
	}

	stage := u.Stage
	if stage == "" && statusChanged {
		stage = rec.Status
	}
	if stage != "" && stage != rec.Stage {
		rec.StageHistory = append(rec.StageHistory, models.StageEntry{
			Stage:         stage,
			Timestamp:     now,
			PreviousStage: rec.Stage,
		})
		rec.Stage = stage
	}

	if err := t.store.UpdateRecord(ctx, rec); err != nil {
		return models.LifecycleRecord{}, fmt.Errorf("persist record: %w", err)
	}

	if statusChanged {
		msg := u.Message
		if msg == "" {
			msg = "status changed to " + rec.Status
		}
		t.appendEventFrom(ctx, rec, models.EventStageChange, msg, u.Source, u.Details)

		switch rec.Status {
		case models.StatusCompleted:
			telemetry.AttemptsCompleted.Inc()
		case models.StatusFailed:
			telemetry.AttemptsFailed.Inc()
		}
		t.maybeAlert(ctx, rec, u.Message)
	} else if u.Message != "" {
		t.appendEventFrom(ctx, rec, models.EventInfo, u.Message, u.Source, u.Details)
	}

	return rec, nil
}

// Note appends an event without touching the record itself.
func (t *Tracker) Note(ctx context.Context, recordID, eventType, message, source string, details map[string]any) error {
	rec, err := t.store.GetRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	t.appendEventFrom(ctx, rec, eventType, message, source, details)
	return nil
}

// Get returns a record and its ordered events.
func (t *Tracker) Get(ctx context.Context, recordID string) (models.LifecycleRecord, []models.LifecycleEvent, error) {
	rec, err := t.store.GetRecord(ctx, recordID)
	if err != nil {
		return models.LifecycleRecord{}, nil, err
	}
	events, err := t.store.ListEvents(ctx, recordID)
	if err != nil {
		return models.LifecycleRecord{}, nil, err
	}
	return rec, events, nil
}

// Retry spawns a new record for a failed attempt. The parent keeps its
// terminal state; only its retry counter moves.
func (t *Tracker) Retry(ctx context.Context, recordID string, risk AttemptContext) (models.LifecycleRecord, error) {
	parent, err := t.store.GetRecord(ctx, recordID)
	if err != nil {
		return models.LifecycleRecord{}, fmt.Errorf("load record: %w", err)
	}
	if parent.Status != models.StatusFailed {
		return models.LifecycleRecord{}, fmt.Errorf("%w: record status is %s, want failed", ErrRetryNotAllowed, parent.Status)
	}
	if parent.RetryCount >= t.retryCeiling {
		return models.LifecycleRecord{}, fmt.Errorf("%w: retry ceiling %d reached", ErrRetryNotAllowed, t.retryCeiling)
	}

	child, err := t.Initiate(ctx, InitiateParams{
		AccountID:     parent.AccountID,
		VehicleID:     parent.VehicleID,
		Method:        parent.Method,
		TriggerType:   models.TriggerRetry,
		Risk:          risk,
		AttemptNumber: parent.AttemptNumber + 1,
		ParentID:      &parent.ID,
	})
	if err != nil {
		return models.LifecycleRecord{}, err
	}

	parent.RetryCount++
	if err := t.store.UpdateRecord(ctx, parent); err != nil {
		return models.LifecycleRecord{}, fmt.Errorf("bump parent retry count: %w", err)
	}
	t.appendEventFrom(ctx, parent, models.EventInfo, "retry spawned", "tracker", map[string]any{
		"child_record_id": child.ID,
		"attempt_number":  child.AttemptNumber,
	})
	return child, nil
}

// Cancel moves any non-terminal record to cancelled.
func (t *Tracker) Cancel(ctx context.Context, recordID, reason string) (models.LifecycleRecord, error) {
	return t.Apply(ctx, recordID, Update{
		Status:  models.StatusCancelled,
		Message: reason,
		Source:  "tracker",
	})
}

func validateTransition(from, to string) error {
	if models.IsTerminalStatus(from) {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == models.StatusCancelled {
		return nil
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	toRank, ok := statusRank[to]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if toRank <= fromRank {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func (t *Tracker) maybeAlert(ctx context.Context, rec models.LifecycleRecord, message string) {
	failed := rec.Status == models.StatusFailed
	risky := rec.RiskLevel == models.RiskHigh || rec.RiskLevel == models.RiskCritical
	if !failed && !risky {
		return
	}
	severity := rec.RiskLevel
	if failed && severity == models.RiskLow {
		severity = models.RiskMedium
	}
	t.notifier.Send(ctx, notify.Alert{
		Severity: severity,
		Summary:  fmt.Sprintf("posting attempt %s for vehicle %s: %s", rec.ID, rec.VehicleID, rec.Status),
		Details: map[string]any{
			"account_id":     rec.AccountID,
			"vehicle_id":     rec.VehicleID,
			"status":         rec.Status,
			"stage":          rec.Stage,
			"risk_level":     rec.RiskLevel,
			"attempt_number": rec.AttemptNumber,
			"message":        message,
		},
	})
}

func (t *Tracker) appendEvent(ctx context.Context, rec models.LifecycleRecord, eventType, message string, details map[string]any) {
	t.appendEventFrom(ctx, rec, eventType, message, "tracker", details)
}

func (t *Tracker) appendEventFrom(ctx context.Context, rec models.LifecycleRecord, eventType, message, source string, details map[string]any) {
	if source == "" {
		source = "tracker"
	}
	e := models.LifecycleEvent{
		ID:         uuid.NewString(),
		RecordID:   rec.ID,
		EventType:  eventType,
		Stage:      rec.Stage,
		Message:    message,
		Source:     source,
		Details:    details,
		RecordedAt: t.now().UTC(),
	}
	if err := t.store.AppendEvent(ctx, e); err != nil {
		t.log.Warn("append lifecycle event failed",
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}
}
