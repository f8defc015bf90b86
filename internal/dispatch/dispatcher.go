// Package dispatch turns an incoming posting request into a tracked,
// routed task. Every dispatch leaves an auditable lifecycle record, even
// when it aborts before any task exists.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/lifecycle"
	"dealer-posting-engine/internal/models"
	"dealer-posting-engine/internal/pattern"
	"dealer-posting-engine/internal/queue"
	"dealer-posting-engine/internal/session"
	"dealer-posting-engine/internal/telemetry"
)

// Dispatch outcome statuses returned to callers. These are results, not
// errors: a missing session is an expected operational state with a
// remediation path, and only infrastructure trouble surfaces as an error.
const (
	StatusOK          = "ok"
	StatusNoSession   = "no_session"
	StatusNoPattern   = "no_pattern_available"
	StatusRateLimited = "rate_limited"
	StatusError       = "dispatch_error"
)

// patternCategory is the workflow family vehicle listings draw from.
const patternCategory = "vehicle-listing"

// SessionResolver yields a usable credential bundle for an account.
type SessionResolver interface {
	Resolve(ctx context.Context, accountID string) (models.SessionBundle, error)
}

// PatternPicker chooses the automation workflow for an attempt.
type PatternPicker interface {
	Select(ctx context.Context, category, name string) (pattern.Selection, error)
}

// TaskStore persists posting tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t models.PostingTask) error
}

// TaskQueue pushes envelopes for the headless and stealth paths.
type TaskQueue interface {
	Push(ctx context.Context, env queue.Envelope) error
}

// AgentRunner accepts tasks for the in-process browser-agent path.
type AgentRunner interface {
	Submit(task models.PostingTask, bundle models.SessionBundle) error
}

// Limiter is the per-account dispatch rate limit.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Request is one posting dispatch.
type Request struct {
	AccountID   string                `json:"account_id"`
	VehicleID   string                `json:"vehicle_id"`
	Method      string                `json:"execution_method"`
	TriggerType string                `json:"trigger_type"`
	Priority    int                   `json:"priority"`
	PatternName string                `json:"pattern_name,omitempty"`
	Payload     models.VehiclePayload `json:"payload"`
}

// Result reports what the dispatcher did. Remediation is a short list of
// operator actions for non-ok statuses.
type Result struct {
	Status      string   `json:"status"`
	TaskID      string   `json:"task_id,omitempty"`
	RecordID    string   `json:"record_id,omitempty"`
	PatternID   string   `json:"pattern_id,omitempty"`
	PatternPath string   `json:"pattern_path,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Remediation []string `json:"remediation,omitempty"`
}

// Dispatcher validates, tracks, and routes posting requests.
type Dispatcher struct {
	sessions SessionResolver
	patterns PatternPicker
	tracker  *lifecycle.Tracker
	tasks    TaskStore
	queue    TaskQueue
	agent    AgentRunner
	limiter  Limiter
	log      *zap.Logger
}

// New wires a dispatcher. agent may be nil when the process hosts no
// in-process browser; browser-agent requests then fail with a
// remediation pointing at the agent service.
func New(sessions SessionResolver, patterns PatternPicker, tracker *lifecycle.Tracker, tasks TaskStore, q TaskQueue, agent AgentRunner, limiter Limiter, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		patterns: patterns,
		tracker:  tracker,
		tasks:    tasks,
		queue:    q,
		agent:    agent,
		limiter:  limiter,
		log:      log,
	}
}

// Dispatch runs the full pipeline: normalize, rate limit, resolve the
// session, pick a pattern, create the lifecycle record and task, and
// route by execution method. Returns an error only for infrastructure
// failures; everything else is a structured Result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	req.Payload.Normalize()
	if req.Method == "" {
		req.Method = models.MethodHeadlessWorker
	}
	if req.TriggerType == "" {
		req.TriggerType = models.TriggerManual
	}
	logger := d.log.With(
		zap.String("account_id", req.AccountID),
		zap.String("vehicle_id", req.VehicleID),
		zap.String("method", req.Method))

	if d.limiter != nil {
		allowed, tokens, err := d.limiter.Allow(ctx, "posting:rate:"+req.AccountID)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing dispatch", zap.Error(err))
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			telemetry.DispatchCounter.WithLabelValues(StatusRateLimited).Inc()
			logger.Info("dispatch rate limited", zap.Float64("tokens", tokens))
			return Result{
				Status: StatusRateLimited,
				Reason: "account posting rate exceeded",
				Remediation: []string{
					"wait for the per-account bucket to refill",
					"lower the posting cadence for this account",
				},
			}, nil
		}
	}

	// The record is created before session and pattern checks so aborted
	// dispatches stay auditable.
	rec, err := d.tracker.Initiate(ctx, lifecycle.InitiateParams{
		AccountID:   req.AccountID,
		VehicleID:   req.VehicleID,
		Method:      req.Method,
		TriggerType: req.TriggerType,
		Risk:        riskContext(req.Payload),
	})
	if err != nil {
		telemetry.DispatchCounter.WithLabelValues(StatusError).Inc()
		return Result{Status: StatusError}, fmt.Errorf("initiate record: %w", err)
	}
	logger = logger.With(zap.String("record_id", rec.ID))

	bundle, err := d.sessions.Resolve(ctx, req.AccountID)
	if err != nil {
		var invalid *session.InvalidError
		if errors.Is(err, session.ErrSessionMissing) || errors.As(err, &invalid) {
			d.abort(ctx, rec.ID, "no usable session: "+err.Error())
			telemetry.DispatchCounter.WithLabelValues(StatusNoSession).Inc()
			logger.Info("dispatch aborted, no session", zap.Error(err))
			return Result{
				Status:   StatusNoSession,
				RecordID: rec.ID,
				Reason:   err.Error(),
				Remediation: []string{
					"sign in to the marketplace in the capture browser",
					"run a session capture for this account",
					"verify the captured credentials cover the target domain",
				},
			}, nil
		}
		d.abort(ctx, rec.ID, "session lookup failed")
		telemetry.DispatchCounter.WithLabelValues(StatusError).Inc()
		return Result{Status: StatusError, RecordID: rec.ID}, fmt.Errorf("resolve session: %w", err)
	}

	sel, err := d.patterns.Select(ctx, patternCategory, req.PatternName)
	if err != nil {
		if errors.Is(err, pattern.ErrNoPatternAvailable) {
			d.abort(ctx, rec.ID, "no active automation pattern")
			telemetry.DispatchCounter.WithLabelValues(StatusNoPattern).Inc()
			logger.Info("dispatch aborted, no pattern")
			return Result{
				Status:   StatusNoPattern,
				RecordID: rec.ID,
				Reason:   "no active pattern matches the request",
				Remediation: []string{
					"activate at least one vehicle-listing pattern",
					"check that pattern names and categories are spelled as stored",
				},
			}, nil
		}
		d.abort(ctx, rec.ID, "pattern selection failed")
		telemetry.DispatchCounter.WithLabelValues(StatusError).Inc()
		return Result{Status: StatusError, RecordID: rec.ID}, fmt.Errorf("select pattern: %w", err)
	}

	task := models.PostingTask{
		ID:                uuid.NewString(),
		AccountID:         req.AccountID,
		VehicleID:         req.VehicleID,
		LifecycleRecordID: rec.ID,
		ExecutionMethod:   req.Method,
		Priority:          req.Priority,
		Payload:           req.Payload,
		PatternID:         sel.Pattern.ID,
		Status:            models.TaskQueued,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := d.tasks.CreateTask(ctx, task); err != nil {
		d.abort(ctx, rec.ID, "task persistence failed")
		telemetry.DispatchCounter.WithLabelValues(StatusError).Inc()
		return Result{Status: StatusError, RecordID: rec.ID}, fmt.Errorf("create task: %w", err)
	}

	if req.Method == models.MethodBrowserAgent {
		if d.agent == nil {
			d.abort(ctx, rec.ID, "no in-process browser agent available")
			telemetry.DispatchCounter.WithLabelValues(StatusError).Inc()
			return Result{
				Status:   StatusError,
				RecordID: rec.ID,
				TaskID:   task.ID,
				Reason:   "browser-agent routing requires the agent service",
				Remediation: []string{
					"start the agent service",
					"or dispatch with the headless-worker method",
				},
			}, nil
		}
		if err := d.agent.Submit(task, bundle); err != nil {
			d.abort(ctx, rec.ID, "agent submission failed")
			telemetry.DispatchCounter.WithLabelValues(StatusError).Inc()
			return Result{Status: StatusError, RecordID: rec.ID, TaskID: task.ID}, fmt.Errorf("submit to agent: %w", err)
		}
	} else {
		if err := d.queue.Push(ctx, queue.Envelope{
			TaskID:            task.ID,
			LifecycleRecordID: rec.ID,
			AccountID:         req.AccountID,
			VehicleID:         req.VehicleID,
			ExecutionMethod:   req.Method,
			Payload:           req.Payload,
			PatternID:         sel.Pattern.ID,
			SessionRef:        bundle.Fingerprint,
			Priority:          req.Priority,
		}); err != nil {
			d.abort(ctx, rec.ID, "queue push failed")
			telemetry.DispatchCounter.WithLabelValues(StatusError).Inc()
			return Result{Status: StatusError, RecordID: rec.ID, TaskID: task.ID}, fmt.Errorf("push envelope: %w", err)
		}
	}

	if _, err := d.tracker.Apply(ctx, rec.ID, lifecycle.Update{
		Status:  models.StatusQueued,
		Message: "routed to " + req.Method,
		Source:  "dispatcher",
		Details: map[string]any{
			"task_id":      task.ID,
			"pattern_id":   sel.Pattern.ID,
			"pattern_path": sel.Path,
		},
	}); err != nil {
		logger.Warn("record transition to queued failed", zap.Error(err))
	}

	telemetry.DispatchCounter.WithLabelValues(StatusOK).Inc()
	logger.Info("dispatch ok",
		zap.String("task_id", task.ID),
		zap.String("pattern_id", sel.Pattern.ID),
		zap.String("pattern_path", sel.Path))
	return Result{
		Status:      StatusOK,
		TaskID:      task.ID,
		RecordID:    rec.ID,
		PatternID:   sel.Pattern.ID,
		PatternPath: sel.Path,
	}, nil
}

// Retry re-dispatches a finished task through the lifecycle retry
// lineage: the parent record must be failed and under the retry ceiling,
// and the child attempt carries the same payload and routing.
func (d *Dispatcher) Retry(ctx context.Context, task models.PostingTask) (Result, error) {
	task.Payload.Normalize()
	child, err := d.tracker.Retry(ctx, task.LifecycleRecordID, riskContext(task.Payload))
	if err != nil {
		if errors.Is(err, lifecycle.ErrRetryNotAllowed) {
			telemetry.DispatchCounter.WithLabelValues(StatusError).Inc()
			return Result{
				Status: StatusError,
				Reason: err.Error(),
				Remediation: []string{
					"retries apply only to failed attempts under the retry ceiling",
				},
			}, nil
		}
		return Result{Status: StatusError}, fmt.Errorf("spawn retry record: %w", err)
	}

	bundle, err := d.sessions.Resolve(ctx, task.AccountID)
	if err != nil {
		d.abort(ctx, child.ID, "no usable session for retry: "+err.Error())
		telemetry.DispatchCounter.WithLabelValues(StatusNoSession).Inc()
		return Result{
			Status:   StatusNoSession,
			RecordID: child.ID,
			Reason:   err.Error(),
			Remediation: []string{
				"run a session capture for this account before retrying",
			},
		}, nil
	}

	newTask := models.PostingTask{
		ID:                uuid.NewString(),
		AccountID:         task.AccountID,
		VehicleID:         task.VehicleID,
		LifecycleRecordID: child.ID,
		ExecutionMethod:   task.ExecutionMethod,
		Priority:          task.Priority,
		Payload:           task.Payload,
		PatternID:         task.PatternID,
		Status:            models.TaskQueued,
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := d.tasks.CreateTask(ctx, newTask); err != nil {
		d.abort(ctx, child.ID, "task persistence failed")
		return Result{Status: StatusError, RecordID: child.ID}, fmt.Errorf("create retry task: %w", err)
	}
	if err := d.queue.Push(ctx, queue.Envelope{
		TaskID:            newTask.ID,
		LifecycleRecordID: child.ID,
		AccountID:         task.AccountID,
		VehicleID:         task.VehicleID,
		ExecutionMethod:   task.ExecutionMethod,
		Payload:           task.Payload,
		PatternID:         task.PatternID,
		SessionRef:        bundle.Fingerprint,
		Priority:          task.Priority,
	}); err != nil {
		d.abort(ctx, child.ID, "queue push failed")
		return Result{Status: StatusError, RecordID: child.ID, TaskID: newTask.ID}, fmt.Errorf("push retry envelope: %w", err)
	}
	if _, err := d.tracker.Apply(ctx, child.ID, lifecycle.Update{
		Status:  models.StatusQueued,
		Message: "retry routed to " + task.ExecutionMethod,
		Source:  "dispatcher",
		Details: map[string]any{"task_id": newTask.ID},
	}); err != nil {
		d.log.Warn("retry record transition failed", zap.Error(err))
	}
	telemetry.DispatchCounter.WithLabelValues(StatusOK).Inc()
	return Result{
		Status:    StatusOK,
		TaskID:    newTask.ID,
		RecordID:  child.ID,
		PatternID: task.PatternID,
	}, nil
}

// abort moves a freshly initiated record to failed with the reason; the
// record is the audit trail for the aborted dispatch.
func (d *Dispatcher) abort(ctx context.Context, recordID, reason string) {
	if _, err := d.tracker.Apply(ctx, recordID, lifecycle.Update{
		Status:  models.StatusFailed,
		Message: reason,
		Source:  "dispatcher",
	}); err != nil {
		d.log.Warn("abort transition failed",
			zap.String("record_id", recordID),
			zap.Error(err))
	}
}

func riskContext(p models.VehiclePayload) lifecycle.AttemptContext {
	_, hasPrice := p.Field(models.FieldPrice)
	_, hasDesc := p.Field(models.FieldDescription)
	return lifecycle.AttemptContext{
		HasMedia:       len(p.Photos) > 0,
		HasPrice:       hasPrice,
		HasDescription: hasDesc,
	}
}
