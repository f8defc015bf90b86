// Package worker consumes the durable queue and executes posting tasks in
// a headless browser. Visibility is lease-based: a worker that dies
// mid-task loses its lease and the task becomes claimable again.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dealer-posting-engine/internal/automation"
	"dealer-posting-engine/internal/config"
	"dealer-posting-engine/internal/lifecycle"
	"dealer-posting-engine/internal/models"
	"dealer-posting-engine/internal/queue"
	"dealer-posting-engine/internal/session"
	"dealer-posting-engine/internal/telemetry"
)

// Executor runs one claimed task.
type Executor interface {
	Execute(ctx context.Context, task models.PostingTask, bundle models.SessionBundle) (automation.Outcome, error)
}

// SessionResolver yields a usable credential bundle at execution time;
// bundles can expire while a task waits on the queue.
type SessionResolver interface {
	Resolve(ctx context.Context, accountID string) (models.SessionBundle, error)
}

// OutcomeSink records pattern win/loss.
type OutcomeSink interface {
	ReportOutcome(ctx context.Context, patternID string, success bool) error
}

// TaskStore updates task status as ownership moves.
type TaskStore interface {
	UpdateTaskStatus(ctx context.Context, id, status string) error
}

// Processor is one worker process: a claim loop plus the liveness and
// lease housekeeping around it.
type Processor struct {
	id       string
	method   string
	queue    *queue.RedisQueue
	executor Executor
	sessions SessionResolver
	tracker  *lifecycle.Tracker
	outcomes OutcomeSink
	tasks    TaskStore
	cfg      config.Config
	log      *zap.Logger

	status queue.WorkerStatus
}

// New builds a processor for the given execution method.
func New(method string, q *queue.RedisQueue, executor Executor, sessions SessionResolver, tracker *lifecycle.Tracker, outcomes OutcomeSink, tasks TaskStore, cfg config.Config, log *zap.Logger) *Processor {
	id := fmt.Sprintf("%s-%s", method, uuid.NewString()[:8])
	return &Processor{
		id:       id,
		method:   method,
		queue:    q,
		executor: executor,
		sessions: sessions,
		tracker:  tracker,
		outcomes: outcomes,
		tasks:    tasks,
		cfg:      cfg,
		log:      log.With(zap.String("worker_id", id)),
	}
}

// Run registers the worker and drives the claim loop, the heartbeat
// ticker, and the expired-lease sweep until ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	p.status = queue.WorkerStatus{
		WorkerID:      p.id,
		Method:        p.method,
		StartedAt:     time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}
	if err := p.queue.RegisterWorker(ctx, p.status); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.queue.UnregisterWorker(cleanupCtx, p.id); err != nil {
			p.log.Warn("unregister failed", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.claimLoop(gctx) })
	g.Go(func() error { return p.heartbeatLoop(gctx) })
	g.Go(func() error { return p.sweepLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) claimLoop(ctx context.Context) error {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := p.queue.Claim(ctx)
		if err != nil {
			p.log.Warn("claim failed", zap.Error(err))
			if err := sleep(ctx, interval); err != nil {
				return err
			}
			continue
		}
		if env == nil {
			if err := sleep(ctx, interval); err != nil {
				return err
			}
			continue
		}

		p.process(ctx, env)

		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

// process owns one claimed envelope from lease to ack. The lease is
// extended by a ticker for the duration of the attempt.
func (p *Processor) process(ctx context.Context, env *queue.Envelope) {
	logger := p.log.With(
		zap.String("task_id", env.TaskID),
		zap.String("record_id", env.LifecycleRecordID))
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.tasks.UpdateTaskStatus(ctx, env.TaskID, models.TaskClaimed); err != nil {
		logger.Warn("task claim status update failed", zap.Error(err))
	}
	if _, err := p.tracker.Apply(ctx, env.LifecycleRecordID, lifecycle.Update{
		Status: models.StatusProcessing,
		Source: p.id,
	}); err != nil {
		logger.Warn("processing transition failed", zap.Error(err))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.VisibilityTimeout)
	defer cancel()
	stopLease := p.keepLeaseAlive(attemptCtx, env.TaskID)
	defer stopLease()

	success := p.attempt(attemptCtx, env, logger)

	if err := p.queue.Ack(ctx, env.TaskID); err != nil {
		logger.Warn("ack failed", zap.Error(err))
	}
	taskStatus := models.TaskFailed
	if success {
		taskStatus = models.TaskCompleted
		p.status.TasksProcessed++
	} else {
		p.status.TasksFailed++
	}
	if err := p.tasks.UpdateTaskStatus(ctx, env.TaskID, taskStatus); err != nil {
		logger.Warn("task status update failed", zap.Error(err))
	}
}

func (p *Processor) attempt(ctx context.Context, env *queue.Envelope, logger *zap.Logger) bool {
	bundle, err := p.sessions.Resolve(ctx, env.AccountID)
	if err != nil {
		var invalid *session.InvalidError
		reason := "session lookup failed"
		if errors.Is(err, session.ErrSessionMissing) || errors.As(err, &invalid) {
			reason = "session unusable at execution time: " + err.Error()
		}
		p.fail(ctx, env, reason, logger)
		return false
	}

	task := models.PostingTask{
		ID:                env.TaskID,
		AccountID:         env.AccountID,
		VehicleID:         env.VehicleID,
		LifecycleRecordID: env.LifecycleRecordID,
		ExecutionMethod:   env.ExecutionMethod,
		Priority:          env.Priority,
		Payload:           env.Payload,
		PatternID:         env.PatternID,
	}

	outcome, err := p.executor.Execute(ctx, task, bundle)
	success := err == nil && outcome.Success

	if p.outcomes != nil && env.PatternID != "" {
		if repErr := p.outcomes.ReportOutcome(ctx, env.PatternID, success); repErr != nil {
			logger.Warn("pattern outcome report failed", zap.Error(repErr))
		}
	}

	status := models.StatusFailed
	msg := "attempt failed"
	switch {
	case err != nil:
		msg = fmt.Sprintf("attempt failed: %v", err)
	case success:
		status = models.StatusCompleted
		msg = fmt.Sprintf("listing published, %d fields filled", len(outcome.FilledFields))
	default:
		msg = fmt.Sprintf("attempt unviable, %d fields filled, %d failed",
			len(outcome.FilledFields), len(outcome.FailedFields))
	}
	if _, err := p.tracker.Apply(ctx, env.LifecycleRecordID, lifecycle.Update{
		Status:  status,
		Message: msg,
		Source:  p.id,
		Details: map[string]any{
			"filled_fields":   outcome.FilledFields,
			"failed_fields":   outcome.FailedFields,
			"photos_attached": outcome.PhotosAttached,
			"published":       outcome.Published,
		},
	}); err != nil {
		logger.Warn("terminal transition failed", zap.Error(err))
	}
	logger.Info("attempt finished", zap.Bool("success", success))
	return success
}

func (p *Processor) fail(ctx context.Context, env *queue.Envelope, reason string, logger *zap.Logger) {
	if _, err := p.tracker.Apply(ctx, env.LifecycleRecordID, lifecycle.Update{
		Status:  models.StatusFailed,
		Message: reason,
		Source:  p.id,
	}); err != nil {
		logger.Warn("failure transition failed", zap.Error(err))
	}
}

// keepLeaseAlive extends the claim lease at half the visibility window
// until the returned stop func runs.
func (p *Processor) keepLeaseAlive(ctx context.Context, taskID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, taskID, p.cfg.VisibilityTimeout); err != nil {
					p.log.Warn("lease extension failed",
						zap.String("task_id", taskID),
						zap.Error(err))
				}
			}
		}
	}()
	return func() { close(done) }
}

// heartbeatLoop refreshes the worker's liveness record. Failures are
// logged and ignored; heartbeats never interrupt task processing.
func (p *Processor) heartbeatLoop(ctx context.Context) error {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, p.status); err != nil {
				p.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// sweepLoop returns expired leases to the ready set so tasks abandoned by
// dead workers get picked up again.
func (p *Processor) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.VisibilityTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ids, err := p.queue.RequeueExpired(ctx, time.Now(), 100)
			if err != nil {
				p.log.Warn("lease sweep failed", zap.Error(err))
				continue
			}
			if len(ids) > 0 {
				p.log.Info("requeued expired leases", zap.Int("count", len(ids)))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
