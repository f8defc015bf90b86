// Package agent hosts the in-process browser execution path. One actor
// goroutine owns the browser; everything else talks to it through typed
// messages, so there is never concurrent access to the page.
package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dealer-posting-engine/internal/automation"
	"dealer-posting-engine/internal/lifecycle"
	"dealer-posting-engine/internal/models"
)

// ErrAgentBusy is returned when the mailbox is full.
var ErrAgentBusy = errors.New("agent mailbox full")

// ErrAgentStopped is returned for submissions after shutdown.
var ErrAgentStopped = errors.New("agent stopped")

// Executor runs one posting attempt in the hosted browser.
type Executor interface {
	Execute(ctx context.Context, task models.PostingTask, bundle models.SessionBundle) (automation.Outcome, error)
}

// OutcomeSink records pattern win/loss after each attempt.
type OutcomeSink interface {
	ReportOutcome(ctx context.Context, patternID string, success bool) error
}

// message is the actor's tagged union. Exactly one variant per concrete
// type; the actor switches on it.
type message interface{ isMessage() }

type submitMsg struct {
	task   models.PostingTask
	bundle models.SessionBundle
}

type cancelMsg struct {
	taskID string
}

type statusMsg struct {
	reply chan Status
}

type attemptDoneMsg struct {
	taskID  string
	success bool
}

func (submitMsg) isMessage()      {}
func (cancelMsg) isMessage()      {}
func (statusMsg) isMessage()      {}
func (attemptDoneMsg) isMessage() {}

// Status is a point-in-time snapshot of the actor.
type Status struct {
	Processing    bool   `json:"processing"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	QueuedTasks   int    `json:"queued_tasks"`
	Completed     int64  `json:"completed"`
	Failed        int64  `json:"failed"`
}

// Host is the actor front. Submit/Cancel/Status are safe from any
// goroutine; all state lives inside Run.
type Host struct {
	mailbox  chan message
	executor Executor
	tracker  *lifecycle.Tracker
	outcomes OutcomeSink
	log      *zap.Logger
	stopped  chan struct{}
}

// New builds a host with a bounded mailbox.
func New(executor Executor, tracker *lifecycle.Tracker, outcomes OutcomeSink, mailboxSize int, log *zap.Logger) *Host {
	if mailboxSize <= 0 {
		mailboxSize = 16
	}
	return &Host{
		mailbox:  make(chan message, mailboxSize),
		executor: executor,
		tracker:  tracker,
		outcomes: outcomes,
		log:      log,
		stopped:  make(chan struct{}),
	}
}

// Submit hands a task to the actor. Never blocks: a full mailbox is an
// immediate ErrAgentBusy so the dispatcher can fail the dispatch fast.
func (h *Host) Submit(task models.PostingTask, bundle models.SessionBundle) error {
	select {
	case <-h.stopped:
		return ErrAgentStopped
	default:
	}
	select {
	case h.mailbox <- submitMsg{task: task, bundle: bundle}:
		return nil
	default:
		return ErrAgentBusy
	}
}

// Cancel asks the actor to drop a queued task or abort the running one.
func (h *Host) Cancel(taskID string) error {
	select {
	case <-h.stopped:
		return ErrAgentStopped
	case h.mailbox <- cancelMsg{taskID: taskID}:
		return nil
	}
}

// Status snapshots the actor state.
func (h *Host) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case <-h.stopped:
		return Status{}, ErrAgentStopped
	case h.mailbox <- statusMsg{reply: reply}:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Run is the actor loop. It owns all mutable state: the pending queue,
// the processing flag, and the current attempt's cancel func. Returns
// when ctx ends, after cancelling any running attempt.
func (h *Host) Run(ctx context.Context) error {
	defer close(h.stopped)

	var (
		pending       []submitMsg
		processing    bool
		currentTaskID string
		cancelCurrent context.CancelFunc
		completed     int64
		failed        int64
	)

	startNext := func() {
		if processing || len(pending) == 0 {
			return
		}
		next := pending[0]
		pending = pending[1:]
		processing = true
		currentTaskID = next.task.ID

		attemptCtx, cancel := context.WithCancel(ctx)
		cancelCurrent = cancel
		go func(m submitMsg) {
			defer cancel()
			ok := h.runAttempt(attemptCtx, m.task, m.bundle)
			select {
			case h.mailbox <- attemptDoneMsg{taskID: m.task.ID, success: ok}:
			case <-ctx.Done():
			}
		}(next)
	}

	for {
		select {
		case <-ctx.Done():
			if cancelCurrent != nil {
				cancelCurrent()
			}
			return ctx.Err()
		case msg := <-h.mailbox:
			switch m := msg.(type) {
			case submitMsg:
				pending = append(pending, m)
				startNext()
			case cancelMsg:
				if processing && m.taskID == currentTaskID {
					cancelCurrent()
					break
				}
				for i, p := range pending {
					if p.task.ID == m.taskID {
						pending = append(pending[:i], pending[i+1:]...)
						if _, err := h.tracker.Cancel(ctx, p.task.LifecycleRecordID, "cancelled before execution"); err != nil {
							h.log.Warn("cancel transition failed",
								zap.String("task_id", m.taskID),
								zap.Error(err))
						}
						break
					}
				}
			case statusMsg:
				m.reply <- Status{
					Processing:    processing,
					CurrentTaskID: currentTaskID,
					QueuedTasks:   len(pending),
					Completed:     completed,
					Failed:        failed,
				}
			case attemptDoneMsg:
				processing = false
				currentTaskID = ""
				cancelCurrent = nil
				if m.success {
					completed++
				} else {
					failed++
				}
				startNext()
			}
		}
	}
}

// runAttempt drives one task through the executor and records the
// lifecycle and pattern outcome. Returns whether the attempt succeeded.
func (h *Host) runAttempt(ctx context.Context, task models.PostingTask, bundle models.SessionBundle) bool {
	logger := h.log.With(
		zap.String("task_id", task.ID),
		zap.String("record_id", task.LifecycleRecordID))

	if _, err := h.tracker.Apply(ctx, task.LifecycleRecordID, lifecycle.Update{
		Status: models.StatusProcessing,
		Source: "agent",
	}); err != nil {
		logger.Warn("processing transition failed", zap.Error(err))
	}

	outcome, err := h.executor.Execute(ctx, task, bundle)
	success := err == nil && outcome.Success

	if h.outcomes != nil && task.PatternID != "" {
		if repErr := h.outcomes.ReportOutcome(ctx, task.PatternID, success); repErr != nil {
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
	if _, err := h.tracker.Apply(ctx, task.LifecycleRecordID, lifecycle.Update{
		Status:  status,
		Message: msg,
		Source:  "agent",
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
