package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/automation"
	"dealer-posting-engine/internal/lifecycle"
	"dealer-posting-engine/internal/models"
)

type recordStore struct {
	mu      sync.Mutex
	records map[string]models.LifecycleRecord
	events  []models.LifecycleEvent
}

func newRecordStore() *recordStore {
	return &recordStore{records: map[string]models.LifecycleRecord{}}
}

func (s *recordStore) CreateRecord(_ context.Context, r models.LifecycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	return nil
}

func (s *recordStore) GetRecord(_ context.Context, id string) (models.LifecycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return models.LifecycleRecord{}, assert.AnError
	}
	return r, nil
}

func (s *recordStore) UpdateRecord(_ context.Context, r models.LifecycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	return nil
}

func (s *recordStore) AppendEvent(_ context.Context, e models.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordStore) ListEvents(_ context.Context, recordID string) ([]models.LifecycleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LifecycleEvent
	for _, e := range s.events {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *recordStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Status
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	outcome  automation.Outcome
	err      error
	block    chan struct{} // when set, Execute waits for it or ctx
}

func (f *fakeExecutor) Execute(ctx context.Context, task models.PostingTask, _ models.SessionBundle) (automation.Outcome, error) {
	f.mu.Lock()
	f.executed = append(f.executed, task.ID)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return automation.Outcome{}, ctx.Err()
		}
	}
	return f.outcome, f.err
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

type fakeSink struct {
	mu      sync.Mutex
	reports []bool
}

func (f *fakeSink) ReportOutcome(_ context.Context, _ string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, success)
	return nil
}

func newHostedTask(t *testing.T, tracker *lifecycle.Tracker) models.PostingTask {
	t.Helper()
	rec, err := tracker.Initiate(context.Background(), lifecycle.InitiateParams{
		AccountID: "acct-1",
		VehicleID: "veh-1",
		Method:    models.MethodBrowserAgent,
	})
	require.NoError(t, err)
	return models.PostingTask{
		ID:                "task-" + rec.ID,
		AccountID:         "acct-1",
		VehicleID:         "veh-1",
		LifecycleRecordID: rec.ID,
		ExecutionMethod:   models.MethodBrowserAgent,
		PatternID:         "pat-1",
	}
}

func TestHostRunsSubmittedTask(t *testing.T) {
	store := newRecordStore()
	tracker := lifecycle.New(store, nil, 3, zap.NewNop())
	exec := &fakeExecutor{outcome: automation.Outcome{
		Success:      true,
		Published:    true,
		FilledFields: []string{"make", "model", "price"},
	}}
	sink := &fakeSink{}
	h := New(exec, tracker, sink, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	task := newHostedTask(t, tracker)
	require.NoError(t, h.Submit(task, models.SessionBundle{AccountID: "acct-1"}))

	require.Eventually(t, func() bool {
		return store.status(task.LifecycleRecordID) == models.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	st, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Completed)
	assert.EqualValues(t, 0, st.Failed)
	assert.False(t, st.Processing)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.reports, 1)
	assert.True(t, sink.reports[0])
}

func TestHostFailedAttemptCountsAsFailed(t *testing.T) {
	store := newRecordStore()
	tracker := lifecycle.New(store, nil, 3, zap.NewNop())
	exec := &fakeExecutor{outcome: automation.Outcome{Success: false}}
	h := New(exec, tracker, &fakeSink{}, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	task := newHostedTask(t, tracker)
	require.NoError(t, h.Submit(task, models.SessionBundle{}))

	require.Eventually(t, func() bool {
		return store.status(task.LifecycleRecordID) == models.StatusFailed
	}, time.Second, 5*time.Millisecond)

	st, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Failed)
}

func TestHostSerializesAttempts(t *testing.T) {
	store := newRecordStore()
	tracker := lifecycle.New(store, nil, 3, zap.NewNop())
	release := make(chan struct{})
	exec := &fakeExecutor{
		outcome: automation.Outcome{Success: true, FilledFields: []string{"make"}},
		block:   release,
	}
	h := New(exec, tracker, &fakeSink{}, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	first := newHostedTask(t, tracker)
	second := newHostedTask(t, tracker)
	require.NoError(t, h.Submit(first, models.SessionBundle{}))
	require.NoError(t, h.Submit(second, models.SessionBundle{}))

	require.Eventually(t, func() bool {
		st, err := h.Status(context.Background())
		return err == nil && st.Processing && st.CurrentTaskID == first.ID && st.QueuedTasks == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, exec.count(), "second task must wait for the first")

	close(release)
	require.Eventually(t, func() bool {
		st, err := h.Status(context.Background())
		return err == nil && st.Completed == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, exec.count())
}

func TestHostCancelsQueuedTask(t *testing.T) {
	store := newRecordStore()
	tracker := lifecycle.New(store, nil, 3, zap.NewNop())
	release := make(chan struct{})
	defer close(release)
	exec := &fakeExecutor{
		outcome: automation.Outcome{Success: true, FilledFields: []string{"make"}},
		block:   release,
	}
	h := New(exec, tracker, &fakeSink{}, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	running := newHostedTask(t, tracker)
	queued := newHostedTask(t, tracker)
	require.NoError(t, h.Submit(running, models.SessionBundle{}))
	require.NoError(t, h.Submit(queued, models.SessionBundle{}))

	require.Eventually(t, func() bool {
		st, err := h.Status(context.Background())
		return err == nil && st.QueuedTasks == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Cancel(queued.ID))
	require.Eventually(t, func() bool {
		return store.status(queued.LifecycleRecordID) == models.StatusCancelled
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, exec.count(), "cancelled task never reaches the executor")
}

func TestHostMailboxOverflow(t *testing.T) {
	store := newRecordStore()
	tracker := lifecycle.New(store, nil, 3, zap.NewNop())
	h := New(&fakeExecutor{}, tracker, &fakeSink{}, 1, zap.NewNop())
	// Run is never started, so the single mailbox slot fills immediately.

	require.NoError(t, h.Submit(models.PostingTask{ID: "a"}, models.SessionBundle{}))
	assert.ErrorIs(t, h.Submit(models.PostingTask{ID: "b"}, models.SessionBundle{}), ErrAgentBusy)
}

func TestHostRejectsAfterStop(t *testing.T) {
	store := newRecordStore()
	tracker := lifecycle.New(store, nil, 3, zap.NewNop())
	h := New(&fakeExecutor{}, tracker, &fakeSink{}, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, h.Submit(models.PostingTask{ID: "a"}, models.SessionBundle{}), ErrAgentStopped)
	_, err := h.Status(context.Background())
	assert.ErrorIs(t, err, ErrAgentStopped)
}
