package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/models"
)

type memStore struct {
	records map[string]models.LifecycleRecord
	events  []models.LifecycleEvent
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]models.LifecycleRecord)}
}

func (m *memStore) CreateRecord(_ context.Context, r models.LifecycleRecord) error {
	m.records[r.ID] = r
	return nil
}

func (m *memStore) GetRecord(_ context.Context, id string) (models.LifecycleRecord, error) {
	r, ok := m.records[id]
	if !ok {
		return models.LifecycleRecord{}, assert.AnError
	}
	return r, nil
}

func (m *memStore) UpdateRecord(_ context.Context, r models.LifecycleRecord) error {
	m.records[r.ID] = r
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, e models.LifecycleEvent) error {
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) ListEvents(_ context.Context, recordID string) ([]models.LifecycleEvent, error) {
	var out []models.LifecycleEvent
	for _, e := range m.events {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestTracker(t *testing.T) (*Tracker, *memStore, *time.Time) {
	t.Helper()
	st := newMemStore()
	tr := New(st, nil, 3, zap.NewNop())
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }
	return tr, st, &clock
}

func fullContext() AttemptContext {
	return AttemptContext{HasMedia: true, HasPrice: true, HasDescription: true}
}

func TestInitiateCreatesRecord(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	rec, err := tr.Initiate(context.Background(), InitiateParams{
		AccountID:   "acct-1",
		VehicleID:   "veh-1",
		Method:      models.MethodHeadlessWorker,
		TriggerType: models.TriggerManual,
		Risk:        fullContext(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInitiated, rec.Status)
	assert.Equal(t, 1, rec.AttemptNumber)
	assert.Equal(t, models.RiskLow, rec.RiskLevel)
	require.Len(t, rec.StageHistory, 1)
	assert.Equal(t, models.StatusInitiated, rec.StageHistory[0].Stage)

	events, _ := st.ListEvents(context.Background(), rec.ID)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventInfo, events[0].EventType)
}

func TestApplyStampsAreIdempotent(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()
	rec, err := tr.Initiate(ctx, InitiateParams{AccountID: "a", VehicleID: "v", Risk: fullContext()})
	require.NoError(t, err)

	*clock = clock.Add(5 * time.Second)
	rec, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusQueued})
	require.NoError(t, err)
	require.NotNil(t, rec.QueuedAt)
	firstQueued := *rec.QueuedAt

	*clock = clock.Add(5 * time.Second)
	rec, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusProcessing})
	require.NoError(t, err)
	assert.Equal(t, firstQueued, *rec.QueuedAt)
	require.NotNil(t, rec.ProcessingAt)
}

func TestApplyDurationWholeSeconds(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()
	rec, err := tr.Initiate(ctx, InitiateParams{AccountID: "a", VehicleID: "v", Risk: fullContext()})
	require.NoError(t, err)

	*clock = clock.Add(90*time.Second + 700*time.Millisecond)
	rec, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusQueued})
	require.NoError(t, err)
	*clock = clock.Add(30 * time.Second)
	rec, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusProcessing})
	require.NoError(t, err)
	rec, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusCompleted})
	require.NoError(t, err)

	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, int64(120), rec.Duration)
}

func TestStageHistoryNoConsecutiveDuplicates(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	rec, err := tr.Initiate(ctx, InitiateParams{AccountID: "a", VehicleID: "v", Risk: fullContext()})
	require.NoError(t, err)

	rec, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusQueued})
	require.NoError(t, err)
	// Same stage again via an explicit stage-only update: no new entry.
	rec, err = tr.Apply(ctx, rec.ID, Update{Stage: models.StatusQueued, Message: "still waiting"})
	require.NoError(t, err)
	rec, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusProcessing})
	require.NoError(t, err)

	stages := make([]string, len(rec.StageHistory))
	for i, s := range rec.StageHistory {
		stages[i] = s.Stage
	}
	assert.Equal(t, []string{"initiated", "queued", "processing"}, stages)
	for i := 1; i < len(rec.StageHistory); i++ {
		assert.NotEqual(t, rec.StageHistory[i-1].Stage, rec.StageHistory[i].Stage)
		assert.Equal(t, rec.StageHistory[i-1].Stage, rec.StageHistory[i].PreviousStage)
	}
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	rec, err := tr.Initiate(ctx, InitiateParams{AccountID: "a", VehicleID: "v", Risk: fullContext()})
	require.NoError(t, err)
	_, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusFailed})
	require.NoError(t, err)

	_, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusProcessing})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusCancelled})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNoBackwardTransitions(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	rec, err := tr.Initiate(ctx, InitiateParams{AccountID: "a", VehicleID: "v", Risk: fullContext()})
	require.NoError(t, err)
	_, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusProcessing})
	require.NoError(t, err)

	_, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusQueued})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	for _, status := range []string{models.StatusInitiated, models.StatusQueued, models.StatusPosting} {
		rec, err := tr.Initiate(ctx, InitiateParams{AccountID: "a", VehicleID: "v", Risk: fullContext()})
		require.NoError(t, err)
		if status != models.StatusInitiated {
			_, err = tr.Apply(ctx, rec.ID, Update{Status: status})
			require.NoError(t, err)
		}
		got, err := tr.Cancel(ctx, rec.ID, "operator request")
		require.NoError(t, err, "cancel from %s", status)
		assert.Equal(t, models.StatusCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)
	}
}

func TestRetryLineage(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	parent, err := tr.Initiate(ctx, InitiateParams{AccountID: "a", VehicleID: "v", Risk: fullContext()})
	require.NoError(t, err)
	_, err = tr.Apply(ctx, parent.ID, Update{Status: models.StatusFailed})
	require.NoError(t, err)

	child, err := tr.Retry(ctx, parent.ID, fullContext())
	require.NoError(t, err)
	assert.Equal(t, 2, child.AttemptNumber)
	require.NotNil(t, child.ParentRecordID)
	assert.Equal(t, parent.ID, *child.ParentRecordID)
	assert.Equal(t, models.TriggerRetry, child.TriggerType)
	assert.Equal(t, models.StatusInitiated, child.Status)

	reloaded, _, err := tr.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.RetryCount)
	assert.Equal(t, models.StatusFailed, reloaded.Status)
}

func TestRetryRequiresFailedParent(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	rec, err := tr.Initiate(ctx, InitiateParams{AccountID: "a", VehicleID: "v", Risk: fullContext()})
	require.NoError(t, err)

	_, err = tr.Retry(ctx, rec.ID, fullContext())
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	_, err = tr.Apply(ctx, rec.ID, Update{Status: models.StatusCompleted})
	require.NoError(t, err)
	_, err = tr.Retry(ctx, rec.ID, fullContext())
	assert.ErrorIs(t, err, ErrRetryNotAllowed)
}

func TestRetryCeiling(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()
	parent, err := tr.Initiate(ctx, InitiateParams{AccountID: "a", VehicleID: "v", Risk: fullContext()})
	require.NoError(t, err)
	_, err = tr.Apply(ctx, parent.ID, Update{Status: models.StatusFailed})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = tr.Retry(ctx, parent.ID, fullContext())
		require.NoError(t, err)
	}
	_, err = tr.Retry(ctx, parent.ID, fullContext())
	assert.ErrorIs(t, err, ErrRetryNotAllowed)

	assert.Equal(t, 1, st.records[parent.ID].AttemptNumber)
	assert.Equal(t, 3, st.records[parent.ID].RetryCount)
}

func TestRepeatedAttemptRisk(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	rec, err := tr.Initiate(ctx, InitiateParams{
		AccountID:     "a",
		VehicleID:     "v",
		Risk:          fullContext(),
		AttemptNumber: 3,
	})
	require.NoError(t, err)
	require.Len(t, rec.RiskFactors, 1)
	assert.Equal(t, "repeated_attempts", rec.RiskFactors[0].Factor)
	assert.Equal(t, models.RiskMedium, rec.RiskLevel)
}
