package pattern

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/models"
)

type fakePatternStore struct {
	patterns []models.AutomationPattern
	outcomes map[string][]bool
}

func (f *fakePatternStore) ListActivePatterns(context.Context) ([]models.AutomationPattern, error) {
	return f.patterns, nil
}

func (f *fakePatternStore) GetPattern(_ context.Context, id string) (models.AutomationPattern, error) {
	for _, p := range f.patterns {
		if p.ID == id {
			return p, nil
		}
	}
	return models.AutomationPattern{}, assert.AnError
}

func (f *fakePatternStore) IncrementPatternOutcome(_ context.Context, id string, success bool) error {
	if f.outcomes == nil {
		f.outcomes = make(map[string][]bool)
	}
	f.outcomes[id] = append(f.outcomes[id], success)
	return nil
}

func newTestSelector(patterns ...models.AutomationPattern) (*Selector, *fakePatternStore) {
	st := &fakePatternStore{patterns: patterns}
	return New(st, zap.NewNop(), rand.NewSource(42)), st
}

func TestSelectByExplicitName(t *testing.T) {
	s, _ := newTestSelector(
		models.AutomationPattern{ID: "1", Name: "vehicle-v2", Category: "vehicle-listing"},
		models.AutomationPattern{ID: "2", Name: "vehicle-v3", Category: "vehicle-listing"},
	)
	sel, err := s.Select(context.Background(), "vehicle-listing", "vehicle-v3")
	require.NoError(t, err)
	assert.Equal(t, "2", sel.Pattern.ID)
	assert.Equal(t, PathRequested, sel.Path)
}

func TestSelectUnknownNameFallsBack(t *testing.T) {
	s, _ := newTestSelector(
		models.AutomationPattern{ID: "1", Name: "vehicle-v2", Category: "vehicle-listing"},
	)
	sel, err := s.Select(context.Background(), "vehicle-listing", "missing")
	require.NoError(t, err, "a stale requested name must not block the dispatch")
	assert.Equal(t, "1", sel.Pattern.ID)
	assert.Equal(t, PathErrorFallback, sel.Path)
}

func TestSelectCategoryHotSwap(t *testing.T) {
	s, _ := newTestSelector(
		models.AutomationPattern{ID: "1", Name: "vehicle-v2", Category: "vehicle-listing"},
		models.AutomationPattern{ID: "2", Name: "boats", Category: "boat-listing"},
	)
	sel, err := s.Select(context.Background(), "vehicle-listing", "")
	require.NoError(t, err)
	assert.Equal(t, "1", sel.Pattern.ID)
	assert.Equal(t, PathHotSwap, sel.Path)
}

func TestSelectMatchesCategoryTag(t *testing.T) {
	s, _ := newTestSelector(
		models.AutomationPattern{ID: "1", Name: "generic", Category: "misc", Tags: []string{"vehicle-listing"}},
	)
	sel, err := s.Select(context.Background(), "vehicle-listing", "")
	require.NoError(t, err)
	assert.Equal(t, "1", sel.Pattern.ID)
	assert.Equal(t, PathHotSwap, sel.Path)
}

func TestWeightedDrawFavorsSuccess(t *testing.T) {
	s, _ := newTestSelector(
		models.AutomationPattern{ID: "a", Name: "a", Category: "c", SuccessCount: 0},
		models.AutomationPattern{ID: "b", Name: "b", Category: "c", SuccessCount: 4},
		models.AutomationPattern{ID: "c", Name: "c", Category: "c", SuccessCount: 0},
	)
	// Weights are successCount+1: [1, 5, 1], so "b" should win ~5/7.
	const draws = 20000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		sel, err := s.Select(context.Background(), "c", "")
		require.NoError(t, err)
		counts[sel.Pattern.ID]++
	}
	ratio := float64(counts["b"]) / draws
	assert.InDelta(t, 5.0/7.0, ratio, 0.03)
	assert.Greater(t, counts["a"], 0)
	assert.Greater(t, counts["c"], 0)
}

func TestOfficialFallback(t *testing.T) {
	s, _ := newTestSelector(
		models.AutomationPattern{ID: "1", Name: "boat-flow", Category: "boat-listing"},
		models.AutomationPattern{ID: "2", Name: "official-vehicle-listing", Category: "misc"},
	)
	sel, err := s.Select(context.Background(), "vehicle-listing", "")
	require.NoError(t, err)
	assert.Equal(t, "2", sel.Pattern.ID)
	assert.Equal(t, PathOfficialFallback, sel.Path)
}

func TestAnyActiveFallback(t *testing.T) {
	s, _ := newTestSelector(
		models.AutomationPattern{ID: "1", Name: "boat-flow", Category: "boat-listing"},
	)
	sel, err := s.Select(context.Background(), "vehicle-listing", "")
	require.NoError(t, err)
	assert.Equal(t, "1", sel.Pattern.ID)
	assert.Equal(t, PathAnyActive, sel.Path)
}

func TestNoPatternsAvailable(t *testing.T) {
	s, _ := newTestSelector()
	_, err := s.Select(context.Background(), "vehicle-listing", "")
	assert.ErrorIs(t, err, ErrNoPatternAvailable)
}

func TestReportOutcome(t *testing.T) {
	s, st := newTestSelector(
		models.AutomationPattern{ID: "1", Name: "vehicle-v2", Category: "vehicle-listing"},
	)
	require.NoError(t, s.ReportOutcome(context.Background(), "1", true))
	require.NoError(t, s.ReportOutcome(context.Background(), "1", false))
	require.NoError(t, s.ReportOutcome(context.Background(), "", true)) // no-op
	assert.Equal(t, []bool{true, false}, st.outcomes["1"])
}
