// Package pattern chooses a versioned automation script for a workflow
// category. Selection is weighted random over historical success so proven
// scripts dominate while untested ones stay in rotation (hot-swap).
package pattern

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"go.uber.org/zap"

	"dealer-posting-engine/internal/models"
)

// ErrNoPatternAvailable indicates no active pattern could serve the
// requested category by any selection path.
var ErrNoPatternAvailable = errors.New("no automation pattern available")

// Selection paths, recorded for observability. PathErrorFallback marks a
// selection made after the explicitly requested pattern could not be found.
const (
	PathRequested        = "requested"
	PathHotSwap          = "hot-swap"
	PathOfficialFallback = "official-fallback"
	PathAnyActive        = "any-active"
	PathErrorFallback    = "error-fallback"
)

// officialMarker in a pattern name flags it as the category's maintained
// default.
const officialMarker = "official"

// PatternStore is the slice of the durable store the selector needs.
type PatternStore interface {
	ListActivePatterns(ctx context.Context) ([]models.AutomationPattern, error)
	GetPattern(ctx context.Context, id string) (models.AutomationPattern, error)
	IncrementPatternOutcome(ctx context.Context, id string, success bool) error
}

// Selection is a chosen pattern plus the path that produced it.
type Selection struct {
	Pattern models.AutomationPattern
	Path    string
}

// Selector picks patterns per dispatch; nothing is cached between draws.
type Selector struct {
	store PatternStore
	log   *zap.Logger
	rand  *rand.Rand
}

// New constructs a selector. A nil source uses the global math/rand source.
func New(store PatternStore, log *zap.Logger, src rand.Source) *Selector {
	s := &Selector{store: store, log: log}
	if src != nil {
		s.rand = rand.New(src)
	}
	return s
}

// Select chooses a pattern for the category. A non-empty name picks that
// exact pattern when it is active; a stale name degrades into the normal
// cascade rather than blocking the dispatch. The draw happens once per
// call.
func (s *Selector) Select(ctx context.Context, category, name string) (Selection, error) {
	patterns, err := s.store.ListActivePatterns(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("list patterns: %w", err)
	}
	if len(patterns) == 0 {
		return Selection{}, ErrNoPatternAvailable
	}

	if name != "" {
		for _, p := range patterns {
			if p.Name == name {
				return Selection{Pattern: p, Path: PathRequested}, nil
			}
		}
		s.log.Warn("requested pattern not active, falling back",
			zap.String("pattern", name),
			zap.String("category", category))
		sel, err := s.cascade(patterns, category)
		if err != nil {
			return Selection{}, err
		}
		sel.Path = PathErrorFallback
		return sel, nil
	}

	return s.cascade(patterns, category)
}

// cascade runs the category-match, official, any-active selection chain.
func (s *Selector) cascade(patterns []models.AutomationPattern, category string) (Selection, error) {
	candidates := matchCategory(patterns, category)
	if len(candidates) > 0 {
		chosen := s.weightedDraw(candidates)
		s.log.Debug("pattern selected",
			zap.String("path", PathHotSwap),
			zap.String("pattern", chosen.Name),
			zap.String("category", category))
		return Selection{Pattern: chosen, Path: PathHotSwap}, nil
	}

	if official, ok := findOfficial(patterns, category); ok {
		s.log.Debug("pattern selected",
			zap.String("path", PathOfficialFallback),
			zap.String("pattern", official.Name))
		return Selection{Pattern: official, Path: PathOfficialFallback}, nil
	}

	// Last resort: the first active pattern of any category.
	s.log.Warn("no pattern matches category, using first active",
		zap.String("category", category),
		zap.String("pattern", patterns[0].Name))
	return Selection{Pattern: patterns[0], Path: PathAnyActive}, nil
}

// ReportOutcome feeds an attempt result back into the pattern's counters.
func (s *Selector) ReportOutcome(ctx context.Context, patternID string, success bool) error {
	if patternID == "" {
		return nil
	}
	return s.store.IncrementPatternOutcome(ctx, patternID, success)
}

// weightedDraw picks one candidate with weight successCount+1 (Laplace
// smoothing keeps never-tried patterns selectable).
func (s *Selector) weightedDraw(candidates []models.AutomationPattern) models.AutomationPattern {
	total := 0
	for _, p := range candidates {
		total += p.SuccessCount + 1
	}
	n := s.intn(total)
	for _, p := range candidates {
		n -= p.SuccessCount + 1
		if n < 0 {
			return p
		}
	}
	return candidates[len(candidates)-1]
}

func (s *Selector) intn(n int) int {
	if s.rand != nil {
		return s.rand.Intn(n)
	}
	return rand.Intn(n)
}

func matchCategory(patterns []models.AutomationPattern, category string) []models.AutomationPattern {
	var out []models.AutomationPattern
	for _, p := range patterns {
		if p.Category == category {
			out = append(out, p)
			continue
		}
		for _, tag := range p.Tags {
			if tag == category {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func findOfficial(patterns []models.AutomationPattern, category string) (models.AutomationPattern, bool) {
	for _, p := range patterns {
		if strings.Contains(strings.ToLower(p.Name), officialMarker) &&
			strings.Contains(strings.ToLower(p.Name), strings.ToLower(category)) {
			return p, true
		}
	}
	// An "official" pattern without the category in its name still beats
	// picking an arbitrary one.
	for _, p := range patterns {
		if strings.Contains(strings.ToLower(p.Name), officialMarker) {
			return p, true
		}
	}
	return models.AutomationPattern{}, false
}
