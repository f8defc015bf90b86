package automation

import (
	"math/rand"
	"strings"
	"time"
)

// Humanizer produces the timing and pointer jitter used by the rod
// driver. It takes an explicit source so tests can pin the sequence.
type Humanizer struct {
	rng *rand.Rand
}

// NewHumanizer builds a humanizer; a nil source gets a time seed.
func NewHumanizer(src rand.Source) *Humanizer {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Humanizer{rng: rand.New(src)}
}

// KeyDelay returns the pause before typing next, given the previously
// typed rune. Same-hand digraphs come out faster than alternations,
// whitespace and punctuation carry a longer think pause.
func (h *Humanizer) KeyDelay(prev, next rune) time.Duration {
	base := 60 + h.rng.Intn(90) // 60-149ms
	switch {
	case next == ' ' || next == '\n':
		base += 40 + h.rng.Intn(120)
	case strings.ContainsRune(".,;:!?", next):
		base += 30 + h.rng.Intn(80)
	case prev != 0 && sameRow(prev, next):
		base -= 20
	}
	if base < 25 {
		base = 25
	}
	return time.Duration(base) * time.Millisecond
}

// ClickPause returns the hold between pointer press and release.
func (h *Humanizer) ClickPause() time.Duration {
	return time.Duration(40+h.rng.Intn(90)) * time.Millisecond
}

// HoverPause returns the settle time after moving onto a target before
// pressing.
func (h *Humanizer) HoverPause() time.Duration {
	return time.Duration(80+h.rng.Intn(220)) * time.Millisecond
}

// ClickOffset returns a small jitter from an element's center, bounded to
// stay inside typical control hitboxes.
func (h *Humanizer) ClickOffset() (dx, dy float64) {
	return float64(h.rng.Intn(9) - 4), float64(h.rng.Intn(7) - 3)
}

// clampOffset bounds a jitter offset to [-limit, limit]. A non-positive
// limit collapses the jitter entirely.
func clampOffset(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// StepPause is the idle between form fields.
func (h *Humanizer) StepPause() time.Duration {
	return time.Duration(250+h.rng.Intn(600)) * time.Millisecond
}

// qwerty home rows, used only to vary digraph speed.
var keyRows = []string{"qwertyuiop", "asdfghjkl", "zxcvbnm"}

func sameRow(a, b rune) bool {
	la, lb := toLower(a), toLower(b)
	for _, row := range keyRows {
		if strings.ContainsRune(row, la) && strings.ContainsRune(row, lb) {
			return true
		}
	}
	return false
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
