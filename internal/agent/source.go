package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-rod/rod"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/models"
)

// BrowserSource adapts the hosted browser into the custodian's credential
// source: current cookie snapshot plus change notifications. The browser
// protocol has no cookie-change event, so changes are detected by
// polling and hashing the snapshot.
type BrowserSource struct {
	browser *rod.Browser
	poll    time.Duration
	log     *zap.Logger
}

// NewBrowserSource builds a source polling at the given interval.
func NewBrowserSource(browser *rod.Browser, poll time.Duration, log *zap.Logger) *BrowserSource {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &BrowserSource{browser: browser, poll: poll, log: log}
}

// Entries snapshots the browser's cookies as credential entries.
func (s *BrowserSource) Entries(ctx context.Context) ([]models.CredentialEntry, error) {
	cookies, err := s.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, err
	}
	out := make([]models.CredentialEntry, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, models.CredentialEntry{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out, nil
}

// Changes emits a signal whenever the cookie snapshot's hash moves. The
// channel closes when ctx ends.
func (s *BrowserSource) Changes(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		var last string
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				entries, err := s.Entries(ctx)
				if err != nil {
					s.log.Debug("cookie snapshot failed", zap.Error(err))
					continue
				}
				h := snapshotHash(entries)
				if last != "" && h != last {
					select {
					case ch <- struct{}{}:
					default:
					}
				}
				last = h
			}
		}
	}()
	return ch, nil
}

func snapshotHash(entries []models.CredentialEntry) string {
	body, _ := json.Marshal(entries)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
