// Package session owns the per-account browser credential bundle: capture,
// validation, periodic refresh, and recovery enrollment. Bundles are
// replaced on re-capture, never mutated in place.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/models"
	"dealer-posting-engine/internal/telemetry"
)

// RequiredEntryNames is the closed set of credential names that must be
// present for the target domain before a bundle counts as valid.
var RequiredEntryNames = []string{"c_user", "xs", "datr"}

// ErrSessionMissing indicates no bundle exists for the account.
var ErrSessionMissing = errors.New("no session bundle for account")

// InvalidError names the required entries a captured set lacks.
type InvalidError struct {
	Missing []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("session invalid: missing required entries %s", strings.Join(e.Missing, ", "))
}

// BundleStore is the slice of the durable store the custodian needs.
type BundleStore interface {
	PutSessionBundle(ctx context.Context, b models.SessionBundle) error
	GetSessionBundle(ctx context.Context, accountID string) (models.SessionBundle, error)
	MarkSessionStatus(ctx context.Context, accountID, status string) error
	SetRecoverySecret(ctx context.Context, accountID, secret string) error
	GetRecoverySecret(ctx context.Context, accountID string) (string, error)
	ListSessionAccounts(ctx context.Context) ([]string, error)
}

// CredentialSource is the browser-host capability the custodian reads
// from: current credential entries plus change notifications.
type CredentialSource interface {
	Entries(ctx context.Context) ([]models.CredentialEntry, error)
	Changes(ctx context.Context) (<-chan struct{}, error)
}

// KeyValue is the host's scoped key-value storage capability, used only to
// persist the per-browser fingerprint.
type KeyValue interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

const fingerprintKey = "custodian.fingerprint"

// Custodian captures, validates, and refreshes session bundles.
type Custodian struct {
	store          BundleStore
	source         CredentialSource
	kv             KeyValue
	targetDomain   string
	debounce       time.Duration
	captureTimeout time.Duration
	maxAge         time.Duration
	log            *zap.Logger

	now func() time.Time
}

// Options tune the custodian; zero values fall back to defaults.
type Options struct {
	TargetDomain   string
	Debounce       time.Duration
	CaptureTimeout time.Duration
	MaxAge         time.Duration
}

// New constructs a custodian over the given collaborators.
func New(store BundleStore, source CredentialSource, kv KeyValue, opts Options, log *zap.Logger) *Custodian {
	if opts.TargetDomain == "" {
		opts.TargetDomain = ".facebook.com"
	}
	if opts.Debounce == 0 {
		opts.Debounce = 3 * time.Second
	}
	if opts.CaptureTimeout == 0 {
		opts.CaptureTimeout = 15 * time.Second
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 30 * 24 * time.Hour
	}
	return &Custodian{
		store:          store,
		source:         source,
		kv:             kv,
		targetDomain:   opts.TargetDomain,
		debounce:       opts.Debounce,
		captureTimeout: opts.CaptureTimeout,
		maxAge:         opts.MaxAge,
		log:            log,
		now:            time.Now,
	}
}

// Capture builds a bundle from raw credential entries: dedupes by
// (name, domain) preferring first-seen, validates the required set, stamps
// the browser fingerprint, and persists the bundle.
func (c *Custodian) Capture(ctx context.Context, accountID string, raw []models.CredentialEntry) (models.SessionBundle, error) {
	entries := dedupeEntries(raw)

	if missing := c.missingRequired(entries); len(missing) > 0 {
		return models.SessionBundle{}, &InvalidError{Missing: missing}
	}

	fp, err := c.fingerprint(ctx)
	if err != nil {
		return models.SessionBundle{}, fmt.Errorf("fingerprint: %w", err)
	}

	bundle := models.SessionBundle{
		AccountID:   accountID,
		Entries:     entries,
		Fingerprint: fp,
		CapturedAt:  c.now().UTC(),
		Status:      models.SessionActive,
	}
	if err := c.store.PutSessionBundle(ctx, bundle); err != nil {
		return models.SessionBundle{}, fmt.Errorf("persist bundle: %w", err)
	}
	c.log.Info("session captured",
		zap.String("account_id", accountID),
		zap.Int("entries", len(entries)))
	return bundle, nil
}

// Validate reports whether a bundle carries all required entries for the
// target domain, and names the missing ones. It never contacts the
// external site.
func (c *Custodian) Validate(bundle models.SessionBundle) (bool, []string) {
	missing := c.missingRequired(bundle.Entries)
	return len(missing) == 0, missing
}

// Resolve returns the account's bundle when it exists, is active, and
// passes validation. Expired or invalid bundles are marked expired and
// reported as ErrSessionMissing wrapped with detail.
func (c *Custodian) Resolve(ctx context.Context, accountID string) (models.SessionBundle, error) {
	bundle, err := c.store.GetSessionBundle(ctx, accountID)
	if err != nil {
		return models.SessionBundle{}, ErrSessionMissing
	}
	if bundle.Status == models.SessionRevoked || bundle.Status == models.SessionExpired {
		return models.SessionBundle{}, ErrSessionMissing
	}
	if ok, missing := c.Validate(bundle); !ok {
		_ = c.store.MarkSessionStatus(ctx, accountID, models.SessionExpired)
		telemetry.SessionsExpired.Inc()
		return models.SessionBundle{}, &InvalidError{Missing: missing}
	}
	if exp := bundle.ExpiresAt(); !exp.IsZero() && exp.Before(c.now()) {
		_ = c.store.MarkSessionStatus(ctx, accountID, models.SessionExpired)
		telemetry.SessionsExpired.Inc()
		return models.SessionBundle{}, ErrSessionMissing
	}
	return bundle, nil
}

// Sync re-captures current credentials from the host and, only when they
// validate, pushes the fresh bundle to the durable store. Safe to call
// frequently.
func (c *Custodian) Sync(ctx context.Context, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.captureTimeout)
	defer cancel()

	raw, err := c.source.Entries(ctx)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	entries := dedupeEntries(raw)
	if missing := c.missingRequired(entries); len(missing) > 0 {
		c.log.Debug("sync skipped, credentials incomplete",
			zap.String("account_id", accountID),
			zap.Strings("missing", missing))
		return nil
	}
	if _, err := c.Capture(ctx, accountID, entries); err != nil {
		return err
	}
	telemetry.SessionsSynced.Inc()
	return nil
}

// Watch subscribes to credential-change notifications and re-syncs after a
// fixed quiet window, so a login flow updating several entries in quick
// succession produces one sync, not many. Blocks until ctx is done.
func (c *Custodian) Watch(ctx context.Context, accountID string) error {
	changes, err := c.source.Changes(ctx)
	if err != nil {
		return fmt.Errorf("subscribe credential changes: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if timer == nil {
				timer = time.NewTimer(c.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			if err := c.Sync(ctx, accountID); err != nil {
				c.log.Warn("debounced sync failed",
					zap.String("account_id", accountID),
					zap.Error(err))
			}
		}
	}
}

// Sweep revalidates every stored bundle, marking expired ones. Intended to
// run on a timer.
func (c *Custodian) Sweep(ctx context.Context) error {
	accounts, err := c.store.ListSessionAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list session accounts: %w", err)
	}
	for _, accountID := range accounts {
		bundle, err := c.store.GetSessionBundle(ctx, accountID)
		if err != nil {
			continue
		}
		if bundle.Status != models.SessionActive && bundle.Status != models.SessionCaptured {
			continue
		}
		expired := false
		if ok, _ := c.Validate(bundle); !ok {
			expired = true
		}
		if exp := bundle.ExpiresAt(); !exp.IsZero() && exp.Before(c.now()) {
			expired = true
		}
		if c.now().Sub(bundle.CapturedAt) > c.maxAge {
			expired = true
		}
		if expired {
			_ = c.store.MarkSessionStatus(ctx, accountID, models.SessionExpired)
			telemetry.SessionsExpired.Inc()
			c.log.Info("session expired during sweep", zap.String("account_id", accountID))
		}
	}
	return nil
}

func (c *Custodian) missingRequired(entries []models.CredentialEntry) []string {
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if domainMatches(e.Domain, c.targetDomain) {
			present[e.Name] = true
		}
	}
	var missing []string
	for _, name := range RequiredEntryNames {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func (c *Custodian) fingerprint(ctx context.Context) (string, error) {
	if fp, ok, err := c.kv.Get(ctx, fingerprintKey); err != nil {
		return "", err
	} else if ok && fp != "" {
		return fp, nil
	}
	fp := uuid.NewString()
	if err := c.kv.Set(ctx, fingerprintKey, fp); err != nil {
		return "", err
	}
	return fp, nil
}

// dedupeEntries keeps the first-seen entry per (name, domain).
func dedupeEntries(raw []models.CredentialEntry) []models.CredentialEntry {
	seen := make(map[string]bool, len(raw))
	out := make([]models.CredentialEntry, 0, len(raw))
	for _, e := range raw {
		key := e.Name + "\x00" + e.Domain
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// domainMatches treats ".example.com" and "example.com" as the same zone
// and accepts subdomains of the target.
func domainMatches(entryDomain, target string) bool {
	d := strings.TrimPrefix(strings.ToLower(entryDomain), ".")
	t := strings.TrimPrefix(strings.ToLower(target), ".")
	return d == t || strings.HasSuffix(d, "."+t)
}
