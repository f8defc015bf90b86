package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dealer-posting-engine/internal/models"
)

type fakeBundleStore struct {
	mu      sync.Mutex
	bundles map[string]models.SessionBundle
	secrets map[string]string
	puts    int
}

func newFakeBundleStore() *fakeBundleStore {
	return &fakeBundleStore{
		bundles: make(map[string]models.SessionBundle),
		secrets: make(map[string]string),
	}
}

func (f *fakeBundleStore) PutSessionBundle(_ context.Context, b models.SessionBundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles[b.AccountID] = b
	f.puts++
	return nil
}

func (f *fakeBundleStore) GetSessionBundle(_ context.Context, accountID string) (models.SessionBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[accountID]
	if !ok {
		return models.SessionBundle{}, assert.AnError
	}
	return b, nil
}

func (f *fakeBundleStore) MarkSessionStatus(_ context.Context, accountID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bundles[accountID]
	b.Status = status
	f.bundles[accountID] = b
	return nil
}

func (f *fakeBundleStore) SetRecoverySecret(_ context.Context, accountID, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[accountID] = secret
	return nil
}

func (f *fakeBundleStore) GetRecoverySecret(_ context.Context, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.secrets[accountID], nil
}

func (f *fakeBundleStore) ListSessionAccounts(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.bundles))
	for id := range f.bundles {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeBundleStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

type fakeSource struct {
	mu      sync.Mutex
	entries []models.CredentialEntry
	changes chan struct{}
}

func (f *fakeSource) Entries(context.Context) ([]models.CredentialEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries, nil
}

func (f *fakeSource) Changes(context.Context) (<-chan struct{}, error) {
	return f.changes, nil
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func completeEntries() []models.CredentialEntry {
	return []models.CredentialEntry{
		{Name: "c_user", Value: "100001", Domain: ".facebook.com"},
		{Name: "xs", Value: "tok", Domain: ".facebook.com"},
		{Name: "datr", Value: "fp", Domain: ".facebook.com"},
		{Name: "other", Value: "x", Domain: ".example.com"},
	}
}

func newTestCustodian(st *fakeBundleStore, source CredentialSource, opts Options) *Custodian {
	return New(st, source, &memKV{}, opts, zap.NewNop())
}

func TestCaptureValidBundle(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	bundle, err := c.Capture(context.Background(), "acct-1", completeEntries())
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, bundle.Status)
	assert.NotEmpty(t, bundle.Fingerprint)
	assert.Len(t, bundle.Entries, 4)
}

func TestCaptureNamesMissingEntries(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	entries := []models.CredentialEntry{
		{Name: "c_user", Value: "100001", Domain: ".facebook.com"},
		{Name: "datr", Value: "fp", Domain: ".facebook.com"},
	}
	_, err := c.Capture(context.Background(), "acct-1", entries)
	var invalid *InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"xs"}, invalid.Missing)
}

func TestCaptureIgnoresWrongDomain(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	entries := []models.CredentialEntry{
		{Name: "c_user", Value: "1", Domain: ".facebook.com"},
		{Name: "xs", Value: "t", Domain: ".other.com"},
		{Name: "datr", Value: "f", Domain: ".facebook.com"},
	}
	_, err := c.Capture(context.Background(), "acct-1", entries)
	var invalid *InvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"xs"}, invalid.Missing)
}

func TestCaptureDedupesByNameAndDomain(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	entries := append(completeEntries(), models.CredentialEntry{
		Name: "xs", Value: "stale", Domain: ".facebook.com",
	})
	bundle, err := c.Capture(context.Background(), "acct-1", entries)
	require.NoError(t, err)

	var xs []models.CredentialEntry
	for _, e := range bundle.Entries {
		if e.Name == "xs" && e.Domain == ".facebook.com" {
			xs = append(xs, e)
		}
	}
	require.Len(t, xs, 1)
	assert.Equal(t, "tok", xs[0].Value, "first-seen entry wins")
}

func TestFingerprintStableAcrossCaptures(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	b1, err := c.Capture(context.Background(), "acct-1", completeEntries())
	require.NoError(t, err)
	b2, err := c.Capture(context.Background(), "acct-2", completeEntries())
	require.NoError(t, err)
	assert.Equal(t, b1.Fingerprint, b2.Fingerprint)
}

func TestResolveMissingAccount(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	_, err := c.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrSessionMissing)
}

func TestResolveMarksExpiredBundle(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	entries := completeEntries()
	entries[1].Expires = float64(now.Add(-time.Hour).Unix())
	_, err := c.Capture(context.Background(), "acct-1", entries)
	require.NoError(t, err)

	_, err = c.Resolve(context.Background(), "acct-1")
	assert.ErrorIs(t, err, ErrSessionMissing)
	assert.Equal(t, models.SessionExpired, st.bundles["acct-1"].Status)

	// Once expired, resolve keeps failing without revalidation.
	_, err = c.Resolve(context.Background(), "acct-1")
	assert.ErrorIs(t, err, ErrSessionMissing)
}

func TestResolveActiveBundle(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	_, err := c.Capture(context.Background(), "acct-1", completeEntries())
	require.NoError(t, err)

	bundle, err := c.Resolve(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", bundle.AccountID)
}

func TestWatchDebouncesBursts(t *testing.T) {
	st := newFakeBundleStore()
	source := &fakeSource{
		entries: completeEntries(),
		changes: make(chan struct{}, 16),
	}
	c := newTestCustodian(st, source, Options{Debounce: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Watch(ctx, "acct-1")
	}()

	// A login flow touching several credentials in quick succession.
	for i := 0; i < 5; i++ {
		source.changes <- struct{}{}
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return st.putCount() == 1 },
		time.Second, 10*time.Millisecond, "burst should collapse into one sync")

	// A later change triggers a second sync.
	source.changes <- struct{}{}
	require.Eventually(t, func() bool { return st.putCount() == 2 },
		time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSweepExpiresStaleBundles(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{MaxAge: 24 * time.Hour})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Capture(context.Background(), "fresh", completeEntries())
	require.NoError(t, err)

	c.now = func() time.Time { return now.Add(48 * time.Hour) }
	require.NoError(t, c.Sweep(context.Background()))
	assert.Equal(t, models.SessionExpired, st.bundles["fresh"].Status)
}

func TestDomainMatches(t *testing.T) {
	assert.True(t, domainMatches(".facebook.com", ".facebook.com"))
	assert.True(t, domainMatches("facebook.com", ".facebook.com"))
	assert.True(t, domainMatches("www.facebook.com", ".facebook.com"))
	assert.False(t, domainMatches("notfacebook.com", ".facebook.com"))
	assert.False(t, domainMatches("example.com", ".facebook.com"))
}
