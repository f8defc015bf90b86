package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rfcSecret is the RFC 6238 test secret "12345678901234567890" in base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestTOTPKnownVectors(t *testing.T) {
	key := []byte("12345678901234567890")
	// RFC 6238 Appendix B, truncated to six digits.
	assert.Equal(t, "287082", totpCode(key, 59/30))
	assert.Equal(t, "081804", totpCode(key, 1111111109/30))
	assert.Equal(t, "050471", totpCode(key, 1111111111/30))
}

func TestEnrollRejectsBadSecret(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	err := c.EnrollRecovery(context.Background(), "acct-1", "not!base32!!")
	assert.Error(t, err)
	assert.Empty(t, st.secrets["acct-1"])
}

func TestEnrollNormalizesSecret(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	err := c.EnrollRecovery(context.Background(), "acct-1", "gezd gnbv gy3t qojq gezd gnbv gy3t qojq")
	require.NoError(t, err)
	assert.Equal(t, rfcSecret, st.secrets["acct-1"])
}

func TestVerifyRecoveryAcceptsCurrentAndSkewedCodes(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})
	c.now = func() time.Time { return time.Unix(1111111109, 0) }

	require.NoError(t, c.EnrollRecovery(context.Background(), "acct-1", rfcSecret))

	ok, err := c.VerifyRecovery(context.Background(), "acct-1", "081804")
	require.NoError(t, err)
	assert.True(t, ok)

	// One step later is within the allowed skew at this timestamp.
	ok, err = c.VerifyRecovery(context.Background(), "acct-1", "050471")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.VerifyRecovery(context.Background(), "acct-1", "000000")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRecoveryNotEnrolled(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})

	_, err := c.VerifyRecovery(context.Background(), "acct-1", "123456")
	assert.ErrorIs(t, err, ErrRecoveryNotEnrolled)
}

func TestRecoveryCodeMatchesVerify(t *testing.T) {
	st := newFakeBundleStore()
	c := newTestCustodian(st, nil, Options{})
	c.now = func() time.Time { return time.Unix(59, 0) }

	require.NoError(t, c.EnrollRecovery(context.Background(), "acct-1", rfcSecret))

	code, err := c.RecoveryCode(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "287082", code)

	ok, err := c.VerifyRecovery(context.Background(), "acct-1", code)
	require.NoError(t, err)
	assert.True(t, ok)
}
