package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Recovery codes are standard 30-second, 6-digit TOTP values so the second
// factor enrolled here interoperates with the target site's authenticator
// flow and lets the custodian re-establish a session after expiry without
// an interactive login.
const (
	totpPeriod = 30 * time.Second
	totpDigits = 6
	// One step of clock skew either way is accepted.
	totpSkewSteps = 1
)

// ErrRecoveryNotEnrolled indicates no recovery secret exists for the
// account.
var ErrRecoveryNotEnrolled = errors.New("recovery secret not enrolled")

// EnrollRecovery stores a base32 recovery secret for the account.
func (c *Custodian) EnrollRecovery(ctx context.Context, accountID, secret string) error {
	secret = normalizeSecret(secret)
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret); err != nil {
		return fmt.Errorf("recovery secret is not valid base32: %w", err)
	}
	if err := c.store.SetRecoverySecret(ctx, accountID, secret); err != nil {
		return fmt.Errorf("store recovery secret: %w", err)
	}
	c.log.Info("recovery secret enrolled")
	return nil
}

// VerifyRecovery checks a code against the enrolled secret, allowing one
// period of clock skew.
func (c *Custodian) VerifyRecovery(ctx context.Context, accountID, code string) (bool, error) {
	secret, err := c.store.GetRecoverySecret(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("load recovery secret: %w", err)
	}
	if secret == "" {
		return false, ErrRecoveryNotEnrolled
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalizeSecret(secret))
	if err != nil {
		return false, fmt.Errorf("decode recovery secret: %w", err)
	}

	step := c.now().Unix() / int64(totpPeriod/time.Second)
	for delta := int64(-totpSkewSteps); delta <= totpSkewSteps; delta++ {
		want := totpCode(key, step+delta)
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// RecoveryCode computes the current code for an enrolled account; used when
// the automation must answer a second-factor prompt itself.
func (c *Custodian) RecoveryCode(ctx context.Context, accountID string) (string, error) {
	secret, err := c.store.GetRecoverySecret(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load recovery secret: %w", err)
	}
	if secret == "" {
		return "", ErrRecoveryNotEnrolled
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalizeSecret(secret))
	if err != nil {
		return "", fmt.Errorf("decode recovery secret: %w", err)
	}
	return totpCode(key, c.now().Unix()/int64(totpPeriod/time.Second)), nil
}

// totpCode implements RFC 6238 with HMAC-SHA1 and dynamic truncation.
func totpCode(key []byte, step int64) string {
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(step))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	mod := uint32(1)
	for i := 0; i < totpDigits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", totpDigits, value%mod)
}

func normalizeSecret(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}
