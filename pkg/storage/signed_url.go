package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTokenInvalid covers malformed or tampered download tokens.
	ErrTokenInvalid = errors.New("storage: invalid download token")
	// ErrTokenExpired is returned once a token outlives its TTL.
	ErrTokenExpired = errors.New("storage: download token expired")
)

// SignedURLSigner issues short-lived HMAC tokens that authorise a backup download.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SignedURLSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL returns how long issued tokens stay valid.
func (s *SignedURLSigner) TTL() time.Duration { return s.ttl }

// Generate returns a token bound to backupID together with its expiry.
func (s *SignedURLSigner) Generate(backupID string) (string, time.Time, error) {
	if backupID == "" || strings.Contains(backupID, ".") {
		return "", time.Time{}, fmt.Errorf("invalid backup id %q", backupID)
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, errors.New("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl).UTC()
	ts := strconv.FormatInt(expiresAt.Unix(), 10)
	token := strings.Join([]string{backupID, ts, s.sign(backupID, ts)}, ".")
	return token, expiresAt, nil
}

// Parse validates a token and returns the backup it grants access to.
func (s *SignedURLSigner) Parse(token string) (string, time.Time, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" {
		return "", time.Time{}, ErrTokenInvalid
	}
	backupID, ts, signature := parts[0], parts[1], parts[2]

	expUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", time.Time{}, ErrTokenInvalid
	}
	if !hmac.Equal([]byte(s.sign(backupID, ts)), []byte(signature)) {
		return "", time.Time{}, ErrTokenInvalid
	}
	expiresAt := time.Unix(expUnix, 0).UTC()
	if s.now().After(expiresAt) {
		return "", time.Time{}, ErrTokenExpired
	}
	return backupID, expiresAt, nil
}

func (s *SignedURLSigner) sign(backupID, ts string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(backupID + "|" + ts))
	return hex.EncodeToString(mac.Sum(nil))
}
