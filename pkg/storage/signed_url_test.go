package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerGenerateAndParse(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Generate("b5f0b8f4-3d2a-4c55-9a7e-0d7e7d6c1a11")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	backupID, parsedExpiry, err := signer.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "b5f0b8f4-3d2a-4c55-9a7e-0d7e7d6c1a11", backupID)
	require.WithinDuration(t, expiresAt, parsedExpiry, time.Second)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return base }

	token, _, err := signer.Generate("backup-1")
	require.NoError(t, err)

	signer.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, _, err = signer.Parse(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestSignedURLSignerRejectsTampering(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Generate("backup-1")
	require.NoError(t, err)

	_, _, err = signer.Parse("backup-2" + token[len("backup-1"):])
	require.ErrorIs(t, err, ErrTokenInvalid)

	other := NewSignedURLSigner("other-secret", time.Hour)
	_, _, err = other.Parse(token)
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, _, err = signer.Parse("garbage")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestSignedURLSignerRequiresSecret(t *testing.T) {
	signer := NewSignedURLSigner("", time.Hour)
	_, _, err := signer.Generate("backup-1")
	require.Error(t, err)
}
