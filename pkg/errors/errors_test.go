package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type codedErr struct{ table string }

func (c *codedErr) Error() string { return "read " + c.table }

func (c *codedErr) AppError() *Error {
	return WithDetails(ErrSnapshotFailed, map[string]string{"table": c.table})
}

func TestFromErrorPrefersCoder(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &codedErr{table: "assets"})
	appErr := FromError(err)
	require.Equal(t, ErrSnapshotFailed.Code, appErr.Code)
	require.Equal(t, http.StatusInternalServerError, appErr.Status)
	require.Equal(t, map[string]string{"table": "assets"}, appErr.Details)
	require.Nil(t, ErrSnapshotFailed.Details)
}

func TestFromErrorFallsBackToInternal(t *testing.T) {
	appErr := FromError(errors.New("boom"))
	require.Equal(t, ErrInternal.Code, appErr.Code)
	require.ErrorContains(t, appErr, "boom")
	require.Nil(t, FromError(nil))
}

func TestCloneKeepsCode(t *testing.T) {
	clone := Clone(ErrInvalidBackup, "missing timestamp")
	require.Equal(t, "INVALID_BACKUP_FORMAT", clone.Code)
	require.Equal(t, "missing timestamp", clone.Message)
	require.Equal(t, "invalid backup format", ErrInvalidBackup.Message)
}
