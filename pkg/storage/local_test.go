package storage

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoragePutGetDelete(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "2024/03/backup-1.json", []byte(`{"ok":true}`)))

	rc, err := store.Get(ctx, "2024/03/backup-1.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.JSONEq(t, `{"ok":true}`, string(data))

	require.NoError(t, store.Delete(ctx, "2024/03/backup-1.json"))
	_, err = store.Get(ctx, "2024/03/backup-1.json")
	require.ErrorIs(t, err, ErrObjectNotFound)

	// second delete is a no-op
	require.NoError(t, store.Delete(ctx, "2024/03/backup-1.json"))
}

func TestLocalStorageOverwrite(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a.json", []byte("one")))
	require.NoError(t, store.Put(ctx, "a.json", []byte("two")))

	rc, err := store.Get(ctx, "a.json")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "two", string(data))
}

func TestCleanKey(t *testing.T) {
	cases := map[string]string{
		"backups/a.json":     "backups/a.json",
		"/backups//a.json":   "backups/a.json",
		"backups\\a.json":    "backups/a.json",
		"../../etc/passwd":   "etc/passwd",
		"x/../../y/file.txt": "y/file.txt",
	}
	for in, want := range cases {
		got, err := CleanKey(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := CleanKey("  ")
	require.Error(t, err)
	_, err = CleanKey("/")
	require.Error(t, err)
}

func TestLocalStorageKeepsObjectsInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStorage(dir)
	require.NoError(t, err)

	require.Contains(t, store.Path("../../escape.json"), dir)
}
