package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "k", "v1"))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, s.Save(ctx, "k", "v2"))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "k"), ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore(10, 0))
}

func TestMemoryStoreExpires(t *testing.T) {
	s := NewMemoryStore(10, 20*time.Millisecond)
	require.NoError(t, s.Save(context.Background(), "k", "v"))

	assert.Eventually(t, func() bool {
		_, err := s.Get(context.Background(), "k")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStoreEvicts(t *testing.T) {
	s := NewMemoryStore(2, 0)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "a", "1"))
	require.NoError(t, s.Save(ctx, "b", "2"))
	require.NoError(t, s.Save(ctx, "c", "3"))

	assert.Equal(t, 2, s.Len())
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore(t *testing.T) {
	storeContract(t, NewFileStore(filepath.Join(t.TempDir(), "nested", "tokens.json")))
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	ctx := context.Background()

	require.NoError(t, NewFileStore(path).Save(ctx, "s1", `{"access_token":"a"}`))

	v, err := NewFileStore(path).Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"a"}`, v)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStoreEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := NewFileStore(path).Get(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := NewFileStore(path).Get(context.Background(), "s1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
