package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekonda/kutana/internal/storage"
	"github.com/ekonda/kutana/internal/storage/memory"
)

func TestGet(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	stored, err := s.Put(ctx, "key", storage.Document{Data: map[string]any{"n": 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	got, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}

func TestPut(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		existingVersion int64 // 0 means the document does not exist yet
		putVersion      int64

		wantVersion int64
		wantErr     error
	}{
		"Create with version 0":             {putVersion: 0, wantVersion: 1},
		"Update with matching version":      {existingVersion: 1, putVersion: 1, wantVersion: 2},
		"Create over existing document":     {existingVersion: 1, putVersion: 0, wantErr: storage.ErrVersionMismatch},
		"Update with stale version":         {existingVersion: 2, putVersion: 1, wantErr: storage.ErrVersionMismatch},
		"Update missing document":           {putVersion: 3, wantErr: storage.ErrVersionMismatch},
		"Update with version ahead of time": {existingVersion: 1, putVersion: 5, wantErr: storage.ErrVersionMismatch},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := memory.New()
			ctx := context.Background()

			for v := int64(0); v < tc.existingVersion; v++ {
				_, err := s.Put(ctx, "key", storage.Document{Version: v, Data: map[string]any{}})
				require.NoError(t, err, "Setup: failed to seed document")
			}

			got, err := s.Put(ctx, "key", storage.Document{Version: tc.putVersion, Data: map[string]any{"v": "x"}})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantVersion, got.Version)
		})
	}
}

func TestPutCopiesData(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	data := map[string]any{"n": 1}
	_, err := s.Put(ctx, "key", storage.Document{Data: data})
	require.NoError(t, err)

	// Mutating the caller's map must not affect the stored document.
	data["n"] = 2

	got, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Data["n"])

	// Mutating the returned map must not affect the stored document either.
	got.Data["n"] = 3
	again, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Data["n"])
}

func TestDelete(t *testing.T) {
	t.Parallel()

	s := memory.New()
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "missing"), "deleting a missing key should not error")

	_, err := s.Put(ctx, "key", storage.Document{Data: map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "key"))

	_, err = s.Get(ctx, "key")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A delete resets the version history.
	got, err := s.Put(ctx, "key", storage.Document{Data: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestEviction(t *testing.T) {
	t.Parallel()

	s := memory.New(memory.WithCapacity(2))
	ctx := context.Background()

	_, err := s.Put(ctx, "a", storage.Document{Data: map[string]any{}})
	require.NoError(t, err)
	_, err = s.Put(ctx, "b", storage.Document{Data: map[string]any{}})
	require.NoError(t, err)

	// Touch "a" so "b" becomes the eviction candidate.
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)

	_, err = s.Put(ctx, "c", storage.Document{Data: map[string]any{}})
	require.NoError(t, err)

	assert.Equal(t, 2, s.Len())
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, storage.ErrNotFound, "least recently used document should have been evicted")
	_, err = s.Get(ctx, "a")
	assert.NoError(t, err)
}
