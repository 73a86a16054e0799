package exec

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlekbai/formula_engine/internal/physical"
	"github.com/atlekbai/formula_engine/internal/schema"
)

func TestBoltBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.db")
	b, err := OpenBolt(path, time.Second)
	require.NoError(t, err)

	in := &Result{
		Columns: []physical.Column{
			{ID: "c0", Type: schema.TypeString},
			{ID: "c1", Type: schema.TypeFloat},
			{ID: "c2", Type: schema.TypeBoolean},
		},
		Rows: [][]any{
			{"north", 12.5, true},
			{nil, float64(0), false},
		},
	}

	_, ok, err := b.Get(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Put(ctx, 1, in, 0))
	out, ok, err := b.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)

	// Reopen to read from disk.
	require.NoError(t, b.Close())
	b, err = OpenBolt(path, time.Second)
	require.NoError(t, err)
	defer b.Close()
	out, ok, err = b.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestBoltBackendTTL(t *testing.T) {
	ctx := context.Background()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "results.db"), time.Second)
	require.NoError(t, err)
	defer b.Close()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	require.NoError(t, b.Put(ctx, 7, result(1, 2), time.Minute))

	_, ok, err := b.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, err = b.Get(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBoltBackendCancelled(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "results.db"), time.Second)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = b.Get(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, b.Put(ctx, 1, result(1), 0), context.Canceled)
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemoryBackend(2)
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Put(ctx, 1, result(1), time.Second))
	require.NoError(t, m.Put(ctx, 2, result(2), 0))
	r, ok, err := m.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, result(1), r)

	now = now.Add(time.Second)
	_, ok, _ = m.Get(ctx, 1)
	require.False(t, ok)
	_, ok, _ = m.Get(ctx, 2)
	require.True(t, ok)

	require.NoError(t, m.Put(ctx, 3, result(3), 0))
	require.NoError(t, m.Put(ctx, 4, result(4), 0))
	_, ok, _ = m.Get(ctx, 2)
	require.False(t, ok)
	require.Equal(t, 2, m.Len())
}
