package netstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCache(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []CacheOption
		wantErr error
	}{
		{name: "defaults"},
		{name: "with options", opts: []CacheOption{WithWorkers(2), WithMaxSparseSize(1 << 20), WithSyncOnClose(true)}},
		{name: "negative workers", opts: []CacheOption{WithWorkers(-1)}, wantErr: ErrInvalidArgument},
		{name: "negative sparse size", opts: []CacheOption{WithMaxSparseSize(-1)}, wantErr: ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := filepath.Join(t.TempDir(), "cache")

			c, err := OpenCache(dir, tt.opts...)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, dir, c.Dir())
			assert.DirExists(t, dir)
			require.NoError(t, c.Close(context.Background()))
		})
	}
}

func TestCache_EntryLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	c, err := OpenCache(dir)
	require.NoError(t, err)

	e, err := c.CreateEntry(ctx, "https://example.com/")
	require.NoError(t, err)
	_, err = e.WriteData(ctx, StreamMetadata, 0, []byte("HTTP/1.1 200 OK"), true)
	require.NoError(t, err)
	_, err = e.WriteData(ctx, StreamBody, 0, []byte("<html></html>"), true)
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	_, err = c.CreateEntry(ctx, "https://example.com/")
	require.ErrorIs(t, err, ErrExists)
	require.NoError(t, c.Close(ctx))

	reopened, err := OpenCache(dir)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	e, err = reopened.OpenEntry(ctx, "https://example.com/")
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := e.ReadData(ctx, StreamBody, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(buf[:n]))
	assert.Equal(t, int64(len("HTTP/1.1 200 OK")), e.GetDataSize(StreamMetadata))
	require.NoError(t, e.Close(ctx))

	require.NoError(t, reopened.DoomEntry(ctx, "https://example.com/"))
	_, err = reopened.OpenEntry(ctx, "https://example.com/")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCache_Metrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	c, err := OpenCache(t.TempDir(), WithCacheMetrics(m))
	require.NoError(t, err)
	defer c.Close(ctx)

	e, err := c.CreateEntry(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, e.Doom(ctx))
	require.NoError(t, e.Close(ctx))

	assert.InDelta(t, 1, counterValue(t, reg, "netstore_cache_entries_doomed_total"), 0)
}

// counterValue sums every series of the named counter.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
