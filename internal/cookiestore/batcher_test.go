package cookiestore

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/netstore/core"
)

type commitRecorder struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (r *commitRecorder) commit(ops []op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(ops))
	for i, o := range ops {
		names[i] = o.cookie.Name
	}
	r.batches = append(r.batches, names)
	return r.err
}

func (r *commitRecorder) get() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.batches...)
}

func addNamed(b *batcher, names ...string) {
	for _, n := range names {
		b.add(op{kind: opAdd, cookie: &core.CanonicalCookie{Name: n}})
	}
}

func TestBatcher_CommitsWhenFull(t *testing.T) {
	t.Parallel()
	rec := &commitRecorder{}
	b := newBatcher(3, time.Hour, rec.commit, slog.New(slog.DiscardHandler))

	addNamed(b, "a", "b")
	assert.Equal(t, 2, b.len())
	addNamed(b, "c")

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"a", "b", "c"}}, rec.get())
	assert.Zero(t, b.len())
}

func TestBatcher_CommitsAfterInterval(t *testing.T) {
	t.Parallel()
	rec := &commitRecorder{}
	b := newBatcher(100, 20*time.Millisecond, rec.commit, slog.New(slog.DiscardHandler))

	addNamed(b, "a")
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"a"}}, rec.get())
}

func TestBatcher_CommitNow(t *testing.T) {
	t.Parallel()
	rec := &commitRecorder{}
	b := newBatcher(100, time.Hour, rec.commit, slog.New(slog.DiscardHandler))

	require.NoError(t, b.commitNow())
	assert.Empty(t, rec.get())

	addNamed(b, "a", "b")
	require.NoError(t, b.commitNow())
	addNamed(b, "c")
	require.NoError(t, b.commitNow())
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, rec.get())
}

func TestBatcher_FailedBatchIsDropped(t *testing.T) {
	t.Parallel()
	rec := &commitRecorder{err: errors.New("boom")}
	b := newBatcher(100, time.Hour, rec.commit, slog.New(slog.DiscardHandler))

	addNamed(b, "a")
	require.Error(t, b.commitNow())
	assert.Zero(t, b.len())
}

func TestBatcher_StopDisablesBackgroundCommits(t *testing.T) {
	t.Parallel()
	rec := &commitRecorder{}
	b := newBatcher(1, 10*time.Millisecond, rec.commit, slog.New(slog.DiscardHandler))
	b.stop()

	addNamed(b, "a", "b")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.get())
	require.NoError(t, b.commitNow())
	assert.Equal(t, [][]string{{"a", "b"}}, rec.get())
}
