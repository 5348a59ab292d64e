package cookiestore

import (
	"log/slog"
	"sync"
	"time"
)

// batcher accumulates writes and hands them to commit in order, either once
// size are pending, after interval, or on demand.
type batcher struct {
	size     int
	interval time.Duration
	commit   func([]op) error
	logger   *slog.Logger

	mu      sync.Mutex
	pending []op
	timer   *time.Timer
	stopped bool

	// serializes commits so batches reach the backend in order
	commitMu sync.Mutex
}

func newBatcher(size int, interval time.Duration, commit func([]op) error, logger *slog.Logger) *batcher {
	return &batcher{size: size, interval: interval, commit: commit, logger: logger}
}

func (b *batcher) add(o op) {
	b.mu.Lock()
	b.pending = append(b.pending, o)
	n := len(b.pending)
	switch {
	case b.stopped:
	case n >= b.size:
		go b.commitAndLog()
	case b.timer == nil:
		b.timer = time.AfterFunc(b.interval, b.commitAndLog)
	}
	b.mu.Unlock()
}

func (b *batcher) commitAndLog() {
	if err := b.commitNow(); err != nil {
		b.logger.Warn("committing cookies", "error", err)
	}
}

// commitNow commits everything pending. A failed batch is dropped.
func (b *batcher) commitNow() error {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	b.mu.Lock()
	ops := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}
	b.logger.Debug("committing cookies", "ops", len(ops))
	return b.commit(ops)
}

// stop disables background commits. Later adds wait for commitNow.
func (b *batcher) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *batcher) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
