package diskcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/netstore/core"
)

type opKind int

const (
	opCreate opKind = iota
	opOpen
	opOpenOrCreate
	opRead
	opWrite
	opReadSparse
	opWriteSparse
	opAvailableRange
	opClose
	opDoom
)

func (k opKind) String() string {
	switch k {
	case opCreate:
		return "create"
	case opOpen:
		return "open"
	case opOpenOrCreate:
		return "open_or_create"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opReadSparse:
		return "read_sparse"
	case opWriteSparse:
		return "write_sparse"
	case opAvailableRange:
		return "available_range"
	case opClose:
		return "close"
	case opDoom:
		return "doom"
	default:
		return "unknown"
	}
}

func (k opKind) sparse() bool {
	return k == opReadSparse || k == opWriteSparse || k == opAvailableRange
}

func (k opKind) dataOp() bool {
	return k == opRead || k == opWrite || k.sparse()
}

// operation is one queued unit of work. run executes on a worker with
// exclusive use of the synchronous entry; finish reports the outcome.
type operation struct {
	kind     opKind
	canceled bool
	run      func(se *syncEntry) error
	finish   func(err error)
}

// Entry is a reference-counted handle to a cache entry. Operations on one
// entry run one at a time in submission order; operations on different
// entries run concurrently on the backend worker pool.
//
// Buffers passed to asynchronous operations must not be touched until the
// returned Completion is done.
type Entry struct {
	b    *Backend
	key  string
	hash uint64

	mu      sync.Mutex
	state   core.EntryState
	failErr error
	se      *syncEntry
	queue   []*operation
	running bool
	refs    int
	doomed  bool

	dataSize     [core.StreamCount]int64
	sparseSize   int64
	lastUsed     time.Time
	lastModified time.Time

	sparsePending  int
	sparseCanceled bool
	cancelSparse   atomic.Bool
	sparseWaiters  []*Completion[struct{}]
}

func newEntry(b *Backend, key string, hash uint64) *Entry {
	return &Entry{b: b, key: key, hash: hash, state: core.StateUninitialized}
}

// Key returns the entry key.
func (e *Entry) Key() string {
	return e.key
}

// State returns the current lifecycle state.
func (e *Entry) State() core.EntryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetDataSize returns the size of stream i, including writes that are
// queued but not yet executed.
func (e *Entry) GetDataSize(i core.StreamIndex) int64 {
	if !i.Valid() {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dataSize[i]
}

// GetSparseDataSize returns the size of the sparse file.
func (e *Entry) GetSparseDataSize() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sparseSize
}

// GetLastUsed returns the last time the entry was read or written.
func (e *Entry) GetLastUsed() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

// GetLastModified returns the last time the entry was written.
func (e *Entry) GetLastModified() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastModified
}

// enqueueLocked appends op to the queue. Caller must hold e.mu.
func (e *Entry) enqueueLocked(op *operation) {
	if op.kind.sparse() {
		e.sparsePending++
		op.canceled = e.sparseCanceled
	}
	e.queue = append(e.queue, op)
	e.runNextOperationIfNeeded()
}

// runNextOperationIfNeeded dispatches the head of the queue when nothing is
// executing. Caller must hold e.mu.
func (e *Entry) runNextOperationIfNeeded() {
	if e.running || len(e.queue) == 0 {
		return
	}
	op := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	e.running = true
	e.b.submit(func() { e.execute(op) })
}

func (e *Entry) execute(op *operation) {
	e.mu.Lock()
	se, state, failErr := e.se, e.state, e.failErr
	if state == core.StateReady {
		e.state = core.StateIOPending
	}
	e.mu.Unlock()

	var err error
	switch {
	case op.canceled:
		err = fmt.Errorf("%w: sparse I/O canceled", core.ErrOperationNotSupported)
	case state == core.StateFailure && op.kind != opClose && op.kind != opDoom:
		err = fmt.Errorf("%w: %w", core.ErrFailed, failErr)
	case se == nil && op.kind.dataOp():
		err = core.ErrClosed
	default:
		err = op.run(se)
	}
	e.b.metrics.CacheOp(op.kind.String(), err)

	fatal := op.kind.dataOp() && (errors.Is(err, core.ErrChecksumMismatch) || errors.Is(err, core.ErrIO))
	e.mu.Lock()
	if fatal && e.state != core.StateFailure {
		e.state = core.StateFailure
		e.failErr = err
	}
	if e.state == core.StateIOPending {
		e.state = core.StateReady
	}
	e.mirrorLocked()
	e.mu.Unlock()

	if fatal {
		e.failAndDoom(se, err)
	}
	op.finish(err)

	e.mu.Lock()
	if op.kind.sparse() {
		e.sparsePending--
		if e.sparsePending == 0 {
			e.sparseCanceled = false
			e.cancelSparse.Store(false)
			for _, w := range e.sparseWaiters {
				w.complete(struct{}{}, nil)
			}
			e.sparseWaiters = nil
		}
	}
	e.running = false
	e.runNextOperationIfNeeded()
	e.mu.Unlock()
}

// mirrorLocked copies metadata from the synchronous entry. Caller must hold
// e.mu and the running operation slot.
func (e *Entry) mirrorLocked() {
	if e.se == nil {
		return
	}
	// Queued writes already grew dataSize; keep those sizes until they run.
	if !e.writeQueuedLocked() {
		e.dataSize = e.se.size
	}
	e.sparseSize = e.se.sparseDataSize()
	e.lastUsed = e.se.lastUsed
	e.lastModified = e.se.lastModified
}

func (e *Entry) writeQueuedLocked() bool {
	for _, op := range e.queue {
		if op.kind == opWrite {
			return true
		}
	}
	return false
}

// failAndDoom removes the files of a failed entry and delists it so a new
// entry for the same key can be created right away.
func (e *Entry) failAndDoom(se *syncEntry, cause error) {
	e.b.logger.Warn("cache entry failed, dooming", "key", e.key, "error", cause)
	if se != nil {
		if err := se.doom(); err != nil {
			e.b.logger.Warn("failed to remove failed entry", "key", e.key, "error", err)
		}
	}
	e.b.metrics.EntryDoomed()
	e.b.delist(e)
}

type initMode int

const (
	initCreate initMode = iota
	initOpen
	initOpenOrCreate
)

func (m initMode) kind() opKind {
	switch m {
	case initCreate:
		return opCreate
	case initOpen:
		return opOpen
	default:
		return opOpenOrCreate
	}
}

// initOp brings the entry to READY for one more reference holder. An entry
// that is already READY satisfies Open and fails Create.
func (e *Entry) initOp(mode initMode, c *Completion[EntryResult]) *operation {
	opened := false
	return &operation{
		kind: mode.kind(),
		run: func(se *syncEntry) error {
			if se != nil {
				if mode == initCreate {
					return fmt.Errorf("%w: %s", core.ErrExists, e.key)
				}
				opened = true
				return nil
			}
			var err error
			switch mode {
			case initCreate:
				se, err = createSyncEntry(e.b.cfg, e.key)
			case initOpen:
				se, err = openSyncEntry(e.b.cfg, e.key)
				opened = err == nil
			case initOpenOrCreate:
				se, err = openSyncEntry(e.b.cfg, e.key)
				opened = err == nil
				if errors.Is(err, core.ErrNotFound) {
					se, err = createSyncEntry(e.b.cfg, e.key)
				}
			}
			if err != nil {
				return err
			}
			e.mu.Lock()
			e.se = se
			e.state = core.StateReady
			e.mu.Unlock()
			return nil
		},
		finish: func(err error) {
			if err != nil {
				e.mu.Lock()
				e.refs--
				e.mu.Unlock()
				e.b.release(e)
				c.complete(EntryResult{}, err)
				return
			}
			c.complete(EntryResult{Entry: e, Opened: opened}, nil)
		},
	}
}

// submitOp queues fn for execution and returns its completion.
func submitOp[T any](e *Entry, kind opKind, fn func(se *syncEntry) (T, error)) *Completion[T] {
	c := newCompletion[T]()
	var val T

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs <= 0 {
		c.complete(val, core.ErrClosed)
		return c
	}
	e.enqueueLocked(&operation{
		kind: kind,
		run: func(se *syncEntry) error {
			var err error
			val, err = fn(se)
			return err
		},
		finish: func(err error) { c.complete(val, err) },
	})
	return c
}

// ReadDataAsync reads up to len(p) bytes of stream i starting at off.
func (e *Entry) ReadDataAsync(i core.StreamIndex, off int64, p []byte) *Completion[int] {
	if !i.Valid() || off < 0 {
		return completed(0, fmt.Errorf("%w: read stream %d at %d", core.ErrInvalidArgument, i, off))
	}
	return submitOp(e, opRead, func(se *syncEntry) (int, error) {
		return se.readStream(i, off, p)
	})
}

// ReadData is the blocking form of ReadDataAsync.
func (e *Entry) ReadData(ctx context.Context, i core.StreamIndex, off int64, p []byte) (int, error) {
	return e.ReadDataAsync(i, off, p).Wait(ctx)
}

// WriteDataAsync writes p to stream i at off. With truncate the stream ends
// at off+len(p). The new size is visible through GetDataSize immediately.
func (e *Entry) WriteDataAsync(i core.StreamIndex, off int64, p []byte, truncate bool) *Completion[int] {
	if !i.Valid() || off < 0 || beyond(off, int64(len(p)), maxStreamSize) {
		return completed(0, fmt.Errorf("%w: write stream %d at %d, length %d", core.ErrInvalidArgument, i, off, len(p)))
	}
	end := off + int64(len(p))
	buf := append([]byte(nil), p...)

	e.mu.Lock()
	if e.refs > 0 && e.state != core.StateFailure {
		if truncate {
			e.dataSize[i] = end
		} else {
			e.dataSize[i] = max(e.dataSize[i], end)
		}
	}
	e.mu.Unlock()

	return submitOp(e, opWrite, func(se *syncEntry) (int, error) {
		if err := se.writeStream(i, off, buf, truncate); err != nil {
			return 0, err
		}
		return len(buf), nil
	})
}

// WriteData is the blocking form of WriteDataAsync.
func (e *Entry) WriteData(ctx context.Context, i core.StreamIndex, off int64, p []byte, truncate bool) (int, error) {
	return e.WriteDataAsync(i, off, p, truncate).Wait(ctx)
}

// ReadSparseDataAsync reads the available bytes starting exactly at off.
// Reads reaching past the addressable range are clipped.
func (e *Entry) ReadSparseDataAsync(off int64, p []byte) *Completion[int] {
	if off < 0 {
		return completed(0, fmt.Errorf("%w: sparse read at %d", core.ErrInvalidArgument, off))
	}
	if off >= MaxSparseOffset {
		return completed(0, fmt.Errorf("%w: sparse offset %d beyond limit", core.ErrOperationNotSupported, off))
	}
	p = p[:min(int64(len(p)), MaxSparseOffset-off)]
	return submitOp(e, opReadSparse, func(se *syncEntry) (int, error) {
		return se.readSparse(off, p, e.cancelSparse.Load)
	})
}

// ReadSparseData is the blocking form of ReadSparseDataAsync.
func (e *Entry) ReadSparseData(ctx context.Context, off int64, p []byte) (int, error) {
	return e.ReadSparseDataAsync(off, p).Wait(ctx)
}

// WriteSparseDataAsync writes p at sparse offset off. Fragments that do not
// fill a block or continue the current partial block are dropped, and the
// full length is still reported as written.
func (e *Entry) WriteSparseDataAsync(off int64, p []byte) *Completion[int] {
	if off < 0 {
		return completed(0, fmt.Errorf("%w: sparse write at %d", core.ErrInvalidArgument, off))
	}
	if beyond(off, int64(len(p)), MaxSparseOffset) {
		return completed(0, fmt.Errorf("%w: sparse write at %d, length %d beyond limit",
			core.ErrOperationNotSupported, off, len(p)))
	}
	buf := append([]byte(nil), p...)
	return submitOp(e, opWriteSparse, func(se *syncEntry) (int, error) {
		return se.writeSparse(off, buf, e.cancelSparse.Load)
	})
}

// WriteSparseData is the blocking form of WriteSparseDataAsync.
func (e *Entry) WriteSparseData(ctx context.Context, off int64, p []byte) (int, error) {
	return e.WriteSparseDataAsync(off, p).Wait(ctx)
}

// GetAvailableRangeAsync reports the first contiguous run of sparse data in
// [off, off+length). A miss has zero Length.
func (e *Entry) GetAvailableRangeAsync(off, length int64) *Completion[Range] {
	if off < 0 || length < 0 {
		return completed(Range{}, fmt.Errorf("%w: available range [%d, +%d)", core.ErrInvalidArgument, off, length))
	}
	if off >= MaxSparseOffset {
		return completed(Range{Offset: off}, nil)
	}
	length = min(length, MaxSparseOffset-off)
	return submitOp(e, opAvailableRange, func(se *syncEntry) (Range, error) {
		return se.availableRange(off, length)
	})
}

// GetAvailableRange is the blocking form of GetAvailableRangeAsync.
func (e *Entry) GetAvailableRange(ctx context.Context, off, length int64) (Range, error) {
	return e.GetAvailableRangeAsync(off, length).Wait(ctx)
}

// CancelSparseIO asks the running sparse operation to stop at the next child
// boundary. Sparse operations that have not started, or are submitted before
// the pending ones drain, fail with core.ErrOperationNotSupported.
func (e *Entry) CancelSparseIO() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sparsePending == 0 {
		return
	}
	e.sparseCanceled = true
	e.cancelSparse.Store(true)
	for _, op := range e.queue {
		if op.kind.sparse() {
			op.canceled = true
		}
	}
}

// ReadyForSparseIOAsync completes once no sparse operation is pending.
func (e *Entry) ReadyForSparseIOAsync() *Completion[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sparsePending == 0 {
		return completed(struct{}{}, nil)
	}
	c := newCompletion[struct{}]()
	e.sparseWaiters = append(e.sparseWaiters, c)
	return c
}

// ReadyForSparseIO is the blocking form of ReadyForSparseIOAsync.
func (e *Entry) ReadyForSparseIO(ctx context.Context) error {
	_, err := e.ReadyForSparseIOAsync().Wait(ctx)
	return err
}

// DoomAsync marks the entry for deletion. It leaves the active table at once;
// the files are removed after the operations already queued.
func (e *Entry) DoomAsync() *Completion[struct{}] {
	e.mu.Lock()
	refs := e.refs
	e.mu.Unlock()
	if refs <= 0 {
		return completed(struct{}{}, core.ErrClosed)
	}
	return e.doomAsync()
}

// Doom is the blocking form of DoomAsync.
func (e *Entry) Doom(ctx context.Context) error {
	_, err := e.DoomAsync().Wait(ctx)
	return err
}

func (e *Entry) doomAsync() *Completion[struct{}] {
	c := newCompletion[struct{}]()
	done := e.b.beginDoom(e)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.enqueueLocked(&operation{
		kind: opDoom,
		run: func(se *syncEntry) error {
			if done == nil {
				return nil
			}
			e.b.metrics.EntryDoomed()
			if se == nil {
				return deleteEntryFiles(e.b.dir, e.hash)
			}
			return se.doom()
		},
		finish: func(err error) {
			c.complete(struct{}{}, err)
			if done != nil {
				e.b.endDoom(e.hash, done)
			}
		},
	})
	return c
}

// CloseAsync releases one reference. The last reference closes the entry
// after every queued operation has run.
func (e *Entry) CloseAsync() *Completion[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs <= 0 {
		return completed(struct{}{}, core.ErrClosed)
	}
	e.refs--
	if e.refs > 0 {
		return completed(struct{}{}, nil)
	}

	c := newCompletion[struct{}]()
	e.enqueueLocked(&operation{
		kind: opClose,
		run: func(se *syncEntry) error {
			if se == nil {
				return nil
			}
			err := se.close()
			e.mu.Lock()
			e.se = nil
			e.state = core.StateUninitialized
			e.failErr = nil
			e.mu.Unlock()
			return err
		},
		finish: func(err error) {
			e.b.release(e)
			c.complete(struct{}{}, err)
		},
	})
	return c
}

// Close is the blocking form of CloseAsync.
func (e *Entry) Close(ctx context.Context) error {
	_, err := e.CloseAsync().Wait(ctx)
	return err
}
