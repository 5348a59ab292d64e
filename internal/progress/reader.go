// Package progress reports how far a sequential read has got.
package progress

import (
	"errors"
	"io"
)

// Func receives the bytes read so far and the expected total, or -1 when the
// total is unknown.
type Func func(done, total int64)

// DefaultStep is the default number of bytes between two reports.
const DefaultStep = 64 << 10

// Reader wraps an io.Reader and reports progress at most once per step bytes,
// plus a final report when the underlying reader returns io.EOF.
type Reader struct {
	r     io.Reader
	fn    Func
	total int64
	step  int64

	done     int64
	next     int64
	finished bool
}

// NewReader returns a Reader reporting to fn every DefaultStep bytes.
func NewReader(r io.Reader, total int64, fn Func) *Reader {
	return NewReaderStep(r, total, DefaultStep, fn)
}

// NewReaderStep is NewReader with an explicit step. A step below one reports
// on every read.
func NewReaderStep(r io.Reader, total, step int64, fn Func) *Reader {
	if step < 1 {
		step = 1
	}
	return &Reader{r: r, fn: fn, total: total, step: step, next: step}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.done += int64(n)
	if r.fn == nil {
		return n, err
	}
	switch {
	case errors.Is(err, io.EOF):
		if !r.finished {
			r.finished = true
			r.fn(r.done, r.total)
		}
	case r.done >= r.next:
		r.fn(r.done, r.total)
		r.next = r.done + r.step
	}
	return n, err
}

// Done returns the number of bytes read so far.
func (r *Reader) Done() int64 {
	return r.done
}
