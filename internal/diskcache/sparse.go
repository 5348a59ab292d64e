package diskcache

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/metrics"
)

// Sparse address space layout. Data is tracked in children of sparseChildSize
// bytes, each made of sparseBlockSize blocks.
const (
	sparseChildSize int64 = 1 << 20
	sparseBlockSize int64 = 1 << 10
	blocksPerChild        = int(sparseChildSize / sparseBlockSize)

	// MaxSparseOffset is the end of the addressable sparse range (64 GiB).
	MaxSparseOffset int64 = 64 << 30
)

type sparseRecord struct {
	Range
	// dataOffset is the payload position in the sparse file.
	dataOffset int64
	crc        uint32
}

// sparsePiece is new data destined for a record.
type sparsePiece struct {
	Range
	data []byte
}

// sparseFile stores one entry's sparse ranges as a sequence of range records.
//
// The records of a child always cover exactly the bytes that child considers
// available, so the block bitmap and partial block are derived from them
// rather than stored.
type sparseFile struct {
	path    string
	key     string
	logger  *slog.Logger
	metrics *metrics.Metrics

	f        *os.File
	base     int64
	tail     int64
	children map[int64][]sparseRecord
	order    []int64
}

func newSparseFile(path, key string, logger *slog.Logger, m *metrics.Metrics) *sparseFile {
	return &sparseFile{
		path:     path,
		key:      key,
		logger:   logger,
		metrics:  m,
		base:     int64(headerSize + len(key)),
		children: make(map[int64][]sparseRecord),
	}
}

// createSparseFile creates an empty sparse file holding only the header and key.
func createSparseFile(path, key string, logger *slog.Logger, m *metrics.Metrics) (*sparseFile, error) {
	s := newSparseFile(path, key, logger, m)
	//nolint:gosec // G304: path is derived from the entry hash
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create sparse file: %w", core.ErrIO, err)
	}
	if _, err := f.WriteAt(s.preamble(), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write sparse header: %w", core.ErrIO, err)
	}
	s.f = f
	s.tail = s.base
	return s, nil
}

// openSparseFile loads the record index of an existing sparse file. Records
// after the first damaged one are discarded and children whose records do not
// form a valid block layout are trimmed; either repair rewrites the file.
func openSparseFile(path, key string, logger *slog.Logger, m *metrics.Metrics) (*sparseFile, error) {
	if err := ensureEntryFile(path); err != nil {
		return nil, err
	}
	//nolint:gosec // G304: path is derived from the entry hash
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open sparse file: %w", core.ErrIO, err)
	}
	s := newSparseFile(path, key, logger, m)
	s.f = f

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat sparse file: %w", core.ErrIO, err)
	}
	if err := readAndCheckHeader(f, key); err != nil {
		f.Close()
		return nil, err
	}

	damaged := s.scan(info.Size())

	keep := make(map[int64][]Range)
	for _, c := range s.order {
		avail := s.childRanges(c)
		canon := childStateFrom(avail, c*sparseChildSize).ranges(c * sparseChildSize)
		if !equalRanges(avail, canon) {
			keep[c] = canon
		}
	}
	if damaged || len(keep) > 0 {
		logger.Warn("repairing sparse file", "path", path, "damaged", damaged, "children", len(keep))
		if err := s.rewrite(keep, nil); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

// scan indexes records until the end of the file or the first bad record.
// It reports whether anything was skipped.
func (s *sparseFile) scan(size int64) bool {
	pos := s.base
	defer func() { s.tail = pos }()

	hdr := make([]byte, sparseHeaderSize)
	for pos < size {
		if size-pos < sparseHeaderSize {
			return true
		}
		if _, err := s.f.ReadAt(hdr, pos); err != nil {
			return true
		}
		h, err := parseSparseRangeHeader(hdr)
		if err != nil {
			return true
		}
		dataOffset := pos + sparseHeaderSize
		r := Range{Offset: h.offset, Length: h.length}
		if dataOffset+h.length > size || r.End() > MaxSparseOffset || childOf(r.Offset) != childOf(r.End()-1) {
			return true
		}
		if s.overlaps(childOf(r.Offset), r) {
			return true
		}
		s.insert(sparseRecord{Range: r, dataOffset: dataOffset, crc: h.crc})
		pos = dataOffset + h.length
	}
	return false
}

func (s *sparseFile) preamble() []byte {
	return append(newFileHeader(s.key).marshal(), s.key...)
}

func childOf(offset int64) int64 {
	return offset / sparseChildSize
}

func (s *sparseFile) insert(rec sparseRecord) {
	c := childOf(rec.Offset)
	recs, ok := s.children[c]
	if !ok {
		i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= c })
		s.order = append(s.order, 0)
		copy(s.order[i+1:], s.order[i:])
		s.order[i] = c
	}
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Offset >= rec.Offset })
	recs = append(recs, sparseRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	s.children[c] = recs
}

func (s *sparseFile) overlaps(child int64, r Range) bool {
	for _, rec := range s.children[child] {
		if rec.Offset < r.End() && r.Offset < rec.End() {
			return true
		}
	}
	return false
}

func (s *sparseFile) childRanges(child int64) []Range {
	recs := s.children[child]
	out := make([]Range, len(recs))
	for i, rec := range recs {
		out[i] = rec.Range
	}
	return mergeRanges(out)
}

func (s *sparseFile) recordAt(pos int64) (sparseRecord, bool) {
	recs := s.children[childOf(pos)]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].End() > pos })
	if i < len(recs) && recs[i].Offset <= pos {
		return recs[i], true
	}
	return sparseRecord{}, false
}

// size returns the sparse file length.
func (s *sparseFile) size() int64 {
	return s.tail
}

// write stores p at off. Bytes the block layout does not retain are dropped
// silently. canceled is polled at child boundaries.
func (s *sparseFile) write(off int64, p []byte, canceled func() bool) (int, error) {
	written := 0
	for written < len(p) {
		if written > 0 && canceled != nil && canceled() {
			break
		}
		pos := off + int64(written)
		childEnd := (childOf(pos) + 1) * sparseChildSize
		n := min(int64(len(p)-written), childEnd-pos)
		if err := s.writeChild(pos, p[written:written+int(n)]); err != nil {
			return written, err
		}
		written += int(n)
	}
	return written, nil
}

func (s *sparseFile) writeChild(pos int64, data []byte) error {
	child := childOf(pos)
	start := child * sparseChildSize
	w := Range{Offset: pos, Length: int64(len(data))}

	oldAvail := s.childRanges(child)
	state := childStateFrom(oldAvail, start)
	state.update(pos-start, w.Length)
	newAvail := state.ranges(start)

	keep := subtractRange(intersectRanges(oldAvail, newAvail), w)
	fresh := intersectRanges([]Range{w}, newAvail)
	s.metrics.SparseDropped(w.Length - totalCoverage(fresh))

	pieces := make([]sparsePiece, 0, len(fresh))
	for _, r := range fresh {
		pieces = append(pieces, sparsePiece{Range: r, data: data[r.Offset-pos : r.End()-pos]})
	}

	if equalRanges(keep, oldAvail) {
		for _, piece := range pieces {
			if err := s.appendRecord(piece); err != nil {
				return err
			}
		}
		return nil
	}
	return s.rewrite(map[int64][]Range{child: keep}, map[int64][]sparsePiece{child: pieces})
}

func (s *sparseFile) appendRecord(piece sparsePiece) error {
	crc := crc32.ChecksumIEEE(piece.data)
	hdr := sparseRangeHeader{magic: sparseMagic, offset: piece.Offset, length: piece.Length, crc: crc}
	buf := append(hdr.marshal(), piece.data...)
	if _, err := s.f.WriteAt(buf, s.tail); err != nil {
		return fmt.Errorf("%w: write sparse range: %w", core.ErrIO, err)
	}
	s.insert(sparseRecord{Range: piece.Range, dataOffset: s.tail + sparseHeaderSize, crc: crc})
	s.tail += int64(len(buf))
	return nil
}

// read copies the available bytes starting exactly at off into p. It stops at
// the first hole. A record read in full is CRC checked; a corrupt child is
// dropped and the read ends before it.
func (s *sparseFile) read(off int64, p []byte, canceled func() bool) (int, error) {
	n := 0
	pos := off
	end := off + int64(len(p))
	for pos < end {
		if n > 0 && pos%sparseChildSize == 0 && canceled != nil && canceled() {
			break
		}
		rec, ok := s.recordAt(pos)
		if !ok {
			break
		}
		chunkEnd := min(rec.End(), end)
		dst := p[n : n+int(chunkEnd-pos)]
		if _, err := s.f.ReadAt(dst, rec.dataOffset+pos-rec.Offset); err != nil {
			return n, fmt.Errorf("%w: read sparse range: %w", core.ErrIO, err)
		}
		if pos == rec.Offset && chunkEnd == rec.End() && crc32.ChecksumIEEE(dst) != rec.crc {
			s.metrics.ChecksumFailure()
			s.logger.Warn("sparse range checksum mismatch, dropping child",
				"path", s.path, "offset", rec.Offset, "length", rec.Length)
			if err := s.dropChild(childOf(rec.Offset)); err != nil {
				return n, err
			}
			break
		}
		n += len(dst)
		pos = chunkEnd
	}
	return n, nil
}

// availableRange returns the first contiguous run of stored bytes inside
// [off, off+length). A miss returns (off, 0).
func (s *sparseFile) availableRange(off, length int64) (int64, int64) {
	end := off + length
	var start, cur int64
	found := false

	i := sort.Search(len(s.order), func(i int) bool { return s.order[i] >= childOf(off) })
	for ; i < len(s.order); i++ {
		c := s.order[i]
		if c*sparseChildSize >= end {
			break
		}
		for _, rec := range s.children[c] {
			if rec.End() <= off {
				continue
			}
			if rec.Offset >= end || (found && rec.Offset != cur) {
				return start, min(cur, end) - start
			}
			if !found {
				found = true
				start = max(rec.Offset, off)
			}
			cur = rec.End()
		}
	}
	if !found {
		return off, 0
	}
	return start, min(cur, end) - start
}

// verify checks the CRC of every record and drops the children that fail.
func (s *sparseFile) verify() (int, error) {
	keep := make(map[int64][]Range)
	for _, c := range s.order {
		for _, rec := range s.children[c] {
			buf := make([]byte, rec.Length)
			if _, err := s.f.ReadAt(buf, rec.dataOffset); err != nil {
				return 0, fmt.Errorf("%w: read sparse range: %w", core.ErrIO, err)
			}
			if crc32.ChecksumIEEE(buf) != rec.crc {
				s.metrics.ChecksumFailure()
				keep[c] = nil
				break
			}
		}
	}
	if len(keep) == 0 {
		return 0, nil
	}
	s.logger.Warn("dropping corrupt sparse children", "path", s.path, "children", len(keep))
	return len(keep), s.rewrite(keep, nil)
}

func (s *sparseFile) dropChild(child int64) error {
	return s.rewrite(map[int64][]Range{child: nil}, nil)
}

// truncate discards every range.
func (s *sparseFile) truncate() error {
	if err := s.f.Truncate(s.base); err != nil {
		return fmt.Errorf("%w: truncate sparse file: %w", core.ErrIO, err)
	}
	s.children = make(map[int64][]sparseRecord)
	s.order = nil
	s.tail = s.base
	return nil
}

type plannedRecord struct {
	sparseRecord
	// src is the payload position in the current file when data is nil.
	src  int64
	data []byte
}

// rewrite atomically replaces the sparse file. Children listed in keep retain
// only the bytes inside their ranges (a nil slice drops the child); add
// supplies new data per child. Children in neither map are copied unchanged.
func (s *sparseFile) rewrite(keep map[int64][]Range, add map[int64][]sparsePiece) error {
	children := append([]int64(nil), s.order...)
	for c := range add {
		if _, ok := s.children[c]; !ok {
			children = append(children, c)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })

	var plan []plannedRecord
	for _, c := range children {
		recs, err := s.planChild(c, keep, add[c])
		if err != nil {
			return err
		}
		plan = append(plan, recs...)
	}

	pos := s.base
	for i := range plan {
		plan[i].dataOffset = pos + sparseHeaderSize
		pos = plan[i].dataOffset + plan[i].Length
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.writePlan(pw, plan))
	}()
	if err := atomic.WriteFile(s.path, pr); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("%w: rewrite sparse file: %w", core.ErrIO, err)
	}

	//nolint:gosec // G304: path is derived from the entry hash
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: reopen sparse file: %w", core.ErrIO, err)
	}
	s.f.Close()
	s.f = f
	s.children = make(map[int64][]sparseRecord)
	s.order = nil
	for _, rec := range plan {
		s.insert(rec.sparseRecord)
	}
	s.tail = pos
	return nil
}

func (s *sparseFile) planChild(c int64, keep map[int64][]Range, add []sparsePiece) ([]plannedRecord, error) {
	var out []plannedRecord
	limit, limited := keep[c]
	for _, rec := range s.children[c] {
		if !limited {
			out = append(out, plannedRecord{sparseRecord: rec, src: rec.dataOffset})
			continue
		}
		parts := intersectRanges([]Range{rec.Range}, limit)
		if len(parts) == 1 && parts[0] == rec.Range {
			out = append(out, plannedRecord{sparseRecord: rec, src: rec.dataOffset})
			continue
		}
		for _, part := range parts {
			data := make([]byte, part.Length)
			if _, err := s.f.ReadAt(data, rec.dataOffset+part.Offset-rec.Offset); err != nil {
				return nil, fmt.Errorf("%w: read sparse range: %w", core.ErrIO, err)
			}
			out = append(out, plannedRecord{
				sparseRecord: sparseRecord{Range: part, crc: crc32.ChecksumIEEE(data)},
				data:         data,
			})
		}
	}
	for _, piece := range add {
		out = append(out, plannedRecord{
			sparseRecord: sparseRecord{Range: piece.Range, crc: crc32.ChecksumIEEE(piece.data)},
			data:         piece.data,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, nil
}

func (s *sparseFile) writePlan(w io.Writer, plan []plannedRecord) error {
	if _, err := w.Write(s.preamble()); err != nil {
		return err
	}
	for _, rec := range plan {
		hdr := sparseRangeHeader{magic: sparseMagic, offset: rec.Offset, length: rec.Length, crc: rec.crc}
		if _, err := w.Write(hdr.marshal()); err != nil {
			return err
		}
		var src io.Reader = bytes.NewReader(rec.data)
		if rec.data == nil {
			src = io.NewSectionReader(s.f, rec.src, rec.Length)
		}
		if _, err := io.Copy(w, src); err != nil {
			return err
		}
	}
	return nil
}

func (s *sparseFile) close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *sparseFile) remove() error {
	closeErr := s.close()
	return errors.Join(closeErr, removeIfExists(s.path))
}

// childState is the block bitmap of one child plus its single partial block.
type childState struct {
	blocks    [blocksPerChild]bool
	lastBlock int
	lastLen   int64
}

// childStateFrom derives the state that corresponds to the available ranges.
// Fully covered blocks set their bit; the highest block covered from its start
// but not to its end becomes the partial block. Anything else is not
// representable and falls out of the derived ranges.
func childStateFrom(avail []Range, start int64) *childState {
	cs := &childState{lastBlock: -1}
	for _, r := range avail {
		s := r.Offset - start
		e := r.End() - start
		first := (s + sparseBlockSize - 1) / sparseBlockSize
		last := e / sparseBlockSize
		for b := first; b < last; b++ {
			cs.blocks[b] = true
		}
		if e%sparseBlockSize != 0 && last*sparseBlockSize >= s {
			cs.lastBlock = int(last)
			cs.lastLen = e % sparseBlockSize
		}
	}
	return cs
}

// update applies a write of n bytes at child offset off. A leading partial
// block is kept only when it continues the current partial block; a trailing
// partial block replaces the current one unless its bit is already set.
func (cs *childState) update(off, n int64) {
	firstBit := off / sparseBlockSize
	blockOffset := off % sparseBlockSize
	if blockOffset != 0 && (int64(cs.lastBlock) != firstBit || cs.lastLen < blockOffset) {
		firstBit++
	}
	end := off + n
	lastBit := end / sparseBlockSize
	blockOffset = end % sparseBlockSize

	if firstBit > lastBit {
		return
	}
	if blockOffset != 0 && !cs.blocks[lastBit] {
		cs.lastBlock = int(lastBit)
		cs.lastLen = blockOffset
	} else {
		cs.lastBlock = -1
		cs.lastLen = 0
	}
	for b := firstBit; b < lastBit; b++ {
		cs.blocks[b] = true
	}
}

// ranges returns the absolute byte ranges the state makes available.
func (cs *childState) ranges(start int64) []Range {
	var out []Range
	for b := 0; b < blocksPerChild; b++ {
		if !cs.blocks[b] {
			continue
		}
		run := b
		for run < blocksPerChild && cs.blocks[run] {
			run++
		}
		out = append(out, Range{
			Offset: start + int64(b)*sparseBlockSize,
			Length: int64(run-b) * sparseBlockSize,
		})
		b = run
	}
	if cs.lastBlock >= 0 && !cs.blocks[cs.lastBlock] {
		out = append(out, Range{Offset: start + int64(cs.lastBlock)*sparseBlockSize, Length: cs.lastLen})
	}
	return mergeRanges(out)
}
