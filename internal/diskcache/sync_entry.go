package diskcache

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/meigma/netstore/core"
	"github.com/meigma/netstore/internal/metrics"
)

// entryConfig carries the backend settings a synchronous entry needs.
type entryConfig struct {
	dir           string
	logger        *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	maxSparseSize int64
	syncOnClose   bool
}

// crcState is a running CRC over the prefix [0, end) of a stream.
type crcState struct {
	value uint32
	end   int64
	valid bool
}

func (c *crcState) restart(p []byte) {
	*c = crcState{value: crc32.ChecksumIEEE(p), end: int64(len(p)), valid: true}
}

func (c *crcState) extend(p []byte) {
	c.value = crc32.Update(c.value, crc32.IEEETable, p)
	c.end += int64(len(p))
}

type storedCRC struct {
	has   bool
	value uint32
}

// syncEntry performs the blocking file I/O for one entry. It is owned by a
// single operation at a time and is not safe for concurrent use.
type syncEntry struct {
	cfg  entryConfig
	key  string
	hash uint64
	base int64

	file0Path, file1Path, sparsePath string

	// file0 holds streams 0 and 1, file1 holds stream 2.
	file0, file1 *os.File
	stream0      []byte
	sparse       *sparseFile

	size     [core.StreamCount]int64
	dirty    [core.StreamCount]bool
	writeCRC [core.StreamCount]crcState
	readCRC  [core.StreamCount]crcState
	stored   [core.StreamCount]storedCRC

	lastUsed     time.Time
	lastModified time.Time

	doomed bool
	closed bool
}

func newSyncEntry(cfg entryConfig, key string) *syncEntry {
	hash := EntryHash(key)
	file0, file1, sparse := entryPaths(cfg.dir, hash)
	return &syncEntry{
		cfg:        cfg,
		key:        key,
		hash:       hash,
		base:       int64(headerSize + len(key)),
		file0Path:  file0,
		file1Path:  file1,
		sparsePath: sparse,
	}
}

func checkKey(key string) error {
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: key longer than %d bytes", core.ErrInvalidArgument, maxKeyLength)
	}
	return nil
}

// createSyncEntry creates the files of a new entry. It fails with
// core.ErrExists when any file of the entry is already on disk.
func createSyncEntry(cfg entryConfig, key string) (*syncEntry, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	e := newSyncEntry(cfg, key)
	for _, path := range []string{e.file1Path, e.sparsePath} {
		if _, err := os.Lstat(path); err == nil {
			return nil, fmt.Errorf("%w: %s", core.ErrExists, key)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: create entry: %w", core.ErrIO, err)
		}
	}

	//nolint:gosec // G304: path is derived from the entry hash
	f, err := os.OpenFile(e.file0Path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrExists, key)
		}
		return nil, fmt.Errorf("%w: create entry: %w", core.ErrIO, err)
	}
	e.file0 = f
	if _, err := f.WriteAt(append(newFileHeader(key).marshal(), key...), 0); err != nil {
		e.closeFiles()
		_ = e.deleteFiles()
		return nil, fmt.Errorf("%w: write header: %w", core.ErrIO, err)
	}

	for i := range e.writeCRC {
		e.writeCRC[i] = crcState{valid: true}
	}
	e.dirty[core.StreamMetadata] = true
	e.dirty[core.StreamBody] = true
	e.lastUsed = cfg.now()
	e.lastModified = e.lastUsed
	return e, nil
}

// openSyncEntry opens an existing entry and validates its layout. A damaged
// entry is deleted and reported as core.ErrNotFound wrapping
// core.ErrFormatInvalid.
func openSyncEntry(cfg entryConfig, key string) (*syncEntry, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	e := newSyncEntry(cfg, key)
	err := e.load()
	if err == nil {
		return e, nil
	}
	e.closeFiles()
	if errors.Is(err, core.ErrFormatInvalid) {
		cfg.logger.Warn("removing invalid cache entry", "key", key, "error", err)
		if delErr := e.deleteFiles(); delErr != nil {
			cfg.logger.Warn("failed to remove invalid cache entry", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("%w: %w", core.ErrNotFound, err)
	}
	return nil, err
}

func (e *syncEntry) load() error {
	if err := ensureEntryFile(e.file0Path); err != nil {
		return err
	}
	//nolint:gosec // G304: path is derived from the entry hash
	f, err := os.OpenFile(e.file0Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open entry: %w", core.ErrIO, err)
	}
	e.file0 = f

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat entry: %w", core.ErrIO, err)
	}
	if err := readAndCheckHeader(f, e.key); err != nil {
		return err
	}
	if err := e.loadStreams01(info.Size()); err != nil {
		return err
	}
	if err := e.loadStream2(); err != nil {
		return err
	}

	exists, err := ensureEntryFileIfExists(e.sparsePath)
	if err != nil {
		return err
	}
	if exists {
		s, err := openSparseFile(e.sparsePath, e.key, e.cfg.logger, e.cfg.metrics)
		if err != nil {
			return err
		}
		e.sparse = s
	}

	for i := range e.writeCRC {
		e.writeCRC[i] = crcState{value: e.stored[i].value, end: e.size[i], valid: e.stored[i].has}
	}
	e.lastModified = info.ModTime()
	e.lastUsed = e.cfg.now()
	return nil
}

func (e *syncEntry) loadStreams01(fileSize int64) error {
	pos := fileSize - eofSize
	if pos < e.base+eofSize {
		return fmt.Errorf("%w: entry file too short", core.ErrFormatInvalid)
	}
	eof0, err := readEOF(e.file0, pos)
	if err != nil {
		return err
	}
	if eof0.hasKeySHA256() {
		pos -= keySHA256Size
		if pos < e.base+eofSize {
			return fmt.Errorf("%w: entry file too short", core.ErrFormatInvalid)
		}
		sum := make([]byte, keySHA256Size)
		if _, err := e.file0.ReadAt(sum, pos); err != nil {
			return fmt.Errorf("%w: read key digest: %w", core.ErrIO, err)
		}
		if !bytes.Equal(sum, keySHA256(e.key)) {
			return fmt.Errorf("%w: key digest mismatch", core.ErrFormatInvalid)
		}
	}

	pos -= int64(eof0.streamSize)
	if pos < e.base+eofSize {
		return fmt.Errorf("%w: stream 0 size out of range", core.ErrFormatInvalid)
	}
	e.stream0 = make([]byte, eof0.streamSize)
	if _, err := e.file0.ReadAt(e.stream0, pos); err != nil {
		return fmt.Errorf("%w: read stream 0: %w", core.ErrIO, err)
	}
	if eof0.hasCRC() && crc32.ChecksumIEEE(e.stream0) != eof0.crc {
		e.cfg.metrics.ChecksumFailure()
		return fmt.Errorf("%w: stream 0 checksum mismatch", core.ErrFormatInvalid)
	}
	e.size[core.StreamMetadata] = int64(eof0.streamSize)
	e.stored[core.StreamMetadata] = storedCRC{has: eof0.hasCRC(), value: eof0.crc}

	pos -= eofSize
	eof1, err := readEOF(e.file0, pos)
	if err != nil {
		return err
	}
	if int64(eof1.streamSize) != pos-e.base {
		return fmt.Errorf("%w: stream 1 size mismatch", core.ErrFormatInvalid)
	}
	e.size[core.StreamBody] = int64(eof1.streamSize)
	e.stored[core.StreamBody] = storedCRC{has: eof1.hasCRC(), value: eof1.crc}
	return nil
}

func (e *syncEntry) loadStream2() error {
	exists, err := ensureEntryFileIfExists(e.file1Path)
	if err != nil || !exists {
		return err
	}
	//nolint:gosec // G304: path is derived from the entry hash
	f, err := os.OpenFile(e.file1Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: open stream 2: %w", core.ErrIO, err)
	}
	e.file1 = f

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat stream 2: %w", core.ErrIO, err)
	}
	if err := readAndCheckHeader(f, e.key); err != nil {
		return err
	}
	pos := info.Size() - eofSize
	if pos < e.base {
		return fmt.Errorf("%w: stream 2 file too short", core.ErrFormatInvalid)
	}
	eof2, err := readEOF(f, pos)
	if err != nil {
		return err
	}
	if int64(eof2.streamSize) != pos-e.base {
		return fmt.Errorf("%w: stream 2 size mismatch", core.ErrFormatInvalid)
	}
	e.size[core.StreamSideData] = int64(eof2.streamSize)
	e.stored[core.StreamSideData] = storedCRC{has: eof2.hasCRC(), value: eof2.crc}
	return nil
}

func readEOF(r io.ReaderAt, pos int64) (fileEOF, error) {
	buf := make([]byte, eofSize)
	if _, err := r.ReadAt(buf, pos); err != nil {
		return fileEOF{}, fmt.Errorf("%w: read eof record: %w", core.ErrIO, err)
	}
	return parseFileEOF(buf)
}

// streamFile returns the file holding stream i, creating the stream 2 file
// on first use.
func (e *syncEntry) streamFile(i core.StreamIndex) (*os.File, error) {
	if i == core.StreamBody {
		return e.file0, nil
	}
	if e.file1 != nil {
		return e.file1, nil
	}
	//nolint:gosec // G304: path is derived from the entry hash
	f, err := os.OpenFile(e.file1Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create stream 2: %w", core.ErrIO, err)
	}
	if _, err := f.WriteAt(append(newFileHeader(e.key).marshal(), e.key...), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write stream 2 header: %w", core.ErrIO, err)
	}
	e.file1 = f
	return f, nil
}

func (e *syncEntry) checkUsable() error {
	if e.doomed {
		return fmt.Errorf("%w: entry doomed", core.ErrFailed)
	}
	if e.closed {
		return core.ErrClosed
	}
	return nil
}

// readStream copies up to len(p) bytes of stream i starting at off. The
// stored checksum is verified once a run of sequential reads from offset 0
// reaches the end of an unmodified stream.
func (e *syncEntry) readStream(i core.StreamIndex, off int64, p []byte) (int, error) {
	if err := e.checkUsable(); err != nil {
		return 0, err
	}
	size := e.size[i]
	if off >= size || len(p) == 0 {
		return 0, nil
	}
	n := min(int64(len(p)), size-off)
	dst := p[:n]

	if i == core.StreamMetadata {
		copy(dst, e.stream0[off:])
	} else {
		f, err := e.streamFile(i)
		if err != nil {
			return 0, err
		}
		if _, err := f.ReadAt(dst, e.base+off); err != nil {
			return 0, fmt.Errorf("%w: read stream %d: %w", core.ErrIO, i, err)
		}
	}
	e.lastUsed = e.cfg.now()

	if e.dirty[i] || !e.stored[i].has {
		return int(n), nil
	}
	rc := &e.readCRC[i]
	switch {
	case off == 0:
		rc.restart(dst)
	case rc.valid && off == rc.end:
		rc.extend(dst)
	default:
		return int(n), nil
	}
	if rc.end == size {
		rc.valid = false
		if rc.value != e.stored[i].value {
			e.cfg.metrics.ChecksumFailure()
			return 0, fmt.Errorf("%w: stream %d of %q", core.ErrChecksumMismatch, i, e.key)
		}
	}
	return int(n), nil
}

// writeStream writes p to stream i at off. Gaps read back as zeros and
// truncate sets the stream size to off+len(p).
func (e *syncEntry) writeStream(i core.StreamIndex, off int64, p []byte, truncate bool) error {
	if err := e.checkUsable(); err != nil {
		return err
	}
	if off < 0 || beyond(off, int64(len(p)), maxStreamSize) {
		return fmt.Errorf("%w: stream write at %d, length %d", core.ErrInvalidArgument, off, len(p))
	}
	end := off + int64(len(p))
	size := e.size[i]
	newSize := max(size, end)
	if truncate {
		newSize = end
	}

	if i == core.StreamMetadata {
		e.writeStream0(off, p, newSize)
	} else if err := e.writeFileStream(i, off, p, size, newSize); err != nil {
		return err
	}

	wc := &e.writeCRC[i]
	switch {
	case off == 0 && truncate:
		wc.restart(p)
	case wc.valid && off == wc.end:
		wc.extend(p)
	default:
		wc.valid = false
	}

	e.size[i] = newSize
	e.dirty[i] = true
	e.readCRC[i] = crcState{}
	e.lastModified = e.cfg.now()
	e.lastUsed = e.lastModified
	return nil
}

func (e *syncEntry) writeStream0(off int64, p []byte, newSize int64) {
	if grow := newSize - int64(len(e.stream0)); grow > 0 {
		e.stream0 = append(e.stream0, make([]byte, grow)...)
	}
	copy(e.stream0[off:], p)
	e.stream0 = e.stream0[:newSize]
}

func (e *syncEntry) writeFileStream(i core.StreamIndex, off int64, p []byte, size, newSize int64) error {
	f, err := e.streamFile(i)
	if err != nil {
		return err
	}
	end := off + int64(len(p))
	if end > size {
		// Drop whatever follows the stream data so the gap reads as zeros.
		if err := f.Truncate(e.base + size); err != nil {
			return fmt.Errorf("%w: truncate stream %d: %w", core.ErrIO, i, err)
		}
	}
	if len(p) > 0 {
		if _, err := f.WriteAt(p, e.base+off); err != nil {
			return fmt.Errorf("%w: write stream %d: %w", core.ErrIO, i, err)
		}
	}
	if newSize != max(size, end) || (len(p) == 0 && end > size) {
		if err := f.Truncate(e.base + newSize); err != nil {
			return fmt.Errorf("%w: truncate stream %d: %w", core.ErrIO, i, err)
		}
	}
	return nil
}

func (e *syncEntry) eofFor(i core.StreamIndex) fileEOF {
	eof := fileEOF{magic: finalMagic, streamSize: int32(e.size[i])} //nolint:gosec // G115: bounded by maxStreamSize
	switch {
	case e.dirty[i]:
		if wc := e.writeCRC[i]; wc.valid && wc.end == e.size[i] {
			eof.flags |= flagHasCRC32
			eof.crc = wc.value
		}
	case e.stored[i].has:
		eof.flags |= flagHasCRC32
		eof.crc = e.stored[i].value
	}
	return eof
}

func (e *syncEntry) writeSparse(off int64, p []byte, canceled func() bool) (int, error) {
	if err := e.checkUsable(); err != nil {
		return 0, err
	}
	if e.sparse == nil {
		s, err := createSparseFile(e.sparsePath, e.key, e.cfg.logger, e.cfg.metrics)
		if err != nil {
			return 0, err
		}
		e.sparse = s
	}
	if limit := e.cfg.maxSparseSize; limit > 0 && e.sparse.size()+int64(len(p)) > limit {
		e.cfg.logger.Debug("sparse data over limit, truncating", "key", e.key, "limit", limit)
		if err := e.sparse.truncate(); err != nil {
			return 0, err
		}
	}
	n, err := e.sparse.write(off, p, canceled)
	e.lastModified = e.cfg.now()
	e.lastUsed = e.lastModified
	return n, err
}

func (e *syncEntry) readSparse(off int64, p []byte, canceled func() bool) (int, error) {
	if err := e.checkUsable(); err != nil {
		return 0, err
	}
	e.lastUsed = e.cfg.now()
	if e.sparse == nil {
		return 0, nil
	}
	return e.sparse.read(off, p, canceled)
}

func (e *syncEntry) availableRange(off, length int64) (Range, error) {
	if err := e.checkUsable(); err != nil {
		return Range{}, err
	}
	if e.sparse == nil {
		return Range{Offset: off}, nil
	}
	start, n := e.sparse.availableRange(off, length)
	return Range{Offset: start, Length: n}, nil
}

func (e *syncEntry) sparseDataSize() int64 {
	if e.sparse == nil {
		return 0
	}
	return e.sparse.size()
}

// close writes the trailing records and file times. On failure every file of
// the entry is removed.
func (e *syncEntry) close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.doomed {
		e.closeFiles()
		return nil
	}

	err := e.flush()
	if closeErr := e.closeFiles(); err == nil && closeErr != nil {
		err = fmt.Errorf("%w: close entry files: %w", core.ErrIO, closeErr)
	}
	if err == nil {
		if chErr := os.Chtimes(e.file0Path, e.lastUsed, e.lastModified); chErr != nil {
			err = fmt.Errorf("%w: set entry times: %w", core.ErrIO, chErr)
		}
	}
	if err != nil {
		e.cfg.logger.Warn("failed to close cache entry, removing", "key", e.key, "error", err)
		if delErr := e.deleteFiles(); delErr != nil {
			e.cfg.logger.Warn("failed to remove cache entry", "key", e.key, "error", delErr)
		}
		return err
	}
	return nil
}

func (e *syncEntry) flush() error {
	if e.dirty[core.StreamMetadata] || e.dirty[core.StreamBody] {
		if err := e.flushFile0(); err != nil {
			return err
		}
	}
	if e.dirty[core.StreamSideData] {
		if err := e.flushFile1(); err != nil {
			return err
		}
	}
	if !e.cfg.syncOnClose {
		return nil
	}
	for _, f := range []*os.File{e.file0, e.file1} {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("%w: sync entry: %w", core.ErrIO, err)
		}
	}
	return nil
}

func (e *syncEntry) flushFile0() error {
	tail := e.base + e.size[core.StreamBody]
	if err := e.file0.Truncate(tail); err != nil {
		return fmt.Errorf("%w: truncate entry: %w", core.ErrIO, err)
	}

	eof0 := fileEOF{
		magic:      finalMagic,
		flags:      flagHasCRC32 | flagHasKeySHA256,
		crc:        crc32.ChecksumIEEE(e.stream0),
		streamSize: int32(len(e.stream0)), //nolint:gosec // G115: bounded by maxStreamSize
	}
	var buf bytes.Buffer
	buf.Write(e.eofFor(core.StreamBody).marshal())
	buf.Write(e.stream0)
	buf.Write(keySHA256(e.key))
	buf.Write(eof0.marshal())
	if _, err := e.file0.WriteAt(buf.Bytes(), tail); err != nil {
		return fmt.Errorf("%w: write entry trailer: %w", core.ErrIO, err)
	}
	return nil
}

func (e *syncEntry) flushFile1() error {
	if e.size[core.StreamSideData] == 0 {
		if e.file1 != nil {
			e.file1.Close()
			e.file1 = nil
		}
		if err := removeIfExists(e.file1Path); err != nil {
			return fmt.Errorf("%w: remove empty stream 2: %w", core.ErrIO, err)
		}
		return nil
	}
	tail := e.base + e.size[core.StreamSideData]
	if err := e.file1.Truncate(tail); err != nil {
		return fmt.Errorf("%w: truncate stream 2: %w", core.ErrIO, err)
	}
	if _, err := e.file1.WriteAt(e.eofFor(core.StreamSideData).marshal(), tail); err != nil {
		return fmt.Errorf("%w: write stream 2 eof: %w", core.ErrIO, err)
	}
	return nil
}

// doom deletes the entry files. Later operations on e fail with core.ErrFailed.
func (e *syncEntry) doom() error {
	if e.doomed {
		return nil
	}
	e.doomed = true
	e.closeFiles()
	return e.deleteFiles()
}

func (e *syncEntry) closeFiles() error {
	var errs []error
	for _, f := range []**os.File{&e.file0, &e.file1} {
		if *f == nil {
			continue
		}
		errs = append(errs, (*f).Close())
		*f = nil
	}
	if e.sparse != nil {
		errs = append(errs, e.sparse.close())
		e.sparse = nil
	}
	return errors.Join(errs...)
}

func (e *syncEntry) deleteFiles() error {
	return deleteEntryFiles(e.cfg.dir, e.hash)
}

// deleteEntryFiles removes every file of the entry with the given hash.
func deleteEntryFiles(dir string, hash uint64) error {
	file0, file1, sparse := entryPaths(dir, hash)
	return errors.Join(removeIfExists(file0), removeIfExists(file1), removeIfExists(sparse))
}
