package diskcache

import (
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/netstore/core"
)

// On-disk constants. Changing any of these breaks compatibility with
// existing cache directories.
const (
	initialMagic  uint64 = 0xfcfb6d1ba7725c30
	finalMagic    uint64 = 0xf4fa6f45970d41d8
	sparseMagic   uint64 = 0xeb97bf016553676b
	formatVersion uint32 = 5

	headerSize       = 24
	eofSize          = 24
	sparseHeaderSize = 32
	keySHA256Size    = 32

	flagHasCRC32     uint32 = 1 << 0
	flagHasKeySHA256 uint32 = 1 << 1
)

// maxStreamSize is the largest stream the EOF record can describe.
const maxStreamSize = 1<<31 - 1

// maxKeyLength bounds keys so the header length field cannot overflow and a
// damaged header cannot trigger a huge allocation.
const maxKeyLength = 64 << 10

// EntryHash returns the 64-bit hash used for filenames and indexing.
func EntryHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// keyHash is the 32-bit key checksum stored in file headers.
func keyHash(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

// keySHA256 returns the raw SHA-256 of the key stored after stream 0.
func keySHA256(key string) []byte {
	h := digest.SHA256.Hash()
	h.Write([]byte(key))
	return h.Sum(nil)
}

// KeyDigest returns the key digest in "sha256:<hex>" form.
func KeyDigest(key string) digest.Digest {
	return digest.SHA256.FromString(key)
}

func streamFileName(hash uint64, index int) string {
	return fmt.Sprintf("%016x_%d", hash, index)
}

func sparseFileName(hash uint64) string {
	return fmt.Sprintf("%016x_s", hash)
}

// entryPaths returns the stream 0/1 file, the stream 2 file and the sparse file.
func entryPaths(dir string, hash uint64) (file0, file1, sparse string) {
	return filepath.Join(dir, streamFileName(hash, 0)),
		filepath.Join(dir, streamFileName(hash, 1)),
		filepath.Join(dir, sparseFileName(hash))
}

type fileHeader struct {
	magic     uint64
	version   uint32
	keyLength uint32
	keyHash   uint32
}

func newFileHeader(key string) fileHeader {
	return fileHeader{
		magic:     initialMagic,
		version:   formatVersion,
		keyLength: uint32(len(key)), //nolint:gosec // G115: keys are bounded by maxKeyLength
		keyHash:   keyHash(key),
	}
}

func (h fileHeader) marshal() []byte {
	b := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(b[0:], h.magic)
	binary.LittleEndian.PutUint32(b[8:], h.version)
	binary.LittleEndian.PutUint32(b[12:], h.keyLength)
	binary.LittleEndian.PutUint32(b[16:], h.keyHash)
	return b
}

func parseFileHeader(b []byte) (fileHeader, error) {
	if len(b) < headerSize {
		return fileHeader{}, fmt.Errorf("%w: short header", core.ErrFormatInvalid)
	}
	h := fileHeader{
		magic:     binary.LittleEndian.Uint64(b[0:]),
		version:   binary.LittleEndian.Uint32(b[8:]),
		keyLength: binary.LittleEndian.Uint32(b[12:]),
		keyHash:   binary.LittleEndian.Uint32(b[16:]),
	}
	if h.magic != initialMagic {
		return h, fmt.Errorf("%w: bad header magic %#x", core.ErrFormatInvalid, h.magic)
	}
	if h.version != formatVersion {
		return h, fmt.Errorf("%w: unsupported version %d", core.ErrFormatInvalid, h.version)
	}
	return h, nil
}

// readAndCheckHeader validates the header and key at the start of r.
func readAndCheckHeader(r io.ReaderAt, key string) error {
	buf := make([]byte, headerSize+len(key))
	if _, err := r.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: truncated header", core.ErrFormatInvalid)
		}
		return fmt.Errorf("%w: read header: %w", core.ErrIO, err)
	}
	h, err := parseFileHeader(buf)
	if err != nil {
		return err
	}
	if h.keyLength != uint32(len(key)) || h.keyHash != keyHash(key) { //nolint:gosec // G115: keys are bounded by maxKeyLength
		return fmt.Errorf("%w: key mismatch", core.ErrFormatInvalid)
	}
	if string(buf[headerSize:]) != key {
		return fmt.Errorf("%w: key mismatch", core.ErrFormatInvalid)
	}
	return nil
}

type fileEOF struct {
	magic      uint64
	flags      uint32
	crc        uint32
	streamSize int32
}

func (e fileEOF) hasCRC() bool { return e.flags&flagHasCRC32 != 0 }

func (e fileEOF) hasKeySHA256() bool { return e.flags&flagHasKeySHA256 != 0 }

func (e fileEOF) marshal() []byte {
	b := make([]byte, eofSize)
	binary.LittleEndian.PutUint64(b[0:], e.magic)
	binary.LittleEndian.PutUint32(b[8:], e.flags)
	binary.LittleEndian.PutUint32(b[12:], e.crc)
	binary.LittleEndian.PutUint32(b[16:], uint32(e.streamSize)) //nolint:gosec // G115: bit pattern of a signed field
	return b
}

func parseFileEOF(b []byte) (fileEOF, error) {
	if len(b) < eofSize {
		return fileEOF{}, fmt.Errorf("%w: short eof record", core.ErrFormatInvalid)
	}
	e := fileEOF{
		magic:      binary.LittleEndian.Uint64(b[0:]),
		flags:      binary.LittleEndian.Uint32(b[8:]),
		crc:        binary.LittleEndian.Uint32(b[12:]),
		streamSize: int32(binary.LittleEndian.Uint32(b[16:])), //nolint:gosec // G115: bit pattern of a signed field
	}
	if e.magic != finalMagic {
		return e, fmt.Errorf("%w: bad eof magic %#x", core.ErrFormatInvalid, e.magic)
	}
	if e.streamSize < 0 {
		return e, fmt.Errorf("%w: negative stream size", core.ErrFormatInvalid)
	}
	return e, nil
}

type sparseRangeHeader struct {
	magic  uint64
	offset int64
	length int64
	crc    uint32
}

func (h sparseRangeHeader) marshal() []byte {
	b := make([]byte, sparseHeaderSize)
	binary.LittleEndian.PutUint64(b[0:], h.magic)
	binary.LittleEndian.PutUint64(b[8:], uint64(h.offset)) //nolint:gosec // G115: bit pattern of a signed field
	binary.LittleEndian.PutUint64(b[16:], uint64(h.length)) //nolint:gosec // G115: bit pattern of a signed field
	binary.LittleEndian.PutUint32(b[24:], h.crc)
	return b
}

func parseSparseRangeHeader(b []byte) (sparseRangeHeader, error) {
	if len(b) < sparseHeaderSize {
		return sparseRangeHeader{}, fmt.Errorf("%w: short sparse range header", core.ErrFormatInvalid)
	}
	h := sparseRangeHeader{
		magic:  binary.LittleEndian.Uint64(b[0:]),
		offset: int64(binary.LittleEndian.Uint64(b[8:])),  //nolint:gosec // G115: bit pattern of a signed field
		length: int64(binary.LittleEndian.Uint64(b[16:])), //nolint:gosec // G115: bit pattern of a signed field
		crc:    binary.LittleEndian.Uint32(b[24:]),
	}
	if h.magic != sparseMagic {
		return h, fmt.Errorf("%w: bad sparse range magic %#x", core.ErrFormatInvalid, h.magic)
	}
	if h.offset < 0 || h.length <= 0 {
		return h, fmt.Errorf("%w: bad sparse range [%d, +%d)", core.ErrFormatInvalid, h.offset, h.length)
	}
	return h, nil
}
