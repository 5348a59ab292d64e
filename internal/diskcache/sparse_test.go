package diskcache

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSparseKey = "https://example.com/video.mp4"

func newTestSparseFile(t *testing.T) *sparseFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), sparseFileName(EntryHash(testSparseKey)))
	s, err := createSparseFile(path, testSparseKey, slog.New(slog.DiscardHandler), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.close() })
	return s
}

func reopenSparseFile(t *testing.T, s *sparseFile) *sparseFile {
	t.Helper()
	require.NoError(t, s.close())
	reopened, err := openSparseFile(s.path, s.key, slog.New(slog.DiscardHandler), nil)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.close() })
	return reopened
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestChildState_Update(t *testing.T) {
	t.Parallel()

	type write struct{ off, n int64 }
	tests := []struct {
		name     string
		writes   []write
		expected []Range
	}{
		{
			name:     "aligned full block",
			writes:   []write{{0, 1024}},
			expected: []Range{{Offset: 0, Length: 1024}},
		},
		{
			name:     "aligned partial block kept",
			writes:   []write{{2048, 100}},
			expected: []Range{{Offset: 2048, Length: 100}},
		},
		{
			name:     "misaligned write inside one block dropped",
			writes:   []write{{524, 180}},
			expected: nil,
		},
		{
			name:     "misaligned head dropped up to next block",
			writes:   []write{{100, 2000}},
			expected: []Range{{Offset: 1024, Length: 1076}},
		},
		{
			name:     "continuation of partial block",
			writes:   []write{{0, 100}, {100, 100}},
			expected: []Range{{Offset: 0, Length: 200}},
		},
		{
			name:     "continuation crossing a block",
			writes:   []write{{0, 900}, {900, 300}},
			expected: []Range{{Offset: 0, Length: 1200}},
		},
		{
			name:     "write with gap after partial block dropped",
			writes:   []write{{0, 100}, {200, 100}},
			expected: []Range{{Offset: 0, Length: 100}},
		},
		{
			name:     "new partial replaces old one",
			writes:   []write{{0, 100}, {4096, 10}},
			expected: []Range{{Offset: 4096, Length: 10}},
		},
		{
			name:     "partial write into set block keeps block",
			writes:   []write{{0, 1024}, {0, 10}},
			expected: []Range{{Offset: 0, Length: 1024}},
		},
		{
			name:     "shorter rewrite shrinks partial block",
			writes:   []write{{0, 80}, {0, 50}},
			expected: []Range{{Offset: 0, Length: 50}},
		},
		{
			name:     "write to end of child",
			writes:   []write{{sparseChildSize - 1024, 1024}},
			expected: []Range{{Offset: sparseChildSize - 1024, Length: 1024}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cs := childStateFrom(nil, 0)
			for _, w := range tt.writes {
				cs.update(w.off, w.n)
			}
			assert.Equal(t, tt.expected, cs.ranges(0))
		})
	}
}

func TestChildStateFrom_Canonical(t *testing.T) {
	t.Parallel()

	avail := []Range{
		{Offset: 0, Length: 2048},
		{Offset: 3000, Length: 100}, // not block aligned, not representable
		{Offset: 5120, Length: 300},
	}
	cs := childStateFrom(avail, 0)
	assert.Equal(t, []Range{{Offset: 0, Length: 2048}, {Offset: 5120, Length: 300}}, cs.ranges(0))
}

func TestSparseFile_WriteDropped(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)
	data := pattern(180, 1)

	// Small writes creeping toward a block boundary are dropped until one
	// crosses it; only the bytes past the boundary survive.
	offset := int64(1024 - 500)
	for i := range 5 {
		n, err := s.write(offset, data, nil)
		require.NoError(t, err)
		assert.Equal(t, len(data), n)

		_, length := s.availableRange(offset-100, 180)
		assert.Zero(t, length)
		offset += int64(1024*i + 100)
	}

	start, length := s.availableRange(7068, 180)
	assert.Equal(t, int64(1024*7), start)
	assert.Equal(t, int64(80), length)

	buf := make([]byte, 180)
	n, err := s.read(start, buf, nil)
	require.NoError(t, err)
	require.Equal(t, 80, n)
	assert.Equal(t, data[100:], buf[:n])

	// A write elsewhere replaces the partial block.
	_, err = s.write(0, data, nil)
	require.NoError(t, err)
	_, length = s.availableRange(start, 180)
	assert.Zero(t, length)

	start, length = s.availableRange(0, 10000)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(180), length)
}

func TestSparseFile_SequentialWriteNotDropped(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)
	data := pattern(180, 3)

	for offset := int64(1024 * 11); offset < 20000; offset += 180 {
		n, err := s.write(offset, data, nil)
		require.NoError(t, err)
		require.Equal(t, 180, n)

		start, length := s.availableRange(offset, 180)
		assert.Equal(t, offset, start)
		assert.Equal(t, int64(180), length)

		buf := make([]byte, 180)
		n, err = s.read(offset, buf, nil)
		require.NoError(t, err)
		require.Equal(t, 180, n)
		assert.Equal(t, data, buf)
	}
}

func TestSparseFile_AvailableRangeStopsAtGap(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)

	_, err := s.write(0, pattern(1024, 0), nil)
	require.NoError(t, err)
	_, err = s.write(5120, pattern(1024, 9), nil)
	require.NoError(t, err)

	start, length := s.availableRange(0, 10000)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(1024), length)

	start, length = s.availableRange(1024, 10000)
	assert.Equal(t, int64(5120), start)
	assert.Equal(t, int64(1024), length)

	start, length = s.availableRange(5500, 100)
	assert.Equal(t, int64(5500), start)
	assert.Equal(t, int64(100), length)

	start, length = s.availableRange(2048, 1024)
	assert.Equal(t, int64(2048), start)
	assert.Zero(t, length)
}

func TestSparseFile_ReadAcrossChildren(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)

	data := pattern(3*1024, 5)
	off := sparseChildSize - 1024
	n, err := s.write(off, data, nil)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	start, length := s.availableRange(0, 2*sparseChildSize)
	assert.Equal(t, off, start)
	assert.Equal(t, int64(len(data)), length)

	buf := make([]byte, 8192)
	n, err = s.read(off, buf, nil)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	assert.Equal(t, data, buf[:n])

	// A read starting in a hole returns nothing.
	n, err = s.read(off-1024, buf, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSparseFile_OverwriteKeepsNewest(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)

	_, err := s.write(0, pattern(4096, 1), nil)
	require.NoError(t, err)
	fresh := pattern(1024, 200)
	_, err = s.write(1024, fresh, nil)
	require.NoError(t, err)

	s = reopenSparseFile(t, s)

	buf := make([]byte, 4096)
	n, err := s.read(0, buf, nil)
	require.NoError(t, err)
	require.Equal(t, 4096, n)

	expected := pattern(4096, 1)
	copy(expected[1024:], fresh)
	assert.Equal(t, expected, buf)
}

func TestSparseFile_CorruptChildIsolated(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)

	first := pattern(2048, 1)
	second := pattern(2048, 2)
	_, err := s.write(0, first, nil)
	require.NoError(t, err)
	_, err = s.write(sparseChildSize, second, nil)
	require.NoError(t, err)
	require.NoError(t, s.close())

	// Flip a payload byte of the first record, which lives in child 0.
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff ^ first[10]}, s.base+sparseHeaderSize+10)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = openSparseFile(s.path, s.key, slog.New(slog.DiscardHandler), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.close() })

	buf := make([]byte, 2048)
	n, err := s.read(0, buf, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, length := s.availableRange(0, sparseChildSize)
	assert.Zero(t, length, "corrupt child should be dropped")

	n, err = s.read(sparseChildSize, buf, nil)
	require.NoError(t, err)
	require.Equal(t, 2048, n)
	assert.Equal(t, second, buf)

	// The dropped child accepts new data.
	_, err = s.write(0, first, nil)
	require.NoError(t, err)
	n, err = s.read(0, buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 2048, n)
}

func TestSparseFile_RepairsTruncatedTail(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)

	_, err := s.write(0, pattern(1024, 1), nil)
	require.NoError(t, err)
	_, err = s.write(1024, pattern(1024, 2), nil)
	require.NoError(t, err)
	size := s.size()
	require.NoError(t, s.close())

	// Cut the second record in half, as a crash mid-append would.
	require.NoError(t, os.Truncate(s.path, size-512))

	s, err = openSparseFile(s.path, s.key, slog.New(slog.DiscardHandler), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.close() })

	start, length := s.availableRange(0, 4096)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(1024), length)

	info, err := os.Stat(s.path)
	require.NoError(t, err)
	assert.Equal(t, s.base+sparseHeaderSize+1024, info.Size())
}

func TestSparseFile_RejectsForeignKey(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)
	require.NoError(t, s.close())

	_, err := openSparseFile(s.path, "another-key", slog.New(slog.DiscardHandler), nil)
	require.Error(t, err)
}

func TestSparseFile_CancelStopsAtChildBoundary(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)

	data := pattern(40*1024, 4)
	off := sparseChildSize - 4096
	n, err := s.write(off, data, func() bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	start, length := s.availableRange(off, int64(len(data)))
	assert.Equal(t, off, start)
	assert.Equal(t, int64(4096), length)
}

func TestSparseFile_Truncate(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)

	_, err := s.write(0, pattern(4096, 1), nil)
	require.NoError(t, err)
	require.NoError(t, s.truncate())
	assert.Equal(t, s.base, s.size())

	_, length := s.availableRange(0, 4096)
	assert.Zero(t, length)

	s = reopenSparseFile(t, s)
	_, length = s.availableRange(0, 4096)
	assert.Zero(t, length)
}

func TestSparseFile_Verify(t *testing.T) {
	t.Parallel()
	s := newTestSparseFile(t)

	_, err := s.write(0, pattern(1024, 1), nil)
	require.NoError(t, err)
	_, err = s.write(3*sparseChildSize, pattern(1024, 2), nil)
	require.NoError(t, err)

	dropped, err := s.verify()
	require.NoError(t, err)
	assert.Zero(t, dropped)

	_, err = s.f.WriteAt(bytes.Repeat([]byte{0xaa}, 4), s.base+sparseHeaderSize)
	require.NoError(t, err)

	dropped, err = s.verify()
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	_, length := s.availableRange(3*sparseChildSize, 1024)
	assert.Equal(t, int64(1024), length)
}
