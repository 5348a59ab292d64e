package diskcache

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/netstore/core"
)

func TestFileHeader(t *testing.T) {
	t.Parallel()

	valid := newFileHeader("https://example.com/").marshal()

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr bool
	}{
		{name: "valid", mutate: func(b []byte) []byte { return b }},
		{name: "short", mutate: func(b []byte) []byte { return b[:headerSize-1] }, wantErr: true},
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b, 1)
				return b
			},
			wantErr: true,
		},
		{
			name: "future version",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[8:], formatVersion+1)
				return b
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := tt.mutate(bytes.Clone(valid))
			h, err := parseFileHeader(b)
			if tt.wantErr {
				require.ErrorIs(t, err, core.ErrFormatInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint32(len("https://example.com/")), h.keyLength)
			assert.Equal(t, keyHash("https://example.com/"), h.keyHash)
		})
	}
}

func TestReadAndCheckHeader(t *testing.T) {
	t.Parallel()
	key := "https://example.com/a"
	file := append(newFileHeader(key).marshal(), key...)

	require.NoError(t, readAndCheckHeader(bytes.NewReader(file), key))

	err := readAndCheckHeader(bytes.NewReader(file), "https://example.com/b")
	require.ErrorIs(t, err, core.ErrFormatInvalid)

	err = readAndCheckHeader(bytes.NewReader(file[:headerSize+3]), key)
	require.ErrorIs(t, err, core.ErrFormatInvalid)

	// Same length and hash slot but different bytes.
	forged := bytes.Clone(file)
	forged[len(forged)-1] ^= 1
	binary.LittleEndian.PutUint32(forged[16:], keyHash(key))
	err = readAndCheckHeader(bytes.NewReader(forged), key)
	require.ErrorIs(t, err, core.ErrFormatInvalid)
}

func TestFileEOF(t *testing.T) {
	t.Parallel()

	eof := fileEOF{magic: finalMagic, flags: flagHasCRC32, crc: 0xdeadbeef, streamSize: 1234}
	got, err := parseFileEOF(eof.marshal())
	require.NoError(t, err)
	assert.Equal(t, eof, got)
	assert.True(t, got.hasCRC())
	assert.False(t, got.hasKeySHA256())

	_, err = parseFileEOF(eof.marshal()[:eofSize-1])
	require.ErrorIs(t, err, core.ErrFormatInvalid)

	bad := eof
	bad.magic = initialMagic
	_, err = parseFileEOF(bad.marshal())
	require.ErrorIs(t, err, core.ErrFormatInvalid)

	bad = eof
	bad.streamSize = -1
	_, err = parseFileEOF(bad.marshal())
	require.ErrorIs(t, err, core.ErrFormatInvalid)
}

func TestSparseRangeHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		hdr     sparseRangeHeader
		wantErr bool
	}{
		{name: "valid", hdr: sparseRangeHeader{magic: sparseMagic, offset: 4096, length: 1024, crc: 7}},
		{name: "bad magic", hdr: sparseRangeHeader{magic: finalMagic, offset: 0, length: 1}, wantErr: true},
		{name: "negative offset", hdr: sparseRangeHeader{magic: sparseMagic, offset: -1, length: 1}, wantErr: true},
		{name: "empty", hdr: sparseRangeHeader{magic: sparseMagic, offset: 0, length: 0}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseSparseRangeHeader(tt.hdr.marshal())
			if tt.wantErr {
				require.ErrorIs(t, err, core.ErrFormatInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hdr, got)
		})
	}
}

func TestEntryNaming(t *testing.T) {
	t.Parallel()

	hash := EntryHash("key")
	assert.Equal(t, hash, EntryHash("key"))
	assert.NotEqual(t, hash, EntryHash("key2"))

	file0, file1, sparse := entryPaths("/cache", 0xab)
	assert.Equal(t, "/cache/00000000000000ab_0", file0)
	assert.Equal(t, "/cache/00000000000000ab_1", file1)
	assert.Equal(t, "/cache/00000000000000ab_s", sparse)

	assert.Equal(t,
		"sha256:2c70e12b7a0646f92279f427c7b38e7334d8e5389cff167a1dc30e73f826b683",
		KeyDigest("key").String())
	assert.Len(t, keySHA256("key"), keySHA256Size)
}
