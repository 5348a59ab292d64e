package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/meigma/netstore"
)

// streamReader reads one entry stream sequentially.
type streamReader struct {
	ctx    context.Context
	entry  *netstore.Entry
	index  netstore.StreamIndex
	offset int64
}

func (r *streamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.entry.ReadData(r.ctx, r.index, r.offset, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	r.offset += int64(n)
	return n, nil
}

// sparseReader reads sparse data from offset up to the first gap.
type sparseReader struct {
	ctx    context.Context
	entry  *netstore.Entry
	offset int64
}

func (r *sparseReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.entry.ReadSparseData(r.ctx, r.offset, p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	r.offset += int64(n)
	return n, nil
}

// writeEntry stores data according to the put flags.
func writeEntry(ctx context.Context, e *netstore.Entry, data []byte) error {
	if putMetadata != "" {
		if _, err := e.WriteData(ctx, netstore.StreamMetadata, 0, []byte(putMetadata), true); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}

	if putSparseAt >= 0 {
		if _, err := e.WriteSparseData(ctx, putSparseAt, data); err != nil {
			return fmt.Errorf("write sparse data: %w", err)
		}
		return nil
	}

	index := netstore.StreamBody
	if putSideData {
		index = netstore.StreamSideData
	}
	if _, err := e.WriteData(ctx, index, 0, data, true); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}
