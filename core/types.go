// Package core provides the shared types and interfaces for netstore.
//
// This package exists to break import cycles between the root netstore package
// and internal implementation packages. The netstore package re-exports all
// public types from this package, so external users should import netstore
// directly, not netstore/core.
package core

import "errors"

// Sentinel errors for common failure conditions.
var (
	// ErrNotFound indicates the requested entry does not exist (a clean miss).
	ErrNotFound = errors.New("netstore: not found")

	// ErrExists indicates an entry already exists for the key.
	ErrExists = errors.New("netstore: entry already exists")

	// ErrFormatInvalid indicates on-disk data has a bad magic number, version or key.
	ErrFormatInvalid = errors.New("netstore: invalid entry format")

	// ErrChecksumMismatch indicates stored data failed CRC verification.
	ErrChecksumMismatch = errors.New("netstore: checksum mismatch")

	// ErrIO indicates a disk I/O failure.
	ErrIO = errors.New("netstore: i/o error")

	// ErrInvalidArgument indicates a negative offset or length, or a bad stream index.
	ErrInvalidArgument = errors.New("netstore: invalid argument")

	// ErrOperationNotSupported indicates the operation cannot be served, such as
	// sparse offsets beyond the addressable ceiling or sparse I/O after a cancel.
	ErrOperationNotSupported = errors.New("netstore: operation not supported")

	// ErrFailed indicates the entry is in the failure state and must be closed.
	ErrFailed = errors.New("netstore: entry failed")

	// ErrClosed indicates an operation was attempted on a closed resource.
	ErrClosed = errors.New("netstore: resource closed")
)

// StreamIndex selects one of the three logical streams of an entry.
type StreamIndex int

const (
	// StreamMetadata holds response headers and other small metadata.
	StreamMetadata StreamIndex = 0
	// StreamBody holds the response body.
	StreamBody StreamIndex = 1
	// StreamSideData holds auxiliary data such as compiled code.
	StreamSideData StreamIndex = 2
)

// StreamCount is the number of streams per entry.
const StreamCount = 3

// Valid reports whether the index names an existing stream.
func (s StreamIndex) Valid() bool {
	return s >= StreamMetadata && s <= StreamSideData
}

// EntryState is the lifecycle state of an open cache entry.
type EntryState int

const (
	StateUninitialized EntryState = iota
	StateReady
	StateIOPending
	StateFailure
)

func (s EntryState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateIOPending:
		return "io_pending"
	case StateFailure:
		return "failure"
	default:
		return "unknown"
	}
}
