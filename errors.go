package netstore

import "github.com/meigma/netstore/core"

// Sentinel errors for common failure conditions.
// Re-exported from core package.
var (
	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = core.ErrNotFound

	// ErrExists indicates an entry with the key already exists.
	ErrExists = core.ErrExists

	// ErrFormatInvalid indicates entry files on disk could not be parsed.
	// The entry is treated as a miss and its files are removed.
	ErrFormatInvalid = core.ErrFormatInvalid

	// ErrChecksumMismatch indicates stream data failed CRC verification.
	ErrChecksumMismatch = core.ErrChecksumMismatch

	// ErrIO indicates a filesystem operation failed.
	ErrIO = core.ErrIO

	// ErrInvalidArgument indicates a rejected offset, length or stream index.
	ErrInvalidArgument = core.ErrInvalidArgument

	// ErrOperationNotSupported indicates a sparse request that cannot be served.
	ErrOperationNotSupported = core.ErrOperationNotSupported

	// ErrFailed indicates the entry is in the failure state.
	ErrFailed = core.ErrFailed

	// ErrClosed indicates an operation was attempted on a closed resource.
	ErrClosed = core.ErrClosed
)
