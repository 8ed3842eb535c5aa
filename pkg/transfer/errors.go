package transfer

import (
	"errors"
	"fmt"
)

// Failure taxonomy; each case is surfaced to the sender distinctly.
var (
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrChunkHashMismatch = errors.New("chunk hash mismatch")
	ErrFileHashMismatch  = errors.New("file hash mismatch")
	ErrInvalidChunkSize  = errors.New("invalid chunk size")
	ErrChunkOutOfOrder   = errors.New("chunks missing or out of order")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrTransferTimeout   = errors.New("transfer timed out")
)

// ErrorKind maps an engine error to the wire error_kind string.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrTransferNotFound):
		return "transfer_not_found"
	case errors.Is(err, ErrChunkHashMismatch):
		return "chunk_hash_mismatch"
	case errors.Is(err, ErrFileHashMismatch):
		return "file_hash_mismatch"
	case errors.Is(err, ErrInvalidChunkSize):
		return "invalid_chunk_size"
	case errors.Is(err, ErrChunkOutOfOrder):
		return "chunk_out_of_order"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrTransferTimeout):
		return "transfer_timeout"
	default:
		return "internal"
	}
}

func chunkSizeError(index uint32, expected, actual int) error {
	return fmt.Errorf("%w: chunk %d declared %d bytes, got %d", ErrInvalidChunkSize, index, expected, actual)
}
