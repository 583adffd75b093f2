package recorder

import (
	"errors"
	"fmt"

	"dash-recorder/internal/media"
	"dash-recorder/internal/metadata"
)

var (
	// ErrInvalidInput is returned for a bad session identifier or sequence
	// number. Such submissions never touch session state.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateChunk is returned when a sequence number has already been
	// taken by an earlier submission.
	ErrDuplicateChunk = errors.New("duplicate chunk")

	// ErrChunkConflict is a duplicate whose bytes differ from the chunk already
	// held for that sequence number. It matches ErrDuplicateChunk too.
	ErrChunkConflict = fmt.Errorf("%w: content differs", ErrDuplicateChunk)

	// ErrSessionHalted reports that a session stopped advancing at a failed
	// sequence number. Resubmitting that sequence number retries it.
	ErrSessionHalted = errors.New("session halted")

	// ErrSessionNotFound is returned by status queries for unknown sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStorage covers chunk-store failures while accepting an upload.
	ErrStorage = errors.New("chunk storage failed")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("recorder closed")

	ErrTranscode  = media.ErrTranscode
	ErrPackage    = media.ErrPackage
	ErrMetadataIO = metadata.ErrIO
)

// HaltedError is the latched failure of a session. It matches both
// ErrSessionHalted and the underlying cause with errors.Is.
type HaltedError struct {
	Sequence int64
	Err      error
}

func (e *HaltedError) Error() string {
	return fmt.Sprintf("session halted at sequence %d: %v", e.Sequence, e.Err)
}

func (e *HaltedError) Unwrap() []error {
	return []error{ErrSessionHalted, e.Err}
}

// conflictError is ErrChunkConflict, joined with the session's latched halt
// when there is one.
func conflictError(halted error) error {
	if halted == nil {
		return ErrChunkConflict
	}
	return fmt.Errorf("%w: %w", ErrChunkConflict, halted)
}

// stageError makes sure err carries the sentinel of the stage it came from.
func stageError(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
