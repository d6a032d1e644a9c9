package core

import "errors"

// Error kinds surfaced by the storage engine. I/O failures are wrapped with
// the offending operation tag via fmt.Errorf("heap.write: %w", err) so that
// errors.Is still matches the underlying cause.
var (
	// ErrNotFound is returned when a key is absent.
	ErrNotFound = errors.New("key not found")

	// ErrCorruption is returned on a checksum mismatch in a frame or
	// metadata record. It is fatal for that read, not for the database.
	ErrCorruption = errors.New("checksum mismatch: data corruption detected")

	// ErrPoisoned is returned for writes after the engine has observed an
	// unrecoverable flush-time error. The database must be reopened.
	ErrPoisoned = errors.New("engine poisoned by unrecoverable flush error")

	// ErrInvalidArgument is returned for malformed options, zero-length
	// keys, and frames requiring a codec that was not compiled in.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists is returned by namespace-level create operations.
	ErrAlreadyExists = errors.New("already exists")
)
