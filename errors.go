package pfm

import (
	"errors"
	"fmt"
)

// Errors returned by the format engine. Each failure kind is a distinct
// sentinel so callers can branch with errors.Is; none are retried or
// swallowed internally.
var (
	// ErrFormat indicates a malformed document: missing or bad magic
	// line, a truncated structural block, or an unrecoverable trailing
	// index. Always fatal to the operation.
	ErrFormat = errors.New("invalid pfm format")

	// ErrUnsupportedVersion indicates the magic line declares a format
	// version this package does not implement. It wraps ErrFormat.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported format version", ErrFormat)

	// ErrEncrypted indicates plaintext parsing was attempted on an
	// encrypted document. It wraps ErrFormat.
	ErrEncrypted = fmt.Errorf("%w: document is encrypted", ErrFormat)

	// ErrSizeLimit indicates the input exceeds the configured maximum
	// byte ceiling. Raised before the document is materialised.
	ErrSizeLimit = errors.New("input exceeds maximum size")

	// ErrEmptyName indicates an empty section name.
	ErrEmptyName = errors.New("section name cannot be empty")

	// ErrInvalidName indicates a section name outside the allowed
	// charset (lowercase letters, digits, '-', '_').
	ErrInvalidName = errors.New("invalid section name")

	// ErrReservedName indicates a user section collides with a reserved
	// structural name (meta, index, index:trailing).
	ErrReservedName = errors.New("reserved section name")

	// ErrWriterClosed indicates a write was attempted on a closed
	// stream writer.
	ErrWriterClosed = errors.New("stream writer is closed")

	// ErrDecryptFailed indicates a wrong password or tampered
	// ciphertext. Deliberately distinct from format errors.
	ErrDecryptFailed = errors.New("decryption failed")

	// ErrNotEncrypted indicates decryption was attempted on data that
	// does not carry the encrypted-document header.
	ErrNotEncrypted = errors.New("not an encrypted pfm document")
)

// NameError reports which section name failed validation.
type NameError struct {
	Name string
	Err  error
}

func (e *NameError) Error() string {
	return fmt.Sprintf("%s: %q", e.Err, e.Name)
}

func (e *NameError) Unwrap() error {
	return e.Err
}
