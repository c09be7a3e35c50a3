// Package errs defines the error kinds shared across Lore's components.
//
// Errors are plain wrapped errors (fmt.Errorf with %w), not a custom error
// type hierarchy; Kind classifies an error after the fact for callers that
// need to map it to an exit code or a user-facing hint.
package errs

import "errors"

// Sentinel errors. Wrap these with fmt.Errorf("...: %w", errs.NotFound) at
// the point of detection; compare with errors.Is at the point of handling.
var (
	NotFound          = errors.New("not found")
	AmbiguousPrefix   = errors.New("ambiguous prefix")
	UniqueViolation   = errors.New("unique constraint violation")
	ForeignKeyMissing = errors.New("foreign key missing")
	SchemaMismatch    = errors.New("schema mismatch")
	IoError           = errors.New("io error")
	StoreBusy         = errors.New("store busy")
	EncryptionError   = errors.New("encryption error")
	AuthError         = errors.New("not authenticated")
	QuotaExceeded     = errors.New("quota exceeded")
	Shutdown          = errors.New("shutdown")

	// ParseSkip never leaves the ingest package; it is logged at debug
	// level and the caller moves on to the next record.
	ParseSkip = errors.New("parse skip")
)

// Kind classifies err against the sentinels above for exit-code mapping.
// Returns "" if err does not match a known kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, NotFound):
		return "not_found"
	case errors.Is(err, AmbiguousPrefix):
		return "ambiguous_prefix"
	case errors.Is(err, UniqueViolation):
		return "unique_violation"
	case errors.Is(err, ForeignKeyMissing):
		return "foreign_key_missing"
	case errors.Is(err, SchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, IoError):
		return "io_error"
	case errors.Is(err, StoreBusy):
		return "store_busy"
	case errors.Is(err, EncryptionError):
		return "encryption_error"
	case errors.Is(err, AuthError):
		return "auth_error"
	case errors.Is(err, QuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, Shutdown):
		return "shutdown"
	default:
		return ""
	}
}

// ExitCode maps err to the CLI exit codes from the external-interfaces
// contract: 0 success, 1 user error (ambiguous/not-found), 2 I/O or store
// error, 3 remote error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, NotFound), errors.Is(err, AmbiguousPrefix):
		return 1
	case errors.Is(err, IoError), errors.Is(err, StoreBusy), errors.Is(err, SchemaMismatch),
		errors.Is(err, UniqueViolation), errors.Is(err, ForeignKeyMissing):
		return 2
	case errors.Is(err, AuthError), errors.Is(err, QuotaExceeded), errors.Is(err, EncryptionError):
		return 3
	default:
		return 2
	}
}
