package models

import "errors"

var (
	// ErrUnavailable is a transient failure reaching an upstream (patch
	// server, schema remote). Retried with backoff.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrCorrupt means a fully downloaded patch failed checksum or size
	// verification.
	ErrCorrupt = errors.New("patch corrupt")

	// ErrPatchVerificationFailed means a patch could not be decoded while it
	// was being applied.
	ErrPatchVerificationFailed = errors.New("patch verification failed")

	// ErrChainUnsatisfiable means a chain can never be applied, for example
	// because a required patch can no longer be resolved.
	ErrChainUnsatisfiable = errors.New("chain unsatisfiable")

	// ErrNotExtension means a requested chain would rewrite the applied one.
	ErrNotExtension = errors.New("chain is not an extension of the applied chain")

	// ErrSchemaUnavailable means no schema revision defines the sheet.
	ErrSchemaUnavailable = errors.New("schema unavailable")

	// ErrIndexBuildFailed means an index build was abandoned.
	ErrIndexBuildFailed = errors.New("index build failed")

	// ErrBuildInProgress is reported to callers that join an existing build.
	ErrBuildInProgress = errors.New("index build in progress")

	ErrUnknownVersion = errors.New("unknown version")
	ErrUnknownSheet   = errors.New("unknown sheet")
	ErrNotFound       = errors.New("not found")
	ErrNotReady       = errors.New("not ready")

	// ErrQueryMismatch means a query names fields the schema does not have.
	ErrQueryMismatch = errors.New("query does not match schema")
)

// Retryable reports whether err is a transient class that may clear on retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrCorrupt)
}

// Fatal reports whether err is structural and must not be retried
// automatically.
func Fatal(err error) bool {
	return errors.Is(err, ErrChainUnsatisfiable) || errors.Is(err, ErrNotExtension)
}
