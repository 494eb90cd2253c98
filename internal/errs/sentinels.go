// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested record or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidationRejected indicates the uploaded content failed size,
	// type-signature, or denylist checks. Reported synchronously, never retried.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrDuplicateContent indicates a record with the same content digest
	// already exists. Not a failure: callers are redirected to the existing
	// document.
	ErrDuplicateContent = errors.New("duplicate content")

	// ErrIntegrityViolation indicates an authentication-tag mismatch during
	// decrypt. Fatal for that read and logged as a security event.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrInvalidTransition indicates a verification state-machine misuse,
	// e.g. anchoring a document that was never signed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUpstreamUnavailable indicates a blob store, key service, or ledger
	// call timed out or failed. Retryable with backoff up to a ceiling.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
