// Package errors defines the structured error type shared by all layers.
// Each layer reports its own kind; the control surface maps kinds to a
// small user-visible set. Retries happen only at the enrichment boundary.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	// KindValidation marks rejected input (bad URL, empty query, short
	// content). Never retried.
	KindValidation Kind = "validation"

	// KindNotFound marks a lookup for a page that does not exist.
	KindNotFound Kind = "not_found"

	// KindStore marks a persistence failure. Fatal to the current request.
	KindStore Kind = "store"

	// KindVector marks a vector index failure. Dimension mismatch is a
	// programmer error and surfaces.
	KindVector Kind = "vector"

	// KindEnrichmentUnavailable marks an enrichment provider that exhausted
	// its retries. Never surfaced on ingest; in search it triggers the
	// lexical-surrogate fallback.
	KindEnrichmentUnavailable Kind = "enrichment_unavailable"

	// KindCacheCorrupt marks an unreadable cache file. Logged, not
	// user-visible; the cache starts empty.
	KindCacheCorrupt Kind = "cache_corrupt"

	// KindTimeout marks a deadline or cancellation.
	KindTimeout Kind = "timeout"

	// KindInternal marks everything else.
	KindInternal Kind = "internal"
)

// Error is the structured error type. It carries a kind for transport
// mapping and wraps the underlying cause for errors.Is/As chains.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by kind so errors.Is works against sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
// Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Validationf creates a validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Store wraps a persistence failure.
func Store(message string, err error) *Error {
	if err == nil {
		return New(KindStore, message)
	}
	return Wrap(KindStore, message, err)
}

// EnrichmentUnavailable wraps a provider failure after retries.
func EnrichmentUnavailable(err error) *Error {
	return &Error{Kind: KindEnrichmentUnavailable, Message: "enrichment provider unavailable", Cause: err}
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
