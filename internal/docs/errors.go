package docs

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable error category surfaced to MCP clients.
// Kinds are stable wire values; messages are free-form and human-readable.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindNotFound             Kind = "not_found"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindEmbeddingTransient   Kind = "embedding_transient"
	KindFetchFailed          Kind = "fetch_failed"
	KindExtractionFailed     Kind = "extraction_failed"
	KindStorageIO            Kind = "storage_io"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal"
)

// Error carries a Kind across component boundaries so the tool layer can
// report a category without leaking internal detail.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err (which may be nil) with a kind and message.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
