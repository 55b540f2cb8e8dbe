package domain

import "errors"

// ErrorKind classifies failures surfaced by the core, per spec §7.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NotFound"
	KindValidationError     ErrorKind = "ValidationError"
	KindNoFilingsFound      ErrorKind = "NoFilingsFound"
	KindProviderFailure     ErrorKind = "ProviderFailure"
	KindStateCorrupt        ErrorKind = "StateCorrupt"
	KindUniquenessViolation ErrorKind = "UniquenessViolation"
	KindCancelled           ErrorKind = "Cancelled"

	// KindQueryFailed is the single error kind the Answer Orchestrator
	// surfaces for any failure inside its RAG block (§4.6: "all failures
	// inside this flow are surfaced as a single QueryFailed result"). Not
	// part of §7's closed error-kind list, which only enumerates ingestion
	// failures; added here because §4.6 names it explicitly.
	KindQueryFailed ErrorKind = "QueryFailed"
)

// CoreError wraps an underlying error with a classification the caller can
// switch on via errors.As, without losing the wrapped cause via errors.Is.
type CoreError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewError constructs a classified error.
func NewError(kind ErrorKind, msg string, cause error) *CoreError {
	return &CoreError{Kind: kind, Msg: msg, Err: cause}
}

// IsKind reports whether err (or something it wraps) is a CoreError of kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
