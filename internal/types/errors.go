package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, caller-visible category of a failure.
type ErrorKind string

const (
	KindValidation    ErrorKind = "ValidationError"
	KindAuth          ErrorKind = "AuthError"
	KindResolve       ErrorKind = "ResolveError"
	KindDownload      ErrorKind = "DownloadError"
	KindTranscription ErrorKind = "TranscriptionError"
	KindAnalysis      ErrorKind = "AnalysisError"
	KindWriteBack     ErrorKind = "WriteBackError"
	KindDispatch      ErrorKind = "DispatchError"
	KindWorkerLost    ErrorKind = "WorkerLostError"
)

// Subkind refines a kind, e.g. DownloadError/NotFound.
type Subkind string

const (
	SubkindNotFound     Subkind = "NotFound"
	SubkindForbidden    Subkind = "Forbidden"
	SubkindTimeout      Subkind = "Timeout"
	SubkindTooLarge     Subkind = "TooLarge"
	SubkindRateLimited  Subkind = "RateLimited"
	SubkindUnavailable  Subkind = "Unavailable"
	SubkindMalformed    Subkind = "Malformed"
	SubkindUnsupported  Subkind = "Unsupported"
	SubkindEmpty        Subkind = "Empty"
	SubkindPanic        Subkind = "Panic"
	SubkindLeaseExpired Subkind = "LeaseExpired"
	SubkindCanceled     Subkind = "Canceled"
)

// Error is a classified failure. Transient errors may succeed on retry.
type Error struct {
	Kind      ErrorKind
	Subkind   Subkind
	Transient bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Subkind != "" {
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Subkind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient builds a retryable error.
func Transient(kind ErrorKind, sub Subkind, err error) *Error {
	return &Error{Kind: kind, Subkind: sub, Transient: true, Err: err}
}

// Permanent builds an error that retrying cannot fix.
func Permanent(kind ErrorKind, sub Subkind, err error) *Error {
	return &Error{Kind: kind, Subkind: sub, Err: err}
}

// AsError extracts a classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsTransient reports whether err carries a transient classification.
func IsTransient(err error) bool {
	e, ok := AsError(err)
	return ok && e.Transient
}

// ToTaskError converts any error into the persisted error shape, falling
// back to kind when err is unclassified.
func ToTaskError(err error, kind ErrorKind) *TaskError {
	te := &TaskError{Kind: kind, Message: "unknown error"}
	if err == nil {
		return te
	}
	te.Message = err.Error()
	if e, ok := AsError(err); ok {
		if e.Kind != "" {
			te.Kind = e.Kind
		}
		te.Subkind = e.Subkind
	}
	return te
}
