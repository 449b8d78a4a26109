package capture

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures for retry decisions and for the HTTP
// boundary's status mapping.
type ErrorKind string

// Error kinds surfaced by pipeline stages.
const (
	KindPoolExhausted      ErrorKind = "pool_exhausted"
	KindSessionCrashed     ErrorKind = "session_crashed"
	KindNavigationError    ErrorKind = "navigation_error"
	KindCaptureTimeout     ErrorKind = "capture_timeout"
	KindUnsupportedContent ErrorKind = "unsupported_content"
	KindOCRDecodeError     ErrorKind = "ocr_decode_error"
	KindTranscodeError     ErrorKind = "transcode_error"
	KindTranscodeTimeout   ErrorKind = "transcode_timeout"
	KindInternalEngine     ErrorKind = "internal_engine_failure"
)

// Error is the typed error carried through the pipeline. Kind is always set;
// Cause may be nil.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

// NewError builds a pipeline error of the given kind.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Errorf builds a pipeline error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the orchestrator may retry the stage that
// produced this error. Only transient navigation failures and session
// crashes qualify; timeouts and unsupported content never do.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNavigationError, KindSessionCrashed:
		return true
	}
	return false
}

// KindOf extracts the ErrorKind from err, or KindInternalEngine when err is
// not a pipeline error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternalEngine
}

// IsRetryable reports whether err carries a retryable pipeline error.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
