package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors of the sync error taxonomy.
var (
	ErrAuthFailure  = errors.New("auth failure")
	ErrTransport    = errors.New("transport error")
	ErrApplication  = errors.New("application error")
	ErrReducerFault = errors.New("reducer fault")
	ErrPersistence  = errors.New("persistence failure")
	ErrNotConnected = errors.New("channel not connected")
)

// Kind classifies an ErrorInfo.
type Kind string

const (
	KindAuthFailure  Kind = "auth_failure"
	KindTransport    Kind = "transport"
	KindApplication  Kind = "application"
	KindReducerFault Kind = "reducer_fault"
	KindPersistence  Kind = "persistence"
)

func (k Kind) sentinel() error {
	switch k {
	case KindAuthFailure:
		return ErrAuthFailure
	case KindTransport:
		return ErrTransport
	case KindApplication:
		return ErrApplication
	case KindReducerFault:
		return ErrReducerFault
	case KindPersistence:
		return ErrPersistence
	default:
		return nil
	}
}

// ErrorInfo is the lastError surfaced to the UI.
type ErrorInfo struct {
	Kind    Kind      `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`

	cause error
}

// NewErrorInfo builds an ErrorInfo from a cause.
func NewErrorInfo(kind Kind, code string, cause error) *ErrorInfo {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &ErrorInfo{Kind: kind, Code: code, Message: msg, At: time.Now().UTC(), cause: cause}
}

func (e *ErrorInfo) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the taxonomy sentinel and the original cause.
func (e *ErrorInfo) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// Retryable reports whether the transport's own backoff will retry.
func (e *ErrorInfo) Retryable() bool {
	return e.Kind == KindTransport
}

// IsAuthFailure reports whether err is an auth failure.
func IsAuthFailure(err error) bool { return errors.Is(err, ErrAuthFailure) }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsApplication reports whether err is a server-pushed application error.
func IsApplication(err error) bool { return errors.Is(err, ErrApplication) }

// IsReducerFault reports whether err is a reducer fault.
func IsReducerFault(err error) bool { return errors.Is(err, ErrReducerFault) }

// IsPersistence reports whether err is a persistence failure.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }
