// Package shared contains the error taxonomy and event types used across the
// client core. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Base error kinds for errors.Is() checking.
var (
	// Credentials rejected or access forbidden.
	ErrAuth = errors.New("authentication failed")

	// The refresh token no longer works; the user must log in again.
	ErrSessionExpired = errors.New("session expired")

	// Input rejected by the backend or by local validation.
	ErrValidation   = errors.New("validation error")
	ErrInvalidInput = errors.New("invalid input")

	// Transport failure, timeout, throttling or an open circuit.
	ErrNetwork = errors.New("network error")

	ErrNotFound = errors.New("resource not found")
	ErrServer   = errors.New("server error")

	ErrInvalidState = errors.New("invalid state")
)

// DomainError represents an error with operation context.
type DomainError struct {
	Domain  string // e.g. "eduapi", "session", "query"
	Op      string // operation that failed, e.g. "Login", "StudentDashboard"
	Kind    error  // base kind for errors.Is()
	Message string // human-readable message
	Err     error  // underlying error (optional)

	// Status is the HTTP status when the error came from the backend.
	Status int
	// Retryable marks errors a caller may safely retry.
	Retryable bool
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error, or the kind when there is none.
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches both the kind and the wrapped error.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// ValidationError carries per-field messages. The "non_field_errors" key
// holds messages that apply to the request as a whole.
type ValidationError struct {
	DomainError
	Fields map[string][]string
}

// NonFieldKey is the key used for errors that are not tied to one field.
const NonFieldKey = "non_field_errors"

// Error lists field messages in a stable order.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.DomainError.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return fmt.Sprintf("%s (%s)", e.DomainError.Error(), strings.Join(parts, ", "))
}

// Field returns the first message for name, or "".
func (e *ValidationError) Field(name string) string {
	if msgs := e.Fields[name]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

// ════════════════════════════════════════════════════════════════════════════
// TAXONOMY CONSTRUCTORS
// ════════════════════════════════════════════════════════════════════════════

func NewAuthError(domain, op, message string, status int) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: ErrAuth, Message: message, Status: status}
}

func NewSessionExpired(domain, op string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: ErrSessionExpired, Message: "session expired, please log in again", Err: err}
}

func NewValidationError(domain, op, message string, fields map[string][]string) *ValidationError {
	if fields == nil {
		fields = map[string][]string{}
	}
	return &ValidationError{
		DomainError: DomainError{Domain: domain, Op: op, Kind: ErrValidation, Message: message, Status: 400},
		Fields:      fields,
	}
}

// NewNetworkError builds a transport-level failure. Timeouts, throttling and
// open circuits are retryable.
func NewNetworkError(domain, op, message string, err error, retryable bool) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: ErrNetwork, Message: message, Err: err, Retryable: retryable}
}

func NewNotFoundError(domain, op, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: ErrNotFound, Message: message, Status: 404}
}

func NewServerError(domain, op string, status int, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: ErrServer, Message: message, Status: status, Retryable: true}
}

// ════════════════════════════════════════════════════════════════════════════
// PREDICATES
// ════════════════════════════════════════════════════════════════════════════

func IsAuth(err error) bool           { return errors.Is(err, ErrAuth) }
func IsSessionExpired(err error) bool { return errors.Is(err, ErrSessionExpired) }
func IsNotFound(err error) bool       { return errors.Is(err, ErrNotFound) }
func IsNetwork(err error) bool        { return errors.Is(err, ErrNetwork) }
func IsServer(err error) bool         { return errors.Is(err, ErrServer) }

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidInput)
}

// AsValidation extracts field errors.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

// IsRetryable reports whether the failed operation may be retried as is.
func IsRetryable(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// IsClientFault reports errors caused by the request rather than the backend
// being unhealthy. Circuit breakers ignore these.
func IsClientFault(err error) bool {
	return IsAuth(err) || IsValidation(err) || IsNotFound(err) || IsSessionExpired(err)
}

// Message returns a user-presentable message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if ve, ok := AsValidation(err); ok {
		if msg := ve.Field(NonFieldKey); msg != "" {
			return msg
		}
		if msg := ve.Field("detail"); msg != "" {
			return msg
		}
		return ve.Message
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}
