package oauth

import "fmt"

// ErrorCode is the OAuth2 error taxonomy. Every protocol-facing
// failure maps onto one of these codes; callers recover by retrying
// the flow from an earlier step.
type ErrorCode string

const (
	ErrorInvalidRequest     ErrorCode = "invalid_request"
	ErrorInvalidClient      ErrorCode = "invalid_client"
	ErrorInvalidGrant       ErrorCode = "invalid_grant"
	ErrorInvalidScope       ErrorCode = "invalid_scope"
	ErrorUnauthorizedClient ErrorCode = "unauthorized_client"
	ErrorAccessDenied       ErrorCode = "access_denied"
	ErrorServerError        ErrorCode = "server_error"
)

// Error is a protocol-level OAuth2 error. Two Errors compare equal
// under errors.Is when their codes match, regardless of description.
type Error struct {
	Code        ErrorCode
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches by error code so sentinel comparisons work across
// descriptions.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError builds a protocol error with a description.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Sentinel errors for errors.Is checks.
var (
	ErrInvalidRequest     = &Error{Code: ErrorInvalidRequest}
	ErrInvalidClient      = &Error{Code: ErrorInvalidClient}
	ErrInvalidGrant       = &Error{Code: ErrorInvalidGrant}
	ErrInvalidScope       = &Error{Code: ErrorInvalidScope}
	ErrUnauthorizedClient = &Error{Code: ErrorUnauthorizedClient}
	ErrAccessDenied       = &Error{Code: ErrorAccessDenied}
	ErrServerError        = &Error{Code: ErrorServerError}
)

// HTTPStatus maps an error code to its conventional HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrorInvalidClient:
		return 401
	case ErrorAccessDenied:
		return 403
	case ErrorServerError:
		return 500
	default:
		return 400
	}
}
