package aimesh

import "time"

// Code is the typed error taxonomy from spec.md §7, each carrying an
// HTTP-analog status hint per spec.md §6.
type Code string

const (
	CodeValidation          Code = "ValidationError"
	CodeInvalidDependencies Code = "InvalidDependencies"
	CodeRateLimited         Code = "RateLimited"
	CodeTenantQuotaExceeded Code = "TenantQuotaExceeded"
	CodeBudgetExceeded      Code = "BudgetExceeded"
	CodeNoEndpointAvailable Code = "NoEndpointAvailable"
	CodeDeadlineExceeded    Code = "DeadlineExceeded"
	CodeEndpointFailure     Code = "EndpointFailure"
	CodeDependencyFailed    Code = "DependencyFailed"
	CodeShuttingDown        Code = "ShuttingDown"
	CodeInvalidHandle       Code = "InvalidHandle"
	CodeCycleDetected       Code = "CycleDetected"
	CodeQueueFull           Code = "QueueFull"
	CodeInternal            Code = "Internal"
)

// httpStatus maps each Code to the HTTP-analog status hint spec.md §6 names.
var httpStatus = map[Code]int{
	CodeValidation:          400,
	CodeInvalidDependencies: 400,
	CodeRateLimited:         429,
	CodeTenantQuotaExceeded: 402,
	CodeBudgetExceeded:      402,
	CodeNoEndpointAvailable: 503,
	CodeDeadlineExceeded:    504,
	CodeEndpointFailure:     502,
	CodeDependencyFailed:    424,
	CodeShuttingDown:        503,
	CodeInvalidHandle:       500,
	CodeCycleDetected:       400,
	CodeQueueFull:           503,
	CodeInternal:            500,
}

// Error is the error type every engine operation returns.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// HTTPStatus returns the HTTP-analog status hint for this error's Code.
func (e *Error) HTTPStatus() int {
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return 500
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewRetryable is New with a RetryAfter hint attached (used for CodeRateLimited).
func NewRetryable(code Code, message string, retryAfter time.Duration) *Error {
	return &Error{Code: code, Message: message, RetryAfter: retryAfter}
}

// AsError extracts *Error from a generic error, or wraps it as CodeInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return New(CodeInternal, err.Error())
}
