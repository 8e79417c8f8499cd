package errors

import "fmt"

// AppError represents an application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping another error
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Stable error codes surfaced on the control plane.
const (
	CodeMissingServerID   = "MISSING_SERVER_ID"
	CodeInvalidAddress    = "INVALID_ADDRESS"
	CodeInvalidAction     = "INVALID_ACTION"
	CodeDuplicateAddress  = "DUPLICATE_ADDRESS"
	CodeServerNotFound    = "SERVER_NOT_FOUND"
	CodeExecutableMissing = "EXECUTABLE_PATH_MISSING"
	CodeInvalidExecutable = "INVALID_EXECUTABLE"
	CodeProcessNotRunning = "PROCESS_NOT_RUNNING"
	CodeProcessAlreadyUp  = "PROCESS_ALREADY_RUNNING"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeBindFailed        = "BIND_FAILED"
	CodeInternal          = "INTERNAL_ERROR"
	CodeMissingName       = "MISSING_NAME"
)
