package errors

import (
	errs "errors"
	"fmt"
	"runtime"
	"strings"
)

type ErrorLevel string

func (e ErrorLevel) String() string {
	return string(e)
}

const (
	ERR_INFRASTRUCTURE ErrorLevel = "infrastructure"
	ERR_CONFIG         ErrorLevel = "config"
	ERR_PROCESS        ErrorLevel = "process"
	ERR_VALIDATION     ErrorLevel = "validation"
	ERR_NOT_FOUND      ErrorLevel = "not_found"
	ERR_AUTH           ErrorLevel = "auth"
	ERR_UNKNOWN        ErrorLevel = "unknown"
)

// ExtendError carries a level, an optional machine readable code and free-form
// metadata on top of the wrapped error.
type ExtendError struct {
	Level      ErrorLevel     `json:"level"`
	Err        error          `json:"error"`
	Code       string         `json:"code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StackTrace string         `json:"-"`
}

func (e *ExtendError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	msg := e.Err.Error()
	if e.Code != "" {
		msg = fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	return msg
}

func (e *ExtendError) Unwrap() error {
	return e.Err
}

func (e *ExtendError) WithCode(code string) *ExtendError {
	e.Code = code
	return e
}

func (e *ExtendError) WithMetadata(key string, value any) *ExtendError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

func New(message string) error {
	return errs.New(message)
}

// Errorf is fmt.Errorf, re-exported so callers importing this package under the
// name "errors" keep %w wrapping at hand.
func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

func Is(target, err error) bool {
	return errs.Is(err, target)
}

func IsExtendError(err error) bool {
	var extendErr *ExtendError
	return errs.As(err, &extendErr)
}

func As(err error, target any) bool {
	return errs.As(err, target)
}

func Join(errors ...error) error {
	return errs.Join(errors...)
}

func captureStackTrace() string {
	var sb strings.Builder
	// captureStackTrace, wrap, the level constructor
	for i := 3; i < 15; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fmt.Fprintf(&sb, "%s:%d\n", file, line)
	}
	return sb.String()
}

func wrap(err error, level ErrorLevel) *ExtendError {
	if err == nil {
		return nil
	}
	var extendErr *ExtendError
	if errs.As(err, &extendErr) {
		// Keep the first classification; code and metadata stay attached to it.
		return extendErr
	}
	return &ExtendError{
		Level:      level,
		Err:        err,
		StackTrace: captureStackTrace(),
	}
}

// InfraError marks failures of the host environment: file system, database,
// cache or network. The scheduler treats these as fatal for a run.
func InfraError(err error) *ExtendError {
	return wrap(err, ERR_INFRASTRUCTURE)
}

func ConfigError(err error) *ExtendError {
	return wrap(err, ERR_CONFIG)
}

// ProcessError marks a child process that failed to launch, exited non-zero or
// was killed on timeout.
func ProcessError(err error) *ExtendError {
	return wrap(err, ERR_PROCESS)
}

func ValidationError(err error) *ExtendError {
	return wrap(err, ERR_VALIDATION)
}

func NotFoundError(err error) *ExtendError {
	return wrap(err, ERR_NOT_FOUND)
}

// AuthError marks a request rejected for a missing or invalid token.
func AuthError(err error) *ExtendError {
	return wrap(err, ERR_AUTH)
}

func UnknownError(err error) *ExtendError {
	return wrap(err, ERR_UNKNOWN)
}

func getErrorLevel(err *ExtendError) ErrorLevel {
	if err == nil {
		return ERR_UNKNOWN
	}
	return err.Level
}

func GetLevel(err error) ErrorLevel {
	var extendErr *ExtendError
	if errs.As(err, &extendErr) {
		return getErrorLevel(extendErr)
	}
	return ERR_UNKNOWN
}

func IsInfraError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_INFRASTRUCTURE
}
func IsConfigError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_CONFIG
}
func IsProcessError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_PROCESS
}
func IsNotFoundError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_NOT_FOUND
}

func IsValidationError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_VALIDATION
}
func IsAuthError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_AUTH
}
func IsUnknownError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_UNKNOWN
}
