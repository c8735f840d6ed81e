package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeNotFound          ErrorType = "NOT_FOUND"
	ErrorTypeValidation        ErrorType = "VALIDATION"
	ErrorTypeInternal          ErrorType = "INTERNAL"
	ErrorTypeConflict          ErrorType = "CONFLICT"
	ErrorTypeStaleHead         ErrorType = "STALE_HEAD"
	ErrorTypeDirectoryNotEmpty ErrorType = "DIRECTORY_NOT_EMPTY"
	ErrorTypeAlreadyExists     ErrorType = "ALREADY_EXISTS"
	ErrorTypeNothingToCommit   ErrorType = "NOTHING_TO_COMMIT"
)

// Process exit codes used by the command line.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitConflict     = 3
	ExitNotFound     = 4
	ExitPrecondition = 5
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error of the same type, so callers can compare against the
// sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

var (
	ErrNotFound          = &Error{Type: ErrorTypeNotFound, Message: "not found", Code: http.StatusNotFound}
	ErrValidation        = &Error{Type: ErrorTypeValidation, Message: "invalid request", Code: http.StatusBadRequest}
	ErrInternal          = &Error{Type: ErrorTypeInternal, Message: "internal error", Code: http.StatusInternalServerError}
	ErrConflict          = &Error{Type: ErrorTypeConflict, Message: "conflict", Code: http.StatusConflict}
	ErrStaleHead         = &Error{Type: ErrorTypeStaleHead, Message: "stale head", Code: http.StatusConflict}
	ErrDirectoryNotEmpty = &Error{Type: ErrorTypeDirectoryNotEmpty, Message: "directory not empty", Code: http.StatusPreconditionFailed}
	ErrAlreadyExists     = &Error{Type: ErrorTypeAlreadyExists, Message: "already exists", Code: http.StatusConflict}
	ErrNothingToCommit   = &Error{Type: ErrorTypeNothingToCommit, Message: "nothing to commit", Code: http.StatusUnprocessableEntity}
)

// ConflictDetails describes why a commit was refused.
type ConflictDetails struct {
	Paths      []string `json:"paths"`
	BaseCommit string   `json:"base_commit"`
	HeadCommit string   `json:"head_commit"`
	Commits    []string `json:"commits"`
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
		Code:    http.StatusNotFound,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

func Internal(message string) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
	}
}

func Conflict(details ConflictDetails) *Error {
	return &Error{
		Type:    ErrorTypeConflict,
		Message: fmt.Sprintf("conflict on %s: branch moved from %s to %s", strings.Join(details.Paths, ", "), shortID(details.BaseCommit), shortID(details.HeadCommit)),
		Code:    http.StatusConflict,
		Details: details,
	}
}

func StaleHead(message string) *Error {
	return &Error{
		Type:    ErrorTypeStaleHead,
		Message: message,
		Code:    http.StatusConflict,
	}
}

func DirectoryNotEmpty(path string) *Error {
	return &Error{
		Type:    ErrorTypeDirectoryNotEmpty,
		Message: fmt.Sprintf("directory not empty: %s", path),
		Code:    http.StatusPreconditionFailed,
		Details: path,
	}
}

func AlreadyExists(message string) *Error {
	return &Error{
		Type:    ErrorTypeAlreadyExists,
		Message: message,
		Code:    http.StatusConflict,
	}
}

func NothingToCommit() *Error {
	return &Error{
		Type:    ErrorTypeNothingToCommit,
		Message: "nothing to commit, working tree clean",
		Code:    http.StatusUnprocessableEntity,
	}
}

// TypeOf returns the type of the first *Error in err's chain, or "" if there is none.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ""
}

// AsConflict extracts conflict details from err.
func AsConflict(err error) (ConflictDetails, bool) {
	var e *Error
	if !stderrors.As(err, &e) || e.Type != ErrorTypeConflict {
		return ConflictDetails{}, false
	}
	d, ok := e.Details.(ConflictDetails)
	return d, ok
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch TypeOf(err) {
	case ErrorTypeNothingToCommit:
		return ExitOK
	case ErrorTypeConflict:
		return ExitConflict
	case ErrorTypeNotFound:
		return ExitNotFound
	case ErrorTypeDirectoryNotEmpty, ErrorTypeAlreadyExists:
		return ExitPrecondition
	case ErrorTypeValidation:
		return ExitUsage
	default:
		return ExitFailure
	}
}

func shortID(id string) string {
	if id == "" {
		return "(root)"
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
