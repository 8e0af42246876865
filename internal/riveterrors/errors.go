// Package riveterrors defines the error taxonomy shared by every layer of
// the runtime: action handlers, the manager, the driver, and the workflow
// engine all eventually produce one of these before crossing the wire.
package riveterrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Group classifies an Error for retry policy and status-code mapping.
type Group string

const (
	GroupUser     Group = "user"
	GroupActor    Group = "actor"
	GroupTimeout  Group = "timeout"
	GroupConflict Group = "conflict"
	GroupInternal Group = "internal"
	GroupWorkflow Group = "workflow"
)

// Well-known codes. Handlers and drivers may mint additional codes within
// these groups; the ones below are produced by the runtime itself.
const (
	CodeValidationFailed = "validation_failed"
	CodeUnauthorized     = "unauthorized"

	CodeNotFound         = "not_found"
	CodeAlreadyExists    = "already_exists"
	CodeDestroyed        = "destroyed"
	CodeBusy             = "busy"
	CodeSleepInProgress  = "sleep_in_progress"

	CodeActionTimeout = "action_timeout"
	CodeWakeTimeout   = "wake_timeout"
	CodeQueueTimeout  = "queue_timeout"

	CodeStateDiverged = "state_diverged"
	CodeLockHeld      = "lock_held"

	CodeDriverError        = "driver_error"
	CodeSerializationError = "serialization_error"

	CodeStepExhausted        = "step_exhausted"
	CodeRollbackRequired     = "rollback_required"
	CodeHistoryDiverged      = "history_diverged"
	CodeWorkflowCritical     = "critical"
)

// Error is the canonical runtime error, mirroring the wire Error envelope
// (§4.A) field for field so it can be encoded without translation.
type Error struct {
	Group    Group          `json:"group"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ActionID int64          `json:"actionId,omitempty"`

	// wrapped is an optional underlying cause, kept out of the wire
	// representation but available to Unwrap for local error handling.
	wrapped error
}

func New(group Group, code, message string) *Error {
	return &Error{Group: group, Code: code, Message: message}
}

func Wrap(group Group, code string, err error) *Error {
	return &Error{Group: group, Code: code, Message: err.Error(), wrapped: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Group, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// WithMetadata returns a copy of e with Metadata set.
func (e *Error) WithMetadata(md map[string]any) *Error {
	c := *e
	c.Metadata = md
	return &c
}

// WithActionID returns a copy of e tagged with the originating action id.
func (e *Error) WithActionID(id int64) *Error {
	c := *e
	c.ActionID = id
	return &c
}

// Retryable reports whether callers should retry per the §7 taxonomy.
func (e *Error) Retryable() bool {
	switch e.Group {
	case GroupTimeout, GroupInternal:
		return true
	case GroupConflict:
		return e.Code != CodeLockHeld // lock_held needs operator action; state_diverged is retryable by restart
	case GroupActor:
		return e.Code == CodeBusy || e.Code == CodeSleepInProgress
	default:
		return false
	}
}

// StatusFor maps a Group+Code pair to the canonical HTTP status per §7.
func StatusFor(e *Error) int {
	switch e.Group {
	case GroupUser:
		return http.StatusBadRequest
	case GroupActor:
		switch e.Code {
		case CodeNotFound:
			return http.StatusNotFound
		case CodeAlreadyExists:
			return http.StatusConflict
		case CodeBusy, CodeSleepInProgress:
			return http.StatusServiceUnavailable
		default:
			return http.StatusConflict
		}
	case GroupTimeout:
		return http.StatusGatewayTimeout
	case GroupConflict:
		return http.StatusConflict
	case GroupWorkflow, GroupInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As is a convenience wrapper over errors.As for the common case.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func NotFound(what string) *Error {
	return New(GroupActor, CodeNotFound, what+" not found")
}

func AlreadyExists(what string) *Error {
	return New(GroupActor, CodeAlreadyExists, what+" already exists")
}

func Busy(what string) *Error {
	return New(GroupActor, CodeBusy, what+" mailbox is full")
}

func Timeout(code, what string) *Error {
	return New(GroupTimeout, code, what+" timed out")
}

func Internal(err error) *Error {
	return Wrap(GroupInternal, CodeDriverError, err)
}
