package core

// error_messages.go maps run failures to user-facing messages with codes
// that operators can quote when asking for help.
//
// # Error Codes Reference
//
// Source errors (SRC):
//
//	SRC001 - Source unavailable: the input object could not be opened
//	         Action: Check the locator and that the object exists
//	SRC002 - Source read failure: the input stream failed mid-read
//	         Action: Retry the run; outputs of the failed run were not committed
//
// Format errors (FMT):
//
//	FMT001 - Malformed CSV: bad quoting or a row wider than the header
//	         Action: Fix the reported line and run again
//
// Sink errors (SNK):
//
//	SNK001 - Commit failed: an output could not be written or committed
//	         Action: Check destination permissions and capacity, then retry
//	SNK002 - Invalid output path: a group key produced an unusable path
//	         Action: Check the routing fields for unexpected values
//
// Run errors (RUN):
//
//	RUN001 - Busy: too many runs in flight
//	RUN002 - Run not found: unknown or expired run id
//	RUN003 - Cancelled
//	RUN004 - Timed out
//
// Infrastructure errors matched by message (NET, AUTH):
//
//	NET001  - Connection refused
//	AUTH001 - Access denied by the storage backend
//
// ERR000 is the fallback; check the logs for the technical error.
//
// Typed errors are matched first with errors.Is / errors.As, in table
// order. Untyped errors fall through to case-insensitive substring
// patterns. The first match wins.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/csvrouter/internal/classify"
	"github.com/JonMunkholm/csvrouter/internal/route"
	"github.com/JonMunkholm/csvrouter/internal/storage"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type errorKind struct {
	match func(error) bool
	msg   UserMessage
}

func isA[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

var errorKinds = []errorKind{
	{
		match: is(ErrTooManyRuns),
		msg: UserMessage{
			Message: "Too many runs in progress",
			Action:  "Please wait a moment and try again",
			Code:    "RUN001",
		},
	},
	{
		match: is(ErrRunNotFound),
		msg: UserMessage{
			Message: "Run not found",
			Action:  "The run may have expired; check the run history",
			Code:    "RUN002",
		},
	},
	{
		match: is(context.DeadlineExceeded),
		msg: UserMessage{
			Message: "Run timed out",
			Action:  "Raise RUN_TIMEOUT or split the source",
			Code:    "RUN004",
		},
	},
	{
		match: func(err error) bool {
			return errors.Is(err, context.Canceled) || errors.Is(err, route.ErrAborted)
		},
		msg: UserMessage{
			Message: "Run was cancelled",
			Action:  "Start a new run when ready",
			Code:    "RUN003",
		},
	},
	{
		match: is(storage.ErrSourceUnavailable),
		msg: UserMessage{
			Message: "Source could not be opened",
			Action:  "Check the locator and that the object exists",
			Code:    "SRC001",
		},
	},
	{
		match: isA[*classify.ParseError],
		msg: UserMessage{
			Message: "Source is not valid CSV",
			Action:  "Fix the reported line and run again",
			Code:    "FMT001",
		},
	},
	{
		match: isA[*classify.SourceReadError],
		msg: UserMessage{
			Message: "Reading the source failed",
			Action:  "Retry the run; nothing from the failed run was committed",
			Code:    "SRC002",
		},
	},
	{
		match: func(err error) bool {
			return isA[*route.SinkCommitError](err) && errors.Is(err, storage.ErrPathInvalid)
		},
		msg: UserMessage{
			Message: "A group produced an invalid output path",
			Action:  "Check the routing fields for unexpected values",
			Code:    "SNK002",
		},
	},
	{
		match: isA[*route.SinkCommitError],
		msg: UserMessage{
			Message: "An output could not be committed",
			Action:  "Check destination permissions and capacity, then retry",
			Code:    "SNK001",
		},
	},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "A backing service refused the connection",
			Action:  "Please try again in a few moments",
			Code:    "NET001",
		},
	},
	{
		pattern: "accessdenied",
		msg: UserMessage{
			Message: "Access denied by the storage backend",
			Action:  "Check the credentials and bucket policy",
			Code:    "AUTH001",
		},
	},
	{
		pattern: "access denied",
		msg: UserMessage{
			Message: "Access denied by the storage backend",
			Action:  "Check the credentials and bucket policy",
			Code:    "AUTH001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, k := range errorKinds {
		if k.match(err) {
			return k.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. It returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
