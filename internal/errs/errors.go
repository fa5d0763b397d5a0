// internal/errs/errors.go
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a failure so callers can decide whether it is fatal.
type Code string

const (
	// CodeNavigationTimeout means a post navigation marker never appeared.
	CodeNavigationTimeout Code = "NAVIGATION_TIMEOUT"
	// CodeInterceptionTimeout means a registered network pattern never produced a response.
	CodeInterceptionTimeout Code = "INTERCEPTION_TIMEOUT"
	// CodeLoginAutomationFailure is the only code recovered locally, by falling
	// back to a human driven login.
	CodeLoginAutomationFailure Code = "LOGIN_AUTOMATION_FAILURE"
	// CodeIdentityIncomplete means no usable email address could be found.
	CodeIdentityIncomplete Code = "IDENTITY_INCOMPLETE"
	// CodeStateMismatch means the active account read back after a switch differs
	// from the requested one.
	CodeStateMismatch Code = "STATE_MISMATCH"
	// CodeUnresolvedDocument means a clicked document never produced a signed URL.
	CodeUnresolvedDocument Code = "UNRESOLVED_DOCUMENT"
)

// Error is the structured error type carried through the run.
type Error struct {
	Code   Code
	Op     string // step that failed, e.g. "harvest.fetchBatch"
	Detail string // label, selector or ids involved
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with a formatted detail string.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and step to an underlying error. A nil err yields nil.
func Wrap(err error, code Code, op, detail string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Detail: detail, Err: err}
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code Code) bool {
	var target *Error
	for err != nil {
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or "" if none.
func CodeOf(err error) Code {
	var target *Error
	if errors.As(err, &target) {
		return target.Code
	}
	return ""
}
