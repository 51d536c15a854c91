// Package errors defines the supervisor's error taxonomy and small
// helpers for panic recovery and multi-error collection.
//
// Two families matter to callers:
//
//   - Recoverable: Brain and Tool failures (DecisionTimeout,
//     DecisionUnavailable, ToolNotFound, ToolExecutionFailure). These are
//     captured as failing cycle outcomes and never abort a session.
//   - Fatal: ChannelFailure and PersistenceFailure. These force a session
//     to FAILED.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the supervisor taxonomy. Wrap them with context via
// fmt.Errorf("...: %w", Err...) so callers can match with errors.Is.
var (
	// ErrInvalidTransition is a caller error: the requested operation is
	// illegal for the session's current state.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrChannelFailure means the underlying process could not be spawned
	// or attached. Fatal to the session.
	ErrChannelFailure = errors.New("pseudo-terminal channel failure")

	// ErrDecisionTimeout means the Brain did not answer within its deadline.
	ErrDecisionTimeout = errors.New("brain decision timed out")

	// ErrDecisionUnavailable means the Brain could not produce a decision.
	ErrDecisionUnavailable = errors.New("brain decision unavailable")

	// ErrToolNotFound means the action named a tool identifier with no
	// registered executor.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolExecutionFailure means a tool ran but failed.
	ErrToolExecutionFailure = errors.New("tool execution failed")

	// ErrPersistenceFailure means the durable store is unavailable. Fatal:
	// the session must not proceed with unpersisted state.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Recoverable reports whether err is one of the recoverable external
// collaborator failures that fold into a failing Outcome.
func Recoverable(err error) bool {
	return errors.Is(err, ErrDecisionTimeout) ||
		errors.Is(err, ErrDecisionUnavailable) ||
		errors.Is(err, ErrToolNotFound) ||
		errors.Is(err, ErrToolExecutionFailure)
}

// Fatal reports whether err must terminate the session as FAILED.
func Fatal(err error) bool {
	return errors.Is(err, ErrChannelFailure) || errors.Is(err, ErrPersistenceFailure)
}

// PanicError wraps a recovered panic with its stack trace.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// MultiError collects multiple errors, typically during shutdown where
// every component gets a chance to clean up.
type MultiError struct {
	errs []error
}

// Append adds an error to the collection. Nil errors are ignored.
func (m *MultiError) Append(err error) {
	if err != nil {
		m.errs = append(m.errs, err)
	}
}

// ErrorOrNil returns nil if no errors were collected, the single error if
// exactly one was, or the MultiError itself otherwise.
func (m *MultiError) ErrorOrNil() error {
	switch len(m.errs) {
	case 0:
		return nil
	case 1:
		return m.errs[0]
	default:
		return m
	}
}

func (m *MultiError) Error() string {
	msgs := make([]string, len(m.errs))
	for i, err := range m.errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d errors occurred: %s", len(m.errs), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected errors to errors.Is / errors.As.
func (m *MultiError) Unwrap() []error {
	return m.errs
}
