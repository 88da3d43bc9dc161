package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// State errors (STATE-001 to STATE-099)
	ErrCodeStateUnknownField ErrorCode = "STATE-001"
	ErrCodeStateCorrupt      ErrorCode = "STATE-002"

	// Store errors (STORE-001 to STORE-099)
	ErrCodeStoreStaleParent ErrorCode = "STORE-001"
	ErrCodeStoreNotFound    ErrorCode = "STORE-002"
	ErrCodeStoreWriteFailed ErrorCode = "STORE-003"
	ErrCodeStoreReadFailed  ErrorCode = "STORE-004"
	ErrCodeStoreUnavailable ErrorCode = "STORE-005"

	// Graph errors (GRAPH-001 to GRAPH-099)
	ErrCodeGraphInvalid      ErrorCode = "GRAPH-001"
	ErrCodeGraphUnknownNode  ErrorCode = "GRAPH-002"
	ErrCodeGraphNoRoute      ErrorCode = "GRAPH-003"
	ErrCodeGraphDuplicate    ErrorCode = "GRAPH-004"
	ErrCodeGraphBadSubgraph  ErrorCode = "GRAPH-005"
	ErrCodeGraphBadInterrupt ErrorCode = "GRAPH-006"

	// Thread errors (THREAD-001 to THREAD-099)
	ErrCodeThreadNotFound     ErrorCode = "THREAD-001"
	ErrCodeThreadNotSuspended ErrorCode = "THREAD-002"
	ErrCodeThreadTerminal     ErrorCode = "THREAD-003"
	ErrCodeThreadCancelled    ErrorCode = "THREAD-004"

	// Plan errors (PLAN-001 to PLAN-099)
	ErrCodePlanInvalid     ErrorCode = "PLAN-001"
	ErrCodePlanCyclicDep   ErrorCode = "PLAN-002"
	ErrCodePlanDuplicateID ErrorCode = "PLAN-003"
	ErrCodePlanStepMissing ErrorCode = "PLAN-004"
	ErrCodePlanFrozen      ErrorCode = "PLAN-005"

	// Tool gateway errors (TOOL-001 to TOOL-099)
	ErrCodeToolInvocation ErrorCode = "TOOL-001"
	ErrCodeToolTimeout    ErrorCode = "TOOL-002"
	ErrCodeToolExhausted  ErrorCode = "TOOL-003"

	// Review errors (REVIEW-001 to REVIEW-099)
	ErrCodeApprovalRejected ErrorCode = "REVIEW-001"
	ErrCodeQuotaExceeded    ErrorCode = "REVIEW-002"

	// Config errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigInvalid       ErrorCode = "CONFIG-001"
	ErrCodeConfigPolicyMissing ErrorCode = "CONFIG-002"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileNotFound    ErrorCode = "IO-001"
	ErrCodeFileReadFailed  ErrorCode = "IO-002"
	ErrCodeFileWriteFailed ErrorCode = "IO-003"
)

// ForemanError represents an enhanced error with code, suggestions, and documentation
type ForemanError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *ForemanError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *ForemanError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target is a ForemanError with the same code.
// This lets call sites match on error codes without comparing instances.
func (e *ForemanError) Is(target error) bool {
	t, ok := target.(*ForemanError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new ForemanError
func New(code ErrorCode, message string) *ForemanError {
	return &ForemanError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new ForemanError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *ForemanError {
	return &ForemanError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *ForemanError) WithSuggestion(suggestion string) *ForemanError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *ForemanError) WithSuggestions(suggestions ...string) *ForemanError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *ForemanError) WithDocs(url string) *ForemanError {
	e.DocsURL = url
	return e
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if fe, ok := err.(*ForemanError); ok && fe.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Common error constructors for frequently used errors

// NewStaleParentError signals an optimistic-concurrency conflict on append
func NewStaleParentError(threadID, parentID string) *ForemanError {
	return New(ErrCodeStoreStaleParent, fmt.Sprintf("checkpoint parent %s is not the latest for thread %s", parentID, threadID)).
		WithSuggestion("Reload the latest checkpoint and retry the dispatch").
		WithSuggestion("Check for a second writer stepping the same thread")
}

// NewThreadNotFoundError creates a missing-thread error
func NewThreadNotFoundError(threadID string) *ForemanError {
	return New(ErrCodeThreadNotFound, fmt.Sprintf("no checkpoints recorded for thread: %s", threadID)).
		WithSuggestion("Run 'foreman threads list' to see known threads").
		WithSuggestion("Check the thread id for typos")
}

// NewNotSuspendedError signals a resume against a thread that is not awaiting input
func NewNotSuspendedError(threadID string) *ForemanError {
	return New(ErrCodeThreadNotSuspended, fmt.Sprintf("thread %s is not awaiting external input", threadID)).
		WithSuggestion("Only threads suspended at an interrupt node accept resume input").
		WithSuggestion("Run 'foreman threads show <id>' to inspect the latest checkpoint")
}

// NewStateCorruptionError signals a checkpoint that failed its integrity check
func NewStateCorruptionError(threadID, checkpointID string, cause error) *ForemanError {
	return Wrap(ErrCodeStateCorrupt, fmt.Sprintf("checkpoint %s of thread %s failed integrity check", checkpointID, threadID), cause).
		WithSuggestion("The run cannot continue automatically; inspect the stored chain").
		WithSuggestion("Restore from an earlier checkpoint or archive the thread")
}

// NewToolInvocationError wraps a transient external-collaborator failure
func NewToolInvocationError(capability string, cause error) *ForemanError {
	return Wrap(ErrCodeToolInvocation, fmt.Sprintf("call to %s failed", capability), cause).
		WithSuggestion("The call is retried with exponential backoff at the call site")
}

// NewQuotaExceededError signals a bounded counter hitting its configured maximum
func NewQuotaExceededError(counter string, limit int) *ForemanError {
	return New(ErrCodeQuotaExceeded, fmt.Sprintf("%s reached its configured maximum of %d", counter, limit)).
		WithSuggestion("Resolution is an explicit policy decision, never a silent drop")
}
