// Package errors provides structured error types for swarm.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for swarm.
const (
	// Store errors
	CodeStoreBusy    Code = "STORE_BUSY"
	CodeStoreCorrupt Code = "STORE_CORRUPT"
	CodeRunNotFound  Code = "RUN_NOT_FOUND"
	CodeRunActive    Code = "RUN_ACTIVE"
	CodeTaskState    Code = "TASK_INVALID_STATE"
	CodeLockConflict Code = "LOCK_CONFLICT"

	// Agent errors
	CodeAgentUnavailable Code = "AGENT_UNAVAILABLE"
	CodeAgentTimeout     Code = "AGENT_TIMEOUT"
	CodeAgentNoSentinel  Code = "AGENT_NO_SENTINEL"
	CodePayloadTooLarge  Code = "PAYLOAD_TOO_LARGE"
	CodeMaxRetries       Code = "MAX_RETRIES_EXCEEDED"

	// Source tree errors
	CodeRepoUnusable   Code = "REPO_UNUSABLE"
	CodeCheckoutFailed Code = "CHECKOUT_FAILED"
	CodeMergeConflict  Code = "MERGE_CONFLICT"

	// Worker/scheduler errors
	CodeWorkerStale Code = "WORKER_STALE"
	CodeWorkerCap   Code = "WORKER_CAP_EXCEEDED"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// Class groups error codes by recovery strategy.
type Class int

const (
	ClassUnknown Class = iota
	// ClassTransient errors resolve on retry with backoff.
	ClassTransient
	// ClassConsistency errors are observed invariant violations the
	// scheduler repairs and continues past.
	ClassConsistency
	// ClassIntegration errors are recorded and surfaced without aborting
	// the run (merge conflicts, oversized payloads).
	ClassIntegration
	// ClassFatal errors abort the orchestrator with a non-zero exit.
	ClassFatal
)

// codeClasses maps error codes to their recovery class.
var codeClasses = map[Code]Class{
	CodeStoreBusy:        ClassTransient,
	CodeAgentTimeout:     ClassTransient,
	CodeAgentNoSentinel:  ClassTransient,
	CodeStoreCorrupt:     ClassFatal,
	CodeRunNotFound:      ClassFatal,
	CodeRunActive:        ClassFatal,
	CodeRepoUnusable:     ClassFatal,
	CodeCheckoutFailed:   ClassFatal,
	CodeWorkerCap:        ClassFatal,
	CodeConfigInvalid:    ClassFatal,
	CodeAgentUnavailable: ClassFatal,
	CodeTaskState:        ClassConsistency,
	CodeWorkerStale:      ClassConsistency,
	CodeLockConflict:     ClassTransient,
	CodeMergeConflict:    ClassIntegration,
	CodePayloadTooLarge:  ClassIntegration,
	CodeMaxRetries:       ClassIntegration,
}

// String returns the class name used in logs and summaries.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConsistency:
		return "consistency"
	case ClassIntegration:
		return "integration"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SwarmError is the structured error type for swarm.
type SwarmError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *SwarmError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SwarmError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *SwarmError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Class returns the recovery class for this error.
func (e *SwarmError) Class() Class {
	if cl, ok := codeClasses[e.Code]; ok {
		return cl
	}
	return ClassUnknown
}

// Retryable reports whether the error should be retried with backoff.
func (e *SwarmError) Retryable() bool {
	return e.Class() == ClassTransient
}

// MarshalJSON implements json.Marshaler.
func (e *SwarmError) MarshalJSON() ([]byte, error) {
	type alias SwarmError
	aux := struct {
		*alias
		Class    string `json:"class"`
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
		Class: e.Class().String(),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a SwarmError with the same code.
func (e *SwarmError) Is(target error) bool {
	t, ok := target.(*SwarmError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *SwarmError) WithCause(err error) *SwarmError {
	return &SwarmError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrStoreBusy returns an error for store write contention.
func ErrStoreBusy(op string) *SwarmError {
	return &SwarmError{
		Code: CodeStoreBusy,
		What: fmt.Sprintf("coordination store busy during %s", op),
		Why:  "Another writer holds the store; the operation timed out waiting",
		Fix:  "The caller retries automatically; persistent contention means too many concurrent runs",
	}
}

// ErrStoreCorrupt returns an error for an unusable store file.
func ErrStoreCorrupt(path string) *SwarmError {
	return &SwarmError{
		Code: CodeStoreCorrupt,
		What: fmt.Sprintf("coordination store at %s is unusable", path),
		Why:  "The store file could not be opened or migrated",
		Fix:  "Check permissions and disk space, or remove the file to start fresh (loses run history)",
	}
}

// ErrRunNotFound returns an error when a run doesn't exist.
func ErrRunNotFound(id string) *SwarmError {
	return &SwarmError{
		Code: CodeRunNotFound,
		What: fmt.Sprintf("run %s not found", id),
		Why:  "No run with this ID exists in the coordination store",
		Fix:  "Run 'swarm status' to list known runs",
	}
}

// ErrRunActive returns an error when a duplicate active run is detected.
func ErrRunActive(id, hash string) *SwarmError {
	return &SwarmError{
		Code: CodeRunActive,
		What: fmt.Sprintf("a run for this source is already active (%s)", id),
		Why:  fmt.Sprintf("Run %s with source hash %.12s has status=running", id, hash),
		Fix:  fmt.Sprintf("Resume it with 'swarm resume %s' or stop it with 'swarm stop %s'", id, id),
	}
}

// ErrTaskState returns an error for an invalid task state transition.
func ErrTaskState(taskID int64, current, expected string) *SwarmError {
	return &SwarmError{
		Code: CodeTaskState,
		What: fmt.Sprintf("task %d is in state '%s', expected '%s'", taskID, current, expected),
		Why:  "The requested transition is not legal from the current state",
		Fix:  "The scheduler repairs stale assignments on its next sweep",
	}
}

// ErrLockConflict returns an error when lock acquisition fails.
func ErrLockConflict(pattern, holder string) *SwarmError {
	return &SwarmError{
		Code: CodeLockConflict,
		What: fmt.Sprintf("file lock conflict on %q", pattern),
		Why:  fmt.Sprintf("Pattern conflicts with a lock held by worker %s", holder),
		Fix:  "The task stays pending and is retried on the next scheduling tick",
	}
}

// ErrAgentUnavailable returns an error when the agent CLI cannot run.
func ErrAgentUnavailable(command string) *SwarmError {
	return &SwarmError{
		Code: CodeAgentUnavailable,
		What: fmt.Sprintf("agent command %q is not available", command),
		Why:  "Could not find or execute the configured coding agent",
		Fix:  "Install the agent CLI or set agent.command in config / SWARM_AGENT_COMMAND",
	}
}

// ErrAgentTimeout returns an error when an agent invocation times out.
func ErrAgentTimeout(taskID int64, duration string) *SwarmError {
	return &SwarmError{
		Code: CodeAgentTimeout,
		What: fmt.Sprintf("agent timed out on task %d", taskID),
		Why:  fmt.Sprintf("No completion after %s", duration),
		Fix:  "The task is retried; raise task_timeout if tasks legitimately run long",
	}
}

// ErrAgentNoSentinel returns an error when the agent exits clean without
// emitting the completion sentinel.
func ErrAgentNoSentinel(taskID int64) *SwarmError {
	return &SwarmError{
		Code: CodeAgentNoSentinel,
		What: fmt.Sprintf("agent finished task %d without completion sentinel", taskID),
		Why:  "Exit code was 0 but the output never contained the completion promise",
		Fix:  "The task is retried; persistent absence usually means the prompt confused the agent",
	}
}

// ErrPayloadTooLarge returns an error for an oversized agent prompt.
func ErrPayloadTooLarge(taskID int64, size, limit int) *SwarmError {
	return &SwarmError{
		Code: CodePayloadTooLarge,
		What: fmt.Sprintf("prompt for task %d exceeds the payload cap", taskID),
		Why:  fmt.Sprintf("Prompt is %d bytes, cap is %d bytes", size, limit),
		Fix:  "Split the task into smaller items in the plan",
	}
}

// ErrMaxRetries returns an error when a task exhausts its attempts.
func ErrMaxRetries(taskID int64, attempts int) *SwarmError {
	return &SwarmError{
		Code: CodeMaxRetries,
		What: fmt.Sprintf("task %d failed after %d attempts", taskID, attempts),
		Why:  "Maximum retry attempts exceeded without successful completion",
		Fix:  "Inspect the task log under the run's worker log directory, then fix the plan and resume",
	}
}

// ErrRepoUnusable returns an error when the source repo cannot be used.
func ErrRepoUnusable(path string, cause error) *SwarmError {
	return &SwarmError{
		Code:  CodeRepoUnusable,
		What:  fmt.Sprintf("source repository %s is unusable", path),
		Why:   "The directory is not a usable git repository",
		Fix:   "Point --repo at a git repository or an empty directory swarm may initialize",
		Cause: cause,
	}
}

// ErrCheckoutFailed returns an error when a worker checkout cannot be created.
func ErrCheckoutFailed(workerNum int, cause error) *SwarmError {
	return &SwarmError{
		Code:  CodeCheckoutFailed,
		What:  fmt.Sprintf("could not create checkout for worker %d", workerNum),
		Why:   "Cloning the base repository into the worker directory failed",
		Fix:   "Check disk space and permissions under the state root",
		Cause: cause,
	}
}

// ErrWorkerCap returns an error when worker caps would be exceeded.
func ErrWorkerCap(requested, limit int, scope string) *SwarmError {
	return &SwarmError{
		Code: CodeWorkerCap,
		What: fmt.Sprintf("requested %d workers exceeds the %s cap of %d", requested, scope, limit),
		Why:  "Worker caps bound agent process fan-out",
		Fix:  "Lower --workers or raise the cap in config",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *SwarmError {
	return &SwarmError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Fix the field in the config file or the SWARM_* environment override",
	}
}

// AsSwarmError attempts to convert an error to a SwarmError.
// Returns nil if the error is not a SwarmError.
func AsSwarmError(err error) *SwarmError {
	var se *SwarmError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// Retryable reports whether err is a transient SwarmError.
// Unknown errors are not retryable.
func Retryable(err error) bool {
	if se := AsSwarmError(err); se != nil {
		return se.Retryable()
	}
	return false
}

// Wrap wraps a generic error into a SwarmError with unknown code.
func Wrap(err error, what string) *SwarmError {
	return &SwarmError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
