package search

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is one inbound search, created at the HTTP boundary.
type Request struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	ReceivedAt time.Time `json:"received_at"`
}

// FailureKind classifies why an invocation did not produce a payload.
type FailureKind string

// Supported failure kinds.
const (
	FailureWorkerNotFound  FailureKind = "worker_not_found"
	FailureSpawnError      FailureKind = "spawn_error"
	FailureTimeout         FailureKind = "timeout"
	FailureWorkerExitError FailureKind = "worker_exit_error"
	FailureArtifactMissing FailureKind = "artifact_missing"
	FailureArtifactCorrupt FailureKind = "artifact_corrupt"
	FailureBusy            FailureKind = "busy"
)

// Failure is the typed error carried by a failed Outcome.
type Failure struct {
	Kind   FailureKind
	Detail string
	// ExitCode and Stderr are set for FailureWorkerExitError.
	ExitCode int
	Stderr   string
	Err      error
}

// NewFailure builds a Failure with a formatted detail string.
func NewFailure(kind FailureKind, err error, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (f *Failure) Error() string {
	if f.Kind == FailureWorkerExitError {
		return fmt.Sprintf("%s: %s (exit code %d): %s", f.Kind, f.Detail, f.ExitCode, f.Stderr)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Unwrap exposes the underlying cause, if any.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome is the single result of an invocation: either a payload or a
// Failure, never both.
type Outcome struct {
	RequestID string
	Payload   json.RawMessage
	Failure   *Failure
	StartedAt time.Time
	Duration  time.Duration
}

// Succeeded reports whether the outcome carries a payload.
func (o Outcome) Succeeded() bool {
	return o.Failure == nil
}

// Success builds a successful Outcome.
func Success(requestID string, payload json.RawMessage) Outcome {
	return Outcome{RequestID: requestID, Payload: payload}
}

// Failed builds a failed Outcome.
func Failed(requestID string, failure *Failure) Outcome {
	return Outcome{RequestID: requestID, Failure: failure}
}

// Result returns a short label for metrics and history rows.
func (o Outcome) Result() string {
	if o.Failure == nil {
		return "success"
	}
	return string(o.Failure.Kind)
}

// PayloadCount mirrors the response count field: the element count for a
// JSON array and 1 for anything else.
func PayloadCount(payload json.RawMessage) int {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err == nil {
		return len(items)
	}
	return 1
}

// InvocationRecord is the persisted summary of one invocation.
type InvocationRecord struct {
	RequestID   string        `json:"request_id"`
	Query       string        `json:"query"`
	ReceivedAt  time.Time     `json:"received_at"`
	Result      string        `json:"result"`
	Detail      string        `json:"detail,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	Count       int           `json:"count"`
	ContentHash string        `json:"content_hash,omitempty"`
	BlobURI     string        `json:"blob_uri,omitempty"`
}
