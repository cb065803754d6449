package tools

import (
	"encoding/json"
	"fmt"
)

// Status is the top-level outcome of a tool call.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
	StatusNoop  Status = "noop" // Only produced by write when content is unchanged.
)

// Kind names which tool produced a result.
type Kind string

const (
	KindList  Kind = "list"
	KindRead  Kind = "read"
	KindWrite Kind = "write"
	KindRun   Kind = "run"
)

// Code classifies an error result.
type Code string

const (
	CodeContainment Code = "containment_violation"
	CodeNotFound    Code = "not_found"
	CodeWrongType   Code = "wrong_type"
	CodeInvalidArgs Code = "invalid_arguments"
	CodeException   Code = "exception"
	CodeTimedOut    Code = "timed_out"
	CodeUnknownTool Code = "unknown_tool"
	// CodeCancelled marks a call skipped because the session was cancelled.
	CodeCancelled Code = "cancelled"
)

// Result is the single normalized shape of every tool outcome.
//
// Invariants: StatusError implies a non-empty Details; Artifacts only
// accompany StatusOK and StatusNoop.
type Result struct {
	Status    Status         `json:"status"`
	Kind      Kind           `json:"kind"`
	Code      Code           `json:"code,omitempty"`
	Details   string         `json:"details,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`

	// Target is the canonical path the call touched. Used for cache
	// invalidation; never sent to the agent.
	Target string `json:"-"`
}

// OK builds a successful result.
func OK(kind Kind, details string, artifacts map[string]any) *Result {
	return &Result{Status: StatusOK, Kind: kind, Details: details, Artifacts: artifacts}
}

// Noop builds an unchanged-state result.
func Noop(kind Kind, details string, artifacts map[string]any) *Result {
	return &Result{Status: StatusNoop, Kind: kind, Details: details, Artifacts: artifacts}
}

// Errorf builds an error result with a formatted, non-empty detail message.
func Errorf(kind Kind, code Code, format string, args ...any) *Result {
	details := fmt.Sprintf(format, args...)
	if details == "" {
		details = string(code)
	}
	return &Result{Status: StatusError, Kind: kind, Code: code, Details: details}
}

// IsError reports whether the result carries StatusError.
func (r *Result) IsError() bool {
	return r != nil && r.Status == StatusError
}

// Payload renders the result as the map sent back to the agent collaborator.
func (r *Result) Payload() map[string]any {
	p := map[string]any{
		"status": string(r.Status),
		"kind":   string(r.Kind),
	}
	if r.Code != "" {
		p["code"] = string(r.Code)
	}
	if r.Details != "" {
		p["details"] = r.Details
	}
	if len(r.Artifacts) > 0 && r.Status != StatusError {
		p["artifacts"] = r.Artifacts
	}
	return p
}

// String renders the result as compact JSON, the form placed in tool_result
// blocks for the agent.
func (r *Result) String() string {
	data, err := json.Marshal(r.Payload())
	if err != nil {
		return fmt.Sprintf(`{"status":%q,"kind":%q,"details":%q}`, r.Status, r.Kind, err.Error())
	}
	return string(data)
}
