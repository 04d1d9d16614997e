package domain

import (
	"time"

	"github.com/google/uuid"
)

// Result is the outcome of a tool invocation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultError   Result = "error"
)

// Valid reports whether r is one of the known results.
func (r Result) Valid() bool {
	return r == ResultSuccess || r == ResultError
}

// CallContext describes the agent conversation a tool call belongs to.
type CallContext struct {
	SessionID  string `json:"session_id"`
	Model      string `json:"model"`
	PromptHash string `json:"prompt_hash,omitempty"`
}

// AuditLogEntry is one record per tool invocation. ID, Timestamp and Source
// are always assigned by the writer, never by the caller.
type AuditLogEntry struct {
	ID           uuid.UUID      `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	User         string         `json:"user"`
	Source       string         `json:"source"`
	Action       string         `json:"action"`
	Parameters   map[string]any `json:"parameters"`
	Result       Result         `json:"result"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Context      CallContext    `json:"context"`
}

// PartialEntry is the caller-facing shape of an audit entry, without the
// server-assigned fields.
type PartialEntry struct {
	User         string         `json:"user"`
	Action       string         `json:"action"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Result       Result         `json:"result"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Context      CallContext    `json:"context"`

	// Prompt is hashed into Context.PromptHash and never persisted.
	Prompt string `json:"-"`
}
