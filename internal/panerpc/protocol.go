// Package panerpc implements the pane-backend protocol: a JSON-RPC-shaped
// line protocol that lets one connection (the leader) spawn and remote-
// control additional PTY sessions ("contexts") without opening a socket per
// session.
package panerpc

import "encoding/json"

// ProtocolVersion is the only version this daemon negotiates.
const ProtocolVersion = 1

// JSON-RPC error codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Method names.
const (
	MethodInitialize = "initialize"
	MethodSpawnAgent = "spawn_agent"
	MethodWrite      = "write"
	MethodCapture    = "capture"
	MethodKill       = "kill"
	MethodList       = "list"
)

// Push event method names (no request id).
const (
	EventContextOutput = "context_output"
	EventContextExited = "context_exited"
)

// Request is the incoming envelope. ID is echoed verbatim in the response.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Notification is a server-initiated push event.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type InitializeParams struct {
	ProtocolVersion int    `json:"protocol_version"`
	LeaderSessionID string `json:"leader_session_id,omitempty"`
}

type InitializeResult struct {
	ProtocolVersion int    `json:"protocol_version"`
	DaemonID        string `json:"daemon_id,omitempty"`
}

// SpawnAgentParams describes a child session to start. Command is the argv;
// an empty argv is invalid params. Metadata keys "project", "agent" and
// "note" are carried onto the session record.
type SpawnAgentParams struct {
	Command  []string          `json:"command"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type SpawnAgentResult struct {
	ContextID string `json:"context_id"`
}

type WriteParams struct {
	ContextID string `json:"context_id"`
	Data      string `json:"data"` // base64
}

type CaptureParams struct {
	ContextID string `json:"context_id"`
	Lines     *int   `json:"lines,omitempty"`
}

type CaptureResult struct {
	Data string `json:"data"` // base64
}

type KillParams struct {
	ContextID string `json:"context_id"`
}

type ListResult struct {
	ContextIDs []string `json:"context_ids"`
}

type ContextOutputEvent struct {
	ContextID string `json:"context_id"`
	Data      string `json:"data"` // base64
	// DroppedBytes reports output discarded before this chunk when the
	// consumer fell behind the session's broadcast buffer.
	DroppedBytes int `json:"dropped_bytes,omitempty"`
}

type ContextExitedEvent struct {
	ContextID string `json:"context_id"`
	ExitCode  int    `json:"exit_code"`
}
