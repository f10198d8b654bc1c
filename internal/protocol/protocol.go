// Package protocol defines the primary client wire format: one JSON object
// per line over the daemon's unix socket, dispatched on the "type" field.
// Request and response shapes are closed tagged variants; optional fields are
// omitted from the wire, never emitted as null.
package protocol

import "encoding/json"

// Request type tags.
const (
	TypeCreateSession  = "create_session"
	TypeAttach         = "attach"
	TypeDetach         = "detach"
	TypeResizePty      = "resize_pty"
	TypeWriteStdin     = "write_stdin"
	TypeStopSession    = "stop_session"
	TypeDestroySession = "destroy_session"
	TypeListSessions   = "list_sessions"
	TypeGetSession     = "get_session"
	TypeDaemonStop     = "daemon_stop"
	TypePing           = "ping"
)

// Response and stream type tags.
const (
	TypeSessionCreated   = "session_created"
	TypePtyOutput        = "pty_output"
	TypePtyOutputDropped = "pty_output_dropped"
	TypeSessionEvent     = "session_event"
	TypeSessionList      = "session_list"
	TypeSessionInfo      = "session_info"
	TypeError            = "error"
	TypeAck              = "ack"
)

// Error codes carried on error responses.
const (
	CodeBadRequest        = "E_BAD_REQUEST"
	CodeSessionExists     = "E_SESSION_EXISTS"
	CodeSessionNotFound   = "E_SESSION_NOT_FOUND"
	CodeSessionNotRunning = "E_SESSION_NOT_RUNNING"
	CodeInvalidState      = "E_INVALID_STATE"
	CodePty               = "E_PTY"
	CodeInternal          = "E_INTERNAL"
)

// Peek is the discriminant view of an incoming line.
type Peek struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// CreateSessionRequest spawns a new session. Env, when present, is the full
// child environment, not a delta over the daemon's.
type CreateSessionRequest struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	SessionID string            `json:"session_id"`
	Project   string            `json:"project,omitempty"`
	Agent     string            `json:"agent,omitempty"`
	Note      string            `json:"note,omitempty"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Rows      uint16            `json:"rows,omitempty"`
	Cols      uint16            `json:"cols,omitempty"`
}

// AttachRequest subscribes the connection to a session's output. The reply
// carries the scrollback so the client can replay before consuming the live
// feed.
type AttachRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
}

type DetachRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
}

type ResizePtyRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

// WriteStdinRequest carries base64-encoded input bytes.
type WriteStdinRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

type StopSessionRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
}

type DestroySessionRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
}

type ListSessionsRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Project string `json:"project,omitempty"`
}

type GetSessionRequest struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
}

type DaemonStopRequest struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type PingRequest struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// SessionCreatedResponse confirms a create_session.
type SessionCreatedResponse struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
	Pid       int    `json:"pid"`
}

// PtyOutput is pushed to attached clients; Data is base64. No request id.
type PtyOutput struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
}

// PtyOutputDropped tells an attached client that it fell behind and lost
// BytesDropped bytes of output. No request id.
type PtyOutputDropped struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	BytesDropped int    `json:"bytes_dropped"`
}

// SessionEvent is an unsolicited lifecycle notification. Details is an
// optional event-specific JSON object.
type SessionEvent struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Details   json.RawMessage `json:"details,omitempty"`
}

type SessionListResponse struct {
	Type     string        `json:"type"`
	ID       string        `json:"id,omitempty"`
	Sessions []SessionItem `json:"sessions"`
}

type SessionInfoResponse struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Session SessionItem `json:"session"`
}

// SessionItem is a session snapshot as serialized on the wire.
type SessionItem struct {
	SessionID       string   `json:"session_id"`
	Project         string   `json:"project,omitempty"`
	Agent           string   `json:"agent,omitempty"`
	Note            string   `json:"note,omitempty"`
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	State           string   `json:"state"`
	Pid             *int     `json:"pid,omitempty"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	AttachedClients int      `json:"attached_clients"`
	CreatedAt       string   `json:"created_at"`
}

// ErrorResponse reports a failed request, echoing its id.
type ErrorResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckResponse acknowledges a request with no other payload. Attach replies
// carry the scrollback for replay.
type AckResponse struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Scrollback string `json:"scrollback,omitempty"`
	DaemonID   string `json:"daemon_id,omitempty"`
}
