package model

import (
	"errors"
	"time"
)

// SessionState is the lifecycle state of a daemon session.
type SessionState string

const (
	StateCreating SessionState = "creating"
	StateRunning  SessionState = "running"
	StateStopped  SessionState = "stopped"
)

// Session error taxonomy. All are recoverable by the caller; connection
// handlers translate them into protocol error responses. Callers attach the
// session id by wrapping, e.g. fmt.Errorf("%w: %s", ErrSessionNotFound, id).
var (
	ErrSessionExists     = errors.New("session already exists")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotRunning = errors.New("session not running")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPty               = errors.New("pty failure")
)

// SessionSpec is the caller-supplied description of a session to create.
// Everything here is immutable once the session exists.
type SessionSpec struct {
	ID      string
	Project string
	Agent   string
	Note    string
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	Rows    uint16
	Cols    uint16
}

// SessionInfo is a point-in-time snapshot of a session for list/get queries.
// Pid and ExitCode are nil when unknown for the current state.
type SessionInfo struct {
	ID              string       `json:"id"`
	Project         string       `json:"project,omitempty"`
	Agent           string       `json:"agent,omitempty"`
	Note            string       `json:"note,omitempty"`
	Command         string       `json:"command"`
	Args            []string     `json:"args,omitempty"`
	Cwd             string       `json:"cwd"`
	State           SessionState `json:"state"`
	Pid             *int         `json:"pid,omitempty"`
	ExitCode        *int         `json:"exit_code,omitempty"`
	AttachedClients int          `json:"attached_clients"`
	CreatedAt       time.Time    `json:"created_at"`
}

// LifecycleEvent names recorded in the audit log.
type LifecycleEvent string

const (
	EventCreated   LifecycleEvent = "created"
	EventRunning   LifecycleEvent = "running"
	EventStopped   LifecycleEvent = "stopped"
	EventExited    LifecycleEvent = "exited"
	EventDestroyed LifecycleEvent = "destroyed"
)
