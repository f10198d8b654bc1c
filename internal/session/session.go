// Package session implements the per-session lifecycle state machine and the
// orchestrating Manager that owns all session state. Every multi-step
// lifecycle operation (create, stop, destroy, exit handling) lives here;
// connection handlers only ever call Manager methods.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/termlane/ptyhub/internal/broadcast"
	"github.com/termlane/ptyhub/internal/model"
	"github.com/termlane/ptyhub/internal/scrollback"
)

// Session is one daemon session: immutable creation metadata plus mutable
// lifecycle state. The invariant maintained by the transitions is that the
// output broadcaster and pid are set if and only if the state is Running.
type Session struct {
	spec      model.SessionSpec
	createdAt time.Time
	scroll    *scrollback.Buffer

	mu       sync.Mutex
	state    model.SessionState
	out      *broadcast.Broadcaster
	pid      *int
	exitCode *int
	attached map[uint64]struct{}
}

func newSession(spec model.SessionSpec, scrollCapacity int) *Session {
	return &Session{
		spec:      spec,
		createdAt: time.Now().UTC(),
		scroll:    scrollback.New(scrollCapacity),
		state:     model.StateCreating,
		attached:  make(map[uint64]struct{}),
	}
}

// setRunning transitions Creating -> Running, storing the output broadcaster
// and pid. Any other source state is an invalid transition.
func (s *Session) setRunning(out *broadcast.Broadcaster, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.StateCreating {
		return fmt.Errorf("%w: session %s: set_running requires %s, state is %s",
			model.ErrInvalidTransition, s.spec.ID, model.StateCreating, s.state)
	}
	s.state = model.StateRunning
	s.out = out
	s.pid = &pid
	return nil
}

// setStopped transitions to Stopped from Running or Creating (the latter
// covers a spawn failure discovered after the record was inserted). Already
// Stopped is a no-op. The previous broadcaster is returned so the caller can
// close it outside the lock; scrollback and exit code are preserved.
func (s *Session) setStopped() *broadcast.Broadcaster {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.StateStopped {
		return nil
	}
	s.state = model.StateStopped
	prev := s.out
	s.out = nil
	s.pid = nil
	return prev
}

func (s *Session) setExitCode(code int) {
	s.mu.Lock()
	s.exitCode = &code
	s.mu.Unlock()
}

// attachClient and detachClient are idempotent set operations, valid in any
// state.
func (s *Session) attachClient(clientID uint64) {
	s.mu.Lock()
	s.attached[clientID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) detachClient(clientID uint64) {
	s.mu.Lock()
	delete(s.attached, clientID)
	s.mu.Unlock()
}

// subscribeOutput returns a fresh receiver on the output broadcaster, or nil
// when the session is not Running.
func (s *Session) subscribeOutput() *broadcast.Subscriber {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return nil
	}
	return out.Subscribe()
}

// State reports the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode returns the child's exit code once known.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitCode == nil {
		return 0, false
	}
	return *s.exitCode, true
}

// Scrollback returns the full buffer contents regardless of state.
func (s *Session) Scrollback() []byte {
	return s.scroll.Contents()
}

// Info snapshots the session for list/get queries.
func (s *Session) Info() model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := model.SessionInfo{
		ID:              s.spec.ID,
		Project:         s.spec.Project,
		Agent:           s.spec.Agent,
		Note:            s.spec.Note,
		Command:         s.spec.Command,
		Args:            s.spec.Args,
		Cwd:             s.spec.Cwd,
		State:           s.state,
		AttachedClients: len(s.attached),
		CreatedAt:       s.createdAt,
	}
	if s.pid != nil {
		pid := *s.pid
		info.Pid = &pid
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	return info
}
