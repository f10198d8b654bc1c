package ptyproc

import (
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"github.com/creack/pty"

	"github.com/termlane/ptyhub/internal/model"
)

// Manager enforces one ManagedPty per session id. All lookups and mutations
// go through the Manager; nothing else holds the map.
type Manager struct {
	mu   sync.RWMutex
	ptys map[string]*ManagedPty
}

func NewManager() *Manager {
	return &Manager{ptys: make(map[string]*ManagedPty)}
}

// Create opens a new PTY at the given size and spawns command attached to
// the slave side. The id check happens before any OS resource is allocated,
// and a failed spawn inserts nothing: Count is unchanged after any error.
func (m *Manager) Create(spec model.SessionSpec) (*ManagedPty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ptys[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionExists, spec.ID)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	if len(spec.Env) > 0 {
		// The caller supplies the full environment, not a delta over the
		// daemon's own.
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols})
	if err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", model.ErrPty, spec.Command, err)
	}

	p := &ManagedPty{
		ptmx: ptmx,
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		rows: spec.Rows,
		cols: spec.Cols,
	}
	m.ptys[spec.ID] = p
	return p, nil
}

// Get looks up the PTY for a session id.
func (m *Manager) Get(id string) (*ManagedPty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.ptys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return p, nil
}

// Destroy kills the child and removes the record.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	p, ok := m.ptys[id]
	if ok {
		delete(m.ptys, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	_ = p.Kill()
	return nil
}

// Remove drops the record without killing, for processes that already exited
// on their own.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.ptys, id)
	m.mu.Unlock()
}

// Count reports the number of tracked PTYs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ptys)
}

// SessionIDs returns the tracked session ids, sorted.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.ptys))
	for id := range m.ptys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
