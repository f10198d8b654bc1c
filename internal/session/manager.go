package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/termlane/ptyhub/internal/broadcast"
	"github.com/termlane/ptyhub/internal/model"
	"github.com/termlane/ptyhub/internal/ptyproc"
)

// EventRecorder receives session lifecycle events for the audit log.
// Implementations must not block; recording failures are theirs to log.
type EventRecorder interface {
	Record(sessionID string, event model.LifecycleEvent, pid, exitCode *int)
}

// Options tunes a Manager. Zero values pick reasonable defaults.
type Options struct {
	ScrollbackBytes  int
	SubscriberBuffer int
	ReadChunkBytes   int
	Events           EventRecorder
	Logger           *slog.Logger
}

type exitEvent struct {
	sessionID string
	exitCode  int
}

// Manager owns the session-id -> Session map and the PTY manager. It is the
// only component that performs multi-step lifecycle operations. Read-only
// queries take the read lock; every mutation takes the write lock, so two
// list calls proceed concurrently while a create briefly excludes everything.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ptys *ptyproc.Manager
	opts Options
	log  *slog.Logger

	clientSeq atomic.Uint64

	exitCh chan exitEvent
	quit   chan struct{}
	done   chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.ReadChunkBytes <= 0 {
		opts.ReadChunkBytes = 32 * 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		ptys:     ptyproc.NewManager(),
		opts:     opts,
		log:      opts.Logger,
		exitCh:   make(chan exitEvent, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.consumeExits()
	return m
}

// NextClientID allocates a daemon-wide client id for a logical consumer.
func (m *Manager) NextClientID() uint64 {
	return m.clientSeq.Add(1)
}

// CreateSession creates the session record, allocates the PTY, starts the
// output reader, and transitions the session to Running. A PTY failure is
// made visible: the half-built record is moved to Stopped, never left in
// Creating.
func (m *Manager) CreateSession(spec model.SessionSpec) (model.SessionInfo, error) {
	if spec.ID == "" {
		return model.SessionInfo{}, fmt.Errorf("%w: empty session id", model.ErrPty)
	}
	if spec.Rows == 0 {
		spec.Rows = 24
	}
	if spec.Cols == 0 {
		spec.Cols = 80
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[spec.ID]; ok {
		return model.SessionInfo{}, fmt.Errorf("%w: %s", model.ErrSessionExists, spec.ID)
	}
	sess := newSession(spec, m.opts.ScrollbackBytes)
	m.sessions[spec.ID] = sess
	m.record(spec.ID, model.EventCreated, nil, nil)

	p, err := m.ptys.Create(spec)
	if err != nil {
		sess.setStopped()
		m.record(spec.ID, model.EventStopped, nil, nil)
		m.log.Warn("session create failed", "session", spec.ID, "error", err)
		return model.SessionInfo{}, err
	}

	out := broadcast.New(m.opts.SubscriberBuffer)
	go m.readOutput(spec.ID, p, sess, out)

	pid := p.ProcessID()
	if err := sess.setRunning(out, pid); err != nil {
		// Unreachable while the record is created under this lock, but a
		// broken transition must not leave a live PTY behind.
		_ = m.ptys.Destroy(spec.ID)
		sess.setStopped()
		return model.SessionInfo{}, err
	}
	m.record(spec.ID, model.EventRunning, &pid, nil)
	m.log.Info("session created", "session", spec.ID, "pid", pid, "command", spec.Command)
	return sess.Info(), nil
}

// AttachClient marks the client attached and returns a fresh output
// receiver. History replay is the caller's job: read ScrollbackContents
// first, then consume the receiver; chunks overlap but never gap.
func (m *Manager) AttachClient(sessionID string, clientID uint64) (*broadcast.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	sub := sess.subscribeOutput()
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotRunning, sessionID)
	}
	sess.attachClient(clientID)
	return sub, nil
}

// DetachClient removes the client from the attached set. Not being attached
// is not an error.
func (m *Manager) DetachClient(sessionID string, clientID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	sess.detachClient(clientID)
	return nil
}

// DetachClientFromAll drops the client from every session, used on
// connection teardown.
func (m *Manager) DetachClientFromAll(clientID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		sess.detachClient(clientID)
	}
}

// WriteStdin forwards input to the session's PTY. Both the session record
// and the PTY record are checked; either being absent is SessionNotFound.
func (m *Manager) WriteStdin(sessionID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	p, err := m.ptys.Get(sessionID)
	if err != nil {
		return err
	}
	return p.WriteStdin(data)
}

// ResizePty changes the PTY window size.
func (m *Manager) ResizePty(sessionID string, rows, cols uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	p, err := m.ptys.Get(sessionID)
	if err != nil {
		return err
	}
	return p.Resize(rows, cols)
}

// StopSession kills the PTY and transitions the session to Stopped. The
// record stays listable.
func (m *Manager) StopSession(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	if err := m.ptys.Destroy(sessionID); err != nil {
		// Already gone: the exit path beat us, which is fine.
		m.log.Debug("stop: pty already gone", "session", sessionID)
	}
	prev := sess.setStopped()
	m.record(sessionID, model.EventStopped, nil, nil)
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	m.log.Info("session stopped", "session", sessionID)
	return nil
}

// DestroySession removes the session entirely: best-effort PTY kill, then
// unconditional removal of the record.
func (m *Manager) DestroySession(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	if err := m.ptys.Destroy(sessionID); err != nil {
		m.log.Debug("destroy: pty already gone", "session", sessionID)
	}
	prev := sess.setStopped()
	delete(m.sessions, sessionID)
	m.record(sessionID, model.EventDestroyed, nil, nil)
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	m.log.Info("session destroyed", "session", sessionID)
	return nil
}

// ListSessions snapshots all sessions, sorted by id. A non-empty
// projectFilter restricts the result to that project.
func (m *Manager) ListSessions(projectFilter string) []model.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		info := sess.Info()
		if projectFilter != "" && info.Project != projectFilter {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSession returns a snapshot of one session.
func (m *Manager) GetSession(sessionID string) (model.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return model.SessionInfo{}, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	return sess.Info(), nil
}

// ScrollbackContents returns the session's buffered output, valid in any
// state including Stopped.
func (m *Manager) ScrollbackContents(sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	return sess.Scrollback(), nil
}

// ScrollbackTail returns the trailing lines of the session's buffered
// output. lines <= 0 returns everything.
func (m *Manager) ScrollbackTail(sessionID string, lines int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	return sess.scroll.TailLines(lines), nil
}

// ExitCode reports the session's exit code once the child has exited.
func (m *Manager) ExitCode(sessionID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return sess.ExitCode()
}

// PtyCount reports the number of live PTYs, for diagnostics and tests.
func (m *Manager) PtyCount() int {
	return m.ptys.Count()
}

// StopAll stops every Running session, tolerating individual failures. Used
// on daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	running := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if sess.State() == model.StateRunning {
			running = append(running, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range running {
		if err := m.StopSession(id); err != nil {
			m.log.Warn("stop all: session failed", "session", id, "error", err)
		}
	}
}

// Close stops all sessions and the exit consumer. The Manager is unusable
// afterwards.
func (m *Manager) Close() {
	m.StopAll()
	close(m.quit)
	<-m.done
}

// handlePtyExit is the Stopped transition driven by the output reader when
// the child exits on its own: the PTY record is removed (the process is
// already gone) and the broadcaster closed so subscribers observe the end of
// stream.
func (m *Manager) handlePtyExit(sessionID string, exitCode int) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		// Destroyed while the exit event was in flight.
		m.ptys.Remove(sessionID)
		m.mu.Unlock()
		return
	}
	m.ptys.Remove(sessionID)
	sess.setExitCode(exitCode)
	prev := sess.setStopped()
	m.record(sessionID, model.EventExited, nil, &exitCode)
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	m.log.Info("session exited", "session", sessionID, "exit_code", exitCode)
}

func (m *Manager) consumeExits() {
	defer close(m.done)
	for {
		select {
		case ev := <-m.exitCh:
			m.handlePtyExit(ev.sessionID, ev.exitCode)
		case <-m.quit:
			// Drain anything already queued so reader goroutines finish.
			for {
				select {
				case ev := <-m.exitCh:
					m.handlePtyExit(ev.sessionID, ev.exitCode)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) record(sessionID string, event model.LifecycleEvent, pid, exitCode *int) {
	if m.opts.Events == nil {
		return
	}
	m.opts.Events.Record(sessionID, event, pid, exitCode)
}
