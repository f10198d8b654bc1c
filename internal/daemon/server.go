// Package daemon is the long-running process that owns every PTY session. It
// listens on two unix sockets: the primary socket speaks the line-JSON client
// protocol, the pane socket speaks the pane-backend RPC. Sessions outlive any
// client connection; only daemon shutdown or an explicit stop ends them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/termlane/ptyhub/internal/config"
	"github.com/termlane/ptyhub/internal/panerpc"
	"github.com/termlane/ptyhub/internal/session"
)

type Server struct {
	cfg      config.Config
	mgr      *session.Manager
	log      *slog.Logger
	daemonID string

	mu       sync.Mutex
	listener net.Listener
	paneLn   net.Listener
	lockFile *os.File

	stopCh      chan struct{}
	stopOnce    sync.Once
	shutdown    sync.Once
	shutdownErr error
}

// NewServer wires a server around an existing session manager. The manager's
// lifecycle belongs to the server from here on: Shutdown closes it. An empty
// daemonID mints a fresh instance id.
func NewServer(cfg config.Config, mgr *session.Manager, daemonID string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if daemonID == "" {
		daemonID = uuid.NewString()
	}
	return &Server{
		cfg:      cfg,
		mgr:      mgr,
		log:      log,
		daemonID: daemonID,
		stopCh:   make(chan struct{}),
	}
}

// DaemonID is the instance id minted at construction, echoed on ping so
// clients can detect a daemon restart.
func (s *Server) DaemonID() string { return s.daemonID }

// Start acquires the single-instance lock, binds both sockets, and serves
// until ctx is cancelled, a daemon_stop request arrives, or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}

	ln, err := s.bindSocket(s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return err
	}
	paneLn, err := s.bindSocket(s.cfg.PaneSocketPath)
	if err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.paneLn = paneLn
	s.mu.Unlock()

	s.log.Info("daemon listening", "socket", s.cfg.SocketPath, "pane_socket", s.cfg.PaneSocketPath, "daemon_id", s.daemonID)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- s.acceptLoop(serveCtx, ln, s.handlePrimaryConn)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.acceptLoop(serveCtx, paneLn, s.handlePaneConn)
	}()

	var cause error
	select {
	case <-ctx.Done():
		cause = ctx.Err()
	case <-s.stopCh:
	case err := <-errCh:
		if err != nil {
			cause = fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := s.Shutdown(shutdownCtx); err != nil && cause == nil {
		cause = err
	}
	cancel()
	wg.Wait()
	return cause
}

// RequestStop asks the serve loop to exit, as daemon_stop does. Safe to call
// more than once.
func (s *Server) RequestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Shutdown stops the listeners, stops every running session, and releases the
// socket paths and lock. Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		s.mu.Lock()
		ln, paneLn := s.listener, s.paneLn
		s.listener, s.paneLn = nil, nil
		s.mu.Unlock()
		if ln != nil {
			if err := ln.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if paneLn != nil {
			if err := paneLn.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		done := make(chan struct{})
		go func() {
			s.mgr.Close()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("session shutdown: %w", ctx.Err()))
		}

		for _, p := range []string{s.cfg.SocketPath, s.cfg.PaneSocketPath} {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
		s.log.Info("daemon stopped")
	})
	return s.shutdownErr
}

// bindSocket removes a stale socket file and listens on a fresh one with
// owner-only permissions. A non-socket file at the path is refused.
func (s *Server) bindSocket(path string) (net.Listener, error) {
	if st, err := os.Lstat(path); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("socket path exists and is not unix socket: %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept errors happen under fd pressure; back off
			// briefly rather than spinning or dying.
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		go handle(ctx, conn)
	}
}

func (s *Server) handlePrimaryConn(ctx context.Context, nc net.Conn) {
	c := newConn(s, nc)
	c.serve(ctx)
}

func (s *Server) handlePaneConn(ctx context.Context, nc net.Conn) {
	panerpc.ServeConn(ctx, nc, s.mgr, s.daemonID, s.cfg.MaxLineBytes, s.log)
}

// acquireLock takes an exclusive flock on a sidecar of the socket path so a
// second daemon instance fails fast instead of stealing the socket.
func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
