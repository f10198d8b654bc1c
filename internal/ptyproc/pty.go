// Package ptyproc owns the OS side of every session: the pseudo-terminal
// master, the spawned child process, and the one-PTY-per-session-id map.
package ptyproc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/termlane/ptyhub/internal/model"
)

// ManagedPty wraps one PTY master and its child process. The master is both
// the read and write side; writes are serialized through writeMu so
// concurrent callers (a direct client write and a pane-backend relay) cannot
// interleave bytes.
type ManagedPty struct {
	ptmx *os.File
	cmd  *exec.Cmd
	pid  int

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	sizeMu sync.Mutex
	rows   uint16
	cols   uint16
}

// WriteStdin writes data to the child's terminal. The write either completes
// fully or returns an error; a short write is never silent.
func (p *ManagedPty) WriteStdin(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := p.ptmx.Write(data)
	if err != nil {
		return fmt.Errorf("%w: write stdin: %v", model.ErrPty, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write: %d of %d bytes", model.ErrPty, n, len(data))
	}
	return nil
}

// Resize changes the terminal window size and updates the cached dimensions.
func (p *ManagedPty) Resize(rows, cols uint16) error {
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("%w: resize: %v", model.ErrPty, err)
	}
	p.sizeMu.Lock()
	p.rows, p.cols = rows, cols
	p.sizeMu.Unlock()
	return nil
}

// Size reports the cached (rows, cols).
func (p *ManagedPty) Size() (rows, cols uint16) {
	p.sizeMu.Lock()
	defer p.sizeMu.Unlock()
	return p.rows, p.cols
}

// Reader returns the read side of the master for the output reader
// goroutine. Reads are independent of the serialized write path.
func (p *ManagedPty) Reader() *os.File {
	return p.ptmx
}

// Kill hangs up the child and closes the master. The reader goroutine sees
// EOF and performs the exit wait; Kill never waits itself.
func (p *ManagedPty) Kill() error {
	err := p.cmd.Process.Signal(syscall.SIGHUP)
	if closeErr := p.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close releases the master fd. The child exiting on its own does not close
// the master, so the output reader must call this once its final read has
// drained; without it every naturally-exited session would keep one fd open
// for the life of the daemon. Safe to call after Kill.
func (p *ManagedPty) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.ptmx.Close() })
	return p.closeErr
}

// Wait blocks until the child exits and returns its exit code. Only the
// output reader calls this, after read EOF.
func (p *ManagedPty) Wait() int {
	state, err := p.cmd.Process.Wait()
	if err != nil || state == nil {
		return -1
	}
	return state.ExitCode()
}

// ProcessID returns the child's OS pid.
func (p *ManagedPty) ProcessID() int {
	return p.pid
}
