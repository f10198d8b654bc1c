package session

import (
	"github.com/termlane/ptyhub/internal/broadcast"
	"github.com/termlane/ptyhub/internal/ptyproc"
	"github.com/termlane/ptyhub/internal/scrollback"
)

// readOutput runs for the lifetime of one PTY. Scrollback append and
// broadcast of a chunk happen in the same step, so a client that replays
// scrollback and then subscribes sees an overlapping, never gapped, view.
// After read EOF the child's exit code is collected and reported on the exit
// channel; the goroutine never retries reads.
func (m *Manager) readOutput(sessionID string, p *ptyproc.ManagedPty, sess *Session, out *broadcast.Broadcaster) {
	buf := make([]byte, m.opts.ReadChunkBytes)
	var pending []byte // incomplete UTF-8 tail held back from the last read
	reader := p.Reader()

	emit := func(chunk []byte) {
		if len(chunk) == 0 {
			return
		}
		sess.scroll.Write(chunk)
		out.Publish(chunk)
	}

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if len(pending) > 0 {
				joined := make([]byte, 0, len(pending)+n)
				joined = append(joined, pending...)
				joined = append(joined, chunk...)
				chunk = joined
				pending = nil
			}
			// Hold back a trailing incomplete multibyte sequence so it is
			// not split across broadcast chunks.
			if tail := scrollback.IncompleteUTF8Tail(chunk); tail > 0 {
				pending = append([]byte(nil), chunk[len(chunk)-tail:]...)
				chunk = chunk[:len(chunk)-tail]
			}
			if len(chunk) > 0 {
				owned := append([]byte(nil), chunk...)
				emit(owned)
			}
		}
		if err != nil {
			emit(pending)
			break
		}
	}

	exitCode := p.Wait()
	_ = p.Close()
	select {
	case m.exitCh <- exitEvent{sessionID: sessionID, exitCode: exitCode}:
	case <-m.quit:
	}
}
