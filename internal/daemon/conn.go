package daemon

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/termlane/ptyhub/internal/broadcast"
	"github.com/termlane/ptyhub/internal/model"
	"github.com/termlane/ptyhub/internal/protocol"
)

// conn serves one primary-protocol client. Requests are handled strictly in
// order; per-session forwarding goroutines share the outbound encoder through
// a mutex so pushed output interleaves with responses at line granularity.
type conn struct {
	srv      *Server
	nc       net.Conn
	log      *slog.Logger
	clientID uint64

	enc  *json.Encoder
	encM sync.Mutex

	attachMu    sync.Mutex
	attachments map[string]*attachment

	done chan struct{}
}

// attachment is one live subscription owned by this connection. stop is
// closed by detach and teardown so the forwarder exits without reporting a
// session exit.
type attachment struct {
	sub  *broadcast.Subscriber
	stop chan struct{}
}

func newConn(s *Server, nc net.Conn) *conn {
	clientID := s.mgr.NextClientID()
	return &conn{
		srv:         s,
		nc:          nc,
		log:         s.log.With("client", clientID),
		clientID:    clientID,
		enc:         json.NewEncoder(nc),
		attachments: make(map[string]*attachment),
		done:        make(chan struct{}),
	}
}

func (c *conn) serve(ctx context.Context) {
	defer c.teardown()
	stop := context.AfterFunc(ctx, func() { _ = c.nc.Close() })
	defer stop()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), c.srv.cfg.MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.dispatch(line)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug("connection read ended", "error", err)
	}
}

func (c *conn) teardown() {
	close(c.done)
	_ = c.nc.Close()

	c.attachMu.Lock()
	for id, a := range c.attachments {
		close(a.stop)
		a.sub.Unsubscribe()
		delete(c.attachments, id)
	}
	c.attachMu.Unlock()

	c.srv.mgr.DetachClientFromAll(c.clientID)
}

// dispatch parses the type tag and routes the request. A line that does not
// parse is logged and skipped; the connection and its attachments survive.
func (c *conn) dispatch(line []byte) {
	var peek protocol.Peek
	if err := json.Unmarshal(line, &peek); err != nil {
		c.log.Warn("malformed request line", "error", err)
		return
	}
	switch peek.Type {
	case protocol.TypeCreateSession:
		c.handleCreateSession(line, peek.ID)
	case protocol.TypeAttach:
		c.handleAttach(line, peek.ID)
	case protocol.TypeDetach:
		c.handleDetach(line, peek.ID)
	case protocol.TypeResizePty:
		c.handleResizePty(line, peek.ID)
	case protocol.TypeWriteStdin:
		c.handleWriteStdin(line, peek.ID)
	case protocol.TypeStopSession:
		c.handleStopSession(line, peek.ID)
	case protocol.TypeDestroySession:
		c.handleDestroySession(line, peek.ID)
	case protocol.TypeListSessions:
		c.handleListSessions(line, peek.ID)
	case protocol.TypeGetSession:
		c.handleGetSession(line, peek.ID)
	case protocol.TypeDaemonStop:
		c.sendAck(peek.ID)
		c.srv.RequestStop()
	case protocol.TypePing:
		c.send(protocol.AckResponse{Type: protocol.TypeAck, ID: peek.ID, DaemonID: c.srv.daemonID})
	default:
		c.sendError(peek.ID, protocol.CodeBadRequest, fmt.Sprintf("unknown request type %q", peek.Type))
	}
}

func (c *conn) handleCreateSession(line []byte, id string) {
	var req protocol.CreateSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(id, protocol.CodeBadRequest, "malformed create_session request")
		return
	}
	if req.SessionID == "" || req.Command == "" {
		c.sendError(id, protocol.CodeBadRequest, "session_id and command are required")
		return
	}
	info, err := c.srv.mgr.CreateSession(model.SessionSpec{
		ID:      req.SessionID,
		Project: req.Project,
		Agent:   req.Agent,
		Note:    req.Note,
		Command: req.Command,
		Args:    req.Args,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Rows:    req.Rows,
		Cols:    req.Cols,
	})
	if err != nil {
		c.sendSessionError(id, err)
		return
	}
	pid := 0
	if info.Pid != nil {
		pid = *info.Pid
	}
	c.send(protocol.SessionCreatedResponse{
		Type:      protocol.TypeSessionCreated,
		ID:        id,
		SessionID: info.ID,
		Pid:       pid,
	})
}

// handleAttach subscribes first and snapshots the scrollback after, so the
// replay in the ack and the subsequent pushed chunks can overlap but never
// leave a gap.
func (c *conn) handleAttach(line []byte, id string) {
	var req protocol.AttachRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(id, protocol.CodeBadRequest, "malformed attach request")
		return
	}
	c.attachMu.Lock()
	if _, ok := c.attachments[req.SessionID]; ok {
		c.attachMu.Unlock()
		c.sendError(id, protocol.CodeInvalidState, fmt.Sprintf("already attached to %s", req.SessionID))
		return
	}
	c.attachMu.Unlock()

	sub, err := c.srv.mgr.AttachClient(req.SessionID, c.clientID)
	if err != nil {
		c.sendSessionError(id, err)
		return
	}
	scroll, err := c.srv.mgr.ScrollbackContents(req.SessionID)
	if err != nil {
		sub.Unsubscribe()
		_ = c.srv.mgr.DetachClient(req.SessionID, c.clientID)
		c.sendSessionError(id, err)
		return
	}

	a := &attachment{sub: sub, stop: make(chan struct{})}
	c.attachMu.Lock()
	c.attachments[req.SessionID] = a
	c.attachMu.Unlock()
	go c.forwardOutput(req.SessionID, a)

	c.send(protocol.AckResponse{
		Type:       protocol.TypeAck,
		ID:         id,
		Scrollback: base64.StdEncoding.EncodeToString(scroll),
	})
}

// forwardOutput pushes a session's output to this client until detach, the
// end of the session's stream, or connection teardown. Stream end becomes a
// session_event so the client learns why the output stopped.
func (c *conn) forwardOutput(sessionID string, a *attachment) {
	for {
		select {
		case chunk, ok := <-a.sub.Ch():
			if !ok {
				c.dropAttachment(sessionID, a)
				c.sendExitEvent(sessionID)
				return
			}
			if chunk.DroppedBytes > 0 {
				c.send(protocol.PtyOutputDropped{
					Type:         protocol.TypePtyOutputDropped,
					SessionID:    sessionID,
					BytesDropped: chunk.DroppedBytes,
				})
			}
			c.send(protocol.PtyOutput{
				Type:      protocol.TypePtyOutput,
				SessionID: sessionID,
				Data:      base64.StdEncoding.EncodeToString(chunk.Data),
			})
		case <-a.stop:
			return
		case <-c.done:
			return
		}
	}
}

// dropAttachment removes the registry entry if it still points at a, so a
// racing detach of a re-attached session is not clobbered.
func (c *conn) dropAttachment(sessionID string, a *attachment) {
	c.attachMu.Lock()
	if cur, ok := c.attachments[sessionID]; ok && cur == a {
		delete(c.attachments, sessionID)
	}
	c.attachMu.Unlock()
	_ = c.srv.mgr.DetachClient(sessionID, c.clientID)
}

// sendExitEvent reports the end of a session's output stream. The exit code
// is attached when the child's exit has been observed; a stop or destroy that
// closed the stream without one reports the stopped event instead.
func (c *conn) sendExitEvent(sessionID string) {
	if code, ok := c.srv.mgr.ExitCode(sessionID); ok {
		details, _ := json.Marshal(map[string]int{"exit_code": code})
		c.send(protocol.SessionEvent{
			Type:      protocol.TypeSessionEvent,
			Event:     string(model.EventExited),
			SessionID: sessionID,
			Details:   details,
		})
		return
	}
	c.send(protocol.SessionEvent{
		Type:      protocol.TypeSessionEvent,
		Event:     string(model.EventStopped),
		SessionID: sessionID,
	})
}

func (c *conn) handleDetach(line []byte, id string) {
	var req protocol.DetachRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(id, protocol.CodeBadRequest, "malformed detach request")
		return
	}
	c.attachMu.Lock()
	a, ok := c.attachments[req.SessionID]
	if ok {
		delete(c.attachments, req.SessionID)
	}
	c.attachMu.Unlock()
	if ok {
		close(a.stop)
		a.sub.Unsubscribe()
	}
	if err := c.srv.mgr.DetachClient(req.SessionID, c.clientID); err != nil {
		c.sendSessionError(id, err)
		return
	}
	c.sendAck(id)
}

func (c *conn) handleResizePty(line []byte, id string) {
	var req protocol.ResizePtyRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(id, protocol.CodeBadRequest, "malformed resize_pty request")
		return
	}
	if req.Rows == 0 || req.Cols == 0 {
		c.sendError(id, protocol.CodeBadRequest, "rows and cols must be positive")
		return
	}
	if err := c.srv.mgr.ResizePty(req.SessionID, req.Rows, req.Cols); err != nil {
		c.sendSessionError(id, err)
		return
	}
	c.sendAck(id)
}

func (c *conn) handleWriteStdin(line []byte, id string) {
	var req protocol.WriteStdinRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(id, protocol.CodeBadRequest, "malformed write_stdin request")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.sendError(id, protocol.CodeBadRequest, "data is not valid base64")
		return
	}
	if err := c.srv.mgr.WriteStdin(req.SessionID, data); err != nil {
		c.sendSessionError(id, err)
		return
	}
	c.sendAck(id)
}

func (c *conn) handleStopSession(line []byte, id string) {
	var req protocol.StopSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(id, protocol.CodeBadRequest, "malformed stop_session request")
		return
	}
	if err := c.srv.mgr.StopSession(req.SessionID); err != nil {
		c.sendSessionError(id, err)
		return
	}
	c.sendAck(id)
}

func (c *conn) handleDestroySession(line []byte, id string) {
	var req protocol.DestroySessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(id, protocol.CodeBadRequest, "malformed destroy_session request")
		return
	}
	if err := c.srv.mgr.DestroySession(req.SessionID); err != nil {
		c.sendSessionError(id, err)
		return
	}
	c.sendAck(id)
}

func (c *conn) handleListSessions(line []byte, id string) {
	var req protocol.ListSessionsRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(id, protocol.CodeBadRequest, "malformed list_sessions request")
		return
	}
	infos := c.srv.mgr.ListSessions(req.Project)
	items := make([]protocol.SessionItem, 0, len(infos))
	for _, info := range infos {
		items = append(items, toSessionItem(info))
	}
	c.send(protocol.SessionListResponse{Type: protocol.TypeSessionList, ID: id, Sessions: items})
}

func (c *conn) handleGetSession(line []byte, id string) {
	var req protocol.GetSessionRequest
	if err := json.Unmarshal(line, &req); err != nil {
		c.sendError(id, protocol.CodeBadRequest, "malformed get_session request")
		return
	}
	info, err := c.srv.mgr.GetSession(req.SessionID)
	if err != nil {
		c.sendSessionError(id, err)
		return
	}
	c.send(protocol.SessionInfoResponse{Type: protocol.TypeSessionInfo, ID: id, Session: toSessionItem(info)})
}

func toSessionItem(info model.SessionInfo) protocol.SessionItem {
	return protocol.SessionItem{
		SessionID:       info.ID,
		Project:         info.Project,
		Agent:           info.Agent,
		Note:            info.Note,
		Command:         info.Command,
		Args:            info.Args,
		Cwd:             info.Cwd,
		State:           string(info.State),
		Pid:             info.Pid,
		ExitCode:        info.ExitCode,
		AttachedClients: info.AttachedClients,
		CreatedAt:       info.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// sendSessionError maps the session error taxonomy onto wire error codes.
func (c *conn) sendSessionError(id string, err error) {
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, model.ErrSessionExists):
		code = protocol.CodeSessionExists
	case errors.Is(err, model.ErrSessionNotFound):
		code = protocol.CodeSessionNotFound
	case errors.Is(err, model.ErrSessionNotRunning):
		code = protocol.CodeSessionNotRunning
	case errors.Is(err, model.ErrInvalidTransition):
		code = protocol.CodeInvalidState
	case errors.Is(err, model.ErrPty):
		code = protocol.CodePty
	}
	c.sendError(id, code, err.Error())
}

func (c *conn) sendAck(id string) {
	c.send(protocol.AckResponse{Type: protocol.TypeAck, ID: id})
}

func (c *conn) sendError(id, code, message string) {
	c.send(protocol.ErrorResponse{Type: protocol.TypeError, ID: id, Code: code, Message: message})
}

func (c *conn) send(msg any) {
	c.encM.Lock()
	defer c.encM.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		c.log.Debug("send failed", "error", err)
	}
}
