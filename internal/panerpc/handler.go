package panerpc

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

	"github.com/google/uuid"

	"github.com/termlane/ptyhub/internal/broadcast"
	"github.com/termlane/ptyhub/internal/model"
	"github.com/termlane/ptyhub/internal/session"
)

// Handler serves one pane-backend connection. The request loop is strictly
// sequential; forwarding goroutines share the outbound encoder through a
// mutex.
type Handler struct {
	mgr      *session.Manager
	log      *slog.Logger
	daemonID string
	maxLine  int

	conn net.Conn
	enc  *json.Encoder
	encM sync.Mutex

	ctxs     *ContextMap
	leaderID string
	connID   string
	done     chan struct{}
}

// ServeConn runs the connection until EOF, a handshake violation, or ctx
// cancellation. The first message must be a valid initialize with a
// supported protocol version; anything else drops the connection without a
// response.
func ServeConn(ctx context.Context, conn net.Conn, mgr *session.Manager, daemonID string, maxLine int, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	if maxLine <= 0 {
		maxLine = 1 << 20
	}
	h := &Handler{
		mgr:      mgr,
		log:      log,
		daemonID: daemonID,
		maxLine:  maxLine,
		conn:     conn,
		enc:      json.NewEncoder(conn),
		ctxs:     NewContextMap(),
		connID:   uuid.NewString(),
		done:     make(chan struct{}),
	}
	defer close(h.done)
	defer conn.Close() //nolint:errcheck

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), h.maxLine)

	if !scanner.Scan() {
		return
	}
	if !h.handshake(scanner.Bytes()) {
		h.log.Warn("pane connection rejected at handshake")
		return
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			h.log.Warn("malformed pane request", "error", err)
			continue
		}
		h.dispatch(req)
	}
}

// handshake validates the first message. A parse failure, a different
// method, or a version mismatch all fail fast with no response.
func (h *Handler) handshake(line []byte) bool {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return false
	}
	if req.Method != MethodInitialize {
		return false
	}
	var params InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return false
	}
	if params.ProtocolVersion != ProtocolVersion {
		return false
	}
	if params.LeaderSessionID != "" {
		h.leaderID = params.LeaderSessionID
		h.ctxs.RegisterLeader(params.LeaderSessionID)
	}
	h.respondResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		DaemonID:        h.daemonID,
	})
	return true
}

func (h *Handler) dispatch(req Request) {
	switch req.Method {
	case MethodSpawnAgent:
		h.handleSpawnAgent(req)
	case MethodWrite:
		h.handleWrite(req)
	case MethodCapture:
		h.handleCapture(req)
	case MethodKill:
		h.handleKill(req)
	case MethodList:
		h.respondResult(req.ID, ListResult{ContextIDs: h.ctxs.List()})
	case MethodInitialize:
		h.respondError(req.ID, CodeInvalidParams, "already initialized")
	default:
		h.respondError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// handleSpawnAgent derives the child session id deterministically from the
// leader id and the next context index, creates the session, binds a new
// context, and starts the output relay.
func (h *Handler) handleSpawnAgent(req Request) {
	var params SpawnAgentParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.respondError(req.ID, CodeInvalidParams, "malformed spawn_agent params")
		return
	}
	if len(params.Command) == 0 || params.Command[0] == "" {
		h.respondError(req.ID, CodeInvalidParams, "command must not be empty")
		return
	}

	base := h.leaderID
	if base == "" {
		base = h.connID
	}
	childID := fmt.Sprintf("%s.ctx_%d", base, h.ctxs.NextIndex())

	spec := model.SessionSpec{
		ID:      childID,
		Command: params.Command[0],
		Args:    params.Command[1:],
		Cwd:     params.Cwd,
		Env:     params.Env,
		Project: params.Metadata["project"],
		Agent:   params.Metadata["agent"],
		Note:    params.Metadata["note"],
	}
	if _, err := h.mgr.CreateSession(spec); err != nil {
		h.respondError(req.ID, CodeInternalError, err.Error())
		return
	}
	contextID := h.ctxs.Allocate(childID)

	clientID := h.mgr.NextClientID()
	sub, err := h.mgr.AttachClient(childID, clientID)
	if err != nil {
		// The child exited before the subscription could be established;
		// report the exit immediately instead of leaving the caller waiting.
		code, ok := h.mgr.ExitCode(childID)
		if !ok {
			code = -1
		}
		h.pushEvent(EventContextExited, ContextExitedEvent{ContextID: contextID, ExitCode: code})
		h.respondResult(req.ID, SpawnAgentResult{ContextID: contextID})
		return
	}
	go h.relayOutput(contextID, childID, clientID, sub)

	h.respondResult(req.ID, SpawnAgentResult{ContextID: contextID})
}

// relayOutput forwards a session's broadcast output as context_output push
// events until the channel closes or the connection ends, then reports the
// exit with the best-known exit code.
func (h *Handler) relayOutput(contextID, sessionID string, clientID uint64, sub *broadcast.Subscriber) {
	defer func() {
		sub.Unsubscribe()
		_ = h.mgr.DetachClient(sessionID, clientID)
	}()
	for {
		select {
		case chunk, ok := <-sub.Ch():
			if !ok {
				code, known := h.mgr.ExitCode(sessionID)
				if !known {
					code = -1
				}
				h.pushEvent(EventContextExited, ContextExitedEvent{ContextID: contextID, ExitCode: code})
				return
			}
			if chunk.DroppedBytes > 0 {
				h.log.Warn("context output dropped", "context_id", contextID, "dropped_bytes", chunk.DroppedBytes)
			}
			h.pushEvent(EventContextOutput, ContextOutputEvent{
				ContextID:    contextID,
				Data:         base64.StdEncoding.EncodeToString(chunk.Data),
				DroppedBytes: chunk.DroppedBytes,
			})
		case <-h.done:
			return
		}
	}
}

func (h *Handler) handleWrite(req Request) {
	var params WriteParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.respondError(req.ID, CodeInvalidParams, "malformed write params")
		return
	}
	sessionID, ok := h.ctxs.Resolve(params.ContextID)
	if !ok {
		h.respondError(req.ID, CodeInvalidParams, fmt.Sprintf("unknown context %q", params.ContextID))
		return
	}
	data, err := base64.StdEncoding.DecodeString(params.Data)
	if err != nil {
		h.respondError(req.ID, CodeInvalidParams, "data is not valid base64")
		return
	}
	if err := h.mgr.WriteStdin(sessionID, data); err != nil {
		h.respondError(req.ID, CodeInternalError, err.Error())
		return
	}
	h.respondResult(req.ID, struct{}{})
}

func (h *Handler) handleCapture(req Request) {
	var params CaptureParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.respondError(req.ID, CodeInvalidParams, "malformed capture params")
		return
	}
	sessionID, ok := h.ctxs.Resolve(params.ContextID)
	if !ok {
		h.respondError(req.ID, CodeInvalidParams, fmt.Sprintf("unknown context %q", params.ContextID))
		return
	}
	lines := 0
	if params.Lines != nil {
		lines = *params.Lines
	}
	data, err := h.mgr.ScrollbackTail(sessionID, lines)
	if err != nil {
		h.respondError(req.ID, CodeInternalError, err.Error())
		return
	}
	h.respondResult(req.ID, CaptureResult{Data: base64.StdEncoding.EncodeToString(data)})
}

// handleKill stops the session, then removes the context mapping. A session
// that is already gone satisfies the caller's intent, so SessionNotFound is
// success. The mapping is kept when the stop fails so the caller can retry
// against the same context id.
func (h *Handler) handleKill(req Request) {
	var params KillParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		h.respondError(req.ID, CodeInvalidParams, "malformed kill params")
		return
	}
	sessionID, ok := h.ctxs.Resolve(params.ContextID)
	if !ok {
		h.respondError(req.ID, CodeInvalidParams, fmt.Sprintf("unknown context %q", params.ContextID))
		return
	}
	if err := h.mgr.StopSession(sessionID); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
		h.respondError(req.ID, CodeInternalError, err.Error())
		return
	}
	h.ctxs.Remove(params.ContextID)
	h.respondResult(req.ID, struct{}{})
}

func (h *Handler) respondResult(id json.RawMessage, result any) {
	body, err := json.Marshal(result)
	if err != nil {
		h.respondError(id, CodeInternalError, "marshal result")
		return
	}
	h.send(Response{ID: normalizeID(id), Result: body})
}

func (h *Handler) respondError(id json.RawMessage, code int, message string) {
	h.send(Response{ID: normalizeID(id), Error: &ErrorObject{Code: code, Message: message}})
}

func (h *Handler) pushEvent(method string, params any) {
	h.send(Notification{Method: method, Params: params})
}

func (h *Handler) send(msg any) {
	h.encM.Lock()
	defer h.encM.Unlock()
	if err := h.enc.Encode(msg); err != nil {
		h.log.Debug("pane send failed", "error", err)
	}
}

// normalizeID keeps the response id field present even for requests that
// omitted theirs.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
