package daemon

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/termlane/ptyhub/internal/config"
	"github.com/termlane/ptyhub/internal/protocol"
	"github.com/termlane/ptyhub/internal/session"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	// Unix socket paths have a hard length limit, so avoid t.TempDir's
	// deeply nested name.
	dir, err := os.MkdirTemp("", "ptyhub")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "d.sock")
	cfg.PaneSocketPath = filepath.Join(dir, "p.sock")
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

// serverHandle exposes the serve loop's outcome to tests that stop the
// daemon themselves.
type serverHandle struct {
	stopped chan struct{}
	err     error
}

func (h *serverHandle) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.stopped:
		return h.err
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func startServer(t *testing.T, cfg config.Config) (*Server, *serverHandle) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(session.Options{Logger: logger})
	srv := NewServer(cfg, mgr, "", logger)

	ctx, cancel := context.WithCancel(context.Background())
	h := &serverHandle{stopped: make(chan struct{})}
	go func() {
		h.err = srv.Start(ctx)
		close(h.stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.stopped:
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, h
}

// testClient is a line-JSON client over the daemon's primary socket. A
// reader goroutine feeds every inbound line, responses and pushes alike,
// through msgs.
type testClient struct {
	t    *testing.T
	conn net.Conn
	enc  *json.Encoder
	msgs chan map[string]any
}

func dialClient(t *testing.T, socketPath string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{t: t, conn: conn, enc: json.NewEncoder(conn), msgs: make(chan map[string]any, 64)}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		defer close(c.msgs)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var m map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
				continue
			}
			c.msgs <- m
		}
	}()
	return c
}

func (c *testClient) send(msg any) {
	c.t.Helper()
	if err := c.enc.Encode(msg); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("send raw: %v", err)
	}
}

func (c *testClient) next() map[string]any {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		if !ok {
			c.t.Fatal("connection closed while waiting for message")
		}
		return m
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for message")
	}
	return nil
}

// waitType skips pushed messages until one of the wanted type arrives.
func (c *testClient) waitType(typ string) map[string]any {
	c.t.Helper()
	for {
		m := c.next()
		if m["type"] == typ {
			return m
		}
	}
}

// collectOutput waits until the session's output contains want. seed is the
// scrollback replay from the attach ack; output that raced ahead of the
// attach arrives there instead of as a live push, so both sources count.
func (c *testClient) collectOutput(seed, want string) string {
	c.t.Helper()
	var got strings.Builder
	got.WriteString(seed)
	if strings.Contains(got.String(), want) {
		return got.String()
	}
	for {
		m := c.waitType(protocol.TypePtyOutput)
		data, err := base64.StdEncoding.DecodeString(m["data"].(string))
		if err != nil {
			c.t.Fatalf("bad output base64: %v", err)
		}
		got.Write(data)
		if strings.Contains(got.String(), want) {
			return got.String()
		}
	}
}

func (c *testClient) create(id, command string, args ...string) {
	c.t.Helper()
	c.send(protocol.CreateSessionRequest{
		Type:      protocol.TypeCreateSession,
		ID:        "req-create",
		SessionID: id,
		Command:   command,
		Args:      args,
	})
	m := c.waitType(protocol.TypeSessionCreated)
	if m["session_id"] != id {
		c.t.Fatalf("created wrong session: %v", m)
	}
}

func (c *testClient) attach(id string) string {
	c.t.Helper()
	c.send(protocol.AttachRequest{Type: protocol.TypeAttach, ID: "req-attach", SessionID: id})
	m := c.waitType(protocol.TypeAck)
	scroll, _ := m["scrollback"].(string)
	decoded, err := base64.StdEncoding.DecodeString(scroll)
	if err != nil {
		c.t.Fatalf("bad scrollback base64: %v", err)
	}
	return string(decoded)
}

func (c *testClient) writeStdin(id, data string) {
	c.t.Helper()
	c.send(protocol.WriteStdinRequest{
		Type:      protocol.TypeWriteStdin,
		ID:        "req-write",
		SessionID: id,
		Data:      base64.StdEncoding.EncodeToString([]byte(data)),
	})
	c.waitType(protocol.TypeAck)
}

func TestPingReturnsDaemonID(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	c := dialClient(t, srv.cfg.SocketPath)

	c.send(protocol.PingRequest{Type: protocol.TypePing, ID: "p1"})
	m := c.waitType(protocol.TypeAck)
	if m["id"] != "p1" {
		t.Fatalf("id not echoed: %v", m)
	}
	if m["daemon_id"] != srv.DaemonID() {
		t.Fatalf("daemon_id mismatch: %v", m)
	}
}

func TestUnknownTypeKeepsConnectionAlive(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	c := dialClient(t, srv.cfg.SocketPath)

	c.sendRaw(`{"type":"no_such_thing","id":"x"}`)
	m := c.waitType(protocol.TypeError)
	if m["code"] != protocol.CodeBadRequest {
		t.Fatalf("expected bad request, got %v", m)
	}

	c.sendRaw("this is not json")
	c.send(protocol.PingRequest{Type: protocol.TypePing, ID: "after"})
	if m := c.waitType(protocol.TypeAck); m["id"] != "after" {
		t.Fatalf("connection did not survive malformed line: %v", m)
	}
}

func TestCreateAttachOutput(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	c := dialClient(t, srv.cfg.SocketPath)

	c.create("s1", "sh", "-c", "echo hello-from-pty; read x")
	scroll := c.attach("s1")
	c.collectOutput(scroll, "hello-from-pty")

	c.send(protocol.StopSessionRequest{Type: protocol.TypeStopSession, ID: "req-stop", SessionID: "s1"})
	c.waitType(protocol.TypeAck)
	c.waitType(protocol.TypeSessionEvent)
}

func TestCreateDuplicateID(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	c := dialClient(t, srv.cfg.SocketPath)

	c.create("dup", "sleep", "30")
	c.send(protocol.CreateSessionRequest{
		Type:      protocol.TypeCreateSession,
		ID:        "second",
		SessionID: "dup",
		Command:   "sleep",
		Args:      []string{"30"},
	})
	m := c.waitType(protocol.TypeError)
	if m["code"] != protocol.CodeSessionExists {
		t.Fatalf("expected session exists, got %v", m)
	}
}

func TestWriteStdinEcho(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	c := dialClient(t, srv.cfg.SocketPath)

	c.create("cat", "cat")
	scroll := c.attach("cat")
	c.writeStdin("cat", "ping\n")
	c.collectOutput(scroll, "ping")
}

func TestExitEventCarriesCode(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	c := dialClient(t, srv.cfg.SocketPath)

	c.create("ex", "sh", "-c", "read x; exit 7")
	c.attach("ex")
	c.writeStdin("ex", "\n")

	m := c.waitType(protocol.TypeSessionEvent)
	if m["event"] != "exited" {
		t.Fatalf("expected exited event, got %v", m)
	}
	var details map[string]int
	raw, _ := json.Marshal(m["details"])
	if err := json.Unmarshal(raw, &details); err != nil {
		t.Fatalf("details: %v", err)
	}
	if details["exit_code"] != 7 {
		t.Fatalf("expected exit code 7, got %v", details)
	}
}

func TestScrollbackReplayOnSecondAttach(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	c := dialClient(t, srv.cfg.SocketPath)

	c.create("replay", "sh", "-c", "echo history-line; read x")
	scroll := c.attach("replay")
	c.collectOutput(scroll, "history-line")

	// A separate connection attaching later must see the output it missed
	// in the attach reply.
	c2 := dialClient(t, srv.cfg.SocketPath)
	scroll = c2.attach("replay")
	if !strings.Contains(scroll, "history-line") {
		t.Fatalf("scrollback replay missing output: %q", scroll)
	}
}

func TestListGetDestroy(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))
	c := dialClient(t, srv.cfg.SocketPath)

	c.send(protocol.CreateSessionRequest{
		Type: protocol.TypeCreateSession, ID: "c1",
		SessionID: "a", Project: "alpha", Command: "sleep", Args: []string{"30"},
	})
	c.waitType(protocol.TypeSessionCreated)
	c.send(protocol.CreateSessionRequest{
		Type: protocol.TypeCreateSession, ID: "c2",
		SessionID: "b", Project: "beta", Command: "sleep", Args: []string{"30"},
	})
	c.waitType(protocol.TypeSessionCreated)

	c.send(protocol.ListSessionsRequest{Type: protocol.TypeListSessions, ID: "l1"})
	m := c.waitType(protocol.TypeSessionList)
	if n := len(m["sessions"].([]any)); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}

	c.send(protocol.ListSessionsRequest{Type: protocol.TypeListSessions, ID: "l2", Project: "alpha"})
	m = c.waitType(protocol.TypeSessionList)
	items := m["sessions"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["session_id"] != "a" {
		t.Fatalf("project filter failed: %v", items)
	}

	c.send(protocol.GetSessionRequest{Type: protocol.TypeGetSession, ID: "g1", SessionID: "b"})
	m = c.waitType(protocol.TypeSessionInfo)
	if m["session"].(map[string]any)["state"] != "running" {
		t.Fatalf("expected running session: %v", m)
	}

	c.send(protocol.DestroySessionRequest{Type: protocol.TypeDestroySession, ID: "d1", SessionID: "b"})
	c.waitType(protocol.TypeAck)
	c.send(protocol.GetSessionRequest{Type: protocol.TypeGetSession, ID: "g2", SessionID: "b"})
	m = c.waitType(protocol.TypeError)
	if m["code"] != protocol.CodeSessionNotFound {
		t.Fatalf("expected not found after destroy, got %v", m)
	}
}

func TestSessionSurvivesClientDisconnect(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))

	c := dialClient(t, srv.cfg.SocketPath)
	c.create("persist", "sh", "-c", "echo early; read x")
	scroll := c.attach("persist")
	c.collectOutput(scroll, "early")
	_ = c.conn.Close()

	// The session must still be running and addressable from a new
	// connection.
	c2 := dialClient(t, srv.cfg.SocketPath)
	deadline := time.Now().Add(5 * time.Second)
	for {
		c2.send(protocol.GetSessionRequest{Type: protocol.TypeGetSession, ID: "g", SessionID: "persist"})
		m := c2.waitType(protocol.TypeSessionInfo)
		sess := m["session"].(map[string]any)
		if sess["state"] == "running" && sess["attached_clients"] == float64(0) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session state after disconnect: %v", sess)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPaneSocketHandshake(t *testing.T) {
	srv, _ := startServer(t, testConfig(t))

	conn, err := net.Dial("unix", srv.cfg.PaneSocketPath)
	if err != nil {
		t.Fatalf("dial pane socket: %v", err)
	}
	defer conn.Close() //nolint:errcheck

	if _, err := conn.Write([]byte(`{"id":1,"method":"initialize","params":{"protocol_version":1}}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no handshake response: %v", scanner.Err())
	}
	var resp struct {
		Result struct {
			ProtocolVersion int    `json:"protocol_version"`
			DaemonID        string `json:"daemon_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.ProtocolVersion != 1 || resp.Result.DaemonID != srv.DaemonID() {
		t.Fatalf("unexpected handshake result: %+v", resp.Result)
	}
}

func TestSecondInstanceRefused(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(session.Options{Logger: logger})
	defer mgr.Close()
	second := NewServer(cfg, mgr, "", logger)
	err := second.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock refusal, got %v", err)
	}
}

func TestDaemonStopRequest(t *testing.T) {
	cfg := testConfig(t)
	srv, h := startServer(t, cfg)
	c := dialClient(t, cfg.SocketPath)

	c.send(protocol.DaemonStopRequest{Type: protocol.TypeDaemonStop, ID: "halt"})
	c.waitType(protocol.TypeAck)

	if err := h.wait(t); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if _, err := os.Stat(srv.cfg.SocketPath); !os.IsNotExist(err) {
		t.Fatalf("socket not removed on shutdown: %v", err)
	}
}
