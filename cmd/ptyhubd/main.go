package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/termlane/ptyhub/internal/config"
	"github.com/termlane/ptyhub/internal/daemon"
	"github.com/termlane/ptyhub/internal/eventlog"
	"github.com/termlane/ptyhub/internal/session"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		runDaemon(os.Args[2:])
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop()
	case "restart":
		cmdStop()
		cmdStart(os.Args[2:])
	case "status":
		cmdStatus()
	default:
		fmt.Fprintf(os.Stderr, "ptyhubd: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: ptyhubd <run|start|stop|restart|status> [flags]\n")
}

func parseFlags(args []string) config.Config {
	cfg := config.DefaultConfig()
	fs := flag.NewFlagSet("ptyhubd", flag.ExitOnError)
	fs.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for the client protocol")
	fs.StringVar(&cfg.PaneSocketPath, "pane-socket", cfg.PaneSocketPath, "UDS path for the pane-backend protocol")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path for the session event log (empty disables it)")
	fs.StringVar(&cfg.LogPath, "log", cfg.LogPath, "log file path (empty logs to stderr)")
	fs.IntVar(&cfg.ScrollbackBytes, "scrollback-bytes", cfg.ScrollbackBytes, "per-session scrollback capacity")
	fs.Parse(args) //nolint:errcheck
	return cfg
}

// runDaemon is the foreground serve loop, also what "start" re-execs in the
// background.
func runDaemon(args []string) {
	cfg := parseFlags(args)

	if err := os.MkdirAll(filepath.Dir(cfg.PidPath), 0o700); err != nil {
		fatal(err)
	}
	logger, closeLog, err := openLogger(cfg.LogPath)
	if err != nil {
		fatal(err)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := writePidFile(cfg.PidPath); err != nil {
		fatal(err)
	}
	defer os.Remove(cfg.PidPath) //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	daemonID := uuid.NewString()

	var recorder session.EventRecorder
	if cfg.DBPath != "" {
		store, err := eventlog.Open(ctx, cfg.DBPath, daemonID, logger)
		if err != nil {
			// The event log is diagnostics, not state; run without it.
			logger.Warn("event log unavailable", "error", err)
		} else {
			defer store.Close() //nolint:errcheck
			recorder = store
		}
	}

	mgr := session.NewManager(session.Options{
		ScrollbackBytes:  cfg.ScrollbackBytes,
		SubscriberBuffer: cfg.SubscriberBuffer,
		ReadChunkBytes:   cfg.ReadChunkBytes,
		Events:           recorder,
		Logger:           logger,
	})

	srv := daemon.NewServer(cfg, mgr, daemonID, logger)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func openLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil)), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, nil))
	return logger, func() { _ = f.Close() }, nil
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func cmdStart(args []string) {
	cfg := parseFlags(args)
	if pid := readPid(cfg.PidPath); pid != 0 {
		if processAlive(pid) {
			fmt.Printf("Daemon already running (pid %d)\n", pid)
			return
		}
		os.Remove(cfg.PidPath) //nolint:errcheck
	}

	exePath, err := os.Executable()
	if err != nil {
		fatal(fmt.Errorf("find executable: %w", err))
	}
	cmd := exec.Command(exePath, append([]string{"run"}, args...)...)
	// Detach from the controlling terminal so the daemon outlives the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		fatal(fmt.Errorf("start daemon: %w", err))
	}
	_ = cmd.Process.Release()

	for range 50 {
		if _, err := os.Stat(cfg.SocketPath); err == nil {
			fmt.Printf("Daemon started (pid %d)\n", readPid(cfg.PidPath))
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "Daemon started but socket not yet available")
}

func cmdStop() {
	cfg := config.DefaultConfig()
	pid := readPid(cfg.PidPath)
	if pid == 0 || !processAlive(pid) {
		fmt.Println("Daemon not running")
		os.Remove(cfg.PidPath)    //nolint:errcheck
		os.Remove(cfg.SocketPath) //nolint:errcheck
		return
	}
	_ = unix.Kill(pid, unix.SIGTERM)
	for range 50 {
		if !processAlive(pid) {
			fmt.Printf("Daemon stopped (was pid %d)\n", pid)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "Daemon did not stop within 5s, sending SIGKILL")
	_ = unix.Kill(pid, unix.SIGKILL)
	time.Sleep(200 * time.Millisecond)
	os.Remove(cfg.PidPath)    //nolint:errcheck
	os.Remove(cfg.SocketPath) //nolint:errcheck
}

func cmdStatus() {
	cfg := config.DefaultConfig()
	pid := readPid(cfg.PidPath)
	if pid == 0 || !processAlive(pid) {
		fmt.Println("Daemon is not running")
		os.Exit(1)
	}
	fmt.Printf("Daemon is running (pid %d)\n", pid)

	if cfg.DBPath != "" {
		printRecentEvents(cfg)
	}
}

// printRecentEvents shows the tail of the session lifecycle log, best effort.
func printRecentEvents(cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := eventlog.Open(ctx, cfg.DBPath, "", logger)
	if err != nil {
		return
	}
	defer store.Close() //nolint:errcheck
	events, err := store.Recent(ctx, 10)
	if err != nil || len(events) == 0 {
		return
	}
	fmt.Println("Recent session events:")
	for _, ev := range events {
		var extra []string
		if ev.Pid != nil {
			extra = append(extra, fmt.Sprintf("pid=%d", *ev.Pid))
		}
		if ev.ExitCode != nil {
			extra = append(extra, fmt.Sprintf("exit=%d", *ev.ExitCode))
		}
		suffix := ""
		if len(extra) > 0 {
			suffix = " " + strings.Join(extra, " ")
		}
		fmt.Printf("  %s %s %s%s\n", ev.RecordedAt.Format(time.RFC3339), ev.SessionID, ev.Event, suffix)
	}
}

func readPid(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// processAlive is the signal-0 liveness probe.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "ptyhubd: %v\n", err)
	os.Exit(1)
}
