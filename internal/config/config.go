package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath     string
	PaneSocketPath string
	DBPath         string
	LogPath        string
	PidPath        string

	// ScrollbackBytes is the per-session ring buffer capacity.
	ScrollbackBytes int
	// SubscriberBuffer is the per-subscriber output queue depth. When a slow
	// consumer fills it, the oldest queued chunks are dropped.
	SubscriberBuffer int
	// ReadChunkBytes is the PTY read buffer size.
	ReadChunkBytes int

	DefaultRows uint16
	DefaultCols uint16

	ShutdownTimeout time.Duration
	// MaxLineBytes bounds a single protocol line (large env maps, writes).
	MaxLineBytes int
}

func DefaultConfig() Config {
	return Config{
		SocketPath:       filepath.Join(stateDir(), "ptyhubd.sock"),
		PaneSocketPath:   filepath.Join(stateDir(), "ptyhubd-pane.sock"),
		DBPath:           filepath.Join(stateDir(), "events.db"),
		LogPath:          filepath.Join(stateDir(), "ptyhubd.log"),
		PidPath:          filepath.Join(stateDir(), "ptyhubd.pid"),
		ScrollbackBytes:  1024 * 1024,
		SubscriberBuffer: 64,
		ReadChunkBytes:   32 * 1024,
		DefaultRows:      24,
		DefaultCols:      80,
		ShutdownTimeout:  5 * time.Second,
		MaxLineBytes:     2 * 1024 * 1024,
	}
}

func stateDir() string {
	if d := os.Getenv("PTYHUB_HOME"); d != "" {
		return d
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "ptyhub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ptyhub"
	}
	return filepath.Join(home, ".local", "state", "ptyhub")
}
