package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != DefaultAddr || cfg.StoreDSN != DefaultStoreDSN || cfg.TypingTimeout != 3*time.Second {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listsync.yaml")
	writeFile(t, path, `
addr: ":9090"
store_dsn: "sqlite:///tmp/lists.db"
typing_timeout: 5s
palette: ["#111111", "#222222"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.StoreDSN != "sqlite:///tmp/lists.db" {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.TypingTimeout != 5*time.Second {
		t.Fatalf("expected 5s typing timeout, got %s", cfg.TypingTimeout)
	}
	if len(cfg.Palette) != 2 || cfg.Palette[1] != "#222222" {
		t.Fatalf("expected palette from file, got %v", cfg.Palette)
	}
	if cfg.DedupeSize != DefaultDedupeSize {
		t.Fatalf("expected unset keys to keep defaults, got %d", cfg.DedupeSize)
	}
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	writeFile(t, path, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != DefaultAddr {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yaml")
	writeFile(t, path, "adress: \":9090\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	t.Setenv("LISTSYNC_ADDR", ":7000")
	t.Setenv("LISTSYNC_TYPING_TIMEOUT", "750ms")
	t.Setenv("LISTSYNC_SEND_BUFFER", "32")
	t.Setenv("LISTSYNC_PALETTE", "red, green ,,blue")
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Addr != ":7000" || cfg.TypingTimeout != 750*time.Millisecond || cfg.SendBuffer != 32 {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	if len(cfg.Palette) != 3 || cfg.Palette[1] != "green" {
		t.Fatalf("expected trimmed palette, got %v", cfg.Palette)
	}
}

func TestApplyEnvKeepsValueOnMalformedInput(t *testing.T) {
	t.Setenv("LISTSYNC_DEDUPE_SIZE", "lots")
	t.Setenv("LISTSYNC_TYPING_TIMEOUT", "soon")
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.DedupeSize != DefaultDedupeSize || cfg.TypingTimeout != 3*time.Second {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty addr":       func(c *Config) { c.Addr = " " },
		"zero typing":      func(c *Config) { c.TypingTimeout = 0 },
		"negative buffer":  func(c *Config) { c.SendBuffer = -1 },
		"unknown loglevel": func(c *Config) { c.LogLevel = "chatty" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	if err != nil || level != slog.LevelDebug {
		t.Fatalf("expected debug, got %v %v", level, err)
	}
	if level, _ := ParseLevel(""); level != slog.LevelInfo {
		t.Fatalf("expected info for empty level, got %v", level)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listsync.yaml")
	writeFile(t, path, "typing_timeout: 3s\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, logger, func(cfg *Config) { reloaded <- cfg })
	}()

	// Give the watcher time to register before writing.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		writeFile(t, path, "typing_timeout: 9s\n")
		select {
		case cfg := <-reloaded:
			if cfg.TypingTimeout != 9*time.Second {
				t.Fatalf("expected reloaded typing timeout 9s, got %s", cfg.TypingTimeout)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch returned %v", err)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("expected a reload after writing the file")
		}
	}
}

func TestWatchSkipsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listsync.yaml")
	writeFile(t, path, "typing_timeout: 3s\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		_ = Watch(ctx, path, 20*time.Millisecond, logger, func(cfg *Config) { reloaded <- cfg })
	}()

	time.Sleep(200 * time.Millisecond)
	writeFile(t, path, "typing_timeout: -1s\n")
	select {
	case cfg := <-reloaded:
		t.Fatalf("expected invalid config to be skipped, got %+v", cfg)
	case <-time.After(400 * time.Millisecond):
	}
}
