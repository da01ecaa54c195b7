// Package config loads server settings from an optional YAML file with
// LISTSYNC_* environment overrides, and watches the file for hot reloads.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/rooms"
)

const (
	DefaultAddr            = ":8080"
	DefaultStoreDSN        = "memory://"
	DefaultDedupeSize      = 4096
	DefaultSendBuffer      = 256
	DefaultMaxMessageBytes = 64 << 10
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Addr            string        `yaml:"addr"`
	StoreDSN        string        `yaml:"store_dsn"`
	TypingTimeout   time.Duration `yaml:"typing_timeout"`
	DedupeSize      int           `yaml:"dedupe_size"`
	SendBuffer      int           `yaml:"send_buffer"`
	LogLevel        string        `yaml:"log_level"`
	Palette         []string      `yaml:"palette"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Addr:            DefaultAddr,
		StoreDSN:        DefaultStoreDSN,
		TypingTimeout:   rooms.DefaultTypingTimeout,
		DedupeSize:      DefaultDedupeSize,
		SendBuffer:      DefaultSendBuffer,
		LogLevel:        "info",
		MaxMessageBytes: DefaultMaxMessageBytes,
		WriteTimeout:    DefaultWriteTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path skips the file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve loads path, applies the environment on top and validates the
// result. It is what the server and the reload watcher use.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays LISTSYNC_* variables. Malformed numbers and durations
// are logged and leave the current value in place.
func (c *Config) ApplyEnv() {
	c.Addr = stringEnv("LISTSYNC_ADDR", c.Addr)
	c.StoreDSN = stringEnv("LISTSYNC_STORE_DSN", c.StoreDSN)
	c.TypingTimeout = durationEnv("LISTSYNC_TYPING_TIMEOUT", c.TypingTimeout)
	c.DedupeSize = intEnv("LISTSYNC_DEDUPE_SIZE", c.DedupeSize)
	c.SendBuffer = intEnv("LISTSYNC_SEND_BUFFER", c.SendBuffer)
	c.LogLevel = stringEnv("LISTSYNC_LOG_LEVEL", c.LogLevel)
	if raw := strings.TrimSpace(os.Getenv("LISTSYNC_PALETTE")); raw != "" {
		c.Palette = splitList(raw)
	}
	if raw := strings.TrimSpace(os.Getenv("LISTSYNC_ALLOWED_ORIGINS")); raw != "" {
		c.AllowedOrigins = splitList(raw)
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidConfig)
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("%w: typing_timeout must be positive", ErrInvalidConfig)
	}
	if c.DedupeSize <= 0 || c.SendBuffer <= 0 {
		return fmt.Errorf("%w: dedupe_size and send_buffer must be positive", ErrInvalidConfig)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel accepts the slog level names (debug, info, warn, error) in any
// case. Empty means info.
func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log_level %q", ErrInvalidConfig, raw)
	}
	return level, nil
}

func stringEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
