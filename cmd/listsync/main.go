package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/config"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/coordinator"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/gateway"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/rooms"
)

func main() {
	configFile := flag.String("config", strings.TrimSpace(os.Getenv("LISTSYNC_CONFIG_FILE")), "path to a YAML config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Resolve(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, *configFile, level, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	store  records.Store
	hub    *gateway.Hub
	server *gateway.Server
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := records.BuildStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.New(store, coordinator.Options{Logger: logger, DedupeSize: cfg.DedupeSize})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	hub, err := gateway.NewHub(gateway.HubOptions{
		Coordinator: coord,
		Rooms:       rooms.Options{Palette: cfg.Palette, TypingTimeout: cfg.TypingTimeout},
		Logger:      logger,
		SendBuffer:  cfg.SendBuffer,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	server := gateway.NewServer(hub, gateway.ServerConfig{
		Logger:          logger,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
		WriteTimeout:    cfg.WriteTimeout,
	})
	return &app{store: store, hub: hub, server: server}, nil
}

// applyReload updates the settings that can change without a restart.
func (a *app) applyReload(cfg *config.Config, level *slog.LevelVar) {
	if parsed, err := config.ParseLevel(cfg.LogLevel); err == nil {
		level.Set(parsed)
	}
	a.hub.Registry().SetTypingTimeout(cfg.TypingTimeout)
}

func run(ctx context.Context, cfg *config.Config, configFile string, level *slog.LevelVar, logger *slog.Logger) error {
	parsed, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	level.Set(parsed)

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if configFile != "" {
		go func() {
			err := config.Watch(ctx, configFile, 0, logger, func(next *config.Config) {
				a.applyReload(next, level)
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	// Hijacked WebSocket connections are not tracked by Shutdown; deriving
	// request contexts from ctx ends their read loops on signal.
	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     a.server,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listsync listening", "addr", cfg.Addr, "store", storeScheme(cfg.StoreDSN))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("listsync shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// storeScheme keeps credentials in the DSN out of the logs.
func storeScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	if dsn == "" {
		return "memory"
	}
	return "sqlite"
}
