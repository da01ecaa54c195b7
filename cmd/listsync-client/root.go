package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/reconcile"
)

type options struct {
	server       string
	listID       string
	userID       string
	displayName  string
	queueDSN     string
	reconnect    time.Duration
	maxReconnect time.Duration
	jitter       float64
	verbose      bool
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "listsync-client",
		Short:        "Terminal client for a shared to-do list",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
  # Join the groceries list as alice, keeping unsent changes in a file
  listsync-client --list groceries --user alice --queue ~/.listsync/queue.json
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", envOrDefault("LISTSYNC_SERVER", "http://127.0.0.1:8080"), "server base URL")
	flags.StringVar(&opts.listID, "list", envOrDefault("LISTSYNC_LIST", ""), "list to join")
	flags.StringVar(&opts.userID, "user", envOrDefault("LISTSYNC_USER", ""), "your user id")
	flags.StringVar(&opts.displayName, "name", envOrDefault("LISTSYNC_NAME", ""), "display name shown to others")
	flags.StringVar(&opts.queueDSN, "queue", envOrDefault("LISTSYNC_QUEUE_DSN", ""), "where unsent changes are kept (path, file://, sqlite:// or memory://)")
	flags.DurationVar(&opts.reconnect, "reconnect", time.Second, "initial reconnect delay")
	flags.DurationVar(&opts.maxReconnect, "max-reconnect", 30*time.Second, "longest reconnect delay")
	flags.Float64Var(&opts.jitter, "reconnect-jitter", 0.2, "reconnect jitter ratio (0.0-1.0)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log connection details")
	return cmd
}

func run(ctx context.Context, opts *options, in io.Reader, out io.Writer) error {
	if strings.TrimSpace(opts.listID) == "" || strings.TrimSpace(opts.userID) == "" {
		return errors.New("--list and --user are required")
	}
	if opts.displayName == "" {
		opts.displayName = opts.userID
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	queue, err := reconcile.BuildQueueStoreFromDSN(opts.queueDSN)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	s := &session{
		listID: opts.listID,
		api:    reconcile.NewHTTPClient(opts.server, &http.Client{Timeout: 15 * time.Second}),
		logger: logger,
		out:    out,
	}
	engine, err := reconcile.NewEngine(reconcile.Options{Queue: queue, Listener: s, Logger: logger})
	if err != nil {
		_ = queue.Close()
		return err
	}
	s.engine = engine
	defer engine.Close()
	if err := engine.Join(opts.listID, opts.userID, opts.displayName); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.connectLoop(ctx, opts.reconnect, opts.maxReconnect, clampJitterRatio(opts.jitter))

	s.println(titleStyle.Render("listsync") + mutedStyle.Render(" type 'help' for commands"))
	return repl(ctx, s, in)
}

// repl reads one command per line until quit, EOF or ctx ends.
func repl(ctx context.Context, s *session, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		s.printf("%s\n> ", s.status())
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.execute(line); quit {
				return nil
			}
		}
	}
}
