package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/replica-sync/internal/auth"
	"github.com/alexjbarnes/replica-sync/internal/config"
	"github.com/alexjbarnes/replica-sync/internal/logging"
	"github.com/alexjbarnes/replica-sync/internal/mcpserver"
	"github.com/alexjbarnes/replica-sync/internal/push"
	"github.com/alexjbarnes/replica-sync/internal/remote"
	"github.com/alexjbarnes/replica-sync/internal/replica"
	"github.com/alexjbarnes/replica-sync/internal/server"
	"github.com/alexjbarnes/replica-sync/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle gen-api-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "gen-api-key" {
		fmt.Println(auth.GenerateAPIKey())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)
	logger.Info("replica-sync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := replica.NewEngine(
		remote.NewClient(cfg.RemoteURL, cfg.RemoteToken, nil),
		cfg.DeviceName,
		logger.With(slog.String("component", "replica")),
	)

	logger.Info("opening replica")

	if err := engine.Open(cfg.StatePath, cfg.Passphrase); err != nil {
		return fmt.Errorf("opening replica: %w", err)
	}
	defer engine.Close()

	pushClient := push.NewClient(push.Config{
		URL:    cfg.PushURL,
		Token:  cfg.PushToken,
		Logger: logger.With(slog.String("component", "push")),
	})

	sess := session.New(pushClient, engine, session.Options{
		Debounce:           cfg.SyncDebounce,
		RefreshInterval:    cfg.RefreshInterval,
		MaxContainers:      cfg.MaxContainers,
		TriggerOnBroadcast: cfg.TriggerOnBroadcast,
		RefreshAfterSync:   cfg.RefreshAfterSync,
		WatchDir:           cfg.WatchDir,
		Logger:             logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sess.Run(gctx)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, sess, pushClient.Connected, logger)
		})
	}

	return g.Wait()
}

// runMCP serves the status tools until ctx is cancelled.
func runMCP(ctx context.Context, cfg *config.Config, sess *session.Session, connected func() bool, logger *slog.Logger) error {
	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "replica-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sess)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	keyStore := auth.NewKeyStore(keys)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keyStore,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
		Connected:  connected,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("api_keys", keyStore.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
