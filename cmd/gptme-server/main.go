// Package main provides gptme-server: the HTTP API for conversations,
// steps, and server-sent events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gptme/gptme/internal/config"
	"github.com/gptme/gptme/internal/costs"
	"github.com/gptme/gptme/internal/hooks"
	"github.com/gptme/gptme/internal/logstore"
	"github.com/gptme/gptme/internal/server"
	"github.com/gptme/gptme/internal/sessions"
	"github.com/gptme/gptme/internal/step"
	"github.com/gptme/gptme/internal/toolreg"
)

var version = "dev"

func main() {
	if err := buildServeCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildServeCmd() *cobra.Command {
	var (
		addr      string
		logsDir   string
		workspace string
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:          "gptme-server",
		Short:        "Serve the gptme conversation API",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			return serve(cmd.Context(), addr, logsDir, workspace, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5700", "listen address")
	cmd.Flags().StringVar(&logsDir, "logs-dir", "", "conversation storage directory (default: standard logs home)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace directory for tools (default: current directory)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func serve(ctx context.Context, addr, logsDir, workspace string, logger *slog.Logger) error {
	user, err := config.LoadUser()
	if err != nil {
		return err
	}
	user.ApplyEnv()

	if logsDir == "" {
		logsDir = config.LogsHome()
	}
	logs, err := logstore.NewManager(logsDir)
	if err != nil {
		return err
	}

	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	tools := toolreg.NewRegistry()
	if err := toolreg.RegisterBuiltins(tools, workspace); err != nil {
		return err
	}

	registry, err := config.InitRegistry(user, logger)
	if err != nil {
		return err
	}

	sessionManager := sessions.NewManager(logger)
	hookBus := hooks.NewRegistry(logger)
	settings := config.SettingsFromEnv()
	engine := &step.Engine{
		Logs:     logs,
		Registry: registry,
		Tools:    tools,
		Hooks:    hookBus,
		Sessions: sessionManager,
		Logger:   logger,
		Settings: &settings,
		Budget:   tokenBudget(settings, registry.DefaultModel(), logger),
	}

	// The last swept session of a conversation ends it; hook output is
	// persisted so the next attach sees it.
	sessionManager.OnConversationIdle = func(conversationID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.EndConversation(ctx, conversationID); err != nil {
			logger.Warn("session end hook failed", "conversation_id", conversationID, "error", err)
		}
	}

	token, requireAuth, err := resolveAuth(addr)
	if err != nil {
		return err
	}
	if requireAuth && os.Getenv("GPTME_SERVER_TOKEN") == "" {
		// The token was generated; print it once so clients can connect.
		fmt.Fprintf(os.Stderr, "Server token: %s\n", token)
	}

	srv := server.New(server.Server{
		Logs:        logs,
		Sessions:    sessionManager,
		Engine:      engine,
		Tools:       tools,
		User:        user,
		Logger:      logger,
		Token:       token,
		RequireAuth: requireAuth,
	})

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go sessionManager.RunSweeper(sweepCtx, time.Minute)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "auth", requireAuth, "logs_dir", logsDir)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// tokenBudget builds the session token tracker when a budget is configured.
func tokenBudget(settings config.Settings, model string, logger *slog.Logger) *costs.TokenBudget {
	if settings.TokenBudget <= 0 {
		return nil
	}
	budget, err := costs.NewTokenBudget(model, settings.TokenBudget)
	if err != nil {
		logger.Warn("token budget disabled", "error", err)
		return nil
	}
	return budget
}

// resolveAuth decides whether bearer auth is required. Loopback binds are
// open by default; anything else requires a token unless explicitly
// disabled.
func resolveAuth(addr string) (token string, required bool, err error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", false, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	loopback := host == "localhost"
	if ip := net.ParseIP(host); ip != nil {
		loopback = ip.IsLoopback()
	}
	if strings.EqualFold(os.Getenv("GPTME_DISABLE_AUTH"), "true") {
		return "", false, nil
	}
	if loopback && os.Getenv("GPTME_SERVER_TOKEN") == "" {
		return "", false, nil
	}
	token = os.Getenv("GPTME_SERVER_TOKEN")
	if token == "" {
		token = uuid.New().String()
	}
	return token, true, nil
}
