// cmd/automationd/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidnicolassimons-design/onstaq-automation/internal/config"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/executor"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/httpapi"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/logging"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/mcpapi"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/restadapter"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/store"
	"github.com/davidnicolassimons-design/onstaq-automation/internal/trigger"
)

// openLogWriter returns the destination for the daemon's structured logs:
// a logging.RotatingWriter over cfg.LogFilePath when set (the production
// deployment case), otherwise fallback unmodified. The returned closer
// must be called on shutdown when non-nil.
func openLogWriter(cfg *config.Global, fallback io.Writer) (io.Writer, func(), error) {
	if cfg.LogFilePath == "" {
		return fallback, func() {}, nil
	}
	rw, err := logging.NewRotatingWriter(cfg.LogFilePath, int64(cfg.LogMaxSizeMB)*1024*1024)
	if err != nil {
		return nil, nil, fmt.Errorf("opening rotating log file: %w", err)
	}
	return rw, func() { rw.Close() }, nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "mcp-server" {
		runMCPServer()
		return
	}
	runDaemon()
}

func runDaemon() {
	cfg, err := config.LoadGlobal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logWriter, closeLogWriter, err := openLogWriter(cfg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log setup error: %v\n", err)
		os.Exit(1)
	}
	defer closeLogWriter()

	logger := logging.NewLogger(cfg.LogFormat, cfg.LogLevel, logWriter)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rest := restadapter.New(cfg.UpstreamBaseURL, cfg.ServiceEmail, cfg.ServicePassword)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := rest.Login(ctx); err != nil {
		logger.Error("logging in to upstream", "error", err)
		os.Exit(1)
	}

	exec := executor.New(st, rest, logger, cfg.MaxConcurrentRuns)
	if err := exec.Start(ctx); err != nil {
		logger.Error("starting executor", "error", err)
		os.Exit(1)
	}

	triggers := trigger.NewManager(trigger.Deps{
		Rest:                rest,
		Store:               st,
		Logger:              logger,
		DefaultPollInterval: cfg.PollInterval,
		MinPollInterval:     cfg.MinPollInterval,
	}, exec.HandleEvent)

	rules, err := st.ListRules()
	if err != nil {
		logger.Error("loading rules", "error", err)
		os.Exit(1)
	}
	triggers.StartAll(ctx, rules)

	server := httpapi.New(st, exec, triggers, rest, logger, 20, 40)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: server.Handler()}

	go func() {
		logger.Info("http server listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	if cfg.ExecutionRetentionDays > 0 {
		go runCleanupLoop(ctx, st, logger, cfg.ExecutionRetentionDays)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)

	triggers.StopAll()
	cancel()
	if err := exec.Stop(30 * time.Second); err != nil {
		logger.Warn("executor stop timed out", "error", err)
	}
}

func runCleanupLoop(ctx context.Context, st *store.Store, logger *slog.Logger, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Cleanup(retentionDays)
			if err != nil {
				logger.Error("execution cleanup failed", "error", err)
				continue
			}
			logger.Info("execution cleanup complete", "deleted", n)
		}
	}
}

func runMCPServer() {
	cfg, err := config.LoadGlobal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logWriter, closeLogWriter, err := openLogWriter(cfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log setup error: %v\n", err)
		os.Exit(1)
	}
	defer closeLogWriter()

	logger := logging.NewLogger(cfg.LogFormat, cfg.LogLevel, logWriter)
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	rest := restadapter.New(cfg.UpstreamBaseURL, cfg.ServiceEmail, cfg.ServicePassword)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := rest.Login(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logging in to upstream: %v\n", err)
		os.Exit(1)
	}

	exec := executor.New(st, rest, logger, cfg.MaxConcurrentRuns)
	if err := exec.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "starting executor: %v\n", err)
		os.Exit(1)
	}

	server := mcpapi.NewServer(st, exec)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
