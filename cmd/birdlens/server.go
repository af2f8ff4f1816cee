package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mkovalev/birdlens/internal/analytics"
	"github.com/mkovalev/birdlens/internal/api"
	"github.com/mkovalev/birdlens/internal/config"
	"github.com/mkovalev/birdlens/internal/dispatch"
	"github.com/mkovalev/birdlens/internal/reply"
	"github.com/mkovalev/birdlens/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the birdlens server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running birdlens server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show birdlens system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "birdlens.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "birdlens version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	// Check if a server is already running before claiming the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("birdlens is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("birdlens is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	store.SetResultTTL(cfg.ResultTTL())

	// Upstream credentials are optional: without them the server still
	// serves the bot endpoint and reports a per-request configuration error
	// on the analytics endpoints.
	// The analyzer stays a nil interface when unconfigured; wrapping a nil
	// *analytics.Client would defeat the worker's nil check.
	var analyticsClient *analytics.Client
	var analyzer dispatch.Analyzer
	if cfg.AnalyticsConfigured() {
		analyticsClient = analytics.New(cfg.Analytics.BaseURL, cfg.Analytics.APIKey, cfg.Analytics.MaxRetries)
		analyzer = analyticsClient
	} else {
		slog.Warn("analytics service not configured; query endpoints will report a configuration error")
	}

	replier := reply.New()
	dispatcher := dispatch.NewDispatcher(store, analyzer, replier)

	handler := api.NewHandler(api.Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Analytics:  analyticsClient,
		Replier:    replier,
		RateRPS:    cfg.Server.RateRPS,
		RateBurst:  cfg.Server.RateBurst,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	worker := dispatch.NewWorker(store, analyzer, replier, 500*time.Millisecond)
	worker.SetSubPolling(cfg.PollInterval(), 0)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:      store,
		Dispatcher: dispatcher,
		Configured: cfg.AnalyticsConfigured(),
	})
	stdioSrv := server.NewStdioServer(mcpSrv)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "birdlens listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("birdlens is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop birdlens (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to birdlens (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 6 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if !cfg.AnalyticsConfigured() {
		printStatus("Analytics", "not configured")
	} else if running {
		// Ask the server to probe the upstream.
		statusResp, err := client.Get(serverURL + "/api/status")
		if err != nil {
			printStatus("Analytics", "unknown (status probe failed: %v)", err)
		} else {
			var status struct {
				Status    string `json:"status"`
				Available bool   `json:"available"`
				Message   string `json:"message"`
			}
			if json.NewDecoder(statusResp.Body).Decode(&status) == nil && status.Available {
				printStatus("Analytics", "reachable at %s", cfg.Analytics.BaseURL)
			} else {
				printStatus("Analytics", "unreachable (%s)", status.Message)
			}
			statusResp.Body.Close()
		}
	} else {
		printStatus("Analytics", "configured for %s", cfg.Analytics.BaseURL)
	}

	printStatus("Poll interval", "%s", cfg.PollInterval())
	printStatus("Result TTL", "%s", cfg.ResultTTL())
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
