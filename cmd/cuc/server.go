package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kalambet/cuc/internal/api"
	"github.com/kalambet/cuc/internal/config"
	"github.com/kalambet/cuc/internal/ingest"
	"github.com/kalambet/cuc/internal/learning"
	"github.com/kalambet/cuc/internal/storage"
)

const workerPollInterval = 500 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (or the MCP stdio server with --mcp)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetBool("mcp")
		seed, _ := cmd.Flags().GetBool("seed")
		host, _ := cmd.Flags().GetString("host")
		return runServer(host, mcpMode, seed)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cuc server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and knowledge base status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve MCP tools over stdio instead of HTTP")
	serveCmd.Flags().Bool("seed", false, "index the built-in knowledge passages when the store is empty")
	serveCmd.Flags().String("host", "127.0.0.1", "address to bind the HTTP API to")
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cuc.pid")
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

func runServer(host string, mcpMode, seed bool) error {
	fmt.Fprintf(os.Stderr, "cuc version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if seed {
		if err := seedIfEmpty(ctx, a); err != nil {
			return err
		}
	}

	worker := ingest.NewWorker(a.db, a.indexer, workerPollInterval)
	worker.SetLogger(a.logger)
	// Registered after a.Close, so the worker is stopped and drained first.
	defer runBackground(ctx, worker.Run)()

	if mcpMode {
		return serveMCP(ctx, a)
	}
	return serveHTTP(ctx, a, host)
}

// runBackground runs fn in a goroutine under a child of ctx. The returned
// func cancels it and blocks until fn has returned.
func runBackground(ctx context.Context, fn func(context.Context)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func seedIfEmpty(ctx context.Context, a *app) error {
	n, err := a.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting documents: %w", err)
	}
	if n > 0 {
		return nil
	}
	seeded, err := a.indexer.Seed(ctx)
	if err != nil {
		return fmt.Errorf("seeding knowledge base: %w", err)
	}
	slog.Info("seeded knowledge base", "chunks", seeded)
	return nil
}

func serveMCP(ctx context.Context, a *app) error {
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Context:  a.builder,
		Indexer:  a.indexer,
		Learning: a.learning,
		Store:    a.store,
		Version:  version,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, a *app, host string) error {
	// Check if a server is already running via its health endpoint.
	pidPath := pidFilePath(a.cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", a.cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", a.cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.cfg.Server.Token == "" {
		slog.Warn("server.token is not set; API authentication is disabled")
	}

	handler := api.NewAppHandler(api.AppDeps{
		Token:           a.cfg.Server.Token,
		Store:           a.store,
		Searcher:        a.searcher,
		Context:         a.builder,
		Indexer:         a.indexer,
		Learning:        a.learning,
		Sources:         a.sources,
		Jobs:            a.db,
		SearchMode:      a.searchMode(),
		SearchThreshold: float32(a.cfg.Retrieval.SimilarityThreshold),
		Metrics:         a.metrics,
		Gatherer:        a.registry,
		Logger:          a.logger,
	})

	addr := fmt.Sprintf("%s:%d", host, a.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("cuc listening", "addr", addr, "backend", a.cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("cuc is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping cuc (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to cuc (PID %d)", pid)
	return nil
}

// serverStats mirrors the body of GET /stats.
type serverStats struct {
	Documents int            `json:"documents"`
	Learning  learning.Stats `json:"learning"`
	Jobs      map[string]int `json:"jobs"`
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}
	return reportStatus(context.Background(), newClientForConfig(cfg), cfg)
}

func reportStatus(ctx context.Context, client *apiClient, cfg config.Config) error {
	running := false
	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Backend", "%s", cfg.Storage.Backend)
	printStatus("Search mode", "%s", cfg.Retrieval.SearchMode)

	if running {
		resp, err := client.get(ctx, "/stats")
		if err != nil {
			return err
		}
		var stats serverStats
		if err := decodeJSON(resp, &stats); err != nil {
			printWarning("could not read stats: %v", err)
		} else {
			printLearningStats(stats.Documents, stats.Learning)
			if n := stats.Jobs[storage.JobPending] + stats.Jobs[storage.JobRunning]; n > 0 {
				printStatus("Queued index jobs", "%d", n)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
