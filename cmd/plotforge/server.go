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
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/plotforge/plotforge/internal/api"
	"github.com/plotforge/plotforge/internal/archive"
	"github.com/plotforge/plotforge/internal/backend"
	"github.com/plotforge/plotforge/internal/backup"
	"github.com/plotforge/plotforge/internal/config"
	"github.com/plotforge/plotforge/internal/executor"
	"github.com/plotforge/plotforge/internal/pipeline"
	"github.com/plotforge/plotforge/internal/profiler"
	"github.com/plotforge/plotforge/internal/storage"
	"github.com/plotforge/plotforge/internal/validator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the plotforge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running plotforge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show plotforge system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "plotforge.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "plotforge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("plotforge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("plotforge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Select the generation backend.
	var (
		gen       backend.Generator
		prober    api.Prober
		modelName string
	)
	switch cfg.Backend.Provider {
	case "ollama":
		client := backend.NewOllamaClient(cfg.Backend.OllamaBaseURL,
			backend.WithOllamaModel(cfg.Backend.OllamaModel))
		if !client.IsRunning(ctx) {
			printWarning("ollama is not reachable at %s; generation will fail until it is up", cfg.Backend.OllamaBaseURL)
		}
		gen = client
		prober = client
		modelName = cfg.Backend.OllamaModel
	default:
		gen = backend.NewDeepSeekClient(cfg.Backend.DeepSeekAPIKey,
			backend.WithDeepSeekBaseURL(cfg.Backend.DeepSeekBaseURL),
			backend.WithDeepSeekModel(cfg.Backend.DeepSeekModel))
		modelName = cfg.Backend.DeepSeekModel
	}

	// Image archive backed by the sqlite index.
	images, err := archive.New(cfg.Storage.ServingDir, cfg.Storage.ArchiveDir, archive.WithIndex(store))
	if err != nil {
		return fmt.Errorf("opening image archive: %w", err)
	}

	keeper, err := backup.New(cfg.Storage.BackupDir)
	if err != nil {
		return fmt.Errorf("opening backup directory: %w", err)
	}

	val := validator.New(validator.PythonChecker{Interpreter: cfg.Executor.Interpreter}, validator.DefaultRules())

	runner := executor.New(executor.Config{
		Mode:          executor.Mode(cfg.Executor.Mode),
		Root:          cfg.Storage.SandboxDir,
		Interpreter:   cfg.Executor.Interpreter,
		Timeout:       time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
		MaxConcurrent: int64(cfg.Executor.MaxConcurrent),
	})

	analyzer := pipeline.NewAnalyzer(gen, val, runner, images, keeper, store, pipeline.Options{
		Profiling: profiler.Options{
			DomainKeywords: cfg.Profiler.DomainKeywords(),
			Rich:           cfg.Profiler.Rich,
		},
		ModelName: modelName,
	})

	handler := api.NewAppHandler(api.AppDeps{
		Analyzer: analyzer,
		Images:   images,
		Runs:     store,
		Prober:   prober,
		Backend:  gen.ID(),
		Token:    cfg.Auth.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Analyzer: analyzer,
		Images:   images,
		Runs:     store,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "plotforge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("plotforge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop plotforge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to plotforge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Backend", "%s", cfg.Backend.Provider)
	switch cfg.Backend.Provider {
	case "ollama":
		ollamaResp, err := client.Get(cfg.Backend.OllamaBaseURL + "/api/tags")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Backend.OllamaBaseURL)
		}
		printStatus("Model", "%s", cfg.Backend.OllamaModel)
	default:
		printStatus("Model", "%s", cfg.Backend.DeepSeekModel)
	}

	printStatus("Executor", "%s mode, %s", cfg.Executor.Mode, cfg.Executor.Interpreter)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
