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

	"github.com/kalambet/commander/internal/api"
	"github.com/kalambet/commander/internal/config"
	"github.com/kalambet/commander/internal/decision"
	"github.com/kalambet/commander/internal/dispatch"
	"github.com/kalambet/commander/internal/executors"
	"github.com/kalambet/commander/internal/history"
	"github.com/kalambet/commander/internal/ingest"
	"github.com/kalambet/commander/internal/lifecycle"
	"github.com/kalambet/commander/internal/llm"
	"github.com/kalambet/commander/internal/ollama"
	"github.com/kalambet/commander/internal/pipeline"
	"github.com/kalambet/commander/internal/profile"
	"github.com/kalambet/commander/internal/retrieval"
	"github.com/kalambet/commander/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the commander server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running commander server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show commander system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "commander.pid")
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

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// services is the fully wired application shared by the HTTP server and
// the MCP stdio server.
type services struct {
	store     *storage.Store
	retriever *retrieval.Retriever
	profiles  *profile.Manager
	pipeline  *pipeline.Pipeline
	actions   *lifecycle.Manager
}

func (s *services) Close() {
	if err := s.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func buildServices(cfg config.Config) (*services, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	tok, err := retrieval.NewTokenizer(cfg.Embedding.TokenizerModel)
	if err != nil {
		slog.Warn("tokenizer unavailable, embedding input will not be truncated", "error", err)
	}
	embedder := retrieval.NewEmbedder(ollama.New(cfg.Embedding.BaseURL), cfg.Embedding.Model, tok, cfg.Embedding.MaxTokens)
	contexts := retrieval.NewContextStore(store.DB())
	profiles := profile.NewManager(store)

	var historyOpts []history.Option
	if cfg.History.ScoreThreshold > 0 {
		historyOpts = append(historyOpts, history.WithScoreThreshold(float32(cfg.History.ScoreThreshold)))
	}

	llmClient := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	p := pipeline.New(pipeline.Deps{
		Contexts:  contexts,
		Embedder:  embedder,
		History:   history.NewAssembler(contexts, store, historyOpts...),
		Decider:   decision.NewEngine(llmClient, cfg.LLM.Model, cfg.LLM.Temperature),
		Decisions: store,
		Jobs:      store,
		Profiles:  profiles,
	}, cfg.History.SemanticLimit, cfg.History.RecentLimit)

	execs, err := executors.Build(executorConfig(cfg), store, slog.Default())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building executors: %w", err)
	}
	disp, err := dispatch.New(execs, dispatch.WithLogger(slog.Default()))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building dispatcher: %w", err)
	}

	return &services{
		store:     store,
		retriever: retrieval.NewRetriever(embedder, contexts),
		profiles:  profiles,
		pipeline:  p,
		actions:   lifecycle.NewManager(store, disp),
	}, nil
}

func executorConfig(cfg config.Config) executors.Config {
	return executors.Config{
		SMTP: executors.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			StartTLS: cfg.SMTP.StartTLS,
			From:     cfg.SMTP.From,
		},
		IMAP: executors.IMAPConfig{
			Host:         cfg.IMAP.Host,
			Port:         cfg.IMAP.Port,
			Username:     cfg.IMAP.Username,
			Password:     cfg.IMAP.Password,
			TLS:          cfg.IMAP.TLS,
			DraftsFolder: cfg.IMAP.DraftsFolder,
		},
		CalDAV: executors.CalDAVConfig{
			Endpoint:     cfg.CalDAV.Endpoint,
			Username:     cfg.CalDAV.Username,
			Password:     cfg.CalDAV.Password,
			CalendarPath: cfg.CalDAV.CalendarPath,
		},
		GitHub: executors.GitHubConfig{Token: cfg.GitHub.Token, BaseURL: cfg.GitHub.BaseURL},
		Slack:  executors.SlackConfig{Token: cfg.Slack.Token, BaseURL: cfg.Slack.BaseURL},
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "commander version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("commander is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("commander is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Checking embedding backend at %s", cfg.Embedding.BaseURL)
	// A missing embedding backend is not fatal: ingestion queues and the
	// worker retries once it comes up.
	if err := ollama.EnsureReady(ctx, ollama.New(cfg.Embedding.BaseURL), cfg.Embedding.Model, os.Stderr); err != nil {
		printWarning("%v", err)
	}

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	if err := svc.store.SaveAPIToken(ctx, apiToken, cfg.Server.DefaultOwner, "local"); err != nil {
		return fmt.Errorf("registering API token: %w", err)
	}
	slog.Info("API bearer token available", "owner", cfg.Server.DefaultOwner)

	handler := api.NewAppHandler(api.AppDeps{
		Pipeline: svc.pipeline,
		Contexts: svc.retriever,
		Actions:  svc.actions,
		Todos:    svc.store,
		Profile:  svc.profiles,
		Tokens:   svc.store,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	poll, err := time.ParseDuration(cfg.Worker.PollInterval)
	if err != nil {
		slog.Warn("invalid worker poll interval, using default 500ms", "value", cfg.Worker.PollInterval, "error", err)
		poll = 500 * time.Millisecond
	}
	worker := ingest.NewWorker(svc.store, svc.pipeline, poll)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "commander listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-workerDone
	return err
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs must stay on stderr.
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Owner:    cfg.Server.DefaultOwner,
		Pipeline: svc.pipeline,
		Contexts: svc.retriever,
		Actions:  svc.actions,
	}, version)

	slog.Info("MCP server started (stdio transport)", "owner", cfg.Server.DefaultOwner)
	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
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
		printError("commander is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop commander (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to commander (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if ollama.New(cfg.Embedding.BaseURL).IsRunning(ctx) {
		printStatus("Embeddings", "running at %s", cfg.Embedding.BaseURL)
	} else {
		printStatus("Embeddings", "not reachable at %s", cfg.Embedding.BaseURL)
	}
	printStatus("Embed model", "%s", cfg.Embedding.Model)
	printStatus("LLM", "%s via %s", cfg.LLM.Model, cfg.LLM.BaseURL)
	printStatus("Owner", "%s", cfg.Server.DefaultOwner)

	if running {
		apiToken, err := config.GetAPIToken(config.NewKeychain())
		if err == nil {
			c := &apiClient{baseURL: serverURL, token: apiToken, httpClient: client}
			if n, err := countItems(ctx, c, "/actions?status=pending&limit=200"); err == nil {
				printStatus("Pending actions", "%s", countLabel(n, 200))
			}
			if n, err := countItems(ctx, c, "/todos"); err == nil {
				printStatus("Open todos", "%d", n)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countItems(ctx context.Context, c *apiClient, path string) (int, error) {
	resp, err := c.get(ctx, path)
	if err != nil {
		return 0, err
	}
	var items []json.RawMessage
	if err := decodeJSON(resp, &items); err != nil {
		return 0, err
	}
	return len(items), nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
