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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/lore/internal/agent"
	"github.com/kalambet/lore/internal/api"
	"github.com/kalambet/lore/internal/chat"
	"github.com/kalambet/lore/internal/composer"
	"github.com/kalambet/lore/internal/config"
	"github.com/kalambet/lore/internal/history"
	"github.com/kalambet/lore/internal/learning"
	"github.com/kalambet/lore/internal/metrics"
	"github.com/kalambet/lore/internal/ollama"
	"github.com/kalambet/lore/internal/proxy"
	"github.com/kalambet/lore/internal/retrieval"
	"github.com/kalambet/lore/internal/settings"
	"github.com/kalambet/lore/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the lore server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running lore server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lore system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lore.pid")
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
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// openVectorStore connects the configured vector backend. Any failure
// leaves the process in fallback-only mode.
func openVectorStore(ctx context.Context, cfg config.Config, oc *ollama.Client) retrieval.KnowledgeStore {
	if cfg.Vector.URL == "" {
		slog.Info("vector store not configured, using local fallback store")
		return nil
	}
	if err := ollama.EnsureModel(ctx, oc, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		slog.Warn("embedding model unavailable, using local fallback store", "error", err)
		return nil
	}

	embedder := retrieval.NewEmbedder(oc, cfg.Ollama.EmbedModel)
	ks, err := retrieval.Open(ctx, retrieval.Options{
		URL:        cfg.Vector.URL,
		Table:      cfg.Vector.Table,
		SearchMode: cfg.Vector.SearchMode,
	}, embedder)
	if err != nil {
		slog.Warn("vector store unavailable, using local fallback store", "error", err)
		return nil
	}
	slog.Info("vector store ready", "backend", ks.Backend())
	return ks
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "lore version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
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
			printWarning("closing storage: %v", err)
		}
	}()

	m := metrics.NewMetrics()

	vector := openVectorStore(ctx, cfg, ollama.New(cfg.Ollama.BaseURL))
	if vector != nil {
		defer vector.Close()
	}
	m.SetVectorAvailable(vector != nil)

	mem := learning.NewMemory(store, vector, learning.Options{
		FallbackDedup: cfg.Learnings.FallbackDedup,
		CaseSensitive: cfg.Learnings.CaseSensitive,
	}, m)
	policy := learning.NewPolicy(mem, m)

	// Learnings saved locally while the vector store was unreachable are
	// copied over in the background.
	resyncDone := make(chan struct{})
	defer func() { <-resyncDone }()
	go func() {
		defer close(resyncDone)
		if vector == nil {
			return
		}
		n, err := mem.Resync(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("copying fallback learnings to vector store failed", "backend", vector.Backend(), "error", err)
			return
		}
		if n > 0 {
			slog.Info("copied fallback learnings to vector store", "backend", vector.Backend(), "count", n)
		}
	}()

	historyLog := history.New(store, history.Retention{
		MaxMessages: cfg.History.MaxMessages,
		MaxAge:      cfg.History.MaxAge,
	}, m)
	go history.NewSweeper(historyLog, 0).Run(ctx)

	assembler := composer.NewAssembler(historyLog, mem, cfg.Composer.MaxContextTokens)

	proxyClient := proxy.NewClient(cfg.Proxy.OpenRouterAPIKey)
	if !proxyClient.HasAPIKey() {
		slog.Warn("model provider API key not set; chat is disabled until one is configured", "hint", config.APIKeyHint())
	}
	orchestrator := proxy.NewOrchestrator(proxyClient, cfg.Proxy.DefaultModel, m)

	knowledgeTool := agent.SearchKnowledgeTool(mem)
	chatSvc := chat.NewService(ctx, chat.Config{
		History:       historyLog,
		Assembler:     assembler,
		Memory:        mem,
		Orchestrator:  orchestrator,
		Keys:          proxyClient,
		SaveKey:       config.SaveAPIKey,
		Settings:      settings.NewManager(store),
		Tools:         []agent.Tool{agent.RecordLearningTool(policy)},
		KnowledgeTool: &knowledgeTool,
		AgentRuns:     cfg.History.AgentRuns,
		Metrics:       m,
	})

	handler := api.NewHandler(api.Deps{
		Chat:     chatSvc,
		Capturer: policy,
		Searcher: mem,
		Metrics:  m,
		Token:    cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Capturer: policy,
			Searcher: mem,
			History:  historyLog,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "lore listening on %s (backend: %s)\n", addr, mem.Backend())
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
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	chatSvc.Wait()
	return err
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("lore is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop lore (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to lore (PID %d)", pid)
	return nil
}

type healthReport struct {
	Status          string `json:"status"`
	VectorAvailable bool   `json:"vector_available"`
	Backend         string `json:"backend"`
	APIKeySet       bool   `json:"api_key_set"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.timeout = 2 * time.Second

	var health healthReport
	err = client.call(ctx, http.MethodGet, "/health", nil, &health)
	switch {
	case errors.Is(err, errServerUnreachable):
		printStatus("Server", "stopped")
	case err != nil:
		printStatus("Server", "error (%v)", err)
	default:
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Learning store", "%s", describeBackend(health))
		printStatus("API key", "%s", yesNo(health.APIKeySet, "set", "missing"))
	}

	oc := ollama.New(cfg.Ollama.BaseURL)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if oc.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		printStatus("Embed model", "%s (%s)", cfg.Ollama.EmbedModel, yesNo(oc.HasModel(ctx, cfg.Ollama.EmbedModel), "installed", "missing"))
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("Vector URL", "%s", yesNo(cfg.Vector.URL != "", "configured", "not set"))
	printStatus("Chat model", "%s", cfg.Proxy.DefaultModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func describeBackend(h healthReport) string {
	if h.VectorAvailable {
		return "vector (" + h.Backend + ")"
	}
	return "fallback (" + h.Backend + ")"
}

func yesNo(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
