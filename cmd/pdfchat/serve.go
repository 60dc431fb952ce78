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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pdfchat/internal/api"
	"github.com/kalambet/pdfchat/internal/chat"
	"github.com/kalambet/pdfchat/internal/config"
	"github.com/kalambet/pdfchat/internal/document"
	"github.com/kalambet/pdfchat/internal/ingest"
	"github.com/kalambet/pdfchat/internal/jobs"
	"github.com/kalambet/pdfchat/internal/llm"
	"github.com/kalambet/pdfchat/internal/metrics"
	"github.com/kalambet/pdfchat/internal/notify"
	"github.com/kalambet/pdfchat/internal/storage"
	"github.com/kalambet/pdfchat/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pdfchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools over stdio",
	Long: `Serve the MCP tools over stdio.

Search and document listing read the same storage and Qdrant collections as
the server. Job status only covers uploads made through this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runMCPStdio(ctx)
	},
}

// app is the wired service graph shared by serve and mcp.
type app struct {
	store  *storage.Store
	memory *storage.Store
	queue  *jobs.Queue
	deps   api.Deps
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func newApp(cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	memory, err := storage.Open(":memory:")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening memory index: %w", err)
	}

	model := llm.NewClient(cfg.OpenAI)
	local := vectorstore.NewLocalIndex(memory.DB(), model.Embedder)

	var durable vectorstore.Backend
	if cfg.Qdrant.URL != "" {
		qb, err := vectorstore.NewQdrantBackend(vectorstore.QdrantConfig{
			URL:        cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			VectorSize: cfg.Qdrant.VectorSize,
			Timeout:    cfg.Qdrant.Timeout,
		}, model.Embedder)
		if err != nil {
			store.Close()
			memory.Close()
			return nil, err
		}
		durable = qb
	} else {
		slog.Warn("qdrant.url is not set, documents are indexed in memory only")
	}
	registry := vectorstore.NewRegistry(durable, local)

	processor := document.NewPDFProcessor(document.Options{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		MaxPages:     cfg.Ingest.MaxPages,
	})

	queue := jobs.NewQueue(
		jobs.WithWorkers(cfg.Ingest.Workers),
		jobs.WithRetention(cfg.Ingest.JobRetention),
	)
	worker := ingest.NewWorker(processor, registry, store, nil)
	queue.SetProcessor(worker.Process)

	notifier := notify.New(queue,
		notify.WithLookup(queue),
		notify.WithTimeout(cfg.Notify.Timeout),
		notify.WithHeartbeat(cfg.Notify.Heartbeat),
	)

	orchestrator := chat.New(registry, model, chat.Options{
		FetchK:           cfg.Retrieval.FetchK,
		TopN:             cfg.Retrieval.TopN,
		SnippetChars:     cfg.Retrieval.SnippetChars,
		MaxContextTokens: cfg.Retrieval.MaxContextTokens,
		HistoryTurns:     cfg.Retrieval.HistoryTurns,
	})

	return &app{
		store:  store,
		memory: memory,
		queue:  queue,
		deps: api.Deps{
			Jobs:           queue,
			Pages:          processor,
			Events:         notifier,
			Chat:           orchestrator,
			Catalog:        store,
			Resolver:       registry,
			Token:          cfg.Server.Token,
			MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
			Version:        version,
		},
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
	a.memory.Close()
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	slog.Info("pdfchat starting", "version", version)

	metrics.MustRegister()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Server.Token == "" {
		slog.Warn("server.token is not set, the API is unauthenticated")
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Addr(), err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           api.NewRouter(a.deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.queue.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("pdfchat listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runMCPStdio(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Logs go to stderr; stdout carries the protocol.
	setupLogging(cfg.Log.Level)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.queue.Run(gctx)
	})
	g.Go(func() error {
		// The client closing stdin ends the session.
		defer cancel()
		stdio := server.NewStdioServer(api.NewMCPServer(a.deps))
		if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio: %w", err)
		}
		return nil
	})
	return g.Wait()
}
