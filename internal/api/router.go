// Package api is the HTTP surface of pdfchat: document upload, job status
// (polled and live), streamed chat, the document catalog and the MCP tools.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/pdfchat/internal/chat"
	"github.com/kalambet/pdfchat/internal/jobs"
	"github.com/kalambet/pdfchat/internal/storage"
	"github.com/kalambet/pdfchat/internal/vectorstore"
)

// JobStore is the queue as seen by the handlers.
type JobStore interface {
	Enqueue(p jobs.Payload) (jobs.Job, error)
	Get(id string) (jobs.Job, error)
	Stats() jobs.Stats
}

// PageLimiter rejects oversized documents before they are queued.
type PageLimiter interface {
	CheckPageLimit(data []byte) error
}

// EventStreamer writes one job's live transitions to a client.
type EventStreamer interface {
	ServeSSE(w http.ResponseWriter, r *http.Request, jobID string)
}

// Answerer runs one chat request.
type Answerer interface {
	Answer(ctx context.Context, req chat.Request, emit func(chat.Event) error) (chat.Result, error)
}

// Catalog reads and removes ingested documents.
type Catalog interface {
	GetDocument(ctx context.Context, userID, docID string) (storage.Document, error)
	ListDocuments(ctx context.Context, userID string, limit int) ([]storage.Document, error)
	DeleteDocument(ctx context.Context, userID, docID string) error
}

// Resolver resolves a document's index for the MCP search tool.
type Resolver interface {
	Resolve(ctx context.Context, userID, docID string) vectorstore.Handle
}

type Deps struct {
	Jobs           JobStore
	Pages          PageLimiter
	Events         EventStreamer
	Chat           Answerer
	Catalog        Catalog
	Resolver       Resolver
	Token          string // optional; bearer auth is enforced when set
	MaxUploadBytes int64
	Version        string
	Logger         *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default().With("component", "api")
}

// NewRouter returns the service handler. /health stays open; everything else
// requires the bearer token when one is configured.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Handle("/metrics", promhttp.Handler())

		r.Post("/upload", handleUpload(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/jobs/{id}/events", handleJobEvents(deps))
		r.Post("/chat", handleChat(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{docId}", handleGetDocument(deps))
		r.Delete("/documents/{docId}", handleDeleteDocument(deps))

		r.Handle("/mcp", server.NewStreamableHTTPServer(NewMCPServer(deps)))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if deps.Version != "" {
			body["version"] = deps.Version
		}
		if deps.Jobs != nil {
			body["jobs"] = deps.Jobs.Stats()
		}
		writeJSON(w, http.StatusOK, body)
	}
}
