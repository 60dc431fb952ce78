// Package ingest runs ingestion jobs: parse the uploaded PDF, index its
// chunks and record the document in the catalog.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/pdfchat/internal/apperr"
	"github.com/kalambet/pdfchat/internal/document"
	"github.com/kalambet/pdfchat/internal/jobs"
	"github.com/kalambet/pdfchat/internal/storage"
	"github.com/kalambet/pdfchat/internal/vectorstore"
)

// DocumentProcessor turns raw bytes into page-tagged chunks.
type DocumentProcessor interface {
	Process(ctx context.Context, data []byte) (document.Document, error)
}

// HandleResolver resolves the index for a (user, doc) pair. It never fails.
type HandleResolver interface {
	Resolve(ctx context.Context, userID, docID string) vectorstore.Handle
}

// Catalog records ingested documents.
type Catalog interface {
	SaveDocument(ctx context.Context, doc storage.Document) error
}

// Summary is the result of a completed ingestion job.
type Summary struct {
	Pages  int `json:"pages"`
	Chunks int `json:"chunks"`
}

// Worker is the queue processor for ingestion jobs. It performs no retries:
// any stage error fails the job.
type Worker struct {
	processor DocumentProcessor
	registry  HandleResolver
	catalog   Catalog
	logger    *slog.Logger
}

// NewWorker creates a Worker. catalog may be nil, in which case ingested
// documents are indexed but not listed.
func NewWorker(processor DocumentProcessor, registry HandleResolver, catalog Catalog, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default().With("component", "ingest")
	}
	return &Worker{
		processor: processor,
		registry:  registry,
		catalog:   catalog,
		logger:    logger,
	}
}

// Process implements jobs.Processor.
func (w *Worker) Process(ctx context.Context, job jobs.Job) (any, error) {
	switch p := job.Payload.(type) {
	case jobs.IngestPayload:
		return w.ingest(ctx, job.ID, p)
	default:
		return nil, fmt.Errorf("%w: unsupported job kind %q", apperr.ErrValidation, job.Kind)
	}
}

func (w *Worker) ingest(ctx context.Context, jobID string, p jobs.IngestPayload) (Summary, error) {
	if len(p.Data) == 0 {
		return Summary{}, fmt.Errorf("%w: ingest job has no document bytes", apperr.ErrValidation)
	}
	start := time.Now()

	doc, err := w.processor.Process(ctx, p.Data)
	if err != nil {
		return Summary{}, fmt.Errorf("processing %s: %w", p.Filename, err)
	}

	h := w.registry.Resolve(ctx, p.UserID, p.DocID)
	if err := h.AddDocuments(ctx, doc.Chunks); err != nil {
		return Summary{}, fmt.Errorf("indexing chunks: %w", err)
	}

	sum := Summary{Pages: doc.Pages, Chunks: len(doc.Chunks)}
	if w.catalog != nil {
		key := h.Key()
		err := w.catalog.SaveDocument(ctx, storage.Document{
			UserID:     key.UserID,
			DocID:      key.DocID,
			Filename:   p.Filename,
			Collection: key.Collection(),
			Durable:    h.Durable(),
			Pages:      sum.Pages,
			Chunks:     sum.Chunks,
			JobID:      jobID,
		})
		if err != nil {
			// Chunks are already indexed; only listings are affected.
			w.logger.Error("recording document in catalog", "job_id", jobID, "doc_id", key.DocID, "error", err)
		}
	}

	w.logger.Info("document ingested",
		"job_id", jobID,
		"user_id", p.UserID,
		"doc_id", p.DocID,
		"pages", sum.Pages,
		"chunks", sum.Chunks,
		"durable", h.Durable(),
		"duration", time.Since(start),
	)
	return sum, nil
}
