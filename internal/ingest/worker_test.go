package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"

	"github.com/kalambet/pdfchat/internal/apperr"
	"github.com/kalambet/pdfchat/internal/document"
	"github.com/kalambet/pdfchat/internal/jobs"
	"github.com/kalambet/pdfchat/internal/storage"
	"github.com/kalambet/pdfchat/internal/vectorstore"
)

type fakeProcessor struct {
	doc document.Document
	err error
}

func (f fakeProcessor) Process(ctx context.Context, data []byte) (document.Document, error) {
	return f.doc, f.err
}

type lengthEmbedder struct{}

func (lengthEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = lengthEmbedder{}.EmbedQuery(ctx, t)
	}
	return out, nil
}

func (lengthEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), float32(strings.Count(text, " ") + 1)}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func threePages() document.Document {
	return document.Document{
		Pages: 3,
		Chunks: []document.Chunk{
			{Text: "Introduction to the annual report", Page: 1, Index: 0},
			{Text: "Revenue grew 12% year over year", Page: 2, Index: 1},
			{Text: "Outlook for the coming year", Page: 3, Index: 2},
		},
	}
}

func newRegistry(t *testing.T, store *storage.Store) *vectorstore.Registry {
	t.Helper()
	embed := func() (embeddings.Embedder, error) { return lengthEmbedder{}, nil }
	return vectorstore.NewRegistry(nil, vectorstore.NewLocalIndex(store.DB(), embed))
}

func ingestJob(p jobs.IngestPayload) jobs.Job {
	return jobs.Job{ID: "job-1", Kind: jobs.KindIngest, Payload: p, State: jobs.StateActive}
}

func TestWorker_Process(t *testing.T) {
	store := openTestStore(t)
	registry := newRegistry(t, store)
	w := NewWorker(fakeProcessor{doc: threePages()}, registry, store, nil)
	ctx := context.Background()

	res, err := w.Process(ctx, ingestJob(jobs.IngestPayload{
		UserID: "alice", DocID: "report", Filename: "report.pdf", Data: []byte("%PDF-1.4"),
	}))
	require.NoError(t, err)
	assert.Equal(t, Summary{Pages: 3, Chunks: 3}, res)

	matches, err := registry.Resolve(ctx, "alice", "report").SimilaritySearch(ctx, "revenue", 3)
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	doc, err := store.GetDocument(ctx, "alice", "report")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", doc.Filename)
	assert.Equal(t, "pdfchat_alice_report", doc.Collection)
	assert.Equal(t, 3, doc.Pages)
	assert.Equal(t, "job-1", doc.JobID)
	assert.False(t, doc.Durable)
}

func TestWorker_RejectsMissingBytes(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(fakeProcessor{doc: threePages()}, newRegistry(t, store), store, nil)

	_, err := w.Process(context.Background(), ingestJob(jobs.IngestPayload{UserID: "u", DocID: "d"}))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestWorker_ProcessorErrorPropagates(t *testing.T) {
	store := openTestStore(t)
	parseErr := fmt.Errorf("%w: malformed pdf: xref not found", apperr.ErrParse)
	w := NewWorker(fakeProcessor{err: parseErr}, newRegistry(t, store), store, nil)

	_, err := w.Process(context.Background(), ingestJob(jobs.IngestPayload{UserID: "u", DocID: "d", Data: []byte("x")}))
	assert.ErrorIs(t, err, apperr.ErrParse)

	_, err = store.GetDocument(context.Background(), "u", "d")
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed ingestion leaves no catalog row")
}

type failingHandle struct{ vectorstore.Handle }

func (failingHandle) AddDocuments(context.Context, []document.Chunk) error {
	return fmt.Errorf("%w: qdrant rejected batch", apperr.ErrIndexWrite)
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, userID, docID string) vectorstore.Handle {
	return failingHandle{}
}

func TestWorker_IndexWriteErrorPropagates(t *testing.T) {
	w := NewWorker(fakeProcessor{doc: threePages()}, failingResolver{}, nil, nil)

	_, err := w.Process(context.Background(), ingestJob(jobs.IngestPayload{UserID: "u", DocID: "d", Data: []byte("x")}))
	assert.ErrorIs(t, err, apperr.ErrIndexWrite)
}

// End to end through the queue: a three page document reaches completed
// with its page count as the result.
func TestWorker_ThroughQueue(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(fakeProcessor{doc: threePages()}, newRegistry(t, store), store, nil)

	q := jobs.NewQueue()
	q.SetProcessor(w.Process)
	sub := q.Subscribe(nil)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	job, err := q.Enqueue(jobs.IngestPayload{UserID: "u", DocID: "d", Filename: "a.pdf", Data: []byte("%PDF")})
	require.NoError(t, err)

	var seen []jobs.EventType
	timeout := time.After(5 * time.Second)
	for len(seen) == 0 || !seen[len(seen)-1].Terminal() {
		select {
		case e := <-sub.Events():
			if e.JobID == job.ID {
				seen = append(seen, e.Type)
			}
		case <-timeout:
			t.Fatalf("no terminal event, saw %v", seen)
		}
	}
	assert.Equal(t, []jobs.EventType{jobs.EventWaiting, jobs.EventActive, jobs.EventCompleted}, seen)

	got, err := q.Get(job.ID)
	require.NoError(t, err)
	sum, ok := got.Result.(Summary)
	require.True(t, ok)
	assert.Equal(t, 3, sum.Pages)
}

func TestWorker_UnsupportedPayload(t *testing.T) {
	w := NewWorker(fakeProcessor{}, failingResolver{}, nil, nil)
	_, err := w.Process(context.Background(), jobs.Job{Kind: "reindex"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
