package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmc/langchaingo/schema"
	lcqdrant "github.com/tmc/langchaingo/vectorstores/qdrant"

	"github.com/kalambet/pdfchat/internal/apperr"
	"github.com/kalambet/pdfchat/internal/document"
)

const (
	metaPage  = "page"
	metaChunk = "chunk"
	metaUser  = "user_id"
	metaDoc   = "doc_id"
)

type QdrantConfig struct {
	URL        string
	APIKey     string
	VectorSize int
	Timeout    time.Duration
}

// QdrantBackend manages collections over Qdrant's REST API and moves points
// through the langchaingo Qdrant store.
type QdrantBackend struct {
	base       *url.URL
	apiKey     string
	vectorSize int
	client     *http.Client
	embed      EmbedderSource
}

func NewQdrantBackend(cfg QdrantConfig, embed EmbedderSource) (*QdrantBackend, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid qdrant url %q", apperr.ErrConfig, cfg.URL)
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: qdrant vector size must be positive", apperr.ErrConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &QdrantBackend{
		base:       base,
		apiKey:     cfg.APIKey,
		vectorSize: cfg.VectorSize,
		client:     &http.Client{Timeout: timeout},
		embed:      embed,
	}, nil
}

// Open checks that the collection exists.
func (b *QdrantBackend) Open(ctx context.Context, key Key) (Handle, error) {
	status, err := b.do(ctx, http.MethodGet, key.Collection(), nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, key.Collection())
	case status >= 300:
		return nil, fmt.Errorf("qdrant GET collection %s: status %d", key.Collection(), status)
	}
	return b.handle(key), nil
}

// Create makes a cosine collection sized for the configured embedding model.
func (b *QdrantBackend) Create(ctx context.Context, key Key) (Handle, error) {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     b.vectorSize,
			"distance": "Cosine",
		},
	}
	status, err := b.do(ctx, http.MethodPut, key.Collection(), body)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("qdrant PUT collection %s: status %d", key.Collection(), status)
	}
	return b.handle(key), nil
}

func (b *QdrantBackend) handle(key Key) *qdrantHandle {
	return &qdrantHandle{backend: b, key: key}
}

func (b *QdrantBackend) do(ctx context.Context, method, collection string, body any) (int, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding qdrant request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base.JoinPath("collections", collection).String(), r)
	if err != nil {
		return 0, fmt.Errorf("building qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("api-key", b.apiKey)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

type qdrantHandle struct {
	backend *QdrantBackend
	key     Key

	mu    sync.Mutex
	store *lcqdrant.Store
}

// getOrInitialize builds the langchaingo store on first use. Failures are
// not cached so a later call can succeed once configuration is present.
func (h *qdrantHandle) getOrInitialize() (*lcqdrant.Store, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.store != nil {
		return h.store, nil
	}
	embedder, err := h.backend.embed()
	if err != nil {
		return nil, err
	}
	opts := []lcqdrant.Option{
		lcqdrant.WithURL(*h.backend.base),
		lcqdrant.WithCollectionName(h.key.Collection()),
		lcqdrant.WithEmbedder(embedder),
	}
	if h.backend.apiKey != "" {
		opts = append(opts, lcqdrant.WithAPIKey(h.backend.apiKey))
	}
	s, err := lcqdrant.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrConfig, err)
	}
	h.store = &s
	return h.store, nil
}

func (h *qdrantHandle) AddDocuments(ctx context.Context, chunks []document.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	store, err := h.getOrInitialize()
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrIndexWrite, err)
	}
	docs := make([]schema.Document, len(chunks))
	for i, c := range chunks {
		meta := map[string]any{
			metaChunk: c.Index,
			metaUser:  h.key.UserID,
			metaDoc:   h.key.DocID,
		}
		if c.Page > 0 {
			meta[metaPage] = c.Page
		} else {
			meta[metaPage] = nil
		}
		docs[i] = schema.Document{PageContent: c.Text, Metadata: meta}
	}
	if _, err := store.AddDocuments(ctx, docs); err != nil {
		return fmt.Errorf("%w: adding %d chunks to %s: %w", apperr.ErrIndexWrite, len(chunks), h.key.Collection(), err)
	}
	return nil
}

func (h *qdrantHandle) SimilaritySearch(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	store, err := h.getOrInitialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrRetrieval, err)
	}
	docs, err := store.SimilaritySearch(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("%w: searching %s: %w", apperr.ErrRetrieval, h.key.Collection(), err)
	}
	matches := make([]Match, len(docs))
	for i, d := range docs {
		matches[i] = Match{
			Chunk: document.Chunk{
				Text:  d.PageContent,
				Page:  metaInt(d.Metadata[metaPage]),
				Index: metaInt(d.Metadata[metaChunk]),
			},
			// Qdrant reports cosine similarity.
			Distance: 1 - float64(d.Score),
		}
	}
	return matches, nil
}

func (h *qdrantHandle) Key() Key      { return h.key }
func (h *qdrantHandle) Durable() bool { return true }

func metaInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// IsUnreachable reports whether err is a durable backend transport failure.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
