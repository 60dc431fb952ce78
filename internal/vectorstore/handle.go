// Package vectorstore resolves and caches one retrieval index per
// (user, document) pair, backed by Qdrant when it is reachable and by a local
// SQLite index otherwise.
package vectorstore

import (
	"context"
	"errors"

	"github.com/tmc/langchaingo/embeddings"

	"github.com/kalambet/pdfchat/internal/document"
)

var (
	// ErrCollectionNotFound is returned by Backend.Open when the collection
	// does not exist yet.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrUnreachable marks a transport failure talking to the durable backend.
	ErrUnreachable = errors.New("vector backend unreachable")
)

// Match is one search hit. Lower distance means more similar.
type Match struct {
	Chunk    document.Chunk
	Distance float64
}

// Handle is the capability to read and write one document's index.
type Handle interface {
	// AddDocuments embeds and stores chunks. Fails with apperr.ErrIndexWrite.
	AddDocuments(ctx context.Context, chunks []document.Chunk) error
	// SimilaritySearch returns up to k matches ordered by ascending distance.
	// Fails with apperr.ErrRetrieval.
	SimilaritySearch(ctx context.Context, query string, k int) ([]Match, error)
	Key() Key
	Durable() bool
}

// Backend opens and creates durable collections.
type Backend interface {
	Open(ctx context.Context, key Key) (Handle, error)
	Create(ctx context.Context, key Key) (Handle, error)
}

// EmbedderSource yields the embedder on demand, so that a missing
// credential fails the operation that needs it instead of startup.
type EmbedderSource func() (embeddings.Embedder, error)
