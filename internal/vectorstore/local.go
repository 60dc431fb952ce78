package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/pdfchat/internal/apperr"
	"github.com/kalambet/pdfchat/internal/document"
)

// LocalIndex provides brute-force cosine similarity search over the
// chunk_vectors table, partitioned by collection name. It backs every
// non-durable handle.
type LocalIndex struct {
	db    *sql.DB
	embed EmbedderSource
}

// NewLocalIndex wraps an existing *sql.DB. The chunk_vectors table must
// already exist (created via storage migrations).
func NewLocalIndex(db *sql.DB, embed EmbedderSource) *LocalIndex {
	return &LocalIndex{db: db, embed: embed}
}

// Handle returns a non-durable handle scoped to key.
func (ix *LocalIndex) Handle(key Key) Handle {
	return &localHandle{ix: ix, key: key}
}

// Add embeds and inserts chunks into collection.
func (ix *LocalIndex) Add(ctx context.Context, collection string, chunks []document.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	embedder, err := ix.embed()
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrIndexWrite, err)
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: embedding chunks: %w", apperr.ErrIndexWrite, err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("%w: embedder returned %d vectors for %d chunks", apperr.ErrIndexWrite, len(vectors), len(chunks))
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning insert transaction: %w", apperr.ErrIndexWrite, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors (id, collection, chunk_index, page, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: preparing insert statement: %w", apperr.ErrIndexWrite, err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, c := range chunks {
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), collection, c.Index, c.Page, c.Text, encodeFloat32s(vectors[i]), now); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: inserting chunk %d: %w", apperr.ErrIndexWrite, c.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing chunks: %w", apperr.ErrIndexWrite, err)
	}
	return nil
}

// idScore holds only the ID and score during the scan phase of Search.
type idScore struct {
	ID    string
	Score float32
}

// Search embeds query and returns the k nearest chunks in collection.
func (ix *LocalIndex) Search(ctx context.Context, collection, query string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	embedder, err := ix.embed()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrRetrieval, err)
	}
	vector, err := embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", apperr.ErrRetrieval, err)
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := ix.db.QueryContext(ctx, `SELECT id, embedding FROM chunk_vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: querying vectors: %w", apperr.ErrRetrieval, err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("%w: scanning row: %w", apperr.ErrRetrieval, err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding embedding for %s: %w", apperr.ErrRetrieval, id, err)
		}
		score := cosine(vector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating rows: %w", apperr.ErrRetrieval, err)
	}
	rows.Close()
	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch text and provenance only for the winners.
	scores := make(map[string]float32, h.Len())
	args := make([]any, 0, h.Len())
	for _, item := range *h {
		scores[item.ID] = item.Score
		args = append(args, item.ID)
	}
	full, err := ix.db.QueryContext(ctx, `SELECT id, chunk_index, page, text_chunk
		FROM chunk_vectors WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching top-K chunks: %w", apperr.ErrRetrieval, err)
	}
	defer full.Close()

	matches := make([]Match, 0, len(args))
	for full.Next() {
		var id string
		var c document.Chunk
		if err := full.Scan(&id, &c.Index, &c.Page, &c.Text); err != nil {
			return nil, fmt.Errorf("%w: scanning chunk: %w", apperr.ErrRetrieval, err)
		}
		matches = append(matches, Match{Chunk: c, Distance: 1 - float64(scores[id])})
	}
	if err := full.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating chunks: %w", apperr.ErrRetrieval, err)
	}

	// IN does not preserve order.
	slices.SortStableFunc(matches, func(a, b Match) int {
		if a.Distance != b.Distance {
			if a.Distance < b.Distance {
				return -1
			}
			return 1
		}
		return a.Chunk.Index - b.Chunk.Index
	})
	return matches, nil
}

type localHandle struct {
	ix  *LocalIndex
	key Key
}

func (h *localHandle) AddDocuments(ctx context.Context, chunks []document.Chunk) error {
	return h.ix.Add(ctx, h.key.Collection(), chunks)
}

func (h *localHandle) SimilaritySearch(ctx context.Context, query string, k int) ([]Match, error) {
	return h.ix.Search(ctx, h.key.Collection(), query, k)
}

func (h *localHandle) Key() Key      { return h.key }
func (h *localHandle) Durable() bool { return false }

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing it across
// rows of a scan.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
