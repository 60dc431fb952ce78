// Package chat answers questions about an indexed document: it retrieves
// passages, grounds the model on them, streams the answer and reconciles the
// citations it contains against the retrieved sources.
package chat

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"github.com/kalambet/pdfchat/internal/apperr"
	"github.com/kalambet/pdfchat/internal/llm"
	"github.com/kalambet/pdfchat/internal/metrics"
	"github.com/kalambet/pdfchat/internal/vectorstore"
)

// NoResultsMessage is streamed instead of a model answer when retrieval
// finds nothing.
const NoResultsMessage = "I couldn't find any relevant passages in the stored documents, so I can't answer that."

const (
	defaultFetchK       = 8
	defaultTopN         = 5
	defaultSnippetChars = 400
)

// HandleResolver resolves the index for a (user, doc) pair.
type HandleResolver interface {
	Resolve(ctx context.Context, userID, docID string) vectorstore.Handle
}

// Phase is the position of one request in its lifecycle.
type Phase string

const (
	PhaseReceived   Phase = "received"
	PhaseRetrieving Phase = "retrieving"
	PhaseNoResults  Phase = "no_results"
	PhaseGenerating Phase = "generating"
	PhaseStreaming  Phase = "streaming"
	PhaseDone       Phase = "done"
	PhaseError      Phase = "error"
)

type Request struct {
	Question string `json:"question"`
	UserID   string `json:"userId"`
	DocID    string `json:"docId"`
	History  []Turn `json:"history,omitempty"`
}

// Source is one ranked passage as shown to the client.
type Source struct {
	Doc     int      `json:"doc"`
	Page    *int     `json:"page"`
	Snippet string   `json:"snippet"`
	Score   *float64 `json:"score"`
}

type EventType string

const (
	EventMeta  EventType = "meta"
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one line of the chat stream.
type Event struct {
	Type    EventType `json:"type"`
	Sources []Source  `json:"sources,omitzero"`
	Delta   string    `json:"delta,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Result summarizes a finished request.
type Result struct {
	Answer  string
	Sources []Source
	Cited   []Citation
	Phase   Phase
}

type Options struct {
	FetchK           int
	TopN             int
	SnippetChars     int
	MaxContextTokens int
	HistoryTurns     int
	Logger           *slog.Logger
}

// Orchestrator runs chat requests. It is safe for concurrent use and holds
// no per-request state.
type Orchestrator struct {
	resolver HandleResolver
	provider llm.StreamerProvider
	composer *Composer
	fetchK   int
	topN     int
	snippet  int
	logger   *slog.Logger
}

func New(resolver HandleResolver, provider llm.StreamerProvider, opts Options) *Orchestrator {
	o := &Orchestrator{
		resolver: resolver,
		provider: provider,
		composer: NewComposer(opts.MaxContextTokens, opts.HistoryTurns),
		fetchK:   cmp.Or(max(opts.FetchK, 0), defaultFetchK),
		topN:     cmp.Or(max(opts.TopN, 0), defaultTopN),
		snippet:  cmp.Or(max(opts.SnippetChars, 0), defaultSnippetChars),
		logger:   opts.Logger,
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "chat")
	}
	if o.topN > o.fetchK {
		o.topN = o.fetchK
	}
	return o
}

// Answer runs one request, writing stream events through emit. A blank
// question fails with apperr.ErrValidation before anything is emitted. When
// emit fails the consumer is gone: forwarding stops and Answer returns
// without error. A generation failure is emitted as an error event and also
// returned.
func (o *Orchestrator) Answer(ctx context.Context, req Request, emit func(Event) error) (Result, error) {
	res := Result{Phase: PhaseReceived}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		res.Phase = PhaseError
		return res, fmt.Errorf("%w: question is required", apperr.ErrValidation)
	}
	logger := o.logger.With("user_id", req.UserID, "doc_id", req.DocID)

	res.Phase = PhaseRetrieving
	passages, sources, err := o.retrieve(ctx, logger, req, question)
	res.Sources = sources
	if emit(Event{Type: EventMeta, Sources: sources}) != nil {
		return o.finish(res, "disconnected"), nil
	}
	if err != nil {
		return o.fail(res, emit, logger, err)
	}

	if len(sources) == 0 {
		res.Phase = PhaseNoResults
		res.Answer = NoResultsMessage
		if emit(Event{Type: EventChunk, Delta: NoResultsMessage}) != nil {
			return o.finish(res, "disconnected"), nil
		}
		emit(Event{Type: EventDone, Sources: sources})
		res.Phase = PhaseDone
		return o.finish(res, "no_results"), nil
	}

	res.Phase = PhaseGenerating
	streamer, err := o.provider.Streamer()
	if err != nil {
		return o.fail(res, emit, logger, err)
	}
	messages := o.composer.BuildMessages(passages, req.History, question)

	res.Phase = PhaseStreaming
	var answer strings.Builder
	for delta, err := range streamer.Stream(ctx, messages) {
		if err != nil {
			res.Answer = answer.String()
			return o.fail(res, emit, logger, err)
		}
		answer.WriteString(delta)
		if emit(Event{Type: EventChunk, Delta: delta}) != nil {
			res.Answer = answer.String()
			return o.finish(res, "disconnected"), nil
		}
	}

	res.Answer = answer.String()
	res.Cited = ExtractCitations(res.Answer)
	res.Sources = FilterSources(sources, res.Cited)
	emit(Event{Type: EventDone, Sources: res.Sources})
	res.Phase = PhaseDone
	logger.Debug("answer streamed", "chars", len(res.Answer), "cited", len(res.Cited), "sources", len(res.Sources))
	return o.finish(res, "done"), nil
}

// retrieve over-fetches, ranks by ascending distance and keeps the top N.
// A search failure degrades to no results, except a missing embedding
// configuration, which is returned.
func (o *Orchestrator) retrieve(ctx context.Context, logger *slog.Logger, req Request, question string) ([]passage, []Source, error) {
	h := o.resolver.Resolve(ctx, req.UserID, req.DocID)
	matches, err := h.SimilaritySearch(ctx, question, o.fetchK)
	if err != nil {
		if errors.Is(err, apperr.ErrConfig) {
			return nil, []Source{}, err
		}
		logger.Warn("retrieval failed, answering without context", "error", err)
		matches = nil
	}

	slices.SortStableFunc(matches, func(a, b vectorstore.Match) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	if len(matches) > o.topN {
		matches = matches[:o.topN]
	}

	passages := make([]passage, len(matches))
	sources := make([]Source, len(matches))
	for i, m := range matches {
		score := math.Round(m.Distance*1e4) / 1e4
		passages[i] = passage{Ordinal: i + 1, Page: m.Chunk.PageRef(), Text: m.Chunk.Text}
		sources[i] = Source{
			Doc:     i + 1,
			Page:    m.Chunk.PageRef(),
			Snippet: truncateRunes(m.Chunk.Text, o.snippet),
			Score:   &score,
		}
	}
	return passages, sources, nil
}

func (o *Orchestrator) fail(res Result, emit func(Event) error, logger *slog.Logger, err error) (Result, error) {
	if !apperrIsKnown(err) {
		err = fmt.Errorf("%w: %w", apperr.ErrGeneration, err)
	}
	logger.Error("chat request failed", "phase", res.Phase, "error", err)
	emit(Event{Type: EventError, Error: err.Error()})
	res.Phase = PhaseError
	o.finish(res, "error")
	return res, err
}

func (o *Orchestrator) finish(res Result, outcome string) Result {
	metrics.ChatFinished(outcome, len(res.Sources))
	return res
}

func apperrIsKnown(err error) bool {
	return apperr.Kind(err) != "internal"
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
