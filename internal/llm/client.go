// Package llm provides lazily-initialized access to the OpenAI chat and
// embedding models through langchaingo.
package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/kalambet/pdfchat/internal/apperr"
	"github.com/kalambet/pdfchat/internal/config"
)

// Streamer produces a model answer as a sequence of text deltas. The
// sequence is lazy, finite and may be ranged over once. A failure at any
// point is yielded as a final error wrapping apperr.ErrGeneration.
type Streamer interface {
	Stream(ctx context.Context, messages []llms.MessageContent) iter.Seq2[string, error]
}

// StreamerProvider hands out a Streamer, failing with apperr.ErrConfig when
// the model is not configured.
type StreamerProvider interface {
	Streamer() (Streamer, error)
}

// Client owns the OpenAI connection. Nothing is dialled or validated until
// the first call that needs the model.
type Client struct {
	cfg    config.OpenAIConfig
	logger *slog.Logger

	mu       sync.Mutex
	model    *openai.LLM
	embedder embeddings.Embedder
}

func NewClient(cfg config.OpenAIConfig) *Client {
	return &Client{
		cfg:    cfg,
		logger: slog.Default().With("component", "llm"),
	}
}

// getOrInitialize returns the cached model, creating it on first use. A
// failed initialization is not cached.
func (c *Client) getOrInitialize() (*openai.LLM, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model != nil {
		return c.model, nil
	}
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", apperr.ErrConfig)
	}

	opts := []openai.Option{
		openai.WithToken(c.cfg.APIKey),
		openai.WithModel(c.cfg.ChatModel),
		openai.WithEmbeddingModel(c.cfg.EmbeddingModel),
	}
	if c.cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(c.cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating openai client: %w", apperr.ErrConfig, err)
	}
	c.model = model
	c.logger.Info("openai client initialized", "chat_model", c.cfg.ChatModel, "embedding_model", c.cfg.EmbeddingModel)
	return model, nil
}

func (c *Client) Streamer() (Streamer, error) {
	model, err := c.getOrInitialize()
	if err != nil {
		return nil, err
	}
	return &ModelStreamer{Model: model, Temperature: 0.2}, nil
}

func (c *Client) Embedder() (embeddings.Embedder, error) {
	model, err := c.getOrInitialize()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.embedder == nil {
		e, err := embeddings.NewEmbedder(model, embeddings.WithStripNewLines(true))
		if err != nil {
			return nil, fmt.Errorf("%w: creating embedder: %w", apperr.ErrConfig, err)
		}
		c.embedder = e
	}
	return c.embedder, nil
}

// ModelStreamer adapts any langchaingo model to Streamer. A model that
// ignores the streaming callback has its full response yielded as a single
// delta.
type ModelStreamer struct {
	Model       llms.Model
	Temperature float64
}

type generation struct {
	resp *llms.ContentResponse
	err  error
}

func (s *ModelStreamer) Stream(ctx context.Context, messages []llms.MessageContent) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		deltas := make(chan string)
		done := make(chan generation, 1)
		go func() {
			defer close(deltas)
			resp, err := s.Model.GenerateContent(ctx, messages,
				llms.WithTemperature(s.Temperature),
				llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
					if len(chunk) == 0 {
						return nil
					}
					select {
					case deltas <- string(chunk):
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				}),
			)
			done <- generation{resp: resp, err: err}
		}()

		streamed := false
		for d := range deltas {
			streamed = true
			if !yield(d, nil) {
				// Consumer stopped: abort the upstream call and let the
				// producer exit.
				cancel()
				for range deltas {
				}
				return
			}
		}

		g := <-done
		if g.err != nil {
			yield("", fmt.Errorf("%w: %w", apperr.ErrGeneration, g.err))
			return
		}
		if !streamed && g.resp != nil && len(g.resp.Choices) > 0 && g.resp.Choices[0].Content != "" {
			yield(g.resp.Choices[0].Content, nil)
		}
	}
}
