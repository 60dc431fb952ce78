// Package document turns raw PDF bytes into page-tagged text chunks ready
// for embedding.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/pdfchat/internal/apperr"
)

// Page is the extracted text of one PDF page. Number is 1-based; zero means
// the loader could not tell.
type Page struct {
	Number int
	Text   string
}

// Chunk is a bounded span of document text with page provenance.
type Chunk struct {
	Text  string
	Page  int // 1-based; 0 when unknown
	Index int // position within the document's chunk sequence
}

// PageRef returns the page as a nullable value for wire formats.
func (c Chunk) PageRef() *int {
	if c.Page <= 0 {
		return nil
	}
	p := c.Page
	return &p
}

// Document is the output of processing one upload.
type Document struct {
	Pages  int
	Chunks []Chunk
}

// Loader extracts ordered pages from raw bytes. Malformed input fails with
// apperr.ErrParse.
type Loader interface {
	Load(ctx context.Context, data []byte) ([]Page, error)
}

// Splitter cuts pages into overlapping chunks, each stamped with its page.
type Splitter interface {
	Split(pages []Page) ([]Chunk, error)
}

// PageCounter is a cheap probe run before the full parse.
type PageCounter interface {
	CountPages(data []byte) (int, error)
}

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	// MaxPages rejects documents with more pages. Zero disables the check.
	MaxPages int
	Logger   *slog.Logger
}

// Processor runs the probe, load and split steps in order.
type Processor struct {
	loader   Loader
	splitter Splitter
	counter  PageCounter
	maxPages int
	logger   *slog.Logger
}

// NewProcessor wires explicit collaborators. counter may be nil, which
// disables the page-count probe.
func NewProcessor(loader Loader, splitter Splitter, counter PageCounter, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "document")
	}
	return &Processor{
		loader:   loader,
		splitter: splitter,
		counter:  counter,
		maxPages: opts.MaxPages,
		logger:   logger,
	}
}

// NewPDFProcessor builds a Processor backed by the PDF loader, the recursive
// character splitter and the PDF page counter.
func NewPDFProcessor(opts Options) *Processor {
	return NewProcessor(PDFLoader{}, NewTextSplitter(opts.ChunkSize, opts.ChunkOverlap), PDFPageCounter{}, opts)
}

// CheckPageLimit rejects documents over the page ceiling. A probe that
// cannot read the document is logged and treated as "limit unknown".
func (p *Processor) CheckPageLimit(data []byte) error {
	if p.counter == nil || p.maxPages <= 0 {
		return nil
	}
	n, err := p.counter.CountPages(data)
	if err != nil {
		p.logger.Warn("page count probe failed, continuing", "error", err)
		return nil
	}
	if n > p.maxPages {
		return fmt.Errorf("%w: PDF has %d pages (limit %d)", apperr.ErrValidation, n, p.maxPages)
	}
	return nil
}

// Process converts raw bytes into chunks.
func (p *Processor) Process(ctx context.Context, data []byte) (Document, error) {
	if len(data) == 0 {
		return Document{}, fmt.Errorf("%w: document is empty", apperr.ErrValidation)
	}
	if err := p.CheckPageLimit(data); err != nil {
		return Document{}, err
	}

	pages, err := p.loader.Load(ctx, data)
	if err != nil {
		if !errors.Is(err, apperr.ErrParse) {
			err = fmt.Errorf("%w: %w", apperr.ErrParse, err)
		}
		return Document{}, fmt.Errorf("loading document: %w", err)
	}

	chunks, err := p.splitter.Split(pages)
	if err != nil {
		return Document{}, fmt.Errorf("splitting document: %w: %w", apperr.ErrParse, err)
	}

	p.logger.Debug("document processed", "pages", len(pages), "chunks", len(chunks))
	return Document{Pages: len(pages), Chunks: chunks}, nil
}
