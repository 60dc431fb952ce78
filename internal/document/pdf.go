package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/kalambet/pdfchat/internal/apperr"
)

// PDFLoader extracts plain text per page.
type PDFLoader struct{}

func (PDFLoader) Load(ctx context.Context, data []byte) (pages []Page, err error) {
	// The underlying reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("%w: malformed pdf: %v", apperr.ErrParse, r)
		}
	}()

	docs, err := documentloaders.NewPDF(bytes.NewReader(data), int64(len(data))).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrParse, err)
	}

	pages = make([]Page, 0, len(docs))
	for _, d := range docs {
		pages = append(pages, Page{Number: pageNumber(d), Text: d.PageContent})
	}
	return pages, nil
}

func pageNumber(d schema.Document) int {
	switch v := d.Metadata["page"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// PDFPageCounter reads only the page tree.
type PDFPageCounter struct{}

func (PDFPageCounter) CountPages(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("probing page count: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("probing page count: %w", err)
	}
	return r.NumPage(), nil
}

// TextSplitter splits each page on its own so that every chunk belongs to
// exactly one page.
type TextSplitter struct {
	splitter textsplitter.TextSplitter
}

func NewTextSplitter(chunkSize, overlap int) TextSplitter {
	return TextSplitter{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(overlap),
		),
	}
}

func (s TextSplitter) Split(pages []Page) ([]Chunk, error) {
	var chunks []Chunk
	for _, p := range pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		parts, err := s.splitter.SplitText(p.Text)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", p.Number, err)
		}
		for _, text := range parts {
			chunks = append(chunks, Chunk{Text: text, Page: p.Number, Index: len(chunks)})
		}
	}
	return chunks, nil
}
