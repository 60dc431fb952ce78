package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pdfchat/internal/apperr"
)

type fakeLoader struct {
	pages []Page
	err   error
	calls int
}

func (f *fakeLoader) Load(ctx context.Context, data []byte) ([]Page, error) {
	f.calls++
	return f.pages, f.err
}

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) CountPages([]byte) (int, error) { return f.n, f.err }

type failingSplitter struct{}

func (failingSplitter) Split([]Page) ([]Chunk, error) { return nil, errors.New("separator loop") }

func TestProcess_Empty(t *testing.T) {
	loader := &fakeLoader{}
	p := NewProcessor(loader, NewTextSplitter(100, 10), nil, Options{})

	_, err := p.Process(context.Background(), nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, loader.calls)
}

func TestProcess_PageLimit(t *testing.T) {
	loader := &fakeLoader{}
	p := NewProcessor(loader, NewTextSplitter(100, 10), fakeCounter{n: 51}, Options{MaxPages: 50})

	_, err := p.Process(context.Background(), []byte("%PDF-1.4"))
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "51 pages")
	assert.Zero(t, loader.calls, "the full parse is skipped")

	assert.NoError(t, NewProcessor(loader, nil, fakeCounter{n: 50}, Options{MaxPages: 50}).CheckPageLimit([]byte("x")))
	assert.NoError(t, NewProcessor(loader, nil, fakeCounter{n: 900}, Options{}).CheckPageLimit([]byte("x")),
		"zero disables the limit")
}

func TestProcess_ProbeFailureContinues(t *testing.T) {
	loader := &fakeLoader{pages: []Page{{Number: 1, Text: "hello world"}}}
	p := NewProcessor(loader, NewTextSplitter(100, 10), fakeCounter{err: errors.New("no xref")}, Options{MaxPages: 5})

	doc, err := p.Process(context.Background(), []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)
	assert.Equal(t, 1, doc.Pages)
	require.Len(t, doc.Chunks, 1)
	assert.Equal(t, "hello world", doc.Chunks[0].Text)
}

func TestProcess_LoaderErrorIsParse(t *testing.T) {
	p := NewProcessor(&fakeLoader{err: errors.New("bad stream")}, NewTextSplitter(100, 10), nil, Options{})

	_, err := p.Process(context.Background(), []byte("data"))
	assert.ErrorIs(t, err, apperr.ErrParse)
	assert.Contains(t, err.Error(), "bad stream")
}

func TestProcess_SplitterErrorIsParse(t *testing.T) {
	p := NewProcessor(&fakeLoader{pages: []Page{{Number: 1, Text: "x"}}}, failingSplitter{}, nil, Options{})

	_, err := p.Process(context.Background(), []byte("data"))
	assert.ErrorIs(t, err, apperr.ErrParse)
}

func TestProcess_ChunksCarryPages(t *testing.T) {
	long := strings.Repeat("alpha beta gamma delta ", 20)
	loader := &fakeLoader{pages: []Page{
		{Number: 1, Text: long},
		{Number: 2, Text: "   \n"},
		{Number: 3, Text: "closing remarks"},
	}}
	p := NewProcessor(loader, NewTextSplitter(120, 20), nil, Options{})

	doc, err := p.Process(context.Background(), []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Pages)
	require.Greater(t, len(doc.Chunks), 2)

	for i, c := range doc.Chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEqual(t, 2, c.Page, "blank page produces no chunks")
		assert.LessOrEqual(t, len(c.Text), 120)
	}
	last := doc.Chunks[len(doc.Chunks)-1]
	assert.Equal(t, 3, last.Page)
	assert.Equal(t, "closing remarks", last.Text)
}

func TestChunk_PageRef(t *testing.T) {
	assert.Nil(t, Chunk{}.PageRef())
	ref := Chunk{Page: 4}.PageRef()
	require.NotNil(t, ref)
	assert.Equal(t, 4, *ref)
}

func TestPDFLoader_Malformed(t *testing.T) {
	_, err := PDFLoader{}.Load(context.Background(), []byte("this is not a pdf"))
	assert.ErrorIs(t, err, apperr.ErrParse)
}

func TestPDFPageCounter(t *testing.T) {
	n, err := PDFPageCounter{}.CountPages(minimalPDF(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = PDFPageCounter{}.CountPages([]byte("%PDF-1.4\ngarbage"))
	assert.Error(t, err)
}

func TestPDFProcessor_RejectsOversized(t *testing.T) {
	p := NewPDFProcessor(Options{ChunkSize: 200, ChunkOverlap: 20, MaxPages: 2})
	err := p.CheckPageLimit(minimalPDF(3))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

// minimalPDF builds a document with n empty pages and a correct xref table.
func minimalPDF(n int) []byte {
	var objs []string
	kids := make([]string, n)
	for i := range n {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
	)
	for range n {
		objs = append(objs, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(objs)+1)
	b.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return []byte(b.String())
}
