package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pdfchat/internal/apperr"
	"github.com/kalambet/pdfchat/internal/chat"
	"github.com/kalambet/pdfchat/internal/document"
	"github.com/kalambet/pdfchat/internal/jobs"
	"github.com/kalambet/pdfchat/internal/notify"
	"github.com/kalambet/pdfchat/internal/storage"
	"github.com/kalambet/pdfchat/internal/vectorstore"
)

const testToken = "test-token-12345"

// --- fakes ---

type fakeLimiter struct {
	err error
}

func (f fakeLimiter) CheckPageLimit([]byte) error { return f.err }

type fakeAnswerer struct {
	calls  atomic.Int32
	answer func(ctx context.Context, req chat.Request, emit func(chat.Event) error) (chat.Result, error)
}

func (f *fakeAnswerer) Answer(ctx context.Context, req chat.Request, emit func(chat.Event) error) (chat.Result, error) {
	f.calls.Add(1)
	return f.answer(ctx, req, emit)
}

type fakeHandle struct {
	key     vectorstore.Key
	matches []vectorstore.Match
	err     error
	lastK   int
}

func (h *fakeHandle) AddDocuments(context.Context, []document.Chunk) error { return nil }

func (h *fakeHandle) SimilaritySearch(_ context.Context, _ string, k int) ([]vectorstore.Match, error) {
	h.lastK = k
	if h.err != nil {
		return nil, h.err
	}
	if len(h.matches) > k {
		return h.matches[:k], nil
	}
	return h.matches, nil
}

func (h *fakeHandle) Key() vectorstore.Key { return h.key }
func (h *fakeHandle) Durable() bool        { return false }

type fakeResolver struct {
	handle *fakeHandle
	user   string
	doc    string
}

func (r *fakeResolver) Resolve(_ context.Context, userID, docID string) vectorstore.Handle {
	r.user, r.doc = userID, docID
	r.handle.key = vectorstore.NewKey(userID, docID)
	return r.handle
}

// --- setup ---

type testEnv struct {
	handler  http.Handler
	queue    *jobs.Queue
	store    *storage.Store
	answerer *fakeAnswerer
	resolver *fakeResolver
}

func startQueue(t *testing.T) *jobs.Queue {
	t.Helper()
	q := jobs.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func setup(t *testing.T, token string, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := startQueue(t)
	env := &testEnv{
		queue:    q,
		store:    store,
		answerer: &fakeAnswerer{},
		resolver: &fakeResolver{handle: &fakeHandle{}},
	}
	deps := Deps{
		Jobs:           q,
		Pages:          fakeLimiter{},
		Events:         notify.New(q, notify.WithLookup(q), notify.WithTimeout(2*time.Second), notify.WithHeartbeat(0)),
		Chat:           env.answerer,
		Catalog:        store,
		Resolver:       env.resolver,
		Token:          token,
		MaxUploadBytes: 1 << 20,
		Version:        "test",
	}
	for _, m := range mutate {
		m(&deps)
	}
	env.handler = NewRouter(deps)
	return env
}

func authReq(method, url string, body io.Reader, token string) *http.Request {
	req := httptest.NewRequest(method, url, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func multipartBody(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) (msg, typ string) {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Error.Message, body.Error.Type
}

// --- health and auth ---

func TestHealth_OpenWithoutToken(t *testing.T) {
	env := setup(t, testToken)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Contains(t, body, "jobs")
}

func TestAuth(t *testing.T) {
	env := setup(t, testToken)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/documents", nil, tt.token))
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusUnauthorized {
				_, typ := decodeError(t, rr)
				assert.Equal(t, "authentication_error", typ)
			}
		})
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	env := setup(t, "")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := setup(t, "")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

// --- upload ---

func TestUpload_QueuesJob(t *testing.T) {
	env := setup(t, testToken)

	body, ct := multipartBody(t, map[string]string{"userId": "alice"}, "report.pdf", []byte("%PDF-1.4 fake"))
	req := authReq(http.MethodPost, "/upload", body, testToken)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	_, err := uuid.Parse(resp.DocID)
	assert.NoError(t, err, "minted docId should be a uuid")

	job, err := env.queue.Get(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.KindIngest, job.Kind)
	p := job.Payload.(jobs.IngestPayload)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, resp.DocID, p.DocID)
	assert.Equal(t, "report.pdf", p.Filename)
	assert.Equal(t, []byte("%PDF-1.4 fake"), p.Data)
}

func TestUpload_KeepsSuppliedDocID(t *testing.T) {
	env := setup(t, "")

	body, ct := multipartBody(t, map[string]string{"userId": "alice", "docId": "q3-report"}, "q3.pdf", []byte("pdf"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "q3-report", resp.DocID)
}

func TestUpload_MissingFile(t *testing.T) {
	env := setup(t, "")

	body, ct := multipartBody(t, map[string]string{"userId": "alice"}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	msg, typ := decodeError(t, rr)
	assert.Equal(t, "invalid_request_error", typ)
	assert.Equal(t, "No file provided", msg)
}

func TestUpload_OverPageLimit(t *testing.T) {
	limitErr := fmt.Errorf("%w: PDF has 25 pages (limit 20)", apperr.ErrValidation)
	env := setup(t, "", func(d *Deps) { d.Pages = fakeLimiter{err: limitErr} })

	body, ct := multipartBody(t, nil, "big.pdf", []byte("pdf"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	msg, _ := decodeError(t, rr)
	assert.Equal(t, "PDF has 25 pages (limit 20)", msg)
	assert.Equal(t, jobs.Stats{}, env.queue.Stats(), "nothing should be queued")
}

func TestUpload_TooLarge(t *testing.T) {
	env := setup(t, "", func(d *Deps) { d.MaxUploadBytes = 10 })

	body, ct := multipartBody(t, nil, "big.pdf", bytes.Repeat([]byte("x"), 100))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

// --- jobs ---

func TestGetJob(t *testing.T) {
	env := setup(t, "")
	job, err := env.queue.Enqueue(jobs.IngestPayload{UserID: "u", DocID: "d", Data: []byte("x")})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, job.ID, resp.JobID)
	assert.Equal(t, jobs.KindIngest, resp.Kind)
	assert.Equal(t, jobs.StateWaiting, resp.State)
	assert.NotContains(t, rr.Body.String(), "failureReason")
}

func TestGetJob_Unknown(t *testing.T) {
	env := setup(t, "")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))

	require.Equal(t, http.StatusNotFound, rr.Code)
	_, typ := decodeError(t, rr)
	assert.Equal(t, "not_found", typ)
}

func TestGetJob_Failed(t *testing.T) {
	env := setup(t, "")
	env.queue.SetProcessor(func(ctx context.Context, job jobs.Job) (any, error) {
		return nil, fmt.Errorf("%w: no pages", apperr.ErrParse)
	})
	job, err := env.queue.Enqueue(jobs.IngestPayload{UserID: "u", DocID: "d", Data: []byte("x")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, err := env.queue.Get(job.ID)
		return err == nil && j.State == jobs.StateFailed
	}, 5*time.Second, 5*time.Millisecond)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil))

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, jobs.StateFailed, resp.State)
	assert.Equal(t, "parse error: no pages", resp.FailureReason)
	assert.Nil(t, resp.Result)
}

func TestJobEvents_Unknown(t *testing.T) {
	env := setup(t, "")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/nope/events", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJobEvents_Streams(t *testing.T) {
	env := setup(t, "")
	env.queue.SetProcessor(func(ctx context.Context, job jobs.Job) (any, error) {
		return map[string]int{"pages": 2, "chunks": 4}, nil
	})
	job, err := env.queue.Enqueue(jobs.IngestPayload{UserID: "u", DocID: "d", Data: []byte("x")})
	require.NoError(t, err)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/" + job.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	require.NotEmpty(t, events)
	assert.Equal(t, "completed", events[len(events)-1])
}

// --- chat ---

func TestChat_StreamsNDJSON(t *testing.T) {
	env := setup(t, "")
	page := 2
	env.answerer.answer = func(ctx context.Context, req chat.Request, emit func(chat.Event) error) (chat.Result, error) {
		assert.Equal(t, "What grew?", req.Question)
		assert.Equal(t, "alice", req.UserID)
		assert.Equal(t, "doc-1", req.DocID)
		require.Len(t, req.History, 1)
		sources := []chat.Source{{Doc: 1, Page: &page, Snippet: "Revenue grew"}}
		emit(chat.Event{Type: chat.EventMeta, Sources: sources})
		emit(chat.Event{Type: chat.EventChunk, Delta: "Revenue grew "})
		emit(chat.Event{Type: chat.EventChunk, Delta: "[Doc 1 p2]"})
		emit(chat.Event{Type: chat.EventDone, Sources: sources})
		return chat.Result{Phase: chat.PhaseDone}, nil
	}

	body := `{"question":"What grew?","userId":"alice","docId":"doc-1","history":[{"role":"user","text":"hi"}]}`
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))

	var events []chat.Event
	sc := bufio.NewScanner(rr.Body)
	for sc.Scan() {
		var e chat.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), sc.Text())
		events = append(events, e)
	}
	require.Len(t, events, 4)
	assert.Equal(t, chat.EventMeta, events[0].Type)
	assert.Equal(t, "Revenue grew ", events[1].Delta)
	assert.Equal(t, chat.EventDone, events[3].Type)
	require.Len(t, events[3].Sources, 1)
	assert.Equal(t, 2, *events[3].Sources[0].Page)
}

func TestChat_BlankQuestion(t *testing.T) {
	env := setup(t, "")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"question":"  "}`)))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	msg, _ := decodeError(t, rr)
	assert.Equal(t, "question is required", msg)
	assert.Zero(t, env.answerer.calls.Load())
}

func TestChat_InvalidBody(t *testing.T) {
	env := setup(t, "")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChat_ErrorBeforeFirstEvent(t *testing.T) {
	env := setup(t, "")
	env.answerer.answer = func(ctx context.Context, req chat.Request, emit func(chat.Event) error) (chat.Result, error) {
		return chat.Result{Phase: chat.PhaseError}, fmt.Errorf("%w: question too long", apperr.ErrValidation)
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"question":"q"}`)))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	msg, _ := decodeError(t, rr)
	assert.Equal(t, "question too long", msg)
}

func TestChat_ErrorAfterStreamStarted(t *testing.T) {
	env := setup(t, "")
	env.answerer.answer = func(ctx context.Context, req chat.Request, emit func(chat.Event) error) (chat.Result, error) {
		emit(chat.Event{Type: chat.EventMeta, Sources: []chat.Source{}})
		err := fmt.Errorf("%w: upstream reset", apperr.ErrGeneration)
		emit(chat.Event{Type: chat.EventError, Error: err.Error()})
		return chat.Result{Phase: chat.PhaseError}, err
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"question":"q"}`)))

	require.Equal(t, http.StatusOK, rr.Code)
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"meta","sources":[]}`, lines[0])
	assert.JSONEq(t, `{"type":"error","error":"generation error: upstream reset"}`, lines[1])
}

// --- documents ---

func TestDocuments_ListAndDelete(t *testing.T) {
	env := setup(t, "")
	ctx := context.Background()
	require.NoError(t, env.store.SaveDocument(ctx, storage.Document{
		UserID: "alice", DocID: "report-1", Filename: "report.pdf", Collection: "pdfchat_alice_report-1", Pages: 3, Chunks: 7,
	}))

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents?userId=Alice", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		OK        bool               `json:"ok"`
		Documents []storage.Document `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Documents, 1)
	assert.Equal(t, "report-1", list.Documents[0].DocID)
	assert.Equal(t, 7, list.Documents[0].Chunks)

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents/Report-1?userId=alice", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var one struct {
		OK       bool             `json:"ok"`
		Document storage.Document `json:"document"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &one))
	assert.True(t, one.OK)
	assert.Equal(t, "report.pdf", one.Document.Filename)
	assert.Equal(t, 3, one.Document.Pages)

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/documents/Report-1?userId=alice", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/documents/report-1?userId=alice", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents/report-1?userId=alice", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDocuments_EmptyListIsArray(t *testing.T) {
	env := setup(t, "")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true,"documents":[]}`, rr.Body.String())
}

func TestDocuments_InvalidLimit(t *testing.T) {
	env := setup(t, "")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
