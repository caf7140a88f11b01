package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"movieanalyzer/internal/auth"
	"movieanalyzer/internal/config"
	"movieanalyzer/internal/models"
	"movieanalyzer/internal/moviedb"
	"movieanalyzer/internal/report"
	"movieanalyzer/internal/service/analyzer"
	"movieanalyzer/internal/service/rag"
	"movieanalyzer/internal/storage"
	"movieanalyzer/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()
	authHeader := createVisitor(t, router)

	searchResp := doJSONRequest(t, router, http.MethodGet, "/api/movies/search?q=heat", nil, authHeader)
	assertStatus(t, searchResp, http.StatusOK)
	var searchBody struct {
		Results []models.Candidate `json:"results"`
	}
	decodeJSON(t, searchResp.Body.Bytes(), &searchBody)
	if len(searchBody.Results) != 2 || searchBody.Results[0].ID != 949 {
		t.Fatalf("unexpected search results: %+v", searchBody.Results)
	}

	detailResp := doJSONRequest(t, router, http.MethodGet, "/api/movies/949", nil, authHeader)
	assertStatus(t, detailResp, http.StatusOK)
	var detail models.Detail
	decodeJSON(t, detailResp.Body.Bytes(), &detail)
	if detail.Title != "Heat" || detail.Rating != "7.9" {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	commentsResp := doJSONRequest(t, router, http.MethodGet, "/api/movies/949/comments", nil, authHeader)
	assertStatus(t, commentsResp, http.StatusOK)
	var commentsBody struct {
		Comments models.Comments     `json:"comments"`
		ByAuthor map[string][]string `json:"by_author"`
		Count    int                 `json:"count"`
	}
	decodeJSON(t, commentsResp.Body.Bytes(), &commentsBody)
	if commentsBody.Count != 3 || len(commentsBody.Comments) != 2 {
		t.Fatalf("unexpected comments: %+v", commentsBody)
	}
	if len(commentsBody.ByAuthor) != 2 {
		t.Fatalf("unexpected by_author view: %+v", commentsBody.ByAuthor)
	}
	for _, group := range commentsBody.Comments {
		if got := commentsBody.ByAuthor[group.Author]; len(got) != len(group.Comments) {
			t.Fatalf("by_author[%s] = %v, want %v", group.Author, got, group.Comments)
		}
	}

	sessionID := analyzeQuery(t, router, authHeader, "heat", 1)

	mw := handler.workers.(*mockWorker)
	mw.chunks = []string{"It is ", "a heist movie."}
	resp := postSSE(t, router, "/api/chat/msg", map[string]any{
		"session_id": sessionID,
		"content":    "What is it about?",
	}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := parseSSE(t, resp.Body.String())
	names := make([]string, 0, len(events))
	for _, evt := range events {
		names = append(names, evt.Name)
	}
	if strings.Join(names, ",") != "ack,stream,stream,done" {
		t.Fatalf("unexpected SSE sequence: %v", names)
	}
	var done struct {
		AIMessage models.Message `json:"ai_message"`
	}
	decodeJSON(t, []byte(events[3].Data), &done)
	if done.AIMessage.Content != "It is a heist movie." || done.AIMessage.Role != models.RoleAssistant {
		t.Fatalf("unexpected answer: %+v", done.AIMessage)
	}

	listResp := doJSONRequest(t, router, http.MethodGet, "/api/chat/sessions", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Sessions []models.Session `json:"session_list"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Sessions) != 1 || listBody.Sessions[0].ID != sessionID {
		t.Fatalf("unexpected session list: %+v", listBody.Sessions)
	}

	msgResp := doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/chat/sessions/%d/messages", sessionID), nil, authHeader)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 2 || msgBody.Messages[0].Role != models.RoleUser {
		t.Fatalf("unexpected messages: %+v", msgBody.Messages)
	}

	delResp := doJSONRequest(t, router, http.MethodDelete, fmt.Sprintf("/api/chat/sessions/%d", sessionID), nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)
	if got := mw.purgedSessions(); len(got) != 1 || got[0] != sessionID {
		t.Fatalf("expected session %d purged, got %v", sessionID, got)
	}
	if count := countMessages(t, db, sessionID); count != 0 {
		t.Fatalf("expected messages removed, got %d", count)
	}

	goneResp := doJSONRequest(t, router, http.MethodGet, fmt.Sprintf("/api/chat/sessions/%d/messages", sessionID), nil, authHeader)
	assertStatus(t, goneResp, http.StatusNotFound)
}

func TestSearchEmptyQueryReturnsEmptyList(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()
	authHeader := createVisitor(t, router)

	resp := doJSONRequest(t, router, http.MethodGet, "/api/movies/search?q=%20%20", nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	if body := strings.TrimSpace(resp.Body.String()); body != `{"results":[]}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestAnalyzeErrorMapping(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()
	authHeader := createVisitor(t, router)

	cases := []struct {
		name string
		body map[string]any
		prep func(*fakeMovies, *mockWorker)
		want int
	}{
		{name: "missing query", body: map[string]any{}, want: http.StatusBadRequest},
		{name: "negative index", body: map[string]any{"query": "heat", "index": -1}, want: http.StatusBadRequest},
		{name: "index out of range", body: map[string]any{"query": "heat", "index": 9}, want: http.StatusBadRequest},
		{name: "unknown movie", body: map[string]any{"movie_id": 12345}, want: http.StatusNotFound},
		{
			name: "upstream down",
			body: map[string]any{"movie_id": 949},
			prep: func(f *fakeMovies, _ *mockWorker) {
				f.detailsErr = fmt.Errorf("details: %w", moviedb.ErrUpstream)
			},
			want: http.StatusBadGateway,
		},
		{
			name: "busy",
			body: map[string]any{"movie_id": 949},
			prep: func(_ *fakeMovies, m *mockWorker) { m.busy = true },
			want: http.StatusTooManyRequests,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mw := handler.workers.(*mockWorker)
			movies := mw.movies
			movies.detailsErr = nil
			mw.busy = false
			if tc.prep != nil {
				tc.prep(movies, mw)
			}
			resp := doJSONRequest(t, router, http.MethodPost, "/api/analyze", tc.body, authHeader)
			assertStatus(t, resp, tc.want)
			if !strings.Contains(resp.Body.String(), `"error"`) {
				t.Fatalf("expected error body, got %s", resp.Body.String())
			}
		})
	}
}

func TestAnalyzeByMovieIDReportsCommentsWarning(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()
	authHeader := createVisitor(t, router)
	handler.workers.(*mockWorker).movies.commentsErr = fmt.Errorf("reviews: %w", moviedb.ErrUpstream)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/analyze", map[string]any{"movie_id": 949}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		SessionID int64           `json:"session_id"`
		Analysis  models.Analysis `json:"analysis"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.SessionID <= 0 {
		t.Fatalf("expected session id")
	}
	if body.Analysis.Warning == "" {
		t.Fatalf("expected a warning when comments are unavailable")
	}
	if len(body.Analysis.Comments) != 0 {
		t.Fatalf("expected no comments, got %+v", body.Analysis.Comments)
	}
}

func TestMovieRoutesValidateID(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()
	authHeader := createVisitor(t, router)

	resp := doJSONRequest(t, router, http.MethodGet, "/api/movies/abc", nil, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/movies/0/comments", nil, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/movies/77", nil, authHeader)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestChatMessageValidation(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()
	authHeader := createVisitor(t, router)
	sessionID := analyzeQuery(t, router, authHeader, "heat", 1)

	// Missing session id
	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat/msg",
		map[string]any{"session_id": 0, "content": "hi"}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	// Empty content
	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat/msg",
		map[string]any{"session_id": sessionID, "content": "   "}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	// Unknown session fails before the stream opens
	resp = doJSONRequest(t, router, http.MethodPost, "/api/chat/msg",
		map[string]any{"session_id": sessionID + 100, "content": "hi"}, authHeader)
	assertStatus(t, resp, http.StatusNotFound)
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected JSON error, got %q", ct)
	}
}

func TestChatMessageSSEError(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()
	authHeader := createVisitor(t, router)
	sessionID := analyzeQuery(t, router, authHeader, "heat", 1)

	mw := handler.workers.(*mockWorker)
	mw.askErr = fmt.Errorf("mock failure")

	resp := postSSE(t, router, "/api/chat/msg", map[string]any{
		"session_id": sessionID,
		"content":    "hello",
	}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 {
		t.Fatalf("expected ack and error events, got %d: %#v", len(events), events)
	}
	if events[0].Name != "ack" || events[1].Name != "error" {
		t.Fatalf("unexpected SSE sequence: %#v", events)
	}
	if !strings.Contains(events[1].Data, "mock failure") {
		t.Fatalf("missing error payload: %s", events[1].Data)
	}
	// the question stays in history even though the answer failed
	if count := countMessages(t, db, sessionID); count != 1 {
		t.Fatalf("expected 1 stored message, got %d", count)
	}
}

func TestChatMessageBusy(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()
	authHeader := createVisitor(t, router)
	sessionID := analyzeQuery(t, router, authHeader, "heat", 1)
	handler.workers.(*mockWorker).busy = true

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat/msg",
		map[string]any{"session_id": sessionID, "content": "hi"}, authHeader)
	assertStatus(t, resp, http.StatusTooManyRequests)
	if !strings.Contains(resp.Body.String(), "server is busy") {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestRoutesRequireVisitor(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodGet, "/api/movies/search?q=heat", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	resp = doJSONRequest(t, router, http.MethodGet, "/api/chat/sessions", nil,
		map[string]string{"Authorization": "Bearer nope"})
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestCookieVisitorNeedsCSRFHeader(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	createResp := doJSONRequest(t, router, http.MethodPost, "/api/visitors", nil, nil)
	assertStatus(t, createResp, http.StatusCreated)
	cookies := createResp.Result().Cookies()
	var csrf string
	for _, ck := range cookies {
		if ck.Name == "csrf_token" {
			csrf = ck.Value
		}
	}
	if csrf == "" || len(cookies) != 2 {
		t.Fatalf("expected auth and csrf cookies, got %+v", cookies)
	}

	send := func(headers map[string]string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]any{"query": "heat", "index": 1})
		req := httptest.NewRequest(http.MethodPost, "/api/analyze", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}
	assertStatus(t, send(nil), http.StatusForbidden)
	assertStatus(t, send(map[string]string{"X-CSRF-Token": csrf}), http.StatusOK)
}

func TestLeaveVisitorRevokesToken(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()
	authHeader := createVisitor(t, router)

	resp := doJSONRequest(t, router, http.MethodDelete, "/api/visitors", nil, authHeader)
	assertStatus(t, resp, http.StatusNoContent)
	if got := handler.workers.(*mockWorker).resetVisitors(); len(got) != 1 {
		t.Fatalf("expected visitor reset, got %v", got)
	}
	resp = doJSONRequest(t, router, http.MethodGet, "/api/chat/sessions", nil, authHeader)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestIndexHealthAndMetrics(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodGet, "/", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	for _, want := range []string{`id="title"`, `id="index"`, `id="search"`, `id="analyze"`, `id="question"`, `id="history"`} {
		if !strings.Contains(resp.Body.String(), want) {
			t.Fatalf("index page missing %s", want)
		}
	}
	resp = doJSONRequest(t, router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	resp = doJSONRequest(t, router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, resp, http.StatusOK)
}

func TestStatusForMapsSentinels(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("x: %w", analyzer.ErrInvalidInput):    http.StatusBadRequest,
		fmt.Errorf("x: %w", analyzer.ErrIndexOutOfRange): http.StatusBadRequest,
		rag.ErrEmptyQuestion:                             http.StatusBadRequest,
		fmt.Errorf("x: %w", moviedb.ErrNotFound):         http.StatusNotFound,
		fmt.Errorf("x: %w", moviedb.ErrUpstream):         http.StatusBadGateway,
		worker.ErrDispatcherBusy:                         http.StatusTooManyRequests,
		context.DeadlineExceeded:                         http.StatusGatewayTimeout,
		errors.New("boom"):                               http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func newTestServer(t *testing.T) (*gin.Engine, *sqlx.DB, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	builder, err := rag.NewDocumentBuilder(context.Background(), rag.DefaultChunkSize, rag.DefaultChunkOverlap)
	if err != nil {
		t.Fatalf("document builder: %v", err)
	}
	reports := report.NewWriter(filepath.Join(t.TempDir(), "movie_details.txt"))
	movies := newFakeMovies()
	svc := analyzer.NewService(db, movies, reports, builder)
	authSvc := auth.NewService(db, nil, time.Hour)
	handler := NewHandler(svc, authSvc, &mockWorker{svc: svc, movies: movies})

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, handler
}

func createVisitor(t *testing.T, router *gin.Engine) map[string]string {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/visitors", nil, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		ID        int64  `json:"id"`
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.ID <= 0 || body.AuthToken == "" {
		t.Fatalf("expected visitor id and token, got %+v", body)
	}
	return map[string]string{"Authorization": "Bearer " + body.AuthToken}
}

func analyzeQuery(t *testing.T, router *gin.Engine, authHeader map[string]string, query string, index int) int64 {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/analyze",
		map[string]any{"query": query, "index": index}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		SessionID int64           `json:"session_id"`
		Analysis  models.Analysis `json:"analysis"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.SessionID <= 0 {
		t.Fatalf("expected positive session id")
	}
	return body.SessionID
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body, headers)
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sqlx.DB, sessionID int64) int {
	t.Helper()
	var count int
	if err := db.Get(&count, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

type fakeMovies struct {
	candidates  []models.Candidate
	details     map[int64]models.Detail
	comments    models.Comments
	detailsErr  error
	commentsErr error
}

func newFakeMovies() *fakeMovies {
	var comments models.Comments
	comments = comments.Add("alice", "Best shootout ever.")
	comments = comments.Add("bob", "Too long.")
	comments = comments.Add("alice", "Holds up.")
	return &fakeMovies{
		candidates: []models.Candidate{
			{ID: 949, Title: "Heat", Year: "1995"},
			{ID: 1, Title: "Heat", Year: "1986"},
		},
		details: map[int64]models.Detail{
			949: {ID: 949, Title: "Heat", Year: "1995", Genres: "Action, Crime", Plot: "Robbers and cops.", Rating: "7.9"},
			1:   {ID: 1, Title: "Heat", Year: "1986", Genres: "Action", Plot: models.NotAvailable, Rating: models.NotAvailable},
		},
		comments: comments,
	}
}

func (f *fakeMovies) Search(ctx context.Context, query string) ([]models.Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return []models.Candidate{}, nil
	}
	return f.candidates, nil
}

func (f *fakeMovies) Details(ctx context.Context, movieID int64) (models.Detail, error) {
	if f.detailsErr != nil {
		return models.Detail{}, f.detailsErr
	}
	d, ok := f.details[movieID]
	if !ok {
		return models.Detail{}, fmt.Errorf("details %d: %w", movieID, moviedb.ErrNotFound)
	}
	return d, nil
}

func (f *fakeMovies) Comments(ctx context.Context, movieID int64) (models.Comments, error) {
	if f.commentsErr != nil {
		return nil, f.commentsErr
	}
	return f.comments, nil
}

// mockWorker runs jobs inline against the analyzer and streams canned chunks.
type mockWorker struct {
	svc    *analyzer.Service
	movies *fakeMovies
	chunks []string
	askErr error
	busy   bool

	mu     sync.Mutex
	purged []int64
	reset  []int64
}

func (m *mockWorker) Analyze(req worker.AnalyzeRequest) (*models.Analysis, error) {
	if m.busy {
		return nil, worker.ErrDispatcherBusy
	}
	var (
		res *analyzer.Result
		err error
	)
	if req.MovieID > 0 {
		res, err = m.svc.Analyze(req.Context, req.VisitorID, req.MovieID)
	} else {
		res, err = m.svc.AnalyzeByIndex(req.Context, req.VisitorID, req.Query, req.Index)
	}
	if err != nil {
		return nil, err
	}
	return res.Analysis, nil
}

func (m *mockWorker) Ask(req worker.AskRequest) (*worker.AskResult, error) {
	if m.busy {
		return nil, worker.ErrDispatcherBusy
	}
	ctx := req.Context
	if _, _, err := m.svc.GetSessionWithMessages(ctx, req.VisitorID, req.SessionID); err != nil {
		return nil, err
	}
	question, err := m.svc.AddMessage(ctx, models.Message{
		VisitorID: req.VisitorID,
		SessionID: req.SessionID,
		Role:      models.RoleUser,
		Content:   strings.TrimSpace(req.Question),
	})
	if err != nil {
		return nil, err
	}
	if err := req.AckFn(question); err != nil {
		return &worker.AskResult{Question: question}, err
	}
	if m.askErr != nil {
		return &worker.AskResult{Question: question}, m.askErr
	}
	var answer strings.Builder
	for _, chunk := range m.chunks {
		answer.WriteString(chunk)
		if err := req.ChunkFn(chunk); err != nil {
			return &worker.AskResult{Question: question}, err
		}
	}
	reply, err := m.svc.AddMessage(ctx, models.Message{
		VisitorID: req.VisitorID,
		SessionID: req.SessionID,
		Role:      models.RoleAssistant,
		Content:   answer.String(),
	})
	if err != nil {
		return &worker.AskResult{Question: question}, err
	}
	return &worker.AskResult{Question: question, Answer: reply}, nil
}

func (m *mockWorker) Purge(visitorID, sessionID int64) {
	m.mu.Lock()
	m.purged = append(m.purged, sessionID)
	m.mu.Unlock()
}

func (m *mockWorker) ResetVisitor(visitorID int64) {
	m.mu.Lock()
	m.reset = append(m.reset, visitorID)
	m.mu.Unlock()
}

func (m *mockWorker) purgedSessions() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.purged...)
}

func (m *mockWorker) resetVisitors() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.reset...)
}
