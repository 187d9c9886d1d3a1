package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dataassistant/internal/config"
	"dataassistant/internal/datasource"
	"dataassistant/internal/export"
	"dataassistant/internal/llm"
	"dataassistant/internal/models"
	"dataassistant/internal/schemacache"
	"dataassistant/internal/service/assistant"
	"dataassistant/internal/service/pipeline"
	"dataassistant/internal/storage"
	"dataassistant/internal/worker"
)

const (
	topRegionSQL = "SELECT region, SUM(amount) AS total FROM sales GROUP BY region ORDER BY total DESC"
	chartReply   = `{"chart_type":"bar","echarts_option":{"xAxis":{"type":"category"},"series":[{"type":"bar"}]},"summary":"华东最高"}`
)

// fakeUpstream speaks the chat completions protocol: tool requests get an
// execute_sql call, plain requests get the chart JSON, streams get the answer.
type fakeUpstream struct {
	mu        sync.Mutex
	sql       string
	fragments []string
	requests  int
}

func (u *fakeUpstream) setSQL(sql string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sql = sql
}

func (u *fakeUpstream) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests
}

func (u *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stream bool              `json:"stream"`
		Tools  []json.RawMessage `json:"tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	u.requests++
	sqlText, fragments := u.sql, u.fragments
	u.mu.Unlock()

	if body.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, fragment := range fragments {
			chunk := llm.StreamChunk{Choices: []llm.Choice{{Delta: &llm.Delta{Content: fragment}}}}
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		return
	}

	msg := llm.ChatMessage{Role: llm.RoleAssistant, Content: chartReply}
	if len(body.Tools) > 0 {
		args, _ := json.Marshal(map[string]string{"sql": sqlText, "reason": "按地区汇总"})
		msg = llm.ChatMessage{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: llm.FunctionCall{Name: "execute_sql", Arguments: string(args)},
		}}}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(llm.Response{Choices: []llm.Choice{{Message: &msg}}})
}

type testServer struct {
	router   *gin.Engine
	db       *sql.DB
	handler  *Handler
	upstream *fakeUpstream
}

type serverOption func(*Deps, *Options)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "sessions.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	targetDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	t.Cleanup(func() { targetDB.Close() })
	source, err := datasource.New(targetDB, "sqlite3", nil)
	if err != nil {
		t.Fatalf("datasource: %v", err)
	}
	if _, err := source.SeedSample(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	upstream := &fakeUpstream{sql: topRegionSQL, fragments: []string{"华东", "地区销售额最高。"}}
	llmServer := httptest.NewServer(upstream)
	t.Cleanup(llmServer.Close)
	client := llm.NewClient(llm.ClientConfig{BaseURL: llmServer.URL, APIKey: "test", Model: "test-model", Timeout: 5 * time.Second})

	cache := schemacache.New(source, nil, time.Minute)
	runner := pipeline.New(client, cache, source, pipeline.Options{UseTools: true, Dialect: source.Driver()})
	dispatcher := worker.NewDispatcher(1, 4, 16, time.Minute)
	t.Cleanup(dispatcher.Close)

	deps := Deps{
		Assistant: assistant.NewService(db),
		Pipeline:  runner,
		Schema:    cache,
		Tables:    source,
		Workers:   dispatcher,
	}
	options := Options{HistoryLimit: 6, StreamTimeout: 10 * time.Second, CORSOrigins: []string{"*"}}
	for _, opt := range opts {
		opt(&deps, &options)
	}
	handler := NewHandler(deps, options)

	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, db: db, handler: handler, upstream: upstream}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body)
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

func countMessages(t *testing.T, db *sql.DB, sessionID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func createSession(t *testing.T, router *gin.Engine, title string) models.Session {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", map[string]string{"title": title})
	assertStatus(t, resp, http.StatusCreated)
	var session models.Session
	decodeJSON(t, resp.Body.Bytes(), &session)
	if session.ID == "" {
		t.Fatalf("expected session id in response")
	}
	return session
}

type sseEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

func (e sseEvent) text(t *testing.T) string {
	t.Helper()
	var s string
	decodeJSON(t, e.Content, &s)
	return s
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	var events []sseEvent
	for _, chunk := range strings.Split(payload, "\n\n") {
		line := strings.TrimSpace(chunk)
		if !strings.HasPrefix(line, "data:") {
			t.Fatalf("unexpected SSE line %q", line)
		}
		var evt sseEvent
		decodeJSON(t, []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &evt)
		events = append(events, evt)
	}
	return events
}

func eventTypes(events []sseEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestStreamQueryEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	session := createSession(t, srv.router, "销售分析")

	resp := postSSE(t, srv.router, "/api/chat/query", map[string]string{
		"session_id": session.ID,
		"question":   "哪个地区销售额最高？",
	})
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseSSE(t, resp.Body.String())
	want := []string{"status", "sql", "reason", "status", "data", "status", "chart", "status", "answer_chunk", "answer_chunk", "answer", "done"}
	if got := eventTypes(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event order:\n got %v\nwant %v", got, want)
	}
	if events[1].text(t) != topRegionSQL {
		t.Fatalf("unexpected sql event %s", events[1].Content)
	}
	var data pipeline.DataPayload
	decodeJSON(t, events[4].Content, &data)
	if data.Count == 0 || data.Count != len(data.Rows) || data.Rows[0]["region"] != "华东" {
		t.Fatalf("unexpected data payload: %+v", data)
	}
	if got := events[10].text(t); got != "华东地区销售额最高。" {
		t.Fatalf("answer = %q", got)
	}

	if n := countMessages(t, srv.db, session.ID); n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
	msgResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions/"+session.ID+"/messages", nil)
	assertStatus(t, msgResp, http.StatusOK)
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &body)
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(body.Messages))
	}
	reply := body.Messages[1]
	if reply.Role != models.RoleAssistant || reply.Content != "华东地区销售额最高。" {
		t.Fatalf("unexpected assistant message: %+v", reply)
	}
	if reply.SQL == nil || *reply.SQL != topRegionSQL {
		t.Fatalf("assistant message lost its sql: %+v", reply.SQL)
	}
	if len(reply.Data) != data.Count || reply.Chart["chart_type"] != "bar" {
		t.Fatalf("assistant message lost data or chart: %+v", reply)
	}
}

func TestStreamQueryExecutionFailureIsStored(t *testing.T) {
	srv := newTestServer(t)
	srv.upstream.setSQL("SELECT * FROM missing_table")
	session := createSession(t, srv.router, "")

	resp := postSSE(t, srv.router, "/api/chat/query", map[string]string{
		"session_id": session.ID,
		"question":   "查一下不存在的表",
	})
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.Type != "error" {
		t.Fatalf("expected terminal error, got %v", eventTypes(events))
	}
	errText := last.text(t)
	if !strings.HasPrefix(errText, pipeline.ExecuteFailedPrefix) {
		t.Fatalf("unexpected error text %q", errText)
	}

	var content string
	var sqlText sql.NullString
	err := srv.db.QueryRow(`SELECT content, sql_query FROM messages WHERE session_id = ? AND role = 'assistant'`, session.ID).Scan(&content, &sqlText)
	if err != nil {
		t.Fatalf("load assistant message: %v", err)
	}
	if content != errText || sqlText.String != "SELECT * FROM missing_table" {
		t.Fatalf("unexpected stored failure: %q %q", content, sqlText.String)
	}
}

func TestStreamQueryUnknownSessionFailsBeforeStreaming(t *testing.T) {
	srv := newTestServer(t)
	resp := postSSE(t, srv.router, "/api/chat/query", map[string]string{
		"session_id": "missing",
		"question":   "hi",
	})
	assertStatus(t, resp, http.StatusNotFound)
	if strings.Contains(resp.Header().Get("Content-Type"), "event-stream") {
		t.Fatalf("stream must not start for an unknown session")
	}
	if srv.upstream.calls() != 0 {
		t.Fatalf("upstream called for an unknown session")
	}
}

func TestQueryInputValidation(t *testing.T) {
	srv := newTestServer(t)
	session := createSession(t, srv.router, "")

	for _, path := range []string{"/api/chat/query", "/api/chat/query/sync"} {
		resp := doJSONRequest(t, srv.router, http.MethodPost, path, map[string]string{"question": "hi"})
		assertStatus(t, resp, http.StatusBadRequest)

		resp = doJSONRequest(t, srv.router, http.MethodPost, path, map[string]string{"session_id": session.ID, "question": "   "})
		assertStatus(t, resp, http.StatusBadRequest)
	}
	if n := countMessages(t, srv.db, session.ID); n != 0 {
		t.Fatalf("rejected requests stored %d messages", n)
	}
}

func TestSyncQuery(t *testing.T) {
	srv := newTestServer(t)
	session := createSession(t, srv.router, "")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/query/sync", map[string]string{
		"session_id": session.ID,
		"question":   "各地区销售额",
	})
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Success bool             `json:"success"`
		SQL     string           `json:"sql"`
		Data    []map[string]any `json:"data"`
		Chart   *pipeline.Chart  `json:"chart"`
		Answer  string           `json:"answer"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !body.Success || body.SQL != topRegionSQL || len(body.Data) == 0 {
		t.Fatalf("unexpected sync response: %s", resp.Body.String())
	}
	if body.Chart == nil || body.Chart.ChartType != "bar" || body.Answer != "华东地区销售额最高。" {
		t.Fatalf("unexpected chart or answer: %s", resp.Body.String())
	}
	if n := countMessages(t, srv.db, session.ID); n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
}

func TestSyncQueryGenerationFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.upstream.setSQL("")
	session := createSession(t, srv.router, "")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/query/sync", map[string]string{
		"session_id": session.ID,
		"question":   "随便问问",
	})
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Success || !strings.HasPrefix(body.Error, pipeline.GenerateFailedPrefix) {
		t.Fatalf("unexpected response: %s", resp.Body.String())
	}
}

type busyDispatcher struct{}

func (busyDispatcher) Submit(worker.Job) error { return worker.ErrDispatcherBusy }
func (busyDispatcher) Cancel(string)           {}
func (busyDispatcher) Stats() worker.Stats     { return worker.Stats{} }

func TestQueryRejectedWhenWorkersBusy(t *testing.T) {
	srv := newTestServer(t, func(d *Deps, _ *Options) { d.Workers = busyDispatcher{} })
	session := createSession(t, srv.router, "")

	for _, path := range []string{"/api/chat/query", "/api/chat/query/sync"} {
		resp := doJSONRequest(t, srv.router, http.MethodPost, path, map[string]string{
			"session_id": session.ID,
			"question":   "hi",
		})
		assertStatus(t, resp, http.StatusTooManyRequests)
	}
	if n := countMessages(t, srv.db, session.ID); n != 0 {
		t.Fatalf("busy requests stored %d messages", n)
	}
}

func TestQueryTimesOutWhileQueued(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, func(d *Deps, o *Options) {
		dispatcher := worker.NewDispatcher(1, 1, 4, time.Minute)
		t.Cleanup(dispatcher.Close)
		t.Cleanup(func() { close(release) })

		started := make(chan struct{})
		if err := dispatcher.Submit(worker.Job{Key: "report", Name: "hog", Run: func() {
			close(started)
			<-release
		}}); err != nil {
			t.Fatalf("submit hog: %v", err)
		}
		<-started
		d.Workers = dispatcher
		o.StreamTimeout = 200 * time.Millisecond
	})
	session := createSession(t, srv.router, "")
	body := map[string]string{"session_id": session.ID, "question": "哪个地区销售额最高？"}

	begin := time.Now()
	resp := postSSE(t, srv.router, "/api/chat/query", body)
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("stream waited %s for a busy worker", elapsed)
	}
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 1 || events[0].Type != string(pipeline.EventError) {
		t.Fatalf("expected a single error event, got %v", eventTypes(events))
	}
	if got := events[0].text(t); got != "请求超时" {
		t.Fatalf("unexpected error text %q", got)
	}

	begin = time.Now()
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/query/sync", body)
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("sync query waited %s for a busy worker", elapsed)
	}
	assertStatus(t, resp, http.StatusOK)
	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	decodeJSON(t, resp.Body.Bytes(), &result)
	if result.Success || result.Error != "请求超时" {
		t.Fatalf("unexpected sync result: %s", resp.Body.String())
	}

	if n := countMessages(t, srv.db, session.ID); n != 0 {
		t.Fatalf("timed out runs stored %d messages", n)
	}
}

func TestChatRateLimit(t *testing.T) {
	srv := newTestServer(t, func(_ *Deps, o *Options) {
		o.RateLimit = config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1}
	})
	first := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/query/sync", map[string]string{})
	assertStatus(t, first, http.StatusBadRequest)
	second := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat/query/sync", map[string]string{})
	assertStatus(t, second, http.StatusTooManyRequests)

	// other groups are not limited
	health := doJSONRequest(t, srv.router, http.MethodGet, "/health", nil)
	assertStatus(t, health, http.StatusOK)
}

func TestSessionEndpoints(t *testing.T) {
	srv := newTestServer(t)

	untitled := createSession(t, srv.router, "  ")
	if untitled.Title != models.DefaultSessionTitle {
		t.Fatalf("expected default title, got %q", untitled.Title)
	}
	named := createSession(t, srv.router, "季度报表")

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions?limit=10", nil)
	assertStatus(t, resp, http.StatusOK)
	var list struct {
		Sessions []models.Session `json:"sessions"`
	}
	decodeJSON(t, resp.Body.Bytes(), &list)
	if len(list.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list.Sessions))
	}

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions?limit=abc", nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPut, "/api/sessions/"+named.ID, map[string]string{"title": "年度报表"})
	assertStatus(t, resp, http.StatusOK)
	var renamed models.Session
	decodeJSON(t, resp.Body.Bytes(), &renamed)
	if renamed.Title != "年度报表" {
		t.Fatalf("rename ignored: %+v", renamed)
	}

	resp = doJSONRequest(t, srv.router, http.MethodPut, "/api/sessions/missing", map[string]string{"title": "x"})
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, srv.router, http.MethodDelete, "/api/sessions/"+named.ID, nil)
	assertStatus(t, resp, http.StatusNoContent)
	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions/"+named.ID, nil)
	assertStatus(t, resp, http.StatusNotFound)
	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/sessions/"+named.ID+"/messages", nil)
	assertStatus(t, resp, http.StatusNotFound)
	resp = doJSONRequest(t, srv.router, http.MethodDelete, "/api/sessions/"+named.ID, nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestSchemaEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/schema", nil)
	assertStatus(t, resp, http.StatusOK)
	var desc struct {
		Schema string `json:"schema"`
	}
	decodeJSON(t, resp.Body.Bytes(), &desc)
	if !strings.Contains(desc.Schema, "sales") {
		t.Fatalf("schema description misses sales: %q", desc.Schema)
	}

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/schema/tables", nil)
	assertStatus(t, resp, http.StatusOK)
	var tables struct {
		Tables []string `json:"tables"`
	}
	decodeJSON(t, resp.Body.Bytes(), &tables)
	if len(tables.Tables) != 1 || tables.Tables[0] != "sales" {
		t.Fatalf("unexpected tables: %v", tables.Tables)
	}

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/schema/tables/sales", nil)
	assertStatus(t, resp, http.StatusOK)
	var schema datasource.TableSchema
	decodeJSON(t, resp.Body.Bytes(), &schema)
	if schema.TableName != "sales" || len(schema.Columns) == 0 {
		t.Fatalf("unexpected table schema: %+v", schema)
	}

	resp = doJSONRequest(t, srv.router, http.MethodGet, "/api/schema/tables/nope", nil)
	assertStatus(t, resp, http.StatusNotFound)

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/schema/refresh", nil)
	assertStatus(t, resp, http.StatusOK)
}

func TestExportMessageDownload(t *testing.T) {
	srv := newTestServer(t)
	session := createSession(t, srv.router, "")
	resp := postSSE(t, srv.router, "/api/chat/query", map[string]string{
		"session_id": session.ID,
		"question":   "各地区销售额",
	})
	assertStatus(t, resp, http.StatusOK)

	messages, err := srv.handler.assistant.GetMessages(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	question, reply := messages[0], messages[1]

	resp = doJSONRequest(t, srv.router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%s/messages/%s/export", session.ID, reply.ID), nil)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); ct != export.ContentType {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), []byte("PAR1")) {
		t.Fatalf("payload is not parquet")
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%s/messages/%s/export", session.ID, question.ID), nil)
	assertStatus(t, resp, http.StatusBadRequest)

	resp = doJSONRequest(t, srv.router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%s/messages/missing/export", session.ID), nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestHealthAndCORS(t *testing.T) {
	srv := newTestServer(t)
	router := gin.New()
	router.Use(CORS([]string{"http://localhost:3000"}))
	srv.handler.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusNoContent)
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("missing CORS header: %v", rec.Header())
	}

	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("missing credentials header: %v", rec.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusForbidden)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected CORS header for foreign origin")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Status  string       `json:"status"`
		Workers worker.Stats `json:"workers"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Status != "healthy" {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestWebSocketQuery(t *testing.T) {
	srv := newTestServer(t)
	session := createSession(t, srv.router, "")

	httpServer := httptest.NewServer(srv.router)
	defer httpServer.Close()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	if err := conn.WriteJSON(chatRequest{SessionID: "missing", Question: "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var frame sseEvent
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "error" || frame.text(t) != "session not found" {
		t.Fatalf("unexpected frame for unknown session: %+v", frame)
	}

	if err := conn.WriteJSON(chatRequest{SessionID: session.ID, Question: "各地区销售额"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var types []string
	for {
		var evt sseEvent
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		types = append(types, evt.Type)
		if evt.Type == "done" || evt.Type == "error" {
			break
		}
	}
	if types[0] != "status" || types[len(types)-1] != "done" {
		t.Fatalf("unexpected websocket events: %v", types)
	}
}
