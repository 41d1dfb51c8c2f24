package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nextlevelbuilder/recall/internal/config"
	"github.com/nextlevelbuilder/recall/internal/conversations"
	"github.com/nextlevelbuilder/recall/internal/index"
	"github.com/nextlevelbuilder/recall/internal/objstore"
	"github.com/nextlevelbuilder/recall/internal/reflection"
	"github.com/nextlevelbuilder/recall/internal/reminders"
	"github.com/nextlevelbuilder/recall/internal/sandbox"
)

type hashEmbedder struct{ dim int }

func (e *hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, e.dim)
	for i, b := range []byte(text) {
		v[i%e.dim] += float32(b%32) - 16
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		inv := float32(1 / sqrtApprox(norm))
		for i := range v {
			v[i] *= inv
		}
	}
	return v, nil
}

func sqrtApprox(x float64) float64 {
	z := x
	for i := 0; i < 30; i++ {
		z = (z + x/z) / 2
	}
	return z
}

func (e *hashEmbedder) Dimensions() int { return e.dim }

func newTestServer(t *testing.T, cfg config.ServerConfig) *Server {
	t.Helper()
	store, err := objstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rows, err := index.OpenSQLite(filepath.Join(t.TempDir(), "emb.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rows.Close() })
	svc := index.NewService(&hashEmbedder{dim: 8}, rows)

	staging := reflection.NewStaging(store, svc)
	deps := Deps{
		Store:         store,
		Index:         svc,
		Conversations: conversations.NewIndexer(store, svc),
		Reminders:     reminders.NewScheduler(store),
		Sandbox:       sandbox.NewRunner(store),
		Staging:       staging,
		Reflect: func(ctx context.Context) (*reflection.Result, error) {
			return &reflection.Result{Success: true, Summary: "manual run"}, nil
		},
	}
	return New(cfg, "test", deps)
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{AuthToken: "tok"}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content[0] = %T", res.Content[0])
	}
	return tc.Text
}

func callReq(args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func TestHealthNoAuth(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()

	for _, tc := range []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"malformed", "Basic dXNlcg=="},
		{"wrong token", "Bearer nope"},
	} {
		req := httptest.NewRequest("POST", "/mcp", strings.NewReader("{}"))
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d", tc.name, rec.Code)
		}
		var body struct {
			JSONRPC string `json:"jsonrpc"`
			Error   struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if body.JSONRPC != "2.0" || body.Error.Code != -32001 {
			t.Errorf("%s: body = %+v", tc.name, body)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/mcp", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("methods = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization" {
		t.Errorf("headers = %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 2
	h := newTestServer(t, cfg).Handler()

	status := func() int {
		req := httptest.NewRequest("POST", "/reflect", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := status(); got != http.StatusOK {
		t.Fatalf("first = %d", got)
	}
	if got := status(); got != http.StatusOK {
		t.Fatalf("second = %d", got)
	}
	if got := status(); got != http.StatusTooManyRequests {
		t.Fatalf("third = %d", got)
	}
}

func TestReflectEndpoint(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()

	req := httptest.NewRequest("POST", "/reflect", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var result reflection.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Summary != "manual run" {
		t.Errorf("result = %+v", result)
	}

	// GET is rejected.
	get := httptest.NewRequest("GET", "/reflect", nil)
	get.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, get)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}
}

func TestToolWriteReadRoundTrip(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()

	res, err := s.toolWrite(ctx, callReq(map[string]interface{}{
		"path": "memory/a.md", "content": "hello world",
	}))
	if err != nil {
		t.Fatal(err)
	}
	var wrote struct {
		Path      string `json:"path"`
		VersionID string `json:"versionId"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &wrote); err != nil {
		t.Fatal(err)
	}
	if wrote.Path != "memory/a.md" || wrote.VersionID == "" {
		t.Fatalf("wrote = %+v", wrote)
	}

	res, err = s.toolRead(ctx, callReq(map[string]interface{}{"path": "memory/a.md"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("read failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "hello world") {
		t.Errorf("read = %s", resultText(t, res))
	}

	// Missing file is a tool-level error, not a transport failure.
	res, err = s.toolRead(ctx, callReq(map[string]interface{}{"path": "memory/nope.md"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "File not found") {
		t.Errorf("missing read = %v %s", res.IsError, resultText(t, res))
	}
}

func TestToolRollback(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()

	res, _ := s.toolWrite(ctx, callReq(map[string]interface{}{"path": "memory/r.md", "content": "v1"}))
	var first struct {
		VersionID string `json:"versionId"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &first); err != nil {
		t.Fatal(err)
	}
	if _, err := s.toolWrite(ctx, callReq(map[string]interface{}{"path": "memory/r.md", "content": "v2"})); err != nil {
		t.Fatal(err)
	}

	res, err := s.toolHistory(ctx, callReq(map[string]interface{}{"path": "memory/r.md"}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, res), first.VersionID) {
		t.Errorf("history = %s", resultText(t, res))
	}

	res, err = s.toolRollback(ctx, callReq(map[string]interface{}{
		"path": "memory/r.md", "versionId": first.VersionID,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("rollback failed: %s", resultText(t, res))
	}

	res, _ = s.toolRead(ctx, callReq(map[string]interface{}{"path": "memory/r.md"}))
	var got struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
		t.Fatal(err)
	}
	if got.Content != "v1" {
		t.Errorf("content = %q", got.Content)
	}

	// Unknown version.
	res, err = s.toolRollback(ctx, callReq(map[string]interface{}{
		"path": "memory/r.md", "versionId": "bogus",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("bogus version accepted")
	}
}

func TestToolSearch(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()

	if _, err := s.toolWrite(ctx, callReq(map[string]interface{}{
		"path": "memory/limits.md", "content": "Durable Objects have a 128MB memory limit.",
	})); err != nil {
		t.Fatal(err)
	}

	res, err := s.toolSearch(ctx, callReq(map[string]interface{}{
		"query": "Durable Objects have a 128MB memory limit.", "limit": float64(1),
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, res), "memory/limits.md") {
		t.Errorf("search = %s", resultText(t, res))
	}

	// Missing query is invalid arguments.
	res, err = s.toolSearch(ctx, callReq(map[string]interface{}{}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("missing query accepted")
	}
}

func TestToolExecute(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()

	res, err := s.toolExecute(ctx, callReq(map[string]interface{}{"script": "return 2 + 3"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("execute failed: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "5") {
		t.Errorf("result = %s", resultText(t, res))
	}

	res, err = s.toolExecute(ctx, callReq(map[string]interface{}{"script": "throw new Error('boom')"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(resultText(t, res), "Execution failed") {
		t.Errorf("result = %s", resultText(t, res))
	}
}

func TestToolReminders(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()

	res, err := s.toolScheduleReminder(ctx, callReq(map[string]interface{}{
		"type": "cron", "expression": "0 9 * * *", "description": "standup",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("schedule failed: %s", resultText(t, res))
	}
	var r reminders.Reminder
	if err := json.Unmarshal([]byte(resultText(t, res)), &r); err != nil {
		t.Fatal(err)
	}
	if r.ID == "" || r.Type != "cron" {
		t.Errorf("reminder = %+v", r)
	}

	res, _ = s.toolListReminders(ctx, callReq(nil))
	if !strings.Contains(resultText(t, res), "standup") {
		t.Errorf("list = %s", resultText(t, res))
	}

	res, err = s.toolRemoveReminder(ctx, callReq(map[string]interface{}{"id": "ghost"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("removing unknown reminder succeeded")
	}

	res, err = s.toolRemoveReminder(ctx, callReq(map[string]interface{}{"id": r.ID}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Errorf("remove = %s", resultText(t, res))
	}
}

func TestToolIndexConversations(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()

	session := map[string]interface{}{
		"id":      "s1",
		"project": "recall",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "how do I use goroutines"},
			map[string]interface{}{"role": "assistant", "content": "Start with the go keyword."},
		},
	}
	res, err := s.toolIndexConversations(ctx, callReq(map[string]interface{}{
		"sessions": []interface{}{session},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("index failed: %s", resultText(t, res))
	}
	var counts conversations.Counts
	if err := json.Unmarshal([]byte(resultText(t, res)), &counts); err != nil {
		t.Fatal(err)
	}
	if counts.Added != 1 {
		t.Errorf("counts = %+v", counts)
	}

	res, _ = s.toolConversationStats(ctx, callReq(nil))
	if !strings.Contains(resultText(t, res), `"sessions":1`) {
		t.Errorf("stats = %s", resultText(t, res))
	}

	// sessions must be an array.
	res, err = s.toolIndexConversations(ctx, callReq(map[string]interface{}{"sessions": "nope"}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("non-array sessions accepted")
	}
}

func TestToolExpandConversationWithoutExchangeID(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()

	session := map[string]interface{}{
		"id":      "s1",
		"project": "recall",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "what does errgroup do"},
			map[string]interface{}{"role": "assistant", "content": "It runs goroutines with shared cancellation."},
		},
	}
	if _, err := s.toolIndexConversations(ctx, callReq(map[string]interface{}{
		"sessions": []interface{}{session},
	})); err != nil {
		t.Fatal(err)
	}

	// Session-only expand returns every exchange.
	res, err := s.toolExpandConversation(ctx, callReq(map[string]interface{}{"sessionId": "s1"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("expand failed: %s", resultText(t, res))
	}
	var body struct {
		Exchanges []conversations.Exchange `json:"exchanges"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Exchanges) != 1 || body.Exchanges[0].ID != "s1-0" {
		t.Errorf("exchanges = %+v", body.Exchanges)
	}

	// sessionId is still required.
	res, err = s.toolExpandConversation(ctx, callReq(map[string]interface{}{}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("missing sessionId accepted")
	}
}

func TestToolApplyReflectionChanges(t *testing.T) {
	s := newTestServer(t, testConfig())
	ctx := context.Background()

	staged := reflection.StagedReflection{
		Date:    "2026-08-24",
		Summary: "test",
		ProposedEdits: []reflection.ProposedEdit{
			{Path: "memory/n.md", Action: reflection.ActionCreate, Content: "fresh", Reason: "r"},
		},
	}
	if _, err := s.deps.Staging.WritePending(ctx, staged); err != nil {
		t.Fatal(err)
	}

	res, err := s.toolListPendingReflections(ctx, callReq(nil))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resultText(t, res), "2026-08-24") {
		t.Errorf("pending = %s", resultText(t, res))
	}

	res, err = s.toolApplyReflectionChanges(ctx, callReq(map[string]interface{}{
		"date": "2026-08-24", "edits": []interface{}{float64(1)},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("apply failed: %s", resultText(t, res))
	}

	obj, err := s.deps.Store.Read(ctx, "memory/n.md")
	if err != nil {
		t.Fatal(err)
	}
	if obj == nil || obj.Content != "fresh" {
		t.Errorf("applied = %+v", obj)
	}

	// Archived by default after a full success.
	gone, err := s.deps.Store.Read(ctx, "memory/reflections/pending/2026-08-24.md")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Error("pending doc still present")
	}
}

func TestMCPToolsList(t *testing.T) {
	h := newTestServer(t, testConfig()).Handler()

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	for _, name := range []string{"read", "write", "search", "schedule_reminder", "apply_reflection_changes"} {
		if !strings.Contains(rec.Body.String(), `"`+name+`"`) {
			t.Errorf("tools/list missing %q", name)
		}
	}
}

func TestTracedDispatchSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	srv := newTestServer(t, testConfig())
	ctx := context.Background()

	h := traced("write", srv.toolWrite)
	if _, err := h(ctx, callReq(map[string]interface{}{"path": "memory/a.md", "content": "hello"})); err != nil {
		t.Fatal(err)
	}
	h = traced("read", srv.toolRead)
	if _, err := h(ctx, callReq(map[string]interface{}{})); err != nil {
		t.Fatal(err)
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].Name != "tool.write" || spans[0].Status.Code == codes.Error {
		t.Errorf("write span = %s status %+v", spans[0].Name, spans[0].Status)
	}
	// A tool-level failure is a successful MCP response but an errored span.
	if spans[1].Name != "tool.read" || spans[1].Status.Code != codes.Error {
		t.Errorf("read span = %s status %+v", spans[1].Name, spans[1].Status)
	}
}

func TestUpdateRateLimit(t *testing.T) {
	s := newTestServer(t, testConfig())
	h := s.Handler()

	status := func() int {
		req := httptest.NewRequest("POST", "/reflect", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// No limiter configured: requests pass freely.
	for i := 0; i < 5; i++ {
		if got := status(); got != http.StatusOK {
			t.Fatalf("unlimited request %d = %d", i, got)
		}
	}

	s.UpdateRateLimit(2)
	if got := status(); got != http.StatusOK {
		t.Fatalf("first limited = %d", got)
	}
	if got := status(); got != http.StatusOK {
		t.Fatalf("second limited = %d", got)
	}
	if got := status(); got != http.StatusTooManyRequests {
		t.Fatalf("third limited = %d", got)
	}

	// Dropping back to zero removes the limiter again.
	s.UpdateRateLimit(0)
	if got := status(); got != http.StatusOK {
		t.Fatalf("after disable = %d", got)
	}
}
