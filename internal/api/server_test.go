package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"evm-defi-agent/internal/auth"
	"evm-defi-agent/internal/chat"
	"evm-defi-agent/internal/conversation"
	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/mcp"
	"evm-defi-agent/internal/task"
	"evm-defi-agent/pkg/logger"
)

type stubChat struct {
	mu       sync.Mutex
	sessions []string
	queries  []string
	resets   []string
	result   *chat.QueryResult
	err      error
	tools    []*mcp.Descriptor
	toolArgs map[string]any
	history  map[string]conversation.Conversation
}

func (s *stubChat) Query(_ context.Context, sessionID, text string) (*chat.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sessionID)
	s.queries = append(s.queries, text)
	return s.result, s.err
}

func (s *stubChat) Status() chat.Status {
	return chat.Status{Status: "running", MCPClientInitialized: len(s.tools) > 0, ToolsCount: len(s.tools), InitializationComplete: true}
}

func (s *stubChat) Reset(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, sessionID)
	return nil
}

func (s *stubChat) History(_ context.Context, sessionID string) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sessionID)
	return s.history[sessionID], nil
}

func (s *stubChat) Tools() []*mcp.Descriptor { return s.tools }

func (s *stubChat) CallTool(ctx context.Context, name string, args map[string]any) (mcp.Result, error) {
	registry := mcp.NewRegistry(s.tools...)
	d, err := registry.Lookup(name)
	if err != nil {
		return mcp.Result{}, xerrors.Wrap(xerrors.CodeToolNotFound, err, "Tool "+name+" not found")
	}
	s.toolArgs = args
	return d.Invoke(ctx, args, time.Second), nil
}

func balanceTool() *mcp.Descriptor {
	return mcp.NewDescriptor("check-balance", "Check balance", nil,
		func(_ context.Context, _ string, _ map[string]any, _ time.Duration) mcp.Result {
			return mcp.NewSuccess(`{"balance":"1.5"}`, false, 1)
		})
}

func timeoutTool() *mcp.Descriptor {
	return mcp.NewDescriptor("slow-tool", "", nil,
		func(_ context.Context, _ string, _ map[string]any, _ time.Duration) mcp.Result {
			return mcp.NewFailure(mcp.FailureTimeout, "Operation timed out after 3 attempts", 3)
		})
}

func newTestServer(stub *stubChat, opts ...Option) *Server {
	return NewServer(":0", stub, append([]Option{WithLogger(logger.Discard())}, opts...)...)
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestQueryEndpoint(t *testing.T) {
	stub := &stubChat{result: &chat.QueryResult{
		Response:       "You have 1.5 MON.",
		ToolCalls:      []conversation.FunctionCall{{Name: "check-balance", Arguments: "{}"}},
		ProcessingTime: "0.42",
	}}
	h := newTestServer(stub).Handler()

	rec := do(t, h, http.MethodPost, "/api/query", `{"query":"balance?"}`, SessionHeader, "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["response"] != "You have 1.5 MON." || body["processing_time"] != "0.42" {
		t.Fatalf("unexpected body: %v", body)
	}
	calls, ok := body["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("unexpected tool_calls: %v", body["tool_calls"])
	}
	if stub.sessions[0] != "alice" {
		t.Fatalf("expected header session, got %q", stub.sessions[0])
	}

	do(t, h, http.MethodPost, "/api/query", `{"query":"again","session_id":"bob"}`, SessionHeader, "alice")
	do(t, h, http.MethodPost, "/api/query", `{"query":"again"}`)
	if stub.sessions[1] != "bob" || stub.sessions[2] != "default" {
		t.Fatalf("unexpected session resolution: %v", stub.sessions)
	}
}

func TestQueryEndpointErrors(t *testing.T) {
	stub := &stubChat{}
	h := newTestServer(stub).Handler()

	rec := do(t, h, http.MethodPost, "/api/query", `{}`)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "No query provided" {
		t.Fatalf("expected 400 for empty query, got %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, h, http.MethodGet, "/api/query", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	stub.err = errors.New("session store down")
	rec = do(t, h, http.MethodPost, "/api/query", `{"query":"hi"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg, _ := decode(t, rec)["error"].(string); !strings.HasPrefix(msg, "Error processing query: ") {
		t.Fatalf("unexpected error message %q", msg)
	}

	stub.result = &chat.QueryResult{Response: "I encountered an error while processing your request. Please try again or rephrase your question."}
	rec = do(t, h, http.MethodPost, "/api/query", `{"query":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("apology replies should be delivered with 200, got %d", rec.Code)
	}
}

func TestHistoryReturnsSessionSnapshot(t *testing.T) {
	stub := &stubChat{history: map[string]conversation.Conversation{
		"alice": {conversation.System("prompt"), conversation.User("hi"), conversation.Assistant("hello")},
	}}
	h := newTestServer(stub).Handler()

	body := decode(t, do(t, h, http.MethodGet, "/api/v1/history?session_id=alice", ""))
	turns, ok := body["history"].([]any)
	if !ok || len(turns) != 3 || body["turns"] != float64(3) || body["session_id"] != "alice" {
		t.Fatalf("unexpected history body: %v", body)
	}
	if first := turns[0].(map[string]any); first["role"] != "system" || first["content"] != "prompt" {
		t.Fatalf("unexpected first turn: %v", first)
	}

	body = decode(t, do(t, h, http.MethodGet, "/api/v1/history", "", SessionHeader, "bob"))
	if turns, _ := body["history"].([]any); turns == nil || len(turns) != 0 || body["session_id"] != "bob" {
		t.Fatalf("unknown session should return an empty list: %v", body)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/history", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStatusAndReset(t *testing.T) {
	stub := &stubChat{tools: []*mcp.Descriptor{balanceTool()}}
	h := newTestServer(stub).Handler()

	body := decode(t, do(t, h, http.MethodGet, "/api/status", ""))
	if body["status"] != "running" || body["tools_count"] != float64(1) || body["mcp_client_initialized"] != true || body["initialization_complete"] != true {
		t.Fatalf("unexpected status body: %v", body)
	}

	rec := do(t, h, http.MethodPost, "/api/reset", `{"session_id":"alice"}`)
	body = decode(t, rec)
	if rec.Code != http.StatusOK || body["status"] != "success" || body["message"] != "Conversation reset successfully" {
		t.Fatalf("unexpected reset response: %d %v", rec.Code, body)
	}
	do(t, h, http.MethodPost, "/api/reset", "")
	if len(stub.resets) != 2 || stub.resets[0] != "alice" || stub.resets[1] != "default" {
		t.Fatalf("unexpected resets: %v", stub.resets)
	}

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
}

func TestToolEndpoints(t *testing.T) {
	stub := &stubChat{tools: []*mcp.Descriptor{balanceTool(), timeoutTool()}}
	h := newTestServer(stub).Handler()

	body := decode(t, do(t, h, http.MethodGet, "/api/v1/tools", ""))
	if body["count"] != float64(2) {
		t.Fatalf("unexpected tools listing: %v", body)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/tools/check-balance", `{"address":"0xabc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	body = decode(t, rec)
	result, ok := body["result"].(map[string]any)
	if !ok || result["balance"] != "1.5" {
		t.Fatalf("expected JSON payload to be embedded, got %v", body)
	}
	if stub.toolArgs["address"] != "0xabc" {
		t.Fatalf("arguments not forwarded: %v", stub.toolArgs)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/tools/slow-tool", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for failed call, got %d", rec.Code)
	}
	if body = decode(t, rec); body["kind"] != "timeout" || body["attempts"] != float64(3) {
		t.Fatalf("unexpected failure body: %v", body)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/tools/missing", `{}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/tools/check-balance", `[1,2]`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-object args, got %d", rec.Code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(8)
	tasks := task.NewService(store, queue, 3)
	h := newTestServer(&stubChat{}, WithTaskService(tasks)).Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", `{"query":"balance?"}`, SessionHeader, "alice")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.SessionID != "alice" || created.Status != task.StatusPending {
		t.Fatalf("unexpected task: %+v", created)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/tasks", `{"query":" "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d", rec.Code)
	}

	if err := store.MarkSucceeded(context.Background(), created.ID, task.ExecutionResult{Response: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/tasks/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Result == nil || got.Result.Response != "ok" {
		t.Fatalf("unexpected task result: %+v", got.Result)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks?status=succeeded&limit=5", "")
	body := decode(t, rec)
	list, _ := body["tasks"].([]any)
	if rec.Code != http.StatusOK || len(list) != 1 {
		t.Fatalf("unexpected list response: %d %v", rec.Code, body)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/tasks?session_id=nobody", "")
	body = decode(t, rec)
	if list, _ := body["tasks"].([]any); rec.Code != http.StatusOK || len(list) != 0 {
		t.Fatalf("expected empty list for unknown session: %d %v", rec.Code, body)
	}

	for _, query := range []string{"status=bogus", "order=sideways", "limit=ten", "since=yesterday"} {
		if rec := do(t, h, http.MethodGet, "/api/v1/tasks?"+query, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", query, rec.Code)
		}
	}
}

func TestTaskDetailErrors(t *testing.T) {
	server := newTestServer(&stubChat{}, WithTaskService(task.NewService(task.NewMemoryStore(), nil, 3)))

	t.Run("invalid method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.handleTaskDetail(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks/task-1", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.handleTaskDetail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/", nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		server.handleTaskDetail(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("tasks disabled", func(t *testing.T) {
		rec := do(t, newTestServer(&stubChat{}).Handler(), http.MethodGet, "/api/v1/tasks", "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
		}
	})
}

func TestCORS(t *testing.T) {
	h := newTestServer(&stubChat{}, WithAllowedOrigins("http://localhost:3000")).Handler()

	rec := do(t, h, http.MethodOptions, "/api/query", "", "Origin", "http://localhost:3000")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("unexpected preflight: %d %v", rec.Code, rec.Header())
	}
	rec = do(t, h, http.MethodGet, "/api/status", "", "Origin", "http://evil.example")
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected CORS header for disallowed origin")
	}
}

func TestWebSocketChat(t *testing.T) {
	stub := &stubChat{result: &chat.QueryResult{Response: "hello there", ProcessingTime: "0.01"}}
	srv := httptest.NewServer(newTestServer(stub).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?session_id=ws-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"query": "hi"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply map[string]any
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	result, _ := reply["result"].(map[string]any)
	if reply["type"] != "response" || reply["session_id"] != "ws-1" || result["response"] != "hello there" {
		t.Fatalf("unexpected reply: %v", reply)
	}

	if err := conn.WriteJSON(map[string]string{"type": "reset", "session_id": "other"}); err != nil {
		t.Fatalf("write reset: %v", err)
	}
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reset: %v", err)
	}
	if reply["type"] != "reset" || reply["session_id"] != "other" {
		t.Fatalf("unexpected reset reply: %v", reply)
	}

	if err := conn.WriteJSON(map[string]string{"type": "query"}); err != nil {
		t.Fatalf("write empty: %v", err)
	}
	reply = nil
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read empty: %v", err)
	}
	if reply["type"] != "error" || reply["error"] != "No query provided" {
		t.Fatalf("unexpected error reply: %v", reply)
	}
}

func TestAuthGuard(t *testing.T) {
	guard, err := auth.NewGuard([]auth.Key{{Name: "viewer", Token: "view", Permissions: []string{auth.PermissionChat}}})
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	stub := &stubChat{tools: []*mcp.Descriptor{balanceTool()}}
	server := newTestServer(stub, WithAuth(guard))
	h := server.Handler()

	if rec := do(t, h, http.MethodGet, "/api/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/status", "", "Authorization", "Bearer view"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/tools/check-balance", "{}", "Authorization", "Bearer view"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for tool call, got %d", rec.Code)
	}
	if stub.toolArgs != nil {
		t.Fatalf("tool must not run when access is denied")
	}
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health check should stay public, got %d", rec.Code)
	}

	srv := httptest.NewServer(h)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	if _, _, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Fatalf("expected websocket handshake to fail without token")
	}
	conn, _, err := websocket.DefaultDialer.Dial(base+"?access_token=view", nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()
}
