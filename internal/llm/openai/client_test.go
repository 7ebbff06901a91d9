package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"evm-defi-agent/internal/conversation"
	"evm-defi-agent/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	client, err := NewClient(Config{APIKey: "k", BaseURL: "http://example.com/v1/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.baseURL != "http://example.com/v1" || client.Model() != "gpt-4" {
		t.Fatalf("defaults not applied: %+v", client)
	}
}

func TestCompleteSendsToolsAndParsesToolCalls(t *testing.T) {
	var captured struct {
		Authorization string
		Path          string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		captured.Path = r.URL.Path
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"tool_calls","message":{"content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"check-balance","arguments":"{}"}}
		]}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Complete(context.Background(), llm.ChatRequest{
		Messages: []conversation.Turn{
			conversation.System("sys"),
			conversation.User("What's my balance?"),
		},
		Tools: []llm.ToolSpec{{
			Name:        "check-balance",
			Description: "Check balance",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"address":{"type":"string"}}}`),
		}},
		ToolChoice: llm.ToolChoiceAuto,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_1" || resp.ToolCalls[0].Function.Name != "check-balance" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.Content != "" || resp.FinishReason != "tool_calls" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") || captured.Path != "/chat/completions" {
		t.Fatalf("unexpected request: auth=%q path=%q", captured.Authorization, captured.Path)
	}
	if captured.Body["tool_choice"] != "auto" || captured.Body["model"] != "gpt-4" {
		t.Fatalf("unexpected body: %+v", captured.Body)
	}
	tools := captured.Body["tools"].([]any)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	params := fn["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Fatalf("schema not passed through: %+v", fn)
	}
}

func TestCompleteOmitsToolsForSummaryCall(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"stop","message":{"content":"Your balance is 10."}}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	client.httpClient = srv.Client()

	history := []conversation.Turn{
		conversation.System("sys"),
		conversation.User("What's my balance?"),
		conversation.Assistant("", conversation.ToolCall{ID: "call_1", Type: "function", Function: conversation.FunctionCall{Name: "check-balance", Arguments: "{}"}}),
		conversation.ToolResult("call_1", "check-balance", `{"balance":"10"}`),
	}
	resp, err := client.Complete(context.Background(), llm.ChatRequest{Messages: history})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Your balance is 10." {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if _, ok := body["tools"]; ok {
		t.Fatalf("summary call must not carry tools")
	}
	if _, ok := body["tool_choice"]; ok {
		t.Fatalf("tool_choice must be omitted without tools")
	}

	messages := body["messages"].([]any)
	assistant := messages[2].(map[string]any)
	if assistant["content"] != nil {
		t.Fatalf("tool-call-only assistant turn should send null content, got %v", assistant["content"])
	}
	tool := messages[3].(map[string]any)
	if tool["tool_call_id"] != "call_1" || tool["name"] != "check-balance" {
		t.Fatalf("unexpected tool message: %+v", tool)
	}
}

func TestCompleteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Complete(context.Background(), llm.ChatRequest{Messages: []conversation.Turn{conversation.User("x")}})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected error carrying the status, got %v", err)
	}
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	client, _ := NewClient(Config{APIKey: "test"})
	if _, err := client.Complete(context.Background(), llm.ChatRequest{}); err == nil {
		t.Fatalf("expected error for empty conversation")
	}
}
