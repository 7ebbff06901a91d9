// Package evmagent is a small HTTP client for the EVM DeFi agent API.
package evmagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Agent turns may chain several tool calls, so it is longer than a plain REST
// timeout.
const DefaultHTTPTimeout = 3 * time.Minute

// SessionHeader carries the conversation identifier when the body omits it.
const SessionHeader = "X-Session-ID"

// Client wraps the HTTP interactions with the agent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// FunctionCall is a tool call issued by the agent during a turn.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// QueryResponse is the answer to one conversational turn.
type QueryResponse struct {
	Response       string         `json:"response"`
	ToolCalls      []FunctionCall `json:"tool_calls,omitempty"`
	ProcessingTime string         `json:"processing_time,omitempty"`
}

// Status reports whether the tool provider is connected.
type Status struct {
	Status                 string `json:"status"`
	MCPClientInitialized   bool   `json:"mcp_client_initialized"`
	ToolsCount             int    `json:"tools_count"`
	InitializationComplete bool   `json:"initialization_complete"`
	Server                 *struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server,omitempty"`
}

// Turn is one message of a stored conversation.
type Turn struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	ToolCalls  []struct {
		ID       string       `json:"id"`
		Function FunctionCall `json:"function"`
	} `json:"tool_calls,omitempty"`
}

// Tool describes one tool exposed by the provider.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCallResult is the outcome of a direct tool invocation.
type ToolCallResult struct {
	Tool     string          `json:"tool"`
	Result   json.RawMessage `json:"result,omitempty"`
	IsError  bool            `json:"is_error"`
	Attempts int             `json:"attempts"`
}

// TaskSubmission is the payload required to queue an asynchronous query.
type TaskSubmission struct {
	ID        string         `json:"id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Query     string         `json:"query"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Task is the server-side view of a queued query.
type Task struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Query      string         `json:"query"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *QueryResponse `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// TaskStats aggregates task counts per status.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// TaskList is a page of tasks plus statistics for the same filter.
type TaskList struct {
	Tasks []Task    `json:"tasks"`
	Stats TaskStats `json:"stats"`
}

// ListTasksOptions filters ListTasks. Zero values are omitted.
type ListTasksOptions struct {
	Status []string
	Limit  int
	Offset int
	Query  string
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Kind != "" {
		return fmt.Sprintf("evmagent api error (%d): %s - %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("evmagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the agent API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Query sends one instruction to the agent within the given session.
func (c *Client) Query(ctx context.Context, sessionID, query string) (QueryResponse, error) {
	var resp QueryResponse
	body := map[string]string{"query": query, "session_id": sessionID}
	if err := c.post(ctx, "/api/query", body, &resp); err != nil {
		return QueryResponse{}, err
	}
	return resp, nil
}

// Status returns the tool provider connection state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	if err := c.get(ctx, "/api/status", nil, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Reset clears the conversation history of a session.
func (c *Client) Reset(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/api/reset", map[string]string{"session_id": sessionID}, nil)
}

// History returns the stored conversation of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]Turn, error) {
	var query url.Values
	if sessionID != "" {
		query = url.Values{"session_id": {sessionID}}
	}
	var out struct {
		History []Turn `json:"history"`
	}
	if err := c.get(ctx, "/api/v1/history", query, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Tools lists the tools currently exposed by the provider.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var resp struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.get(ctx, "/api/v1/tools", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tools, nil
}

// CallTool invokes a tool directly, bypassing the language model. Provider
// failures are returned as *APIError with Kind set.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (ToolCallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var result ToolCallResult
	if err := c.post(ctx, "/api/v1/tools/"+url.PathEscape(name), args, &result); err != nil {
		return ToolCallResult{}, err
	}
	return result, nil
}

// SubmitTask queues a query for asynchronous execution.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var detail Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &detail); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// ListTasks returns tasks matching opts together with their statistics.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) (TaskList, error) {
	query := url.Values{}
	if len(opts.Status) > 0 {
		query.Set("status", strings.Join(opts.Status, ","))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Query != "" {
		query.Set("q", opts.Query)
	}
	var list TaskList
	if err := c.get(ctx, "/api/v1/tasks", query, &list); err != nil {
		return TaskList{}, err
	}
	return list, nil
}

// WaitForTask polls until the task reaches a terminal status or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
