package mcp

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	xerrors "evm-defi-agent/internal/errors"
)

type fakeCall struct {
	method string
	params any
}

type fakeTransport struct {
	mu            sync.Mutex
	calls         []fakeCall
	notifications []string
	closed        bool
	closeErr      error
	handle        func(ctx context.Context, method string, params any, n int) (json.RawMessage, error)
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{method: method, params: params})
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	f.mu.Unlock()
	return f.handle(ctx, method, params, n)
}

func (f *fakeTransport) Notify(_ context.Context, method string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, method)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeTransport) callsTo(method string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveToolCall(tool, outcome string, attempts int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, tool+":"+outcome)
}

func blockUntilDone(ctx context.Context, method string) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, contextError(ctx, method)
}

func newTestClient(f *fakeTransport, opts ...Option) *Client {
	base := []Option{WithRetryDelay(0), WithCallTimeout(20 * time.Millisecond), WithInitTimeout(20 * time.Millisecond)}
	return NewClient(f, append(base, opts...)...)
}

func TestInvokeRetriesTimeoutsAndReportsExhaustion(t *testing.T) {
	f := &fakeTransport{handle: func(ctx context.Context, method string, _ any, _ int) (json.RawMessage, error) {
		return blockUntilDone(ctx, method)
	}}
	observer := &recordingObserver{}
	client := newTestClient(f, WithObserver(observer))

	res := client.Invoke(context.Background(), "get-user-position", map[string]any{"network": "monad-testnet"}, 0)
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if res.Failure.Kind != FailureTimeout {
		t.Fatalf("unexpected kind: %s", res.Failure.Kind)
	}
	if res.Failure.Reason != "Operation timed out after 3 attempts" {
		t.Fatalf("unexpected reason: %q", res.Failure.Reason)
	}
	if res.Attempts != 3 || len(f.callsTo("tools/call")) != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
	if res.ErrorJSON() != `{"error":"Operation timed out after 3 attempts"}` {
		t.Fatalf("unexpected error payload: %s", res.ErrorJSON())
	}
	if len(observer.outcomes) != 1 || observer.outcomes[0] != "get-user-position:timeout" {
		t.Fatalf("unexpected observations: %v", observer.outcomes)
	}
}

func TestInvokeDoesNotRetryApplicationErrors(t *testing.T) {
	f := &fakeTransport{handle: func(context.Context, string, any, int) (json.RawMessage, error) {
		return json.RawMessage(`{"content":[{"type":"text","text":"{\"error\": \"insufficient balance\"}"}],"isError":true}`), nil
	}}
	client := newTestClient(f)

	res := client.Invoke(context.Background(), "transfer", map[string]any{}, 0)
	if !res.OK() {
		t.Fatalf("application errors are successful responses, got %+v", res.Failure)
	}
	if !res.IsError || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Payload != `{"error":"insufficient balance"}` {
		t.Fatalf("unexpected payload: %s", res.Payload)
	}
	if n := len(f.callsTo("tools/call")); n != 1 {
		t.Fatalf("expected a single call, got %d", n)
	}
}

func TestInvokeRecoversAfterTransportError(t *testing.T) {
	f := &fakeTransport{handle: func(_ context.Context, _ string, _ any, n int) (json.RawMessage, error) {
		if n == 1 {
			return nil, xerrors.New(xerrors.CodeToolTransport, "broken pipe")
		}
		return json.RawMessage(`{"content":[{"type":"text","text":"{\"balance\":\"10\"}"}]}`), nil
	}}
	client := newTestClient(f)

	res := client.Invoke(context.Background(), "check-balance", nil, 0)
	if !res.OK() || res.Payload != `{"balance":"10"}` || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	calls := f.callsTo("tools/call")
	params, ok := calls[0].params.(mcp.CallToolParams)
	if !ok {
		t.Fatalf("unexpected params type %T", calls[0].params)
	}
	if params.Name != "check-balance" {
		t.Fatalf("unexpected tool name %q", params.Name)
	}
	if args, ok := params.Arguments.(map[string]any); !ok || len(args) != 0 {
		t.Fatalf("nil arguments should be sent as an empty object, got %#v", params.Arguments)
	}
}

func TestInvokeTransportExhaustionKeepsLastError(t *testing.T) {
	f := &fakeTransport{handle: func(context.Context, string, any, int) (json.RawMessage, error) {
		return nil, xerrors.New(xerrors.CodeToolTransport, "connection refused")
	}}
	client := newTestClient(f, WithMaxAttempts(2))

	res := client.Invoke(context.Background(), "check-balance", nil, 0)
	if res.OK() || res.Failure.Kind != FailureTransport {
		t.Fatalf("expected transport failure, got %+v", res)
	}
	if !strings.Contains(res.Failure.Reason, "connection refused") || res.Attempts != 2 {
		t.Fatalf("unexpected failure: %+v attempts=%d", res.Failure, res.Attempts)
	}
}

func TestInvokeDoesNotRetryProtocolErrors(t *testing.T) {
	f := &fakeTransport{handle: func(context.Context, string, any, int) (json.RawMessage, error) {
		return nil, xerrors.Wrap(xerrors.CodeToolProtocol, &RPCError{Code: -32602, Message: "unknown tool"}, "rejected")
	}}
	client := newTestClient(f)

	res := client.Invoke(context.Background(), "nope", nil, 0)
	if res.OK() || res.Failure.Kind != FailureProtocolParse || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvokeHonoursPerCallTimeout(t *testing.T) {
	f := &fakeTransport{handle: func(ctx context.Context, method string, _ any, _ int) (json.RawMessage, error) {
		select {
		case <-time.After(40 * time.Millisecond):
			return json.RawMessage(`{"content":[{"type":"text","text":"slow but fine"}]}`), nil
		case <-ctx.Done():
			return nil, contextError(ctx, method)
		}
	}}
	client := newTestClient(f, WithMaxAttempts(1))

	if res := client.Invoke(context.Background(), "get-user-position", nil, 0); res.OK() {
		t.Fatalf("default timeout should expire")
	}
	res := client.Invoke(context.Background(), "get-user-position", nil, time.Second)
	if !res.OK() || res.Payload != "slow but fine" {
		t.Fatalf("long-running timeout should succeed, got %+v", res)
	}
}

func TestInvokeStopsWhenCallerCancels(t *testing.T) {
	f := &fakeTransport{handle: func(ctx context.Context, method string, _ any, _ int) (json.RawMessage, error) {
		return blockUntilDone(ctx, method)
	}}
	client := newTestClient(f, WithCallTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := client.Invoke(ctx, "check-balance", nil, 0)
	if res.OK() || res.Attempts != 1 {
		t.Fatalf("expected a single cancelled attempt, got %+v", res)
	}
}

func TestConnectAndListTools(t *testing.T) {
	f := &fakeTransport{handle: func(_ context.Context, method string, params any, _ int) (json.RawMessage, error) {
		switch method {
		case "initialize":
			initParams, ok := params.(mcp.InitializeParams)
			if !ok || initParams.ClientInfo.Name != "evm-defi-agent" {
				t.Errorf("unexpected initialize params: %#v", params)
			}
			return json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"evm-signer","version":"1.2.0"}}`), nil
		case "tools/list":
			return json.RawMessage(`{"tools":[
				{"name":"check-balance","description":"Check native balance","inputSchema":{"type":"object","properties":{"address":{"type":"string"}}}},
				{"name":"list-wallets","description":"List wallets"}
			]}`), nil
		}
		return nil, xerrors.New(xerrors.CodeToolProtocol, "unexpected method "+method)
	}}
	client := newTestClient(f)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !client.Initialized() || client.ServerInfo().Name != "evm-signer" {
		t.Fatalf("handshake state not recorded: %+v", client.ServerInfo())
	}
	if len(f.notifications) != 1 || f.notifications[0] != "notifications/initialized" {
		t.Fatalf("expected initialized notification, got %v", f.notifications)
	}

	registry := client.ListTools(context.Background())
	if registry.Len() != 2 || client.Registry().Len() != 2 {
		t.Fatalf("expected 2 tools, got %d", registry.Len())
	}
	d, err := registry.Lookup("check_balance")
	if err != nil {
		t.Fatalf("alias lookup: %v", err)
	}
	if string(d.Parameters) != `{"type":"object","properties":{"address":{"type":"string"}}}` {
		t.Fatalf("schema not passed through: %s", d.Parameters)
	}
	wallets, _ := registry.Lookup("list-wallets")
	if string(wallets.Parameters) != string(emptyObjectSchema) {
		t.Fatalf("missing schema should default, got %s", wallets.Parameters)
	}
}

func TestConnectTimeoutLeavesClientUsableWithNoTools(t *testing.T) {
	f := &fakeTransport{handle: func(ctx context.Context, method string, _ any, _ int) (json.RawMessage, error) {
		return blockUntilDone(ctx, method)
	}}
	client := newTestClient(f)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("handshake timeout must not fail: %v", err)
	}
	if client.Initialized() {
		t.Fatalf("client should not report initialized")
	}
	if registry := client.ListTools(context.Background()); registry.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestConnectTransportFailureIsReturned(t *testing.T) {
	f := &fakeTransport{handle: func(context.Context, string, any, int) (json.RawMessage, error) {
		return nil, xerrors.New(xerrors.CodeToolTransport, "exec: not found")
	}}
	client := newTestClient(f)

	err := client.Connect(context.Background())
	if !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestCloseLogsTransportFailure(t *testing.T) {
	f := &fakeTransport{closeErr: stdErrors.New("wait: signal: killed")}
	client := newTestClient(f)

	if err := client.Close(); err != nil {
		t.Fatalf("close failures should not propagate, got %v", err)
	}
	if !f.closed {
		t.Fatalf("transport not closed")
	}
	if client.Registry().Len() != 0 {
		t.Fatalf("catalog should be dropped on close")
	}
}

func TestCloseIsIdempotentAndBlocksFurtherCalls(t *testing.T) {
	f := &fakeTransport{handle: func(context.Context, string, any, int) (json.RawMessage, error) {
		return json.RawMessage(`{"content":[]}`), nil
	}}
	client := newTestClient(f)

	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !f.closed {
		t.Fatalf("transport not closed")
	}
	res := client.Invoke(context.Background(), "check-balance", nil, 0)
	if res.OK() || res.Failure.Kind != FailureTransport {
		t.Fatalf("expected transport failure after close, got %+v", res)
	}
	if len(f.callsTo("tools/call")) != 0 {
		t.Fatalf("no call should reach a closed transport")
	}
}
