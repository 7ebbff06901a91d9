package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const jsonRPCVersion = "2.0"

// Transport 抽象了与工具提供方之间的请求/响应通道。
type Transport interface {
	// Call 发送一次请求并等待对应编号的响应结果。
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify 发送不需要响应的通知。
	Notify(ctx context.Context, method string, params any) error
	Close() error
}

// RPCError 是对端返回的 JSON-RPC 错误对象。
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// isResponse reports whether the message answers a request rather than being
// a notification or a server-initiated request.
func (m rpcMessage) isResponse() bool {
	return m.Method == "" && len(m.ID) > 0 && string(m.ID) != "null"
}

// matches compares the response id with the numeric id we sent. Some servers
// echo ids back as strings.
func (m rpcMessage) matches(id int64) bool {
	raw := strings.Trim(strings.TrimSpace(string(m.ID)), `"`)
	parsed, err := strconv.ParseInt(raw, 10, 64)
	return err == nil && parsed == id
}
