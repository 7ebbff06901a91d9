package llm

import (
	"context"
	"encoding/json"
	"time"

	"evm-defi-agent/internal/conversation"
)

// ToolChoiceAuto 让模型自行决定是否调用工具。
const ToolChoiceAuto = "auto"

// ToolSpec 是提供给模型的函数定义，Parameters 原样透传。
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest 描述一次对话补全请求。
type ChatRequest struct {
	Messages   []conversation.Turn
	Tools      []ToolSpec
	ToolChoice string
	MaxTokens  int
}

// ChatResponse 是模型返回的文本或工具调用请求。
type ChatResponse struct {
	Content      string
	ToolCalls    []conversation.ToolCall
	FinishReason string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ClientFunc 允许用普通函数实现 Client。
type ClientFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

// Complete 实现 Client。
func (f ClientFunc) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}

// Probe 发送一条极短的请求以检查模型服务是否可用。
func Probe(ctx context.Context, client Client, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	_, err := client.Complete(ctx, ChatRequest{
		Messages:  []conversation.Turn{conversation.User("Hello")},
		MaxTokens: 5,
	})
	return err
}
