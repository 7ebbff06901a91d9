package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/pkg/logger"
)

const (
	DefaultInitTimeout = 30 * time.Second
	DefaultCallTimeout = 15 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second

	protocolVersion        = "2024-11-05"
	methodInitialized      = "notifications/initialized"
	defaultClientName      = "evm-defi-agent"
	defaultClientVersion   = "0.1.0"
	outcomeSuccess         = "success"
	outcomeToolError       = "tool_error"
	timedOutReasonTemplate = "Operation timed out after %d attempts"
)

// Observer 接收每次工具调用的统计信息。
type Observer interface {
	ObserveToolCall(tool, outcome string, attempts int, elapsed time.Duration)
}

// Client 管理到工具提供方的单一连接。
type Client struct {
	transport   Transport
	logger      *slog.Logger
	observer    Observer
	clientInfo  mcp.Implementation
	initTimeout time.Duration
	callTimeout time.Duration
	maxAttempts int
	retryDelay  time.Duration

	mu          sync.RWMutex
	initialized bool
	server      mcp.InitializeResult
	registry    *Registry
	closed      bool
}

// Option 定义可选的 Client 配置。
type Option func(*Client)

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver 设置调用指标的接收方。
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithClientInfo 设置握手时上报的客户端信息。
func WithClientInfo(name, version string) Option {
	return func(c *Client) {
		if name != "" {
			c.clientInfo.Name = name
		}
		if version != "" {
			c.clientInfo.Version = version
		}
	}
}

// WithInitTimeout 设置握手与获取工具列表的超时。
func WithInitTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.initTimeout = d
		}
	}
}

// WithCallTimeout 设置单次工具调用尝试的默认超时。
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithMaxAttempts 设置最大尝试次数。
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRetryDelay 设置两次尝试之间的固定间隔，允许为 0。
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// NewClient 基于已建立的传输通道创建客户端。
func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		transport:   t,
		logger:      logger.Named("mcp"),
		clientInfo:  mcp.Implementation{Name: defaultClientName, Version: defaultClientVersion},
		initTimeout: DefaultInitTimeout,
		callTimeout: DefaultCallTimeout,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Dial 启动子进程、完成握手并加载工具列表。握手超时不会返回错误，
// 此时客户端可用但工具列表为空。
func Dial(ctx context.Context, cfg ServerConfig, opts ...Option) (*Client, error) {
	c := NewClient(nil, opts...)
	transport, err := StartStdio(cfg, c.logger.With("transport", "stdio"))
	if err != nil {
		return nil, err
	}
	c.transport = transport
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.ListTools(ctx)
	return c, nil
}

// Connect 执行 initialize 握手并发送 initialized 通知。
func (c *Client) Connect(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	params := mcp.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      c.clientInfo,
	}
	raw, err := c.transport.Call(initCtx, string(mcp.MethodInitialize), params)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeToolTimeout {
			// 握手超时时继续运行，只是没有可用工具。
			c.logger.Error("工具提供方初始化超时", "timeout", c.initTimeout, "error", err)
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "工具提供方初始化失败")
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.logger.Warn("无法解析初始化响应", "error", err)
	}

	if err := c.transport.Notify(initCtx, methodInitialized, nil); err != nil {
		c.logger.Warn("发送 initialized 通知失败", "error", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.server = result
	c.mu.Unlock()

	c.logger.Info("工具提供方握手完成",
		"server", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion,
	)
	return nil
}

type listToolsResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

// ListTools 获取工具目录。超时或传输错误时返回空注册表，不返回错误。
func (c *Client) ListTools(ctx context.Context) *Registry {
	listCtx, cancel := context.WithTimeout(ctx, c.initTimeout)
	defer cancel()

	registry := NewRegistry()
	raw, err := c.transport.Call(listCtx, string(mcp.MethodToolsList), map[string]any{})
	if err != nil {
		c.logger.Error("获取工具列表失败", "error", err)
	} else {
		var list listToolsResult
		if err := json.Unmarshal(raw, &list); err != nil {
			c.logger.Error("解析工具列表失败", "error", err)
		} else {
			descriptors := make([]*Descriptor, 0, len(list.Tools))
			for _, tool := range list.Tools {
				descriptors = append(descriptors, NewDescriptor(tool.Name, tool.Description, tool.InputSchema, c.Invoke))
			}
			registry = NewRegistry(descriptors...)
		}
	}

	c.mu.Lock()
	c.registry = registry
	c.mu.Unlock()

	c.logger.Info("已加载工具", "count", registry.Len())
	return registry
}

// Registry 返回最近一次加载的工具注册表。
func (c *Client) Registry() *Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.registry == nil {
		return NewRegistry()
	}
	return c.registry
}

// Initialized 表示握手是否成功完成。
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ServerInfo 返回提供方在握手时上报的信息。
func (c *Client) ServerInfo() mcp.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server.ServerInfo
}

// Invoke 调用工具。仅对超时与传输错误重试；提供方正常返回的业务错误
// （isError 为 true）按成功响应原样返回。
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any, attemptTimeout time.Duration) Result {
	start := time.Now()
	if attemptTimeout <= 0 {
		attemptTimeout = c.callTimeout
	}
	if args == nil {
		args = map[string]any{}
	}

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return c.finish(name, failure(FailureTransport, "tool provider connection is closed", 0), start)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var (
		lastErr  error
		lastKind FailureKind
		attempts int
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		raw, err := c.transport.Call(attemptCtx, string(mcp.MethodToolsCall), req.Params)
		cancel()

		if err == nil {
			isError := false
			if parsed, perr := mcp.ParseCallToolResult(&raw); perr == nil {
				isError = parsed.IsError
			}
			return c.finish(name, success(Normalize(raw), isError, attempt), start)
		}

		kind := kindOf(err)
		if ctx.Err() != nil {
			// 调用方已取消，不再重试。
			return c.finish(name, failure(kind, err.Error(), attempt), start)
		}
		if !kind.retryable() {
			return c.finish(name, failure(kind, err.Error(), attempt), start)
		}

		lastErr, lastKind = err, kind
		c.logger.Warn("工具调用失败",
			"tool", name,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"error", err,
		)
		if attempt < c.maxAttempts && !c.sleep(ctx) {
			break
		}
	}

	reason := "tool call failed"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	if lastKind == FailureTimeout {
		reason = fmt.Sprintf(timedOutReasonTemplate, attempts)
	}
	return c.finish(name, failure(lastKind, reason, attempts), start)
}

// Close 释放连接。关闭失败只记录日志，始终返回 nil。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.registry = NewRegistry()
	c.mu.Unlock()

	if c.transport == nil {
		return nil
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("关闭工具提供方连接失败", "error", err)
	}
	return nil
}

func (c *Client) sleep(ctx context.Context) bool {
	if c.retryDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) finish(name string, res Result, start time.Time) Result {
	elapsed := time.Since(start)
	outcome := outcomeSuccess
	switch {
	case res.Failure != nil:
		outcome = string(res.Failure.Kind)
	case res.IsError:
		outcome = outcomeToolError
	}
	logger.ToolCall(name, res.Attempts, elapsed, outcome)
	if c.observer != nil {
		c.observer.ObserveToolCall(name, outcome, res.Attempts, elapsed)
	}
	return res
}
