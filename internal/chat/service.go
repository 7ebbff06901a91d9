package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"evm-defi-agent/internal/agent"
	"evm-defi-agent/internal/conversation"
	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/mcp"
	"evm-defi-agent/internal/task"
	"evm-defi-agent/pkg/logger"
)

const (
	// DefaultSessionID 是调用方未指定会话时使用的标识。
	DefaultSessionID = "default"

	// InitializingMessage 在工具提供方仍在连接时返回。
	InitializingMessage = "The system is still initializing. Please try again in a moment."
	// LimitedMessage 在连接结束但没有任何可用工具时返回。
	LimitedMessage = "I'm having trouble connecting to the blockchain tools. You can still chat with me, but I won't be able to execute any blockchain operations."
)

// ToolProvider 是已连接的工具提供方，*mcp.Client 实现了该接口。
type ToolProvider interface {
	Registry() *mcp.Registry
	Close() error
}

// handshaker 由完成 MCP 握手的提供方实现。
type handshaker interface {
	Initialized() bool
	ServerInfo() mcpproto.Implementation
}

// Connector 建立到工具提供方的连接。
type Connector func(ctx context.Context) (ToolProvider, error)

// QueryResult 是一次查询返回给调用方的内容。
type QueryResult struct {
	Response       string
	ToolCalls      []conversation.FunctionCall
	ProcessingTime string
	State          agent.State
}

// MarshalJSON 仅在存在工具调用时输出 tool_calls；工具不可用时输出空列表。
func (r QueryResult) MarshalJSON() ([]byte, error) {
	out := map[string]any{"response": r.Response}
	if r.ToolCalls != nil {
		out["tool_calls"] = r.ToolCalls
	}
	if r.ProcessingTime != "" {
		out["processing_time"] = r.ProcessingTime
	}
	return json.Marshal(out)
}

// Status 描述服务与工具提供方的连接状态。
type Status struct {
	Status                 string `json:"status"`
	MCPClientInitialized   bool   `json:"mcp_client_initialized"`
	ToolsCount             int    `json:"tools_count"`
	InitializationComplete bool   `json:"initialization_complete"`

	Server *ServerInfo `json:"server,omitempty"`
}

// ServerInfo 是工具提供方握手时上报的名称与版本。
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Service 管理工具连接与会话历史，并把每轮输入交给编排器处理。
type Service struct {
	orchestrator *agent.Orchestrator
	sessions     SessionStore
	connect      Connector
	systemPrompt string
	wallet       WalletPrompter
	toolTimeout  time.Duration
	longTimeout  time.Duration
	logger       *slog.Logger
	locks        sessionLocks

	mu           sync.RWMutex
	provider     ToolProvider
	initComplete bool
	ready        chan struct{}
	startOnce    sync.Once
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

// WithSessionStore 设置会话存储，默认使用内存存储。
func WithSessionStore(store SessionStore) Option {
	return func(s *Service) {
		if store != nil {
			s.sessions = store
		}
	}
}

// WithConnector 设置工具提供方的连接方式。
func WithConnector(connect Connector) Option {
	return func(s *Service) { s.connect = connect }
}

// WithSystemPrompt 设置新会话的基础系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) {
		if strings.TrimSpace(prompt) != "" {
			s.systemPrompt = prompt
		}
	}
}

// WithWalletPrompt 为新会话追加钱包状态。
func WithWalletPrompt(prompter WalletPrompter) Option {
	return func(s *Service) { s.wallet = prompter }
}

// WithDirectCallTimeouts 设置直接调用工具时的单次尝试超时。
func WithDirectCallTimeouts(standard, long time.Duration) Option {
	return func(s *Service) {
		if standard > 0 {
			s.toolTimeout = standard
		}
		if long > 0 {
			s.longTimeout = long
		}
	}
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 创建会话服务，需调用 Start 才会连接工具提供方。
func NewService(orchestrator *agent.Orchestrator, opts ...Option) *Service {
	s := &Service{
		orchestrator: orchestrator,
		sessions:     NewMemorySessionStore(),
		systemPrompt: agent.DefaultSystemPrompt,
		toolTimeout:  agent.DefaultToolTimeout,
		longTimeout:  agent.DefaultLongToolTimeout,
		logger:       logger.Named("chat"),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 在后台连接工具提供方，重复调用无效。
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.initialize(ctx)
	})
}

// Ready 在初始化结束（无论成功与否）后关闭。
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) initialize(ctx context.Context) {
	defer close(s.ready)

	var provider ToolProvider
	if s.connect == nil {
		s.logger.Warn("未配置工具提供方，仅支持纯对话")
	} else {
		started := time.Now()
		p, err := s.connect(ctx)
		if err != nil {
			s.logger.Error("连接工具提供方失败", slog.Any("error", err))
		} else {
			provider = p
			s.logger.Info("工具提供方已连接",
				slog.Int("tools", p.Registry().Len()),
				slog.Duration("elapsed", time.Since(started)))
		}
	}

	s.mu.Lock()
	s.provider = provider
	s.initComplete = true
	s.mu.Unlock()
}

func (s *Service) catalog() (*mcp.Registry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.provider == nil {
		return nil, s.initComplete
	}
	return s.provider.Registry(), s.initComplete
}

// Tools 返回当前可用的工具描述。
func (s *Service) Tools() []*mcp.Descriptor {
	registry, _ := s.catalog()
	return registry.Descriptors()
}

// Status 返回服务状态。
func (s *Service) Status() Status {
	registry, complete := s.catalog()
	count := registry.Len()
	status := Status{
		Status:                 "running",
		MCPClientInitialized:   count > 0,
		ToolsCount:             count,
		InitializationComplete: complete,
	}

	s.mu.RLock()
	provider := s.provider
	s.mu.RUnlock()
	if h, ok := provider.(handshaker); ok && h.Initialized() {
		info := h.ServerInfo()
		status.Server = &ServerInfo{Name: info.Name, Version: info.Version}
	}
	return status
}

// Query 处理一条用户输入并保存更新后的会话。编排器报错时 result 仍携带
// 可展示的致歉文本，err 描述失败原因。
func (s *Service) Query(ctx context.Context, sessionID, text string) (*QueryResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "No query provided")
	}
	sessionID = normalizeSession(sessionID)

	registry, complete := s.catalog()
	if registry.Len() == 0 {
		message := InitializingMessage
		if complete {
			message = LimitedMessage
		}
		return &QueryResult{Response: message, ToolCalls: []conversation.FunctionCall{}}, nil
	}

	unlock := s.locks.lock(sessionID)
	defer unlock()

	started := time.Now()
	history, err := s.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	if err := history.Validate(); err != nil {
		s.logger.Warn("会话快照中的工具消息无法对应调用，重新开始会话",
			slog.String("session_id", sessionID), slog.Any("error", err))
		history = nil
	}
	if len(history) == 0 {
		history = conversation.Conversation{conversation.System(s.prompt(ctx))}
	}

	reply, runErr := s.orchestrator.Run(ctx, registry, history, text)
	elapsed := time.Since(started)

	if err := s.sessions.Save(ctx, sessionID, reply.Conversation); err != nil {
		s.logger.Error("保存会话失败", slog.String("session_id", sessionID), slog.Any("error", err))
		if runErr == nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话失败")
		}
	}

	result := &QueryResult{
		Response:       reply.Text,
		ProcessingTime: fmt.Sprintf("%.2f", elapsed.Seconds()),
		State:          reply.State,
	}
	for _, call := range reply.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, call.Function)
	}

	s.logger.Info("查询处理完成",
		slog.String("session_id", sessionID),
		slog.String("state", string(reply.State)),
		slog.Int("tool_calls", len(result.ToolCalls)),
		slog.String("processing_time", result.ProcessingTime))
	return result, runErr
}

func (s *Service) prompt(ctx context.Context) string {
	if s.wallet == nil {
		return s.systemPrompt
	}
	section := strings.TrimSpace(s.wallet(ctx))
	if section == "" {
		return s.systemPrompt
	}
	return s.systemPrompt + "\n\n" + section
}

// History 返回会话当前的对话快照。
func (s *Service) History(ctx context.Context, sessionID string) (conversation.Conversation, error) {
	history, err := s.sessions.Load(ctx, normalizeSession(sessionID))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	return history, nil
}

// Reset 清空会话历史。
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	sessionID = normalizeSession(sessionID)
	unlock := s.locks.lock(sessionID)
	defer unlock()
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "重置会话失败")
	}
	logger.Audit().Info("会话已重置", slog.String("session_id", sessionID))
	return nil
}

// CallTool 绕过大模型直接调用工具，参数原样传递。
func (s *Service) CallTool(ctx context.Context, name string, args map[string]any) (mcp.Result, error) {
	registry, _ := s.catalog()
	descriptor, err := registry.Lookup(name)
	if err != nil {
		return mcp.Result{}, xerrors.Wrap(xerrors.CodeToolNotFound, err, fmt.Sprintf("Tool %s not found", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	timeout := s.toolTimeout
	if s.orchestrator != nil && s.orchestrator.Policy().IsLongRunning(descriptor.Name) {
		timeout = s.longTimeout
	}
	result := descriptor.Invoke(ctx, args, timeout)
	logger.Audit().Info("直接调用工具",
		slog.String("tool", descriptor.Name),
		slog.Bool("ok", result.OK()),
		slog.Int("attempts", result.Attempts))
	return result, nil
}

// Execute 让异步任务复用同一套会话处理逻辑。
func (s *Service) Execute(ctx context.Context, req task.Request) (*task.ExecutionResult, error) {
	if registry, complete := s.catalog(); registry.Len() == 0 && !complete {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, InitializingMessage)
	}
	result, err := s.Query(ctx, req.SessionID, req.Query)
	if err != nil {
		return nil, err
	}
	return &task.ExecutionResult{
		Response:       result.Response,
		ToolCalls:      result.ToolCalls,
		ProcessingTime: result.ProcessingTime,
		State:          string(result.State),
	}, nil
}

// Close 断开工具提供方。
func (s *Service) Close() error {
	s.mu.Lock()
	provider := s.provider
	s.provider = nil
	s.mu.Unlock()
	if provider == nil {
		return nil
	}
	return provider.Close()
}

func normalizeSession(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSessionID
	}
	return id
}

var _ task.Executor = (*Service)(nil)
