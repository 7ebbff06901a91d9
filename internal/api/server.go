package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"evm-defi-agent/internal/auth"
	"evm-defi-agent/internal/chat"
	"evm-defi-agent/internal/conversation"
	"evm-defi-agent/internal/mcp"
	"evm-defi-agent/internal/observability/metrics"
	"evm-defi-agent/internal/task"
	"evm-defi-agent/pkg/logger"
)

// SessionHeader 允许调用方通过请求头指定会话。
const SessionHeader = "X-Session-ID"

// ChatService 是 API 依赖的会话能力，*chat.Service 实现了该接口。
type ChatService interface {
	Query(ctx context.Context, sessionID, text string) (*chat.QueryResult, error)
	Status() chat.Status
	Reset(ctx context.Context, sessionID string) error
	History(ctx context.Context, sessionID string) (conversation.Conversation, error)
	Tools() []*mcp.Descriptor
	CallTool(ctx context.Context, name string, args map[string]any) (mcp.Result, error)
}

// Server 负责暴露 REST 与 WebSocket 接口。
type Server struct {
	addr            string
	chat            ChatService
	tasks           *task.Service
	allowedOrigins  []string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	upgrader        websocket.Upgrader
	guard           *auth.Guard
	logger          *slog.Logger
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithTaskService 启用异步任务接口。
func WithTaskService(tasks *task.Service) Option {
	return func(s *Server) { s.tasks = tasks }
}

// WithAuth 为 /api 下的接口启用 Bearer Token 校验。
func WithAuth(guard *auth.Guard) Option {
	return func(s *Server) { s.guard = guard }
}

// WithAllowedOrigins 配置跨域白名单，包含 "*" 时允许任意来源。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = append([]string(nil), origins...) }
}

// WithTimeouts 设置读写与优雅关闭超时，零值保持默认。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, chatService ChatService, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		chat:            chatService,
		readTimeout:     15 * time.Second,
		writeTimeout:    6 * time.Minute,
		shutdownTimeout: 10 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/api/query", "query", auth.PermissionChat, s.handleQuery)
	s.route(mux, "/api/status", "status", auth.PermissionChat, s.handleStatus)
	s.route(mux, "/api/reset", "reset", auth.PermissionChat, s.handleReset)
	s.route(mux, "/api/v1/history", "history", auth.PermissionChat, s.handleHistory)
	s.route(mux, "/api/v1/tools", "tools", auth.PermissionChat, s.handleTools)
	s.route(mux, "/api/v1/tools/", "tool_call", auth.PermissionTools, s.handleToolCall)
	s.route(mux, "/api/v1/tasks", "tasks", auth.PermissionTasks, s.handleTasks)
	s.route(mux, "/api/v1/tasks/", "task_detail", auth.PermissionTasks, s.handleTaskDetail)
	s.route(mux, "/healthz", "healthz", "", s.handleHealth)
	mux.Handle("/api/v1/ws", s.guard.Middleware(auth.PermissionChat)(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("/metrics", metrics.Handler())
	return s.withCORS(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
