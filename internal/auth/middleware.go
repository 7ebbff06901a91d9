package auth

import (
	"bufio"
	stdErrors "errors"
	"net"
	"net/http"
	"time"
)

// TokenQueryParam 供无法设置请求头的 WebSocket 客户端传递 token。
const TokenQueryParam = "access_token"

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (g *Guard) Middleware(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := g.AuthenticateRequest(r.Header.Get("Authorization"))
			if stdErrors.Is(err, ErrMissingToken) {
				if token := r.URL.Query().Get(TokenQueryParam); token != "" {
					subject, err = g.Authenticate(token)
				}
			}
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if stdErrors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				g.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			g.audit.Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"key", subject.Name,
			)
		})
	}
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack 允许 WebSocket 升级穿过审计包装。
func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, stdErrors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (w *auditWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
