package metrics

import (
	"context"
	stdErrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "evm-defi-agent/internal/errors"
)

const namespace = "evmagent"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"handler", "method", "code"})

	httpErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_errors_total",
		Help:      "HTTP requests answered with a 5xx status.",
	}, []string{"handler", "method"})

	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"handler", "method"})

	toolCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tool",
		Name:      "calls_total",
		Help:      "Tool invocations by outcome.",
	}, []string{"tool", "outcome"})

	toolAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tool",
		Name:      "attempts_total",
		Help:      "Transport attempts spent on tool invocations.",
	}, []string{"tool"})

	toolLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tool",
		Name:      "call_duration_seconds",
		Help:      "Tool invocation latency, retries included.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 15, 30, 60},
	}, []string{"tool"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func ObserveHTTPRequest(handler, method string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(elapsed.Seconds())
}

// ToolObserver 把工具调用结果写入全局注册表，满足 mcp.Observer。
type ToolObserver struct{}

// Tools 返回工具调用指标的接收器。
func Tools() ToolObserver { return ToolObserver{} }

func (ToolObserver) ObserveToolCall(tool, outcome string, attempts int, elapsed time.Duration) {
	toolCalls.WithLabelValues(tool, outcome).Inc()
	if attempts > 0 {
		toolAttempts.WithLabelValues(tool).Add(float64(attempts))
	}
	toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// Handler 以 Prometheus 文本格式暴露全部指标。
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// StartServer 在 addr 上单独提供 /metrics，ctx 结束时优雅关闭。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	failed := make(chan error, 1)
	go func() { failed <- srv.ListenAndServe() }()

	select {
	case err := <-failed:
		if stdErrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
