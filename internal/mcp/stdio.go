package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/pkg/logger"
)

const (
	maxLineBytes       = 16 << 20
	closeGracePeriod   = 2 * time.Second
	pendingBufferDepth = 16
)

// ServerConfig 描述如何启动工具提供方子进程。
type ServerConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Dir     string            `mapstructure:"dir"`
}

// StdioTransport 通过子进程的标准输入输出收发 JSON-RPC 消息。
// 同一时刻只允许一个请求在途。
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	mu     sync.Mutex
	nextID int64

	responses chan rpcMessage
	done      chan struct{}
	readErr   error

	closeOnce sync.Once
	closeErr  error
}

// StartStdio 启动子进程并开始读取其输出。
func StartStdio(cfg ServerConfig, log *slog.Logger) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具提供方启动命令不能为空")
	}
	if log == nil {
		log = logger.Named("mcp.stdio")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolTransport, err, "创建 stdin 管道失败")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, xerrors.Wrap(xerrors.CodeToolTransport, err, "创建 stdout 管道失败")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, xerrors.Wrap(xerrors.CodeToolTransport, err, "创建 stderr 管道失败")
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, xerrors.Wrap(xerrors.CodeToolTransport, err, "启动工具提供方失败")
	}
	log.Info("工具提供方已启动", "command", cfg.Command, "pid", cmd.Process.Pid)

	t := newStdioTransport(stdin, stdout, log)
	t.cmd = cmd
	go t.drainStderr(stderr)
	return t, nil
}

func newStdioTransport(stdin io.WriteCloser, stdout io.Reader, log *slog.Logger) *StdioTransport {
	t := &StdioTransport{
		stdin:     stdin,
		logger:    log,
		nextID:    1,
		responses: make(chan rpcMessage, pendingBufferDepth),
		done:      make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t
}

// Call 实现 Transport。超时后迟到的响应会在下一次调用时按编号丢弃。
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++

	if err := t.write(rpcRequest{JSONRPC: jsonRPCVersion, ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	for {
		select {
		case msg := <-t.responses:
			if !msg.matches(id) {
				t.logger.Debug("丢弃过期响应", "expected", id, "got", string(msg.ID))
				continue
			}
			if msg.Error != nil {
				return nil, xerrors.Wrap(xerrors.CodeToolProtocol, msg.Error, "工具提供方返回错误")
			}
			return msg.Result, nil
		case <-t.done:
			return nil, xerrors.Wrap(xerrors.CodeToolTransport, t.readErr, "工具提供方连接已断开")
		case <-ctx.Done():
			return nil, contextError(ctx, method)
		}
	}
}

// Notify 实现 Transport。
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return contextError(ctx, method)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(rpcRequest{JSONRPC: jsonRPCVersion, Method: method, Params: params})
}

// Close 关闭 stdin 并等待子进程退出，超过宽限期则强制结束。
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		if err := t.stdin.Close(); err != nil {
			t.logger.Warn("关闭 stdin 失败", "error", err)
		}
		if t.cmd == nil || t.cmd.Process == nil {
			return
		}
		exited := make(chan error, 1)
		go func() { exited <- t.cmd.Wait() }()
		select {
		case err := <-exited:
			t.closeErr = ignoreExitStatus(err)
		case <-time.After(closeGracePeriod):
			if err := t.cmd.Process.Kill(); err != nil {
				t.logger.Warn("结束工具提供方进程失败", "error", err)
			}
			t.closeErr = ignoreExitStatus(<-exited)
		}
		if t.closeErr != nil {
			t.logger.Warn("工具提供方退出异常", "error", t.closeErr)
		}
	})
	return t.closeErr
}

func (t *StdioTransport) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeToolProtocol, err, "序列化请求失败")
	}
	select {
	case <-t.done:
		return xerrors.Wrap(xerrors.CodeToolTransport, t.readErr, "工具提供方连接已断开")
	default:
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeToolTransport, err, "写入请求失败")
	}
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// 部分提供方会在 stdout 打印启动日志。
			t.logger.Debug("忽略非 JSON 输出", "line", truncate(string(line), 200))
			continue
		}
		if !msg.isResponse() {
			if msg.Method != "" {
				t.logger.Debug("收到工具提供方通知", "method", msg.Method)
			}
			continue
		}
		t.deliver(msg)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.readErr = err
}

// deliver never blocks the reader: when nobody is waiting and the buffer is
// full, the oldest stale response is dropped.
func (t *StdioTransport) deliver(msg rpcMessage) {
	for {
		select {
		case t.responses <- msg:
			return
		default:
		}
		select {
		case stale := <-t.responses:
			t.logger.Debug("丢弃过期响应", "id", string(stale.ID))
		default:
		}
	}
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		t.logger.Debug("工具提供方 stderr", "line", scanner.Text())
	}
}

func contextError(ctx context.Context, method string) error {
	err := ctx.Err()
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeToolTimeout, err, fmt.Sprintf("%s 调用超时", method))
	}
	return xerrors.Wrap(xerrors.CodeUnexpected, err, fmt.Sprintf("%s 调用被取消", method))
}

func ignoreExitStatus(err error) error {
	var exitErr *exec.ExitError
	if stdErrors.As(err, &exitErr) {
		return nil
	}
	return err
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
