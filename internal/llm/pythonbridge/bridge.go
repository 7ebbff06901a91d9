package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"evm-defi-agent/internal/conversation"
	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/llm"
)

// DefaultInterpreter 是未配置解释器时使用的命令。
const DefaultInterpreter = "python3"

// maxStderr 限制错误信息中附带的脚本 stderr 长度。
const maxStderr = 2048

// Client 每次补全都启动一次外部脚本：请求 JSON 写入 stdin，
// 脚本向 stdout 输出 {"content": ..., "tool_calls": [...], "finish_reason": ...}。
type Client struct {
	interpreter string
	script      string
	dir         string
	env         []string
}

// Option 配置 Client。
type Option func(*Client)

// WithInterpreter 指定解释器，空字符串保留默认值。
func WithInterpreter(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.interpreter = path
		}
	}
}

// WithWorkDir 设置脚本的工作目录，相对的脚本路径也以它为基准。
func WithWorkDir(dir string) Option {
	return func(c *Client) { c.dir = dir }
}

// WithEnv 追加环境变量，格式为 KEY=VALUE。
func WithEnv(kv ...string) Option {
	return func(c *Client) { c.env = append(c.env, kv...) }
}

// New 创建 Client。script 不能为空。
func New(script string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(script) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	c := &Client{interpreter: DefaultInterpreter, script: script}
	for _, opt := range opts {
		opt(c)
	}
	if !filepath.IsAbs(c.script) && c.dir != "" {
		c.script = filepath.Join(c.dir, c.script)
	}
	return c, nil
}

type bridgeRequest struct {
	Messages   []conversation.Turn `json:"messages"`
	Tools      []llm.ToolSpec      `json:"tools,omitempty"`
	ToolChoice string              `json:"tool_choice,omitempty"`
	MaxTokens  int                 `json:"max_tokens,omitempty"`
}

type bridgeResponse struct {
	Content      string                  `json:"content"`
	ToolCalls    []conversation.ToolCall `json:"tool_calls"`
	FinishReason string                  `json:"finish_reason"`
}

// Complete 运行脚本并解析输出。脚本非零退出或输出无法解析时返回 MODEL_FAILURE。
func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	payload, err := json.Marshal(bridgeRequest{
		Messages:   req.Messages,
		Tools:      req.Tools,
		ToolChoice: req.ToolChoice,
		MaxTokens:  req.MaxTokens,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求无法编码")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.interpreter, c.script)
	cmd.Dir = c.dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "Python 脚本未在期限内结束")
		}
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "Python 脚本执行失败",
			xerrors.WithMetadata("stderr", tail(stderr.String(), maxStderr)))
	}

	var out bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err, "Python 脚本输出不是合法 JSON")
	}
	for i := range out.ToolCalls {
		if out.ToolCalls[i].Type == "" {
			out.ToolCalls[i].Type = conversation.ToolCallTypeFunction
		}
	}
	return &llm.ChatResponse{Content: out.Content, ToolCalls: out.ToolCalls, FinishReason: out.FinishReason}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
