package console

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"evm-defi-agent/internal/chat"
	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/mcp"
)

const (
	toolPrefix      = "!tool "
	timestampLayout = "2006-01-02 15:04:05"
	inputPrompt     = "Enter your instruction: "
	separator       = "================================================================================"
)

// Session 是控制台依赖的会话能力，*chat.Service 实现了该接口。
type Session interface {
	Query(ctx context.Context, sessionID, text string) (*chat.QueryResult, error)
	CallTool(ctx context.Context, name string, args map[string]any) (mcp.Result, error)
}

// Console 读取标准输入并把结果写回终端。
type Console struct {
	session   Session
	in        io.Reader
	out       io.Writer
	sessionID string
	now       func() time.Time
}

// Option 定义 Console 的可选配置。
type Option func(*Console)

// WithSessionID 指定对话使用的会话标识。
func WithSessionID(id string) Option {
	return func(c *Console) {
		if strings.TrimSpace(id) != "" {
			c.sessionID = id
		}
	}
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) Option {
	return func(c *Console) {
		if now != nil {
			c.now = now
		}
	}
}

// New 创建控制台。
func New(session Session, in io.Reader, out io.Writer, opts ...Option) *Console {
	c := &Console{
		session:   session,
		in:        in,
		out:       out,
		sessionID: chat.DefaultSessionID,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Greet 打印欢迎信息、工具数量与启动耗时。
func (c *Console) Greet(toolCount int, startup time.Duration) {
	fmt.Fprintf(c.out, "\n%s\nEVM DeFi Agent\n%s\n", separator, separator)
	fmt.Fprintln(c.out, "Type your instructions for wallet management or DeFi operations.")
	fmt.Fprintln(c.out, "Type 'quit', 'exit', or 'q' to exit the program.")
	fmt.Fprintf(c.out, "%s\n\n", separator)
	if toolCount == 0 {
		fmt.Fprintln(c.out, "WARNING: No tools loaded from MCP server. Functionality will be limited.")
	} else {
		fmt.Fprintf(c.out, "MCP server connected successfully. Loaded %d tools.\n", toolCount)
	}
	fmt.Fprintf(c.out, "Startup completed in %.2f seconds\n\n", startup.Seconds())
}

// Run 循环处理输入，直到退出指令、输入结束或上下文取消。
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(c.out, inputPrompt)
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out, "\nExiting...")
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(c.out, "\nExiting...")
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if !c.handle(ctx, line) {
				fmt.Fprintln(c.out, "Exiting...")
				return nil
			}
		}
	}
}

// handle 处理单行输入，返回 false 表示退出。
func (c *Console) handle(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch strings.ToLower(input) {
	case "":
		return true
	case "quit", "exit", "q":
		return false
	}

	if strings.HasPrefix(input, toolPrefix) {
		c.callTool(ctx, strings.TrimSpace(strings.TrimPrefix(input, toolPrefix)))
		return true
	}

	fmt.Fprintf(c.out, "\n[%s] Processing...\n", c.now().Format(timestampLayout))
	result, err := c.session.Query(ctx, c.sessionID, input)
	if result != nil {
		fmt.Fprintf(c.out, "\nResponse: %s\n", result.Response)
		if result.ProcessingTime != "" {
			fmt.Fprintf(c.out, "(%s, %d tool calls)\n", result.ProcessingTime, len(result.ToolCalls))
		}
		fmt.Fprintln(c.out)
	}
	if err != nil {
		fmt.Fprintf(c.out, "\nError: %v\n\n", err)
	}
	return true
}

func (c *Console) callTool(ctx context.Context, command string) {
	name, rawArgs, _ := strings.Cut(command, " ")
	rawArgs = strings.TrimSpace(rawArgs)
	if rawArgs == "" {
		rawArgs = "{}"
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		fmt.Fprintf(c.out, "Error calling tool directly: invalid arguments: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Directly calling tool: %s with args: %s\n", name, rawArgs)

	result, err := c.session.CallTool(ctx, name, args)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeToolNotFound) {
			fmt.Fprintf(c.out, "Tool %s not found\n", name)
			return
		}
		fmt.Fprintf(c.out, "Error calling tool directly: %v\n", err)
		return
	}
	if !result.OK() {
		fmt.Fprintf(c.out, "Error calling tool directly: %s: %s (attempts: %d)\n", result.Failure.Kind, result.Failure.Reason, result.Attempts)
		return
	}
	fmt.Fprintf(c.out, "\nResult: %s\n\n", indent(result.Payload))
}

func indent(payload string) string {
	if !json.Valid([]byte(payload)) {
		return payload
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(payload), "", "  "); err != nil {
		return payload
	}
	return buf.String()
}
