package agent

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"evm-defi-agent/internal/conversation"
	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/llm"
	"evm-defi-agent/internal/mcp"
	"evm-defi-agent/pkg/logger"
)

const (
	// DefaultSystemPrompt 是会话缺少系统消息时自动补充的内容。
	DefaultSystemPrompt = "You are a helpful DeFi assistant that can interact with EVM blockchains. " +
		"Use the available tools to help users manage their finances and investments."

	// ApologyMessage 是无法给出有效回答时返回的固定文本。
	ApologyMessage = "I encountered an error while processing your request. Please try again or rephrase your question."

	degradedHeader = "I processed your request and here's what I found:"

	DefaultModelTimeout    = 60 * time.Second
	DefaultToolTimeout     = 15 * time.Second
	DefaultLongToolTimeout = 60 * time.Second
)

// State 表示一轮对话在状态机中的位置。
type State string

const (
	StateSeed               State = "SEED"
	StateAwaitToolSelection State = "AWAIT_TOOL_SELECTION"
	StateDispatchTools      State = "DISPATCH_TOOLS"
	StateAwaitSummary       State = "AWAIT_SUMMARY"
	StateDone               State = "DONE"
	StateDegraded           State = "DEGRADED"
)

// ToolCatalog 是编排器所需的工具目录能力，*mcp.Registry 实现了该接口。
type ToolCatalog interface {
	Lookup(name string) (*mcp.Descriptor, error)
	Descriptors() []*mcp.Descriptor
}

// ToolCallRequest 是解析后的单次工具调用请求。
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Reply 是一轮对话的输出。Conversation 为调用方应保存的新快照。
type Reply struct {
	Text         string
	Conversation conversation.Conversation
	ToolCalls    []conversation.ToolCall
	State        State
}

// Orchestrator 驱动一轮用户输入的完整处理流程，自身无状态，可并发使用。
type Orchestrator struct {
	model           llm.Client
	policy          ArgumentPolicy
	systemPrompt    string
	modelTimeout    time.Duration
	toolTimeout     time.Duration
	longToolTimeout time.Duration
	logger          *slog.Logger
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// WithSystemPrompt 设置自动补充的系统消息。
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(prompt) != "" {
			o.systemPrompt = prompt
		}
	}
}

// WithArgumentPolicy 设置参数补全策略。
func WithArgumentPolicy(policy ArgumentPolicy) Option {
	return func(o *Orchestrator) { o.policy = policy }
}

// WithModelTimeout 设置每次调用大模型的超时时间。
func WithModelTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.modelTimeout = timeout
		}
	}
}

// WithToolTimeouts 设置普通与长耗时工具的单次尝试超时。
func WithToolTimeouts(standard, long time.Duration) Option {
	return func(o *Orchestrator) {
		if standard > 0 {
			o.toolTimeout = standard
		}
		if long > 0 {
			o.longToolTimeout = long
		}
	}
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建编排器。
func New(model llm.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:           model,
		policy:          DefaultArgumentPolicy(),
		systemPrompt:    DefaultSystemPrompt,
		modelTimeout:    DefaultModelTimeout,
		toolTimeout:     DefaultToolTimeout,
		longToolTimeout: DefaultLongToolTimeout,
		logger:          logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Policy 返回当前的参数策略。
func (o *Orchestrator) Policy() ArgumentPolicy { return o.policy }

// outcome 记录单个工具调用结果，仅用于降级回复。
type outcome struct {
	tool    string
	payload string
	err     string
}

// Run 处理一条用户输入。返回的 Reply 总是可以直接展示和保存；err 仅在
// 工具选择调用失败或出现意外错误时非空，此时 Reply.Text 为固定的致歉文本。
func (o *Orchestrator) Run(ctx context.Context, tools ToolCatalog, history conversation.Conversation, utterance string) (reply Reply, err error) {
	state := StateSeed
	working := history.Clone()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("对话处理出现异常", "state", state, "panic", r, "stack", string(debug.Stack()))
			reply = Reply{Text: ApologyMessage, Conversation: working, State: StateDegraded}
			err = xerrors.New(xerrors.CodeUnexpected, fmt.Sprintf("panic in %s: %v", state, r))
		}
	}()

	if o.model == nil {
		return Reply{Text: ApologyMessage, Conversation: working, State: StateDegraded},
			xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}

	// SEED: 缺少系统消息时补充默认提示。
	if !working.HasSystemPrompt() {
		working = append(conversation.Conversation{conversation.System(o.systemPrompt)}, working...)
	}
	seeded := working.Clone()

	// AWAIT_TOOL_SELECTION
	state = StateAwaitToolSelection
	userTurn := conversation.User(utterance)
	working = working.Append(userTurn)
	turnStart := len(working) - 1

	specs := toolSpecs(tools)
	req := llm.ChatRequest{Messages: working, Tools: specs}
	if len(specs) > 0 {
		req.ToolChoice = llm.ToolChoiceAuto
	}
	selection, err := o.complete(ctx, req)
	if err != nil {
		o.logger.Error("工具选择调用失败", "error", err)
		return Reply{Text: ApologyMessage, Conversation: seeded, State: StateDegraded},
			xerrors.Wrap(xerrors.CodeModelFailure, err, "tool selection call failed")
	}

	if len(selection.ToolCalls) == 0 {
		working = working.Append(conversation.Assistant(selection.Content))
		return Reply{Text: selection.Content, Conversation: working, State: StateDone}, nil
	}

	// DISPATCH_TOOLS
	state = StateDispatchTools
	calls := normalizeCalls(selection.ToolCalls)
	working = working.Append(conversation.Assistant(selection.Content, calls...))

	outcomes := make([]outcome, 0, len(calls))
	for _, call := range calls {
		request := ToolCallRequest{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: o.policy.Apply(call.Function.Name, parseArguments(call.Function.Arguments)),
		}
		content, result := o.dispatch(ctx, tools, request)
		working = working.Append(conversation.ToolResult(request.ID, request.Name, content))
		outcomes = append(outcomes, result)
	}

	// AWAIT_SUMMARY
	state = StateAwaitSummary
	summary, err := o.complete(ctx, llm.ChatRequest{Messages: working})
	if err != nil {
		o.logger.Warn("总结调用失败，返回降级回复", "error", err, "tool_calls", len(calls))
		degraded := degradedReply(outcomes)
		return Reply{
			Text:         degraded,
			Conversation: conversation.Conversation{working[0], userTurn, conversation.Assistant(degraded)},
			ToolCalls:    working.ExecutedToolCalls(turnStart),
			State:        StateDegraded,
		}, nil
	}

	working = working.Append(conversation.Assistant(summary.Content))
	return Reply{
		Text:         summary.Content,
		Conversation: working,
		ToolCalls:    working.ExecutedToolCalls(turnStart),
		State:        StateDone,
	}, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, tools ToolCatalog, req ToolCallRequest) (string, outcome) {
	if tools == nil {
		reason := fmt.Sprintf("Tool %s not found", req.Name)
		return mcp.ErrorPayload(reason), outcome{tool: req.Name, err: reason}
	}
	descriptor, err := tools.Lookup(req.Name)
	if err != nil {
		reason := fmt.Sprintf("Tool %s not found", req.Name)
		o.logger.Warn("模型请求了不存在的工具", "tool", req.Name)
		return mcp.ErrorPayload(reason), outcome{tool: req.Name, err: reason}
	}

	timeout := o.toolTimeout
	if o.policy.IsLongRunning(descriptor.Name) {
		timeout = o.longToolTimeout
	}

	o.logger.Debug("调用工具", "tool", descriptor.Name, "call_id", req.ID, "timeout", timeout)
	result := descriptor.Invoke(ctx, req.Arguments, timeout)
	if !result.OK() {
		o.logger.Warn("工具调用失败", "tool", descriptor.Name, "kind", result.Failure.Kind, "reason", result.Failure.Reason)
		return result.ErrorJSON(), outcome{tool: req.Name, err: result.Failure.Reason}
	}
	return result.Payload, outcome{tool: req.Name, payload: result.Payload}
}

func (o *Orchestrator) complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.modelTimeout)
	defer cancel()

	resp, err := o.model.Complete(callCtx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型调用超时")
		}
		return nil, err
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeModelFailure, "大模型返回空响应")
	}
	return resp, nil
}

func toolSpecs(tools ToolCatalog) []llm.ToolSpec {
	if tools == nil {
		return nil
	}
	descriptors := tools.Descriptors()
	specs := make([]llm.ToolSpec, 0, len(descriptors))
	for _, d := range descriptors {
		specs = append(specs, llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return specs
}

// normalizeCalls fills in the call type and any missing correlation id so that
// every tool turn can point back at its request.
func normalizeCalls(calls []conversation.ToolCall) []conversation.ToolCall {
	out := make([]conversation.ToolCall, len(calls))
	for i, call := range calls {
		if call.Type == "" {
			call.Type = conversation.ToolCallTypeFunction
		}
		if strings.TrimSpace(call.ID) == "" {
			call.ID = "call_" + uuid.NewString()
		}
		out[i] = call
	}
	return out
}

// parseArguments decodes the model's argument string. Anything that is not a
// JSON object yields an empty map.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var parsed map[string]any
	if err := dec.Decode(&parsed); err != nil || parsed == nil {
		return args
	}
	return parsed
}

func degradedReply(outcomes []outcome) string {
	var b strings.Builder
	b.WriteString(degradedHeader)
	for _, o := range outcomes {
		if o.err != "" {
			fmt.Fprintf(&b, "\n\nTool %s encountered an error: %s", o.tool, o.err)
			continue
		}
		fmt.Fprintf(&b, "\n\nFor tool %s, I found: %s", o.tool, o.payload)
	}
	return b.String()
}
