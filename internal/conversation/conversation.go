package conversation

import (
	"fmt"
	"strings"
)

// Role 标识一条对话记录的发言方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallTypeFunction 是目前唯一支持的工具调用类型。
const ToolCallTypeFunction = "function"

// FunctionCall 保存模型请求调用的函数名与原始参数字符串。
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall 描述助手消息中的一次工具调用请求。
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Turn 表示一条对话记录。
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// System 构造系统消息。
func System(content string) Turn { return Turn{Role: RoleSystem, Content: content} }

// User 构造用户消息。
func User(content string) Turn { return Turn{Role: RoleUser, Content: content} }

// Assistant 构造助手消息，可附带工具调用。
func Assistant(content string, calls ...ToolCall) Turn {
	return Turn{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResult 构造工具返回消息。
func ToolResult(callID, name, content string) Turn {
	return Turn{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}

// Conversation 是按顺序排列的对话记录。
type Conversation []Turn

// Len 返回记录条数。
func (c Conversation) Len() int { return len(c) }

// Clone 返回顶层拷贝，新追加的记录不会影响原切片。
func (c Conversation) Clone() Conversation {
	if c == nil {
		return Conversation{}
	}
	out := make(Conversation, len(c), len(c)+4)
	copy(out, c)
	return out
}

// Append 返回追加记录后的新对话。
func (c Conversation) Append(turns ...Turn) Conversation {
	out := c.Clone()
	return append(out, turns...)
}

// Last 返回最后一条记录。
func (c Conversation) Last() (Turn, bool) {
	if len(c) == 0 {
		return Turn{}, false
	}
	return c[len(c)-1], true
}

// HasSystemPrompt 判断首条记录是否为系统消息。
func (c Conversation) HasSystemPrompt() bool {
	return len(c) > 0 && c[0].Role == RoleSystem
}

// ExecutedToolCalls 返回 from 之后所有助手消息里名称非空的工具调用。
func (c Conversation) ExecutedToolCalls(from int) []ToolCall {
	if from < 0 {
		from = 0
	}
	var calls []ToolCall
	for i := from; i < len(c); i++ {
		if c[i].Role != RoleAssistant {
			continue
		}
		for _, call := range c[i].ToolCalls {
			if strings.TrimSpace(call.Function.Name) == "" {
				continue
			}
			calls = append(calls, call)
		}
	}
	return calls
}

// Validate 检查每条工具消息都能对应到之前助手消息中的调用编号。
func (c Conversation) Validate() error {
	issued := make(map[string]bool)
	for i, turn := range c {
		switch turn.Role {
		case RoleAssistant:
			for _, call := range turn.ToolCalls {
				issued[call.ID] = true
			}
		case RoleTool:
			if !issued[turn.ToolCallID] {
				return &OrphanToolTurnError{Index: i, ToolCallID: turn.ToolCallID}
			}
		}
	}
	return nil
}

// OrphanToolTurnError 表示工具消息缺少对应的调用请求。
type OrphanToolTurnError struct {
	Index      int
	ToolCallID string
}

func (e *OrphanToolTurnError) Error() string {
	return fmt.Sprintf("tool turn %d references unknown tool call %q", e.Index, e.ToolCallID)
}
