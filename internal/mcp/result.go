package mcp

import (
	"encoding/json"
	"fmt"

	xerrors "evm-defi-agent/internal/errors"
)

// FailureKind 对工具调用失败原因进行分类。
type FailureKind string

const (
	FailureTimeout       FailureKind = "timeout"
	FailureTransport     FailureKind = "transport"
	FailureProtocolParse FailureKind = "protocol_parse"
	FailureUnknownTool   FailureKind = "unknown_tool"
	FailureUnexpected    FailureKind = "unexpected"
)

// Failure 描述一次失败的工具调用。
type Failure struct {
	Kind   FailureKind
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

// Result 是一次工具调用的结果，Payload 与 Failure 只会存在其一。
type Result struct {
	Payload  string
	Failure  *Failure
	IsError  bool
	Attempts int
}

// OK 表示调用成功拿到了提供方的响应。
func (r Result) OK() bool { return r.Failure == nil }

// ErrorJSON 返回只包含 error 键的 JSON 文本。
func (r Result) ErrorJSON() string {
	if r.Failure == nil {
		return ""
	}
	return ErrorPayload(r.Failure.Reason)
}

// ErrorPayload 将错误信息编码为 {"error": reason}。
func ErrorPayload(reason string) string {
	data, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, reason)
	}
	return string(data)
}

// NewSuccess 构造成功结果。
func NewSuccess(payload string, isError bool, attempts int) Result {
	return success(payload, isError, attempts)
}

// NewFailure 构造失败结果。
func NewFailure(kind FailureKind, reason string, attempts int) Result {
	return failure(kind, reason, attempts)
}

func success(payload string, isError bool, attempts int) Result {
	return Result{Payload: payload, IsError: isError, Attempts: attempts}
}

func failure(kind FailureKind, reason string, attempts int) Result {
	return Result{Failure: &Failure{Kind: kind, Reason: reason}, Attempts: attempts}
}

// kindOf maps a transport-level error onto a failure kind.
func kindOf(err error) FailureKind {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeToolTimeout, xerrors.CodeTimeout:
		return FailureTimeout
	case xerrors.CodeToolTransport:
		return FailureTransport
	case xerrors.CodeToolProtocol:
		return FailureProtocolParse
	case xerrors.CodeToolNotFound:
		return FailureUnknownTool
	default:
		return FailureUnexpected
	}
}

func (k FailureKind) retryable() bool {
	return k == FailureTimeout || k == FailureTransport
}
