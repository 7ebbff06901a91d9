package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeModelFailure          Code = "MODEL_FAILURE"
	CodeToolTimeout           Code = "TOOL_TIMEOUT"
	CodeToolTransport         Code = "TOOL_TRANSPORT"
	CodeToolProtocol          Code = "TOOL_PROTOCOL"
	CodeToolNotFound          Code = "TOOL_NOT_FOUND"
	CodeUnexpected            Code = "UNEXPECTED"
)

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true},
		CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false},
		CodeInitializationFailure: {"tool provider not initialized", SeverityWarning, true, true},
		CodeStorageFailure:        {"storage failure", SeverityCritical, true, true},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, true},
		CodeModelFailure:          {"language model call failed", SeverityWarning, true, true},
		CodeToolTimeout:           {"tool call timed out", SeverityWarning, true, false},
		CodeToolTransport:         {"tool provider unreachable", SeverityCritical, true, true},
		CodeToolProtocol:          {"malformed tool provider message", SeverityWarning, false, false},
		CodeToolNotFound:          {"tool not found", SeverityInfo, false, false},
		CodeUnexpected:            {"unexpected failure", SeverityCritical, false, true},
	}
)

// Register 允许业务模块在 init 阶段注册新的错误码。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性，未注册时退回 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
