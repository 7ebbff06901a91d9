package task

import (
	"maps"
	"slices"

	"evm-defi-agent/internal/conversation"
	xerrors "evm-defi-agent/internal/errors"
)

// Status 是任务的生命周期状态。等待重试的任务回到 pending。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsValidStatus 报告 status 是否为已知状态。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal 报告任务是否已不会再被执行。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ExecutionResult 是一次排队查询的执行结果，字段与同步查询接口的回复一致。
type ExecutionResult struct {
	Response       string                      `json:"response"`
	ToolCalls      []conversation.FunctionCall `json:"tool_calls,omitempty"`
	ProcessingTime string                      `json:"processing_time,omitempty"`
	State          string                      `json:"state,omitempty"`
}

func (r *ExecutionResult) clone() *ExecutionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.ToolCalls = slices.Clone(r.ToolCalls)
	return &c
}

// Request 是提交异步查询的输入。ID 为空时由服务生成。
type Request struct {
	ID        string         `json:"id,omitempty"`
	SessionID string         `json:"session_id"`
	Query     string         `json:"query"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Task 是排队执行的一次会话查询。
type Task struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	Query      string           `json:"query"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

func (t *Task) clone() *Task {
	c := *t
	c.Result = t.Result.clone()
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}

func (t *Task) request() Request {
	return Request{ID: t.ID, SessionID: t.SessionID, Query: t.Query, Metadata: maps.Clone(t.Metadata)}
}

func (t *Task) hasResult() bool {
	return t.Result != nil && t.Result.Response != ""
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	for code, attrs := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:   {Message: "task not found", Severity: xerrors.SeverityInfo},
		CodeTaskConflict:   {Message: "task is already running", Severity: xerrors.SeverityWarning},
		CodeTaskCompleted:  {Message: "task already completed", Severity: xerrors.SeverityInfo},
		CodeTaskExhausted:  {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation: {Message: "invalid task request", Severity: xerrors.SeverityInfo},
		CodeTaskPublish:    {Message: "failed to enqueue task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true},
		CodeTaskProcessing: {Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
	} {
		xerrors.Register(code, attrs)
	}
}

// staleTaskMessage 记录在因 worker 中断而被释放的任务上。
const staleTaskMessage = "worker stopped before the task finished"

// 存储层返回的哨兵错误，按错误码比较，可用 errors.Is 或 xerrors.HasCode 判断。
var (
	ErrTaskNotFound  = xerrors.New(CodeTaskNotFound, "task not found")
	ErrTaskConflict  = xerrors.New(CodeTaskConflict, "task is already running")
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed")
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted")
)
