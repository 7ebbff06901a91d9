package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/internal/observability/alerting"
	"evm-defi-agent/pkg/logger"
)

// Executor 执行一次排队的会话查询。
type Executor interface {
	Execute(ctx context.Context, req Request) (*ExecutionResult, error)
}

// ExecutorFunc 把普通函数适配为 Executor。
type ExecutorFunc func(ctx context.Context, req Request) (*ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	return f(ctx, req)
}

// 告警阶段，写入 alerting.Event 的 stage 元数据。
const (
	stageClaim        = "claim"
	stageRetry        = "retry"
	stageTerminal     = "terminal"
	stageNonRetryable = "non_retryable"
)

// Processor 从队列取出任务 ID，领取任务后交给 Executor 执行并回写结果。
// 可重试的失败在次数未耗尽时重新入队。
type Processor struct {
	executor Executor
	store    Store
	consumer Consumer
	producer Producer
	workers  int
	log      *slog.Logger
	alerter  alerting.Dispatcher
}

// ProcessorOption 配置 Processor。
type ProcessorOption func(*Processor)

// WithProcessorLogger 替换默认的 "task" 日志器。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = l }
}

// WithWorkerCount 设置并发消费的协程数，非正值被忽略。
func WithWorkerCount(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithAlertDispatcher 设置失败告警的派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = d }
}

// NewProcessor 构造 Processor，默认单协程消费。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor: executor,
		store:    store,
		consumer: consumer,
		producer: producer,
		workers:  1,
		log:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.log == nil {
		p.log = logger.Discard()
	}
	return p
}

// Start 阻塞消费队列，直到 ctx 结束或队列返回错误。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

// handle 返回错误时由队列实现决定是否重新投递该 ID。
func (p *Processor) handle(ctx context.Context, id string) error {
	t, err := p.store.Claim(ctx, id)
	switch {
	case stdErrors.Is(err, ErrTaskNotFound), stdErrors.Is(err, ErrTaskCompleted),
		stdErrors.Is(err, ErrTaskExhausted), stdErrors.Is(err, ErrTaskConflict):
		p.log.Debug("跳过任务", slog.String("task_id", id), slog.String("reason", string(xerrors.CodeOf(err))))
		return nil
	case err != nil:
		p.log.Error("领取任务失败", slog.String("task_id", id), slog.Any("error", err))
		p.alert(ctx, &Task{ID: id}, CodeTaskProcessing, err, stageClaim)
		return err
	}

	started := time.Now()
	result, err := p.executor.Execute(ctx, t.request())
	if err != nil {
		return p.fail(ctx, t, err)
	}
	record := ExecutionResult{}
	if result != nil {
		record = *result.clone()
	}
	if record.ProcessingTime == "" {
		record.ProcessingTime = fmt.Sprintf("%.2f", time.Since(started).Seconds())
	}

	if err := p.store.MarkSucceeded(ctx, t.ID, record); err != nil {
		// 结果没有落库，按一次可重试失败处理。
		p.log.Error("保存任务结果失败", slog.String("task_id", t.ID), slog.Any("error", err))
		return p.fail(ctx, t, xerrors.Wrap(CodeTaskProcessing, err, "保存任务结果失败"))
	}
	logger.Audit().Info("task_succeeded",
		slog.String("task_id", t.ID),
		slog.String("session_id", t.SessionID),
		slog.Int("attempts", t.Attempts),
		slog.Int("tool_calls", len(record.ToolCalls)),
		slog.String("state", record.State),
	)
	return nil
}

// fail 记录失败。不可重试的错误或次数耗尽时任务进入终态，否则回到 pending 并重新入队。
func (p *Processor) fail(ctx context.Context, t *Task, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := !retryable || t.Attempts >= t.MaxRetries

	if err := p.store.MarkFailed(ctx, t.ID, code, cause.Error(), terminal); err != nil {
		p.log.Error("记录任务失败状态出错", slog.String("task_id", t.ID), slog.Any("error", err))
		return err
	}
	logger.Audit().Warn("task_failed",
		slog.String("task_id", t.ID),
		slog.String("session_id", t.SessionID),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
		slog.Int("attempts", t.Attempts),
		slog.Int("max_retries", t.MaxRetries),
		slog.Bool("terminal", terminal),
	)

	stage := stageRetry
	switch {
	case !retryable:
		stage = stageNonRetryable
	case terminal:
		stage = stageTerminal
	}
	p.alert(ctx, t, code, cause, stage)

	if terminal {
		return nil
	}
	if err := p.producer.Publish(ctx, t.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "任务 "+t.ID+" 重新入队失败")
	}
	p.log.Debug("任务已重新入队", slog.String("task_id", t.ID), slog.Int("attempts", t.Attempts))
	return nil
}

// alert 对注册为需要告警的错误码，或已不会再重试的失败发出通知。
func (p *Processor) alert(ctx context.Context, t *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if stage == stageRetry && !attrs.Alert {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		TaskID:     t.ID,
		SessionID:  t.SessionID,
		Attempts:   t.Attempts,
		MaxRetries: t.MaxRetries,
		Metadata:   map[string]string{"stage": stage, "cause": cause.Error()},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("告警发送失败", slog.String("task_id", t.ID), slog.String("stage", stage), slog.Any("error", err))
	}
}
