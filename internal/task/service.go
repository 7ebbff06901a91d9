package task

import (
	"cmp"
	"context"
	stdErrors "errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/pkg/logger"
)

// DefaultSessionID 是请求未指定会话时使用的会话。
const DefaultSessionID = "default"

// DefaultMaxRetries 是每个任务默认允许的执行次数。
const DefaultMaxRetries = 3

// Service 是异步查询的提交与查询入口。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务，maxRetries 非正时取 DefaultMaxRetries。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	return nil
}

// Submit 持久化任务后投递到队列。请求带 ID 且任务已存在时直接返回已有任务，因此重复提交是幂等的。
// 入队失败的任务会被标记为终态失败。
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, xerrors.New(CodeTaskValidation, "查询内容不能为空")
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if existing, err := s.existing(ctx, id); existing != nil || err != nil {
		return existing, err
	}

	t := &Task{
		ID:         id,
		SessionID:  cmp.Or(strings.TrimSpace(req.SessionID), DefaultSessionID),
		Query:      req.Query,
		Metadata:   maps.Clone(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, t); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.existing(ctx, id); existing != nil || getErr != nil {
				return existing, getErr
			}
		}
		return nil, err
	}

	if err := s.producer.Publish(ctx, id); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "任务入队失败")
		logger.L().Error("任务入队失败", slog.String("task_id", id), slog.Any("error", err))
		if markErr := s.store.MarkFailed(ctx, id, CodeTaskPublish, wrapped.Error(), true); markErr != nil {
			logger.L().Error("记录入队失败状态出错", slog.String("task_id", id), slog.Any("error", markErr))
		}
		return nil, wrapped
	}
	logger.Audit().Info("task_submitted",
		slog.String("task_id", id),
		slog.String("session_id", t.SessionID),
		slog.Int("max_retries", t.MaxRetries),
	)
	return t, nil
}

// existing 返回已存在的任务；任务不存在时两个返回值都为 nil。
func (s *Service) existing(ctx context.Context, id string) (*Task, error) {
	t, err := s.store.Get(ctx, id)
	if stdErrors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return t, err
}

// Get 返回任务当前状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 按筛选条件分页列出任务，默认最近更新的在前。
func (s *Service) List(ctx context.Context, opts ...FilterOption) ([]*Task, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	return s.store.List(ctx, NewFilter(opts...))
}

// Stats 统计符合筛选条件的任务，分页参数被忽略。
func (s *Service) Stats(ctx context.Context, opts ...FilterOption) (Stats, error) {
	if s == nil || s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	return s.store.Stats(ctx, NewFilter(opts...))
}

// WaitUntilCompleted 每隔 interval 轮询一次，直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		t, err := s.Get(ctx, id)
		if err != nil || t.Status.Terminal() {
			return t, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

// Recover 把超过 staleAfter 未更新的 running 任务放回队列，通常在处理器启动前调用。
// 返回重新投递的任务数。
func (s *Service) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	ids, err := s.store.ReleaseStale(ctx, time.Now().Add(-staleAfter).Unix())
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := s.producer.Publish(ctx, id); err != nil {
			return i, xerrors.Wrap(CodeTaskPublish, err, "重新投递滞留任务失败")
		}
		logger.Audit().Info("task_recovered", slog.String("task_id", id))
	}
	return len(ids), nil
}

// Close 依次关闭存储与队列生产者。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
