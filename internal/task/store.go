package task

import (
	"context"

	xerrors "evm-defi-agent/internal/errors"
)

// Store 抽象了任务状态的持久化。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把 pending 任务置为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 在 terminal 为 false 时把任务放回 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// ReleaseStale 处理 updated_at 早于 before 的 running 任务：仍有次数的放回 pending，
	// 其余置为 failed。返回放回 pending 的任务 ID。
	ReleaseStale(ctx context.Context, before int64) ([]string, error)
	List(ctx context.Context, filter Filter) ([]*Task, error)
	Stats(ctx context.Context, filter Filter) (Stats, error)
	Close() error
}

// Stats 是按状态聚合的任务计数，以及筛选范围内最早、最新的更新时间。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if s.OldestUpdatedAt == 0 || t.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = t.UpdatedAt
	}
	s.NewestUpdatedAt = max(s.NewestUpdatedAt, t.UpdatedAt)
}

// Handler 处理从队列取出的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Producer 把任务 ID 投递到队列。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个协程消费队列，阻塞直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时是生产者与消费者。
type Queue interface {
	Producer
	Consumer
}
