package task

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "evm-defi-agent/internal/errors"
)

// consumeWith 启动 workers 个协程运行 loop，任一协程返回错误时取消其余协程。
func consumeWith(ctx context.Context, workers int, loop func(ctx context.Context) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for range max(workers, 1) {
		group.Go(func() error { return loop(groupCtx) })
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// MemoryQueue 是基于 channel 的进程内队列，用于单实例部署与测试。
type MemoryQueue struct {
	ids    chan string
	closed chan struct{}
	once   sync.Once
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 非正时取 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ids: make(chan string, size), closed: make(chan struct{})}
}

var errQueueClosed = xerrors.New(CodeTaskPublish, "queue closed")

func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.closed:
		return errQueueClosed
	default:
	}
	select {
	case q.ids <- taskID:
		return nil
	case <-q.closed:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 在队列关闭或 ctx 结束时返回。处理器的错误被忽略，重投由 Processor 负责。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return consumeWith(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-q.closed:
				return nil
			case id := <-q.ids:
				_ = handler(ctx, id)
			}
		}
	})
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
