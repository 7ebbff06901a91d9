package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/pkg/logger"
)

// DefaultRedisQueueKey 是未配置时使用的 list 键。
const DefaultRedisQueueKey = "evmagent:tasks"

// RedisQueueConfig 描述 Redis 队列的连接参数。BlockWait 是单次 BRPOP 的阻塞时长。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 以 Redis list 作为任务队列：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	rdb  *redis.Client
	key  string
	wait time.Duration
}

// NewRedisQueue 连接 Redis 并执行 PING。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	q := &RedisQueue{
		rdb:  redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}),
		key:  cfg.Queue,
		wait: cfg.BlockWait,
	}
	if q.key == "" {
		q.key = DefaultRedisQueueKey
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		_ = q.rdb.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return q, nil
}

func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.rdb.LPush(ctx, q.key, taskID).Err(); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "Redis 入队失败")
	}
	return nil
}

// Consume 处理器返回错误时把任务 ID 放回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	log := logger.Named("task.redis")
	return consumeWith(ctx, workerCount, func(ctx context.Context) error {
		for ctx.Err() == nil {
			popped, err := q.rdb.BRPop(ctx, q.wait, q.key).Result()
			switch {
			case stdErrors.Is(err, redis.Nil):
				continue
			case err != nil:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 出队失败")
			case len(popped) != 2:
				continue
			}
			id := popped[1]
			if herr := handler(ctx, id); herr != nil {
				log.Warn("任务处理失败，放回队列", slog.String("task_id", id), slog.Any("error", herr))
				if err := q.rdb.RPush(ctx, q.key, id).Err(); err != nil {
					log.Error("放回队列失败", slog.String("task_id", id), slog.Any("error", err))
				}
			}
		}
		return ctx.Err()
	})
}

func (q *RedisQueue) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}
