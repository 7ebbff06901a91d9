package task

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "evm-defi-agent/internal/errors"
	"evm-defi-agent/pkg/logger"
)

// DefaultRabbitMQQueue 是未配置时声明的队列名。
const DefaultRabbitMQQueue = "evmagent.tasks"

// RabbitMQConfig 描述 RabbitMQ 队列参数。Prefetch 为 0 时不设置 QoS。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认交换机把任务 ID 投递到单个队列，手动确认。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQQueue 建立连接与 channel 并声明队列，任一步失败都会释放已建立的资源。
func NewRabbitMQQueue(cfg RabbitMQConfig) (q *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q = &RabbitMQQueue{queue: cfg.Queue}
	if q.queue == "" {
		q.queue = DefaultRabbitMQQueue
	}
	defer func() {
		if err != nil {
			_ = q.Close()
			q = nil
		}
	}()

	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	if q.ch, err = q.conn.Channel(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err = q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "设置 RabbitMQ prefetch 失败")
		}
	}
	if _, err = q.ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 RabbitMQ 队列失败")
	}
	return q, nil
}

func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(CodeTaskPublish, "RabbitMQ 队列未初始化")
	}
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(taskID),
	})
	if err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, "RabbitMQ 投递失败")
	}
	return nil
}

// Consume 处理成功时 Ack，处理器返回错误时 Nack 并重新入队。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "订阅 RabbitMQ 队列失败")
	}
	log := logger.Named("task.rabbitmq")
	return consumeWith(ctx, workerCount, func(ctx context.Context) error {
		for {
			var d amqp.Delivery
			var open bool
			select {
			case <-ctx.Done():
				return nil
			case d, open = <-deliveries:
			}
			if !open {
				if ctx.Err() != nil {
					return nil
				}
				return xerrors.New(xerrors.CodeStorageFailure, "RabbitMQ 投递通道已关闭")
			}
			id := string(d.Body)
			if herr := handler(ctx, id); herr != nil {
				log.Warn("任务处理失败，退回队列", slog.String("task_id", id), slog.Any("error", herr))
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	})
}

func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
