package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/pkg/logger"
)

const defaultMemoryQueueSize = 64

// ErrQueueClosed 在队列关闭后继续投递时返回。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "任务队列已关闭", xerrors.WithRetryable(false))

// MemoryQueue 是单进程部署使用的有界队列。
//
// 处理失败的任务会被放回队尾，与 Redis、RabbitMQ 实现的重投行为一致。
// 缓冲区已满时放弃重投，由 Claim 的重试上限兜底。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
	log    *slog.Logger
}

// NewMemoryQueue 创建容量为 size 的内存队列，非正数使用默认容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{ch: make(chan string, size), log: logger.Named("task.queue")}
}

// Publish 投递任务 ID，缓冲区已满时阻塞到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeQueueFailure, ctx.Err(), "投递任务超时", xerrors.WithMetadata("task_id", taskID))
	case q.ch <- taskID:
		return nil
	}
}

// Len 返回尚未被消费的任务数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Consume 启动 workerCount 个协程处理任务，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	var wg sync.WaitGroup
	for w, n := 0, max(workerCount, 1); w < n; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case taskID, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, taskID); err != nil && ctx.Err() == nil {
						q.redeliver(taskID, err)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) redeliver(taskID string, cause error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- taskID:
		q.log.Debug("任务重新入队", slog.String("task_id", taskID), slog.Any("error", cause))
	default:
		q.log.Warn("队列已满，放弃重新入队", slog.String("task_id", taskID), slog.Any("error", cause))
	}
}

// Close 关闭队列，已在缓冲区中的任务仍会被消费完。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
