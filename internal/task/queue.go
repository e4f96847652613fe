package task

import "context"

// Handler 处理一条出队的任务 ID。返回错误表示任务状态未能落库，
// 支持重投的队列会把消息放回队列。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责投递任务 ID。队列只承载 ID，任务内容始终以 Store 为准。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以至少一次的语义消费任务，同一 ID 可能被投递多次，
// 由 Store.Claim 保证只有一个 worker 真正执行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
