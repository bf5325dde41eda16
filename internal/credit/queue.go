package credit

import "context"

// Handler 处理来自对账队列的信用记录 ID。
type Handler func(ctx context.Context, recordID string) error

// Producer 负责向对账队列投递记录。
type Producer interface {
	Publish(ctx context.Context, recordID string) error
	Close() error
}

// Consumer 负责从对账队列中消费记录。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
