package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"blossom-gate/pkg/logger"
)

// NATSConfig 描述 NATS 对账队列参数。
type NATSConfig struct {
	URL        string
	Subject    string
	QueueGroup string
	Timeout    time.Duration
}

// NATSQueue 通过队列组订阅实现多实例之间的对账分摊。
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
}

// NewNATSQueue 连接 NATS 并返回队列。
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "blossom.credit.reconcile"
	}
	group := cfg.QueueGroup
	if group == "" {
		group = "blossom-finalizer"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("blossomd"),
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.L().Warn("NATS 连接断开", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.L().Info("NATS 重新连接成功", slog.String("url", nc.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return newNATSQueue(conn, subject, group), nil
}

func newNATSQueue(conn *nats.Conn, subject, group string) *NATSQueue {
	return &NATSQueue{conn: conn, subject: subject, group: group}
}

// Publish 发布记录 ID。
func (q *NATSQueue) Publish(ctx context.Context, recordID string) error {
	if q == nil || q.conn == nil {
		return errors.New("NATS 队列未初始化")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.conn.Publish(q.subject, []byte(recordID)); err != nil {
		return fmt.Errorf("NATS 发布对账记录失败: %w", err)
	}
	return nil
}

// Consume 以队列组方式订阅主题。NATS core 不会重投，处理失败的记录由定时对账兜底。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return errors.New("NATS 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs := make(chan *nats.Msg, workerCount*64)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, q.group, msgs)
	if err != nil {
		return fmt.Errorf("订阅 NATS 主题失败: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					if err := handler(ctx, string(msg.Data)); err != nil {
						logger.L().Warn("NATS 对账处理失败",
							slog.String("record_id", string(msg.Data)),
							slog.Any("error", err))
					}
				}
			}
		}()
	}

	<-ctx.Done()
	_ = sub.Unsubscribe()
	wg.Wait()
	return ctx.Err()
}

// Close 排空并关闭连接。
func (q *NATSQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
		return err
	}
	return nil
}

var _ Queue = (*NATSQueue)(nil)
