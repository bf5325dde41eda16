package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"blossom-gate/internal/config"
	"blossom-gate/internal/credit"
	"blossom-gate/internal/funding"
	"blossom-gate/internal/intent"
	"blossom-gate/internal/observability/alerting"
	"blossom-gate/internal/storage/mysql"
	redisstore "blossom-gate/internal/storage/redis"
	"blossom-gate/internal/web3/provider"
	"blossom-gate/pkg/logger"
)

// app 持有运行期组件，Close 按创建的逆序释放。
type app struct {
	registry  *provider.Registry
	ledger    credit.Ledger
	queue     credit.Queue
	router    *credit.Router
	finalizer *credit.Finalizer
	guarantor *funding.Guarantor
	guard     *intent.Guard

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry, err = provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.registry.Close(); return nil })

	if a.ledger, err = buildLedger(ctx, cfg.Storage.Ledger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.ledger.Close)

	if a.queue, err = buildQueue(ctx, cfg.Queue); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.queue.Close)

	store, closeStore, err := buildContextStore(ctx, cfg.Storage.Sessions)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStore)

	dispatcher := buildAlerting(cfg.Alerting)

	a.router = credit.NewRouter(credit.RouterConfig{
		Enabled:            cfg.Routing.Enabled,
		SourceChain:        cfg.Routing.SourceChain,
		SettlementChains:   cfg.Routing.SettlementChains,
		StableSymbol:       cfg.Routing.StableSymbol,
		MaxPerTxUSD:        cfg.Routing.MaxPerTxUSD,
		AmountToleranceUSD: cfg.Routing.AmountToleranceUSD,
		LookupLimit:        cfg.Routing.LookupLimit,
	}, a.ledger, a.registry, credit.WithReconcileProducer(a.queue))

	a.finalizer = credit.NewFinalizer(a.ledger, a.registry,
		credit.WithBatchSize(cfg.Finalizer.BatchSize),
		credit.WithWorkerCount(cfg.Finalizer.Workers),
		credit.WithReceiptTimeout(cfg.Finalizer.ReceiptTimeout()),
		credit.WithAlertDispatcher(dispatcher),
	)

	a.guarantor = funding.NewGuarantor(funding.Config{
		DefaultSettlementChain: cfg.Web3.DefaultSettlementChain,
		SourceChain:            cfg.Routing.SourceChain,
		MaxPerTxUSD:            cfg.Routing.MaxPerTxUSD,
		ReceiptTimeout:         cfg.Routing.ReceiptTimeout(),
		LiveSourceRead:         cfg.Routing.LiveSourceRead,
		SourceBalanceFloorUSD:  cfg.Routing.SourceBalanceFloorUSD,
		FundedInstruments:      cfg.Routing.FundedInstruments,
	}, a.registry, a.registry, a.router, funding.WithAlertDispatcher(dispatcher))

	a.guard = intent.NewGuard(store, intent.WithHighValueThreshold(cfg.Policy.HighValueThresholdUSD))
	return a, nil
}

func buildLedger(ctx context.Context, cfg config.LedgerConfig) (credit.Ledger, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return credit.NewMemoryLedger(), nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		ledger, err := credit.NewMySQLLedger(db)
		if err != nil {
			closeDB(db)
			return nil, err
		}
		return ledger, nil
	default:
		return nil, mysql.ErrUnsupportedDriver
	}
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		logger.L().Warn("关闭数据库失败", slog.Any("error", err))
	}
}

func buildQueue(ctx context.Context, cfg config.QueueConfig) (credit.Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return credit.NewMemoryQueue(cfg.Size), nil
	case "redis":
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		queue, err := credit.NewRedisQueue(client, credit.RedisQueueConfig{
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &ownedRedisQueue{RedisQueue: queue, client: client}, nil
	case "rabbitmq":
		return credit.NewRabbitMQQueue(credit.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	case "nats":
		return credit.NewNATSQueue(credit.NATSConfig{
			URL:        cfg.NATS.URL,
			Subject:    cfg.NATS.Subject,
			QueueGroup: cfg.NATS.QueueGroup,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

// ownedRedisQueue 在关闭队列时一并关闭它独占的客户端。
type ownedRedisQueue struct {
	*credit.RedisQueue
	client *goredis.Client
}

func (q *ownedRedisQueue) Close() error {
	_ = q.RedisQueue.Close()
	return q.client.Close()
}

func buildContextStore(ctx context.Context, cfg config.SessionsConfig) (intent.ContextStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return intent.NewMemoryContextStore(cfg.TTL()), noop, nil
	case "redis":
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := intent.NewRedisContextStore(client, intent.RedisStoreConfig{
			Prefix: cfg.Redis.KeyPrefix,
			TTL:    cfg.TTL(),
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Driver)
	}
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.SlackWebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{Sender: alerting.NewWebhookSender(url)})
	}
	return alerting.NewFanout(notifiers...)
}
