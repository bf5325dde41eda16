package credit

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/observability/alerting"
	"blossom-gate/internal/observability/metrics"
	"blossom-gate/internal/web3"
	"blossom-gate/pkg/logger"
)

// SweepStats 汇总一次对账扫描的结果。
type SweepStats struct {
	Scanned  int `json:"scanned"`
	Credited int `json:"credited"`
	Failed   int `json:"failed"`
	Pending  int `json:"pending"`
	Errors   int `json:"errors"`
}

// Settled 返回本次终结的记录数。
func (s SweepStats) Settled() int {
	return s.Credited + s.Failed
}

// Finalizer 对停留在 credit_submitted 的记录重新查询回执并终结。
// 它可以被调用零次或多次，每次调用都是幂等的。
type Finalizer struct {
	ledger         Ledger
	confirmer      web3.ReceiptConfirmer
	alerter        alerting.Dispatcher
	batchSize      int
	workerCount    int
	receiptTimeout time.Duration
	logger         *slog.Logger
}

// FinalizerOption 定义可选配置。
type FinalizerOption func(*Finalizer)

// WithBatchSize 设置单次扫描的记录上限。
func WithBatchSize(size int) FinalizerOption {
	return func(f *Finalizer) {
		if size > 0 {
			f.batchSize = size
		}
	}
}

// WithWorkerCount 设置并发查询回执的协程数量。
func WithWorkerCount(workers int) FinalizerOption {
	return func(f *Finalizer) {
		if workers > 0 {
			f.workerCount = workers
		}
	}
}

// WithReceiptTimeout 设置单笔回执的等待时长。
func WithReceiptTimeout(timeout time.Duration) FinalizerOption {
	return func(f *Finalizer) {
		if timeout > 0 {
			f.receiptTimeout = timeout
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) FinalizerOption {
	return func(f *Finalizer) {
		f.alerter = dispatcher
	}
}

// WithFinalizerLogger 指定日志输出。
func WithFinalizerLogger(logger *slog.Logger) FinalizerOption {
	return func(f *Finalizer) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFinalizer 构造 Finalizer。
func NewFinalizer(ledger Ledger, confirmer web3.ReceiptConfirmer, opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		ledger:         ledger,
		confirmer:      confirmer,
		batchSize:      25,
		workerCount:    1,
		receiptTimeout: 5 * time.Second,
		logger:         logger.Named("credit.finalizer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Sweep 扫描一批 credit_submitted 记录并尝试终结。
func (f *Finalizer) Sweep(ctx context.Context) (SweepStats, error) {
	if f == nil || f.ledger == nil || f.confirmer == nil {
		return SweepStats{}, xerrors.New(xerrors.CodeInitializationFailure, "对账器未初始化")
	}
	started := time.Now()
	records, err := f.ledger.FindByStatus(ctx, []Status{StatusCreditSubmitted}, f.batchSize)
	if err != nil {
		wrapped := xerrors.Wrap(CodeFinalizerFailed, err, "查询待对账记录失败")
		metrics.ObserveFinalizerSweep(0, wrapped)
		f.emitAlert(ctx, nil, wrapped, "scan")
		return SweepStats{}, wrapped
	}

	var (
		mu    sync.Mutex
		stats = SweepStats{Scanned: len(records)}
		errs  []error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.workerCount)
	for _, record := range records {
		group.Go(func() error {
			settled, err := f.finalize(groupCtx, record)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Errors++
				errs = append(errs, fmt.Errorf("%s: %w", record.ID, err))
			case settled == nil || !settled.Terminal():
				stats.Pending++
			case settled.Status == StatusCredited:
				stats.Credited++
			default:
				stats.Failed++
			}
			// 单条失败不影响其余记录。
			return nil
		})
	}
	_ = group.Wait()

	var sweepErr error
	if len(errs) > 0 {
		sweepErr = xerrors.Wrap(CodeFinalizerFailed, stdErrors.Join(errs...), fmt.Sprintf("%d 条记录对账失败", len(errs)))
		f.emitAlert(ctx, nil, sweepErr, "sweep")
	}
	metrics.ObserveFinalizerSweep(stats.Settled(), sweepErr)
	f.logger.Info("对账扫描完成",
		slog.Int("scanned", stats.Scanned),
		slog.Int("credited", stats.Credited),
		slog.Int("failed", stats.Failed),
		slog.Int("pending", stats.Pending),
		slog.Int("errors", stats.Errors),
		slog.Duration("elapsed", time.Since(started)),
	)
	return stats, sweepErr
}

// Reconcile 终结单条记录，作为对账队列的处理函数。
func (f *Finalizer) Reconcile(ctx context.Context, recordID string) (*Record, error) {
	if f == nil || f.ledger == nil || f.confirmer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对账器未初始化")
	}
	record, err := f.ledger.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusCreditSubmitted {
		return record, nil
	}
	settled, err := f.finalize(ctx, record)
	if err != nil {
		f.emitAlert(ctx, record, err, "reconcile")
		return record, err
	}
	return settled, nil
}

// Consume 将 Reconcile 挂到对账队列上，直到 ctx 结束。
func (f *Finalizer) Consume(ctx context.Context, consumer Consumer, workers int) error {
	if consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置对账队列消费者")
	}
	if workers <= 0 {
		workers = f.workerCount
	}
	return consumer.Consume(ctx, workers, func(ctx context.Context, recordID string) error {
		record, err := f.Reconcile(ctx, recordID)
		if err != nil {
			if IsNotFound(err) {
				f.logger.Debug("跳过不存在的记录", slog.String("record_id", recordID))
				return nil
			}
			return err
		}
		if record != nil && !record.Terminal() {
			f.logger.Debug("回执尚未确认，等待下一次扫描", slog.String("record_id", recordID))
		}
		return nil
	})
}

func (f *Finalizer) finalize(ctx context.Context, record *Record) (*Record, error) {
	txHash := record.TxHash()
	if txHash == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "记录缺少 tx_hash")
	}
	receipt, err := f.confirmer.WaitForReceipt(ctx, record.ToChain, txHash, f.receiptTimeout)
	if err != nil {
		metrics.ObserveReceiptCheck("finalizer", "error")
		f.markChecked(ctx, record, err)
		return nil, err
	}
	if receipt.Pending() {
		metrics.ObserveReceiptCheck("finalizer", "pending")
		if touched := f.markChecked(ctx, record, nil); touched != nil {
			return touched, nil
		}
		return record, nil
	}
	settled, err := settle(ctx, f.ledger, record.ID, txHash, receipt, "finalizer")
	if err != nil {
		return nil, err
	}
	if settled.Status == StatusFailed {
		metrics.ObserveReceiptCheck("finalizer", "reverted")
		f.emitAlert(ctx, settled, xerrors.New(CodeMintFailed, "信用交易执行失败",
			xerrors.WithMetadata("tx_hash", txHash)), "receipt")
	} else {
		metrics.ObserveReceiptCheck("finalizer", "success")
	}
	return settled, nil
}

// markChecked 记录本次未能终结的检查并刷新 updated_at，
// 使按更新时间从旧到新的扫描越过它，轮到后面的记录。
func (f *Finalizer) markChecked(ctx context.Context, record *Record, cause error) *Record {
	checkErr := ""
	if cause != nil {
		checkErr = cause.Error()
	}
	touched, err := f.ledger.Update(ctx, record.ID, Patch{
		Status: StatusCreditSubmitted,
		Meta: map[string]any{
			MetaLastCheckedAt: time.Now().Unix(),
			MetaLastCheckErr:  checkErr,
		},
	})
	if err != nil {
		// 记录已被其他路径终结时状态回退错误是预期的。
		if !IsStatusRegression(err) {
			f.logger.Warn("刷新对账检查时间失败", slog.String("record_id", record.ID), slog.Any("error", err))
		}
		return nil
	}
	return touched
}

func (f *Finalizer) emitAlert(ctx context.Context, record *Record, cause error, stage string) {
	if f == nil || f.alerter == nil {
		return
	}
	event := alerting.FromError(cause, "", "")
	if record != nil {
		event.RecordID = record.ID
		event.SessionID = record.SessionID
		event.Chain = record.ToChain
	}
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	if err := f.alerter.Notify(ctx, event); err != nil {
		f.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("record_id", event.RecordID),
			slog.String("stage", stage),
		)
	}
}
