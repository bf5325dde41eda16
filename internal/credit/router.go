package credit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/observability/metrics"
	"blossom-gate/internal/web3"
	"blossom-gate/pkg/logger"
)

// Minter 在结算链上为目标地址铸造稳定币信用。
type Minter interface {
	Mint(ctx context.Context, chain, toAddress string, amountUSD float64, opts web3.MintOptions) (web3.MintResult, error)
}

// RouterConfig 描述测试网信用通道。
type RouterConfig struct {
	Enabled            bool
	SourceChain        string
	SettlementChains   []string
	StableSymbol       string
	MaxPerTxUSD        float64
	AmountToleranceUSD float64
	LookupLimit        int
}

// RouteRequest 是一次信用路由请求。
type RouteRequest struct {
	SessionID   string  `json:"session_id"`
	FromChain   string  `json:"from_chain"`
	ToChain     string  `json:"to_chain"`
	FromAddress string  `json:"from_address"`
	ToAddress   string  `json:"to_address"`
	AmountUSD   float64 `json:"amount_usd"`
}

// RouteResult 返回已提交的信用交易。Reused 表示命中了仍在途的同一笔信用。
type RouteResult struct {
	RecordID  string  `json:"record_id"`
	TxHash    string  `json:"tx_hash"`
	FromChain string  `json:"from_chain"`
	ToChain   string  `json:"to_chain"`
	AmountUSD float64 `json:"amount_usd"`
	Reused    bool    `json:"reused"`
}

// Router 负责发起测试网信用，并对在途的重复请求做幂等。
type Router struct {
	cfg      RouterConfig
	ledger   Ledger
	minter   Minter
	producer Producer
	flight   singleflight.Group
	logger   *slog.Logger
}

// RouterOption 定义可选配置。
type RouterOption func(*Router)

// WithReconcileProducer 在提交成功后把记录投递到对账队列。
func WithReconcileProducer(producer Producer) RouterOption {
	return func(r *Router) {
		r.producer = producer
	}
}

// WithRouterLogger 指定日志输出。
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter 构造 Router。
func NewRouter(cfg RouterConfig, ledger Ledger, minter Minter, opts ...RouterOption) *Router {
	cfg.SourceChain = web3.NormalizeChain(cfg.SourceChain)
	settlement := make([]string, 0, len(cfg.SettlementChains))
	for _, chain := range cfg.SettlementChains {
		if normalized := web3.NormalizeChain(chain); normalized != "" {
			settlement = append(settlement, normalized)
		}
	}
	cfg.SettlementChains = settlement
	if cfg.StableSymbol == "" {
		cfg.StableSymbol = "USDC"
	}
	if cfg.AmountToleranceUSD <= 0 {
		cfg.AmountToleranceUSD = 0.01
	}
	if cfg.LookupLimit <= 0 {
		cfg.LookupLimit = 50
	}
	r := &Router{
		cfg:    cfg,
		ledger: ledger,
		minter: minter,
		logger: logger.Named("credit.router"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Config 返回生效的通道配置。
func (r *Router) Config() RouterConfig {
	cfg := r.cfg
	cfg.SettlementChains = append([]string(nil), r.cfg.SettlementChains...)
	return cfg
}

// Supports 判断链对是否属于受支持的信用通道。
func (r *Router) Supports(fromChain, toChain string) bool {
	from := web3.NormalizeChain(fromChain)
	if from == "" || from != r.cfg.SourceChain {
		return false
	}
	to := web3.NormalizeChain(toChain)
	for _, chain := range r.cfg.SettlementChains {
		if chain == to {
			return true
		}
	}
	return false
}

// ClampAmount 将金额限制在单笔上限以内。
func (r *Router) ClampAmount(amountUSD float64) float64 {
	if r.cfg.MaxPerTxUSD > 0 && amountUSD > r.cfg.MaxPerTxUSD {
		return r.cfg.MaxPerTxUSD
	}
	return amountUSD
}

// RouteStableCreditForExecution 校验通道后发起一笔信用铸造，不等待回执。
func (r *Router) RouteStableCreditForExecution(ctx context.Context, req RouteRequest) (RouteResult, error) {
	if r == nil || r.ledger == nil || r.minter == nil {
		return RouteResult{}, xerrors.New(xerrors.CodeInitializationFailure, "信用路由未初始化")
	}
	if !r.cfg.Enabled {
		return RouteResult{}, xerrors.New(CodeRouteDisabled, "测试网信用通道未启用")
	}
	req.FromAddress = strings.TrimSpace(req.FromAddress)
	req.ToAddress = strings.TrimSpace(req.ToAddress)
	if req.FromAddress == "" || req.ToAddress == "" {
		return RouteResult{}, xerrors.New(CodeMissingAddress, "缺少源链或结算链地址")
	}
	if !r.Supports(req.FromChain, req.ToChain) {
		return RouteResult{}, xerrors.New(CodeUnsupported, fmt.Sprintf("不支持的信用通道: %s -> %s", req.FromChain, req.ToChain))
	}
	if math.IsNaN(req.AmountUSD) || req.AmountUSD <= 0 {
		return RouteResult{}, xerrors.New(xerrors.CodeInvalidArgument, "信用金额必须大于 0")
	}
	req.FromChain = web3.NormalizeChain(req.FromChain)
	req.ToChain = web3.NormalizeChain(req.ToChain)
	req.AmountUSD = r.ClampAmount(req.AmountUSD)

	// 同进程内的并发重试合并为一次；跨进程依赖账本查重。
	key := fmt.Sprintf("%s|%s|%s|%s|%s|%.2f", req.SessionID, strings.ToLower(req.ToAddress), req.FromChain, req.ToChain, r.cfg.StableSymbol, req.AmountUSD)
	// 铸币一旦开始就要把记录写完，不随首个调用方取消；每个调用方各自响应取消。
	ch := r.flight.DoChan(key, func() (any, error) {
		return r.route(context.WithoutCancel(ctx), req)
	})
	select {
	case <-ctx.Done():
		return RouteResult{}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待信用路由结果被取消")
	case res := <-ch:
		result, _ := res.Val.(RouteResult)
		return result, res.Err
	}
}

func (r *Router) route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	existing, err := r.findInFlight(ctx, req)
	if err != nil {
		return RouteResult{}, err
	}
	if existing != nil {
		r.logger.Info("命中在途信用，跳过重复铸造",
			slog.String("record_id", existing.ID),
			slog.String("session_id", req.SessionID),
			slog.String("tx_hash", existing.TxHash()))
		return RouteResult{
			RecordID:  existing.ID,
			TxHash:    existing.TxHash(),
			FromChain: existing.FromChain,
			ToChain:   existing.ToChain,
			AmountUSD: existing.AmountUSD,
			Reused:    true,
		}, nil
	}

	record := &Record{
		SessionID:    req.SessionID,
		FromChain:    req.FromChain,
		ToChain:      req.ToChain,
		AmountUSD:    req.AmountUSD,
		StableSymbol: r.cfg.StableSymbol,
		FromAddress:  req.FromAddress,
		ToAddress:    req.ToAddress,
		Status:       StatusCreated,
	}
	id, err := r.ledger.Create(ctx, record)
	if err != nil {
		return RouteResult{}, err
	}
	metrics.ObserveCreditTransition(string(StatusCreated))
	logger.Audit().Info("信用记录已创建",
		slog.String("record_id", id),
		slog.String("session_id", req.SessionID),
		slog.String("from_chain", req.FromChain),
		slog.String("to_chain", req.ToChain),
		slog.Float64("amount_usd", req.AmountUSD),
	)

	minted, mintErr := r.minter.Mint(ctx, req.ToChain, req.ToAddress, req.AmountUSD, web3.MintOptions{WaitForReceipt: false})
	if mintErr == nil && strings.TrimSpace(minted.TxHash) == "" {
		mintErr = fmt.Errorf("铸币未返回交易哈希")
	}
	if mintErr != nil {
		if _, err := r.ledger.Update(ctx, id, Patch{
			Status:    StatusFailed,
			ErrorCode: string(CodeMintFailed),
			Meta:      map[string]any{MetaError: mintErr.Error()},
		}); err != nil {
			r.logger.Error("回写铸币失败状态出错", slog.String("record_id", id), slog.Any("error", err))
		} else {
			metrics.ObserveCreditTransition(string(StatusFailed))
		}
		logger.Audit().Warn("信用铸造失败",
			slog.String("record_id", id),
			slog.String("session_id", req.SessionID),
			slog.String("error", mintErr.Error()),
		)
		return RouteResult{RecordID: id}, xerrors.Wrap(CodeMintFailed, mintErr, "结算链信用铸造失败",
			xerrors.WithMetadata("record_id", id))
	}

	if err := r.markSubmitted(ctx, id, minted.TxHash); err != nil {
		// 交易已广播但记录停留在 created；调用方凭 tx hash 继续确认回执。
		r.logger.Error("更新信用记录为已提交失败", slog.String("record_id", id), slog.String("tx_hash", minted.TxHash), slog.Any("error", err))
		logger.Audit().Error("信用交易已广播但未记账",
			slog.String("record_id", id),
			slog.String("session_id", req.SessionID),
			slog.String("tx_hash", minted.TxHash),
		)
		return RouteResult{
			RecordID:  id,
			TxHash:    minted.TxHash,
			FromChain: req.FromChain,
			ToChain:   req.ToChain,
			AmountUSD: req.AmountUSD,
		}, xerrors.Wrap(CodeSubmitUnrecorded, err, "信用交易已广播，记录状态写入失败",
				xerrors.WithMetadata("record_id", id),
				xerrors.WithMetadata("tx_hash", minted.TxHash))
	}
	metrics.ObserveCreditTransition(string(StatusCreditSubmitted))
	logger.Audit().Info("信用交易已提交",
		slog.String("record_id", id),
		slog.String("session_id", req.SessionID),
		slog.String("tx_hash", minted.TxHash),
	)

	if r.producer != nil {
		if err := r.producer.Publish(ctx, id); err != nil {
			r.logger.Warn("投递对账队列失败", slog.String("record_id", id),
				slog.Any("error", xerrors.Wrap(CodeReconcilePublish, err, "publish")))
		}
	}

	return RouteResult{
		RecordID:  id,
		TxHash:    minted.TxHash,
		FromChain: req.FromChain,
		ToChain:   req.ToChain,
		AmountUSD: req.AmountUSD,
	}, nil
}

// submitWriteAttempts 是交易广播后写入 credit_submitted 的尝试次数。
const submitWriteAttempts = 3

func (r *Router) markSubmitted(ctx context.Context, id, txHash string) error {
	policy := web3.DefaultRetryPolicy()
	var err error
	for attempt := 1; attempt <= submitWriteAttempts; attempt++ {
		if _, err = r.ledger.Update(ctx, id, Patch{
			Status: StatusCreditSubmitted,
			Meta:   map[string]any{MetaTxHash: txHash},
		}); err == nil {
			return nil
		}
		if attempt == submitWriteAttempts {
			break
		}
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// findInFlight 只查询本会话、本结算链上尚未终结的记录，
// created 状态的记录只有在已写入 tx_hash 时才算在途。
func (r *Router) findInFlight(ctx context.Context, req RouteRequest) (*Record, error) {
	candidates, err := r.ledger.List(ctx, ListOptions{
		Statuses:  []Status{StatusCreated, StatusCreditSubmitted},
		SessionID: req.SessionID,
		ToChain:   req.ToChain,
		Limit:     r.cfg.LookupLimit,
		Order:     SortByUpdatedDesc,
	})
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		if candidate.SessionID != req.SessionID {
			continue
		}
		if !strings.EqualFold(candidate.ToAddress, req.ToAddress) {
			continue
		}
		if web3.NormalizeChain(candidate.FromChain) != req.FromChain || web3.NormalizeChain(candidate.ToChain) != req.ToChain {
			continue
		}
		if !strings.EqualFold(candidate.StableSymbol, r.cfg.StableSymbol) {
			continue
		}
		if math.Abs(candidate.AmountUSD-req.AmountUSD) > r.cfg.AmountToleranceUSD {
			continue
		}
		if candidate.TxHash() == "" {
			continue
		}
		return candidate, nil
	}
	return nil, nil
}

// Settle 根据已确认的回执终结记录。回执仍未确认时不做变更。
func (r *Router) Settle(ctx context.Context, recordID, txHash string, receipt web3.ReceiptStatus) (*Record, error) {
	return settle(ctx, r.ledger, recordID, txHash, receipt, "caller")
}

func settle(ctx context.Context, ledger Ledger, recordID, txHash string, receipt web3.ReceiptStatus, by string) (*Record, error) {
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "信用账本未初始化")
	}
	current, err := ledger.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if receipt.Pending() || current.Terminal() {
		return current, nil
	}

	patch := Patch{Meta: map[string]any{
		MetaBlockNumber: receipt.BlockNumber,
		MetaSettledBy:   by,
	}}
	if txHash != "" {
		patch.Meta[MetaTxHash] = txHash
	}
	if receipt.Success {
		patch.Status = StatusCredited
		patch.Meta[MetaReceiptStatus] = "success"
	} else {
		patch.Status = StatusFailed
		patch.ErrorCode = string(CodeMintFailed)
		patch.Meta[MetaReceiptStatus] = "reverted"
	}

	updated, err := ledger.Update(ctx, recordID, patch)
	if err != nil {
		// 并发终结时另一方已写入终态。
		if IsStatusRegression(err) && updated != nil && updated.Terminal() {
			return updated, nil
		}
		return nil, err
	}
	metrics.ObserveCreditTransition(string(updated.Status))
	logger.Audit().Info("信用记录已终结",
		slog.String("record_id", recordID),
		slog.String("status", string(updated.Status)),
		slog.String("tx_hash", updated.TxHash()),
		slog.Uint64("block_number", receipt.BlockNumber),
		slog.String("settled_by", by),
	)
	return updated, nil
}
