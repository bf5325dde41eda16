package funding

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"blossom-gate/internal/credit"
	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/observability/alerting"
	"blossom-gate/internal/observability/metrics"
	"blossom-gate/internal/web3"
	"blossom-gate/pkg/logger"
)

// Config 控制资金保障器。
type Config struct {
	DefaultSettlementChain string
	SourceChain            string
	SupportedSourceChains  []string
	MaxPerTxUSD            float64
	ReceiptTimeout         time.Duration
	LiveSourceRead         bool
	SourceBalanceFloorUSD  float64
	FundedInstruments      []string
}

// Params 描述一次执行前的资金检查。
type Params struct {
	SessionID       string   `json:"session_id"`
	InstrumentType  string   `json:"instrument_type"`
	SettlementChain string   `json:"settlement_chain"`
	Address         string   `json:"address"`
	SourceChain     string   `json:"source_chain"`
	SourceAddress   string   `json:"source_address"`
	RequiredUSD     *float64 `json:"required_usd,omitempty"`
	SpendEstimate   float64  `json:"spend_estimate_usd"`
	ForceRoute      bool     `json:"force_route"`
}

// Guarantor 在执行前确保结算链上有足够的稳定币余额。
type Guarantor struct {
	cfg       Config
	balances  web3.BalanceReader
	confirmer web3.ReceiptConfirmer
	router    *credit.Router
	alerter   alerting.Dispatcher
	funded    map[string]struct{}
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Guarantor)

// WithAlertDispatcher 在铸币失败时发送告警。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(g *Guarantor) {
		g.alerter = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guarantor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuarantor 构造 Guarantor。router 为空表示未配置信用通道。
func NewGuarantor(cfg Config, balances web3.BalanceReader, confirmer web3.ReceiptConfirmer, router *credit.Router, opts ...Option) *Guarantor {
	if cfg.DefaultSettlementChain == "" {
		cfg.DefaultSettlementChain = "base_sepolia"
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 20 * time.Second
	}
	if len(cfg.FundedInstruments) == 0 {
		cfg.FundedInstruments = []string{"perp", "defi", "event"}
	}
	if len(cfg.SupportedSourceChains) == 0 && cfg.SourceChain != "" {
		cfg.SupportedSourceChains = []string{cfg.SourceChain}
	}
	funded := make(map[string]struct{}, len(cfg.FundedInstruments))
	for _, instrument := range cfg.FundedInstruments {
		funded[strings.ToLower(strings.TrimSpace(instrument))] = struct{}{}
	}
	g := &Guarantor{
		cfg:       cfg,
		balances:  balances,
		confirmer: confirmer,
		router:    router,
		funded:    funded,
		logger:    logger.Named("funding"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// RequiredUSD 计算本次执行需要的稳定币金额：显式覆盖优先，
// 否则只为 perp/defi/event 类工具采用花费估算，结果不超过单笔上限。
func (g *Guarantor) RequiredUSD(p Params) float64 {
	var required float64
	switch {
	case p.RequiredUSD != nil:
		required = *p.RequiredUSD
	default:
		if _, ok := g.funded[strings.ToLower(strings.TrimSpace(p.InstrumentType))]; ok {
			required = p.SpendEstimate
		}
	}
	if math.IsNaN(required) || math.IsInf(required, 0) || required < 0 {
		return 0
	}
	if g.cfg.MaxPerTxUSD > 0 && required > g.cfg.MaxPerTxUSD {
		required = g.cfg.MaxPerTxUSD
	}
	return required
}

// EnsureExecutionFunding 返回单一的资金决策。只有在信用回执确认成功且
// 再次读取的结算链余额满足需求时才会返回 OK 且 DidRoute=true。
func (g *Guarantor) EnsureExecutionFunding(ctx context.Context, p Params) Result {
	settlement := web3.NormalizeChain(p.SettlementChain)
	if settlement == "" {
		settlement = web3.NormalizeChain(g.cfg.DefaultSettlementChain)
	}
	required := g.RequiredUSD(p)
	route := RouteMeta{ToChain: settlement, RequiredUSD: required}

	if required <= 0 {
		route.Reason = "no stable funding required"
		return g.succeed(p, route)
	}

	address := strings.TrimSpace(p.Address)
	if address == "" {
		route.Reason = "settlement address missing"
		return g.fail(ctx, p, CodeMissingAddress, route, nil)
	}

	before, err := g.balances.ReadStableBalance(ctx, settlement, address)
	route.Debug.absorb(before.Debug)
	if err != nil {
		route.Debug.LastError = err.Error()
		route.Reason = "settlement balance read failed"
		return g.fail(ctx, p, CodeReadFailed, route, err)
	}
	if before.BalanceUSD >= required && !p.ForceRoute {
		route.Reason = fmt.Sprintf("settlement balance %.2f covers %.2f", before.BalanceUSD, required)
		return g.succeed(p, route)
	}

	if g.router == nil || !g.router.Config().Enabled {
		route.Reason = "credit routing disabled"
		return g.fail(ctx, p, CodeRouteDisabled, route, nil)
	}
	source := web3.NormalizeChain(p.SourceChain)
	if source == "" {
		source = web3.NormalizeChain(g.cfg.SourceChain)
	}
	route.FromChain = source
	sourceAddress := strings.TrimSpace(p.SourceAddress)
	if sourceAddress == "" {
		route.Reason = "source address missing"
		return g.fail(ctx, p, CodeMissingAddress, route, nil)
	}
	if !g.sourceSupported(source) || !g.router.Supports(source, settlement) {
		route.Reason = fmt.Sprintf("unsupported corridor %s -> %s", source, settlement)
		return g.fail(ctx, p, CodeUnsupported, route, nil)
	}

	sourceBalance := g.sourceBalance(ctx, source, sourceAddress, required, &route.Debug)
	if sourceBalance <= 0 {
		route.Reason = "source balance empty"
		return g.fail(ctx, p, CodeInsufficientFunds, route, nil)
	}

	deficit := required - before.BalanceUSD
	if deficit <= 0 {
		deficit = required
	}
	amount := math.Min(deficit, sourceBalance)
	if g.cfg.MaxPerTxUSD > 0 && amount > g.cfg.MaxPerTxUSD {
		amount = g.cfg.MaxPerTxUSD
	}

	route.RouteType = RouteTypeTestnetCredit
	routed, err := g.router.RouteStableCreditForExecution(ctx, credit.RouteRequest{
		SessionID:   p.SessionID,
		FromChain:   source,
		ToChain:     settlement,
		FromAddress: sourceAddress,
		ToAddress:   address,
		AmountUSD:   amount,
	})
	route.ReceiptID = routed.RecordID
	if err != nil && routed.TxHash != "" {
		// 交易已经广播，只是账本没有记下；继续按回执判断，不能报告铸币失败。
		route.Debug.LastError = err.Error()
		g.logger.Warn("信用交易已广播但记录写入失败",
			slog.String("record_id", routed.RecordID),
			slog.String("tx_hash", routed.TxHash),
			slog.Any("error", err))
		err = nil
	}
	if err != nil {
		route.Reason = "credit routing failed"
		code := xerrors.CodeOf(err)
		if code == xerrors.CodeUnknown {
			code = CodeMintFailed
		}
		return g.fail(ctx, p, code, route, err)
	}
	route.TxHash = routed.TxHash

	if routed.TxHash != "" {
		receipt, err := g.confirmer.WaitForReceipt(ctx, settlement, routed.TxHash, g.cfg.ReceiptTimeout)
		switch {
		case err != nil:
			metrics.ObserveReceiptCheck("funding", "error")
			route.Debug.LastError = err.Error()
			route.Reason = "credit receipt lookup failed"
			return g.fail(ctx, p, CodePending, route, err)
		case receipt.Pending():
			metrics.ObserveReceiptCheck("funding", "pending")
			if receipt.Error != "" {
				route.Debug.LastError = receipt.Error
			}
			route.Reason = "credit submitted, receipt pending"
			return g.fail(ctx, p, CodePending, route, nil)
		case !receipt.Success:
			metrics.ObserveReceiptCheck("funding", "reverted")
			g.settle(ctx, routed, receipt)
			route.Reason = "credit transaction reverted"
			return g.fail(ctx, p, CodeMintFailed, route, xerrors.New(CodeMintFailed, "信用交易执行失败",
				xerrors.WithMetadata("tx_hash", routed.TxHash)))
		default:
			metrics.ObserveReceiptCheck("funding", "success")
			g.settle(ctx, routed, receipt)
		}
	}

	after, err := g.balances.ReadStableBalance(ctx, settlement, address)
	route.Debug.absorb(after.Debug)
	if err != nil {
		route.Debug.LastError = err.Error()
		route.Reason = "post-credit balance read failed"
		return g.fail(ctx, p, CodeReadFailed, route, err)
	}
	if after.BalanceUSD < required {
		route.Reason = fmt.Sprintf("post-credit balance %.2f below %.2f", after.BalanceUSD, required)
		return g.fail(ctx, p, CodeInsufficientFunds, route, nil)
	}

	route.DidRoute = true
	route.CreditedAmountUSD = routed.AmountUSD
	route.Reason = fmt.Sprintf("credited %.2f %s -> %s", routed.AmountUSD, source, settlement)
	return g.succeed(p, route)
}

func (g *Guarantor) sourceSupported(source string) bool {
	for _, chain := range g.cfg.SupportedSourceChains {
		if web3.NormalizeChain(chain) == source {
			return true
		}
	}
	return false
}

// sourceBalance 读取源链余额。未开启实时读取或读取失败时使用保底值，
// 保底值不会低于本次需求。
func (g *Guarantor) sourceBalance(ctx context.Context, chain, address string, required float64, debug *RouteDebug) float64 {
	floor := math.Max(g.cfg.SourceBalanceFloorUSD, required)
	if !g.cfg.LiveSourceRead {
		return floor
	}
	reading, err := g.balances.ReadStableBalance(ctx, chain, address)
	if err != nil {
		debug.LastError = err.Error()
		g.logger.Warn("源链余额读取失败，使用保底值",
			slog.String("chain", chain),
			slog.Float64("floor_usd", floor),
			slog.Any("error", err))
		return floor
	}
	return reading.BalanceUSD
}

func (g *Guarantor) settle(ctx context.Context, routed credit.RouteResult, receipt web3.ReceiptStatus) {
	if _, err := g.router.Settle(ctx, routed.RecordID, routed.TxHash, receipt); err != nil {
		// 回执已确认，记录留给后台对账终结。
		g.logger.Error("终结信用记录失败", slog.String("record_id", routed.RecordID), slog.Any("error", err))
	}
}

func (g *Guarantor) succeed(p Params, route RouteMeta) Result {
	metrics.ObserveFundingOutcome("", route.DidRoute)
	logger.Audit().Info("执行资金已就绪",
		slog.String("session_id", p.SessionID),
		slog.String("chain", route.ToChain),
		slog.Bool("did_route", route.DidRoute),
		slog.Float64("required_usd", route.RequiredUSD),
		slog.String("tx_hash", route.TxHash),
		slog.String("reason", route.Reason),
	)
	return Result{OK: true, Route: route}
}

func (g *Guarantor) fail(ctx context.Context, p Params, code xerrors.Code, route RouteMeta, cause error) Result {
	metrics.ObserveFundingOutcome(string(code), route.DidRoute)
	attrs := []any{
		slog.String("session_id", p.SessionID),
		slog.String("code", string(code)),
		slog.String("chain", route.ToChain),
		slog.String("reason", route.Reason),
		slog.String("record_id", route.ReceiptID),
		slog.String("tx_hash", route.TxHash),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	logger.Audit().Warn("执行资金未就绪", attrs...)

	if code == CodeMintFailed && g.alerter != nil {
		err := cause
		if err == nil {
			err = xerrors.New(CodeMintFailed, route.Reason)
		}
		event := alerting.FromError(err, route.ReceiptID, p.SessionID)
		event.Chain = route.ToChain
		if notifyErr := g.alerter.Notify(ctx, event); notifyErr != nil {
			g.logger.Error("告警通知失败", slog.Any("error", notifyErr), slog.String("record_id", route.ReceiptID))
		}
	}
	return Result{OK: false, Code: code, UserMessage: UserMessage(code), Route: route}
}
