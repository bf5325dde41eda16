package funding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"blossom-gate/internal/credit"
	"blossom-gate/internal/observability/alerting"
	"blossom-gate/internal/web3"
)

const (
	settlementAddr = "0x000000000000000000000000000000000000dEaD"
	sourceAddr     = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
)

// simChain 模拟余额、铸币与回执：回执确认成功后信用才会计入余额。
type simChain struct {
	mu        sync.Mutex
	balances  map[string]float64
	pending   map[string]pendingCredit
	readErr   map[string]error
	receipt   web3.ReceiptStatus
	creditCut float64
	mints     int
}

type pendingCredit struct {
	target string
	amount float64
}

func newSimChain() *simChain {
	return &simChain{
		balances: map[string]float64{},
		pending:  map[string]pendingCredit{},
		readErr:  map[string]error{},
		receipt:  web3.ReceiptStatus{Confirmed: true, Success: true, BlockNumber: 12},
	}
}

func key(chain, address string) string {
	return web3.NormalizeChain(chain) + "/" + strings.ToLower(address)
}

func (s *simChain) set(chain, address string, usd float64) {
	s.mu.Lock()
	s.balances[key(chain, address)] = usd
	s.mu.Unlock()
}

func (s *simChain) failReads(chain, address string, err error) {
	s.mu.Lock()
	s.readErr[key(chain, address)] = err
	s.mu.Unlock()
}

func (s *simChain) ReadStableBalance(_ context.Context, chain, address string) (web3.BalanceReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	debug := web3.ReadDebug{RPCUsed: "http://sim", Attempts: 1}
	if err := s.readErr[key(chain, address)]; err != nil {
		debug.LastError = err.Error()
		return web3.BalanceReading{Debug: debug}, err
	}
	return web3.BalanceReading{BalanceUSD: s.balances[key(chain, address)], Debug: debug}, nil
}

func (s *simChain) Mint(_ context.Context, chain, to string, amountUSD float64, _ web3.MintOptions) (web3.MintResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mints++
	hash := fmt.Sprintf("0x%064x", s.mints)
	s.pending[hash] = pendingCredit{target: key(chain, to), amount: amountUSD - s.creditCut}
	return web3.MintResult{Chain: chain, TxHash: hash}, nil
}

func (s *simChain) WaitForReceipt(_ context.Context, _ string, txHash string, _ time.Duration) (web3.ReceiptStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receipt.Confirmed && s.receipt.Success {
		if pc, ok := s.pending[txHash]; ok {
			s.balances[pc.target] += pc.amount
			delete(s.pending, txHash)
		}
	}
	return s.receipt, nil
}

func (s *simChain) mintCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mints
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	chain     *simChain
	ledger    *credit.MemoryLedger
	router    *credit.Router
	guarantor *Guarantor
	alerts    *recordingAlerts
}

func newFixture(t *testing.T, mutate func(*Config, *credit.RouterConfig)) *fixture {
	t.Helper()
	cfg := Config{
		DefaultSettlementChain: "base_sepolia",
		SourceChain:            "solana_devnet",
		MaxPerTxUSD:            1000,
		ReceiptTimeout:         time.Second,
		LiveSourceRead:         true,
		SourceBalanceFloorUSD:  100,
	}
	routerCfg := credit.RouterConfig{
		Enabled:          true,
		SourceChain:      "solana_devnet",
		SettlementChains: []string{"base_sepolia", "sepolia"},
		MaxPerTxUSD:      1000,
	}
	if mutate != nil {
		mutate(&cfg, &routerCfg)
	}
	chain := newSimChain()
	ledger := credit.NewMemoryLedger()
	router := credit.NewRouter(routerCfg, ledger, chain)
	alerts := &recordingAlerts{}
	g := NewGuarantor(cfg, chain, chain, router, WithAlertDispatcher(alerts))
	return &fixture{chain: chain, ledger: ledger, router: router, guarantor: g, alerts: alerts}
}

func usd(v float64) *float64 { return &v }

func baseParams() Params {
	return Params{
		SessionID:       "sess-1",
		InstrumentType:  "perp",
		SettlementChain: "base-sepolia",
		Address:         settlementAddr,
		SourceChain:     "solana",
		SourceAddress:   sourceAddr,
		RequiredUSD:     usd(300),
	}
}

func TestEnsureFundingRoutesDeficit(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.set("solana_devnet", sourceAddr, 500)

	res := f.guarantor.EnsureExecutionFunding(context.Background(), baseParams())
	if !res.OK || !res.Route.DidRoute {
		t.Fatalf("expected routed success, got %+v", res)
	}
	if res.Route.CreditedAmountUSD != 300 || res.Route.RouteType != RouteTypeTestnetCredit {
		t.Fatalf("unexpected route meta %+v", res.Route)
	}
	if res.Route.FromChain != "solana_devnet" || res.Route.ToChain != "base_sepolia" {
		t.Fatalf("unexpected corridor %+v", res.Route)
	}
	record, err := f.ledger.Get(context.Background(), res.Route.ReceiptID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Status != credit.StatusCredited || record.TxHash() != res.Route.TxHash {
		t.Fatalf("record not credited: %+v", record)
	}
}

func TestEnsureFundingNoRouteWhenCovered(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.set("base_sepolia", settlementAddr, 450)

	res := f.guarantor.EnsureExecutionFunding(context.Background(), baseParams())
	if !res.OK || res.Route.DidRoute {
		t.Fatalf("expected success without routing, got %+v", res)
	}
	if f.chain.mintCount() != 0 {
		t.Fatal("no credit should be minted")
	}
}

func TestEnsureFundingNothingRequired(t *testing.T) {
	f := newFixture(t, nil)
	p := baseParams()
	p.RequiredUSD = nil
	p.InstrumentType = "swap"
	p.SpendEstimate = 900

	res := f.guarantor.EnsureExecutionFunding(context.Background(), p)
	if !res.OK || res.Route.DidRoute || res.Route.RequiredUSD != 0 {
		t.Fatalf("swap should not require funding: %+v", res)
	}
}

func TestRequiredUSD(t *testing.T) {
	g := NewGuarantor(Config{MaxPerTxUSD: 1000}, nil, nil, nil)
	cases := []struct {
		name string
		p    Params
		want float64
	}{
		{"override", Params{RequiredUSD: usd(250), InstrumentType: "swap"}, 250},
		{"perp estimate", Params{InstrumentType: "PERP", SpendEstimate: 120}, 120},
		{"clamped", Params{InstrumentType: "event", SpendEstimate: 5000}, 1000},
		{"unfunded instrument", Params{InstrumentType: "swap", SpendEstimate: 40}, 0},
		{"negative", Params{RequiredUSD: usd(-3)}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := g.RequiredUSD(tc.p); got != tc.want {
				t.Fatalf("RequiredUSD() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnsureFundingPendingReceipt(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.set("solana_devnet", sourceAddr, 500)
	f.chain.receipt = web3.ReceiptStatus{}

	res := f.guarantor.EnsureExecutionFunding(context.Background(), baseParams())
	if res.OK || res.Code != CodePending {
		t.Fatalf("expected pending, got %+v", res)
	}
	if res.Route.DidRoute || res.Route.TxHash == "" {
		t.Fatalf("pending result must carry tx hash without didRoute: %+v", res.Route)
	}
	record, err := f.ledger.Get(context.Background(), res.Route.ReceiptID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if record.Status != credit.StatusCreditSubmitted {
		t.Fatalf("record should stay submitted, got %s", record.Status)
	}

	// 重试命中在途信用，不会重复铸币。
	again := f.guarantor.EnsureExecutionFunding(context.Background(), baseParams())
	if again.Code != CodePending || again.Route.TxHash != res.Route.TxHash {
		t.Fatalf("retry should reuse in-flight credit: %+v", again)
	}
	if f.chain.mintCount() != 1 {
		t.Fatalf("expected a single mint, got %d", f.chain.mintCount())
	}
}

func TestEnsureFundingRevertedReceipt(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.set("solana_devnet", sourceAddr, 500)
	f.chain.receipt = web3.ReceiptStatus{Confirmed: true, Success: false, BlockNumber: 9}

	res := f.guarantor.EnsureExecutionFunding(context.Background(), baseParams())
	if res.OK || res.Code != CodeMintFailed {
		t.Fatalf("expected mint failure, got %+v", res)
	}
	record, _ := f.ledger.Get(context.Background(), res.Route.ReceiptID)
	if record == nil || record.Status != credit.StatusFailed {
		t.Fatalf("record should be failed: %+v", record)
	}
	if len(f.alerts.events) != 1 || f.alerts.events[0].RecordID != res.Route.ReceiptID {
		t.Fatalf("expected one alert, got %+v", f.alerts.events)
	}
}

func TestEnsureFundingShortAfterCredit(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.set("solana_devnet", sourceAddr, 500)
	f.chain.creditCut = 50

	res := f.guarantor.EnsureExecutionFunding(context.Background(), baseParams())
	if res.OK || res.Code != CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %+v", res)
	}
	if res.Route.DidRoute {
		t.Fatal("didRoute must stay false on failure")
	}
}

func TestEnsureFundingSettlementReadFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.failReads("base_sepolia", settlementAddr, errors.New("dial tcp: connection refused"))

	res := f.guarantor.EnsureExecutionFunding(context.Background(), baseParams())
	if res.OK || res.Code != CodeReadFailed {
		t.Fatalf("expected read failure, got %+v", res)
	}
	if res.Route.Debug.LastError == "" || res.Route.Debug.Attempts == 0 {
		t.Fatalf("debug should be populated: %+v", res.Route.Debug)
	}
	if f.chain.mintCount() != 0 {
		t.Fatal("nothing should be minted")
	}
}

func TestEnsureFundingSourceFloorFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.failReads("solana_devnet", sourceAddr, errors.New("rpc timeout"))

	res := f.guarantor.EnsureExecutionFunding(context.Background(), baseParams())
	if !res.OK || !res.Route.DidRoute || res.Route.CreditedAmountUSD != 300 {
		t.Fatalf("floor should not cap the route below required: %+v", res)
	}
	if !strings.Contains(res.Route.Debug.LastError, "rpc timeout") {
		t.Fatalf("source read failure should be kept in debug: %+v", res.Route.Debug)
	}
}

func TestEnsureFundingEmptySource(t *testing.T) {
	f := newFixture(t, nil)

	res := f.guarantor.EnsureExecutionFunding(context.Background(), baseParams())
	if res.OK || res.Code != CodeInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %+v", res)
	}
}

func TestEnsureFundingRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config, *credit.RouterConfig)
		params func(*Params)
		want   string
	}{
		{"routing disabled", func(_ *Config, rc *credit.RouterConfig) { rc.Enabled = false }, nil, string(CodeRouteDisabled)},
		{"missing settlement address", nil, func(p *Params) { p.Address = " " }, string(CodeMissingAddress)},
		{"missing source address", nil, func(p *Params) { p.SourceAddress = "" }, string(CodeMissingAddress)},
		{"unsupported corridor", nil, func(p *Params) { p.SettlementChain = "arbitrum_sepolia" }, string(CodeUnsupported)},
		{"unsupported source", nil, func(p *Params) { p.SourceChain = "sepolia" }, string(CodeUnsupported)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mutate)
			f.chain.set("solana_devnet", sourceAddr, 500)
			p := baseParams()
			if tc.params != nil {
				tc.params(&p)
			}
			res := f.guarantor.EnsureExecutionFunding(context.Background(), p)
			if res.OK || string(res.Code) != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, res)
			}
			if res.UserMessage == "" {
				t.Fatal("user message should be set")
			}
			if f.chain.mintCount() != 0 {
				t.Fatal("nothing should be minted")
			}
		})
	}
}

func TestEnsureFundingForceRoute(t *testing.T) {
	f := newFixture(t, nil)
	f.chain.set("base_sepolia", settlementAddr, 400)
	f.chain.set("solana_devnet", sourceAddr, 500)
	p := baseParams()
	p.ForceRoute = true

	res := f.guarantor.EnsureExecutionFunding(context.Background(), p)
	if !res.OK || !res.Route.DidRoute || res.Route.CreditedAmountUSD != 300 {
		t.Fatalf("force route should credit the full requirement: %+v", res)
	}
}

// submitFailingLedger 在写入 credit_submitted 时失败，模拟广播后账本不可用。
type submitFailingLedger struct {
	*credit.MemoryLedger
}

func (l submitFailingLedger) Update(ctx context.Context, id string, patch credit.Patch) (*credit.Record, error) {
	if patch.Status == credit.StatusCreditSubmitted {
		return nil, errors.New("ledger unavailable")
	}
	return l.MemoryLedger.Update(ctx, id, patch)
}

func TestEnsureFundingFollowsBroadcastCreditWhenLedgerWriteFails(t *testing.T) {
	cases := []struct {
		name    string
		receipt web3.ReceiptStatus
		wantOK  bool
		want    string
		status  credit.Status
	}{
		{name: "confirmed", receipt: web3.ReceiptStatus{Confirmed: true, Success: true, BlockNumber: 7}, wantOK: true, status: credit.StatusCredited},
		{name: "pending", receipt: web3.ReceiptStatus{}, want: string(CodePending), status: credit.StatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chain := newSimChain()
			chain.receipt = tc.receipt
			chain.set("solana_devnet", sourceAddr, 500)
			ledger := submitFailingLedger{MemoryLedger: credit.NewMemoryLedger()}
			router := credit.NewRouter(credit.RouterConfig{
				Enabled:          true,
				SourceChain:      "solana_devnet",
				SettlementChains: []string{"base_sepolia"},
				MaxPerTxUSD:      1000,
			}, ledger, chain)
			alerts := &recordingAlerts{}
			g := NewGuarantor(Config{SourceChain: "solana_devnet", MaxPerTxUSD: 1000, ReceiptTimeout: time.Second, LiveSourceRead: true},
				chain, chain, router, WithAlertDispatcher(alerts))

			res := g.EnsureExecutionFunding(context.Background(), baseParams())
			if res.OK != tc.wantOK || string(res.Code) != tc.want {
				t.Fatalf("unexpected result %+v", res)
			}
			if res.Code == CodeMintFailed || len(alerts.events) != 0 {
				t.Fatalf("a broadcast credit must not be reported as a failed mint: %+v", res)
			}
			if res.Route.TxHash == "" || res.Route.ReceiptID == "" || res.Route.Debug.LastError == "" {
				t.Fatalf("route should keep the broadcast tx and the ledger error: %+v", res.Route)
			}
			if chain.mintCount() != 1 {
				t.Fatalf("expected one mint, got %d", chain.mintCount())
			}
			record, err := ledger.Get(context.Background(), res.Route.ReceiptID)
			if err != nil {
				t.Fatalf("get record: %v", err)
			}
			if record.Status != tc.status {
				t.Fatalf("record status %s, want %s", record.Status, tc.status)
			}
		})
	}
}
