package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"blossom-gate/internal/web3"
)

type fakeMinter struct {
	mu    sync.Mutex
	calls atomic.Int32
	err   error
	delay time.Duration
	mints []string
}

func (f *fakeMinter) Mint(ctx context.Context, chain, to string, amountUSD float64, opts web3.MintOptions) (web3.MintResult, error) {
	n := f.calls.Add(1)
	if opts.WaitForReceipt {
		return web3.MintResult{}, errors.New("router must not wait for receipts")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return web3.MintResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return web3.MintResult{}, f.err
	}
	hash := fmt.Sprintf("0x%064x", n)
	f.mu.Lock()
	f.mints = append(f.mints, fmt.Sprintf("%s:%s:%.2f", chain, to, amountUSD))
	f.mu.Unlock()
	return web3.MintResult{Chain: chain, TxHash: hash}, nil
}

type fakeConfirmer struct {
	mu       sync.Mutex
	statuses map[string]web3.ReceiptStatus
	errs     map[string]error
}

func newFakeConfirmer() *fakeConfirmer {
	return &fakeConfirmer{statuses: map[string]web3.ReceiptStatus{}, errs: map[string]error{}}
}

func (f *fakeConfirmer) set(hash string, status web3.ReceiptStatus) {
	f.mu.Lock()
	f.statuses[hash] = status
	f.mu.Unlock()
}

func (f *fakeConfirmer) WaitForReceipt(_ context.Context, _ string, txHash string, _ time.Duration) (web3.ReceiptStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[txHash]; err != nil {
		return web3.ReceiptStatus{}, err
	}
	return f.statuses[txHash], nil
}

func testRouterConfig() RouterConfig {
	return RouterConfig{
		Enabled:            true,
		SourceChain:        "solana_devnet",
		SettlementChains:   []string{"base_sepolia", "sepolia"},
		StableSymbol:       "USDC",
		MaxPerTxUSD:        1000,
		AmountToleranceUSD: 0.01,
		LookupLimit:        50,
	}
}

func testRequest() RouteRequest {
	return RouteRequest{
		SessionID:   "sess-1",
		FromChain:   "solana",
		ToChain:     "base-sepolia",
		FromAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		ToAddress:   "0x000000000000000000000000000000000000dEaD",
		AmountUSD:   300,
	}
}

// stepClock 每次读取前进一秒，让按 updated_at 的排序在测试中确定。
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

// submitFailingLedger 在把记录推进到 credit_submitted 时总是失败。
type submitFailingLedger struct {
	*MemoryLedger
	attempts atomic.Int32
}

func (l *submitFailingLedger) Update(ctx context.Context, id string, patch Patch) (*Record, error) {
	if patch.Status == StatusCreditSubmitted {
		l.attempts.Add(1)
		return nil, errors.New("ledger unavailable")
	}
	return l.MemoryLedger.Update(ctx, id, patch)
}
