package web3

import (
	"context"
	"time"
)

// ReadDebug records how a balance read was served.
type ReadDebug struct {
	RPCUsed   string `json:"rpc_used,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// BalanceReading is the stable-asset balance of one address on one chain,
// expressed in USD at a 1:1 peg.
type BalanceReading struct {
	BalanceUSD float64   `json:"balance_usd"`
	Debug      ReadDebug `json:"debug"`
}

// ReceiptStatus classifies a transaction receipt lookup. Confirmed=false
// means the receipt was not observed within the wait window.
type ReceiptStatus struct {
	Confirmed   bool   `json:"confirmed"`
	Success     bool   `json:"success"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Pending reports whether the receipt is still unknown.
func (s ReceiptStatus) Pending() bool {
	return !s.Confirmed
}

// MintOptions controls how a credit mint is submitted.
type MintOptions struct {
	WaitForReceipt bool
	ReceiptTimeout time.Duration
}

// MintResult is returned once the mint transaction has been broadcast.
type MintResult struct {
	Chain   string         `json:"chain"`
	TxHash  string         `json:"tx_hash"`
	Receipt *ReceiptStatus `json:"receipt,omitempty"`
}

// BalanceReader reads stable-asset balances across chains.
type BalanceReader interface {
	ReadStableBalance(ctx context.Context, chain, address string) (BalanceReading, error)
}

// ReceiptConfirmer waits for transaction receipts across chains.
type ReceiptConfirmer interface {
	WaitForReceipt(ctx context.Context, chain, txHash string, timeout time.Duration) (ReceiptStatus, error)
}

// Minter issues stable-asset credit on a settlement chain. Submission is
// asynchronous unless MintOptions.WaitForReceipt is set.
type Minter interface {
	Mint(ctx context.Context, chain, toAddress string, amountUSD float64, opts MintOptions) (MintResult, error)
}

// ChainClient is implemented by every per-chain client held by the registry.
type ChainClient interface {
	Name() string
	ReadStableBalance(ctx context.Context, address string) (BalanceReading, error)
	Close()
}

// ReceiptPoller is implemented by chain clients that can look up receipts.
type ReceiptPoller interface {
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (ReceiptStatus, error)
}

// CreditIssuer is implemented by chain clients that can mint stable credit.
type CreditIssuer interface {
	Mint(ctx context.Context, toAddress string, amountUSD float64, opts MintOptions) (MintResult, error)
}
