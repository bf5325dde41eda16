package provider

import (
	"context"
	"testing"
	"time"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/web3"
)

type stubChain struct {
	name    string
	balance float64
	status  web3.ReceiptStatus
	closed  bool
}

func (s *stubChain) Name() string { return s.name }

func (s *stubChain) ReadStableBalance(context.Context, string) (web3.BalanceReading, error) {
	return web3.BalanceReading{BalanceUSD: s.balance, Debug: web3.ReadDebug{Attempts: 1}}, nil
}

func (s *stubChain) WaitForReceipt(context.Context, string, time.Duration) (web3.ReceiptStatus, error) {
	return s.status, nil
}

func (s *stubChain) Close() { s.closed = true }

type stubIssuer struct{ to string }

func (s *stubIssuer) Mint(_ context.Context, to string, _ float64, _ web3.MintOptions) (web3.MintResult, error) {
	s.to = to
	return web3.MintResult{TxHash: "0xabc"}, nil
}

func TestRegistryDispatchesByNormalizedName(t *testing.T) {
	reg := NewEmptyRegistry()
	base := &stubChain{name: "base_sepolia", balance: 42, status: web3.ReceiptStatus{Confirmed: true, Success: true}}
	reg.Register(base)
	issuer := &stubIssuer{}
	reg.RegisterIssuer("base-sepolia", issuer)

	reading, err := reg.ReadStableBalance(context.Background(), "Base-Sepolia", "0x1")
	if err != nil || reading.BalanceUSD != 42 {
		t.Fatalf("unexpected reading %+v (%v)", reading, err)
	}
	status, err := reg.WaitForReceipt(context.Background(), "base", "0xhash", time.Second)
	if err != nil || !status.Success {
		t.Fatalf("unexpected status %+v (%v)", status, err)
	}
	if _, err := reg.Mint(context.Background(), "base_sepolia", "0xdest", 10, web3.MintOptions{}); err != nil || issuer.to != "0xdest" {
		t.Fatalf("mint not dispatched: %v", err)
	}

	reg.Close()
	if !base.closed {
		t.Fatal("close should release clients")
	}
	if len(reg.Chains()) != 0 {
		t.Fatal("registry should be empty after close")
	}
}

func TestRegistryUnknownChain(t *testing.T) {
	reg := NewEmptyRegistry()
	reg.Register(&stubChain{name: "solana_devnet"})

	_, err := reg.ReadStableBalance(context.Background(), "polygon", "0x1")
	if xerrors.CodeOf(err) != CodeUnknownChain {
		t.Fatalf("expected unknown chain, got %v", err)
	}
	if _, err := reg.Mint(context.Background(), "solana", "x", 1, web3.MintOptions{}); xerrors.CodeOf(err) != CodeUnknownChain {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestRegistryReceiptRequiresPoller(t *testing.T) {
	reg := NewEmptyRegistry()
	reg.Register(&sourceOnly{name: "solana_devnet"})

	if _, err := reg.WaitForReceipt(context.Background(), "solana", "sig", time.Second); xerrors.CodeOf(err) != CodeUnknownChain {
		t.Fatalf("expected receipt lookup to be rejected, got %v", err)
	}
}

type sourceOnly struct{ name string }

func (s *sourceOnly) Name() string { return s.name }
func (s *sourceOnly) ReadStableBalance(context.Context, string) (web3.BalanceReading, error) {
	return web3.BalanceReading{}, nil
}
func (s *sourceOnly) Close() {}

func TestNewRegistryFromDefinitions(t *testing.T) {
	defs, err := web3.ParseChainDefinitions([]byte(`
chains:
  Base-Sepolia:
    type: evm
    chain_id: 84532
    rpc_urls: ["http://127.0.0.1:18545", "http://127.0.0.1:18546"]
    stable_token: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
    minter_key_env: TEST_MINTER_KEY
  solana-devnet:
    type: solana
    rpc_url: "http://127.0.0.1:18899"
    stable_token: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	reg, err := NewRegistryFromDefinitions(context.Background(), defs, Options{
		Getenv: func(string) string {
			return "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
		},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	t.Cleanup(reg.Close)

	chains := reg.Chains()
	if len(chains) != 2 || chains[0] != "base_sepolia" || chains[1] != "solana_devnet" {
		t.Fatalf("unexpected chains %v", chains)
	}
	if _, ok := reg.issuers["base_sepolia"]; !ok {
		t.Fatal("expected minter for base_sepolia")
	}
}

func TestNewRegistryRequiresMinterKey(t *testing.T) {
	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"sepolia": {
			Type:         "evm",
			RPCURL:       "http://127.0.0.1:18545",
			StableToken:  "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
			MinterKeyEnv: "MISSING",
		},
	}}
	if _, err := NewRegistryFromDefinitions(context.Background(), defs, Options{Getenv: func(string) string { return "" }}); err == nil {
		t.Fatal("expected missing key error")
	}
}
