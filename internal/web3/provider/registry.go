package provider

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"blossom-gate/internal/config"
	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/web3"
	"blossom-gate/internal/web3/ethereum"
	"blossom-gate/internal/web3/solana"
)

// CodeUnknownChain 表示请求的链没有在注册表中配置。
const CodeUnknownChain xerrors.Code = "UNKNOWN_CHAIN"

func init() {
	xerrors.Register(CodeUnknownChain, xerrors.Attributes{
		Message:    "chain not configured",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
}

// Registry manages a set of chain clients keyed by normalised chain name and
// dispatches balance, receipt and mint calls to them.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]web3.ChainClient
	issuers map[string]web3.CreditIssuer
}

var (
	_ web3.BalanceReader    = (*Registry)(nil)
	_ web3.ReceiptConfirmer = (*Registry)(nil)
	_ web3.Minter           = (*Registry)(nil)
)

// NewEmptyRegistry returns a registry without clients. Tests register fakes on it.
func NewEmptyRegistry() *Registry {
	return &Registry{
		clients: make(map[string]web3.ChainClient),
		issuers: make(map[string]web3.CreditIssuer),
	}
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return NewRegistryFromDefinitions(ctx, defs, Options{
		Retry:          web3.RetryPolicy{MaxAttempts: cfg.MaxAttempts, BaseDelay: 120 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 75 * time.Millisecond},
		RequestTimeout: time.Duration(cfg.RequestTimeoutMillis) * time.Millisecond,
		PollInterval:   time.Duration(cfg.PollIntervalMillis) * time.Millisecond,
		Getenv:         os.Getenv,
	})
}

// Options tunes the clients built from chain definitions.
type Options struct {
	Retry          web3.RetryPolicy
	RequestTimeout time.Duration
	PollInterval   time.Duration
	Getenv         func(string) string
}

// NewRegistryFromDefinitions builds one client per chain definition. EVM
// chains with a minter key also get a credit issuer.
func NewRegistryFromDefinitions(ctx context.Context, defs web3.ChainDefinitions, opts Options) (*Registry, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	r := NewEmptyRegistry()
	for name, chain := range defs.Chains {
		switch chain.Kind() {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:           name,
				RPCURLs:        chain.Endpoints(),
				ChainID:        chain.ChainID,
				StableToken:    chain.StableToken,
				StableDecimals: chain.Decimals(),
				Notes:          chain.Description,
				Retry:          opts.Retry,
				RequestTimeout: opts.RequestTimeout,
				PollInterval:   opts.PollInterval,
			})
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			r.Register(client)
			if env := strings.TrimSpace(chain.MinterKeyEnv); env != "" {
				key := opts.Getenv(env)
				if key == "" {
					r.Close()
					return nil, fmt.Errorf("链 %s 的铸币私钥环境变量 %s 为空", name, env)
				}
				minter, err := ethereum.NewMinter(client, key)
				if err != nil {
					r.Close()
					return nil, err
				}
				r.RegisterIssuer(name, minter)
			}
		case "solana":
			client, err := solana.NewClient(ctx, solana.Config{
				Name:           name,
				RPCURLs:        chain.Endpoints(),
				StableMint:     chain.StableToken,
				StableDecimals: chain.Decimals(),
				Retry:          opts.Retry,
				RequestTimeout: opts.RequestTimeout,
			})
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			r.Register(client)
		default:
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}
	if len(r.clients) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链的 RPC 端点")
	}
	return r, nil
}

// Register adds or replaces a chain client.
func (r *Registry) Register(client web3.ChainClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[web3.NormalizeChain(client.Name())] = client
}

// RegisterIssuer adds or replaces the credit issuer of a chain.
func (r *Registry) RegisterIssuer(chain string, issuer web3.CreditIssuer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issuers[web3.NormalizeChain(chain)] = issuer
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.ChainClient, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[web3.NormalizeChain(name)]
	return client, ok
}

func (r *Registry) mustClient(chain string) (web3.ChainClient, error) {
	client, ok := r.Client(chain)
	if !ok {
		return nil, xerrors.New(CodeUnknownChain, fmt.Sprintf("链 %q 未配置", chain))
	}
	return client, nil
}

// ReadStableBalance implements web3.BalanceReader.
func (r *Registry) ReadStableBalance(ctx context.Context, chain, address string) (web3.BalanceReading, error) {
	client, err := r.mustClient(chain)
	if err != nil {
		return web3.BalanceReading{}, err
	}
	return client.ReadStableBalance(ctx, address)
}

// WaitForReceipt implements web3.ReceiptConfirmer.
func (r *Registry) WaitForReceipt(ctx context.Context, chain, txHash string, timeout time.Duration) (web3.ReceiptStatus, error) {
	client, err := r.mustClient(chain)
	if err != nil {
		return web3.ReceiptStatus{}, err
	}
	poller, ok := client.(web3.ReceiptPoller)
	if !ok {
		return web3.ReceiptStatus{}, xerrors.New(CodeUnknownChain, fmt.Sprintf("链 %q 不支持回执查询", chain))
	}
	return poller.WaitForReceipt(ctx, txHash, timeout)
}

// Mint implements web3.Minter.
func (r *Registry) Mint(ctx context.Context, chain, toAddress string, amountUSD float64, opts web3.MintOptions) (web3.MintResult, error) {
	r.mu.RLock()
	issuer, ok := r.issuers[web3.NormalizeChain(chain)]
	r.mu.RUnlock()
	if !ok {
		return web3.MintResult{}, xerrors.New(CodeUnknownChain, fmt.Sprintf("链 %q 未配置铸币账户", chain))
	}
	return issuer.Mint(ctx, toAddress, amountUSD, opts)
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
	for name := range r.issuers {
		delete(r.issuers, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
