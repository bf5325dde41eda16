package solana

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/web3"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

var base58Address = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// Config describes a Solana cluster and the SPL mint of its stable asset.
type Config struct {
	Name           string
	RPCURLs        []string
	StableMint     string
	StableDecimals int
	Retry          web3.RetryPolicy
	RequestTimeout time.Duration
}

// Client reads SPL token balances over Solana JSON-RPC.
type Client struct {
	name     string
	mint     string
	decimals int
	urls     []string
	rpcs     []*gethrpc.Client
	retry    web3.RetryPolicy
	timeout  time.Duration
	mu       sync.Mutex
}

var _ web3.ChainClient = (*Client)(nil)

// NewClient dials every configured endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 未配置 Solana RPC 地址", cfg.Name))
	}
	mint := strings.TrimSpace(cfg.StableMint)
	if !base58Address.MatchString(mint) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 的稳定币 mint 无效: %q", cfg.Name, mint))
	}
	c := &Client{
		name:     cfg.Name,
		mint:     mint,
		decimals: cfg.StableDecimals,
		retry:    cfg.Retry,
		timeout:  cfg.RequestTimeout,
	}
	for _, url := range cfg.RPCURLs {
		rpcClient, err := gethrpc.DialContext(ctx, url)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("连接 Solana 节点 %s 失败: %w", web3.RedactEndpoint(url), err)
		}
		c.urls = append(c.urls, url)
		c.rpcs = append(c.rpcs, rpcClient)
	}
	if c.decimals <= 0 {
		c.decimals = 6
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry = web3.DefaultRetryPolicy()
	}
	if c.timeout <= 0 {
		c.timeout = 8 * time.Second
	}
	return c, nil
}

// Name returns the registry key of the chain.
func (c *Client) Name() string { return c.name }

// Close releases the RPC connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rpcClient := range c.rpcs {
		rpcClient.Close()
	}
	c.rpcs = nil
}

type tokenAccounts struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount   string `json:"amount"`
							Decimals int    `json:"decimals"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// ReadStableBalance sums every token account the owner holds for the mint.
func (c *Client) ReadStableBalance(ctx context.Context, owner string) (web3.BalanceReading, error) {
	owner = strings.TrimSpace(owner)
	if !base58Address.MatchString(owner) {
		return web3.BalanceReading{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的 Solana 地址: %q", owner))
	}

	var total *big.Int
	debug, err := web3.Failover(ctx, c.name, c.retry, c.urls, func(ctx context.Context, idx int) error {
		c.mu.Lock()
		if idx >= len(c.rpcs) {
			c.mu.Unlock()
			return xerrors.New(xerrors.CodeInitializationFailure, "Solana 客户端已关闭")
		}
		rpcClient := c.rpcs[idx]
		c.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var out tokenAccounts
		err := rpcClient.CallContext(callCtx, &out, "getTokenAccountsByOwner",
			owner,
			map[string]string{"mint": c.mint},
			map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"},
		)
		if err != nil {
			return err
		}
		sum := new(big.Int)
		for _, account := range out.Value {
			raw := account.Account.Data.Parsed.Info.TokenAmount.Amount
			if raw == "" {
				continue
			}
			amount, ok := new(big.Int).SetString(raw, 10)
			if !ok {
				return fmt.Errorf("无法解析代币余额 %q", raw)
			}
			sum.Add(sum, amount)
		}
		total = sum
		return nil
	})
	if err != nil {
		return web3.BalanceReading{Debug: debug}, err
	}
	return web3.BalanceReading{BalanceUSD: web3.UnitsToUSD(total, c.decimals), Debug: debug}, nil
}
