package ethereum

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"mint","outputs":[],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURLs        []string
	ChainID        int64
	StableToken    string
	StableDecimals int
	Notes          string
	Retry          web3.RetryPolicy
	RequestTimeout time.Duration
	PollInterval   time.Duration
}

type endpoint struct {
	url string
	rpc *gethrpc.Client
	eth *ethclient.Client
}

// Client reads stable balances and receipts from an EVM chain, failing over
// across the configured RPC endpoints.
type Client struct {
	name      string
	notes     string
	token     common.Address
	decimals  int
	chainID   *big.Int
	endpoints []endpoint
	retry     web3.RetryPolicy
	timeout   time.Duration
	poll      time.Duration
	mu        sync.Mutex
}

var (
	_ web3.ChainClient   = (*Client)(nil)
	_ web3.ReceiptPoller = (*Client)(nil)
)

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 未配置以太坊 RPC 地址", cfg.Name))
	}
	token := strings.TrimSpace(cfg.StableToken)
	if token != "" && !common.IsHexAddress(token) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 的稳定币地址无效: %s", cfg.Name, token))
	}

	endpoints := make([]endpoint, 0, len(cfg.RPCURLs))
	for _, url := range cfg.RPCURLs {
		rpcClient, err := gethrpc.DialContext(ctx, url)
		if err != nil {
			for _, ep := range endpoints {
				ep.rpc.Close()
			}
			return nil, fmt.Errorf("连接以太坊节点 %s 失败: %w", web3.RedactEndpoint(url), err)
		}
		endpoints = append(endpoints, endpoint{url: url, rpc: rpcClient, eth: ethclient.NewClient(rpcClient)})
	}

	c := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		token:     common.HexToAddress(token),
		decimals:  cfg.StableDecimals,
		endpoints: endpoints,
		retry:     cfg.Retry,
		timeout:   cfg.RequestTimeout,
		poll:      cfg.PollInterval,
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
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
	if c.poll <= 0 {
		c.poll = 1500 * time.Millisecond
	}
	return c, nil
}

// Name returns the registry key of the chain.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range c.endpoints {
		if ep.rpc != nil {
			ep.rpc.Close()
		}
	}
	c.endpoints = nil
}

func (c *Client) urls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.endpoints))
	for i, ep := range c.endpoints {
		out[i] = ep.url
	}
	return out
}

func (c *Client) backend(idx int) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx < 0 || idx >= len(c.endpoints) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "以太坊客户端已关闭")
	}
	return c.endpoints[idx].eth, nil
}

// ReadStableBalance returns the ERC-20 stable balance of address.
func (c *Client) ReadStableBalance(ctx context.Context, address string) (web3.BalanceReading, error) {
	if c == nil {
		return web3.BalanceReading{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return web3.BalanceReading{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的 EVM 地址: %q", address))
	}
	if c.token == (common.Address{}) {
		return web3.BalanceReading{}, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("链 %s 未配置稳定币合约", c.name))
	}
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return web3.BalanceReading{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 balanceOf 调用失败")
	}

	var balance *big.Int
	debug, err := web3.Failover(ctx, c.name, c.retry, c.urls(), func(ctx context.Context, idx int) error {
		eth, err := c.backend(idx)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		out, err := eth.CallContract(callCtx, gethcore.CallMsg{To: &c.token, Data: data}, nil)
		if err != nil {
			return err
		}
		values, err := erc20ABI.Unpack("balanceOf", out)
		if err != nil {
			return fmt.Errorf("解析 balanceOf 返回值失败: %w", err)
		}
		if len(values) != 1 {
			return fmt.Errorf("balanceOf 返回值数量异常: %d", len(values))
		}
		amount, ok := values[0].(*big.Int)
		if !ok {
			return fmt.Errorf("balanceOf 返回值类型异常: %T", values[0])
		}
		balance = amount
		return nil
	})
	if err != nil {
		return web3.BalanceReading{Debug: debug}, err
	}
	return web3.BalanceReading{BalanceUSD: web3.UnitsToUSD(balance, c.decimals), Debug: debug}, nil
}

// WaitForReceipt polls for the receipt of txHash until timeout. A receipt that
// is not observed in time yields Confirmed=false and a nil error.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (web3.ReceiptStatus, error) {
	if c == nil {
		return web3.ReceiptStatus{}, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的以太坊客户端")
	}
	raw := strings.TrimSpace(txHash)
	if len(common.FromHex(raw)) != common.HashLength {
		return web3.ReceiptStatus{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的交易哈希: %q", txHash))
	}
	hash := common.HexToHash(raw)
	if timeout <= 0 {
		timeout = c.poll
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	var status web3.ReceiptStatus
	for {
		receipt, err := c.receipt(waitCtx, hash)
		if err == nil && receipt != nil {
			status.Confirmed = true
			status.Success = receipt.Status == coretypes.ReceiptStatusSuccessful
			if receipt.BlockNumber != nil {
				status.BlockNumber = receipt.BlockNumber.Uint64()
			}
			status.Error = ""
			return status, nil
		}
		if err != nil && !stdErrors.Is(err, gethcore.NotFound) && waitCtx.Err() == nil {
			status.Error = err.Error()
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return status, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待回执被取消")
			}
			return status, nil
		case <-ticker.C:
		}
	}
}

// receipt asks each endpoint once; NotFound from any endpoint means pending.
func (c *Client) receipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	var lastErr error
	for idx := range c.urls() {
		eth, err := c.backend(idx)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		receipt, err := eth.TransactionReceipt(callCtx, hash)
		cancel()
		if err == nil {
			return receipt, nil
		}
		if stdErrors.Is(err, gethcore.NotFound) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = gethcore.NotFound
	}
	return nil, lastErr
}

// ChainID returns the configured chain id, querying the node when unset.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	id := c.chainID
	c.mu.Unlock()
	if id != nil {
		return new(big.Int).Set(id), nil
	}
	eth, err := c.backend(0)
	if err != nil {
		return nil, err
	}
	id, err = eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "获取链 ID 失败")
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}
