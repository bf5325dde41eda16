package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Minter signs and broadcasts mint(address,uint256) calls against the stable
// token of one chain. The key must be authorised as a minter on the token.
type Minter struct {
	client        *Client
	key           *ecdsa.PrivateKey
	from          common.Address
	gasMultiplier float64
	mu            sync.Mutex
}

var _ web3.CreditIssuer = (*Minter)(nil)

// NewMinter builds a Minter from a hex encoded secp256k1 private key.
func NewMinter(client *Client, keyHex string) (*Minter, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供以太坊客户端")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("链 %s 的铸币私钥无效", client.name))
	}
	return &Minter{
		client:        client,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		gasMultiplier: 1.2,
	}, nil
}

// From returns the minter account address.
func (m *Minter) From() common.Address { return m.from }

// Mint submits the credit transaction. Unless opts.WaitForReceipt is set the
// call returns as soon as the node accepts the transaction.
func (m *Minter) Mint(ctx context.Context, toAddress string, amountUSD float64, opts web3.MintOptions) (web3.MintResult, error) {
	if !common.IsHexAddress(strings.TrimSpace(toAddress)) {
		return web3.MintResult{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的收款地址: %q", toAddress))
	}
	units := web3.USDToUnits(amountUSD, m.client.decimals)
	if units.Sign() <= 0 {
		return web3.MintResult{}, xerrors.New(xerrors.CodeInvalidArgument, "铸币金额必须大于 0")
	}
	data, err := erc20ABI.Pack("mint", common.HexToAddress(toAddress), units)
	if err != nil {
		return web3.MintResult{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 mint 调用失败")
	}

	// 同一账户的 nonce 需要串行分配。
	m.mu.Lock()
	signed, err := m.buildAndSend(ctx, data)
	m.mu.Unlock()
	if err != nil {
		return web3.MintResult{}, err
	}

	result := web3.MintResult{Chain: m.client.name, TxHash: signed.Hash().Hex()}
	if opts.WaitForReceipt {
		status, err := m.client.WaitForReceipt(ctx, result.TxHash, opts.ReceiptTimeout)
		if err != nil {
			return result, err
		}
		result.Receipt = &status
	}
	return result, nil
}

func (m *Minter) buildAndSend(ctx context.Context, data []byte) (*coretypes.Transaction, error) {
	eth, err := m.client.backend(0)
	if err != nil {
		return nil, err
	}
	chainID, err := m.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	token := m.client.token
	msg := gethcore.CallMsg{From: m.from, To: &token, Data: data}

	gasLimit, err := eth.EstimateGas(ctx, msg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "估算 mint gas 失败")
	}
	gasLimit = uint64(float64(gasLimit) * m.gasMultiplier)

	tipCap, err := eth.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000)
	}
	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "获取 gas 价格失败")
	}
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := eth.PendingNonceAt(ctx, m.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "获取 nonce 失败")
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &token,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), m.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名 mint 交易失败")
	}
	if err := eth.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "广播 mint 交易失败")
	}
	return signed, nil
}
