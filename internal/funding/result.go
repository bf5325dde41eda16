package funding

import (
	"blossom-gate/internal/credit"
	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/web3"
)

const (
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodePending           xerrors.Code = "PENDING"
	CodeReadFailed        xerrors.Code = "READ_FAILED"
)

// 路由相关的错误码由 credit 包注册，这里只做转述。
const (
	CodeRouteDisabled  = credit.CodeRouteDisabled
	CodeMissingAddress = credit.CodeMissingAddress
	CodeUnsupported    = credit.CodeUnsupported
	CodeMintFailed     = credit.CodeMintFailed
)

// RouteTypeTestnetCredit 标记通过测试网信用完成的资金路由。
const RouteTypeTestnetCredit = "testnet_credit"

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:    "insufficient stable balance for execution",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodePending, xerrors.Attributes{
		Message:    "settlement credit not yet confirmed",
		Severity:   xerrors.SeverityInfo,
		Retryable:  true,
		HTTPStatus: 202,
	})
	xerrors.Register(CodeReadFailed, xerrors.Attributes{
		Message:    "failed to read settlement balance",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: 503,
	})
}

var userMessages = map[xerrors.Code]string{
	CodeRouteDisabled:     "Funding route is disabled. Top up the settlement wallet before executing.",
	CodeMissingAddress:    "A source and settlement wallet address are both required to route funds.",
	CodeUnsupported:       "Funds cannot be routed between these chains. Top up the settlement wallet directly.",
	CodeInsufficientFunds: "Not enough stable balance to fund this execution.",
	CodeMintFailed:        "The funding transfer failed on the settlement chain. Nothing was executed.",
	CodePending:           "Funding transfer submitted but not yet confirmed. Retry shortly; nothing was executed.",
	CodeReadFailed:        "Could not verify the settlement balance. Nothing was executed; retry shortly.",
}

// UserMessage 返回错误码对应的用户提示；提示从不暗示执行已成功。
func UserMessage(code xerrors.Code) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return "Funding could not be confirmed. Nothing was executed."
}

// RouteDebug 记录余额读取所用的 RPC 信息。
type RouteDebug struct {
	RPCUsed   string `json:"rpc_used,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// RouteMeta 是资金决策的审计记录，无论是否发生路由都会生成。
type RouteMeta struct {
	DidRoute          bool       `json:"did_route"`
	RouteType         string     `json:"route_type,omitempty"`
	FromChain         string     `json:"from_chain,omitempty"`
	ToChain           string     `json:"to_chain"`
	Reason            string     `json:"reason"`
	ReceiptID         string     `json:"receipt_id,omitempty"`
	TxHash            string     `json:"tx_hash,omitempty"`
	CreditedAmountUSD float64    `json:"credited_amount_usd,omitempty"`
	RequiredUSD       float64    `json:"required_usd"`
	Debug             RouteDebug `json:"debug"`
}

// Result 是 EnsureExecutionFunding 的返回值。OK=false 时 Code 非空。
type Result struct {
	OK          bool         `json:"ok"`
	Code        xerrors.Code `json:"code,omitempty"`
	UserMessage string       `json:"user_message,omitempty"`
	Route       RouteMeta    `json:"route"`
}

func (d *RouteDebug) absorb(debug web3.ReadDebug) {
	d.RPCUsed = debug.RPCUsed
	d.Attempts += debug.Attempts
	if debug.LastError != "" {
		d.LastError = debug.LastError
	}
}
