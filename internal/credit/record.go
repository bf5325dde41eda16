package credit

import (
	stdErrors "errors"
	"fmt"
	"strings"

	xerrors "blossom-gate/internal/errors"
)

// Status 表示信用记录在生命周期中的状态。
type Status string

const (
	StatusCreated         Status = "created"
	StatusCreditSubmitted Status = "credit_submitted"
	StatusCredited        Status = "credited"
	StatusFailed          Status = "failed"
)

// Record 描述一次跨链测试网信用尝试。
type Record struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	FromChain    string         `json:"from_chain"`
	ToChain      string         `json:"to_chain"`
	AmountUSD    float64        `json:"amount_usd"`
	StableSymbol string         `json:"stable_symbol"`
	FromAddress  string         `json:"from_address"`
	ToAddress    string         `json:"to_address"`
	Status       Status         `json:"status"`
	ErrorCode    string         `json:"error_code,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

// TxHash 返回 meta 中记录的结算交易哈希。
func (r *Record) TxHash() string {
	if r == nil || r.Meta == nil {
		return ""
	}
	hash, _ := r.Meta[MetaTxHash].(string)
	return hash
}

// Terminal 判断记录是否已经终结。
func (r *Record) Terminal() bool {
	return r != nil && r.Status.Terminal()
}

// Patch 描述一次记录更新。Status 为空时只合并 Meta。
type Patch struct {
	Status    Status
	ErrorCode string
	Meta      map[string]any
}

// meta 中约定的键。
const (
	MetaTxHash        = "tx_hash"
	MetaError         = "error"
	MetaReceiptStatus = "receipt_status"
	MetaBlockNumber   = "block_number"
	MetaSettledBy     = "settled_by"
	MetaLastCheckedAt = "last_checked_at"
	MetaLastCheckErr  = "last_check_error"
)

const (
	CodeRecordNotFound   xerrors.Code = "CREDIT_NOT_FOUND"
	CodeRecordConflict   xerrors.Code = "CREDIT_CONFLICT"
	CodeStatusRegression xerrors.Code = "CREDIT_STATUS_REGRESSION"
	CodeRouteDisabled    xerrors.Code = "ROUTE_DISABLED"
	CodeMissingAddress   xerrors.Code = "MISSING_ADDRESS"
	CodeUnsupported      xerrors.Code = "UNSUPPORTED"
	CodeMintFailed       xerrors.Code = "MINT_FAILED"
	CodeFinalizerFailed  xerrors.Code = "FINALIZER_FAILED"
	CodeReconcilePublish xerrors.Code = "RECONCILE_PUBLISH_FAILED"
	CodeSubmitUnrecorded xerrors.Code = "CREDIT_SUBMIT_UNRECORDED"
)

var (
	// ErrRecordNotFound 表示指定的信用记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "credit record not found")
	// ErrRecordConflict 表示记录 ID 已存在。
	ErrRecordConflict = xerrors.New(CodeRecordConflict, "credit record already exists")
	// ErrStatusRegression 表示请求的状态变更会让记录回退。
	ErrStatusRegression = xerrors.New(CodeStatusRegression, "credit status may only move forward")
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:    "credit record not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:    "credit record already exists",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeStatusRegression, xerrors.Attributes{
		Message:    "credit status may only move forward",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeRouteDisabled, xerrors.Attributes{
		Message:    "testnet credit routing is disabled",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 403,
	})
	xerrors.Register(CodeMissingAddress, xerrors.Attributes{
		Message:    "source or destination address missing",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeUnsupported, xerrors.Attributes{
		Message:    "chain pair is not a supported credit corridor",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeMintFailed, xerrors.Attributes{
		Message:    "settlement credit mint failed",
		Severity:   xerrors.SeverityCritical,
		HTTPStatus: 502,
		Alert:      true,
	})
	xerrors.Register(CodeFinalizerFailed, xerrors.Attributes{
		Message:   "credit finalizer sweep failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSubmitUnrecorded, xerrors.Attributes{
		Message:    "credit transaction broadcast but not recorded as submitted",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 202,
	})
	xerrors.Register(CodeReconcilePublish, xerrors.Attributes{
		Message:   "failed to publish record to reconcile queue",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusCreditSubmitted:
		return 1
	case StatusCredited, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCredited || s == StatusFailed
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	return status.rank() >= 0
}

// ParseStatus 解析外部输入的状态字符串。
func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	return status, IsValidStatus(status)
}

// checkTransition 只允许状态前进；终态之后不再变化。
func checkTransition(from, to Status) error {
	if to == "" || to == from {
		return nil
	}
	if !IsValidStatus(to) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的信用状态: %s", to))
	}
	if from.Terminal() || to.rank() <= from.rank() {
		return xerrors.Wrap(CodeStatusRegression, ErrStatusRegression, fmt.Sprintf("信用状态不能从 %s 变更为 %s", from, to))
	}
	return nil
}

// IsStatusRegression 判断错误是否由状态回退引起。
func IsStatusRegression(err error) bool {
	return stdErrors.Is(err, ErrStatusRegression) || xerrors.IsCode(err, CodeStatusRegression)
}

// IsNotFound 判断错误是否表示记录不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrRecordNotFound) || xerrors.IsCode(err, CodeRecordNotFound)
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	cloned := make(map[string]any, len(meta))
	for key, value := range meta {
		cloned[key] = value
	}
	return cloned
}

func mergeMeta(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return cloneMeta(base)
	}
	merged := cloneMeta(base)
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for key, value := range patch {
		merged[key] = value
	}
	return merged
}

func cloneRecord(record *Record) *Record {
	clone := *record
	clone.Meta = cloneMeta(record.Meta)
	return &clone
}
