package intent

import (
	"strings"

	xerrors "blossom-gate/internal/errors"
)

// Path 是动作的风险等级。
type Path string

const (
	PathResearch     Path = "research"
	PathPlanning     Path = "planning"
	PathExecution    Path = "execution"
	PathCreation     Path = "creation"
	PathEventBetting Path = "event_betting"
)

// State 是会话在守卫状态机中的位置。
type State string

const (
	StateIdle       State = "idle"
	StateParsing    State = "parsing"
	StateClassified State = "classified"
	StateConfirming State = "confirming"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// ConfirmationType 标识解锁某个升级所需的确认文本。
type ConfirmationType string

const (
	ConfirmNone      ConfirmationType = "none"
	ConfirmSimple    ConfirmationType = "simple"
	ConfirmBondAck   ConfirmationType = "bond_ack"
	ConfirmRiskAck   ConfirmationType = "risk_ack"
	ConfirmHighValue ConfirmationType = "high_value_ack"
)

const (
	CodeContextNotFound        xerrors.Code = "INTENT_CONTEXT_NOT_FOUND"
	CodeInvalidPath            xerrors.Code = "INVALID_PATH"
	CodePathBlocked            xerrors.Code = "PATH_BLOCKED"
	CodeConfirmationRequired   xerrors.Code = "CONFIRMATION_REQUIRED"
	CodeClassificationMismatch xerrors.Code = "CLASSIFICATION_MISMATCH"
	CodeStoreFailure           xerrors.Code = "INTENT_STORE_FAILURE"
)

func init() {
	xerrors.Register(CodeContextNotFound, xerrors.Attributes{
		Message:    "intent context not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeInvalidPath, xerrors.Attributes{
		Message:    "unknown intent path",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodePathBlocked, xerrors.Attributes{
		Message:    "path transition blocked",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 403,
	})
	xerrors.Register(CodeConfirmationRequired, xerrors.Attributes{
		Message:    "confirmation required",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 202,
	})
	xerrors.Register(CodeClassificationMismatch, xerrors.Attributes{
		Message:    "conflicting intent keywords",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 422,
	})
	xerrors.Register(CodeStoreFailure, xerrors.Attributes{
		Message:    "intent store unavailable",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: 503,
	})
}

// ErrContextNotFound 表示会话上下文不存在或已过期。
var ErrContextNotFound = xerrors.New(CodeContextNotFound, "意图上下文不存在")

// ParsePath 将外部输入转换为 Path。
func ParsePath(raw string) (Path, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	switch Path(key) {
	case PathResearch, PathPlanning, PathExecution, PathCreation, PathEventBetting:
		return Path(key), nil
	case "eventbetting", "betting", "event":
		return PathEventBetting, nil
	}
	return "", xerrors.New(CodeInvalidPath, "未知的路径: "+raw)
}

// Context 是单个会话的意图状态。
type Context struct {
	SessionID                 string           `json:"session_id"`
	CurrentPath               Path             `json:"current_path"`
	CurrentState              State            `json:"current_state"`
	PendingIntentID           string           `json:"pending_intent_id,omitempty"`
	PendingUSDEstimate        *float64         `json:"pending_usd_estimate,omitempty"`
	ConfirmationType          ConfirmationType `json:"confirmation_type"`
	ConfirmedIntentIDs        []string         `json:"confirmed_intent_ids"`
	AuthorizedFrom            Path             `json:"authorized_from,omitempty"`
	LastConfirmationRequestAt int64            `json:"last_confirmation_request_at,omitempty"`
	UpdatedAt                 int64            `json:"updated_at"`
}

func newContext(sessionID string) *Context {
	return &Context{
		SessionID:          sessionID,
		CurrentPath:        PathResearch,
		CurrentState:       StateIdle,
		ConfirmationType:   ConfirmNone,
		ConfirmedIntentIDs: []string{},
	}
}

// IsConfirmed 判断意图是否已经通过确认。
func (c *Context) IsConfirmed(intentID string) bool {
	if intentID == "" {
		return false
	}
	for _, id := range c.ConfirmedIntentIDs {
		if id == intentID {
			return true
		}
	}
	return false
}

func (c *Context) markConfirmed(intentID string) {
	if intentID == "" || c.IsConfirmed(intentID) {
		return
	}
	c.ConfirmedIntentIDs = append(c.ConfirmedIntentIDs, intentID)
}

func (c *Context) clearPending() {
	c.PendingIntentID = ""
	c.PendingUSDEstimate = nil
	c.ConfirmationType = ConfirmNone
}

func (c *Context) clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.ConfirmedIntentIDs = append([]string{}, c.ConfirmedIntentIDs...)
	if c.PendingUSDEstimate != nil {
		v := *c.PendingUSDEstimate
		out.PendingUSDEstimate = &v
	}
	return &out
}
