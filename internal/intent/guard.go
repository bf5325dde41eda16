package intent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/observability/metrics"
	"blossom-gate/pkg/logger"
)

// Transition 是一对路径。
type Transition struct {
	From Path
	To   Path
}

// DefaultTransitionTable 返回需要确认的升级及其确认类型。
func DefaultTransitionTable() map[Transition]ConfirmationType {
	return map[Transition]ConfirmationType{
		{From: PathPlanning, To: PathExecution}:     ConfirmSimple,
		{From: PathCreation, To: PathExecution}:     ConfirmBondAck,
		{From: PathEventBetting, To: PathExecution}: ConfirmRiskAck,
	}
}

// TransitionRequest 描述一次路径切换。From 为空时使用会话当前路径。
type TransitionRequest struct {
	From        Path     `json:"from,omitempty"`
	To          Path     `json:"to"`
	IntentID    string   `json:"intent_id,omitempty"`
	USDEstimate *float64 `json:"usd_estimate,omitempty"`
}

// PolicyOptions 是 EvaluatePathPolicy 的可选参数。
type PolicyOptions struct {
	IntentID    string   `json:"intent_id,omitempty"`
	USDEstimate *float64 `json:"usd_estimate,omitempty"`
}

// Submission 是一次待分类的动作。
type Submission struct {
	Text        string   `json:"text"`
	IntentID    string   `json:"intent_id,omitempty"`
	USDEstimate *float64 `json:"usd_estimate,omitempty"`
}

// Decision 是守卫的建议性结果；不允许时不会返回 error。
type Decision struct {
	Allowed              bool             `json:"allowed"`
	Code                 xerrors.Code     `json:"code,omitempty"`
	Message              string           `json:"message,omitempty"`
	RequiresConfirmation bool             `json:"requires_confirmation"`
	ConfirmationType     ConfirmationType `json:"confirmation_type"`
	IntentID             string           `json:"intent_id,omitempty"`
	Path                 Path             `json:"path"`
	State                State            `json:"state"`
	Mismatch             *Mismatch        `json:"mismatch,omitempty"`
}

// ConfirmationOutcome 是确认回复的处理结果。
type ConfirmationOutcome string

const (
	OutcomeConfirmed ConfirmationOutcome = "confirmed"
	OutcomeCancelled ConfirmationOutcome = "cancelled"
	OutcomeReprompt  ConfirmationOutcome = "reprompt"
	OutcomeNoPending ConfirmationOutcome = "no_pending"
)

// ConfirmationResult 描述 ProcessConfirmation 的结果。
type ConfirmationResult struct {
	Outcome          ConfirmationOutcome `json:"outcome"`
	ConfirmationType ConfirmationType    `json:"confirmation_type"`
	IntentID         string              `json:"intent_id,omitempty"`
	Path             Path                `json:"path"`
	State            State               `json:"state"`
	Message          string              `json:"message,omitempty"`
}

var cancelPattern = regexp.MustCompile(`(?i)\b(no|nope|cancel|stop|abort|nevermind|never mind|don'?t)\b`)

// 每种确认类型要求回复中同时出现的词。
var confirmationPatterns = map[ConfirmationType][]*regexp.Regexp{
	ConfirmSimple:    compile(`\b(yes|y|yep|confirm(ed)?|proceed|go ahead|ok(ay)?|do it)\b`),
	ConfirmBondAck:   compile(`\bunderstand\b`, `\bbond\b`),
	ConfirmRiskAck:   compile(`\baccept\b`, `\brisks?\b`),
	ConfirmHighValue: compile(`\bconfirm\b`, `\bhigh[\s-]?value\b`),
}

func matchesConfirmation(kind ConfirmationType, text string) bool {
	patterns, ok := confirmationPatterns[kind]
	if !ok || len(patterns) == 0 {
		return false
	}
	for _, pattern := range patterns {
		if !pattern.MatchString(text) {
			return false
		}
	}
	return true
}

// Guard 持有会话状态并决定哪些升级需要显式确认。
type Guard struct {
	store      ContextStore
	classifier *Classifier
	table      map[Transition]ConfirmationType
	threshold  float64
	now        func() time.Time
	locks      keyedMutex
	logger     *slog.Logger
}

// GuardOption 定义可选配置。
type GuardOption func(*Guard)

// WithHighValueThreshold 设置高额确认阈值（美元）。
func WithHighValueThreshold(usd float64) GuardOption {
	return func(g *Guard) {
		if usd > 0 {
			g.threshold = usd
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithClassifier 替换分类器。
func WithClassifier(c *Classifier) GuardOption {
	return func(g *Guard) {
		if c != nil {
			g.classifier = c
		}
	}
}

// WithGuardLogger 指定日志输出。
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard 构造 Guard。store 为空时使用不过期的内存存储。
func NewGuard(store ContextStore, opts ...GuardOption) *Guard {
	if store == nil {
		store = NewMemoryContextStore(0)
	}
	g := &Guard{
		store:      store,
		classifier: NewClassifier(nil, nil),
		table:      DefaultTransitionTable(),
		threshold:  10_000,
		now:        time.Now,
		logger:     logger.Named("intent.guard"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Classifier 返回守卫使用的分类器。
func (g *Guard) Classifier() *Classifier {
	return g.classifier
}

// Context 返回会话上下文副本。
func (g *Guard) Context(ctx context.Context, sessionID string) (*Context, error) {
	return g.store.Get(ctx, sessionID)
}

func (g *Guard) load(ctx context.Context, sessionID string) (*Context, error) {
	c, err := g.store.Get(ctx, sessionID)
	if err != nil {
		if stdErrors.Is(err, ErrContextNotFound) {
			return newContext(sessionID), nil
		}
		return nil, err
	}
	return c, nil
}

func (g *Guard) save(ctx context.Context, c *Context) error {
	c.UpdatedAt = g.now().UnixMilli()
	return g.store.Put(ctx, c)
}

func validSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID")
	}
	return nil
}

// RequestTransition 判断会话能否从 req.From 切换到 req.To。
func (g *Guard) RequestTransition(ctx context.Context, sessionID string, req TransitionRequest) (Decision, error) {
	if err := validSession(sessionID); err != nil {
		return Decision{}, err
	}
	unlock := g.locks.lock(sessionID)
	defer unlock()

	c, err := g.load(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	decision := g.transition(c, req)
	if err := g.save(ctx, c); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// transition 在已加锁的上下文上执行状态机，调用方负责持久化。
func (g *Guard) transition(c *Context, req TransitionRequest) Decision {
	from := req.From
	if from == "" {
		from = c.CurrentPath
	}
	to := req.To

	if from == to && to == PathExecution && !c.IsConfirmed(req.IntentID) {
		// 执行中出现的新意图按授权执行时的来源路径重新确认。
		from = c.AuthorizedFrom
		if from == "" || from == PathExecution {
			from = PathPlanning
		}
	}

	if from == to {
		c.CurrentPath = to
		c.clearPending()
		c.CurrentState = stateFor(to)
		return g.allowed(c, req.IntentID)
	}

	if from == PathResearch && to == PathExecution {
		// 不进入 confirming，下一次尝试需要走 planning -> execution 的确认。
		c.CurrentPath = PathPlanning
		c.CurrentState = StateClassified
		c.clearPending()
		g.logger.Info("研究路径直接执行被拦截", slog.String("session_id", c.SessionID), slog.String("intent_id", req.IntentID))
		return Decision{
			Allowed:          false,
			Code:             CodePathBlocked,
			Message:          "Execution cannot start straight from research. Review the plan first, then ask to execute it.",
			ConfirmationType: ConfirmNone,
			IntentID:         req.IntentID,
			Path:             c.CurrentPath,
			State:            c.CurrentState,
		}
	}

	required := ConfirmNone
	if kind, ok := g.table[Transition{From: from, To: to}]; ok {
		required = kind
	}
	if to == PathExecution && req.USDEstimate != nil && *req.USDEstimate >= g.threshold {
		required = ConfirmHighValue
	}

	if required == ConfirmNone {
		c.CurrentPath = to
		c.clearPending()
		c.CurrentState = stateFor(to)
		return g.allowed(c, req.IntentID)
	}

	intentID := strings.TrimSpace(req.IntentID)
	if intentID == "" {
		intentID = uuid.NewString()
	}
	c.CurrentPath = from
	c.CurrentState = StateConfirming
	c.PendingIntentID = intentID
	c.PendingUSDEstimate = nil
	if req.USDEstimate != nil {
		v := *req.USDEstimate
		c.PendingUSDEstimate = &v
	}
	c.ConfirmationType = required
	c.LastConfirmationRequestAt = g.now().UnixMilli()
	metrics.ObserveConfirmation(string(required), "requested")
	logger.Audit().Info("执行前需要确认",
		slog.String("session_id", c.SessionID),
		slog.String("intent_id", intentID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("confirmation_type", string(required)),
	)
	return Decision{
		Allowed:              false,
		Code:                 CodeConfirmationRequired,
		Message:              g.prompt(required, c.PendingUSDEstimate),
		RequiresConfirmation: true,
		ConfirmationType:     required,
		IntentID:             intentID,
		Path:                 c.CurrentPath,
		State:                c.CurrentState,
	}
}

func (g *Guard) allowed(c *Context, intentID string) Decision {
	return Decision{
		Allowed:          true,
		ConfirmationType: ConfirmNone,
		IntentID:         intentID,
		Path:             c.CurrentPath,
		State:            c.CurrentState,
	}
}

func stateFor(path Path) State {
	if path == PathExecution {
		return StateExecuting
	}
	return StateClassified
}

func (g *Guard) prompt(kind ConfirmationType, usd *float64) string {
	switch kind {
	case ConfirmSimple:
		return `Ready to execute this plan. Reply "confirm" to proceed or "cancel" to stop.`
	case ConfirmBondAck:
		return `Creating this market locks a bond that can be lost. Reply "I understand the bond" to proceed or "cancel" to stop.`
	case ConfirmRiskAck:
		return `Event positions can lose the full stake. Reply "I accept the risk" to proceed or "cancel" to stop.`
	case ConfirmHighValue:
		amount := "this amount"
		if usd != nil {
			amount = fmt.Sprintf("$%.2f", *usd)
		}
		return fmt.Sprintf(`This execution is about %s, at or above the $%.0f high-value threshold. Reply "I confirm the high value" to proceed or "cancel" to stop.`, amount, g.threshold)
	}
	return ""
}

// ProcessConfirmation 处理用户对确认提示的回复。取消关键词优先；
// 文本不满足当前确认类型时原样重新提示，状态不变。
func (g *Guard) ProcessConfirmation(ctx context.Context, sessionID, text string) (ConfirmationResult, error) {
	if err := validSession(sessionID); err != nil {
		return ConfirmationResult{}, err
	}
	unlock := g.locks.lock(sessionID)
	defer unlock()

	c, err := g.load(ctx, sessionID)
	if err != nil {
		return ConfirmationResult{}, err
	}
	if c.CurrentState != StateConfirming || c.ConfirmationType == ConfirmNone {
		return ConfirmationResult{
			Outcome:          OutcomeNoPending,
			ConfirmationType: ConfirmNone,
			Path:             c.CurrentPath,
			State:            c.CurrentState,
			Message:          "Nothing is waiting for confirmation.",
		}, nil
	}

	kind := c.ConfirmationType
	intentID := c.PendingIntentID
	result := ConfirmationResult{ConfirmationType: kind, IntentID: intentID}

	switch {
	case cancelPattern.MatchString(text):
		c.clearPending()
		c.CurrentState = StateCancelled
		result.Outcome = OutcomeCancelled
		result.Message = "Cancelled. Nothing was executed."
	case matchesConfirmation(kind, text):
		c.markConfirmed(intentID)
		c.PendingUSDEstimate = nil
		c.ConfirmationType = ConfirmNone
		if c.CurrentPath != PathExecution {
			c.AuthorizedFrom = c.CurrentPath
		}
		c.CurrentPath = PathExecution
		c.CurrentState = StateExecuting
		result.Outcome = OutcomeConfirmed
		result.Message = "Confirmed. Proceeding with execution."
	default:
		result.Outcome = OutcomeReprompt
		result.Message = g.prompt(kind, c.PendingUSDEstimate)
		result.Path = c.CurrentPath
		result.State = c.CurrentState
		metrics.ObserveConfirmation(string(kind), string(OutcomeReprompt))
		return result, nil
	}

	if err := g.save(ctx, c); err != nil {
		return ConfirmationResult{}, err
	}
	result.Path = c.CurrentPath
	result.State = c.CurrentState
	metrics.ObserveConfirmation(string(kind), string(result.Outcome))
	logger.Audit().Info("确认回复已处理",
		slog.String("session_id", sessionID),
		slog.String("intent_id", intentID),
		slog.String("confirmation_type", string(kind)),
		slog.String("outcome", string(result.Outcome)),
	)
	return result, nil
}

// EvaluatePathPolicy 是执行前的策略入口。已确认的意图无条件放行，
// 一次确认只授权这一个意图。
func (g *Guard) EvaluatePathPolicy(ctx context.Context, sessionID string, path Path, opts PolicyOptions) (Decision, error) {
	if err := validSession(sessionID); err != nil {
		return Decision{}, err
	}
	unlock := g.locks.lock(sessionID)
	defer unlock()

	c, err := g.load(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	decision := g.evaluate(c, path, opts)
	if err := g.save(ctx, c); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (g *Guard) evaluate(c *Context, path Path, opts PolicyOptions) Decision {
	if c.IsConfirmed(opts.IntentID) {
		c.clearPending()
		c.CurrentPath = path
		c.CurrentState = stateFor(path)
		if path == PathExecution {
			c.PendingIntentID = opts.IntentID
		}
		return g.allowed(c, opts.IntentID)
	}
	return g.transition(c, TransitionRequest{To: path, IntentID: opts.IntentID, USDEstimate: opts.USDEstimate})
}

// Submit 走完整的控制流：解析、分类、校验并评估策略。分类冲突时不改变路径。
func (g *Guard) Submit(ctx context.Context, sessionID string, sub Submission) (Decision, error) {
	if err := validSession(sessionID); err != nil {
		return Decision{}, err
	}
	unlock := g.locks.lock(sessionID)
	defer unlock()

	c, err := g.load(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	// 新动作会取代尚未确认的旧动作。
	c.clearPending()
	c.CurrentState = StateParsing

	classification := g.classifier.ClassifyWithValidation(sub.Text)
	c.CurrentState = StateClassified

	var decision Decision
	if classification.Mismatch != nil {
		decision = Decision{
			Allowed:          false,
			Code:             CodeClassificationMismatch,
			Message:          mismatchMessage(classification.Mismatch),
			ConfirmationType: ConfirmNone,
			IntentID:         sub.IntentID,
			Path:             c.CurrentPath,
			State:            c.CurrentState,
			Mismatch:         classification.Mismatch,
		}
		g.logger.Info("动作分类存在冲突",
			slog.String("session_id", sessionID),
			slog.String("detected", string(classification.Mismatch.DetectedPath)),
			slog.Any("keywords", classification.Mismatch.ConflictingKeywords))
	} else {
		decision = g.evaluate(c, classification.Path, PolicyOptions{IntentID: sub.IntentID, USDEstimate: sub.USDEstimate})
	}
	if err := g.save(ctx, c); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func mismatchMessage(m *Mismatch) string {
	return fmt.Sprintf("This request mixes %s with %s. Rephrase it as a %s request if that is what you meant.",
		strings.ReplaceAll(string(m.DetectedPath), "_", " "),
		strings.Join(m.ConflictingKeywords, ", "),
		strings.ReplaceAll(string(m.SuggestedPath), "_", " "))
}

// CompleteExecution 在执行结束后复位会话：路径回到 research 并清除待确认意图。
func (g *Guard) CompleteExecution(ctx context.Context, sessionID string, succeeded bool) (*Context, error) {
	if err := validSession(sessionID); err != nil {
		return nil, err
	}
	unlock := g.locks.lock(sessionID)
	defer unlock()

	c, err := g.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	intentID := c.PendingIntentID
	c.clearPending()
	c.AuthorizedFrom = ""
	c.CurrentPath = PathResearch
	c.CurrentState = StateFailed
	if succeeded {
		c.CurrentState = StateCompleted
	}
	if err := g.save(ctx, c); err != nil {
		return nil, err
	}
	logger.Audit().Info("执行已结束",
		slog.String("session_id", sessionID),
		slog.String("intent_id", intentID),
		slog.Bool("succeeded", succeeded),
	)
	return c.clone(), nil
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex 为每个会话提供独立的互斥锁，无引用时回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
