package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"blossom-gate/internal/credit"
	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/funding"
	"blossom-gate/internal/intent"
	"blossom-gate/internal/observability/metrics"
	"blossom-gate/pkg/logger"
)

// FundingService 是执行前资金检查的入口。
type FundingService interface {
	EnsureExecutionFunding(ctx context.Context, p funding.Params) funding.Result
}

// Reconciler 按需终结单条信用记录。
type Reconciler interface {
	Reconcile(ctx context.Context, recordID string) (*credit.Record, error)
}

// Server 负责暴露 REST 接口，供聊天路由与执行准备方调用。
type Server struct {
	addr         string
	guard        *intent.Guard
	funding      FundingService
	ledger       credit.Ledger
	reconciler   Reconciler
	mountMetrics bool
	logger       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithReconciler 开启 POST /api/v1/credits/{id}/reconcile。
func WithReconciler(r Reconciler) Option {
	return func(s *Server) {
		s.reconciler = r
	}
}

// WithMetricsEndpoint 在 API 端口上挂载 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) {
		s.mountMetrics = enabled
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, guard *intent.Guard, fundingSvc FundingService, ledger credit.Ledger, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		guard:   guard,
		funding: fundingSvc,
		ledger:  ledger,
		logger:  logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /api/v1/intents/classify", "classify", s.handleClassify)
	s.handle(mux, "GET /api/v1/sessions/{id}", "session", s.handleSession)
	s.handle(mux, "POST /api/v1/sessions/{id}/submit", "submit", s.handleSubmit)
	s.handle(mux, "POST /api/v1/sessions/{id}/transition", "transition", s.handleTransition)
	s.handle(mux, "POST /api/v1/sessions/{id}/policy", "policy", s.handlePolicy)
	s.handle(mux, "POST /api/v1/sessions/{id}/confirm", "confirm", s.handleConfirm)
	s.handle(mux, "POST /api/v1/sessions/{id}/complete", "complete", s.handleComplete)
	s.handle(mux, "POST /api/v1/funding/ensure", "funding", s.handleEnsureFunding)
	s.handle(mux, "GET /api/v1/credits", "credits", s.handleListCredits)
	s.handle(mux, "GET /api/v1/credits/{id}", "credit", s.handleCreditDetail)
	s.handle(mux, "POST /api/v1/credits/{id}/reconcile", "reconcile", s.handleReconcile)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.mountMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.guard == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "路径守卫未初始化"))
		return
	}
	writeJSON(w, http.StatusOK, s.guard.Classifier().ClassifyWithValidation(req.Text))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireGuard(w) {
		return
	}
	state, err := s.guard.Context(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.requireGuard(w) {
		return
	}
	var req intent.Submission
	if !decodeBody(w, r, &req) {
		return
	}
	decision, err := s.guard.Submit(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type transitionRequest struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	IntentID    string   `json:"intent_id"`
	USDEstimate *float64 `json:"usd_estimate"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	if !s.requireGuard(w) {
		return
	}
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, err := intent.ParsePath(req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	var from intent.Path
	if strings.TrimSpace(req.From) != "" {
		if from, err = intent.ParsePath(req.From); err != nil {
			writeError(w, err)
			return
		}
	}
	decision, err := s.guard.RequestTransition(r.Context(), r.PathValue("id"), intent.TransitionRequest{
		From:        from,
		To:          to,
		IntentID:    req.IntentID,
		USDEstimate: req.USDEstimate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type policyRequest struct {
	Path        string   `json:"path"`
	IntentID    string   `json:"intent_id"`
	USDEstimate *float64 `json:"usd_estimate"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireGuard(w) {
		return
	}
	var req policyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	path, err := intent.ParsePath(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	decision, err := s.guard.EvaluatePathPolicy(r.Context(), r.PathValue("id"), path, intent.PolicyOptions{
		IntentID:    req.IntentID,
		USDEstimate: req.USDEstimate,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type confirmRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if !s.requireGuard(w) {
		return
	}
	var req confirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.guard.ProcessConfirmation(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type completeRequest struct {
	Succeeded bool `json:"succeeded"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if !s.requireGuard(w) {
		return
	}
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	state, err := s.guard.CompleteExecution(r.Context(), r.PathValue("id"), req.Succeeded)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEnsureFunding(w http.ResponseWriter, r *http.Request) {
	if s.funding == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "资金保障器未初始化"))
		return
	}
	var req funding.Params
	if !decodeBody(w, r, &req) {
		return
	}
	result := s.funding.EnsureExecutionFunding(r.Context(), req)
	status := http.StatusOK
	if !result.OK {
		if mapped := xerrors.AttributesOf(result.Code).HTTPStatus; mapped > 0 {
			status = mapped
		} else {
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, result)
}

type creditList struct {
	Records []*credit.Record `json:"records"`
	Stats   credit.Stats     `json:"stats"`
}

func (s *Server) handleListCredits(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.ledger.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.ledger.Stats(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*credit.Record{}
	}
	writeJSON(w, http.StatusOK, creditList{Records: records, Stats: stats})
}

func parseListOptions(r *http.Request) (credit.ListOptions, error) {
	query := r.URL.Query()
	var opts []credit.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return credit.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, credit.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return credit.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, credit.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []credit.Status
		for _, part := range strings.Split(raw, ",") {
			status, ok := credit.ParseStatus(part)
			if !ok {
				return credit.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的信用状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, credit.WithStatuses(statuses...))
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return credit.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, "since 必须为 unix 秒")
		}
		opts = append(opts, credit.WithUpdatedSince(time.Unix(ts, 0)))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return credit.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, "until 必须为 unix 秒")
		}
		opts = append(opts, credit.WithUpdatedUntil(time.Unix(ts, 0)))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, credit.WithSortOrder(credit.SortByUpdatedAsc))
	}
	opts = append(opts,
		credit.WithSession(query.Get("session_id")),
		credit.WithToChain(query.Get("to_chain")),
		credit.WithQuery(query.Get("q")),
	)
	return credit.BuildListOptions(opts...), nil
}

func (s *Server) handleCreditDetail(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	record, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "对账未启用"))
		return
	}
	record, err := s.reconciler.Reconcile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) requireGuard(w http.ResponseWriter) bool {
	if s.guard == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "路径守卫未初始化"))
		return false
	}
	return true
}

func (s *Server) requireLedger(w http.ResponseWriter) bool {
	if s.ledger == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "信用账本未初始化"))
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

type errorBody struct {
	Code    xerrors.Code      `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Details = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", slog.String("code", string(body.Code)), slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
