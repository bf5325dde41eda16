package web3

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"math/rand"
	"net/url"
	"time"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/internal/observability/metrics"
	"blossom-gate/pkg/logger"
)

// RetryPolicy bounds the attempts made against each RPC endpoint.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy mirrors the exponential backoff used for JSON APIs:
// 120ms doubling per attempt, capped at 2s, plus up to 75ms of jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   120 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      75 * time.Millisecond,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	return p
}

// Backoff returns the delay before the given retry (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// Failover runs call against each endpoint in order, retrying each one up to
// MaxAttempts times. The returned debug names the endpoint that answered.
func Failover(ctx context.Context, chain string, policy RetryPolicy, endpoints []string, call func(ctx context.Context, idx int) error) (ReadDebug, error) {
	policy = policy.normalized()
	var debug ReadDebug
	if len(endpoints) == 0 {
		return debug, xerrors.New(xerrors.CodeInitializationFailure, "链 "+chain+" 未配置 RPC 端点")
	}

	var lastErr error
	for idx, endpoint := range endpoints {
		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			debug.Attempts++
			err := call(ctx, idx)
			if err == nil {
				debug.RPCUsed = RedactEndpoint(endpoint)
				metrics.ObserveRPCAttempt(chain, "success")
				return debug, nil
			}
			lastErr = err
			debug.LastError = err.Error()
			metrics.ObserveRPCAttempt(chain, "error")
			if ctx.Err() != nil {
				return debug, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "RPC 调用被取消")
			}
			if isPermanent(err) {
				return debug, err
			}
			logger.L().Debug("RPC 调用失败",
				slog.String("chain", chain),
				slog.String("endpoint", RedactEndpoint(endpoint)),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			if attempt == policy.MaxAttempts {
				break
			}
			timer := time.NewTimer(policy.Backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return debug, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "RPC 调用被取消")
			case <-timer.C:
			}
		}
		if idx < len(endpoints)-1 {
			logger.L().Warn("切换 RPC 端点",
				slog.String("chain", chain),
				slog.String("from", RedactEndpoint(endpoint)),
				slog.String("to", RedactEndpoint(endpoints[idx+1])),
			)
		}
	}
	return debug, xerrors.Wrap(xerrors.CodeUpstreamFailure, lastErr, "链 "+chain+" 所有 RPC 端点均失败")
}

// isPermanent reports errors that retrying cannot fix, such as malformed input.
func isPermanent(err error) bool {
	e, ok := xerrors.From(err)
	return ok && e.Code() == xerrors.CodeInvalidArgument && !stdErrors.Is(err, context.DeadlineExceeded)
}

// RedactEndpoint strips paths and credentials, which often carry API keys.
func RedactEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-endpoint"
	}
	return u.Scheme + "://" + u.Host
}
