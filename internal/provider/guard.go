package provider

import (
	"context"
	"errors"
	"time"

	"territory-api/internal/logger"
	"territory-api/internal/metrics"
	"territory-api/internal/ratelimit"
)

// 文档注释：外部调用守卫
// 背景：所有适配器共享同一套调用前后逻辑：会话预算计数 → 数据源令牌桶 → 超时 → 指标与日志 → 错误归类。
// 约束：Timeout<=0 时使用 15s；Limiter 为 nil 时不限流。
type Guard struct {
	Name    string
	Limiter *ratelimit.Registry
	Timeout time.Duration
}

func (g Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := ratelimit.Charge(ctx); err != nil {
		metrics.ProviderFailTotal.WithLabelValues(g.Name, op, metrics.FailKind(false, true)).Inc()
		return &Error{Provider: g.Name, Op: op, Err: err}
	}
	if err := g.Limiter.Wait(ctx, g.Name); err != nil {
		return Wrap(g.Name, op, err)
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t0 := time.Now()
	metrics.ProviderRequestsTotal.WithLabelValues(g.Name, op).Inc()
	err := fn(cctx)
	ms := time.Since(t0).Milliseconds()
	metrics.ProviderDurationMs.WithLabelValues(g.Name).Observe(float64(ms))
	if err != nil {
		err = Wrap(g.Name, op, err)
		timedOut := IsTimeout(err)
		metrics.ProviderFailTotal.WithLabelValues(g.Name, op, metrics.FailKind(timedOut, false)).Inc()
		logger.L().Debug("provider_call_error", "provider", g.Name, "op", op, "timeout", timedOut, "duration_ms", ms, "err", err)
		return err
	}
	logger.L().Debug("provider_call_ok", "provider", g.Name, "op", op, "duration_ms", ms)
	return nil
}

// BudgetExhausted：错误链中是否为预算耗尽
func BudgetExhausted(err error) bool { return errors.Is(err, ratelimit.ErrBudgetExhausted) }
