// 包 tier：有序降级链
// 背景：边界、街道、建筑检测都按"首选数据源 → 次选 → 兜底"顺序尝试，直到某一层级返回非空结果。
// 约束：层级错误视为可恢复，记录后继续下一层；上下文取消时立即停止，不再尝试后续层级。
package tier

import (
	"context"
	"time"

	"territory-api/internal/logger"
	"territory-api/internal/metrics"
)

type Tier[T any] struct {
	Name string
	Fn   func(ctx context.Context) ([]T, error)
}

// Attempt：单个层级的尝试记录
type Attempt struct {
	Tier  string
	Found int
	Err   error
}

type Outcome[T any] struct {
	Items    []T
	Tier     string
	Attempts []Attempt
}

// Found：是否有层级返回了非空结果
func (o Outcome[T]) Found() bool { return o.Tier != "" }

// Failed：出错的层级名称（按尝试顺序）
func (o Outcome[T]) Failed() []string {
	var out []string
	for _, a := range o.Attempts {
		if a.Err != nil {
			out = append(out, a.Tier)
		}
	}
	return out
}

// Tried：已尝试的全部层级名称
func (o Outcome[T]) Tried() []string {
	out := make([]string, 0, len(o.Attempts))
	for _, a := range o.Attempts {
		out = append(out, a.Tier)
	}
	return out
}

// 文档注释：按顺序执行层级，首个非空结果胜出
// 背景：component 用作指标标签与日志字段（boundary/streets/buildings）。
func Run[T any](ctx context.Context, component string, tiers ...Tier[T]) Outcome[T] {
	var out Outcome[T]
	log := logger.Component(component)
	for _, t := range tiers {
		if t.Fn == nil {
			continue
		}
		if ctx.Err() != nil {
			log.Debug("tier_chain_cancelled", "next", t.Name)
			return out
		}
		t0 := time.Now()
		items, err := t.Fn(ctx)
		a := Attempt{Tier: t.Name, Found: len(items), Err: err}
		out.Attempts = append(out.Attempts, a)
		result := "hit"
		switch {
		case err != nil:
			result = "error"
		case len(items) == 0:
			result = "empty"
		}
		metrics.TierAttemptsTotal.WithLabelValues(component, t.Name, result).Inc()
		log.Debug("tier_attempt", "tier", t.Name, "result", result, "found", len(items), "duration_ms", time.Since(t0).Milliseconds(), "err", err)
		if err == nil && len(items) > 0 {
			out.Items = items
			out.Tier = t.Name
			return out
		}
	}
	return out
}
