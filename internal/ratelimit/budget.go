package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBudgetExhausted：会话级外部调用预算已用完
var ErrBudgetExhausted = errors.New("api call budget exhausted")

// 文档注释：会话级外部调用计数器
// 背景：一次检测可能触发上百次地理编码；预算挂在会话上，所有层级共用同一计数。
// 约束：max<=0 表示只计数不限额；并发安全。
type Budget struct {
	max  int64
	used atomic.Int64
}

func NewBudget(max int) *Budget { return &Budget{max: int64(max)} }

// Take：记一次调用；超出上限时不计数并返回 ErrBudgetExhausted
func (b *Budget) Take() error {
	for {
		cur := b.used.Load()
		if b.max > 0 && cur >= b.max {
			return ErrBudgetExhausted
		}
		if b.used.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

func (b *Budget) Used() int { return int(b.used.Load()) }

// Add：补记已发生的调用（如共享加载代本会话发出的调用）；不受上限约束
func (b *Budget) Add(n int) {
	if n > 0 {
		b.used.Add(int64(n))
	}
}

// Remaining：剩余次数；不限额时返回 -1
func (b *Budget) Remaining() int {
	if b.max <= 0 {
		return -1
	}
	if left := b.max - b.used.Load(); left > 0 {
		return int(left)
	}
	return 0
}

type budgetKey struct{}

func WithBudget(ctx context.Context, b *Budget) context.Context {
	return context.WithValue(ctx, budgetKey{}, b)
}

func BudgetFrom(ctx context.Context) *Budget {
	b, _ := ctx.Value(budgetKey{}).(*Budget)
	return b
}

// Charge：外部调用前由适配器调用；上下文未挂预算时只放行
func Charge(ctx context.Context) error {
	if b := BudgetFrom(ctx); b != nil {
		return b.Take()
	}
	return nil
}
