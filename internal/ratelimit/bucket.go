// 包 ratelimit：外部数据源的进程级限流与会话级调用预算
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"territory-api/internal/logger"
)

// 文档注释：令牌桶（每秒补满）
// 背景：第三方地图/地名服务按秒计配额，多个会话并发检测时共享同一个桶，避免集体被封。
// 约束：容量即每秒请求数；Wait 阻塞到下一秒刷新或 ctx 取消，不排队保证公平。
type TokenBucket struct {
	capacity int
	tokens   int
	lastSec  int64
	mu       sync.Mutex
	now      func() time.Time
}

func NewTokenBucket(perSecond int) *TokenBucket {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &TokenBucket{capacity: perSecond, tokens: perSecond, lastSec: time.Now().Unix(), now: time.Now}
}

// Allow：非阻塞取令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	nowSec := tb.now().Unix()
	if tb.lastSec != nowSec {
		tb.lastSec = nowSec
		tb.tokens = tb.capacity
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Wait：阻塞直到取得令牌；ctx 取消时返回其错误
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if tb.Allow() {
			return nil
		}
		now := tb.now()
		next := time.Unix(now.Unix()+1, 0)
		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// 文档注释：按数据源名称管理令牌桶
// 约束：线程安全；未配置的数据源使用默认速率，首次访问时创建。
type Registry struct {
	mu          sync.Mutex
	buckets     map[string]*TokenBucket
	defaultRate int
}

func NewRegistry(defaultRate int, rates map[string]int) *Registry {
	r := &Registry{buckets: make(map[string]*TokenBucket), defaultRate: defaultRate}
	for name, qps := range rates {
		r.buckets[name] = NewTokenBucket(qps)
	}
	return r
}

func (r *Registry) Bucket(name string) *TokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[name]
	if !ok {
		b = NewTokenBucket(r.defaultRate)
		r.buckets[name] = b
	}
	return b
}

// Wait：按数据源限流；r 为 nil 时不限流
func (r *Registry) Wait(ctx context.Context, name string) error {
	if r == nil {
		return nil
	}
	return r.Bucket(name).Wait(ctx)
}

// Middleware：入口限流，超出返回 429（不排队）
func Middleware(qps int) func(http.Handler) http.Handler {
	tb := NewTokenBucket(qps)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tb.Allow() {
				logger.L().Debug("http_rate_limited", "path", r.URL.Path)
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
