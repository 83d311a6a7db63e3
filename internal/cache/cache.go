// 包 cache：两级缓存（进程内 LRU + 可选 Redis），用于地名解析、街道列表与社区边界
// 背景：外部数据源限流严格且不稳定，同一层级/社区的结果在会话间可复用；多实例部署时通过 Redis 共享。
// 约束：值以 JSON 编码；Redis 不可用时降级为仅内存，不影响主流程。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"territory-api/internal/logger"
	"territory-api/internal/metrics"
	"territory-api/internal/ratelimit"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrMiss：两级缓存均未命中
var ErrMiss = errors.New("cache miss")

const DefaultPrefix = "territory:"

type Cache struct {
	mem    *LRU[[]byte]
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	// loadTimeout：共享加载脱离调用方取消后的上限
	loadTimeout time.Duration
	sf          singleflight.Group
}

type Option func(*Cache)

func WithRedis(rdb redis.UniversalClient) Option { return func(c *Cache) { c.rdb = rdb } }
func WithPrefix(p string) Option                 { return func(c *Cache) { c.prefix = p } }
func WithTTL(ttl time.Duration) Option           { return func(c *Cache) { c.ttl = ttl } }
func WithLoadTimeout(d time.Duration) Option     { return func(c *Cache) { c.loadTimeout = d } }

func New(capacity int, opts ...Option) *Cache {
	c := &Cache{prefix: DefaultPrefix, ttl: 6 * time.Hour, loadTimeout: 2 * time.Minute}
	for _, o := range opts {
		o(c)
	}
	c.mem = NewLRU[[]byte](capacity, c.ttl)
	return c
}

func (c *Cache) key(k string) string { return c.prefix + k }

// Get：先内存后 Redis；Redis 命中时回填内存
func (c *Cache) Get(ctx context.Context, k string, dest any) error {
	if b, ok := c.mem.Get(k); ok {
		metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
		return json.Unmarshal(b, dest)
	}
	if c.rdb != nil {
		b, err := c.rdb.Get(ctx, c.key(k)).Bytes()
		switch {
		case err == nil:
			metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
			c.mem.Set(k, b)
			return json.Unmarshal(b, dest)
		case !errors.Is(err, redis.Nil):
			logger.L().Warn("cache_redis_get_error", "key", k, "err", err)
		}
	}
	metrics.CacheMissesTotal.Inc()
	return ErrMiss
}

func (c *Cache) Set(ctx context.Context, k string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mem.Set(k, b)
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, c.key(k), b, c.ttl).Err(); err != nil {
			logger.L().Warn("cache_redis_set_error", "key", k, "err", err)
		}
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, k string) {
	c.mem.Delete(k)
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, c.key(k)).Err(); err != nil {
			logger.L().Warn("cache_redis_del_error", "key", k, "err", err)
		}
	}
}

// DeletePrefix：层级选择变化时按前缀失效后代缓存
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n := c.mem.DeletePrefix(prefix)
	if c.rdb == nil {
		return n, nil
	}
	var cursor uint64
	match := c.key(prefix) + "*"
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return n, err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return n, err
			}
			n += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	logger.L().Debug("cache_prefix_invalidated", "prefix", prefix, "deleted", n)
	return n, nil
}

// flight：一次共享加载的结果
type flight struct {
	items any
	// calls：加载期间发出的外部调用数，由每个等待方计入自己的会话预算
	calls int
	// interrupted：加载因超时中途停止，空结果不代表真实的"无数据"
	interrupted bool
}

// 文档注释：读穿缓存
// 背景：并发会话同时解析同一社区时只打一次外部服务（singleflight 合并）。
// 约束：c 为 nil 时直接调用 load；仅缓存非空结果，空结果与错误都不落缓存，下一次仍会重试外部服务。
// 共享加载脱离发起方的取消信号与会话预算，在独立超时下执行；每个等待方只受自己的 ctx 约束，
// 并把加载发出的调用数计入自己的预算。加载中途超时且结果为空时，等待方以自己的 ctx 重新加载。
func Load[T any](ctx context.Context, c *Cache, k string, load func(ctx context.Context) ([]T, error)) ([]T, error) {
	if c == nil {
		return load(ctx)
	}
	var out []T
	if err := c.Get(ctx, k, &out); err == nil {
		return out, nil
	}
	own := ratelimit.BudgetFrom(ctx)
	if own != nil && own.Remaining() == 0 {
		return nil, ratelimit.ErrBudgetExhausted
	}
	ch := c.sf.DoChan(k, func() (any, error) {
		shared := ratelimit.NewBudget(0)
		lctx, cancel := context.WithTimeout(ratelimit.WithBudget(context.WithoutCancel(ctx), shared), c.loadTimeout)
		defer cancel()
		items, err := load(lctx)
		f := flight{items: items, calls: shared.Used(), interrupted: lctx.Err() != nil}
		if err == nil && len(items) > 0 && !f.interrupted {
			if err := c.Set(lctx, k, items); err != nil {
				logger.L().Warn("cache_set_error", "key", k, "err", err)
			}
		}
		return f, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		f, _ := r.Val.(flight)
		if own != nil {
			own.Add(f.calls)
		}
		items, _ := f.items.([]T)
		if f.interrupted && len(items) == 0 {
			logger.L().Warn("cache_shared_load_interrupted", "key", k, "err", r.Err)
			return load(ctx)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return items, nil
	}
}
