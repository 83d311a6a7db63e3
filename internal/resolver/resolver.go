// 包 resolver：层级地名解析（区域 → 市 → 社区）
// 背景：用户输入的自由文本需映射到地名服务的稳定节点；单次检索常因歧义或拼写落空，按"带父级 → 仅国家 → 原文"逐级放宽。
// 约束：查询去空白后长度 < 2 不发起调用；每个改写失败都视为可恢复并尝试下一个；全部落空返回空列表且无错误。
package resolver

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"territory-api/internal/cache"
	"territory-api/internal/logger"
	"territory-api/internal/model"
	"territory-api/internal/provider"
)

// ErrResolutionEmpty：所有改写均无可接受候选
var ErrResolutionEmpty = errors.New("no matching places")

const SourceGazetteer = "gazetteer"

type Options struct {
	Country       string
	CountryCodes  []string
	MinImportance float64
	AllowedTypes  map[model.Level][]string
	Caps          map[model.Level]int
}

type Resolver struct {
	gz    provider.Gazetteer
	cache *cache.Cache
	opt   Options
}

func New(gz provider.Gazetteer, c *cache.Cache, opt Options) *Resolver {
	if opt.MinImportance <= 0 {
		opt.MinImportance = 0.5
	}
	if opt.Caps == nil {
		opt.Caps = map[model.Level]int{model.LevelArea: 10, model.LevelMunicipality: 15, model.LevelCommunity: 25}
	}
	return &Resolver{gz: gz, cache: c, opt: opt}
}

type countryKey struct{}

// WithCountry：为本次请求指定国家（例如按来访 IP 推断）；优先于配置
func WithCountry(ctx context.Context, country string) context.Context {
	return context.WithValue(ctx, countryKey{}, country)
}

func (r *Resolver) country(ctx context.Context) string {
	if c, _ := ctx.Value(countryKey{}).(string); c != "" {
		return c
	}
	return r.opt.Country
}

// Reformulations：按顺序生成的检索串；parents 由近及远（市、区域）
func Reformulations(query, country string, parents ...model.GeoNode) []string {
	var names []string
	for _, p := range parents {
		if !p.Empty() {
			names = append(names, strings.TrimSpace(p.Name))
		}
	}
	var out []string
	add := func(parts ...string) {
		var ps []string
		for _, s := range parts {
			if s != "" {
				ps = append(ps, s)
			}
		}
		s := strings.Join(ps, ", ")
		for _, x := range out {
			if x == s {
				return
			}
		}
		out = append(out, s)
	}
	if len(names) > 0 {
		add(query, strings.Join(names, ", "), country)
	}
	add(query, country)
	add(query)
	return out
}

// 文档注释：解析某一层级的候选节点
// 背景：首个产生可接受候选的改写胜出；结果按地名服务 ID 去重并按层级截断。
func (r *Resolver) Resolve(ctx context.Context, level model.Level, query string, parents ...model.GeoNode) ([]model.GeoNode, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < 2 {
		return []model.GeoNode{}, nil
	}
	country := r.country(ctx)
	key := cacheKey(country, level, query, parents)
	out, err := cache.Load(ctx, r.cache, key, func(ctx context.Context) ([]model.GeoNode, error) {
		return r.resolve(ctx, level, query, country, parents), nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.GeoNode{}
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, level model.Level, query, country string, parents []model.GeoNode) []model.GeoNode {
	limit := r.opt.Caps[level]
	for i, q := range Reformulations(query, country, parents...) {
		if ctx.Err() != nil {
			return nil
		}
		places, err := r.gz.Search(ctx, q, provider.SearchFilter{CountryCodes: r.opt.CountryCodes, Limit: max(limit, 10)})
		if err != nil {
			logger.L().Warn("resolve_reformulation_error", "level", level, "q", q, "attempt", i, "err", err)
			continue
		}
		nodes := r.accept(level, places)
		logger.L().Debug("resolve_reformulation", "level", level, "q", q, "attempt", i, "raw", len(places), "accepted", len(nodes))
		if len(nodes) > 0 {
			return nodes
		}
	}
	logger.L().Info("resolve_empty", "level", level, "q", query)
	return nil
}

// accept：类型白名单或重要度阈值；按 ID 去重；截断到层级上限
func (r *Resolver) accept(level model.Level, places []provider.Place) []model.GeoNode {
	allowed := r.opt.AllowedTypes[level]
	limit := r.opt.Caps[level]
	seen := make(map[string]struct{}, len(places))
	var out []model.GeoNode
	for _, p := range places {
		if p.ID == "" {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		ok := p.Importance > r.opt.MinImportance ||
			provider.HasType([]string{p.Type, p.AddressType}, allowed...)
		if !ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, model.GeoNode{
			ID:         p.ID,
			Name:       p.Name,
			FullName:   p.DisplayName,
			Lat:        p.Lat,
			Lon:        p.Lon,
			Level:      level,
			SourceType: SourceGazetteer,
			PlaceType:  p.Type,
			Importance: p.Importance,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ResolveOne：返回最佳候选；无结果时返回 ErrResolutionEmpty
func (r *Resolver) ResolveOne(ctx context.Context, level model.Level, query string, parents ...model.GeoNode) (model.GeoNode, error) {
	nodes, err := r.Resolve(ctx, level, query, parents...)
	if err != nil {
		return model.GeoNode{}, err
	}
	if len(nodes) == 0 {
		return model.GeoNode{}, ErrResolutionEmpty
	}
	return nodes[0], nil
}

// Invalidate：失效某父级之下的全部解析缓存
func (r *Resolver) Invalidate(ctx context.Context, parents ...model.GeoNode) {
	if r.cache == nil || len(parents) == 0 {
		return
	}
	base := "resolve:" + strings.ToLower(r.country(ctx)) + ":" + parentPath(parents)
	for _, p := range []string{base + "|", base + "/"} {
		if _, err := r.cache.DeletePrefix(ctx, p); err != nil {
			logger.L().Warn("resolve_cache_invalidate_error", "prefix", p, "err", err)
		}
	}
}

// parentPath：由远及近的父级路径（a1/m1），便于按前缀失效
func parentPath(parents []model.GeoNode) string {
	var segs []string
	for i := len(parents) - 1; i >= 0; i-- {
		p := parents[i]
		if p.Empty() {
			continue
		}
		id := p.ID
		if id == "" {
			id = strings.ToLower(strings.TrimSpace(p.Name))
		}
		segs = append(segs, id)
	}
	return strings.Join(segs, "/")
}

func cacheKey(country string, level model.Level, query string, parents []model.GeoNode) string {
	return "resolve:" + strings.ToLower(country) + ":" + parentPath(parents) + "|" + string(level) + "|" + strings.ToLower(query)
}
