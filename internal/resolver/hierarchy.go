package resolver

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"territory-api/internal/logger"
	"territory-api/internal/model"
)

// Selection：层级选择快照
type Selection struct {
	Area         model.GeoNode  `json:"area"`
	Municipality model.GeoNode  `json:"municipality"`
	Community    model.GeoNode  `json:"community"`
	Streets      []model.Street `json:"streets"`
}

// Parents：解析 level 时应携带的父级（由近及远）
func (s Selection) Parents(level model.Level) []model.GeoNode {
	switch level {
	case model.LevelMunicipality:
		return []model.GeoNode{s.Area}
	case model.LevelCommunity:
		return []model.GeoNode{s.Municipality, s.Area}
	}
	return nil
}

// 文档注释：层级选择状态
// 背景：上级变化时下级选择与其解析缓存全部作废，并通知监听方（检测会话据此重置并丢弃在途结果）。
// 约束：并发安全；街道集合不变时重复设置不触发通知。
type Hierarchy struct {
	mu    sync.Mutex
	r     *Resolver
	sel   Selection
	hooks []func(Selection)
}

func NewHierarchy(r *Resolver) *Hierarchy { return &Hierarchy{r: r} }

// OnChange：注册选择变化监听
func (h *Hierarchy) OnChange(fn func(Selection)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, fn)
}

func (h *Hierarchy) Selection() Selection {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sel
	s.Streets = append([]model.Street(nil), h.sel.Streets...)
	return s
}

// Candidates：以当前父级选择为上下文解析候选
func (h *Hierarchy) Candidates(ctx context.Context, level model.Level, query string) ([]model.GeoNode, error) {
	parents := h.Selection().Parents(level)
	return h.r.Resolve(ctx, level, query, parents...)
}

func (h *Hierarchy) SelectArea(ctx context.Context, n model.GeoNode) {
	h.mu.Lock()
	old := h.sel.Area
	h.sel = Selection{Area: n}
	h.mu.Unlock()
	if !old.Empty() && old.ID != n.ID {
		h.r.Invalidate(ctx, old)
	}
	logger.L().Debug("hierarchy_select", "level", model.LevelArea, "id", n.ID, "name", n.Name)
	h.notify()
}

func (h *Hierarchy) SelectMunicipality(ctx context.Context, n model.GeoNode) {
	h.mu.Lock()
	old := h.sel.Municipality
	area := h.sel.Area
	h.sel.Municipality = n
	h.sel.Community = model.GeoNode{}
	h.sel.Streets = nil
	h.mu.Unlock()
	if !old.Empty() && old.ID != n.ID {
		h.r.Invalidate(ctx, old, area)
	}
	logger.L().Debug("hierarchy_select", "level", model.LevelMunicipality, "id", n.ID, "name", n.Name)
	h.notify()
}

func (h *Hierarchy) SelectCommunity(ctx context.Context, n model.GeoNode) {
	h.mu.Lock()
	h.sel.Community = n
	h.sel.Streets = nil
	h.mu.Unlock()
	logger.L().Debug("hierarchy_select", "level", model.LevelCommunity, "id", n.ID, "name", n.Name)
	h.notify()
}

// SelectStreets：返回选择是否发生变化
func (h *Hierarchy) SelectStreets(streets []model.Street) bool {
	h.mu.Lock()
	if sameStreets(h.sel.Streets, streets) {
		h.mu.Unlock()
		return false
	}
	h.sel.Streets = append([]model.Street(nil), streets...)
	h.mu.Unlock()
	logger.L().Debug("hierarchy_select_streets", "count", len(streets))
	h.notify()
	return true
}

func (h *Hierarchy) notify() {
	h.mu.Lock()
	hooks := slices.Clone(h.hooks)
	h.mu.Unlock()
	s := h.Selection()
	for _, fn := range hooks {
		fn(s)
	}
}

func streetKeys(xs []model.Street) []string {
	out := make([]string, 0, len(xs))
	for _, s := range xs {
		out = append(out, strings.ToLower(strings.TrimSpace(s.Name)))
	}
	sort.Strings(out)
	return out
}

func sameStreets(a, b []model.Street) bool {
	if len(a) != len(b) {
		return false
	}
	ka, kb := streetKeys(a), streetKeys(b)
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}
