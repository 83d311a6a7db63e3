package detection

import (
	"context"
	"sync"
	"time"

	"territory-api/internal/geo"
	"territory-api/internal/logger"
	"territory-api/internal/model"
	"territory-api/internal/resolver"
)

// State：检测状态机
type State string

const (
	StateIdle               State = "idle"
	StateResolvingHierarchy State = "resolving_hierarchy"
	StateDiscoveringStreets State = "discovering_streets"
	StateDetectingBuildings State = "detecting_buildings"
	StateInferring          State = "inferring"
	StateDeduplicating      State = "deduplicating"
	StateSynthesizing       State = "synthesizing"
	StateReady              State = "ready"
	StateFailed             State = "failed"
)

// Terminal：终态
func (s State) Terminal() bool { return s == StateReady || s == StateFailed }

// 文档注释：检测会话
// 背景：层级与街道选择保存在 Hierarchy；任何选择变化都会使会话版本递增、清空建筑/边界/告警并取消在途检测。
// 约束：检测结果只能通过 apply 按版本写入，版本不符的写入直接丢弃；所有字段在 mu 下访问。
type Session struct {
	ID      string
	Created time.Time

	h *resolver.Hierarchy

	mu        sync.Mutex
	version   uint64
	state     State
	buildings []model.Building
	polygon   geo.Polygon
	areaM2    float64
	density   float64
	apiCalls  int
	progress  string
	warnings  []string
	draft     *model.TerritoryDraft
	failure   *Failure
	cancel    context.CancelFunc
	touched   time.Time
}

func NewSession(id string, h *resolver.Hierarchy) *Session {
	now := time.Now()
	s := &Session{ID: id, Created: now, touched: now, h: h, state: StateIdle}
	h.OnChange(func(resolver.Selection) { s.invalidate() })
	return s
}

func (s *Session) Hierarchy() *resolver.Hierarchy { return s.h }

// Snapshot：会话只读视图
type Snapshot struct {
	ID           string                `json:"id"`
	Version      uint64                `json:"version"`
	State        State                 `json:"state"`
	Selection    resolver.Selection    `json:"selection"`
	Buildings    []model.Building      `json:"buildings"`
	Polygon      geo.Polygon           `json:"polygon,omitempty"`
	AreaM2       float64               `json:"area_m2"`
	DensityPerHa float64               `json:"density_per_ha"`
	APICalls     int                   `json:"api_calls"`
	Progress     string                `json:"progress"`
	Errors       []string              `json:"errors"`
	Draft        *model.TerritoryDraft `json:"-"`
	Failure      *Failure              `json:"failure,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	sel := s.h.Selection()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.ID,
		Version:      s.version,
		State:        s.state,
		Selection:    sel,
		Buildings:    append([]model.Building{}, s.buildings...),
		Polygon:      s.polygon,
		AreaM2:       s.areaM2,
		DensityPerHa: s.density,
		APICalls:     s.apiCalls,
		Progress:     s.progress,
		Errors:       append([]string{}, s.warnings...),
		Draft:        s.draft,
		Failure:      s.failure,
	}
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// LastUsed：最近一次被读写的时间，供过期清理
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

func (s *Session) touch() {
	s.mu.Lock()
	s.touched = time.Now()
	s.mu.Unlock()
}

// Reset：显式重置（等价于选择变化）
func (s *Session) Reset() { s.invalidate() }

func (s *Session) invalidate() {
	s.mu.Lock()
	s.resetLocked()
	v := s.version
	s.mu.Unlock()
	logger.L().Debug("session_reset", "session", s.ID, "version", v)
}

func (s *Session) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.version++
	s.state = StateIdle
	s.buildings = nil
	s.polygon = nil
	s.areaM2, s.density = 0, 0
	s.apiCalls = 0
	s.progress = ""
	s.warnings = nil
	s.draft = nil
	s.failure = nil
	s.touched = time.Now()
}

// begin：开始一次检测；取消上一次在途检测并返回新版本与当时的选择快照
func (s *Session) begin(ctx context.Context) (context.Context, uint64, resolver.Selection) {
	sel := s.h.Selection()
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.resetLocked()
	s.cancel = cancel
	v := s.version
	s.mu.Unlock()
	return ctx, v, sel
}

// apply：版本一致时在锁内执行写入；返回 false 表示结果已过期被丢弃
func (s *Session) apply(version uint64, fn func(s *Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != version {
		return false
	}
	fn(s)
	s.touched = time.Now()
	return true
}

// finish：终态后释放取消函数
func (s *Session) finish(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == version && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
