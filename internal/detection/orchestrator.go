// 包 detection：领地检测编排（层级校验 → 街道发现 → 逐街建筑检测 → 门牌推断 → 去重 → 边界合成）
// 背景：检测跨越多个不可靠数据源；逐街道失败只记告警，所有街道都无建筑时会话才失败。
// 约束：街道按顺序检测以尊重第三方限流；整个会话共享一个外部调用预算。
package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"territory-api/internal/backend"
	"territory-api/internal/buildings"
	"territory-api/internal/dedupe"
	"territory-api/internal/events"
	"territory-api/internal/geo"
	"territory-api/internal/inference"
	"territory-api/internal/logger"
	"territory-api/internal/metrics"
	"territory-api/internal/model"
	"territory-api/internal/ratelimit"
	"territory-api/internal/resolver"
	"territory-api/internal/store"
	"territory-api/internal/streets"
)

// 协作方接口（由 resolver / streets / buildings / backend / store / events 实现）
type (
	NodeResolver interface {
		ResolveOne(ctx context.Context, level model.Level, query string, parents ...model.GeoNode) (model.GeoNode, error)
	}
	StreetDiscoverer interface {
		Discover(ctx context.Context, community, municipality, area model.GeoNode) (streets.Result, error)
	}
	BuildingDetector interface {
		Bounds(ctx context.Context, community, municipality model.GeoNode) (geo.BBox, error)
		DetectAlong(ctx context.Context, street model.Street, t buildings.Target, radiusMeters int) (buildings.Result, error)
	}
	DraftSaver interface {
		Save(ctx context.Context, d model.TerritoryDraft) (backend.SaveResult, error)
	}
	RunRecorder interface {
		RecordRun(ctx context.Context, r store.Run) error
		RecordDraft(ctx context.Context, runID string, d model.TerritoryDraft, backendID string) (int64, error)
	}
	ReadyNotifier interface {
		PublishReady(ctx context.Context, ev events.Ready) error
	}
)

// Deps：Resolver/Saver/Recorder/Notifier 可为 nil
type Deps struct {
	Resolver  NodeResolver
	Streets   StreetDiscoverer
	Detector  BuildingDetector
	Inference *inference.Engine
	Saver     DraftSaver
	Recorder  RunRecorder
	Notifier  ReadyNotifier
}

type Options struct {
	// Budget：单次检测的外部调用上限（<=0 不限）
	Budget       int
	RadiusMeters int
	PadMeters    float64
	ZoneType     string
}

// Outcome：检测成功的产物与统计
type Outcome struct {
	Draft        model.TerritoryDraft `json:"draft"`
	Buildings    int                  `json:"buildings"`
	Synthesized  int                  `json:"synthesized"`
	AreaM2       float64              `json:"area_m2"`
	DensityPerHa float64              `json:"density_per_ha"`
	APICalls     int                  `json:"api_calls"`
	Warnings     []string             `json:"warnings"`
}

type Orchestrator struct {
	d   Deps
	opt Options
}

func New(d Deps, opt Options) *Orchestrator {
	if d.Inference == nil {
		d.Inference = inference.New(inference.Options{})
	}
	if opt.PadMeters <= 0 {
		opt.PadMeters = 100
	}
	if opt.ZoneType == "" {
		opt.ZoneType = "residential"
	}
	return &Orchestrator{d: d, opt: opt}
}

// run：单次检测的可变状态（只在编排协程内使用）
type run struct {
	s        *Session
	version  uint64
	sel      resolver.Selection
	budget   *ratelimit.Budget
	started  time.Time
	warnings []string
	exhaust  []string
}

func (r *run) stage(st State, progress string) bool {
	return r.s.apply(r.version, func(s *Session) {
		s.state = st
		if progress != "" {
			s.progress = progress
		}
		s.apiCalls = r.budget.Used()
	})
}

func (r *run) warn(msg string) bool {
	r.warnings = append(r.warnings, msg)
	return r.s.apply(r.version, func(s *Session) {
		s.warnings = append(s.warnings, msg)
	})
}

// 文档注释：在会话上执行一次完整检测
// 约束：缺少区域/城市时不发起任何外部调用；社区边界先于任何建筑查询获取；
// 选择在检测中途变化时返回 ErrSuperseded，已取得的结果不写入会话。
func (o *Orchestrator) Run(ctx context.Context, s *Session) (*Outcome, error) {
	ctx, version, sel := s.begin(ctx)
	defer s.finish(version)
	r := &run{s: s, version: version, sel: sel, budget: ratelimit.NewBudget(o.opt.Budget), started: time.Now()}
	ctx = ratelimit.WithBudget(ctx, r.budget)

	out, err := o.run(ctx, r)
	o.settle(r, out, err)
	return out, err
}

func (o *Orchestrator) run(ctx context.Context, r *run) (*Outcome, error) {
	if !r.stage(StateResolvingHierarchy, "validating selection") {
		return nil, ErrSuperseded
	}
	if r.sel.Area.Empty() || r.sel.Municipality.Empty() {
		return nil, r.fail(StateResolvingHierarchy, ErrInvalidHierarchy, "")
	}
	if err := o.resolveHierarchy(ctx, r); err != nil {
		return nil, err
	}
	community := r.sel.Community
	if community.Empty() {
		community = r.sel.Municipality
	}

	bbox, err := o.d.Detector.Bounds(ctx, community, r.sel.Municipality)
	if err != nil {
		if errors.Is(err, buildings.ErrBoundaryUnavailable) {
			return nil, r.fail(StateResolvingHierarchy, buildings.ErrBoundaryUnavailable, err.Error())
		}
		return nil, r.abort(ctx, StateResolvingHierarchy, err)
	}

	selected, err := o.selectedStreets(ctx, r, community)
	if err != nil {
		return nil, err
	}

	perStreet := make([][]model.Building, 0, len(selected))
	hitStreets := make([]model.Street, 0, len(selected))
	for i, st := range selected {
		if !r.stage(StateDetectingBuildings, fmt.Sprintf("%s (%d/%d)", st.Name, i+1, len(selected))) {
			return nil, ErrSuperseded
		}
		res, err := o.d.Detector.DetectAlong(ctx, st, buildings.Target{
			Community:    community,
			Municipality: r.sel.Municipality,
			Progress: func(msg string) {
				r.stage(StateDetectingBuildings, msg)
			},
		}, o.opt.RadiusMeters)
		if err != nil {
			if errors.Is(err, buildings.ErrBoundaryUnavailable) {
				return nil, r.fail(StateDetectingBuildings, buildings.ErrBoundaryUnavailable, err.Error())
			}
			return nil, r.abort(ctx, StateDetectingBuildings, err)
		}
		if msg := streetWarning(res); msg != "" {
			if !r.warn(msg) {
				return nil, ErrSuperseded
			}
		}
		if len(res.Buildings) == 0 {
			r.exhaust = mergeTiers(r.exhaust, res.Tried)
			continue
		}
		perStreet = append(perStreet, res.Buildings)
		hitStreets = append(hitStreets, st)
		found := res.Buildings
		if !r.s.apply(r.version, func(s *Session) {
			s.buildings = append(s.buildings, found...)
			s.apiCalls = r.budget.Used()
		}) {
			return nil, ErrSuperseded
		}
	}

	if !r.stage(StateInferring, "inferring missing house numbers") {
		return nil, ErrSuperseded
	}
	ring := bbox.Ring()
	var synthesized []model.Building
	for i, bs := range perStreet {
		for _, b := range o.d.Inference.FillGaps(bs, hitStreets[i].Name) {
			if geo.Contains(b.Point(), ring) {
				synthesized = append(synthesized, b)
			}
		}
	}

	if !r.stage(StateDeduplicating, "merging duplicate buildings") {
		return nil, ErrSuperseded
	}
	merged := dedupe.Merge(append(perStreet, synthesized)...)
	if len(merged) == 0 {
		return nil, r.fail(StateDeduplicating, ErrNoBuildingsDetected, exhaustedMessage(len(selected), r.exhaust))
	}

	if !r.stage(StateSynthesizing, "synthesizing boundary") {
		return nil, ErrSuperseded
	}
	poly, err := geo.Synthesize(model.Points(merged), o.opt.PadMeters)
	if err != nil {
		return nil, r.fail(StateSynthesizing, err, "")
	}
	area := geo.Area(poly)
	out := &Outcome{
		Draft: model.TerritoryDraft{
			Name:        draftName(community, selected),
			Description: draftDescription(merged, selected),
			Boundary:    poly,
			Buildings:   merged,
			ZoneType:    o.opt.ZoneType,
		},
		Buildings:    len(merged),
		AreaM2:       area,
		DensityPerHa: geo.Density(len(merged), area),
		APICalls:     r.budget.Used(),
		Warnings:     append([]string{}, r.warnings...),
	}
	for _, b := range merged {
		if b.Synthesized {
			out.Synthesized++
		}
	}
	draft := out.Draft
	if !r.s.apply(r.version, func(s *Session) {
		s.state = StateReady
		s.progress = fmt.Sprintf("%d buildings on %d streets", out.Buildings, len(selected))
		s.buildings = merged
		s.polygon = poly
		s.areaM2 = out.AreaM2
		s.density = out.DensityPerHa
		s.apiCalls = out.APICalls
		s.draft = &draft
	}) {
		return nil, ErrSuperseded
	}
	return out, nil
}

// resolveHierarchy：只有名称、没有地名服务 ID 的节点在此补解析
func (o *Orchestrator) resolveHierarchy(ctx context.Context, r *run) error {
	if o.d.Resolver == nil {
		return nil
	}
	steps := []struct {
		level   model.Level
		node    *model.GeoNode
		parents func() []model.GeoNode
	}{
		{model.LevelArea, &r.sel.Area, func() []model.GeoNode { return nil }},
		{model.LevelMunicipality, &r.sel.Municipality, func() []model.GeoNode { return []model.GeoNode{r.sel.Area} }},
		{model.LevelCommunity, &r.sel.Community, func() []model.GeoNode { return []model.GeoNode{r.sel.Municipality, r.sel.Area} }},
	}
	for _, st := range steps {
		if st.node.Empty() || st.node.Resolved() {
			continue
		}
		n, err := o.d.Resolver.ResolveOne(ctx, st.level, st.node.Name, st.parents()...)
		if err != nil {
			if errors.Is(err, resolver.ErrResolutionEmpty) {
				return r.fail(StateResolvingHierarchy, resolver.ErrResolutionEmpty, fmt.Sprintf("%s %q", st.level, st.node.Name))
			}
			return r.abort(ctx, StateResolvingHierarchy, err)
		}
		*st.node = n
	}
	return nil
}

// selectedStreets：未选街道时按社区发现全部住宅街道
func (o *Orchestrator) selectedStreets(ctx context.Context, r *run, community model.GeoNode) ([]model.Street, error) {
	if len(r.sel.Streets) > 0 {
		return r.sel.Streets, nil
	}
	if !r.stage(StateDiscoveringStreets, "discovering streets in "+community.Name) {
		return nil, ErrSuperseded
	}
	res, err := o.d.Streets.Discover(ctx, community, r.sel.Municipality, r.sel.Area)
	if err != nil {
		return nil, r.abort(ctx, StateDiscoveringStreets, err)
	}
	if len(res.Streets) == 0 {
		return nil, r.fail(StateDiscoveringStreets, ErrNoBuildingsDetected, "no streets found for "+community.Name)
	}
	return res.Streets, nil
}

// fail：会话失败（版本过期时改为 ErrSuperseded）
func (r *run) fail(stage State, kind error, msg string) error {
	f := &Failure{Kind: kind, Stage: stage, Message: msg, Warnings: append([]string{}, r.warnings...)}
	if !r.s.apply(r.version, func(s *Session) {
		s.state = StateFailed
		s.failure = f
		s.progress = f.Error()
		s.apiCalls = r.budget.Used()
	}) {
		return ErrSuperseded
	}
	return f
}

// abort：非业务错误；上下文因选择变化被取消时视为过期
func (r *run) abort(ctx context.Context, stage State, err error) error {
	if ctx.Err() != nil && r.s.Version() != r.version {
		return ErrSuperseded
	}
	if ferr := r.fail(stage, err, ""); errors.Is(ferr, ErrSuperseded) {
		return ferr
	}
	return err
}

func (o *Orchestrator) settle(r *run, out *Outcome, err error) {
	elapsed := time.Since(r.started)
	metrics.DetectionDurationMs.Observe(float64(elapsed.Milliseconds()))
	outcome := "ready"
	switch {
	case errors.Is(err, ErrSuperseded):
		outcome = "superseded"
	case err != nil:
		outcome = "failed"
	}
	metrics.DetectionRunsTotal.WithLabelValues(outcome).Inc()
	logger.L().Info("detection_finished", "session", r.s.ID, "version", r.version, "outcome", outcome,
		"api_calls", r.budget.Used(), "warnings", len(r.warnings), "duration_ms", elapsed.Milliseconds(), "err", err)
	if outcome == "superseded" {
		return
	}

	// 记录与通知不受调用方取消影响
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id := runID(r)
	if o.d.Recorder != nil {
		finished := time.Now().UTC()
		rec := store.Run{
			ID:           id,
			Area:         r.sel.Area.Name,
			Municipality: r.sel.Municipality.Name,
			Community:    r.sel.Community.Name,
			Streets:      store.JSONList(streetNames(r.sel.Streets)),
			State:        string(StateFailed),
			APICalls:     r.budget.Used(),
			Warnings:     store.JSONList(r.warnings),
			StartedAt:    r.started.UTC(),
			FinishedAt:   &finished,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if out != nil {
			rec.State = string(StateReady)
			rec.Buildings = out.Buildings
			rec.Synthesized = out.Synthesized
			rec.AreaM2 = out.AreaM2
			rec.DensityPerHa = out.DensityPerHa
		}
		if rerr := o.d.Recorder.RecordRun(ctx, rec); rerr != nil {
			logger.L().Warn("detection_record_error", "session", r.s.ID, "err", rerr)
		}
	}
	if o.d.Notifier != nil && out != nil {
		_ = o.d.Notifier.PublishReady(ctx, events.Ready{
			SessionID:    id,
			Area:         r.sel.Area.Name,
			Municipality: r.sel.Municipality.Name,
			Community:    r.sel.Community.Name,
			Streets:      streetNames(r.sel.Streets),
			Buildings:    out.Buildings,
			Synthesized:  out.Synthesized,
			AreaM2:       out.AreaM2,
			DensityPerHa: out.DensityPerHa,
			Warnings:     out.Warnings,
		})
	}
}

// 文档注释：保存会话草稿
// 约束：先经外部服务做重叠校验；重叠时返回 *backend.OverlapError，草稿不落库。
func (o *Orchestrator) Save(ctx context.Context, s *Session) (backend.SaveResult, error) {
	snap := s.Snapshot()
	if snap.State != StateReady || snap.Draft == nil {
		return backend.SaveResult{}, ErrNotReady
	}
	if o.d.Saver == nil {
		return backend.SaveResult{}, errors.New("no persistence backend configured")
	}
	res, err := o.d.Saver.Save(ctx, *snap.Draft)
	if err != nil {
		return res, err
	}
	if o.d.Recorder != nil {
		if _, rerr := o.d.Recorder.RecordDraft(ctx, runKey(s.ID, snap.Version), *snap.Draft, res.ID); rerr != nil {
			logger.L().Warn("detection_record_draft_error", "session", s.ID, "err", rerr)
		}
	}
	return res, nil
}

func runID(r *run) string { return runKey(r.s.ID, r.version) }

// runKey：运行记录 ID = 会话 ID + 版本
func runKey(session string, version uint64) string { return fmt.Sprintf("%s-%d", session, version) }

// streetWarning：街道未找到建筑，或在前置层级失败后才由后备层级找到时生成一条告警
func streetWarning(res buildings.Result) string {
	reasons := make(map[string]string, len(res.Failures))
	for _, f := range res.Failures {
		reasons[f.Tier] = f.Reason
	}
	var parts []string
	for _, t := range res.Tried {
		if t == res.Tier {
			continue
		}
		why := "no results"
		if r, ok := reasons[t]; ok {
			why = r
		}
		parts = append(parts, t+": "+why)
	}
	if len(parts) == 0 {
		return ""
	}
	if len(res.Buildings) == 0 {
		return fmt.Sprintf("%s: no buildings found (%s)", res.Street.Name, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("%s: %d buildings via %s after %s", res.Street.Name, len(res.Buildings), res.Tier, strings.Join(parts, "; "))
}

func exhaustedMessage(streets int, tiers []string) string {
	if len(tiers) == 0 {
		return fmt.Sprintf("%d streets checked", streets)
	}
	return fmt.Sprintf("%d streets checked, exhausted %s", streets, strings.Join(tiers, " -> "))
}

func mergeTiers(have, add []string) []string {
	for _, t := range add {
		dup := false
		for _, h := range have {
			if h == t {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, t)
		}
	}
	return have
}

func streetNames(xs []model.Street) []string {
	out := make([]string, 0, len(xs))
	for _, s := range xs {
		out = append(out, s.Name)
	}
	return out
}

func draftName(community model.GeoNode, selected []model.Street) string {
	if len(selected) == 1 {
		return community.Name + " - " + selected[0].Name
	}
	return community.Name
}

// draftDescription：标注粗边界，避免下游把矩形当作实测轮廓
func draftDescription(bs []model.Building, selected []model.Street) string {
	synth := 0
	for _, b := range bs {
		if b.Synthesized {
			synth++
		}
	}
	return fmt.Sprintf("%d buildings (%d estimated) along %s; coarse bounding-box boundary",
		len(bs), synth, strings.Join(streetNames(selected), ", "))
}
