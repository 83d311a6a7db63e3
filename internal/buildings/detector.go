// 包 buildings：沿街建筑检测
// 背景：结构化地图数据最可靠但常缺门牌；缺失时依次退到周边检索、反向地理编码网格、正向地理编码门牌扫描。
// 约束：所有外部调用经过共享限流与会话预算；层级失败可恢复，只记录到结果的 Failures。
package buildings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"territory-api/internal/geo"
	"territory-api/internal/logger"
	"territory-api/internal/metrics"
	"territory-api/internal/model"
	"territory-api/internal/provider"
	"territory-api/internal/tier"
)

const (
	TierBuildingQuery = "building-query"
	TierNearby        = "nearby-search"
	TierReverseGrid   = "reverse-geocode-grid"
	TierForwardSweep  = "forward-geocode-sweep"
)

// 各来源的置信度
const (
	confidenceMapData = 0.9
	confidenceReverse = 0.7
	confidenceNearby  = 0.6
	confidenceForward = 0.5
)

// rooftopPrecision：geohash 9 位约 5m，视为同一门牌
const rooftopPrecision = 9

var addressTypes = []string{"street_address", "premise", "subpremise"}

type Options struct {
	RadiusMeters    int
	BuildingTags    []string
	NearbyKeywords  []string
	NearbyRadius    int
	GridSize        int
	GridStepMeters  float64
	ForwardSweepMax int
	// Delay：同一层级内相邻外部调用的间隔
	Delay time.Duration
}

// Target：检测上下文（社区、市、进度回调）
type Target struct {
	Community    model.GeoNode
	Municipality model.GeoNode
	Progress     func(msg string)
}

func (t Target) progress(format string, args ...any) {
	if t.Progress != nil {
		t.Progress(fmt.Sprintf(format, args...))
	}
}

// TierFailure：某层级失败原因
type TierFailure struct {
	Tier   string `json:"tier"`
	Reason string `json:"reason"`
}

type Result struct {
	Street    model.Street
	Buildings []model.Building
	Tier      string
	Tried     []string
	Failures  []TierFailure
	BBox      geo.BBox
}

type Detector struct {
	md     provider.MapData
	pl     provider.Places
	bounds *BoundsResolver
	opt    Options
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewDetector(md provider.MapData, pl provider.Places, bounds *BoundsResolver, opt Options) *Detector {
	if opt.RadiusMeters <= 0 {
		opt.RadiusMeters = 50
	}
	if opt.NearbyRadius <= 0 {
		opt.NearbyRadius = 150
	}
	if opt.GridSize <= 0 {
		opt.GridSize = 3
	}
	if opt.GridStepMeters <= 0 {
		opt.GridStepMeters = 60
	}
	if opt.ForwardSweepMax <= 0 {
		opt.ForwardSweepMax = 100
	}
	return &Detector{md: md, pl: pl, bounds: bounds, opt: opt, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Bounds：社区包围盒（带缓存）
func (d *Detector) Bounds(ctx context.Context, community, municipality model.GeoNode) (geo.BBox, error) {
	return d.bounds.Bounds(ctx, community, municipality)
}

// 文档注释：检测一条街道上的建筑
// 约束：边界不可用时返回 ErrBoundaryUnavailable 且不发起建筑查询；radiusMeters<=0 使用配置值；
// 结果坐标全部位于社区包围盒内。
func (d *Detector) DetectAlong(ctx context.Context, street model.Street, t Target, radiusMeters int) (Result, error) {
	res := Result{Street: street}
	bbox, err := d.bounds.Bounds(ctx, t.Community, t.Municipality)
	if err != nil {
		return res, err
	}
	res.BBox = bbox
	if radiusMeters <= 0 {
		radiusMeters = d.opt.RadiusMeters
	}
	center := street.Point
	if !center.Valid() || !bbox.Contains(center) {
		center = bbox.Center()
	}

	wrap := func(name, label string, fn func(ctx context.Context) ([]model.Building, error)) tier.Tier[model.Building] {
		return tier.Tier[model.Building]{Name: name, Fn: func(ctx context.Context) ([]model.Building, error) {
			t.progress("%s: %s", street.Name, label)
			bs, err := fn(ctx)
			bs = inside(bs, bbox)
			t.progress("%s: %s found %d buildings", street.Name, name, len(bs))
			return bs, err
		}}
	}
	out := tier.Run(ctx, "buildings",
		wrap(TierBuildingQuery, "querying map buildings", func(ctx context.Context) ([]model.Building, error) {
			return d.buildingQuery(ctx, street, bbox, radiusMeters)
		}),
		wrap(TierNearby, "searching nearby places", func(ctx context.Context) ([]model.Building, error) {
			return d.nearby(ctx, street, center)
		}),
		wrap(TierReverseGrid, "reverse geocoding around the street", func(ctx context.Context) ([]model.Building, error) {
			return d.reverseGrid(ctx, street, center)
		}),
		wrap(TierForwardSweep, "geocoding house numbers", func(ctx context.Context) ([]model.Building, error) {
			return d.forwardSweep(ctx, street, t.Community)
		}),
	)
	res.Buildings = out.Items
	res.Tier = out.Tier
	res.Tried = out.Tried()
	for _, a := range out.Attempts {
		if a.Err != nil {
			res.Failures = append(res.Failures, TierFailure{Tier: a.Tier, Reason: reason(a.Err)})
		}
	}
	for _, b := range res.Buildings {
		metrics.BuildingsDetectedTotal.WithLabelValues(string(b.Source)).Inc()
	}
	logger.L().Info("buildings_detected", "street", street.Name, "tier", res.Tier, "count", len(res.Buildings), "failed_tiers", out.Failed())
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func reason(err error) string {
	switch {
	case provider.BudgetExhausted(err):
		return "api budget exhausted"
	case errors.Is(err, provider.ErrProviderTimeout):
		return "timeout"
	}
	return err.Error()
}

func inside(bs []model.Building, bbox geo.BBox) []model.Building {
	out := bs[:0:0]
	for _, b := range bs {
		if b.Valid() && bbox.Contains(b.Point()) {
			out = append(out, b)
		}
	}
	return out
}

func (d *Detector) buildingQuery(ctx context.Context, street model.Street, bbox geo.BBox, radius int) ([]model.Building, error) {
	if d.md == nil {
		return nil, nil
	}
	els, err := d.md.Buildings(ctx, provider.BuildingQuery{BBox: bbox, Street: street.Name, RadiusMeters: radius, BuildingTags: d.opt.BuildingTags})
	if err != nil {
		return nil, err
	}
	return FromElements(els, street.Name), nil
}

// 文档注释：地图要素转建筑记录
// 约束：坐标非法的要素丢弃；门牌取 addr:housenumber 前导数字；未标注 addr:street 时归属查询街道。
func FromElements(els []provider.Element, street string) []model.Building {
	var out []model.Building
	for _, el := range els {
		b := model.Building{
			ID:         "osm:" + el.Kind + ":" + strconv.FormatInt(el.ID, 10),
			Street:     street,
			Lat:        el.Lat,
			Lng:        el.Lon,
			Source:     model.SourceOverpass,
			Confidence: confidenceMapData,
		}
		if s := strings.TrimSpace(el.Tags["addr:street"]); s != "" {
			b.Street = s
		}
		if hn := strings.TrimSpace(el.Tags["addr:housenumber"]); hn != "" {
			b.HouseNumber = model.ParseHouseNumber(hn)
			b.Address = hn + " " + b.Street
		}
		if !b.Valid() {
			continue
		}
		out = append(out, b)
	}
	return out
}

// nearby：每个关键词一次周边检索，只保留描述中提到该街道且落在检索半径内的结果
// 背景：地点服务按热度排序，偶尔返回半径外的结果。
func (d *Detector) nearby(ctx context.Context, street model.Street, at geo.Point) ([]model.Building, error) {
	if d.pl == nil || len(d.opt.NearbyKeywords) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var out []model.Building
	var firstErr error
	for i, kw := range d.opt.NearbyKeywords {
		if i > 0 {
			if err := d.sleep(ctx, d.opt.Delay); err != nil {
				return out, err
			}
		}
		rs, err := d.pl.Nearby(ctx, at, d.opt.NearbyRadius, kw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if provider.BudgetExhausted(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		for _, r := range rs {
			if _, dup := seen[r.PlaceID]; dup || !mentions(r.Vicinity, street.Name) {
				continue
			}
			if geo.Haversine(at, geo.Point{Lat: r.Lat, Lng: r.Lng}) > float64(d.opt.NearbyRadius) {
				continue
			}
			seen[r.PlaceID] = struct{}{}
			n := HouseNumberIn(r.Vicinity, street.Name)
			out = append(out, model.Building{
				ID:          "places:" + r.PlaceID,
				Address:     address(n, street.Name, r.Vicinity),
				Street:      street.Name,
				HouseNumber: n,
				Lat:         r.Lat,
				Lng:         r.Lng,
				Source:      model.SourceNearby,
				Confidence:  confidenceNearby,
			})
		}
	}
	if len(out) == 0 {
		return nil, firstErr
	}
	return out, nil
}

// reverseGrid：以街道点为中心的 n×n 网格反向地理编码，保留门牌级结果且道路名匹配
// 约束：相邻采样点常吸附到同一门牌（place id 可能不同），按 place id 与坐标 geohash 双重去重。
func (d *Detector) reverseGrid(ctx context.Context, street model.Street, center geo.Point) ([]model.Building, error) {
	if d.pl == nil {
		return nil, nil
	}
	n := d.opt.GridSize
	half := n / 2
	seen := make(map[string]struct{})
	var out []model.Building
	var firstErr error
	calls := 0
grid:
	for i := -half; i < n-half; i++ {
		for j := -half; j < n-half; j++ {
			if calls > 0 {
				if err := d.sleep(ctx, d.opt.Delay); err != nil {
					return out, err
				}
			}
			calls++
			p := geo.Offset(center, float64(i)*d.opt.GridStepMeters, float64(j)*d.opt.GridStepMeters)
			rs, err := d.pl.ReverseGeocode(ctx, p)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				if provider.BudgetExhausted(err) || ctx.Err() != nil {
					break grid
				}
				continue
			}
			for _, r := range rs {
				b, ok := fromGeocode(r, street.Name, model.SourceReverse, confidenceReverse)
				if !ok {
					continue
				}
				cell := "gh:" + geo.Geohash(b.Lat, b.Lng, rooftopPrecision)
				_, dupID := seen[r.PlaceID]
				_, dupCell := seen[cell]
				if dupID || dupCell {
					continue
				}
				seen[r.PlaceID] = struct{}{}
				seen[cell] = struct{}{}
				out = append(out, b)
			}
		}
	}
	if len(out) == 0 {
		return nil, firstErr
	}
	return out, nil
}

// forwardSweep：按门牌 1..N 正向地理编码"{n} {street}, {community}"；预算耗尽立即停止
func (d *Detector) forwardSweep(ctx context.Context, street model.Street, community model.GeoNode) ([]model.Building, error) {
	if d.pl == nil {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var out []model.Building
	var firstErr error
	for n := 1; n <= d.opt.ForwardSweepMax; n++ {
		if n > 1 {
			if err := d.sleep(ctx, d.opt.Delay); err != nil {
				return nilIfEmpty(out), err
			}
		}
		q := strconv.Itoa(n) + " " + street.Name
		if community.Name != "" {
			q += ", " + community.Name
		}
		rs, err := d.pl.Geocode(ctx, q)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if provider.BudgetExhausted(err) || ctx.Err() != nil {
				logger.L().Info("forward_sweep_stopped", "street", street.Name, "at", n, "err", err)
				break
			}
			continue
		}
		for _, r := range rs {
			b, ok := fromGeocode(r, street.Name, model.SourceForward, confidenceForward)
			if !ok || b.HouseNumber != n {
				continue
			}
			if _, dup := seen[r.PlaceID]; dup {
				continue
			}
			seen[r.PlaceID] = struct{}{}
			out = append(out, b)
			break
		}
	}
	if len(out) == 0 {
		return nil, firstErr
	}
	return out, nil
}

func nilIfEmpty(bs []model.Building) []model.Building {
	if len(bs) == 0 {
		return nil
	}
	return bs
}

// fromGeocode：门牌级类型且道路名与目标街道一致
func fromGeocode(r provider.GeocodeResult, street string, src model.Source, conf float64) (model.Building, bool) {
	if !provider.HasType(r.Types, addressTypes...) {
		return model.Building{}, false
	}
	route := r.Components["route"]
	if route == "" || !SameStreet(route, street) {
		return model.Building{}, false
	}
	n := model.ParseHouseNumber(r.Components["street_number"])
	return model.Building{
		ID:          "places:" + r.PlaceID,
		Address:     address(n, street, r.Address),
		Street:      street,
		HouseNumber: n,
		Lat:         r.Lat,
		Lng:         r.Lng,
		Source:      src,
		Confidence:  conf,
	}, true
}

func address(n int, street, raw string) string {
	if n > 0 {
		return strconv.Itoa(n) + " " + street
	}
	return strings.TrimSpace(raw)
}

func norm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// SameStreet：忽略大小写与多余空白比较街道名；一方包含另一方也视为同一街道
func SameStreet(a, b string) bool {
	na, nb := norm(a), norm(b)
	return na != "" && (na == nb || strings.Contains(na, nb) || strings.Contains(nb, na))
}

func mentions(text, street string) bool {
	return street != "" && strings.Contains(norm(text), norm(street))
}

// 文档注释：从地址文本中取与街道相邻的门牌号
// 背景：不同地区门牌位置不同（"Rua A 12" 与 "12 Main St"）；在包含街道名的逗号段里取街道名前后的数字。
func HouseNumberIn(text, street string) int {
	ns := norm(street)
	for _, seg := range strings.Split(text, ",") {
		s := norm(seg)
		i := strings.Index(s, ns)
		if i < 0 {
			continue
		}
		after := strings.Fields(s[i+len(ns):])
		if len(after) > 0 {
			if n := model.ParseHouseNumber(after[0]); n > 0 {
				return n
			}
		}
		before := strings.Fields(s[:i])
		if len(before) > 0 {
			if n := model.ParseHouseNumber(before[len(before)-1]); n > 0 {
				return n
			}
		}
	}
	return 0
}
