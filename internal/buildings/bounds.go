package buildings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"territory-api/internal/cache"
	"territory-api/internal/geo"
	"territory-api/internal/logger"
	"territory-api/internal/model"
	"territory-api/internal/provider"
	"territory-api/internal/tier"
)

// ErrBoundaryUnavailable：边界阶梯全部落空，无法确定检索范围
var ErrBoundaryUnavailable = errors.New("community boundary unavailable")

// Ladder：边界查询阶梯，由精到粗
var Ladder = []provider.BoundaryKind{
	provider.BoundaryNeighbourhood,
	provider.BoundarySuburb,
	provider.BoundaryAdministrative,
	provider.BoundaryNamedArea,
}

// 文档注释：社区包围盒解析
// 背景：建筑查询必须限定在社区范围内；按阶梯（街区 → 郊区 → 行政区 → 具名区域）取首个有几何的边界，极值成框后外扩约 1km（0.01°）。
// 约束：社区有坐标时所有层级都限定在其附近（默认 5km），避免同名地区串城；结果按社区缓存。
type BoundsResolver struct {
	md     provider.MapData
	cache  *cache.Cache
	padDeg float64
	radius int
}

func NewBoundsResolver(md provider.MapData, c *cache.Cache, padDeg float64, nearRadius int) *BoundsResolver {
	if padDeg <= 0 {
		padDeg = 0.01
	}
	if nearRadius <= 0 {
		nearRadius = 5000
	}
	return &BoundsResolver{md: md, cache: c, padDeg: padDeg, radius: nearRadius}
}

func (b *BoundsResolver) Bounds(ctx context.Context, community, municipality model.GeoNode) (geo.BBox, error) {
	name := strings.TrimSpace(community.Name)
	if name == "" {
		return geo.BBox{}, fmt.Errorf("%w: empty community", ErrBoundaryUnavailable)
	}
	key := "bounds:" + community.ID + ":" + strings.ToLower(name)
	var tried []string
	boxes, err := cache.Load(ctx, b.cache, key, func(ctx context.Context) ([]geo.BBox, error) {
		var near *geo.Point
		if community.Resolved() {
			p := community.Point()
			near = &p
		}
		tiers := make([]tier.Tier[geo.Point], 0, len(Ladder))
		for _, kind := range Ladder {
			kind := kind
			tiers = append(tiers, tier.Tier[geo.Point]{Name: string(kind), Fn: func(ctx context.Context) ([]geo.Point, error) {
				return b.md.Boundary(ctx, provider.BoundaryQuery{Kind: kind, Name: name, Near: near, RadiusMeters: b.radius})
			}})
		}
		out := tier.Run(ctx, "boundary", tiers...)
		tried = out.Tried()
		if !out.Found() {
			return nil, nil
		}
		bb, ok := geo.BoundsOf(out.Items)
		if !ok {
			return nil, nil
		}
		logger.L().Debug("boundary_resolved", "community", name, "municipality", municipality.Name, "tier", out.Tier, "points", len(out.Items))
		return []geo.BBox{expand(bb, b.padDeg)}, nil
	})
	if err != nil {
		return geo.BBox{}, err
	}
	if len(boxes) == 0 {
		if ctx.Err() != nil {
			return geo.BBox{}, ctx.Err()
		}
		logger.L().Warn("boundary_unavailable", "community", name, "tried", tried)
		if len(tried) == 0 {
			// 结果来自其他会话发起的共享加载
			return geo.BBox{}, fmt.Errorf("%w: %s", ErrBoundaryUnavailable, name)
		}
		return geo.BBox{}, fmt.Errorf("%w: %s (tried %s)", ErrBoundaryUnavailable, name, strings.Join(tried, ", "))
	}
	return boxes[0], nil
}

func expand(b geo.BBox, d float64) geo.BBox {
	return geo.BBox{MinLat: b.MinLat - d, MinLng: b.MinLng - d, MaxLat: b.MaxLat + d, MaxLng: b.MaxLng + d}
}
