package geo

import (
	"errors"
	"math"
)

// ErrInvalidPolygon：环少于 3 个不同的点，无法构成面
var ErrInvalidPolygon = errors.New("invalid polygon: fewer than 3 distinct points")

// 文档注释：闭合环（GeoJSON 约定的 [lng,lat] 顺序）
// 约束：首点与末点相同；由 Close/Synthesize 保证，外部构造的环需先经 Close。
type Polygon [][2]float64

// Closed：首尾点相同且至少 4 个坐标
func (p Polygon) Closed() bool {
	n := len(p)
	return n >= 4 && p[0] == p[n-1]
}

// Close：补齐未闭合的环；不同点不足 3 个时返回 ErrInvalidPolygon
func Close(ring Polygon) (Polygon, error) {
	distinct := map[[2]float64]struct{}{}
	for _, c := range ring {
		distinct[c] = struct{}{}
	}
	if len(distinct) < 3 {
		return nil, ErrInvalidPolygon
	}
	out := make(Polygon, len(ring), len(ring)+1)
	copy(out, ring)
	if out[0] != out[len(out)-1] {
		out = append(out, out[0])
	}
	return out, nil
}

// 文档注释：由建筑坐标合成领地边界（粗边界）
// 背景：边界只是“外包矩形 + 固定外扩”，从不追踪建筑轮廓；下游重叠校验以此矩形为准。
// 约束：无有效点时返回 ErrInvalidPolygon；单点或共线时外扩保证矩形非退化。
func Synthesize(points []Point, padMeters float64) (Polygon, error) {
	b, ok := BoundsOf(points)
	if !ok {
		return nil, ErrInvalidPolygon
	}
	if padMeters <= 0 {
		padMeters = 1
	}
	return Close(b.Pad(padMeters).Ring())
}

// 文档注释：球面多边形面积（平方米）
// 背景：采用常用的环面积公式 Σ(λ2-λ1)(2+sinφ1+sinφ2)·R²/2，自带纬度相关的经度缩放。
// 约束：返回绝对值，与环方向无关；少于 4 个坐标返回 0。
func Area(p Polygon) float64 {
	n := len(p)
	if n < 4 {
		return 0
	}
	var total float64
	for i := 0; i < n-1; i++ {
		lng1 := p[i][0] * math.Pi / 180
		lat1 := p[i][1] * math.Pi / 180
		lng2 := p[i+1][0] * math.Pi / 180
		lat2 := p[i+1][1] * math.Pi / 180
		total += (lng2 - lng1) * (2 + math.Sin(lat1) + math.Sin(lat2))
	}
	return math.Abs(total * earthRadiusM * earthRadiusM / 2)
}

// Density：每公顷建筑数；面积为 0 时返回 0
func Density(count int, areaM2 float64) float64 {
	if areaM2 <= 0 {
		return 0
	}
	return float64(count) / (areaM2 / 10000)
}

// 文档注释：点入多边形判定（射线法，Even-Odd）
// 约束：环按 [lng,lat]；边界上的点结果不保证稳定，业务只用于粗筛远离区域的候选点。
func Contains(pt Point, ring Polygon) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	x, y := pt.Lng, pt.Lat
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
