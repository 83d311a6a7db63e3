// 包 geo：领地管线使用的最小几何工具集（点、包围盒、闭合环、面积、点入多边形）
package geo

import (
	"math"
	"strconv"
)

// 地球半径（米），与 WGS84 长半轴一致；面积与偏移计算共用
const earthRadiusM = 6378137.0

// 每纬度对应的米数（近似）
const metersPerDegLat = 111320.0

// 点坐标（WGS84）
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ValidCoord：坐标在合法范围内且不是 (0,0) 占位值
// 背景：多个外部数据源在缺失坐标时返回 0,0，直接落库会产生“大西洋里的楼”。
func ValidCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return false
	}
	return !(lat == 0 && lng == 0)
}

func (p Point) Valid() bool { return ValidCoord(p.Lat, p.Lng) }

// 文档注释：经纬度包围盒
// 约束：MinLat<=MaxLat、MinLng<=MaxLng；不处理跨 180° 经线的情况（业务区域均为城市级）。
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// BoundsOf：计算点集极值；忽略非法坐标，无有效点时返回 false
func BoundsOf(points []Point) (BBox, bool) {
	var b BBox
	found := false
	for _, p := range points {
		if !p.Valid() {
			continue
		}
		if !found {
			b = BBox{MinLat: p.Lat, MinLng: p.Lng, MaxLat: p.Lat, MaxLng: p.Lng}
			found = true
			continue
		}
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
	}
	return b, found
}

// Pad：按米向四周外扩；经度方向按中心纬度缩放
func (b BBox) Pad(meters float64) BBox {
	dLat := meters / metersPerDegLat
	c := math.Cos(b.Center().Lat * math.Pi / 180)
	if c < 1e-6 {
		c = 1e-6
	}
	dLng := meters / (metersPerDegLat * c)
	out := BBox{
		MinLat: math.Max(-90, b.MinLat-dLat),
		MaxLat: math.Min(90, b.MaxLat+dLat),
		MinLng: math.Max(-180, b.MinLng-dLng),
		MaxLng: math.Min(180, b.MaxLng+dLng),
	}
	return out
}

func (b BBox) Center() Point {
	return Point{Lat: (b.MinLat + b.MaxLat) / 2, Lng: (b.MinLng + b.MaxLng) / 2}
}

func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// Overpass：输出 Overpass QL 的 (south,west,north,east) 顺序
func (b BBox) Overpass() string {
	return ff(b.MinLat) + "," + ff(b.MinLng) + "," + ff(b.MaxLat) + "," + ff(b.MaxLng)
}

// Ring：包围盒转闭合 5 点矩形环（逆时针）
func (b BBox) Ring() Polygon {
	return Polygon{
		{b.MinLng, b.MinLat},
		{b.MaxLng, b.MinLat},
		{b.MaxLng, b.MaxLat},
		{b.MinLng, b.MaxLat},
		{b.MinLng, b.MinLat},
	}
}

// Offset：从 p 出发向北/向东平移若干米（小距离平面近似）
func Offset(p Point, northM, eastM float64) Point {
	dLat := northM / metersPerDegLat
	c := math.Cos(p.Lat * math.Pi / 180)
	if c < 1e-6 {
		c = 1e-6
	}
	dLng := eastM / (metersPerDegLat * c)
	return Point{Lat: p.Lat + dLat, Lng: p.Lng + dLng}
}

// Haversine：两点大圆距离（米）
func Haversine(a, b Point) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', 7, 64) }
