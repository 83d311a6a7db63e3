// 包 model：领地检测管线的领域对象（层级节点、街道、建筑、领地草稿）
package model

import (
	"strconv"
	"strings"

	"territory-api/internal/geo"
)

// 行政层级：Area（省/州）→ Municipality（市）→ Community（社区）
type Level string

const (
	LevelArea         Level = "area"
	LevelMunicipality Level = "municipality"
	LevelCommunity    Level = "community"
)

// ParseLevel：容忍大小写与常见别名
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "area", "region", "province", "state":
		return LevelArea, true
	case "municipality", "city", "town":
		return LevelMunicipality, true
	case "community", "neighbourhood", "neighborhood", "suburb":
		return LevelCommunity, true
	}
	return "", false
}

// 文档注释：已解析的层级节点
// 背景：ID 由地名服务分配；一经解析不再修改，父级变更时整体替换而非就地更新。
type GeoNode struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	FullName   string  `json:"full_name"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Level      Level   `json:"level"`
	SourceType string  `json:"source_type"`
	PlaceType  string  `json:"place_type,omitempty"`
	Importance float64 `json:"importance,omitempty"`
}

func (n GeoNode) Point() geo.Point { return geo.Point{Lat: n.Lat, Lng: n.Lon} }

// Empty：未选择（名称为空）
func (n GeoNode) Empty() bool { return strings.TrimSpace(n.Name) == "" }

// Resolved：已有地名服务 ID 与坐标
func (n GeoNode) Resolved() bool { return n.ID != "" && geo.ValidCoord(n.Lat, n.Lon) }

// 数据来源标识
type Source string

const (
	SourceOverpass    Source = "overpass"
	SourcePlaces      Source = "places"
	SourceFallback    Source = "fallback"
	SourceNearby      Source = "nearby"
	SourceReverse     Source = "reverse_geocode"
	SourceForward     Source = "forward_geocode"
	SourceSynthesized Source = "pattern"
)

// 街道：代表点用于兜底检索的中心，包围盒可选
type Street struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Point  geo.Point `json:"point"`
	BBox   *geo.BBox `json:"bbox,omitempty"`
	Source Source    `json:"source"`
}

// 文档注释：建筑/门牌记录
// 约束：lat∈[-90,90]、lng∈[-180,180]；HouseNumber 为 0 表示未知，存在时必须 >0；
// Synthesized=true 表示由门牌规律推断的估计值，不是任何数据源的观测。
type Building struct {
	ID          string  `json:"id"`
	Address     string  `json:"address"`
	Street      string  `json:"street,omitempty"`
	HouseNumber int     `json:"house_number,omitempty"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Source      Source  `json:"source"`
	Confidence  float64 `json:"confidence"`
	Synthesized bool    `json:"synthesized"`
}

func (b Building) Point() geo.Point { return geo.Point{Lat: b.Lat, Lng: b.Lng} }

// Label：展示用地址；无门牌的建筑退化为街道名，再退化为坐标
func (b Building) Label() string {
	switch {
	case b.Address != "":
		return b.Address
	case b.Street != "":
		return b.Street
	}
	return strconv.FormatFloat(b.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(b.Lng, 'f', 6, 64)
}

func (b Building) Valid() bool {
	return geo.ValidCoord(b.Lat, b.Lng) && b.HouseNumber >= 0 && b.Confidence >= 0 && b.Confidence <= 1
}

// FilterValid：丢弃坐标非法的记录（去重之前必须执行）
func FilterValid(in []Building) []Building {
	out := make([]Building, 0, len(in))
	for _, b := range in {
		if b.Valid() {
			out = append(out, b)
		}
	}
	return out
}

func Points(bs []Building) []geo.Point {
	out := make([]geo.Point, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Point())
	}
	return out
}

// ParseHouseNumber：取门牌前导数字（"12A"→12，"12-14"→12），无数字返回 0
func ParseHouseNumber(s string) int {
	s = strings.TrimSpace(s)
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
		if n > 1_000_000 {
			return 0
		}
	}
	return n
}
