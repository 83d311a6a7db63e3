// 包 provider：外部数据源的统一契约（地名服务、地图数据、地点/地理编码）
// 背景：三类外部服务均不可靠，业务组件只依赖这里的接口，便于按层级降级与在测试中替换。
package provider

import (
	"context"

	"territory-api/internal/geo"
)

// 地名服务候选
type Place struct {
	ID          string
	Name        string
	DisplayName string
	Lat         float64
	Lon         float64
	Type        string
	Class       string
	AddressType string
	Importance  float64
}

type SearchFilter struct {
	CountryCodes []string
	Limit        int
}

// Gazetteer：search(query, filters) -> 候选地名
type Gazetteer interface {
	Search(ctx context.Context, query string, f SearchFilter) ([]Place, error)
}

// 地图数据要素（节点或路径）；路径的 Geometry 为其节点坐标
type Element struct {
	ID       int64
	Kind     string
	Lat      float64
	Lon      float64
	Tags     map[string]string
	Geometry []geo.Point
}

// 边界查询层级：按顺序组成边界降级阶梯
type BoundaryKind string

const (
	BoundaryNeighbourhood  BoundaryKind = "neighbourhood"
	BoundarySuburb         BoundaryKind = "suburb"
	BoundaryAdministrative BoundaryKind = "administrative"
	BoundaryNamedArea      BoundaryKind = "named_area"
)

type BoundaryQuery struct {
	Kind BoundaryKind
	Name string
	// 可选：限定在社区中心附近，避免同名地区串城
	Near         *geo.Point
	RadiusMeters int
}

type BuildingQuery struct {
	BBox         geo.BBox
	Street       string
	RadiusMeters int
	BuildingTags []string
}

// MapData：结构化查询（包围盒 + 标签过滤）返回带标签的几何
type MapData interface {
	Boundary(ctx context.Context, q BoundaryQuery) ([]geo.Point, error)
	ResidentialStreets(ctx context.Context, bbox geo.BBox) ([]Element, error)
	Buildings(ctx context.Context, q BuildingQuery) ([]Element, error)
}

type Prediction struct {
	PlaceID     string
	Description string
	Types       []string
}

type AutocompleteFilter struct {
	Country  string
	Types    string
	Location *geo.Point
	Radius   int
}

// 地理编码结果；Components 以类型为键（route、street_number、locality...）
type GeocodeResult struct {
	PlaceID    string
	Address    string
	Lat        float64
	Lng        float64
	Types      []string
	Components map[string]string
}

type NearbyResult struct {
	PlaceID  string
	Name     string
	Vicinity string
	Lat      float64
	Lng      float64
	Types    []string
}

// Places：自动补全、周边检索、正/反向地理编码
type Places interface {
	Autocomplete(ctx context.Context, input string, f AutocompleteFilter) ([]Prediction, error)
	Nearby(ctx context.Context, at geo.Point, radiusMeters int, keyword string) ([]NearbyResult, error)
	Geocode(ctx context.Context, address string) ([]GeocodeResult, error)
	ReverseGeocode(ctx context.Context, at geo.Point) ([]GeocodeResult, error)
}

// HasType：结果类型是否命中任一允许类型
func HasType(types []string, allowed ...string) bool {
	for _, t := range types {
		for _, a := range allowed {
			if t == a {
				return true
			}
		}
	}
	return false
}
