package model

import (
	"encoding/json"

	"territory-api/internal/geo"
)

// 文档注释：领地草稿（交给外部持久化/重叠校验服务的产物）
// 约束：Boundary 为闭合环；序列化格式与后端契约一致，见 MarshalJSON。
type TerritoryDraft struct {
	Name        string
	Description string
	Boundary    geo.Polygon
	Buildings   []Building
	ZoneType    string
}

type BoundaryGeoJSON struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

type BuildingData struct {
	Addresses        []string    `json:"addresses"`
	Coordinates      []geo.Point `json:"coordinates"`
	TotalBuildings   int         `json:"totalBuildings"`
	ResidentialHomes int         `json:"residentialHomes"`
}

type draftWire struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Boundary     BoundaryGeoJSON `json:"boundary"`
	BuildingData BuildingData    `json:"buildingData"`
	ZoneType     string          `json:"zoneType"`
}

func (d TerritoryDraft) GeoJSON() BoundaryGeoJSON {
	return BoundaryGeoJSON{Type: "Polygon", Coordinates: [][][2]float64{d.Boundary}}
}

// BuildingData：residentialHomes 只统计观测到的建筑，推断出的估计门牌不计入
func (d TerritoryDraft) BuildingData() BuildingData {
	bd := BuildingData{
		Addresses:   make([]string, 0, len(d.Buildings)),
		Coordinates: make([]geo.Point, 0, len(d.Buildings)),
	}
	for _, b := range d.Buildings {
		bd.Addresses = append(bd.Addresses, b.Label())
		bd.Coordinates = append(bd.Coordinates, b.Point())
		if !b.Synthesized {
			bd.ResidentialHomes++
		}
	}
	bd.TotalBuildings = len(d.Buildings)
	return bd
}

func (d TerritoryDraft) MarshalJSON() ([]byte, error) {
	return json.Marshal(draftWire{
		Name:         d.Name,
		Description:  d.Description,
		Boundary:     d.GeoJSON(),
		BuildingData: d.BuildingData(),
		ZoneType:     d.ZoneType,
	})
}
