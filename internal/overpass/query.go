package overpass

import (
	"fmt"
	"regexp"
	"strings"

	"territory-api/internal/geo"
	"territory-api/internal/provider"
)

const header = "[out:json][timeout:25];\n"
const footer = "out body;\n>;\nout skel qt;\n"

// quote：转义 Overpass QL 字符串字面量
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// alternation：标签值白名单转为锚定正则
func alternation(vals []string) string {
	qs := make([]string, 0, len(vals))
	for _, v := range vals {
		qs = append(qs, regexp.QuoteMeta(v))
	}
	return quote("^(" + strings.Join(qs, "|") + ")$")
}

// 文档注释：边界查询语句
// 背景：按阶梯逐级放宽：邻里 → 街区 → 行政边界 → 任意同名路径/关系；指定 Near 时限定在社区中心半径内，避免同名地区串城。
func BoundaryQuery(q provider.BoundaryQuery) string {
	name := quote(q.Name)
	area := ""
	if q.Near != nil {
		r := q.RadiusMeters
		if r <= 0 {
			r = 5000
		}
		area = fmt.Sprintf("(around:%d,%.7f,%.7f)", r, q.Near.Lat, q.Near.Lng)
	}
	var sel []string
	switch q.Kind {
	case provider.BoundaryNeighbourhood:
		f := `["place"~"^(neighbourhood|quarter)$"]["name"=` + name + `]`
		sel = []string{"relation" + f + area, "way" + f + area}
	case provider.BoundarySuburb:
		f := `["place"="suburb"]["name"=` + name + `]`
		sel = []string{"relation" + f + area, "way" + f + area}
	case provider.BoundaryAdministrative:
		f := `["boundary"="administrative"]["name"=` + name + `]`
		sel = []string{"relation" + f + area, "way" + f + area}
	default:
		f := `["name"=` + name + `]`
		sel = []string{"way" + f + area, "relation" + f + area}
	}
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("(\n")
	for _, s := range sel {
		b.WriteString("  " + s + ";\n")
	}
	b.WriteString(");\n")
	b.WriteString(footer)
	return b.String()
}

// StreetsQuery：包围盒内具名住宅道路
func StreetsQuery(bbox geo.BBox, highways []string) string {
	return header +
		fmt.Sprintf("(\n  way[\"highway\"~%s][\"name\"](%s);\n);\n", alternation(highways), bbox.Overpass()) +
		footer
}

// 文档注释：沿街建筑查询语句
// 背景：先取同名街道路径集合，再取其 around 走廊内的建筑；另补充 addr:street 指向该街道的节点与建筑。
// 约束：全部结果再与包围盒求交。
func BuildingsQuery(q provider.BuildingQuery) string {
	bb := q.BBox.Overpass()
	r := q.RadiusMeters
	if r <= 0 {
		r = 50
	}
	building := `["building"]`
	if len(q.BuildingTags) > 0 {
		building = `["building"~` + alternation(q.BuildingTags) + `]`
	}
	street := quote(q.Street)
	var b strings.Builder
	b.WriteString(header)
	fmt.Fprintf(&b, "way[\"highway\"][\"name\"=%s](%s)->.street;\n", street, bb)
	b.WriteString("(\n")
	fmt.Fprintf(&b, "  way%s(around.street:%d)(%s);\n", building, r, bb)
	fmt.Fprintf(&b, "  node%s(around.street:%d)(%s);\n", building, r, bb)
	fmt.Fprintf(&b, "  way[\"building\"][\"addr:street\"=%s](%s);\n", street, bb)
	fmt.Fprintf(&b, "  node[\"addr:street\"=%s][\"addr:housenumber\"](%s);\n", street, bb)
	b.WriteString(");\n")
	b.WriteString(footer)
	return b.String()
}
