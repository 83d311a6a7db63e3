// 包 streets：社区住宅街道发现
// 背景：地图数据优先（具名住宅道路），缺失时退到地点自动补全，再退到配置中的兜底列表；胜出层级结果按社区缓存。
package streets

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"territory-api/internal/cache"
	"territory-api/internal/geo"
	"territory-api/internal/logger"
	"territory-api/internal/model"
	"territory-api/internal/provider"
	"territory-api/internal/tier"
)

const (
	TierMapData      = "map-data"
	TierAutocomplete = "autocomplete"
	TierFallback     = "fallback"
)

// Bounder：社区包围盒（由建筑检测的边界阶梯提供）
type Bounder interface {
	Bounds(ctx context.Context, community, municipality model.GeoNode) (geo.BBox, error)
}

type Options struct {
	Country string
	// FallbackFor：按社区名返回兜底街道
	FallbackFor  func(community string) []string
	SearchRadius int
}

type Service struct {
	md     provider.MapData
	pl     provider.Places
	bounds Bounder
	cache  *cache.Cache
	opt    Options

	mu   sync.RWMutex
	last map[string][]model.Street
}

func New(md provider.MapData, pl provider.Places, b Bounder, c *cache.Cache, opt Options) *Service {
	if opt.SearchRadius <= 0 {
		opt.SearchRadius = 3000
	}
	return &Service{md: md, pl: pl, bounds: b, cache: c, opt: opt, last: make(map[string][]model.Street)}
}

type Result struct {
	Streets  []model.Street
	Tier     string
	Attempts []tier.Attempt
}

func communityKey(n model.GeoNode) string {
	if n.ID != "" {
		return n.ID
	}
	return strings.ToLower(strings.TrimSpace(n.Name))
}

// 文档注释：发现社区内的住宅街道
// 约束：所有层级落空时返回空结果与 nil 错误；只有上下文取消才返回错误。
func (s *Service) Discover(ctx context.Context, community, municipality, area model.GeoNode) (Result, error) {
	key := "streets:" + communityKey(community)
	var res Result
	streets, err := cache.Load(ctx, s.cache, key, func(ctx context.Context) ([]model.Street, error) {
		out := tier.Run(ctx, "streets",
			tier.Tier[model.Street]{Name: TierMapData, Fn: func(ctx context.Context) ([]model.Street, error) {
				return s.fromMapData(ctx, community, municipality)
			}},
			tier.Tier[model.Street]{Name: TierAutocomplete, Fn: func(ctx context.Context) ([]model.Street, error) {
				return s.fromAutocomplete(ctx, community, municipality)
			}},
			tier.Tier[model.Street]{Name: TierFallback, Fn: func(ctx context.Context) ([]model.Street, error) {
				return s.fromFallback(community), nil
			}},
		)
		res.Tier = out.Tier
		res.Attempts = out.Attempts
		return out.Items, nil
	})
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res.Streets = streets
	if res.Tier == "" && len(streets) > 0 {
		res.Tier = "cache"
	}
	s.mu.Lock()
	s.last[communityKey(community)] = streets
	s.mu.Unlock()
	logger.L().Info("streets_discovered", "community", community.Name, "municipality", municipality.Name, "area", area.Name, "tier", res.Tier, "count", len(streets))
	return res, nil
}

// Filter：对已发现的街道做本地子串匹配（不发起外部调用）
func (s *Service) Filter(community model.GeoNode, text string) []model.Street {
	s.mu.RLock()
	all := s.last[communityKey(community)]
	s.mu.RUnlock()
	if all == nil && s.cache != nil {
		_ = s.cache.Get(context.Background(), "streets:"+communityKey(community), &all)
	}
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return append([]model.Street(nil), all...)
	}
	var out []model.Street
	for _, st := range all {
		if strings.Contains(strings.ToLower(st.Name), text) {
			out = append(out, st)
		}
	}
	return out
}

func (s *Service) fromMapData(ctx context.Context, community, municipality model.GeoNode) ([]model.Street, error) {
	if s.md == nil || s.bounds == nil {
		return nil, nil
	}
	bbox, err := s.bounds.Bounds(ctx, community, municipality)
	if err != nil {
		return nil, err
	}
	els, err := s.md.ResidentialStreets(ctx, bbox)
	if err != nil {
		return nil, err
	}
	return StreetsFromElements(els), nil
}

// 文档注释：道路要素合并为街道
// 背景：同名道路常被切成多段路径；按名称（忽略大小写）合并，包围盒取并集，代表点取首段中心。
func StreetsFromElements(els []provider.Element) []model.Street {
	idx := make(map[string]int)
	var out []model.Street
	for _, el := range els {
		name := strings.TrimSpace(el.Tags["name"])
		if name == "" {
			continue
		}
		pts := el.Geometry
		if len(pts) == 0 {
			pts = []geo.Point{{Lat: el.Lat, Lng: el.Lon}}
		}
		bb, ok := geo.BoundsOf(pts)
		k := strings.ToLower(name)
		if i, seen := idx[k]; seen {
			if ok && out[i].BBox != nil {
				merged, _ := geo.BoundsOf([]geo.Point{
					{Lat: out[i].BBox.MinLat, Lng: out[i].BBox.MinLng},
					{Lat: out[i].BBox.MaxLat, Lng: out[i].BBox.MaxLng},
					{Lat: bb.MinLat, Lng: bb.MinLng},
					{Lat: bb.MaxLat, Lng: bb.MaxLng},
				})
				out[i].BBox = &merged
			}
			continue
		}
		st := model.Street{
			ID:     "osm:way:" + strconv.FormatInt(el.ID, 10),
			Name:   name,
			Point:  geo.Point{Lat: el.Lat, Lng: el.Lon},
			Source: model.SourceOverpass,
		}
		if ok {
			st.BBox = &bb
		}
		idx[k] = len(out)
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

func (s *Service) fromAutocomplete(ctx context.Context, community, municipality model.GeoNode) ([]model.Street, error) {
	if s.pl == nil {
		return nil, nil
	}
	input := strings.TrimSpace(community.Name + " " + municipality.Name + " streets")
	f := provider.AutocompleteFilter{Country: s.opt.Country, Types: "address"}
	if community.Resolved() {
		p := community.Point()
		f.Location = &p
		f.Radius = s.opt.SearchRadius
	}
	preds, err := s.pl.Autocomplete(ctx, input, f)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []model.Street
	for _, p := range preds {
		name := StreetName(p.Description)
		if name == "" {
			continue
		}
		k := strings.ToLower(name)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, model.Street{ID: p.PlaceID, Name: name, Point: community.Point(), Source: model.SourcePlaces})
	}
	return out, nil
}

func (s *Service) fromFallback(community model.GeoNode) []model.Street {
	if s.opt.FallbackFor == nil {
		return nil
	}
	var out []model.Street
	for i, name := range s.opt.FallbackFor(community.Name) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, model.Street{
			ID:     "fallback:" + communityKey(community) + ":" + strconv.Itoa(i),
			Name:   name,
			Point:  community.Point(),
			Source: model.SourceFallback,
		})
	}
	return out
}

var (
	plusCode   = regexp.MustCompile(`^[23456789CFGHJMPQRVWX]{2,8}\+[23456789CFGHJMPQRVWX]{0,3}\b`)
	coordinate = regexp.MustCompile(`^\s*-?\d{1,3}(\.\d+)?\s*,\s*-?\d{1,3}(\.\d+)?\s*$`)
)

// 文档注释：从自动补全描述中提取街道名
// 约束：取首个逗号段；Plus Code、坐标串、不含字母的描述返回空串。
func StreetName(desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" || coordinate.MatchString(desc) {
		return ""
	}
	first, _, _ := strings.Cut(desc, ",")
	first = strings.TrimSpace(first)
	if plusCode.MatchString(strings.ToUpper(first)) || coordinate.MatchString(first) {
		return ""
	}
	if !strings.ContainsFunc(first, unicode.IsLetter) {
		return ""
	}
	return first
}
