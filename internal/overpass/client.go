// 包 overpass：地图数据适配器（Overpass QL）
// 背景：社区边界、住宅街道与沿街建筑均来自 OSM；查询语句按"包围盒 + 标签过滤"构造，结果统一转换为 provider.Element。
// 约束：go-overpass 客户端不接收 context，这里以 goroutine + select 实现取消与超时；取消后迟到的结果直接丢弃。
package overpass

import (
	"context"
	"net/http"
	"sort"
	"time"

	"territory-api/internal/geo"
	"territory-api/internal/logger"
	"territory-api/internal/provider"
	"territory-api/internal/ratelimit"

	"github.com/serjvanilla/go-overpass"
)

const Name = "overpass"

type querier interface {
	Query(query string) (overpass.Result, error)
}

type Client struct {
	q        querier
	guard    provider.Guard
	highways []string
}

type Options struct {
	Endpoint     string
	MaxParallel  int
	HighwayTypes []string
	Limiter      *ratelimit.Registry
	Timeout      time.Duration
}

func New(o Options) *Client {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 2
	}
	oc := overpass.NewWithSettings(o.Endpoint, o.MaxParallel, httpClient(o.Timeout))
	return newWithQuerier(&oc, o)
}

// httpClient：底层客户端不接收 context，超时必须落在 http.Client 上，取消后迟到的请求才会结束
func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func newWithQuerier(q querier, o Options) *Client {
	hw := o.HighwayTypes
	if len(hw) == 0 {
		hw = []string{"residential", "living_street", "unclassified"}
	}
	return &Client{q: q, highways: hw, guard: provider.Guard{Name: Name, Limiter: o.Limiter, Timeout: o.Timeout}}
}

func (c *Client) run(ctx context.Context, op, query string) (overpass.Result, error) {
	var res overpass.Result
	err := c.guard.Do(ctx, op, func(ctx context.Context) error {
		type reply struct {
			r   overpass.Result
			err error
		}
		ch := make(chan reply, 1)
		go func() {
			r, err := c.q.Query(query)
			ch <- reply{r, err}
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rp := <-ch:
			res = rp.r
			return rp.err
		}
	})
	return res, err
}

// 文档注释：边界几何
// 背景：返回命中要素的全部节点坐标；调用方只取极值构造包围盒，不关心拓扑。
func (c *Client) Boundary(ctx context.Context, q provider.BoundaryQuery) ([]geo.Point, error) {
	res, err := c.run(ctx, "boundary", BoundaryQuery(q))
	if err != nil {
		return nil, err
	}
	pts := make([]geo.Point, 0, len(res.Nodes))
	for _, n := range sortedNodes(res) {
		p := geo.Point{Lat: n.Lat, Lng: n.Lon}
		if p.Valid() {
			pts = append(pts, p)
		}
	}
	logger.L().Debug("overpass_boundary", "kind", q.Kind, "name", q.Name, "points", len(pts))
	return pts, nil
}

func (c *Client) ResidentialStreets(ctx context.Context, bbox geo.BBox) ([]provider.Element, error) {
	res, err := c.run(ctx, "streets", StreetsQuery(bbox, c.highways))
	if err != nil {
		return nil, err
	}
	return Convert(res), nil
}

func (c *Client) Buildings(ctx context.Context, q provider.BuildingQuery) ([]provider.Element, error) {
	res, err := c.run(ctx, "buildings", BuildingsQuery(q))
	if err != nil {
		return nil, err
	}
	return Convert(res), nil
}

// 文档注释：结果转换
// 约束：无标签节点（路径的骨架节点）不单独输出；路径坐标取节点均值，Geometry 保留节点序列；输出按类型、ID 排序。
func Convert(res overpass.Result) []provider.Element {
	var out []provider.Element
	for _, n := range sortedNodes(res) {
		if len(n.Tags) == 0 {
			continue
		}
		out = append(out, provider.Element{
			ID:   n.ID,
			Kind: string(overpass.ElementTypeNode),
			Lat:  n.Lat,
			Lon:  n.Lon,
			Tags: n.Tags,
		})
	}
	ways := make([]*overpass.Way, 0, len(res.Ways))
	for _, w := range res.Ways {
		if w != nil {
			ways = append(ways, w)
		}
	}
	sort.Slice(ways, func(i, j int) bool { return ways[i].ID < ways[j].ID })
	for _, w := range ways {
		el := provider.Element{ID: w.ID, Kind: string(overpass.ElementTypeWay), Tags: w.Tags}
		var lat, lon float64
		for _, n := range w.Nodes {
			if n == nil {
				continue
			}
			el.Geometry = append(el.Geometry, geo.Point{Lat: n.Lat, Lng: n.Lon})
			lat += n.Lat
			lon += n.Lon
		}
		switch {
		case len(el.Geometry) > 0:
			el.Lat = lat / float64(len(el.Geometry))
			el.Lon = lon / float64(len(el.Geometry))
		case w.Bounds != nil:
			el.Lat = (w.Bounds.Min.Lat + w.Bounds.Max.Lat) / 2
			el.Lon = (w.Bounds.Min.Lon + w.Bounds.Max.Lon) / 2
		}
		out = append(out, el)
	}
	return out
}

func sortedNodes(res overpass.Result) []*overpass.Node {
	nodes := make([]*overpass.Node, 0, len(res.Nodes))
	for _, n := range res.Nodes {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}
