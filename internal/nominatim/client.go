// 包 nominatim：地名服务适配器（OSM Nominatim /search）
// 背景：层级选择（区域/市/社区）的候选来自自由文本地名检索；Nominatim 公共实例限 1 req/s，需带 User-Agent。
package nominatim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"territory-api/internal/logger"
	"territory-api/internal/provider"
	"territory-api/internal/ratelimit"
)

const Name = "nominatim"

// 文档注释：/search?format=jsonv2 响应条目
// 约束：lat/lon 为字符串；importance 可能缺失（按 0 处理）。
type searchItem struct {
	PlaceID     int64   `json:"place_id"`
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	Category    string  `json:"category"`
	Type        string  `json:"type"`
	AddressType string  `json:"addresstype"`
	Importance  float64 `json:"importance"`
}

type Client struct {
	base      string
	userAgent string
	email     string
	hc        *http.Client
	guard     provider.Guard
}

type Options struct {
	BaseURL   string
	UserAgent string
	Email     string
	Limiter   *ratelimit.Registry
	Timeout   time.Duration
	HTTP      *http.Client
}

func New(o Options) *Client {
	hc := o.HTTP
	if hc == nil {
		hc = &http.Client{}
	}
	ua := o.UserAgent
	if ua == "" {
		ua = "territory-api/1.0"
	}
	return &Client{
		base:      strings.TrimRight(o.BaseURL, "/"),
		userAgent: ua,
		email:     o.Email,
		hc:        hc,
		guard:     provider.Guard{Name: Name, Limiter: o.Limiter, Timeout: o.Timeout},
	}
}

// 文档注释：地名检索
// 约束：非 2xx 与解码失败归为 ErrProviderError；坐标无法解析的条目跳过。
func (c *Client) Search(ctx context.Context, query string, f provider.SearchFilter) ([]provider.Place, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "jsonv2")
	q.Set("addressdetails", "0")
	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	q.Set("limit", strconv.Itoa(limit))
	if len(f.CountryCodes) > 0 {
		q.Set("countrycodes", strings.ToLower(strings.Join(f.CountryCodes, ",")))
	}
	if c.email != "" {
		q.Set("email", c.email)
	}
	u := c.base + "/search?" + q.Encode()

	var items []searchItem
	err := c.guard.Do(ctx, "search", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return provider.StatusError(Name, "search", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&items)
	})
	if err != nil {
		logger.L().Warn("nominatim_search_error", "q", query, "err", err)
		return nil, err
	}
	out := make([]provider.Place, 0, len(items))
	for _, it := range items {
		lat, err1 := strconv.ParseFloat(it.Lat, 64)
		lon, err2 := strconv.ParseFloat(it.Lon, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		name := it.Name
		if name == "" {
			name, _, _ = strings.Cut(it.DisplayName, ",")
		}
		out = append(out, provider.Place{
			ID:          strconv.FormatInt(it.PlaceID, 10),
			Name:        strings.TrimSpace(name),
			DisplayName: it.DisplayName,
			Lat:         lat,
			Lon:         lon,
			Type:        it.Type,
			Class:       it.Category,
			AddressType: it.AddressType,
			Importance:  it.Importance,
		})
	}
	logger.L().Debug("nominatim_search_ok", "q", query, "results", len(out))
	return out, nil
}
