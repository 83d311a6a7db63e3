// 包 places：地点/地理编码适配器（自动补全、周边检索、正/反向地理编码）
// 背景：OSM 数据稀疏的社区依赖商业地点服务补齐街道与门牌；接口形态对齐 Google Places / Geocoding REST。
// 约束：status 为 OK 或 ZERO_RESULTS 视为成功，其余（OVER_QUERY_LIMIT、REQUEST_DENIED 等）归为 ErrProviderError。
package places

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"territory-api/internal/geo"
	"territory-api/internal/logger"
	"territory-api/internal/provider"
	"territory-api/internal/ratelimit"
)

const Name = "places"

var errMissingKey = errors.New("missing places api key")

type latLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type geometry struct {
	Location latLng `json:"location"`
}

type autocompleteResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Predictions  []struct {
		PlaceID     string   `json:"place_id"`
		Description string   `json:"description"`
		Types       []string `json:"types"`
	} `json:"predictions"`
}

type nearbyResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		PlaceID  string   `json:"place_id"`
		Name     string   `json:"name"`
		Vicinity string   `json:"vicinity"`
		Geometry geometry `json:"geometry"`
		Types    []string `json:"types"`
	} `json:"results"`
}

type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		PlaceID           string   `json:"place_id"`
		FormattedAddress  string   `json:"formatted_address"`
		Geometry          geometry `json:"geometry"`
		Types             []string `json:"types"`
		AddressComponents []struct {
			LongName  string   `json:"long_name"`
			ShortName string   `json:"short_name"`
			Types     []string `json:"types"`
		} `json:"address_components"`
	} `json:"results"`
}

type Client struct {
	base  string
	key   string
	lang  string
	hc    *http.Client
	guard provider.Guard
}

type Options struct {
	BaseURL  string
	Key      string
	Language string
	Limiter  *ratelimit.Registry
	Timeout  time.Duration
	HTTP     *http.Client
}

func New(o Options) *Client {
	hc := o.HTTP
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		base:  strings.TrimRight(o.BaseURL, "/"),
		key:   o.Key,
		lang:  o.Language,
		hc:    hc,
		guard: provider.Guard{Name: Name, Limiter: o.Limiter, Timeout: o.Timeout},
	}
}

// get：统一请求、解码与业务状态判定
func (c *Client) get(ctx context.Context, op, path string, q url.Values, dest any, status func() (string, string)) error {
	if c.key == "" {
		return &provider.Error{Provider: Name, Op: op, Err: errMissingKey}
	}
	q.Set("key", c.key)
	if c.lang != "" {
		q.Set("language", c.lang)
	}
	u := c.base + path + "?" + q.Encode()
	return c.guard.Do(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return provider.StatusError(Name, op, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return err
		}
		st, msg := status()
		if st != "OK" && st != "ZERO_RESULTS" {
			logger.L().Warn("places_status_error", "op", op, "status", st, "message", msg)
			return fmt.Errorf("status %s: %s", st, msg)
		}
		return nil
	})
}

func (c *Client) Autocomplete(ctx context.Context, input string, f provider.AutocompleteFilter) ([]provider.Prediction, error) {
	q := url.Values{}
	q.Set("input", input)
	if f.Country != "" {
		q.Set("components", "country:"+strings.ToLower(f.Country))
	}
	if f.Types != "" {
		q.Set("types", f.Types)
	}
	if f.Location != nil {
		q.Set("location", formatLatLng(*f.Location))
		if f.Radius > 0 {
			q.Set("radius", strconv.Itoa(f.Radius))
		}
	}
	var r autocompleteResponse
	if err := c.get(ctx, "autocomplete", "/place/autocomplete/json", q, &r, func() (string, string) { return r.Status, r.ErrorMessage }); err != nil {
		return nil, err
	}
	out := make([]provider.Prediction, 0, len(r.Predictions))
	for _, p := range r.Predictions {
		out = append(out, provider.Prediction{PlaceID: p.PlaceID, Description: p.Description, Types: p.Types})
	}
	return out, nil
}

func (c *Client) Nearby(ctx context.Context, at geo.Point, radiusMeters int, keyword string) ([]provider.NearbyResult, error) {
	q := url.Values{}
	q.Set("location", formatLatLng(at))
	if radiusMeters <= 0 {
		radiusMeters = 150
	}
	q.Set("radius", strconv.Itoa(radiusMeters))
	if keyword != "" {
		q.Set("keyword", keyword)
	}
	var r nearbyResponse
	if err := c.get(ctx, "nearby", "/place/nearbysearch/json", q, &r, func() (string, string) { return r.Status, r.ErrorMessage }); err != nil {
		return nil, err
	}
	out := make([]provider.NearbyResult, 0, len(r.Results))
	for _, x := range r.Results {
		out = append(out, provider.NearbyResult{
			PlaceID:  x.PlaceID,
			Name:     x.Name,
			Vicinity: x.Vicinity,
			Lat:      x.Geometry.Location.Lat,
			Lng:      x.Geometry.Location.Lng,
			Types:    x.Types,
		})
	}
	return out, nil
}

func (c *Client) Geocode(ctx context.Context, address string) ([]provider.GeocodeResult, error) {
	q := url.Values{}
	q.Set("address", address)
	return c.geocode(ctx, "geocode", q)
}

func (c *Client) ReverseGeocode(ctx context.Context, at geo.Point) ([]provider.GeocodeResult, error) {
	q := url.Values{}
	q.Set("latlng", formatLatLng(at))
	return c.geocode(ctx, "reverse_geocode", q)
}

func (c *Client) geocode(ctx context.Context, op string, q url.Values) ([]provider.GeocodeResult, error) {
	var r geocodeResponse
	if err := c.get(ctx, op, "/geocode/json", q, &r, func() (string, string) { return r.Status, r.ErrorMessage }); err != nil {
		return nil, err
	}
	out := make([]provider.GeocodeResult, 0, len(r.Results))
	for _, x := range r.Results {
		comps := make(map[string]string, len(x.AddressComponents))
		for _, ac := range x.AddressComponents {
			for _, t := range ac.Types {
				if _, ok := comps[t]; !ok {
					comps[t] = ac.LongName
				}
			}
		}
		out = append(out, provider.GeocodeResult{
			PlaceID:    x.PlaceID,
			Address:    x.FormattedAddress,
			Lat:        x.Geometry.Location.Lat,
			Lng:        x.Geometry.Location.Lng,
			Types:      x.Types,
			Components: comps,
		})
	}
	return out, nil
}

func formatLatLng(p geo.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 7, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 7, 64)
}
