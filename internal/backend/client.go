// 包 backend：领地持久化服务客户端（重叠校验 + 保存）
// 背景：领地草稿由外部服务落库并分配；保存前必须先做重叠校验，重叠时阻止保存并原样返回冲突明细。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"territory-api/internal/logger"
	"territory-api/internal/model"
	"territory-api/internal/provider"
)

const Name = "backend"

// ErrOverlapRejected：边界与已有领地重叠或建筑重复
var ErrOverlapRejected = errors.New("territory overlaps existing zones")

type ValidationResult struct {
	HasOverlap         bool              `json:"hasOverlap"`
	OverlappingZones   []json.RawMessage `json:"overlappingZones"`
	DuplicateBuildings []json.RawMessage `json:"duplicateBuildings"`
	IsValid            bool              `json:"isValid"`
}

// OverlapError：携带校验服务的原始响应
type OverlapError struct {
	Result ValidationResult
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%v: %d overlapping zones, %d duplicate buildings",
		ErrOverlapRejected, len(e.Result.OverlappingZones), len(e.Result.DuplicateBuildings))
}

func (e *OverlapError) Unwrap() error { return ErrOverlapRejected }

type SaveResult struct {
	ID string `json:"id"`
}

type Client struct {
	base  string
	token string
	hc    *http.Client
	guard provider.Guard
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		hc:    &http.Client{},
		guard: provider.Guard{Name: Name, Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, op, path string, body any, dest any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.guard.Do(ctx, op, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return provider.StatusError(Name, op, resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(dest)
	})
}

// Validate：提交边界与建筑数据做重叠校验
func (c *Client) Validate(ctx context.Context, d model.TerritoryDraft) (ValidationResult, error) {
	var r ValidationResult
	body := struct {
		Boundary     model.BoundaryGeoJSON `json:"boundary"`
		BuildingData model.BuildingData    `json:"buildingData"`
	}{d.GeoJSON(), d.BuildingData()}
	if err := c.post(ctx, "validate", "/territories/validate", body, &r); err != nil {
		return r, err
	}
	logger.L().Debug("backend_validate", "has_overlap", r.HasOverlap, "is_valid", r.IsValid, "zones", len(r.OverlappingZones))
	return r, nil
}

// 文档注释：校验通过后保存
// 约束：重叠或校验不通过时返回 *OverlapError，不调用保存接口。
func (c *Client) Save(ctx context.Context, d model.TerritoryDraft) (SaveResult, error) {
	v, err := c.Validate(ctx, d)
	if err != nil {
		return SaveResult{}, err
	}
	if v.HasOverlap || !v.IsValid {
		logger.L().Info("backend_save_rejected", "name", d.Name, "zones", len(v.OverlappingZones), "duplicates", len(v.DuplicateBuildings))
		return SaveResult{}, &OverlapError{Result: v}
	}
	var r SaveResult
	if err := c.post(ctx, "save", "/territories", d, &r); err != nil {
		return SaveResult{}, err
	}
	logger.L().Info("backend_saved", "name", d.Name, "id", r.ID)
	return r, nil
}
