package detection

import (
	"errors"
	"fmt"

	"territory-api/internal/buildings"
	"territory-api/internal/geo"
	"territory-api/internal/resolver"
)

var (
	// ErrInvalidHierarchy：缺少区域或城市选择，检测不发起任何外部调用
	ErrInvalidHierarchy = errors.New("hierarchy incomplete: area and municipality are required")
	// ErrNoBuildingsDetected：所有所选街道的全部层级均未发现建筑
	ErrNoBuildingsDetected = errors.New("no buildings detected")
	// ErrSuperseded：检测期间选择已变化，本次结果被丢弃
	ErrSuperseded = errors.New("detection superseded by a newer selection")
	ErrNotReady   = errors.New("session has no draft")
	ErrNotFound   = errors.New("session not found")
)

// 文档注释：会话级不可恢复失败
// 约束：Kind 为上面的哨兵或 buildings.ErrBoundaryUnavailable / resolver.ErrResolutionEmpty，可用 errors.Is 判定；
// Warnings 为失败前累计的逐街道告警。
type Failure struct {
	Kind     error    `json:"-"`
	Stage    State    `json:"stage"`
	Message  string   `json:"message"`
	Warnings []string `json:"warnings,omitempty"`
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("%s: %v", f.Stage, f.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", f.Stage, f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Kind }

// KindName：失败分类的稳定标识，供接口与日志使用
func (f *Failure) KindName() string {
	switch {
	case errors.Is(f.Kind, ErrInvalidHierarchy):
		return "invalid_hierarchy"
	case errors.Is(f.Kind, resolver.ErrResolutionEmpty):
		return "resolution_empty"
	case errors.Is(f.Kind, buildings.ErrBoundaryUnavailable):
		return "boundary_unavailable"
	case errors.Is(f.Kind, ErrNoBuildingsDetected):
		return "no_buildings_detected"
	case errors.Is(f.Kind, geo.ErrInvalidPolygon):
		return "invalid_polygon"
	}
	return "internal"
}
