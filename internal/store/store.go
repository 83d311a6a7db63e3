// 包 store：检测记录与领地草稿的 PostgreSQL 访问层
// 背景：检测过程耗费大量外部调用；记录每次运行的统计与告警，便于排查数据源质量并复用已保存草稿。
package store

import (
	"context"
	"encoding/json"
	"time"

	"territory-api/internal/logger"
	"territory-api/internal/model"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// Store: 数据库访问入口，持有连接池
type Store struct {
	db *sqlx.DB
}

func Attach(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *sqlx.DB { return s.db }

// Run：一次检测会话的结果摘要
type Run struct {
	ID           string         `db:"id"`
	Area         string         `db:"area"`
	Municipality string         `db:"municipality"`
	Community    string         `db:"community"`
	Streets      types.JSONText `db:"streets"`
	State        string         `db:"state"`
	Buildings    int            `db:"buildings"`
	Synthesized  int            `db:"synthesized"`
	AreaM2       float64        `db:"area_m2"`
	DensityPerHa float64        `db:"density_per_ha"`
	APICalls     int            `db:"api_calls"`
	Warnings     types.JSONText `db:"warnings"`
	Error        string         `db:"error"`
	StartedAt    time.Time      `db:"started_at"`
	FinishedAt   *time.Time     `db:"finished_at"`
}

// JSONList：字符串列表转 JSONB 列值
func JSONList(xs []string) types.JSONText {
	if xs == nil {
		xs = []string{}
	}
	b, _ := json.Marshal(xs)
	return types.JSONText(b)
}

const upsertRun = `INSERT INTO _territory_runs
	(id, area, municipality, community, streets, state, buildings, synthesized, area_m2, density_per_ha, api_calls, warnings, error, started_at, finished_at)
	VALUES (:id, :area, :municipality, :community, :streets, :state, :buildings, :synthesized, :area_m2, :density_per_ha, :api_calls, :warnings, :error, :started_at, :finished_at)
	ON CONFLICT (id) DO UPDATE SET
		streets=EXCLUDED.streets, state=EXCLUDED.state, buildings=EXCLUDED.buildings, synthesized=EXCLUDED.synthesized,
		area_m2=EXCLUDED.area_m2, density_per_ha=EXCLUDED.density_per_ha, api_calls=EXCLUDED.api_calls,
		warnings=EXCLUDED.warnings, error=EXCLUDED.error, finished_at=EXCLUDED.finished_at`

// RecordRun：按 ID 写入或更新运行记录
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.Streets == nil {
		r.Streets = JSONList(nil)
	}
	if r.Warnings == nil {
		r.Warnings = JSONList(nil)
	}
	if _, err := s.db.NamedExecContext(ctx, upsertRun, r); err != nil {
		logger.L().Error("store_run_error", "id", r.ID, "err", err)
		return err
	}
	logger.L().Debug("store_run_ok", "id", r.ID, "state", r.State)
	return nil
}

// RecentRuns：某社区最近的运行记录
func (s *Store) RecentRuns(ctx context.Context, community string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Run
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM _territory_runs WHERE community=$1 ORDER BY started_at DESC LIMIT $2`, community, limit)
	return out, err
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM _territory_runs WHERE id=$1`, id); err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordDraft：保存草稿快照及外部服务分配的 ID
func (s *Store) RecordDraft(ctx context.Context, runID string, d model.TerritoryDraft, backendID string) (int64, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowxContext(ctx,
		`INSERT INTO _territory_drafts(run_id, name, zone_type, draft, backend_id) VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		runID, d.Name, d.ZoneType, types.JSONText(raw), backendID).Scan(&id)
	if err != nil {
		logger.L().Error("store_draft_error", "run_id", runID, "err", err)
		return 0, err
	}
	return id, nil
}
