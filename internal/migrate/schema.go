package migrate

import (
	"territory-api/internal/logger"

	"github.com/jmoiron/sqlx"
)

// Statements：建表语句（幂等）
var Statements = []string{
	`CREATE TABLE IF NOT EXISTS _territory_runs (
		id TEXT PRIMARY KEY,
		area TEXT NOT NULL DEFAULT '',
		municipality TEXT NOT NULL DEFAULT '',
		community TEXT NOT NULL DEFAULT '',
		streets JSONB NOT NULL DEFAULT '[]',
		state TEXT NOT NULL,
		buildings INT NOT NULL DEFAULT 0,
		synthesized INT NOT NULL DEFAULT 0,
		area_m2 DOUBLE PRECISION NOT NULL DEFAULT 0,
		density_per_ha DOUBLE PRECISION NOT NULL DEFAULT 0,
		api_calls INT NOT NULL DEFAULT 0,
		warnings JSONB NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_territory_runs_community ON _territory_runs(community, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS _territory_drafts (
		id SERIAL PRIMARY KEY,
		run_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		zone_type TEXT NOT NULL DEFAULT '',
		draft JSONB NOT NULL,
		backend_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_territory_drafts_run ON _territory_drafts(run_id)`,
}

// 背景：首次运行自动创建检测记录与草稿表
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；仅创建最小必需结构
func EnsureSchema(db *sqlx.DB) error {
	for i, s := range Statements {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
