// Copyright 2026 fanjia1024

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGArchive 审计记录的 Postgres 归档镜像：insert-only，尽力而为。
// 文件存储仍是权威来源，归档失败只告警不阻塞 Append。
type PGArchive struct {
	pool *pgxpool.Pool
}

const pgArchiveDDL = `
CREATE TABLE IF NOT EXISTS orchestrator_reload_audit (
    reload_id   TEXT PRIMARY KEY,
    recorded_at TIMESTAMPTZ NOT NULL,
    record      JSONB NOT NULL
)`

// NewPGArchive 连接 Postgres 并确保归档表存在
func NewPGArchive(ctx context.Context, dsn string) (*PGArchive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgArchiveDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure audit archive table: %w", err)
	}
	return &PGArchive{pool: pool}, nil
}

// Archive 追加一条归档记录。reload_id 冲突时不覆盖（记录不可变）。
func (a *PGArchive) Archive(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = a.pool.Exec(ctx, `
INSERT INTO orchestrator_reload_audit (reload_id, recorded_at, record) VALUES ($1, $2, $3)
ON CONFLICT (reload_id) DO NOTHING`, record.ReloadID, record.RecordedAt, data)
	if err != nil {
		return fmt.Errorf("archive audit record: %w", err)
	}
	return nil
}

func (a *PGArchive) Close() error {
	a.pool.Close()
	return nil
}
