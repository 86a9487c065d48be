// Copyright 2026 fanjia1024

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore Postgres 快照存储：单行 jsonb，upsert 即原子替换。
// 多实例部署时建议用它替代本地文件。
type PGStore struct {
	pool *pgxpool.Pool
}

const pgSnapshotDDL = `
CREATE TABLE IF NOT EXISTS orchestrator_snapshot (
    id         INT PRIMARY KEY CHECK (id = 1),
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPGStore 连接 Postgres 并确保快照表存在
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSnapshotDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure snapshot table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (p *PGStore) Load() ([]*Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM orchestrator_snapshot WHERE id = 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		// 数据库里的坏快照无法隔离为文件，按空处理
		return nil, nil
	}
	return normalizeJobs(snap.Jobs), nil
}

func (p *PGStore) Save(jobs []*Job) error {
	if jobs == nil {
		jobs = []*Job{}
	}
	data, err := json.Marshal(snapshotFile{Version: snapshotVersion, Jobs: jobs})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = p.pool.Exec(ctx, `
INSERT INTO orchestrator_snapshot (id, data, updated_at) VALUES (1, $1, now())
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (p *PGStore) Close() error {
	p.pool.Close()
	return nil
}
