// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sigcache 动作签名 replay 缓存：同一签名哈希在 TTL 窗口内只放行一次。
// 哈希由 stablejson.Signature + stablejson.Hash 生成，键空间与动作 scope 绑定。
package sigcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-orchestrator/pkg/config"
)

// DefaultTTL 签名默认保留窗口
const DefaultTTL = 10 * time.Minute

// Store replay 缓存后端
type Store interface {
	// CheckAndMark 原子地登记签名哈希。首次出现返回 true；
	// TTL 窗口内重复出现返回 false。
	CheckAndMark(ctx context.Context, hash string, ttl time.Duration) (bool, error)
	Close() error
}

// NewStore 按配置创建后端：memory（缺省）| redis
func NewStore(cfg config.SigCacheConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Addr, cfg.Password, cfg.DB), nil
	default:
		return nil, fmt.Errorf("unsupported signature cache type: %s", cfg.Type)
	}
}

// MemoryStore 进程内后端，单实例部署用
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // hash -> 过期时刻
}

// NewMemoryStore 创建内存后端
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

func (s *MemoryStore) CheckAndMark(_ context.Context, hash string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.entries[hash]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[hash] = now.Add(ttl)
	// 顺带清理过期项，避免长跑进程无界增长
	for k, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, k)
		}
	}
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

// RedisStore 基于 SETNX 的共享后端，多实例部署下签名去重一致
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 redis 后端
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisStore) CheckAndMark(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := s.client.SetNX(ctx, "sig:"+hash, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sigcache setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
