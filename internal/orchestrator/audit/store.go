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

// Package audit 扩展重载审计存储：单文件 append-only，并发写全序化。
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"agent-orchestrator/pkg/log"
	"agent-orchestrator/pkg/metrics"
	"agent-orchestrator/pkg/utils"
)

const fileVersion = 1

// DefaultPath 默认审计文件路径
const DefaultPath = "agent-extension-audit.json"

// RequestOrigin 请求来源信息
type RequestOrigin struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Record 一次扩展重载的审计记录
type Record struct {
	ReloadID           string          `json:"reloadId"`
	RecordedAt         time.Time       `json:"recordedAt"`
	ActorRole          string          `json:"actorRole"`
	ActorID            string          `json:"actorId,omitempty"`
	RequestOrigin      *RequestOrigin  `json:"requestOrigin,omitempty"`
	Result             string          `json:"result"` // success | failed | forbidden
	SnapshotBefore     json.RawMessage `json:"snapshotBefore"`
	SnapshotAfter      json.RawMessage `json:"snapshotAfter,omitempty"`
	TrustMode          string          `json:"trustMode"`
	ErrorSummary       string          `json:"errorSummary,omitempty"`
	ImpactedExtensions []string        `json:"impactedExtensions"`
}

type auditFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// Store 审计存储。Append 以互斥锁串行化，后来的写排在先到的写之后；
// List 等待所有进行中的写完成后返回副本。
type Store struct {
	path    string
	logger  *log.Logger
	archive *PGArchive

	mu      sync.Mutex
	records []Record
}

// NewStore 打开（或初始化）审计文件。文件缺失或结构非法时按空处理并告警，不报错。
func NewStore(path string, logger *log.Logger) *Store {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Store{path: path, logger: logger}
	s.records = s.loadExisting()
	return s
}

func (s *Store) loadExisting() []Record {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("读取审计文件失败，按空文件处理", "path", s.path, "error", err)
		}
		return nil
	}
	var f auditFile
	if err := json.Unmarshal(data, &f); err != nil || f.Version != fileVersion {
		s.logger.Warn("审计文件结构非法，按空文件处理", "path", s.path, "error", err)
		return nil
	}
	return f.Records
}

// Append 追加一条记录：读当前状态、追加、整文件原子写并 fsync。
// 并发 Append 的落盘顺序与各调用取得内部锁的顺序一致。
func (s *Store) Append(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	next := append(append([]Record(nil), s.records...), record)

	data, err := json.MarshalIndent(auditFile{Version: fileVersion, Records: next}, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := utils.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return err
	}

	s.records = next
	metrics.AuditAppendTotal.Inc()

	if s.archive != nil {
		if err := s.archive.Archive(record); err != nil {
			s.logger.Warn("审计归档失败", "reloadId", record.ReloadID, "error", err)
		}
	}
	return nil
}

// SetArchive 附加 Postgres 归档镜像（可选）
func (s *Store) SetArchive(archive *PGArchive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = archive
}

// List 返回全部记录的副本。取锁即等待进行中的 Append 排空。
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
