// Copyright 2026 fanjia1024

package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"agent-orchestrator/pkg/log"
	"agent-orchestrator/pkg/utils"
)

const snapshotVersion = 1

// DefaultSnapshotPath 默认快照文件路径
const DefaultSnapshotPath = "orchestrator-jobs.json"

// SnapshotStore 任务快照持久化后端。Save 必须是原子的：
// 崩溃后 Load 要么看到上一份完整快照，要么看到这一份。
type SnapshotStore interface {
	Load() ([]*Job, error)
	Save(jobs []*Job) error
	Close() error
}

type snapshotFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// FileStore 单文件快照：临时文件 + fsync + rename + 目录 fsync。
// 解析失败时隔离原文件（.corrupt-<unix_ms>）并从空快照开始。
type FileStore struct {
	path   string
	logger *log.Logger
}

// NewFileStore 创建文件快照存储
func NewFileStore(path string, logger *log.Logger) *FileStore {
	if path == "" {
		path = DefaultSnapshotPath
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &FileStore{path: path, logger: logger}
}

// Load 读取快照。文件缺失返回空；解析失败隔离后返回空。
func (f *FileStore) Load() ([]*Job, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		f.quarantine(err)
		return nil, nil
	}
	return normalizeJobs(snap.Jobs), nil
}

// quarantine 将损坏文件改名保留现场；改名失败则尽力覆盖为空快照
func (f *FileStore) quarantine(cause error) {
	quarantined := fmt.Sprintf("%s.corrupt-%d", f.path, time.Now().UnixMilli())
	if err := os.Rename(f.path, quarantined); err != nil {
		f.logger.Error("快照损坏且隔离失败，覆盖为空快照", "path", f.path, "parse_error", cause, "rename_error", err)
		if werr := f.Save(nil); werr != nil {
			f.logger.Error("覆盖空快照失败", "path", f.path, "error", werr)
		}
		return
	}
	f.logger.Warn("快照损坏，已隔离", "path", f.path, "quarantined", quarantined, "error", cause)
}

// Save 整文件原子写
func (f *FileStore) Save(jobs []*Job) error {
	if jobs == nil {
		jobs = []*Job{}
	}
	data, err := json.MarshalIndent(snapshotFile{Version: snapshotVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	data = append(data, '\n')
	return utils.WriteFileAtomic(f.path, data, 0o644)
}

func (f *FileStore) Close() error { return nil }

// normalizeJobs 按 id 去重，后写覆盖先写，保证重复条目不会污染后续运行
func normalizeJobs(jobs []*Job) []*Job {
	seen := make(map[string]int, len(jobs))
	out := make([]*Job, 0, len(jobs))
	for _, j := range jobs {
		if j == nil || j.ID == "" {
			continue
		}
		if idx, ok := seen[j.ID]; ok {
			out[idx] = j
			continue
		}
		seen[j.ID] = len(out)
		out = append(out, j)
	}
	return out
}
