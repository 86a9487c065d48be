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

// Package queue 持久化任务队列与调度器：容量准入、去重、优先级公平调度、
// 超时与协作取消、重试分类、崩溃恢复与原子快照持久化。
package queue

import "time"

// State 任务状态机（queued → running → {completed, failed, canceled}，
// running 可因可重试错误回到 queued）
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal 终态不再有出边
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Priority 调度优先级
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityBackground  Priority = "background"
)

// RunningContext 运行期上下文，仅 running 期间有值
type RunningContext struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
}

// Job 一个受调度的持久化工作单元
type Job struct {
	ID                string                 `json:"id"`
	Type              string                 `json:"type"`
	Version           string                 `json:"version"`
	ProjectID         string                 `json:"projectId"`
	SourceSessionID   string                 `json:"sourceSessionId,omitempty"`
	Priority          Priority               `json:"priority"`
	State             State                  `json:"state"`
	DedupeKey         string                 `json:"dedupeKey,omitempty"`
	Payload           map[string]interface{} `json:"payload"`
	Result            interface{}            `json:"result,omitempty"`
	Error             string                 `json:"error,omitempty"`
	Attempts          int                    `json:"attempts"`
	MaxAttempts       int                    `json:"maxAttempts"`
	CreatedAt         time.Time              `json:"createdAt"`
	StartedAt         *time.Time             `json:"startedAt,omitempty"`
	CompletedAt       *time.Time             `json:"completedAt,omitempty"`
	CancelRequestedAt *time.Time             `json:"cancelRequestedAt,omitempty"`
	NextAttemptAt     *time.Time             `json:"nextAttemptAt,omitempty"`
	LastAttemptAt     *time.Time             `json:"lastAttemptAt,omitempty"`
	RunningContext    *RunningContext        `json:"runningContext,omitempty"`

	// hold 为 true 时暂不参与派发；入队事件广播完成后清除，
	// 保证单个任务的事件严格按 queued→started→…→终态顺序
	hold bool
}

// Clone 深拷贝（payload 共享底层 map 的浅拷贝；调用方只读）
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.RunningContext != nil {
		rc := *j.RunningContext
		c.RunningContext = &rc
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.CancelRequestedAt = cloneTime(j.CancelRequestedAt)
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	c.LastAttemptAt = cloneTime(j.LastAttemptAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
