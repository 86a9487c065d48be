// Copyright 2026 fanjia1024

package queue

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RunContext 执行期注入给 run 的上下文：身份信息、运行上下文回写与进度上报。
// 生命周期与单次执行一致。
type RunContext struct {
	JobID           string
	ProjectID       string
	SourceSessionID string
	Attempt         int

	q *Queue
}

// SetRunningContext 回写 {threadId, turnId}，供 interrupt_turn 取消策略使用
func (rc *RunContext) SetRunningContext(threadID, turnID string) {
	rc.q.mu.Lock()
	j := rc.q.jobs[rc.JobID]
	if j == nil || j.State != StateRunning {
		rc.q.mu.Unlock()
		return
	}
	j.RunningContext = &RunningContext{ThreadID: threadID, TurnID: turnID}
	rc.q.persistLocked()
	rc.q.mu.Unlock()
}

// EmitProgress 上报进度，触发 orchestrator_job_progress 事件
func (rc *RunContext) EmitProgress(progress interface{}) {
	rc.q.mu.Lock()
	j := rc.q.jobs[rc.JobID]
	var threadID string
	if j != nil && j.RunningContext != nil {
		threadID = j.RunningContext.ThreadID
	}
	running := j != nil && j.State == StateRunning
	rc.q.mu.Unlock()
	if !running {
		return
	}
	rc.q.hooks.EmitEvent(Event{
		Type:     EventJobProgress,
		ThreadID: threadID,
		Payload:  map[string]interface{}{"jobId": rc.JobID, "progress": progress},
	})
}

// validateResult 结果走一轮 JSON 规整后用 resultSchema 校验
func validateResult(schema *jsonschema.Schema, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}
