// Copyright 2026 fanjia1024

package queue

// 调度器对外广播的事件类型
const (
	EventJobQueued    = "orchestrator_job_queued"
	EventJobStarted   = "orchestrator_job_started"
	EventJobProgress  = "orchestrator_job_progress"
	EventJobCompleted = "orchestrator_job_completed"
	EventJobFailed    = "orchestrator_job_failed"
	EventJobCanceled  = "orchestrator_job_canceled"
)

// Event 调度器广播事件
type Event struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"threadId,omitempty"`
	Payload  interface{} `json:"payload"`
}

// Hooks 由外层系统注入的回调：事件广播与中断运行中的 turn
type Hooks interface {
	EmitEvent(evt Event)
	InterruptTurn(threadID, turnID string) error
}

// NopHooks 空实现
type NopHooks struct{}

func (NopHooks) EmitEvent(Event) {}

func (NopHooks) InterruptTurn(string, string) error { return nil }
