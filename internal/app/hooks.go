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

package app

import (
	"context"
	"sync"

	"agent-orchestrator/internal/orchestrator/events"
	"agent-orchestrator/internal/orchestrator/queue"
	"agent-orchestrator/internal/orchestrator/supervisor"
	"agent-orchestrator/pkg/log"
)

// OrchestratorHooks 调度器回调的装配实现：生命周期事件转发给扩展事件
// 运行时，interrupt_turn 转发给子进程 supervisor。
// 队列与事件运行时互相依赖，字段在装配完成后 Bind 注入。
type OrchestratorHooks struct {
	mu         sync.RWMutex
	events     *events.Runtime
	tools      *events.Tools
	supervisor *supervisor.Supervisor
	logger     *log.Logger
}

// NewOrchestratorHooks 创建空 hooks，Bind 前所有回调为 no-op
func NewOrchestratorHooks(logger *log.Logger) *OrchestratorHooks {
	if logger == nil {
		logger = log.Nop()
	}
	return &OrchestratorHooks{logger: logger}
}

// Bind 注入事件运行时与 supervisor
func (h *OrchestratorHooks) Bind(rt *events.Runtime, tools *events.Tools, sup *supervisor.Supervisor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = rt
	h.tools = tools
	h.supervisor = sup
}

// EmitEvent 将队列生命周期事件异步扇出给扩展 handler。
// 队列在锁外调用本方法，但 handler 可能回调 Enqueue，保持异步隔离。
func (h *OrchestratorHooks) EmitEvent(evt queue.Event) {
	h.mu.RLock()
	rt, tools := h.events, h.tools
	h.mu.RUnlock()
	if rt == nil {
		return
	}
	var payload map[string]interface{}
	switch p := evt.Payload.(type) {
	case map[string]interface{}:
		payload = p
	case *queue.Job:
		payload = map[string]interface{}{"job": p, "jobId": p.ID, "projectId": p.ProjectID}
	default:
		payload = map[string]interface{}{"payload": evt.Payload}
	}
	if evt.ThreadID != "" {
		payload["threadId"] = evt.ThreadID
	}
	go rt.Emit(context.Background(), events.Event{Type: evt.Type, Payload: payload}, tools)
}

// InterruptTurn 中断子进程上正在运行的 turn
func (h *OrchestratorHooks) InterruptTurn(threadID, turnID string) error {
	h.mu.RLock()
	sup := h.supervisor
	h.mu.RUnlock()
	if sup == nil {
		return nil
	}
	_, err := sup.Call(context.Background(), "interruptConversation", map[string]string{
		"conversationId": threadID,
		"turnId":         turnID,
	}, 0)
	if err != nil {
		h.logger.Warn("中断 turn 失败", "thread_id", threadID, "turn_id", turnID, "error", err)
	}
	return err
}
