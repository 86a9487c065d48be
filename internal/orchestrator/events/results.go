// Copyright 2026 fanjia1024

package events

import "agent-orchestrator/internal/orchestrator/queue"

// emit result 种类
const (
	KindEnqueueResult = "enqueue_result"
	KindActionResult  = "action_result"
	KindHandlerError  = "handler_error"
	KindNone          = "none"
)

// 动作结果状态
const (
	ActionPerformed       = "performed"
	ActionAlreadyResolved = "already_resolved"
	ActionNotEligible     = "not_eligible"
	ActionForbidden       = "forbidden"
	ActionConflict        = "conflict"
	ActionInvalid         = "invalid"
	ActionFailed          = "failed"
)

// ActionResult handler 返回的动作执行结果
type ActionResult struct {
	ActionType string                 `json:"actionType"`
	Status     string                 `json:"status"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

// EmitResult 单个 handler 的归一化结果。列表长度恒等于订阅数，
// 顺序为订阅优先级序；普通返回值落为 kind=none。
type EmitResult struct {
	Kind       string     `json:"kind"`
	ModuleName string     `json:"moduleName"`
	Status     string     `json:"status,omitempty"`
	Job        *queue.Job `json:"job,omitempty"`
	ActionType string     `json:"actionType,omitempty"`
	Code       string     `json:"code,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// SelectEnqueueWinner 返回第一个 status=enqueued 的 enqueue_result；
// 没有则返回第一个 already_queued；再没有返回 nil
func SelectEnqueueWinner(results []EmitResult) *EmitResult {
	var fallback *EmitResult
	for i := range results {
		r := &results[i]
		if r.Kind != KindEnqueueResult {
			continue
		}
		if r.Status == queue.StatusEnqueued {
			return r
		}
		if r.Status == queue.StatusAlreadyQueued && fallback == nil {
			fallback = r
		}
	}
	return fallback
}

// ActionPlan 动作归并计划：winner 为优先级序第一个 performed；
// reconciled 为与现状一致的非致命项；failed 为失败项
type ActionPlan struct {
	Winner     *EmitResult  `json:"winner,omitempty"`
	Reconciled []EmitResult `json:"reconciled,omitempty"`
	Failed     []EmitResult `json:"failed,omitempty"`
}

// SelectActionExecutionPlan 对 action_result 按状态分类。
// 第二个及之后的 performed 归入 reconciled（已有 winner，与现状一致）。
func SelectActionExecutionPlan(results []EmitResult) ActionPlan {
	var plan ActionPlan
	for i := range results {
		r := results[i]
		if r.Kind != KindActionResult {
			continue
		}
		switch r.Status {
		case ActionPerformed:
			if plan.Winner == nil {
				w := r
				plan.Winner = &w
			} else {
				plan.Reconciled = append(plan.Reconciled, r)
			}
		case ActionAlreadyResolved, ActionNotEligible, ActionConflict:
			plan.Reconciled = append(plan.Reconciled, r)
		case ActionForbidden, ActionInvalid, ActionFailed:
			plan.Failed = append(plan.Failed, r)
		}
	}
	return plan
}
