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

package http

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"agent-orchestrator/internal/orchestrator/events"
	"agent-orchestrator/pkg/stablejson"
)

// emitRequest 事件发射请求体
type emitRequest struct {
	Type            string                 `json:"type"`
	ProjectID       string                 `json:"projectId,omitempty"`
	SourceSessionID string                 `json:"sourceSessionId,omitempty"`
	TurnID          string                 `json:"turnId,omitempty"`
	Payload         map[string]interface{} `json:"payload"`
}

// EmitEvent 发射事件并扇出到扩展 handler
// POST /api/events/emit
//
// 配置了 replay 缓存时，同一签名（type + scope + 规范化 payload）
// 在 TTL 窗口内的重复发射被直接抑制，不触达任何 handler。
func (h *Handler) EmitEvent(ctx context.Context, c *app.RequestContext) {
	if h.events == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "events runtime not configured"})
		return
	}
	var req emitRequest
	if err := bindJSON(c, &req); err != nil || req.Type == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}

	if h.sigCache != nil {
		sig, err := stablejson.Signature(req.Type, req.ProjectID, req.SourceSessionID, req.TurnID, req.Payload)
		if err != nil {
			c.JSON(consts.StatusBadRequest, map[string]string{"error": "payload is not serializable"})
			return
		}
		first, err := h.sigCache.CheckAndMark(ctx, stablejson.Hash(sig), h.sigTTL)
		if err != nil {
			// 缓存故障不拦截业务，放行并告警
			h.logger.Warn("replay 缓存不可用", "error", err)
		} else if !first {
			c.JSON(consts.StatusOK, map[string]interface{}{
				"status": "duplicate_suppressed",
				"type":   req.Type,
			})
			return
		}
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if req.ProjectID != "" {
		payload["projectId"] = req.ProjectID
	}
	if req.SourceSessionID != "" {
		payload["sourceSessionId"] = req.SourceSessionID
	}
	if req.TurnID != "" {
		payload["turnId"] = req.TurnID
	}

	results := h.events.Emit(ctx, events.Event{Type: req.Type, Payload: payload}, h.tools)
	resp := map[string]interface{}{
		"status":  "emitted",
		"type":    req.Type,
		"results": results,
	}
	if w := events.SelectEnqueueWinner(results); w != nil {
		resp["winner"] = w
	}
	c.JSON(consts.StatusOK, resp)
}
