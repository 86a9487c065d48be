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
	"encoding/json"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"agent-orchestrator/internal/orchestrator/audit"
)

// ListExtensions 列出已加载扩展
// GET /api/extensions
func (h *Handler) ListExtensions(_ context.Context, c *app.RequestContext) {
	if h.events == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "events runtime not configured"})
		return
	}
	mods := h.events.Modules()
	c.JSON(consts.StatusOK, map[string]interface{}{
		"extensions": mods,
		"total":      len(mods),
		"trustMode":  h.events.TrustMode(),
	})
}

// ReloadExtensions 重载扩展表并写入审计记录
// POST /api/extensions/reload
func (h *Handler) ReloadExtensions(_ context.Context, c *app.RequestContext) {
	if h.events == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "events runtime not configured"})
		return
	}
	var req struct {
		ActorRole string `json:"actorRole"`
		ActorID   string `json:"actorId"`
	}
	_ = bindJSON(c, &req)
	if req.ActorRole == "" {
		req.ActorRole = "operator"
	}

	reloadID := uuid.NewString()
	before, _ := json.Marshal(h.events.Modules())
	res := h.events.Reload(reloadID)
	after, _ := json.Marshal(h.events.Modules())

	result := "success"
	if res.Status != "ok" {
		result = "failed"
	}
	impacted := make([]string, 0)
	for _, m := range h.events.Modules() {
		impacted = append(impacted, m.Name)
	}

	if h.audit != nil {
		rec := audit.Record{
			ReloadID:  reloadID,
			ActorRole: req.ActorRole,
			ActorID:   req.ActorID,
			RequestOrigin: &audit.RequestOrigin{
				IP:        c.ClientIP(),
				UserAgent: string(c.UserAgent()),
			},
			Result:             result,
			SnapshotBefore:     before,
			SnapshotAfter:      after,
			TrustMode:          string(h.events.TrustMode()),
			ErrorSummary:       strings.Join(res.Errors, "; "),
			ImpactedExtensions: impacted,
		}
		if err := h.audit.Append(rec); err != nil {
			h.logger.Error("审计记录写入失败", "reload_id", reloadID, "error", err)
		}
	}

	c.JSON(consts.StatusOK, map[string]interface{}{
		"reloadId": reloadID,
		"status":   res.Status,
		"errors":   res.Errors,
	})
}

// ListReloadAudit 扩展重载审计记录
// GET /api/audit/reloads
func (h *Handler) ListReloadAudit(_ context.Context, c *app.RequestContext) {
	if h.audit == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "audit store not configured"})
		return
	}
	records := h.audit.List()
	c.JSON(consts.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}
