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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"agent-orchestrator/internal/orchestrator/audit"
	"agent-orchestrator/internal/orchestrator/events"
	"agent-orchestrator/internal/orchestrator/queue"
	"agent-orchestrator/internal/orchestrator/sigcache"
	"agent-orchestrator/internal/orchestrator/supervisor"
	pkgerrors "agent-orchestrator/pkg/errors"
	"agent-orchestrator/pkg/log"
	"agent-orchestrator/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	queue      *queue.Queue
	events     *events.Runtime
	tools      *events.Tools
	supervisor *supervisor.Supervisor
	audit      *audit.Store
	sigCache   sigcache.Store
	sigTTL     time.Duration
	logger     *log.Logger
}

// NewHandler 创建 HTTP 处理器
func NewHandler(q *queue.Queue, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{queue: q, logger: logger}
}

// SetEventsRuntime 注入扩展事件运行时与 handler 工具集
func (h *Handler) SetEventsRuntime(rt *events.Runtime, tools *events.Tools) {
	h.events = rt
	h.tools = tools
}

// SetSupervisor 注入子进程 supervisor
func (h *Handler) SetSupervisor(s *supervisor.Supervisor) {
	h.supervisor = s
}

// SetAuditStore 注入扩展重载审计存储
func (h *Handler) SetAuditStore(s *audit.Store) {
	h.audit = s
}

// SetSigCache 注入事件 replay 缓存
func (h *Handler) SetSigCache(s sigcache.Store, ttl time.Duration) {
	h.sigCache = s
	h.sigTTL = ttl
}

// Health 健康检查
func (h *Handler) Health(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "agent-orchestrator",
	})
}

// EnqueueJob 入队任务
// POST /api/jobs
func (h *Handler) EnqueueJob(ctx context.Context, c *app.RequestContext) {
	var req queue.EnqueueRequest
	if err := bindJSON(c, &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res, err := h.queue.Enqueue(ctx, req)
	if err != nil {
		var qe *queue.EnqueueError
		switch {
		case errors.As(err, &qe):
			c.JSON(qe.StatusCode, map[string]string{"code": qe.Code, "error": qe.Message})
		case errors.Is(err, pkgerrors.ErrStopped):
			c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "queue is shutting down"})
		default:
			h.logger.Error("入队失败", "type", req.Type, "error", err)
			c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return
	}
	c.JSON(consts.StatusOK, res)
}

// GetJob 查询任务
// GET /api/jobs/:id
func (h *Handler) GetJob(_ context.Context, c *app.RequestContext) {
	j := h.queue.Get(c.Param("id"))
	if j == nil {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	c.JSON(consts.StatusOK, j)
}

// WaitJob 等待任务终态
// GET /api/jobs/:id/wait?timeout=30s
func (h *Handler) WaitJob(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	timeout := 30 * time.Second
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid timeout"})
			return
		}
		timeout = d
	}
	if h.queue.Get(id) == nil {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	j := h.queue.WaitForTerminal(ctx, id, timeout)
	if j == nil {
		c.JSON(consts.StatusRequestTimeout, map[string]string{"error": "wait timed out"})
		return
	}
	c.JSON(consts.StatusOK, j)
}

// CancelJob 取消任务
// POST /api/jobs/:id/cancel
func (h *Handler) CancelJob(_ context.Context, c *app.RequestContext) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = bindJSON(c, &req)

	res := h.queue.Cancel(c.Param("id"), req.Reason)
	if res.Status == queue.StatusNotFound {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	c.JSON(consts.StatusOK, res)
}

// ListProjectJobs 按项目列任务
// GET /api/projects/:id/jobs?state=queued
func (h *Handler) ListProjectJobs(_ context.Context, c *app.RequestContext) {
	jobs := h.queue.ListByProject(c.Param("id"), queue.State(c.Query("state")))
	c.JSON(consts.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// QueueStats 队列统计
// GET /api/queue/stats
func (h *Handler) QueueStats(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, h.queue.Stats())
}

// SystemStatus 系统状态
// GET /api/system/status
func (h *Handler) SystemStatus(_ context.Context, c *app.RequestContext) {
	status := map[string]interface{}{
		"queue":     h.queue.Stats(),
		"timestamp": time.Now().UTC(),
	}
	if h.supervisor != nil {
		status["runtime"] = h.supervisor.Status()
	}
	if h.events != nil {
		mods := h.events.Modules()
		status["extensions"] = map[string]interface{}{
			"count":     len(mods),
			"trustMode": h.events.TrustMode(),
		}
	}
	c.JSON(consts.StatusOK, status)
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(_ context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func bindJSON(c *app.RequestContext, v interface{}) error {
	body, err := c.Body()
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, v)
}
