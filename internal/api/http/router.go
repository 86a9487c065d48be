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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/route"

	"agent-orchestrator/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	rateLimit  int
}

// NewRouter 创建 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	if mw == nil {
		mw = middleware.NewMiddleware()
	}
	return &Router{handler: handler, middleware: mw}
}

// EnableRateLimit 启用限流中间件
func (r *Router) EnableRateLimit(rps int) {
	r.rateLimit = rps
}

// Build 创建 Hertz server 并挂载路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	hz := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	r.Register(hz.Engine)
	return hz
}

// Register 挂载全部路由
func (r *Router) Register(e *route.Engine) {
	e.Use(r.middleware.CORS())
	if r.rateLimit > 0 {
		e.Use(r.middleware.RateLimit(r.rateLimit))
	}

	e.GET("/metrics", r.handler.Metrics)

	api := e.Group("/api")
	api.GET("/health", r.handler.Health)

	jobs := api.Group("/jobs")
	{
		jobs.POST("", r.handler.EnqueueJob)
		jobs.GET("/:id", r.handler.GetJob)
		jobs.GET("/:id/wait", r.handler.WaitJob)
		jobs.POST("/:id/cancel", r.handler.CancelJob)
	}

	api.GET("/projects/:id/jobs", r.handler.ListProjectJobs)
	api.GET("/queue/stats", r.handler.QueueStats)

	api.POST("/events/emit", r.handler.EmitEvent)

	extensions := api.Group("/extensions")
	{
		extensions.GET("", r.handler.ListExtensions)
		extensions.POST("/reload", r.handler.ReloadExtensions)
	}

	api.GET("/audit/reloads", r.handler.ListReloadAudit)
	api.GET("/system/status", r.handler.SystemStatus)
}
