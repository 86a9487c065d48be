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

package api

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "agent-orchestrator/internal/api/http"
	"agent-orchestrator/internal/api/http/middleware"
	"agent-orchestrator/internal/app"
	"agent-orchestrator/pkg/utils"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用：装配 HTTP Router、Handler、Middleware 与编排组件
type App struct {
	bootstrap    *app.Bootstrap
	router       *apihttp.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	handler := apihttp.NewHandler(bootstrap.Queue, bootstrap.Logger)
	handler.SetEventsRuntime(bootstrap.Events, bootstrap.Tools)
	handler.SetAuditStore(bootstrap.Audit)
	handler.SetSigCache(bootstrap.SigCache, bootstrap.SigTTL)
	if bootstrap.Supervisor != nil {
		handler.SetSupervisor(bootstrap.Supervisor)
	}

	mw := middleware.NewMiddleware()
	cfg := bootstrap.Config
	if cfg.API.CORS.Enable && len(cfg.API.CORS.AllowOrigins) > 0 {
		mw.SetAllowOrigins(cfg.API.CORS.AllowOrigins)
	}
	router := apihttp.NewRouter(handler, mw)
	if cfg.API.Middleware.RateLimit {
		router.EnableRateLimit(utils.DefaultInt(cfg.API.Middleware.RateLimitRPS, 100))
	}

	return &App{bootstrap: bootstrap, router: router}, nil
}

// Run 启动编排组件与 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	b := a.bootstrap
	b.Logger.Info("orchestrator 启动", "addr", addr)

	// 启动序：队列（含崩溃恢复）→ 子进程 → 扩展表 → HTTP
	if err := b.Queue.Start(); err != nil {
		return err
	}
	if b.Supervisor != nil {
		if err := b.Supervisor.Start(context.Background()); err != nil {
			b.Logger.Warn("codex app-server 启动失败，RPC 调用将返回 not running", "error", err)
		}
	}
	if res := b.Events.Load(); res.Status != "ok" {
		b.Logger.Warn("扩展加载存在错误", "errors", res.Errors)
	}

	a.setupHertzLogger()

	// 可选：启用链路追踪（OpenTelemetry）
	cfg := b.Config
	if cfg.Monitoring.Tracing.Enable {
		serviceName := utils.CoalesceString(cfg.Monitoring.Tracing.ServiceName, "agent-orchestrator")
		exportEndpoint := utils.CoalesceString(cfg.Monitoring.Tracing.ExportEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			b.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭：HTTP → 队列排水 → 子进程 → tracer
func (a *App) Shutdown(ctx context.Context) error {
	b := a.bootstrap
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			b.Logger.Warn("HTTP 关闭失败", "error", err)
		}
	}
	drain := utils.ParseDurationOr(b.Config.Queue.StopDrain, 2*time.Second)
	if err := b.Queue.Stop(drain); err != nil {
		b.Logger.Warn("队列关闭失败", "error", err)
	}
	if b.Supervisor != nil {
		if err := b.Supervisor.Stop(); err != nil {
			b.Logger.Warn("codex app-server 关闭失败", "error", err)
		}
	}
	if b.SigCache != nil {
		_ = b.SigCache.Close()
	}
	if a.otelProvider != nil {
		return a.otelProvider.Shutdown(ctx)
	}
	return nil
}

// setupHertzLogger 将 Hertz 访问日志对接 slog，与应用日志配置对齐
func (a *App) setupHertzLogger() {
	cfg := a.bootstrap.Config
	output := os.Stdout
	if cfg.Log.File != "" {
		if f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			output = f
		}
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))
}
