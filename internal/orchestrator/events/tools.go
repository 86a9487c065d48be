// Copyright 2026 fanjia1024

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"agent-orchestrator/internal/orchestrator/queue"
	"agent-orchestrator/pkg/log"
)

// ErrForbiddenAfterTimeout handler 超时后再经 tools 发起的任何调用都返回此错误，
// 且不产生副作用
var ErrForbiddenAfterTimeout = errors.New("forbidden after handler timeout")

// EnqueueFunc 注入给 handler 的入队能力，由调度器的 Enqueue 委托
type EnqueueFunc func(ctx context.Context, req queue.EnqueueRequest) (*queue.EnqueueResult, error)

// Tools 注入给事件 handler 的能力集合
type Tools struct {
	EnqueueJob EnqueueFunc
	Logger     *log.Logger
}

// guardTools 为单次 handler 调用包一层护栏：expired 置位后
// enqueueJob 变为无副作用的错误返回，日志输出被丢弃。
// 护栏对象的生命周期与 handler 一次调用一致。
func guardTools(base *Tools, expired *atomic.Bool) *Tools {
	logger := log.Nop()
	if base != nil && base.Logger != nil {
		logger = &log.Logger{Logger: slog.New(&guardHandler{inner: base.Logger.Handler(), expired: expired})}
	}
	g := &Tools{Logger: logger}
	g.EnqueueJob = func(ctx context.Context, req queue.EnqueueRequest) (*queue.EnqueueResult, error) {
		if expired.Load() {
			return nil, ErrForbiddenAfterTimeout
		}
		if base == nil || base.EnqueueJob == nil {
			return nil, errors.New("enqueue capability not available")
		}
		res, err := base.EnqueueJob(ctx, req)
		// 竞态兜底：调用期间超时到达的不再入队结果（入队本身在调度器侧原子完成，
		// 这里只拦截发起时刻已过期的调用）
		return res, err
	}
	return g
}

// guardHandler 超时后静默丢弃日志
type guardHandler struct {
	inner   slog.Handler
	expired *atomic.Bool
}

func (h *guardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return !h.expired.Load() && h.inner.Enabled(ctx, level)
}

func (h *guardHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.expired.Load() {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *guardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &guardHandler{inner: h.inner.WithAttrs(attrs), expired: h.expired}
}

func (h *guardHandler) WithGroup(name string) slog.Handler {
	return &guardHandler{inner: h.inner.WithGroup(name), expired: h.expired}
}
