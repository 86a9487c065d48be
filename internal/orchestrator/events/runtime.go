// Copyright 2026 fanjia1024

package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"agent-orchestrator/internal/orchestrator/queue"
	"agent-orchestrator/pkg/log"
	"agent-orchestrator/pkg/metrics"
	"agent-orchestrator/pkg/tracing"
	"agent-orchestrator/pkg/utils"
)

// DefaultHandlerTimeout 单 handler 默认超时（可配 events.default_handler_timeout）
const DefaultHandlerTimeout = 30 * time.Second

// Options 运行时配置
type Options struct {
	TrustMode             TrustMode
	Runtime               RuntimeInfo
	DefaultHandlerTimeout time.Duration
}

// ReloadResult 重载结果
type ReloadResult struct {
	Status string   `json:"status"` // ok | error
	Errors []string `json:"errors,omitempty"`
}

// moduleTable 不可变的已加载模块表；Reload 整表替换，
// 进行中的 Emit 继续使用旧表
type moduleTable struct {
	modules     []*LoadedModule
	subsByEvent map[string][]*subscription
}

// Runtime 扩展事件运行时
type Runtime struct {
	opts     Options
	provider ModuleProvider
	logger   *log.Logger

	mu    sync.RWMutex
	table *moduleTable
}

// New 创建运行时；需 Load 后方可 Emit
func New(opts Options, provider ModuleProvider, logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.TrustMode == "" {
		opts.TrustMode = TrustEnforced
	}
	opts.DefaultHandlerTimeout = utils.DefaultDuration(opts.DefaultHandlerTimeout, DefaultHandlerTimeout)
	return &Runtime{
		opts:     opts,
		provider: provider,
		logger:   logger,
		table:    &moduleTable{subsByEvent: map[string][]*subscription{}},
	}
}

// Load 首次加载
func (r *Runtime) Load() ReloadResult {
	return r.Reload("initial")
}

// Reload 原子替换模块表：完整构建下一张表后一次性换入。
// enforced 模式下有能力违规的模块以 denied 进表、订阅被丢弃，不会出现半加载。
func (r *Runtime) Reload(reloadID string) ReloadResult {
	candidates, err := r.provider.Discover()
	if err != nil {
		r.logger.Error("扩展发现失败", "reload_id", reloadID, "error", err)
		return ReloadResult{Status: "error", Errors: []string{err.Error()}}
	}

	next := &moduleTable{subsByEvent: map[string][]*subscription{}}
	var errs []string
	order := 0
	for _, c := range candidates {
		mod, subs := r.buildModule(c, &order)
		next.modules = append(next.modules, mod)
		if mod.LoadError != "" {
			errs = append(errs, fmt.Sprintf("%s: %s", mod.Name, mod.LoadError))
			continue
		}
		for _, s := range subs {
			next.subsByEvent[s.eventType] = append(next.subsByEvent[s.eventType], s)
		}
	}
	for _, subs := range next.subsByEvent {
		sort.SliceStable(subs, func(a, b int) bool {
			if subs[a].opts.Priority == subs[b].opts.Priority {
				return subs[a].order < subs[b].order
			}
			return subs[a].opts.Priority < subs[b].opts.Priority
		})
	}

	r.mu.Lock()
	r.table = next
	r.mu.Unlock()

	status := "ok"
	if len(errs) > 0 {
		status = "error"
	}
	r.logger.Info("扩展表已替换", "reload_id", reloadID, "modules", len(next.modules), "errors", len(errs))
	return ReloadResult{Status: status, Errors: errs}
}

// buildModule 单个候选的完整加载链：清单 → 兼容性 → 入口 → 订阅注册 → 信任评估
func (r *Runtime) buildModule(c ModuleCandidate, order *int) (*LoadedModule, []*subscription) {
	mod := &LoadedModule{
		Name:       c.Name,
		SourceKind: c.SourceKind,
		Manifest:   c.Manifest,
		Trust:      TrustEvaluation{Mode: r.opts.TrustMode, Status: TrustAccepted},
		Compat:     CompatSummary{Compatible: true},
	}
	if c.ManifestErr != nil {
		mod.LoadError = ErrManifestInvalid
		mod.Trust.Status = TrustDenied
		mod.Trust.Errors = []string{c.ManifestErr.Error()}
		return mod, nil
	}
	if c.Manifest != nil {
		mod.Compat = checkCompat(r.opts.Runtime, c.Manifest)
		if !mod.Compat.Compatible {
			mod.LoadError = ErrRuntimeIncompatible
			mod.Trust.Status = TrustDenied
			return mod, nil
		}
	}

	entry, err := r.provider.Load(c)
	if err != nil {
		mod.LoadError = ErrEntrypointMissing
		mod.Trust.Status = TrustDenied
		mod.Trust.Errors = []string{err.Error()}
		return mod, nil
	}

	reg := &Registry{}
	entry(reg)

	// 事件能力校验
	trust := evaluateEventTrust(r.opts.TrustMode, c.Name, c.Manifest, reg.subs)
	mod.Trust = trust
	if trust.Status == TrustDenied {
		// 订阅整体丢弃
		return mod, nil
	}
	for _, w := range trust.Warnings {
		r.logger.Warn("扩展能力告警", "module", c.Name, "warning", w)
	}

	subs := make([]*subscription, 0, len(reg.subs))
	for _, rg := range reg.subs {
		*order++
		subs = append(subs, &subscription{
			module:    mod,
			eventType: rg.eventType,
			handler:   rg.handler,
			opts:      rg.opts,
			order:     *order,
		})
		mod.Subscriptions = append(mod.Subscriptions, SubscriptionInfo{
			EventType: rg.eventType,
			Priority:  rg.opts.Priority,
			Timeout:   rg.opts.Timeout,
		})
	}
	return mod, subs
}

// evaluateEventTrust 订阅的事件必须出现在 capabilities.events（支持 "*"）。
// warn 模式违规降级为告警；enforced 模式违规即 denied。
func evaluateEventTrust(mode TrustMode, name string, m *Manifest, regs []registration) TrustEvaluation {
	ev := TrustEvaluation{Mode: mode, Status: TrustAccepted}
	if mode == TrustDisabled {
		return ev
	}
	declared := map[string]bool{}
	wildcard := false
	if m != nil {
		for _, e := range m.Capabilities.Events {
			if e == "*" {
				wildcard = true
			}
			declared[e] = true
		}
	}
	var violations []string
	for _, rg := range regs {
		if wildcard || declared[rg.eventType] {
			continue
		}
		violations = append(violations, fmt.Sprintf("extension %s registered undeclared event capability: %s", name, rg.eventType))
	}
	if len(violations) == 0 {
		return ev
	}
	if mode == TrustWarn {
		ev.Status = TrustAcceptedWithWarnings
		ev.Warnings = violations
	} else {
		ev.Status = TrustDenied
		ev.Errors = violations
	}
	return ev
}

// Modules 当前模块表快照
func (r *Runtime) Modules() []*LoadedModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LoadedModule, len(r.table.modules))
	copy(out, r.table.modules)
	return out
}

// TrustMode 当前信任模式
func (r *Runtime) TrustMode() TrustMode {
	return r.opts.TrustMode
}

// handlerOutcome 单 handler 执行产物
type handlerOutcome struct {
	value interface{}
	err   error
}

// Emit 将事件并发扇出到所有订阅 handler。
// 结果按订阅优先级序返回，长度恒等于订阅数；
// 慢 handler 只受自身超时约束，不拖累同伴。
func (r *Runtime) Emit(ctx context.Context, evt Event, tools *Tools) []EmitResult {
	r.mu.RLock()
	subs := r.table.subsByEvent[evt.Type]
	r.mu.RUnlock()
	if len(subs) == 0 {
		return nil
	}

	projectID, _ := evt.Payload["projectId"].(string)
	ctx, span := tracing.StartEmitSpan(ctx, evt.Type, projectID)
	defer span.End()

	results := make([]EmitResult, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *subscription) {
			defer wg.Done()
			results[i] = r.invoke(ctx, evt, sub, tools)
		}(i, sub)
	}
	wg.Wait()
	return results
}

// invoke 单 handler 的限时执行与结果归一化
func (r *Runtime) invoke(ctx context.Context, evt Event, sub *subscription, tools *Tools) EmitResult {
	moduleName := sub.module.Name
	timeout := utils.DefaultDuration(sub.opts.Timeout, r.opts.DefaultHandlerTimeout)

	expired := &atomic.Bool{}
	guarded := guardTools(tools, expired)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outCh := make(chan handlerOutcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				outCh <- handlerOutcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		v, err := sub.handler(hctx, evt, guarded)
		outCh <- handlerOutcome{value: v, err: err}
	}()

	select {
	case out := <-outCh:
		metrics.HandlerDuration.WithLabelValues(moduleName).Observe(time.Since(start).Seconds())
		if out.err != nil {
			return EmitResult{Kind: KindHandlerError, ModuleName: moduleName, Code: CodeHandlerException, Message: out.err.Error()}
		}
		return r.classify(moduleName, sub.module, out.value)
	case <-hctx.Done():
		// 超时：护栏置位，迟到的返回值被丢弃
		expired.Store(true)
		metrics.HandlerTimeoutTotal.WithLabelValues(moduleName).Inc()
		metrics.HandlerDuration.WithLabelValues(moduleName).Observe(time.Since(start).Seconds())
		return EmitResult{
			Kind:       KindHandlerError,
			ModuleName: moduleName,
			Code:       CodeHandlerTimeout,
			Message:    fmt.Sprintf("handler exceeded %s", timeout),
		}
	}
}

// classify handler 返回值归一化为 EmitResult；动作结果在此做能力门禁
func (r *Runtime) classify(moduleName string, mod *LoadedModule, value interface{}) EmitResult {
	switch v := value.(type) {
	case *queue.EnqueueResult:
		return EmitResult{Kind: KindEnqueueResult, ModuleName: moduleName, Status: v.Status, Job: v.Job}
	case *ActionResult:
		if !r.actionAllowed(mod, v.ActionType) {
			msg := fmt.Sprintf("extension %s attempted undeclared action capability: %s", moduleName, v.ActionType)
			if r.opts.TrustMode == TrustEnforced {
				return EmitResult{Kind: KindHandlerError, ModuleName: moduleName, Code: CodeCapabilityDenied, Message: msg}
			}
			r.logger.Warn("扩展动作能力告警", "module", moduleName, "action", v.ActionType)
		}
		return EmitResult{Kind: KindActionResult, ModuleName: moduleName, ActionType: v.ActionType, Status: v.Status}
	default:
		return EmitResult{Kind: KindNone, ModuleName: moduleName}
	}
}

func (r *Runtime) actionAllowed(mod *LoadedModule, actionType string) bool {
	if r.opts.TrustMode == TrustDisabled {
		return true
	}
	if mod.Manifest == nil {
		return false
	}
	for _, a := range mod.Manifest.Capabilities.Actions {
		if a == "*" || a == actionType {
			return true
		}
	}
	return false
}
