// Copyright 2026 fanjia1024

package events

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"agent-orchestrator/internal/orchestrator/queue"
)

func testManifest(name string, events, actions []string) *Manifest {
	return &Manifest{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: Capabilities{Events: events, Actions: actions},
	}
}

func newTestRuntime(t *testing.T, mode TrustMode, modules ...StaticModule) *Runtime {
	t.Helper()
	r := New(Options{TrustMode: mode}, NewStaticProvider(modules...), nil)
	res := r.Load()
	if res.Status != "ok" {
		t.Fatalf("load status = %q, errors = %v", res.Status, res.Errors)
	}
	return r
}

func TestEmitFanOutOrderAndIsolation(t *testing.T) {
	// 慢 handler 超时不应拖累快 handler，结果按优先级序返回
	slow := StaticModule{
		Name:     "slow",
		Manifest: testManifest("slow", []string{"file.changed"}, nil),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("file.changed", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				select {
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
				}
				return nil, nil
			}, SubscribeOptions{Priority: 1, Timeout: 50 * time.Millisecond})
		},
	}
	fast := StaticModule{
		Name:     "fast",
		Manifest: testManifest("fast", []string{"file.changed"}, nil),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("file.changed", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				return &queue.EnqueueResult{Status: queue.StatusEnqueued, Job: &queue.Job{ID: "j1", Type: "reindex"}}, nil
			}, SubscribeOptions{Priority: 2})
		},
	}
	r := newTestRuntime(t, TrustEnforced, slow, fast)

	start := time.Now()
	results := r.Emit(context.Background(), Event{Type: "file.changed"}, &Tools{})
	elapsed := time.Since(start)

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Kind != KindHandlerError || results[0].Code != CodeHandlerTimeout {
		t.Fatalf("results[0] = %+v, want handler_timeout", results[0])
	}
	if results[0].ModuleName != "slow" {
		t.Fatalf("results[0].ModuleName = %q", results[0].ModuleName)
	}
	if results[1].Kind != KindEnqueueResult || results[1].Status != queue.StatusEnqueued {
		t.Fatalf("results[1] = %+v, want enqueue_result/enqueued", results[1])
	}
	if elapsed > 150*time.Millisecond {
		t.Fatalf("emit took %s, handlers not isolated", elapsed)
	}
}

func TestTimedOutHandlerToolsSuppressed(t *testing.T) {
	// 超时后 handler 的迟到调用必须是无副作用的 no-op
	var enqueues atomic.Int32
	var lateErr atomic.Value
	released := make(chan struct{})

	mod := StaticModule{
		Name:     "late",
		Manifest: testManifest("late", []string{"tick"}, nil),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("tick", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				<-ctx.Done()
				time.Sleep(20 * time.Millisecond)
				_, err := tools.EnqueueJob(context.Background(), queue.EnqueueRequest{Type: "reindex", ProjectID: "p1"})
				if err != nil {
					lateErr.Store(err)
				}
				close(released)
				return nil, nil
			}, SubscribeOptions{Timeout: 30 * time.Millisecond})
		},
	}
	r := newTestRuntime(t, TrustEnforced, mod)

	tools := &Tools{
		EnqueueJob: func(ctx context.Context, req queue.EnqueueRequest) (*queue.EnqueueResult, error) {
			enqueues.Add(1)
			return &queue.EnqueueResult{Status: queue.StatusEnqueued}, nil
		},
	}
	results := r.Emit(context.Background(), Event{Type: "tick"}, tools)
	if len(results) != 1 || results[0].Code != CodeHandlerTimeout {
		t.Fatalf("results = %+v, want single handler_timeout", results)
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatalf("late handler never finished")
	}
	if n := enqueues.Load(); n != 0 {
		t.Fatalf("late enqueue reached the scheduler %d times", n)
	}
	err, _ := lateErr.Load().(error)
	if !errors.Is(err, ErrForbiddenAfterTimeout) {
		t.Fatalf("late call error = %v, want ErrForbiddenAfterTimeout", err)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	boom := StaticModule{
		Name:     "boom",
		Manifest: testManifest("boom", []string{"tick"}, nil),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("tick", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				panic("kaboom")
			}, SubscribeOptions{})
		},
	}
	calm := StaticModule{
		Name:     "calm",
		Manifest: testManifest("calm", []string{"tick"}, nil),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("tick", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				return "done", nil
			}, SubscribeOptions{Priority: 5})
		},
	}
	r := newTestRuntime(t, TrustEnforced, boom, calm)

	results := r.Emit(context.Background(), Event{Type: "tick"}, &Tools{})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Kind != KindHandlerError || results[0].Code != CodeHandlerException {
		t.Fatalf("results[0] = %+v, want handler_exception", results[0])
	}
	if !strings.Contains(results[0].Message, "kaboom") {
		t.Fatalf("panic message lost: %q", results[0].Message)
	}
	// 普通返回值归一化为 kind=none
	if results[1].Kind != KindNone || results[1].ModuleName != "calm" {
		t.Fatalf("results[1] = %+v, want none/calm", results[1])
	}
}

func TestTrustEnforcedDeniesUndeclaredEvent(t *testing.T) {
	mod := StaticModule{
		Name:     "sneaky",
		Manifest: testManifest("sneaky", []string{"allowed.event"}, nil),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("secret.event", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				return nil, nil
			}, SubscribeOptions{})
		},
	}
	r := New(Options{TrustMode: TrustEnforced}, NewStaticProvider(mod), nil)
	r.Load()

	mods := r.Modules()
	if len(mods) != 1 {
		t.Fatalf("modules = %d, want 1", len(mods))
	}
	if mods[0].Trust.Status != TrustDenied {
		t.Fatalf("trust status = %q, want denied", mods[0].Trust.Status)
	}
	want := "extension sneaky registered undeclared event capability: secret.event"
	if len(mods[0].Trust.Errors) != 1 || mods[0].Trust.Errors[0] != want {
		t.Fatalf("trust errors = %v, want [%q]", mods[0].Trust.Errors, want)
	}
	if len(mods[0].Subscriptions) != 0 {
		t.Fatalf("denied module kept %d subscriptions", len(mods[0].Subscriptions))
	}
	if results := r.Emit(context.Background(), Event{Type: "secret.event"}, &Tools{}); results != nil {
		t.Fatalf("denied module still handled events: %+v", results)
	}
}

func TestTrustWarnAcceptsWithWarnings(t *testing.T) {
	var ran atomic.Bool
	mod := StaticModule{
		Name:     "loose",
		Manifest: testManifest("loose", nil, nil),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("any.event", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				ran.Store(true)
				return nil, nil
			}, SubscribeOptions{})
		},
	}
	r := newTestRuntime(t, TrustWarn, mod)

	mods := r.Modules()
	if mods[0].Trust.Status != TrustAcceptedWithWarnings {
		t.Fatalf("trust status = %q, want accepted_with_warnings", mods[0].Trust.Status)
	}
	r.Emit(context.Background(), Event{Type: "any.event"}, &Tools{})
	if !ran.Load() {
		t.Fatalf("warn mode should still run the handler")
	}
}

func TestWildcardEventCapability(t *testing.T) {
	mod := StaticModule{
		Name:     "star",
		Manifest: testManifest("star", []string{"*"}, nil),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("whatever.happened", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				return nil, nil
			}, SubscribeOptions{})
		},
	}
	r := newTestRuntime(t, TrustEnforced, mod)
	if st := r.Modules()[0].Trust.Status; st != TrustAccepted {
		t.Fatalf("trust status = %q, want accepted", st)
	}
}

func TestActionCapabilityGate(t *testing.T) {
	mod := StaticModule{
		Name:     "actor",
		Manifest: testManifest("actor", []string{"review.requested"}, []string{"approve_review"}),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("review.requested", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				action, _ := evt.Payload["action"].(string)
				return &ActionResult{ActionType: action, Status: ActionPerformed}, nil
			}, SubscribeOptions{})
		},
	}
	r := newTestRuntime(t, TrustEnforced, mod)

	ok := r.Emit(context.Background(), Event{Type: "review.requested", Payload: map[string]interface{}{"action": "approve_review"}}, &Tools{})
	if ok[0].Kind != KindActionResult || ok[0].Status != ActionPerformed {
		t.Fatalf("declared action result = %+v", ok[0])
	}

	denied := r.Emit(context.Background(), Event{Type: "review.requested", Payload: map[string]interface{}{"action": "delete_repo"}}, &Tools{})
	if denied[0].Kind != KindHandlerError || denied[0].Code != CodeCapabilityDenied {
		t.Fatalf("undeclared action result = %+v, want capability_denied", denied[0])
	}
	want := "extension actor attempted undeclared action capability: delete_repo"
	if denied[0].Message != want {
		t.Fatalf("message = %q, want %q", denied[0].Message, want)
	}
}

func TestRuntimeCompatibility(t *testing.T) {
	incompatible := testManifest("old", []string{"tick"}, nil)
	incompatible.Runtime.CoreAPIVersionRange = ">=2.0.0"
	compatible := testManifest("new", []string{"tick"}, nil)
	compatible.Runtime.CoreAPIVersionRange = ">=1.0.0 <2.0.0"

	entry := func(reg *Registry) {
		reg.Subscribe("tick", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
			return nil, nil
		}, SubscribeOptions{})
	}
	r := New(Options{
		TrustMode: TrustEnforced,
		Runtime:   RuntimeInfo{CoreVersion: "1.4.0", ProfileID: "default", ProfileVersion: "1.0.0"},
	}, NewStaticProvider(
		StaticModule{Name: "new", Manifest: compatible, Entrypoint: entry},
		StaticModule{Name: "old", Manifest: incompatible, Entrypoint: entry},
	), nil)
	res := r.Load()
	if res.Status != "error" {
		t.Fatalf("load status = %q, want error for incompatible module", res.Status)
	}

	for _, m := range r.Modules() {
		switch m.Name {
		case "old":
			if m.LoadError != ErrRuntimeIncompatible {
				t.Fatalf("old.LoadError = %q, want runtime_incompatible", m.LoadError)
			}
			if m.Compat.Compatible || len(m.Compat.Reasons) == 0 {
				t.Fatalf("old compat = %+v", m.Compat)
			}
		case "new":
			if m.LoadError != "" || !m.Compat.Compatible {
				t.Fatalf("new module should load: %+v", m)
			}
		}
	}
}

func TestReloadReplacesTable(t *testing.T) {
	entry := func(event string) EntrypointFunc {
		return func(reg *Registry) {
			reg.Subscribe(event, func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				return "ok", nil
			}, SubscribeOptions{})
		}
	}
	provider := NewStaticProvider(StaticModule{
		Name:       "gen1",
		Manifest:   testManifest("gen1", []string{"alpha"}, nil),
		Entrypoint: entry("alpha"),
	})
	r := New(Options{TrustMode: TrustEnforced}, provider, nil)
	r.Load()

	if got := r.Emit(context.Background(), Event{Type: "alpha"}, &Tools{}); len(got) != 1 {
		t.Fatalf("alpha results = %d, want 1", len(got))
	}

	provider.modules = []StaticModule{{
		Name:       "gen2",
		Manifest:   testManifest("gen2", []string{"beta"}, nil),
		Entrypoint: entry("beta"),
	}}
	res := r.Reload("r-2")
	if res.Status != "ok" {
		t.Fatalf("reload status = %q", res.Status)
	}

	if got := r.Emit(context.Background(), Event{Type: "alpha"}, &Tools{}); got != nil {
		t.Fatalf("stale subscription survived reload: %+v", got)
	}
	if got := r.Emit(context.Background(), Event{Type: "beta"}, &Tools{}); len(got) != 1 {
		t.Fatalf("beta results = %d, want 1", len(got))
	}
}

func TestSuggestRequestConformance(t *testing.T) {
	// 端到端：事件进入、扩展 handler 通过 tools 入队、调度器执行
	dir := t.TempDir()
	var executed atomic.Bool
	q := queue.New(queue.Options{GlobalConcurrency: 2},
		queue.NewFileStore(filepath.Join(dir, "jobs.json"), nil), queue.NopHooks{}, nil)
	err := q.Register(&queue.Definition{
		Type: "suggest_request",
		Run: func(ctx context.Context, rc *queue.RunContext, payload map[string]interface{}) (interface{}, error) {
			executed.Store(true)
			return map[string]interface{}{"suggested": true}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Stop(2 * time.Second)

	mod := StaticModule{
		Name:     "suggester",
		Manifest: testManifest("suggester", []string{"suggest_request.requested"}, nil),
		Entrypoint: func(reg *Registry) {
			reg.Subscribe("suggest_request.requested", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
				projectID, _ := evt.Payload["projectId"].(string)
				return tools.EnqueueJob(ctx, queue.EnqueueRequest{
					Type:      "suggest_request",
					ProjectID: projectID,
					Payload:   evt.Payload,
				})
			}, SubscribeOptions{})
		},
	}
	r := newTestRuntime(t, TrustEnforced, mod)

	tools := &Tools{EnqueueJob: q.Enqueue}
	results := r.Emit(context.Background(), Event{
		Type:    "suggest_request.requested",
		Payload: map[string]interface{}{"projectId": "p1", "path": "main.go"},
	}, tools)

	winner := SelectEnqueueWinner(results)
	if winner == nil || winner.Status != queue.StatusEnqueued {
		t.Fatalf("no enqueue winner in %+v", results)
	}
	if winner.Job == nil || winner.Job.Type != "suggest_request" {
		t.Fatalf("winner job = %+v", winner.Job)
	}

	final := q.WaitForTerminal(context.Background(), winner.Job.ID, 5*time.Second)
	if final == nil || final.State != queue.StateCompleted {
		t.Fatalf("job did not complete: %+v", final)
	}
	if !executed.Load() {
		t.Fatalf("job body never ran")
	}
}

func TestSelectEnqueueWinner(t *testing.T) {
	results := []EmitResult{
		{Kind: KindHandlerError, ModuleName: "a", Code: CodeHandlerTimeout},
		{Kind: KindEnqueueResult, ModuleName: "b", Status: queue.StatusAlreadyQueued},
		{Kind: KindEnqueueResult, ModuleName: "c", Status: queue.StatusEnqueued},
	}
	w := SelectEnqueueWinner(results)
	if w == nil || w.ModuleName != "c" {
		t.Fatalf("winner = %+v, want module c", w)
	}

	noFresh := results[:2]
	w = SelectEnqueueWinner(noFresh)
	if w == nil || w.ModuleName != "b" {
		t.Fatalf("fallback winner = %+v, want module b", w)
	}

	if w := SelectEnqueueWinner(results[:1]); w != nil {
		t.Fatalf("winner = %+v, want nil", w)
	}
}

func TestSelectActionExecutionPlan(t *testing.T) {
	results := []EmitResult{
		{Kind: KindActionResult, ModuleName: "a", ActionType: "merge", Status: ActionPerformed},
		{Kind: KindActionResult, ModuleName: "b", ActionType: "merge", Status: ActionPerformed},
		{Kind: KindActionResult, ModuleName: "c", ActionType: "merge", Status: ActionAlreadyResolved},
		{Kind: KindActionResult, ModuleName: "d", ActionType: "merge", Status: ActionFailed},
		{Kind: KindNone, ModuleName: "e"},
	}
	plan := SelectActionExecutionPlan(results)
	if plan.Winner == nil || plan.Winner.ModuleName != "a" {
		t.Fatalf("winner = %+v, want module a", plan.Winner)
	}
	if len(plan.Reconciled) != 2 {
		t.Fatalf("reconciled = %d, want 2 (duplicate performed + already_resolved)", len(plan.Reconciled))
	}
	if len(plan.Failed) != 1 || plan.Failed[0].ModuleName != "d" {
		t.Fatalf("failed = %+v", plan.Failed)
	}
}

func TestEmitResultCountMatchesSubscriptions(t *testing.T) {
	var provider StaticProvider
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("m%d", i)
		provider.Add(StaticModule{
			Name:     name,
			Manifest: testManifest(name, []string{"tick"}, nil),
			Entrypoint: func(reg *Registry) {
				reg.Subscribe("tick", func(ctx context.Context, evt Event, tools *Tools) (interface{}, error) {
					return nil, nil
				}, SubscribeOptions{})
			},
		})
	}
	r := New(Options{TrustMode: TrustEnforced}, &provider, nil)
	r.Load()

	results := r.Emit(context.Background(), Event{Type: "tick"}, &Tools{})
	if len(results) != 5 {
		t.Fatalf("results = %d, want 5", len(results))
	}
}
