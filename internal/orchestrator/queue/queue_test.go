package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	store := NewFileStore(filepath.Join(t.TempDir(), "orchestrator-jobs.json"), nil)
	q := New(opts, store, nil, nil)
	t.Cleanup(func() { q.Stop(500 * time.Millisecond) })
	return q
}

func mustEnqueue(t *testing.T, q *Queue, req EnqueueRequest) *EnqueueResult {
	t.Helper()
	res, err := q.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue %s: %v", req.Type, err)
	}
	return res
}

func TestSingleFlightDedupe(t *testing.T) {
	q := newTestQueue(t, Options{GlobalConcurrency: 2})
	q.Register(&Definition{
		Type:     "suggest_reply",
		Version:  "1.0.0",
		Priority: PriorityInteractive,
		Dedupe: DedupePolicy{
			Mode: DedupeSingleFlight,
			Key: func(p map[string]interface{}) string {
				return "k:" + p["key"].(string)
			},
		},
		Retry:   RetryPolicy{MaxAttempts: 2},
		Timeout: 5 * time.Second,
		Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			time.Sleep(80 * time.Millisecond)
			return map[string]interface{}{"suggestion": "ok"}, nil
		},
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	first := mustEnqueue(t, q, EnqueueRequest{Type: "suggest_reply", ProjectID: "p1", Payload: map[string]interface{}{"key": "chat-1"}})
	second := mustEnqueue(t, q, EnqueueRequest{Type: "suggest_reply", ProjectID: "p1", Payload: map[string]interface{}{"key": "chat-1"}})

	if first.Status != StatusEnqueued {
		t.Errorf("first status = %q", first.Status)
	}
	if second.Status != StatusAlreadyQueued {
		t.Errorf("second status = %q", second.Status)
	}
	if second.Job.ID != first.Job.ID {
		t.Errorf("dedupe returned a different job: %s vs %s", second.Job.ID, first.Job.ID)
	}
	if first.Job.DedupeKey != "k:chat-1" {
		t.Errorf("dedupeKey = %q", first.Job.DedupeKey)
	}

	final := q.WaitForTerminal(context.Background(), first.Job.ID, 5*time.Second)
	if final == nil || final.State != StateCompleted {
		t.Fatalf("final = %+v", final)
	}
	if final.Result.(map[string]interface{})["suggestion"] != "ok" {
		t.Errorf("result = %v", final.Result)
	}
}

func TestAntiStarvationAging(t *testing.T) {
	q := newTestQueue(t, Options{GlobalConcurrency: 1, BackgroundAging: 0, MaxInteractiveBurst: 2})

	var mu sync.Mutex
	var order []string
	record := func(label string) RunFunc {
		return func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			return nil, nil
		}
	}
	for _, d := range []struct {
		typ      string
		priority Priority
	}{
		{"i1", PriorityInteractive}, {"i2", PriorityInteractive},
		{"b1", PriorityBackground}, {"i3", PriorityInteractive},
	} {
		q.Register(&Definition{Type: d.typ, Priority: d.priority, Run: record(d.typ)})
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var ids []string
	for _, typ := range []string{"i1", "i2", "b1", "i3"} {
		res := mustEnqueue(t, q, EnqueueRequest{Type: typ, ProjectID: "p1", Payload: map[string]interface{}{}})
		ids = append(ids, res.Job.ID)
	}
	for _, id := range ids {
		if j := q.WaitForTerminal(context.Background(), id, 5*time.Second); j == nil || j.State != StateCompleted {
			t.Fatalf("job %s did not complete: %+v", id, j)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 3 {
		t.Fatalf("order = %v", order)
	}
	want := []string{"i1", "i2", "b1"}
	for i, label := range want {
		if order[i] != label {
			t.Fatalf("dispatch order = %v, want prefix %v", order, want)
		}
	}
}

type recordingHooks struct {
	mu         sync.Mutex
	events     []Event
	interrupts [][2]string
}

func (h *recordingHooks) EmitEvent(evt Event) {
	h.mu.Lock()
	h.events = append(h.events, evt)
	h.mu.Unlock()
}

func (h *recordingHooks) InterruptTurn(threadID, turnID string) error {
	h.mu.Lock()
	h.interrupts = append(h.interrupts, [2]string{threadID, turnID})
	h.mu.Unlock()
	return nil
}

func TestCancelWithInterruptTurn(t *testing.T) {
	hooks := &recordingHooks{}
	store := NewFileStore(filepath.Join(t.TempDir(), "orchestrator-jobs.json"), nil)
	q := New(Options{GlobalConcurrency: 1}, store, hooks, nil)
	t.Cleanup(func() { q.Stop(500 * time.Millisecond) })

	entered := make(chan struct{})
	q.Register(&Definition{
		Type:   "turn_job",
		Cancel: CancelPolicy{Strategy: CancelInterruptTurn, GracefulWait: 20 * time.Millisecond},
		Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			rc.SetRunningContext("worker-thread", "turn-1")
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := mustEnqueue(t, q, EnqueueRequest{Type: "turn_job", ProjectID: "p1", Payload: map[string]interface{}{}})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	cr := q.Cancel(res.Job.ID, "user_cancel")
	if cr.Status != StatusCanceled {
		t.Errorf("cancel status = %q", cr.Status)
	}
	if cr.Job == nil || cr.Job.State != StateCanceled {
		t.Fatalf("job after cancel = %+v", cr.Job)
	}

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if len(hooks.interrupts) != 1 || hooks.interrupts[0] != [2]string{"worker-thread", "turn-1"} {
		t.Errorf("interrupts = %v", hooks.interrupts)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	q := newTestQueue(t, Options{GlobalConcurrency: 1})
	block := make(chan struct{})
	q.Register(&Definition{Type: "blocker", Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
		<-block
		return nil, nil
	}})
	q.Register(&Definition{Type: "victim", Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
		return nil, nil
	}})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer close(block)

	mustEnqueue(t, q, EnqueueRequest{Type: "blocker", ProjectID: "p1", Payload: map[string]interface{}{}})
	time.Sleep(50 * time.Millisecond)
	victim := mustEnqueue(t, q, EnqueueRequest{Type: "victim", ProjectID: "p1", Payload: map[string]interface{}{}})

	cr := q.Cancel(victim.Job.ID, "user_cancel")
	if cr.Status != StatusCanceled || cr.Job.State != StateCanceled {
		t.Fatalf("cancel queued = %+v", cr)
	}
	if cr.Job.Error != "user_cancel" {
		t.Errorf("error = %q", cr.Job.Error)
	}

	again := q.Cancel(victim.Job.ID, "user_cancel")
	if again.Status != StatusAlreadyTerminal {
		t.Errorf("second cancel status = %q", again.Status)
	}
	if missing := q.Cancel("no-such-job", "x"); missing.Status != StatusNotFound {
		t.Errorf("missing cancel status = %q", missing.Status)
	}
}

func TestCrashRecovery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator-jobs.json")
	store := NewFileStore(path, nil)

	now := time.Now().UTC()
	started := now.Add(-time.Minute)
	seed := []*Job{
		{ID: "job-a", Type: "recoverable", ProjectID: "p1", State: StateRunning, Attempts: 1, MaxAttempts: 1,
			CreatedAt: now.Add(-2 * time.Minute), StartedAt: &started, Payload: map[string]interface{}{},
			RunningContext: &RunningContext{ThreadID: "t", TurnID: "u"}},
		{ID: "job-b", Type: "recoverable", ProjectID: "p1", State: StateRunning, Attempts: 0, MaxAttempts: 2,
			CreatedAt: now.Add(-time.Minute), StartedAt: &started, Payload: map[string]interface{}{}},
	}
	if err := store.Save(seed); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	q := New(Options{GlobalConcurrency: 2}, store, nil, nil)
	t.Cleanup(func() { q.Stop(500 * time.Millisecond) })
	q.Register(&Definition{
		Type:  "recoverable",
		Retry: RetryPolicy{MaxAttempts: 2},
		Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			return "done", nil
		},
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	a := q.Get("job-a")
	if a == nil || a.State != StateFailed || a.Error != "recovery_max_attempts_exceeded" {
		t.Errorf("job-a = %+v", a)
	}
	if a != nil && a.RunningContext != nil {
		t.Error("job-a runningContext not cleared")
	}

	b := q.WaitForTerminal(context.Background(), "job-b", 5*time.Second)
	if b == nil || b.State != StateCompleted {
		t.Fatalf("job-b = %+v", b)
	}
}

func TestCapacityLimits(t *testing.T) {
	q := newTestQueue(t, Options{GlobalConcurrency: 1, MaxPerProject: 1, MaxGlobal: 2})
	block := make(chan struct{})
	defer close(block)
	q.Register(&Definition{Type: "work", Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
		<-block
		return nil, nil
	}})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	mustEnqueue(t, q, EnqueueRequest{Type: "work", ProjectID: "p1", Payload: map[string]interface{}{}})

	_, err := q.Enqueue(context.Background(), EnqueueRequest{Type: "work", ProjectID: "p1", Payload: map[string]interface{}{}})
	var qe *EnqueueError
	if !errors.As(err, &qe) || qe.Code != CodeQueueFull || qe.StatusCode != 429 {
		t.Fatalf("p1 second enqueue = %v", err)
	}
	if !strings.Contains(qe.Message, "project capacity") {
		t.Errorf("message = %q", qe.Message)
	}

	mustEnqueue(t, q, EnqueueRequest{Type: "work", ProjectID: "p2", Payload: map[string]interface{}{}})

	_, err = q.Enqueue(context.Background(), EnqueueRequest{Type: "work", ProjectID: "p3", Payload: map[string]interface{}{}})
	if !errors.As(err, &qe) || !strings.Contains(qe.Message, "global capacity") {
		t.Fatalf("p3 enqueue = %v", err)
	}
}

func TestUnknownTypeAndSchemaRejection(t *testing.T) {
	q := newTestQueue(t, Options{})
	q.Register(&Definition{
		Type:          "strict",
		PayloadSchema: MustCompileSchema(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`),
		Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := q.Enqueue(context.Background(), EnqueueRequest{Type: "nope", ProjectID: "p1", Payload: map[string]interface{}{}})
	var qe *EnqueueError
	if !errors.As(err, &qe) || qe.Code != CodeInvalidPayload || qe.StatusCode != 400 {
		t.Fatalf("unknown type = %v", err)
	}

	_, err = q.Enqueue(context.Background(), EnqueueRequest{Type: "strict", ProjectID: "p1", Payload: map[string]interface{}{"name": 42}})
	if !errors.As(err, &qe) || qe.Code != CodeInvalidPayload {
		t.Fatalf("schema violation = %v", err)
	}

	res := mustEnqueue(t, q, EnqueueRequest{Type: "strict", ProjectID: "p1", Payload: map[string]interface{}{"name": "ok"}})
	if res.Status != StatusEnqueued {
		t.Errorf("valid enqueue status = %q", res.Status)
	}
}

func TestRetryThenFailure(t *testing.T) {
	q := newTestQueue(t, Options{GlobalConcurrency: 1})
	var attempts int32
	q.Register(&Definition{
		Type: "flaky",
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Classify: func(err error) bool {
				return !strings.Contains(err.Error(), "fatal")
			},
		},
		Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, fmt.Errorf("transient %d", n)
			}
			return "recovered", nil
		},
	})
	q.Register(&Definition{
		Type:  "doomed",
		Retry: RetryPolicy{MaxAttempts: 5, Classify: func(err error) bool { return false }},
		Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			return nil, errors.New("fatal wiring problem")
		},
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := mustEnqueue(t, q, EnqueueRequest{Type: "flaky", ProjectID: "p1", Payload: map[string]interface{}{}})
	final := q.WaitForTerminal(context.Background(), res.Job.ID, 5*time.Second)
	if final == nil || final.State != StateCompleted {
		t.Fatalf("flaky final = %+v", final)
	}
	if final.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", final.Attempts)
	}

	res = mustEnqueue(t, q, EnqueueRequest{Type: "doomed", ProjectID: "p1", Payload: map[string]interface{}{}})
	final = q.WaitForTerminal(context.Background(), res.Job.ID, 5*time.Second)
	if final == nil || final.State != StateFailed {
		t.Fatalf("doomed final = %+v", final)
	}
	if final.Error != "fatal wiring problem" {
		t.Errorf("error = %q", final.Error)
	}
	if final.Attempts != 1 {
		t.Errorf("fatal error retried: attempts = %d", final.Attempts)
	}
}

func TestJobTimeout(t *testing.T) {
	q := newTestQueue(t, Options{GlobalConcurrency: 1})
	q.Register(&Definition{
		Type:    "slowpoke",
		Timeout: 50 * time.Millisecond,
		Retry:   RetryPolicy{MaxAttempts: 1},
		Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := mustEnqueue(t, q, EnqueueRequest{Type: "slowpoke", ProjectID: "p1", Payload: map[string]interface{}{}})
	final := q.WaitForTerminal(context.Background(), res.Job.ID, 5*time.Second)
	if final == nil || final.State != StateFailed {
		t.Fatalf("final = %+v", final)
	}
	if final.Error != "timeout" {
		t.Errorf("error = %q, want timeout", final.Error)
	}
}

func TestStopForcesUncooperativeJob(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "orchestrator-jobs.json"), nil)
	q := New(Options{GlobalConcurrency: 1}, store, nil, nil)
	q.Register(&Definition{
		Type:    "stubborn",
		Timeout: time.Minute,
		Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			time.Sleep(10 * time.Second) // 无视取消信号
			return nil, nil
		},
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	res := mustEnqueue(t, q, EnqueueRequest{Type: "stubborn", ProjectID: "p1", Payload: map[string]interface{}{}})
	time.Sleep(50 * time.Millisecond)

	begin := time.Now()
	if err := q.Stop(100 * time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("stop took %v, not bounded", elapsed)
	}

	j := q.Get(res.Job.ID)
	if j == nil || j.State != StateCanceled {
		t.Fatalf("job after stop = %+v", j)
	}
	if j.Error != "shutdown_timeout" && j.Error != "shutdown" {
		t.Errorf("error = %q", j.Error)
	}
}

func TestLifecycleInvariants(t *testing.T) {
	hooks := &recordingHooks{}
	store := NewFileStore(filepath.Join(t.TempDir(), "orchestrator-jobs.json"), nil)
	q := New(Options{GlobalConcurrency: 2}, store, hooks, nil)
	t.Cleanup(func() { q.Stop(500 * time.Millisecond) })
	q.Register(&Definition{Type: "plain", Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
		rc.EmitProgress(map[string]interface{}{"pct": 50})
		return "v", nil
	}})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	res := mustEnqueue(t, q, EnqueueRequest{Type: "plain", ProjectID: "p1", Payload: map[string]interface{}{}})
	final := q.WaitForTerminal(context.Background(), res.Job.ID, 5*time.Second)
	if final == nil || final.State != StateCompleted {
		t.Fatalf("final = %+v", final)
	}
	if final.Attempts < 0 || final.Attempts > final.MaxAttempts {
		t.Errorf("attempts invariant violated: %d/%d", final.Attempts, final.MaxAttempts)
	}
	if final.StartedAt == nil || final.CompletedAt == nil || final.StartedAt.After(*final.CompletedAt) {
		t.Errorf("timestamps: started=%v completed=%v", final.StartedAt, final.CompletedAt)
	}

	// 事件按生命周期顺序
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hooks.mu.Lock()
		n := len(hooks.events)
		hooks.mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	var types []string
	for _, e := range hooks.events {
		types = append(types, e.Type)
	}
	want := []string{EventJobQueued, EventJobStarted, EventJobProgress, EventJobCompleted}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestListByProjectAndStats(t *testing.T) {
	q := newTestQueue(t, Options{GlobalConcurrency: 1})
	block := make(chan struct{})
	defer close(block)
	q.Register(&Definition{Type: "held", Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
		<-block
		return nil, nil
	}})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		mustEnqueue(t, q, EnqueueRequest{Type: "held", ProjectID: "p1", Payload: map[string]interface{}{"i": i}})
	}
	mustEnqueue(t, q, EnqueueRequest{Type: "held", ProjectID: "p2", Payload: map[string]interface{}{}})
	time.Sleep(100 * time.Millisecond)

	p1 := q.ListByProject("p1", "")
	if len(p1) != 3 {
		t.Fatalf("p1 jobs = %d", len(p1))
	}
	for i := 1; i < len(p1); i++ {
		if p1[i].CreatedAt.Before(p1[i-1].CreatedAt) {
			t.Error("list not ordered by createdAt")
		}
	}
	queued := q.ListByProject("p1", StateQueued)
	if len(queued) != 2 {
		t.Errorf("p1 queued = %d", len(queued))
	}

	st := q.Stats()
	if st.Running != 1 || st.Queued != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMergeDuplicatePayload(t *testing.T) {
	q := newTestQueue(t, Options{GlobalConcurrency: 1})
	block := make(chan struct{})
	defer close(block)
	q.Register(&Definition{Type: "held", Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
		<-block
		return nil, nil
	}})
	q.Register(&Definition{
		Type: "merging",
		Dedupe: DedupePolicy{
			Mode: DedupeMergeDuplicate,
			Key:  func(p map[string]interface{}) string { return "m" },
			Merge: func(existing, incoming map[string]interface{}) map[string]interface{} {
				for k, v := range incoming {
					existing[k] = v
				}
				return existing
			},
		},
		Run: func(ctx context.Context, rc *RunContext, p map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	})
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 占住并发位，让 merging 任务停留在 queued
	mustEnqueue(t, q, EnqueueRequest{Type: "held", ProjectID: "p1", Payload: map[string]interface{}{}})
	time.Sleep(50 * time.Millisecond)

	first := mustEnqueue(t, q, EnqueueRequest{Type: "merging", ProjectID: "p1", Payload: map[string]interface{}{"a": float64(1)}})
	second := mustEnqueue(t, q, EnqueueRequest{Type: "merging", ProjectID: "p1", Payload: map[string]interface{}{"b": float64(2)}})

	if second.Status != StatusAlreadyQueued || second.Job.ID != first.Job.ID {
		t.Fatalf("merge dedupe = %+v", second)
	}
	merged := q.Get(first.Job.ID)
	if merged.Payload["a"] != float64(1) || merged.Payload["b"] != float64(2) {
		t.Errorf("merged payload = %v", merged.Payload)
	}
}
