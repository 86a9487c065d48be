// Copyright 2026 fanjia1024

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"agent-orchestrator/internal/orchestrator/audit"
	"agent-orchestrator/internal/orchestrator/events"
	"agent-orchestrator/internal/orchestrator/queue"
	"agent-orchestrator/internal/orchestrator/sigcache"
)

func buildEventsTestEngine(t *testing.T, withSigCache bool) (*server.Hertz, *audit.Store) {
	t.Helper()
	dir := t.TempDir()

	q := queue.New(queue.Options{GlobalConcurrency: 2},
		queue.NewFileStore(filepath.Join(dir, "jobs.json"), nil), queue.NopHooks{}, nil)
	err := q.Register(&queue.Definition{
		Type: "suggest_request",
		Run: func(ctx context.Context, rc *queue.RunContext, payload map[string]interface{}) (interface{}, error) {
			return payload, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { q.Stop(2 * time.Second) })

	provider := events.NewStaticProvider(events.StaticModule{
		Name: "suggester",
		Manifest: &events.Manifest{
			Name:    "suggester",
			Version: "1.0.0",
			Capabilities: events.Capabilities{
				Events: []string{"suggest_request.requested"},
			},
		},
		Entrypoint: func(reg *events.Registry) {
			reg.Subscribe("suggest_request.requested", func(ctx context.Context, evt events.Event, tools *events.Tools) (interface{}, error) {
				return tools.EnqueueJob(ctx, queue.EnqueueRequest{
					Type:      "suggest_request",
					ProjectID: "p1",
					Payload:   evt.Payload,
				})
			}, events.SubscribeOptions{})
		},
	})
	rt := events.New(events.Options{TrustMode: events.TrustEnforced}, provider, nil)
	if res := rt.Load(); res.Status != "ok" {
		t.Fatalf("events load: %+v", res)
	}

	auditStore := audit.NewStore(filepath.Join(dir, "audit.json"), nil)

	h := NewHandler(q, nil)
	h.SetEventsRuntime(rt, &events.Tools{EnqueueJob: q.Enqueue})
	h.SetAuditStore(auditStore)
	if withSigCache {
		h.SetSigCache(sigcache.NewMemoryStore(), time.Minute)
	}

	r := NewRouter(h, nil)
	s := server.Default(server.WithHostPorts(":0"))
	r.Register(s.Engine)
	return s, auditStore
}

func TestEmitEventEnqueuesJob(t *testing.T) {
	s, _ := buildEventsTestEngine(t, false)

	w := postJSON(t, s, "/api/events/emit", map[string]interface{}{
		"type":      "suggest_request.requested",
		"projectId": "p1",
		"payload":   map[string]interface{}{"path": "main.go"},
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("emit status = %d, body = %s", got, w.Result().Body())
	}
	var resp struct {
		Status  string              `json:"status"`
		Results []events.EmitResult `json:"results"`
		Winner  *events.EmitResult  `json:"winner"`
	}
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "emitted" || len(resp.Results) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Winner == nil || resp.Winner.Status != queue.StatusEnqueued {
		t.Fatalf("winner = %+v", resp.Winner)
	}
	if resp.Winner.Job == nil || resp.Winner.Job.Type != "suggest_request" {
		t.Fatalf("winner job = %+v", resp.Winner.Job)
	}
}

func TestEmitEventReplaySuppressed(t *testing.T) {
	s, _ := buildEventsTestEngine(t, true)

	body := map[string]interface{}{
		"type":            "suggest_request.requested",
		"projectId":       "p1",
		"sourceSessionId": "sess-1",
		"turnId":          "turn-1",
		"payload":         map[string]interface{}{"path": "main.go"},
	}
	first := postJSON(t, s, "/api/events/emit", body)
	if got := first.Result().StatusCode(); got != 200 {
		t.Fatalf("first emit status = %d", got)
	}
	if !bytes.Contains(first.Result().Body(), []byte(`"status":"emitted"`)) {
		t.Fatalf("first emit body = %s", first.Result().Body())
	}

	second := postJSON(t, s, "/api/events/emit", body)
	if got := second.Result().StatusCode(); got != 200 {
		t.Fatalf("second emit status = %d", got)
	}
	if !bytes.Contains(second.Result().Body(), []byte(`"status":"duplicate_suppressed"`)) {
		t.Fatalf("second emit should be suppressed: %s", second.Result().Body())
	}

	// 不同 turn 不受抑制
	body["turnId"] = "turn-2"
	third := postJSON(t, s, "/api/events/emit", body)
	if !bytes.Contains(third.Result().Body(), []byte(`"status":"emitted"`)) {
		t.Fatalf("third emit body = %s", third.Result().Body())
	}
}

func TestEmitEventRequiresType(t *testing.T) {
	s, _ := buildEventsTestEngine(t, false)

	w := postJSON(t, s, "/api/events/emit", map[string]interface{}{
		"payload": map[string]interface{}{},
	})
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("status = %d, want 400", got)
	}
}

func TestListExtensions(t *testing.T) {
	s, _ := buildEventsTestEngine(t, false)

	w := ut.PerformRequest(s.Engine, "GET", "/api/extensions", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	body := w.Result().Body()
	if !bytes.Contains(body, []byte(`"total":1`)) || !bytes.Contains(body, []byte(`"suggester"`)) {
		t.Fatalf("body = %s", body)
	}
}

func TestReloadExtensionsWritesAudit(t *testing.T) {
	s, auditStore := buildEventsTestEngine(t, false)

	w := postJSON(t, s, "/api/extensions/reload", map[string]string{
		"actorRole": "admin",
		"actorId":   "ops-7",
	})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("reload status = %d, body = %s", got, w.Result().Body())
	}
	var resp struct {
		ReloadID string `json:"reloadId"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ReloadID == "" || resp.Status != "ok" {
		t.Fatalf("resp = %+v", resp)
	}

	records := auditStore.List()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.ReloadID != resp.ReloadID || rec.ActorRole != "admin" || rec.ActorID != "ops-7" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Result != "success" || len(rec.ImpactedExtensions) != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.SnapshotBefore) == 0 || len(rec.SnapshotAfter) == 0 {
		t.Fatalf("snapshots missing: %+v", rec)
	}

	list := ut.PerformRequest(s.Engine, "GET", "/api/audit/reloads", nil)
	if got := list.Result().StatusCode(); got != 200 {
		t.Fatalf("audit list status = %d", got)
	}
	if !bytes.Contains(list.Result().Body(), []byte(resp.ReloadID)) {
		t.Fatalf("audit list body = %s", list.Result().Body())
	}
}
