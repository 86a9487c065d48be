package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-extension-audit.json")
	return NewStore(path, nil), path
}

func TestAppendAndList(t *testing.T) {
	s, path := tempStore(t)

	rec := Record{
		ReloadID:           "r-1",
		ActorRole:          "admin",
		Result:             "success",
		TrustMode:          "enforced",
		SnapshotBefore:     json.RawMessage(`[]`),
		ImpactedExtensions: []string{"formatter"},
	}
	if err := s.Append(rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	got := s.List()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].ReloadID != "r-1" {
		t.Errorf("reloadId = %q", got[0].ReloadID)
	}
	if got[0].RecordedAt.IsZero() {
		t.Error("recordedAt should be stamped")
	}

	// 文件形状 {version:1, records:[...]}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var f struct {
		Version int      `json:"version"`
		Records []Record `json:"records"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal file: %v", err)
	}
	if f.Version != 1 || len(f.Records) != 1 {
		t.Errorf("file shape: version=%d records=%d", f.Version, len(f.Records))
	}
}

func TestReopenPreservesRecords(t *testing.T) {
	s, path := tempStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Append(Record{ReloadID: fmt.Sprintf("r-%d", i), Result: "success", TrustMode: "warn"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	reopened := NewStore(path, nil)
	got := reopened.List()
	if len(got) != 3 {
		t.Fatalf("expected 3 records after reopen, got %d", len(got))
	}
	for i, r := range got {
		if r.ReloadID != fmt.Sprintf("r-%d", i) {
			t.Errorf("record %d out of order: %q", i, r.ReloadID)
		}
	}
}

func TestInvalidFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-extension-audit.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s := NewStore(path, nil)
	if got := s.List(); len(got) != 0 {
		t.Fatalf("expected empty store, got %d records", len(got))
	}
	if err := s.Append(Record{ReloadID: "r-after-corrupt", Result: "failed", TrustMode: "enforced"}); err != nil {
		t.Fatalf("append after corrupt: %v", err)
	}
	if got := s.List(); len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
}

func TestConcurrentAppendsAllPersisted(t *testing.T) {
	s, path := tempStore(t)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if err := s.Append(Record{ReloadID: fmt.Sprintf("r-%d", i), Result: "success", TrustMode: "enforced"}); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := s.List(); len(got) != n {
		t.Fatalf("expected %d records, got %d", n, len(got))
	}

	reopened := NewStore(path, nil)
	if got := reopened.List(); len(got) != n {
		t.Fatalf("expected %d records on disk, got %d", n, len(got))
	}
}
