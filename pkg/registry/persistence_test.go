package registry

import (
	"os"
	"path/filepath"
	"testing"

	"argo/pkg/proto"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	src := New()
	src.AddCI("builder-1", "builder", "gpt-4o", 9000)
	src.AddCI("coordinator-1", "coordinator", "claude-sonnet", 9010)
	src.AddCI("analysis-1", "analysis", "llama3", 9030)
	src.UpdateStatus("builder-1", proto.StatusReady)

	if err := src.SaveState(path); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	dst := New()
	if err := dst.LoadState(path); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if dst.Count() != src.Count() {
		t.Fatalf("restored count = %d, want %d", dst.Count(), src.Count())
	}
	for _, want := range src.List() {
		got, err := dst.FindCI(want.Name)
		if err != nil {
			t.Fatalf("restored registry missing %s: %v", want.Name, err)
		}
		if got.Role != want.Role || got.Model != want.Model || got.Port != want.Port {
			t.Errorf("entry %s: got {%s %s %d}, want {%s %s %d}", want.Name,
				got.Role, got.Model, got.Port, want.Role, want.Model, want.Port)
		}
		if got.Status != want.Status {
			t.Errorf("entry %s status: got %v, want %v", want.Name, got.Status, want.Status)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	r := New()
	err := r.LoadState(filepath.Join(t.TempDir(), "nonexistent.json"))
	if err != nil {
		t.Fatalf("missing snapshot should not be an error: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("registry should start empty, got %d entries", r.Count())
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	os.WriteFile(path, []byte("{not json"), 0o644)

	r := New()
	if err := r.LoadState(path); err != nil {
		t.Fatalf("malformed snapshot should downgrade to empty, not error: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("registry should be empty after malformed load, got %d", r.Count())
	}
}

func TestLoadSkipsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	snapshot := `{
  "version": 1,
  "count": 3,
  "entries": [
    {"name":"builder-1","role":"builder","model":"gpt-4o","host":"localhost","port":9000,"status":2,"registered_at":1756000000},
    {"name":"","role":"builder","model":"gpt-4o","host":"localhost","port":9001,"status":2,"registered_at":1756000000},
    {"name":"analysis-1","role":"analysis","model":"llama3","host":"localhost","port":9030,"status":99,"registered_at":1756000000}
  ]
}`
	os.WriteFile(path, []byte(snapshot), 0o644)

	r := New()
	if err := r.LoadState(path); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("only the valid entry should survive, got %d", r.Count())
	}
	entry, err := r.FindCI("builder-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != proto.StatusReady {
		t.Errorf("status = %v, want READY", entry.Status)
	}
}

func TestLoadUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	os.WriteFile(path, []byte(`{"version":9,"count":0,"entries":[]}`), 0o644)

	r := New()
	if err := r.LoadState(path); err != nil {
		t.Fatalf("unknown version should downgrade to empty: %v", err)
	}
	if r.Count() != 0 {
		t.Error("registry should ignore snapshots with unknown versions")
	}
}

func TestSaveToUnwritablePath(t *testing.T) {
	r := New()
	r.AddCI("builder-1", "builder", "gpt-4o", 9000)

	err := r.SaveState(filepath.Join(t.TempDir(), "no", "such", "dir", "registry.json"))
	if err == nil {
		t.Error("save into a missing directory should propagate the error")
	}
}
