package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStore_SaveAndLoadRun_IncludesNullablePreviousRunID(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	run := Run{
		RunID:     "run-123",
		Command:   "build",
		GraphHash: "gh-abc",
		StartTime: time.Unix(1, 2).UTC(),
		Status:    StatusRunning,
	}
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(base, ".buildweaver", "runs", "run-123", "run.json"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "\"previous_run_id\": null") {
		t.Fatalf("expected previous_run_id to be null; got: %s", string(data))
	}

	loaded, err := store.LoadRun("run-123")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.RunID != run.RunID || loaded.GraphHash != run.GraphHash || loaded.Command != "build" {
		t.Fatalf("loaded run mismatch: %+v", loaded)
	}
	if loaded.PreviousRunID != nil {
		t.Fatalf("expected PreviousRunID nil; got %v", *loaded.PreviousRunID)
	}
}

func TestStore_RejectsInvalidRun(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.SaveRun(Run{RunID: "r", Command: "build", StartTime: time.Unix(1, 0), Status: StatusSucceeded}); err == nil {
		t.Fatalf("expected error for finished run without end_time")
	}
	if err := store.SaveRun(Run{RunID: "r", Command: "build", StartTime: time.Unix(1, 0), Status: "paused"}); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestStore_LoadRunRejectsUnknownFields(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	dir := filepath.Join(base, ".buildweaver", "runs", "r1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	body := `{"run_id":"r1","command":"build","graph_hash":"","start_time":"2024-01-01T00:00:00Z","end_time":null,"status":"running","nodes":null,"previous_run_id":null,"mode":"x"}`
	if err := os.WriteFile(filepath.Join(dir, "run.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := store.LoadRun("r1"); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestStore_ListRunIDsSortedAndLatest(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if id, err := store.LatestRunID(); err != nil || id != "" {
		t.Fatalf("LatestRunID on empty store = %q, %v", id, err)
	}
	for _, id := range []string{"b", "a", "c"} {
		if err := store.SaveRun(Run{RunID: id, Command: "build", StartTime: time.Unix(1, 0), Status: StatusRunning}); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}
	ids, err := store.ListRunIDs()
	if err != nil {
		t.Fatalf("ListRunIDs: %v", err)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Fatalf("ids = %v", ids)
	}
	if id, _ := store.LatestRunID(); id != "c" {
		t.Fatalf("latest = %s", id)
	}
}
