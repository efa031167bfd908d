package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExecutor_IsolatedEnvironment(t *testing.T) {
	t.Setenv("BUILDWEAVER_HOST_ONLY", "leak")
	e := NewExecutor(t.TempDir())

	res, err := e.Execute(context.Background(), Command{
		Args: []string{"/bin/sh", "-c", "echo \"[$BUILDWEAVER_HOST_ONLY][$DECLARED]\""},
		Env:  map[string]string{"DECLARED": "yes"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "[][yes]" {
		t.Fatalf("unexpected environment view %q", got)
	}
}

func TestExecutor_NonZeroExitIsResult(t *testing.T) {
	e := NewExecutor(t.TempDir())
	res, err := e.Execute(context.Background(), Command{
		Args: []string{"/bin/sh", "-c", "echo bad >&2; exit 7"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("expected exit 7, got %d", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stderr)) != "bad" {
		t.Fatalf("expected stderr captured, got %q", res.Stderr)
	}
}

func TestExecutor_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	e := NewExecutor(dir)
	if _, err := e.Execute(context.Background(), Command{Args: []string{"/bin/sh", "-c", ": > marker"}}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err != nil {
		t.Fatalf("expected command to run in working dir: %v", err)
	}
}

func TestExecutor_CancellationKillsProcessGroup(t *testing.T) {
	e := NewExecutor(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, Command{Args: []string{"/bin/sh", "-c", "sleep 30 & sleep 30"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("cancellation did not stop the process group")
	}
}

func TestExecutor_EmptyCommand(t *testing.T) {
	if _, err := NewExecutor("").Execute(context.Background(), Command{}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestLookPathIn(t *testing.T) {
	dir := t.TempDir()
	tool := filepath.Join(dir, "sbe-tool")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := lookPathIn("sbe-tool", "/nonexistent:"+dir)
	if err != nil || got != tool {
		t.Fatalf("got (%q, %v), want %q", got, err, tool)
	}
	if _, err := lookPathIn("absent-tool", dir); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestGeneratedSourceNormalizer(t *testing.T) {
	n := NewGeneratedSourceNormalizer()
	in := "@Generated(date = \"2024-05-01T10:00:00Z\")\r\n// built 2024-05-01 10:00:00\r\n"
	got := string(n.Normalize([]byte(in)))
	want := "@Generated(date = \"<TIMESTAMP>\")\n// built <TIMESTAMP>\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
