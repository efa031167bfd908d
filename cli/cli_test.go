package cli_test

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "buildweaver/internal/cli"
	"buildweaver/internal/state"
)

// sampleProject copies the shared sample project into a temp dir.
func sampleProject(t *testing.T) string {
	t.Helper()
	src := filepath.Join("..", "internal", "build", "testdata", "project")
	dst := t.TempDir()
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
	if err != nil {
		t.Fatalf("copying sample project: %v", err)
	}
	return dst
}

func run(t *testing.T, args ...string) (icl.CLIResult, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	res, err := icl.Run(context.Background(), args, &stdout, &stderr)
	return res, stdout.String(), err
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

func TestBuild_SucceedsThenServesFromCache(t *testing.T) {
	root := sampleProject(t)
	args := []string{"build", "-C", root, "-j", "4", "--trace", "trace.json"}

	res, out, err := run(t, args...)
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("first build: exit=%d err=%v", res.ExitCode, err)
	}
	if !strings.HasPrefix(out, "ok: 8 completed, 0 cached, 0 failed, 0 skipped") {
		t.Fatalf("summary = %q", out)
	}
	for _, b := range []string{
		"bundle build/admin/dist/admin-0.1.0-uber.zip\n",
		"bundle build/backup/dist/backup-0.1.0-uber.zip\n",
		"bundle build/cluster/dist/cluster-0.1.0-uber.zip\n",
	} {
		if !strings.Contains(out, b) {
			t.Fatalf("output misses %q:\n%s", b, out)
		}
	}
	bundle := readFile(t, filepath.Join(root, "build", "admin", "dist", "admin-0.1.0-uber.zip"))
	readFile(t, filepath.Join(root, "trace.json"))

	if err := os.RemoveAll(filepath.Join(root, "build", "admin", "dist")); err != nil {
		t.Fatal(err)
	}
	res, out, err = run(t, args...)
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("second build: exit=%d err=%v", res.ExitCode, err)
	}
	if !strings.HasPrefix(out, "ok: 0 completed, 8 cached") {
		t.Fatalf("summary = %q", out)
	}
	if !bytes.Equal(bundle, readFile(t, filepath.Join(root, "build", "admin", "dist", "admin-0.1.0-uber.zip"))) {
		t.Fatalf("restored bundle differs")
	}

	store, err := state.NewStore(root)
	if err != nil {
		t.Fatal(err)
	}
	ids, err := store.ListRunIDs()
	if err != nil || len(ids) != 2 {
		t.Fatalf("run ids = %v err=%v", ids, err)
	}
}

func TestGenerate_SelectedModule(t *testing.T) {
	root := sampleProject(t)
	res, out, err := run(t, "generate", "-C", root, "-m", "cluster-protocol")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit=%d err=%v", res.ExitCode, err)
	}
	if !strings.HasPrefix(out, "ok: 1 completed") {
		t.Fatalf("summary = %q", out)
	}
	if _, err := os.Stat(filepath.Join(root, "build", "cluster-protocol", "generated", "protocol-codecs")); err != nil {
		t.Fatalf("generated code missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "build", "admin")); !os.IsNotExist(err) {
		t.Fatalf("generate must not assemble: %v", err)
	}
}

func TestInvalidInvocation(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"deploy"},
		{"build", "--colour"},
		{"build", "-P", "standby"},
	} {
		res, _, err := run(t, args...)
		if err == nil || res.ExitCode != icl.ExitInvalidInvocation {
			t.Fatalf("%v: exit=%d err=%v", args, res.ExitCode, err)
		}
	}
}

func TestHelp(t *testing.T) {
	res, out, err := run(t, "help")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit=%d err=%v", res.ExitCode, err)
	}
	if !strings.HasPrefix(out, "Usage: buildweaver COMMAND") {
		t.Fatalf("usage = %q", out)
	}
}

func TestConfigurationErrors(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		root := sampleProject(t)
		def := filepath.Join(root, "buildweaver.yaml")
		data := strings.Replace(string(readFile(t, def)), "project: aeron-cluster-tutorial", "project: aeron-cluster-tutorial\ncolour: blue", 1)
		if err := os.WriteFile(def, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		res, _, err := run(t, "build", "-C", root)
		if res.ExitCode != icl.ExitConfigError || err == nil || !strings.Contains(err.Error(), "colour") {
			t.Fatalf("exit=%d err=%v", res.ExitCode, err)
		}
	})

	t.Run("no definition", func(t *testing.T) {
		res, _, err := run(t, "build", "-C", t.TempDir())
		if res.ExitCode != icl.ExitConfigError {
			t.Fatalf("exit=%d err=%v", res.ExitCode, err)
		}
	})

	t.Run("unknown module selected", func(t *testing.T) {
		res, _, err := run(t, "build", "-C", sampleProject(t), "-m", "gateway")
		if res.ExitCode != icl.ExitConfigError {
			t.Fatalf("exit=%d err=%v", res.ExitCode, err)
		}
	})

	t.Run("invalid schema", func(t *testing.T) {
		root := sampleProject(t)
		dup := readFile(t, filepath.Join("..", "internal", "codegen", "testdata", "duplicate-ids.xml"))
		if err := os.WriteFile(filepath.Join(root, "cluster-protocol", "schema", "protocol-codecs.xml"), dup, 0o644); err != nil {
			t.Fatal(err)
		}
		res, out, err := run(t, "build", "-C", root)
		if res.ExitCode != icl.ExitConfigError {
			t.Fatalf("exit=%d err=%v", res.ExitCode, err)
		}
		if !strings.HasPrefix(out, "failed: 0 completed, 0 cached, 1 failed, 7 skipped") {
			t.Fatalf("summary = %q", out)
		}
	})
}

func TestNodeFailure_ExitsOne(t *testing.T) {
	root := sampleProject(t)
	def := filepath.Join(root, "buildweaver.yaml")
	data := strings.Replace(string(readFile(t, def)), "packaging.duplicates: exclude", "packaging.duplicates: fail", 1)
	if err := os.WriteFile(def, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	res, out, err := run(t, "build", "-C", root, "-k")
	if res.ExitCode != icl.ExitGraphFailure {
		t.Fatalf("exit=%d err=%v", res.ExitCode, err)
	}
	if !strings.Contains(err.Error(), "META-INF/LICENSE.txt") {
		t.Fatalf("err = %v", err)
	}
	if !strings.HasPrefix(out, "failed: ") {
		t.Fatalf("summary = %q", out)
	}
}

func TestGraph(t *testing.T) {
	root := sampleProject(t)
	res, out, err := run(t, "graph", "-C", root)
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit=%d err=%v", res.ExitCode, err)
	}
	want := "module cluster-protocol\n" +
		"  compile libraries: org.agrona:agrona:1.21.1\n" +
		"  runtime libraries: org.agrona:agrona:1.21.1\n" +
		"module admin\n"
	if !strings.HasPrefix(out, want) {
		t.Fatalf("graph =\n%s", out)
	}
	if !strings.HasSuffix(out, "disabled standby\n") {
		t.Fatalf("graph =\n%s", out)
	}

	res, out, err = run(t, "graph", "-C", root, "-P", "standby=true")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit=%d err=%v", res.ExitCode, err)
	}
	if !strings.Contains(out, "module standby\n  compile modules: cluster-protocol, cluster\n") {
		t.Fatalf("graph =\n%s", out)
	}

	res, out, err = run(t, "graph", "-C", root, "--tasks")
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit=%d err=%v", res.ExitCode, err)
	}
	if !strings.Contains(out, "package:admin <- ") {
		t.Fatalf("task graph =\n%s", out)
	}
}

func TestClean(t *testing.T) {
	root := sampleProject(t)
	if res, _, err := run(t, "build", "-C", root); res.ExitCode != icl.ExitSuccess {
		t.Fatalf("build: %v", err)
	}
	res, out, err := run(t, "clean", "-C", root)
	if err != nil || res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit=%d err=%v", res.ExitCode, err)
	}
	if out != "removed build\nremoved .buildweaver/cache\n" {
		t.Fatalf("clean output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(root, ".buildweaver", "runs")); err != nil {
		t.Fatalf("run records should survive: %v", err)
	}

	if _, out, _ = run(t, "clean", "-C", root, "--all"); out != "removed .buildweaver\n" {
		t.Fatalf("clean --all output = %q", out)
	}
}
