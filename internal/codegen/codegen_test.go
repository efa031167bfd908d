package codegen

import (
	"bytes"
	"context"
	"errors"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"buildweaver/internal/builderr"
	"buildweaver/internal/core"
)

func testdata(t *testing.T, name string) string {
	t.Helper()
	p, err := filepath.Abs(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	return p
}

func request(t *testing.T, schema, out string) Request {
	return Request{
		SchemaPath:     testdata(t, schema),
		ValidationPath: testdata(t, "sbe.xsd"),
		OutputDir:      out,
		TargetLanguage: TargetGolang,
		StopOnError:    true,
	}
}

// countingGenerator wraps another generator and counts invocations.
type countingGenerator struct {
	inner Generator
	calls int
	err   error
}

func (c *countingGenerator) Identity() string { return "counting/" + c.inner.Identity() }

func (c *countingGenerator) Generate(ctx context.Context, job *Job) error {
	c.calls++
	if c.err != nil {
		return c.err
	}
	return c.inner.Generate(ctx, job)
}

func readTree(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		out[e.Name()] = data
	}
	return out
}

func assertNoStaging(t *testing.T, parent string) {
	t.Helper()
	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Fatalf("leftover hidden entry %s", e.Name())
		}
	}
}

func TestGenerate_GolangFilePerMessage(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(work, "generated")
	tool := NewTool(work, nil, zerolog.Nop())

	res, err := tool.Generate(context.Background(), request(t, "protocol-codecs.xml", out))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := []string{"add_auction_bid_command.go", "add_participant_command.go", "create_auction_command.go"}
	if !reflect.DeepEqual(res.Files, want) {
		t.Fatalf("files = %v, want %v", res.Files, want)
	}

	src, err := os.ReadFile(filepath.Join(out, "create_auction_command.go"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, s := range []string{
		"// Code generated by buildweaver from protocol-codecs.xml. DO NOT EDIT.",
		"package protocol",
		"CreateAuctionCommandTemplateID    = 2",
		"CreateAuctionCommandBlockLength   = 24",
		"binary.LittleEndian.PutUint64(buf[16:], uint64(m.EndTime))",
		"len(m.Description)",
	} {
		if !bytes.Contains(src, []byte(s)) {
			t.Fatalf("generated source lacks %q:\n%s", s, src)
		}
	}
	if bytes.Contains(src, []byte(`"math"`)) {
		t.Fatalf("math imported without float fields")
	}
	for _, f := range res.Files {
		if _, err := parser.ParseFile(token.NewFileSet(), filepath.Join(out, f), nil, parser.AllErrors); err != nil {
			t.Fatalf("generated %s does not parse: %v", f, err)
		}
	}
	assertNoStaging(t, work)
}

func TestGenerate_DescriptionDoesNotAddImports(t *testing.T) {
	work := t.TempDir()
	src, err := os.ReadFile(testdata(t, "protocol-codecs.xml"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	schema := filepath.Join(work, "described.xml")
	data := strings.Replace(string(src), `description="Create an auction"`, `description="Create an auction. See radio.go and math.Max"`, 1)
	if err := os.WriteFile(schema, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out := filepath.Join(work, "generated")
	req := request(t, "protocol-codecs.xml", out)
	req.SchemaPath = schema
	if _, err := NewTool(work, nil, zerolog.Nop()).Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(out, "create_auction_command.go"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Contains(got, []byte("math.Max")) {
		t.Fatalf("description not rendered:\n%s", got)
	}
	if bytes.Contains(got, []byte(`"math"`)) {
		t.Fatalf("math imported for a comment:\n%s", got)
	}
}

func TestGenerate_EnumsCompositesBigEndian(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(work, "events")
	tool := NewTool(work, nil, zerolog.Nop())

	res, err := tool.Generate(context.Background(), request(t, "auction-events.xml", out))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Files) != 2 {
		t.Fatalf("files = %v", res.Files)
	}
	src, err := os.ReadFile(filepath.Join(out, "auction_update_event.go"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, s := range []string{
		"package events",
		"AuctionUpdateEventStatusPreOpen",
		"CurrentPriceMantissa",
		"CurrentPriceExponent",
		"Currency ",
		"[3]byte",
		"func (m *AuctionUpdateEvent) EventVersion() uint8 { return 2 }",
		"binary.BigEndian",
		"math.Float64bits(m.ReservePriceRatio)",
	} {
		if !bytes.Contains(src, []byte(s)) {
			t.Fatalf("generated source lacks %q:\n%s", s, src)
		}
	}
	if _, err := parser.ParseFile(token.NewFileSet(), "auction_update_event.go", src, parser.AllErrors); err != nil {
		t.Fatalf("generated source does not parse: %v", err)
	}
}

func TestGenerate_MissingSchemaNeverInvokesGenerator(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(work, "generated")
	tool := NewTool(work, nil, zerolog.Nop())
	gen := &countingGenerator{inner: &GoGenerator{}}
	tool.Register("counted", gen)

	req := request(t, "protocol-codecs.xml", out)
	req.SchemaPath = filepath.Join(work, "missing.xml")
	req.TargetLanguage = "counted"

	_, err := tool.Generate(context.Background(), req)
	if !errors.Is(err, builderr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("generator invoked %d times", gen.calls)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output directory created: %v", err)
	}
}

func TestGenerate_PreflightRejections(t *testing.T) {
	work := t.TempDir()
	tool := NewTool(work, nil, zerolog.Nop())

	cases := map[string]func(*Request){
		"unknown target":    func(r *Request) { r.TargetLanguage = "cobol" },
		"empty output":      func(r *Request) { r.OutputDir = "" },
		"missing xsd":       func(r *Request) { r.ValidationPath = filepath.Join(work, "nope.xsd") },
		"schema is a dir":   func(r *Request) { r.SchemaPath = work },
		"output over input": func(r *Request) { r.OutputDir = filepath.Dir(r.SchemaPath) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := request(t, "protocol-codecs.xml", filepath.Join(work, "out"))
			mutate(&req)
			_, err := tool.Generate(context.Background(), req)
			var cerr *builderr.ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestGenerate_MalformedSchemaWritesNothing(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(work, "generated")
	tool := NewTool(work, nil, zerolog.Nop())

	_, err := tool.Generate(context.Background(), request(t, "malformed.xml", out))
	var perr *builderr.SchemaParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected SchemaParseError, got %v", err)
	}
	if perr.Line == 0 {
		t.Fatalf("parse error without line: %v", perr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output directory created: %v", err)
	}
	assertNoStaging(t, work)
}

func TestGenerate_StopOnFirstError(t *testing.T) {
	work := t.TempDir()
	tool := NewTool(work, nil, zerolog.Nop())

	req := request(t, "invalid.xml", filepath.Join(work, "out"))
	_, err := tool.Generate(context.Background(), req)
	var verr *builderr.SchemaValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected SchemaValidationError, got %v", err)
	}
	if len(verr.Violations) != 1 {
		t.Fatalf("violations = %v", verr.Violations)
	}
	if v := verr.First(); v.Line != 16 || v.Path != "/messageSchema/message[2]/field[2]/@id" {
		t.Fatalf("first violation = %v", v)
	}

	req.StopOnError = false
	_, err = tool.Generate(context.Background(), req)
	if !errors.As(err, &verr) {
		t.Fatalf("expected SchemaValidationError, got %v", err)
	}
	if len(verr.Violations) != 2 {
		t.Fatalf("violations = %v", verr.Violations)
	}
	if verr.Violations[1].Path != "/messageSchema/message[3]/@id" {
		t.Fatalf("second violation = %v", verr.Violations[1])
	}
}

func TestGenerate_DuplicateMessageIDs(t *testing.T) {
	work := t.TempDir()
	tool := NewTool(work, nil, zerolog.Nop())

	_, err := tool.Generate(context.Background(), request(t, "duplicate-ids.xml", filepath.Join(work, "out")))
	var verr *builderr.SchemaValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected SchemaValidationError, got %v", err)
	}
	if v := verr.First(); v.Path != "/messageSchema/message[2]/@id" {
		t.Fatalf("violation = %v", v)
	}
}

func TestGenerate_RejectsNamesCollidingInGo(t *testing.T) {
	work := t.TempDir()
	src, err := os.ReadFile(testdata(t, "protocol-codecs.xml"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	schema := filepath.Join(work, "colliding.xml")
	data := strings.Replace(string(src), `name="AddAuctionBidCommand"`, `name="addParticipantCommand"`, 1)
	if err := os.WriteFile(schema, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	out := filepath.Join(work, "generated")
	req := request(t, "protocol-codecs.xml", out)
	req.SchemaPath = schema
	_, err = NewTool(work, nil, zerolog.Nop()).Generate(context.Background(), req)
	var gerr *builderr.GeneratorError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GeneratorError, got %v", err)
	}
	if !strings.Contains(err.Error(), "add_participant_command.go") {
		t.Fatalf("error does not name the file: %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output directory created: %v", err)
	}
	assertNoStaging(t, work)
}

func TestGenerate_FailureKeepsPreviousOutput(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(work, "generated")
	tool := NewTool(work, nil, zerolog.Nop())
	req := request(t, "protocol-codecs.xml", out)

	if _, err := tool.Generate(context.Background(), req); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	before := readTree(t, out)

	tool.Register(TargetGolang, &countingGenerator{inner: &GoGenerator{}, err: errors.New("boom")})
	if _, err := tool.Generate(context.Background(), req); err == nil {
		t.Fatalf("expected generator failure")
	}
	if after := readTree(t, out); !reflect.DeepEqual(before, after) {
		t.Fatalf("output changed after a failed run")
	}
	assertNoStaging(t, work)
}

func TestGenerate_CacheReplaysIdenticalOutput(t *testing.T) {
	work := t.TempDir()
	out := filepath.Join(work, "generated")
	tool := NewTool(work, core.NewMemoryCache(), zerolog.Nop())
	gen := &countingGenerator{inner: &GoGenerator{}}
	tool.Register(TargetGolang, gen)
	req := request(t, "protocol-codecs.xml", out)

	first, err := tool.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if first.FromCache {
		t.Fatalf("first run reported a cache hit")
	}
	want := readTree(t, out)

	if err := os.Remove(filepath.Join(out, "add_participant_command.go")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	second, err := tool.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !second.FromCache || gen.calls != 1 {
		t.Fatalf("expected cache hit, got FromCache=%v calls=%d", second.FromCache, gen.calls)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Fatalf("fingerprint changed: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
	if got := readTree(t, out); !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed output differs")
	}

	req.StopOnError = false
	fp, err := tool.Fingerprint(req)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fp == first.Fingerprint {
		t.Fatalf("fingerprint ignores stop-on-error")
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	work := t.TempDir()
	tool := NewTool(work, nil, zerolog.Nop())

	a := filepath.Join(work, "a")
	b := filepath.Join(work, "b")
	if _, err := tool.Generate(context.Background(), request(t, "auction-events.xml", a)); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := tool.Generate(context.Background(), request(t, "auction-events.xml", b)); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !reflect.DeepEqual(readTree(t, a), readTree(t, b)) {
		t.Fatalf("output differs between runs")
	}
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "fake-sbe-tool")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestProcessGenerator_ArgumentOrder(t *testing.T) {
	work := t.TempDir()
	script := writeScript(t, t.TempDir(), `for a in "$@"; do
  case "$a" in -Dsbe.output.dir=*) out="${a#-Dsbe.output.dir=}";; esac
done
for a in "$@"; do echo "$a"; done > "$out/args.txt"
echo "$GREETING" > "$out/env.txt"
`)
	tool := NewTool(work, nil, zerolog.Nop())
	tool.Register("java", &ProcessGenerator{
		Target:  "java",
		Command: []string{script, "--extra"},
		Env:     map[string]string{"GREETING": "hello"},
	})

	out := filepath.Join(work, "java")
	req := request(t, "protocol-codecs.xml", out)
	req.TargetLanguage = "java"
	res, err := tool.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !reflect.DeepEqual(res.Files, []string{"args.txt", "env.txt"}) {
		t.Fatalf("files = %v", res.Files)
	}

	raw, err := os.ReadFile(filepath.Join(out, "args.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(args) != 6 {
		t.Fatalf("args = %q", args)
	}
	if !strings.HasPrefix(args[0], "-Dsbe.output.dir=") ||
		args[1] != "-Dsbe.target.language=java" ||
		args[2] != "-Dsbe.validation.xsd="+req.ValidationPath ||
		args[3] != "-Dsbe.validation.stop.on.error=true" ||
		args[4] != "--extra" ||
		args[5] != req.SchemaPath {
		t.Fatalf("unexpected argv %q", args)
	}
	env, _ := os.ReadFile(filepath.Join(out, "env.txt"))
	if strings.TrimSpace(string(env)) != "hello" {
		t.Fatalf("env = %q", env)
	}
}

func TestProcessGenerator_NonZeroExit(t *testing.T) {
	work := t.TempDir()
	script := writeScript(t, t.TempDir(), "echo 'schema rejected' >&2\nexit 3\n")
	tool := NewTool(work, nil, zerolog.Nop())
	tool.Register("java", &ProcessGenerator{Target: "java", Command: []string{script}})

	out := filepath.Join(work, "java")
	req := request(t, "protocol-codecs.xml", out)
	req.TargetLanguage = "java"
	_, err := tool.Generate(context.Background(), req)
	var gerr *builderr.GeneratorError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GeneratorError, got %v", err)
	}
	if gerr.ExitCode != 3 || gerr.Stderr != "schema rejected" {
		t.Fatalf("unexpected generator error %+v", gerr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output published after failure")
	}
	assertNoStaging(t, work)
}

func TestProcessGenerator_Cancellation(t *testing.T) {
	work := t.TempDir()
	script := writeScript(t, t.TempDir(), "sleep 10\n")
	tool := NewTool(work, nil, zerolog.Nop())
	tool.Register("java", &ProcessGenerator{Target: "java", Command: []string{script}, PassEnv: []string{"PATH"}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out := filepath.Join(work, "java")
	req := request(t, "protocol-codecs.xml", out)
	req.TargetLanguage = "java"
	start := time.Now()
	_, err := tool.Generate(ctx, req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("cancellation did not stop the generator")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("output published after cancellation")
	}
}

func TestNames(t *testing.T) {
	if got := FileName("AddAuctionBidCommandResult"); got != "add_auction_bid_command_result.go" {
		t.Fatalf("FileName = %s", got)
	}
	if got := FileName("HTTPRequest"); got != "http_request.go" {
		t.Fatalf("FileName = %s", got)
	}
	if got := PackageName("io.aeron.samples.cluster.protocol"); got != "protocol" {
		t.Fatalf("PackageName = %s", got)
	}
	if got := PackageName(""); got != "codecs" {
		t.Fatalf("PackageName(empty) = %s", got)
	}
	if got := exported("PRICE_BELOW_CURRENT_WINNING_BID"); got != "PriceBelowCurrentWinningBid" {
		t.Fatalf("exported = %s", got)
	}
	if got := exported("correlationId"); got != "CorrelationId" {
		t.Fatalf("exported = %s", got)
	}
}
