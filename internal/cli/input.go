package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"buildweaver/internal/watch"
)

const (
	ExitSuccess           = 0
	ExitGraphFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Command names.
const (
	CommandBuild    = "build"
	CommandGenerate = "generate"
	CommandGraph    = "graph"
	CommandWatch    = "watch"
	CommandClean    = "clean"
	CommandHelp     = "help"
)

var commands = []string{CommandBuild, CommandGenerate, CommandGraph, CommandWatch, CommandClean}

// Invocation is the canonical description of one command line.
//
// WorkDir is absolute; relative paths given on the command line are
// resolved against it, never against the process working directory.
type Invocation struct {
	Command string
	WorkDir string

	Properties map[string]string
	Modules    []string

	Jobs      int
	KeepGoing bool
	NoCache   bool

	TracePath   string
	MetricsPath string

	LogLevel string
	LogJSON  bool

	// graph
	Tasks bool
	// clean
	All bool
	// watch
	Debounce time.Duration
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// errHelp asks for the usage text.
var errHelp = errors.New("help requested")

// ParseInvocation parses "COMMAND [flags]". dir is the directory relative
// --workdir values resolve against; it must be absolute.
func ParseInvocation(args []string, dir string) (Invocation, error) {
	if !filepath.IsAbs(dir) {
		return Invocation{}, invalidInvocationf("base directory must be absolute (got %q)", dir)
	}
	if len(args) == 0 {
		return Invocation{}, invalidInvocationf("missing command (one of %s)", strings.Join(commands, ", "))
	}
	inv := Invocation{Command: args[0]}
	switch inv.Command {
	case CommandHelp, "-h", "--help":
		return Invocation{Command: CommandHelp}, errHelp
	case CommandBuild, CommandGenerate, CommandGraph, CommandWatch, CommandClean:
	default:
		return Invocation{}, invalidInvocationf("unknown command %q (one of %s)", inv.Command, strings.Join(commands, ", "))
	}

	fs := newFlagSet(inv.Command)
	var workDir string
	var props []string
	fs.StringVarP(&workDir, "workdir", "C", "", "Project directory (default: current directory).")
	fs.StringVar(&inv.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error.")
	fs.BoolVar(&inv.LogJSON, "log-json", false, "Log JSON lines even on a terminal.")

	switch inv.Command {
	case CommandBuild, CommandGenerate, CommandWatch:
		fs.StringArrayVarP(&props, "property", "P", nil, "Project property KEY=VALUE (repeatable).")
		fs.StringSliceVarP(&inv.Modules, "module", "m", nil, "Restrict the run to these modules and what they need.")
		fs.IntVarP(&inv.Jobs, "jobs", "j", 0, "Nodes to run in parallel (default: number of CPUs).")
		fs.BoolVarP(&inv.KeepGoing, "keep-going", "k", false, "Keep running independent nodes after a failure.")
		fs.BoolVar(&inv.NoCache, "no-cache", false, "Do not read or write the node cache.")
		fs.StringVar(&inv.TracePath, "trace", "", "Write the canonical execution trace to this file.")
		fs.StringVar(&inv.MetricsPath, "metrics", "", "Write run metrics in Prometheus text format to this file.")
		if inv.Command == CommandWatch {
			fs.DurationVar(&inv.Debounce, "debounce", watch.DefaultDebounce, "Quiet period before regenerating.")
		}
	case CommandGraph:
		fs.StringArrayVarP(&props, "property", "P", nil, "Project property KEY=VALUE (repeatable).")
		fs.BoolVar(&inv.Tasks, "tasks", false, "Print the task graph instead of the module graph.")
	case CommandClean:
		fs.BoolVar(&inv.All, "all", false, "Also remove run records.")
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Invocation{Command: CommandHelp}, errHelp
		}
		return Invocation{}, invalidInvocationf("%s: %v", inv.Command, err)
	}
	if fs.NArg() != 0 {
		return Invocation{}, invalidInvocationf("%s: unexpected positional arguments: %q", inv.Command, strings.Join(fs.Args(), " "))
	}
	if inv.Jobs < 0 {
		return Invocation{}, invalidInvocationf("--jobs must not be negative")
	}

	inv.WorkDir = dir
	if workDir != "" {
		inv.WorkDir = resolveUnder(dir, workDir)
	}

	var err error
	if inv.Properties, err = parseProperties(props); err != nil {
		return Invocation{}, err
	}
	if inv.TracePath != "" {
		inv.TracePath = resolveUnder(inv.WorkDir, inv.TracePath)
	}
	if inv.MetricsPath != "" {
		inv.MetricsPath = resolveUnder(inv.WorkDir, inv.MetricsPath)
	}
	sort.Strings(inv.Modules)
	return inv, nil
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = true
	return fs
}

func parseProperties(raw []string) (map[string]string, error) {
	props := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, invalidInvocationf("property %q is not KEY=VALUE", kv)
		}
		props[k] = v
	}
	return props, nil
}

func resolveUnder(dir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(dir, clean)
}

// Usage is the top-level help text.
func Usage() string {
	var b strings.Builder
	b.WriteString("Usage: buildweaver COMMAND [flags]\n\nCommands:\n")
	b.WriteString("  build     generate codecs, assemble modules and package bundles\n")
	b.WriteString("  generate  generate codecs only\n")
	b.WriteString("  graph     print the resolved module graph\n")
	b.WriteString("  watch     regenerate codecs when a schema changes\n")
	b.WriteString("  clean     remove build outputs and the cache\n")
	b.WriteString("\nExit codes: 0 success, 1 node failure, 2 invalid invocation,\n")
	b.WriteString("3 configuration or schema error, 4 internal error.\n")
	return b.String()
}
