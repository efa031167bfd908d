package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// Command is an external process invocation. When Env declares PATH, Args[0]
// is resolved against it before falling back to the default lookup.
type Command struct {
	Args []string
	Env  map[string]string
	Dir  string
}

// ExecutionResult is the captured outcome of a finished process.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Executor runs external processes in an isolated environment.
//
// Only variables listed in Command.Env are visible to the child. The child
// runs in its own process group, and the whole group is killed when the
// context is cancelled.
type Executor struct {
	// WorkingDir is used when Command.Dir is empty.
	WorkingDir string
}

func NewExecutor(workingDir string) *Executor {
	return &Executor{WorkingDir: workingDir}
}

// Execute runs cmd to completion. A non-zero exit status is reported in the
// result, not as an error; errors mean the process could not be run or was
// cancelled.
func (e *Executor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if len(cmd.Args) == 0 || cmd.Args[0] == "" {
		return nil, errors.New("command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execution cancelled: %w", err)
	}

	name := cmd.Args[0]
	if path, ok := cmd.Env["PATH"]; ok {
		if resolved, err := lookPathIn(name, path); err == nil {
			name = resolved
		}
	}

	c := exec.Command(name, cmd.Args[1:]...)
	c.Dir = cmd.Dir
	if c.Dir == "" {
		c.Dir = e.WorkingDir
	}
	c.Env = buildIsolatedEnv(cmd.Env)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Args[0], err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if c.Process != nil {
			_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", cmd.Args[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &ExecutionResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
	}, nil
}

// buildIsolatedEnv starts from an empty environment and adds only the
// declared variables, in sorted order.
func buildIsolatedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}

// lookPathIn resolves name against a PATH value that is not the host's.
func lookPathIn(name, path string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: not found in PATH", name)
}
