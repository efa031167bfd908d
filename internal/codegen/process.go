package codegen

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"buildweaver/internal/builderr"
	"buildweaver/internal/core"
)

// ProcessGenerator runs an external codec generator. The tool receives its
// options as -D properties followed by the schema path:
//
//	command[0] -Dsbe.output.dir=DIR -Dsbe.target.language=LANG
//	    -Dsbe.validation.xsd=XSD -Dsbe.validation.stop.on.error=BOOL
//	    command[1:]... SCHEMA
//
// The child sees only the variables in Env plus those named in PassEnv.
type ProcessGenerator struct {
	Target   string
	Command  []string
	Env      map[string]string
	PassEnv  []string
	Executor *core.Executor
}

func (p *ProcessGenerator) Identity() string {
	var b strings.Builder
	b.WriteString("process/")
	b.WriteString(p.Target)
	for _, arg := range p.Command {
		b.WriteString(" ")
		b.WriteString(strconv.Quote(arg))
	}
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, p.Env[k])
	}
	pass := append([]string(nil), p.PassEnv...)
	sort.Strings(pass)
	for _, k := range pass {
		fmt.Fprintf(&b, " %s=%q", k, os.Getenv(k))
	}
	return b.String()
}

// Args returns the argv for a job.
func (p *ProcessGenerator) Args(job *Job) []string {
	args := []string{
		p.Command[0],
		"-Dsbe.output.dir=" + job.Dir,
		"-Dsbe.target.language=" + job.TargetLanguage,
		"-Dsbe.validation.xsd=" + job.ValidationPath,
		"-Dsbe.validation.stop.on.error=" + strconv.FormatBool(job.StopOnError),
	}
	args = append(args, p.Command[1:]...)
	return append(args, job.SchemaPath)
}

func (p *ProcessGenerator) environment() map[string]string {
	env := make(map[string]string, len(p.Env)+len(p.PassEnv))
	for _, k := range p.PassEnv {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	for k, v := range p.Env {
		env[k] = v
	}
	return env
}

func (p *ProcessGenerator) Generate(ctx context.Context, job *Job) error {
	if len(p.Command) == 0 {
		return &builderr.GeneratorError{Target: p.Target, Err: fmt.Errorf("no generator command configured")}
	}
	exec := p.Executor
	if exec == nil {
		exec = core.NewExecutor("")
	}
	res, err := exec.Execute(ctx, core.Command{Args: p.Args(job), Env: p.environment()})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &builderr.GeneratorError{Target: p.Target, Err: err}
	}
	if res.ExitCode != 0 {
		return &builderr.GeneratorError{
			Target:   p.Target,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}
	}
	return nil
}
