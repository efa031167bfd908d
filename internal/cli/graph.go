package cli

import (
	"fmt"
	"io"
	"strings"

	"buildweaver/internal/build"
	"buildweaver/internal/module"
)

// graph prints the resolved module graph, leaves first:
//
//	module admin
//	  compile modules: cluster-protocol
//	  compile libraries: org.agrona:agrona:1.21.1
//	  runtime modules: cluster-protocol
//	  runtime libraries: org.agrona:agrona:1.21.1
//
// With --tasks it prints the task graph instead.
func graph(inv Invocation, w io.Writer) error {
	project, err := build.Load(inv.WorkDir, inv.Properties)
	if err != nil {
		return err
	}
	if inv.Tasks {
		plan, err := project.Plan(build.PlanOptions{})
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, plan.String())
		return err
	}

	res := project.Resolution
	var b strings.Builder
	for _, name := range res.Order() {
		compile, err := res.Compile(name)
		if err != nil {
			return err
		}
		runtime, err := res.Runtime(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "module %s\n", name)
		writeSet(&b, "compile", compile)
		writeSet(&b, "runtime", runtime)
	}
	for _, name := range res.Disabled() {
		fmt.Fprintf(&b, "disabled %s\n", name)
	}
	for _, c := range res.Conflicts {
		fmt.Fprintf(&b, "conflict %s: %s -> %s\n", c.Library, strings.Join(c.Versions, ", "), c.Selected)
	}
	_, err = io.WriteString(w, b.String())
	return err
}

func writeSet(b *strings.Builder, kind string, s module.Set) {
	if len(s.Modules) > 0 {
		fmt.Fprintf(b, "  %s modules: %s\n", kind, strings.Join(s.Modules, ", "))
	}
	if len(s.Libraries) > 0 {
		libs := make([]string, len(s.Libraries))
		for i, c := range s.Libraries {
			libs[i] = c.String()
		}
		fmt.Fprintf(b, "  %s libraries: %s\n", kind, strings.Join(libs, ", "))
	}
}
