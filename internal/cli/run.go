package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Run is the CLI entrypoint used by main and by black-box tests. It takes
// the arguments without argv[0]; relative --workdir values resolve against
// the process working directory.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	wd, err := os.Getwd()
	if err != nil {
		return CLIResult{ExitCode: ExitInternalError}, err
	}
	inv, err := ParseInvocation(args, wd)
	if errors.Is(err, errHelp) {
		_, err = io.WriteString(stdout, Usage())
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprint(stderr, Usage())
		return CLIResult{ExitCode: ExitCode(err)}, err
	}
	return Execute(ctx, inv, stdout, stderr)
}
