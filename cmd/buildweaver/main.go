package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"buildweaver/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result, err := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil && result.ExitCode != cli.ExitInvalidInvocation {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(result.ExitCode)
}
