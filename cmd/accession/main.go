package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"accession/internal/core"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := core.ParseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	filetree, err := core.BuildFiletree(opts.Paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building filetree: %v\n", err)
		return 1
	}

	plan, err := core.BuildPlan(filetree)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := core.Donate(ctx, core.NewClient(opts.Server, nil), plan, opts, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if report != nil && report.Token != "" {
			fmt.Fprintf(os.Stderr, "Your session is %s; uploaded files are kept until it expires.\n", report.Token)
		}
		return 1
	}
	if !report.Complete() {
		return 1
	}
	return 0
}
