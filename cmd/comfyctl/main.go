package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
)

func main() {
	cdr := newCommander(flag.CommandLine)
	flag.Parse()

	os.Exit(int(run(context.Background(), cdr)))
}

func newCommander(topLevel *flag.FlagSet) *subcommands.Commander {
	cdr := subcommands.NewCommander(topLevel, os.Args[0])
	cdr.Register(cdr.HelpCommand(), "")
	cdr.Register(cdr.FlagsCommand(), "")
	cdr.Register(cdr.CommandsCommand(), "")
	cdr.Register(&runCmd{}, "pipeline")
	cdr.Register(&segmentCmd{}, "pipeline")
	cdr.Register(&templatesCmd{}, "pipeline")
	cdr.Register(&relayCmd{}, "relay")
	return cdr
}

// run executes the selected subcommand and releases the signal handler before returning
func run(parent context.Context, cdr *subcommands.Commander) subcommands.ExitStatus {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cdr.Execute(ctx)
}
