package cmd

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"github.com/jeihyuck/botstate"
)

type statusCmd struct{}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show the snapshot manifest and current positions" }
func (*statusCmd) Usage() string {
	return `botctl status

  Restores the snapshot head and reports its manifest together with the
  position store, lot by lot.
`
}

func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (*statusCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	t, b, err := openTransport()
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}
	m, err := t.Manifest()
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}
	printMarkdown(botstate.ManifestMarkdown(m))
	printMarkdown(botstate.PositionsMarkdown(b.Positions))
	return subcommands.ExitSuccess
}
