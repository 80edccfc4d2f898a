package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/jeihyuck/botstate"
)

type intentsCmd struct {
	ackAll bool
}

func (*intentsCmd) Name() string     { return "intents" }
func (*intentsCmd) Synopsis() string { return "list planned trades and the consumption cursor" }
func (*intentsCmd) Usage() string {
	return `botctl intents [-ack-all]

  Lists the intent log with pending intents marked. With -ack-all the
  cursor is advanced past every pending intent and the snapshot persisted,
  useful after manually resolving a crashed run.
`
}

func (p *intentsCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&p.ackAll, "ack-all", false, "Advance the cursor past all pending intents.")
}

func (p *intentsCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	t, b, err := openTransport()
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}

	if p.ackAll {
		var last botstate.Cursor
		n := 0
		for _, c := range botstate.DedupeIntents(b.Intents.Pending()) {
			last, n = c, n+1
		}
		if n == 0 {
			fmt.Println("Nothing pending.")
			return subcommands.ExitSuccess
		}
		if err := b.Intents.Advance(last); err != nil {
			fail(err)
			return subcommands.ExitFailure
		}
		res, err := t.Persist(b, nil, botstate.Now())
		if err != nil {
			fail(err)
			return subcommands.ExitFailure
		}
		fmt.Printf("Acknowledged %d intents, snapshot %s\n", n, res.Rev)
		return subcommands.ExitSuccess
	}

	printMarkdown(botstate.IntentsMarkdown(b.Intents))
	return subcommands.ExitSuccess
}
