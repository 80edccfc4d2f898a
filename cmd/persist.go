package cmd

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/google/subcommands"
	"github.com/jeihyuck/botstate"
)

type persistCmd struct{}

func (*persistCmd) Name() string     { return "persist" }
func (*persistCmd) Synopsis() string { return "commit the working directory state as a snapshot revision" }
func (*persistCmd) Usage() string {
	return `botctl persist

  Reads the state files from -work-dir and commits them on top of the
  snapshot head. When the files are byte-identical to the head no revision
  is written. Fails when the snapshot advanced since the last restore; run
  restore again and retry.
`
}

func (*persistCmd) SetFlags(*flag.FlagSet) {}

func (*persistCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	t, b, err := openTransport()
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}

	ledger, err := botstate.OpenLedger(filepath.Join(*workDir, botstate.BlobLedger))
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}
	defer ledger.Close()
	intents, err := botstate.OpenIntentLog(
		filepath.Join(*workDir, botstate.BlobIntents),
		filepath.Join(*workDir, botstate.BlobCursor))
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}
	defer intents.Close()

	posPath := filepath.Join(*workDir, botstate.BlobPositions)
	positions, err := botstate.LoadPositionStore(posPath)
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}

	b.Ledger = ledger
	b.Intents = intents
	b.Positions = positions

	res, err := t.Persist(b, nil, botstate.Now())
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}
	if res.NoChange {
		fmt.Println("Working state matches the snapshot head, no revision written.")
	} else {
		fmt.Printf("Snapshot %s\n", res.Rev)
	}
	return subcommands.ExitSuccess
}
