package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/subcommands"
	"github.com/jeihyuck/botstate"
)

type restoreCmd struct{}

func (*restoreCmd) Name() string     { return "restore" }
func (*restoreCmd) Synopsis() string { return "materialize the snapshot head into the working directory" }
func (*restoreCmd) Usage() string {
	return `botctl restore

  Fetches the snapshot head and writes the state files (ledger, intents,
  cursor, positions) into -work-dir, overwriting what is there. The bot
  process then runs against those files.
`
}

func (*restoreCmd) SetFlags(*flag.FlagSet) {}

func (*restoreCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	t, b, err := openTransport()
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}
	if err := os.MkdirAll(*workDir, 0755); err != nil {
		fail(err)
		return subcommands.ExitFailure
	}

	write := func(name string, encode func(*bytes.Buffer) error) error {
		var buf bytes.Buffer
		if err := encode(&buf); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(*workDir, name), buf.Bytes(), 0644)
	}
	err = write(botstate.BlobLedger, func(buf *bytes.Buffer) error { return botstate.EncodeLedger(buf, b.Ledger) })
	if err == nil {
		err = write(botstate.BlobIntents, func(buf *bytes.Buffer) error { return botstate.EncodeIntentLog(buf, b.Intents) })
	}
	if err == nil {
		err = write(botstate.BlobCursor, func(buf *bytes.Buffer) error { return botstate.EncodeCursor(buf, b.Intents.Cursor()) })
	}
	if err == nil {
		err = write(botstate.BlobPositions, func(buf *bytes.Buffer) error { return botstate.EncodePositionStore(buf, b.Positions) })
	}
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
	fmt.Printf("State restored into %s\n", *workDir)
	return subcommands.ExitSuccess
}
