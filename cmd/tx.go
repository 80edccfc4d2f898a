package cmd

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/google/subcommands"
	"github.com/jeihyuck/botstate"
)

type txCmd struct {
	code string
	tail int
}

func (*txCmd) Name() string     { return "tx" }
func (*txCmd) Synopsis() string { return "list confirmed fills from the ledger" }
func (*txCmd) Usage() string {
	return `botctl tx [-code <code>] [-tail <n>]

  Lists ledger entries in append order, optionally filtered by instrument
  code or limited to the last N.
`
}

func (p *txCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.code, "code", "", "Only entries for this instrument code.")
	f.IntVar(&p.tail, "tail", 0, "Show only the last N entries.")
}

func (p *txCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	_, b, err := openTransport()
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}

	code := botstate.NormalizeCode(p.code)
	var entries []botstate.Entry
	for e := range b.Ledger.All() {
		if code != "" && e.Code != code {
			continue
		}
		entries = append(entries, e)
	}
	if p.tail > 0 && len(entries) > p.tail {
		entries = entries[len(entries)-p.tail:]
	}

	var sb strings.Builder
	sb.WriteString("# Ledger\n\n")
	if len(entries) == 0 {
		sb.WriteString("No matching entries.\n")
	} else {
		sb.WriteString("| Time | Code | Strategy | Side | Qty | Price |\n")
		sb.WriteString("|------|------|----------|------|----:|------:|\n")
		for _, e := range entries {
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %d | %s |\n",
				e.Timestamp.Format(botstate.TimestampFormat), e.Code, e.StrategyID, e.Side, e.Qty, e.Price)
		}
	}
	printMarkdown(sb.String())
	return subcommands.ExitSuccess
}
