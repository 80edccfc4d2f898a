package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/jeihyuck/botstate"
	"github.com/shopspring/decimal"
)

type recordCmd struct {
	code   string
	sid    string
	side   string
	engine string
	qty    int64
	price  string
}

func (*recordCmd) Name() string     { return "record" }
func (*recordCmd) Synopsis() string { return "record a confirmed fill and update positions" }
func (*recordCmd) Usage() string {
	return `botctl record -code <code> -sid <strategy> -side BUY|SELL -qty <n> -price <p> [-engine <name>]

  Appends a confirmed fill to the ledger, applies it to the position store
  and persists a new snapshot revision.
`
}

func (p *recordCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.code, "code", "", "Instrument code of the fill.")
	f.StringVar(&p.sid, "sid", "", "Owning strategy id, REB_YYYYMMDD bucket or MANUAL.")
	f.StringVar(&p.side, "side", "", "BUY or SELL.")
	f.Int64Var(&p.qty, "qty", 0, "Filled quantity.")
	f.StringVar(&p.price, "price", "", "Fill price in KRW.")
	f.StringVar(&p.engine, "engine", "trader", "Execution engine that produced the fill.")
}

func (p *recordCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sid, err := botstate.ParseAttribution(p.sid)
	if err != nil {
		fail(err)
		return subcommands.ExitUsageError
	}
	side, err := botstate.ParseSide(p.side)
	if err != nil {
		fail(err)
		return subcommands.ExitUsageError
	}
	price, err := decimal.NewFromString(p.price)
	if err != nil {
		fail(fmt.Errorf("invalid price %q: %w", p.price, err))
		return subcommands.ExitUsageError
	}

	t, b, err := openTransport()
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}

	now := botstate.Now()
	entry := botstate.Entry{
		Timestamp:  now,
		Code:       p.code,
		StrategyID: sid.String(),
		Side:       side,
		Qty:        p.qty,
		Price:      price,
		Meta:       map[string]any{botstate.MetaEngine: p.engine},
	}
	if err := b.Ledger.Append(entry); err != nil {
		fail(err)
		return subcommands.ExitFailure
	}

	code := botstate.NormalizeCode(p.code)
	switch side {
	case botstate.Buy:
		if err := b.Positions.ApplyBuyFill(code, sid, p.engine, p.qty, price, now); err != nil {
			fail(err)
			return subcommands.ExitFailure
		}
	case botstate.Sell:
		if rest := b.Positions.ApplySellFIFO(code, sid, p.qty, price, now); rest > 0 {
			fmt.Printf("Warning: %d of %d sold shares had no matching lot.\n", rest, p.qty)
		}
	}

	res, err := t.Persist(b, nil, now)
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}
	fmt.Printf("Recorded %s %d x %s @ %s, snapshot %s\n", side, p.qty, code, price, res.Rev)
	return subcommands.ExitSuccess
}
