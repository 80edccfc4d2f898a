package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/jeihyuck/botstate"
)

type reconcileCmd struct {
	balanceFile string
	targets     string
	lockOwner   string
	lockTTL     time.Duration
	dryRun      bool
}

func (*reconcileCmd) Name() string     { return "reconcile" }
func (*reconcileCmd) Synopsis() string { return "align the position store with a broker balance" }
func (*reconcileCmd) Usage() string {
	return `botctl reconcile -balance <file> [-targets <code,...>] [-dry-run]

  Reads a KIS inquire-balance response from a file, reconciles the position
  store against it with attribution recovery, and persists the result as a
  new snapshot revision. -targets names today's rebalance codes.
`
}

func (p *reconcileCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.balanceFile, "balance", "", "Path to a KIS inquire-balance JSON response.")
	f.StringVar(&p.targets, "targets", "", "Comma separated rebalance target codes.")
	f.StringVar(&p.lockOwner, "lock-owner", "", "Take the advisory run lock under this owner name.")
	f.DurationVar(&p.lockTTL, "lock-ttl", 30*time.Minute, "TTL of the advisory lock.")
	f.BoolVar(&p.dryRun, "dry-run", false, "Report what would change without persisting.")
}

// fileBroker serves a KIS inquire-balance response captured in a file. The
// command line stands in for the REST call here, the reconcile flow is the
// same either way.
func fileBroker(path string) botstate.Broker {
	return botstate.BrokerFunc(func(context.Context) (botstate.Balance, error) {
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", botstate.ErrSourceUnavailable, err)
		}
		return botstate.ImportBalance(payload)
	})
}

func (p *reconcileCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if p.balanceFile == "" {
		fail(fmt.Errorf("-balance is required"))
		return subcommands.ExitUsageError
	}
	bal, err := fileBroker(p.balanceFile).Balance(ctx)
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}

	var targets botstate.RebalanceSet
	if p.targets != "" {
		targets = botstate.NewRebalanceSet(strings.Split(p.targets, ",")...)
	}

	t, b, err := openTransport()
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}
	now := botstate.Now()
	if p.lockOwner != "" && !p.dryRun {
		if err := t.AcquireLock(p.lockOwner, p.lockTTL, now); err != nil {
			fail(err)
			return subcommands.ExitFailure
		}
		defer func() {
			if err := t.ReleaseLock(); err != nil {
				fail(err)
			}
		}()
	}

	report := botstate.Reconcile(b.Positions, bal, targets, b.Ledger, now)
	printMarkdown(botstate.ReconcileMarkdown(report))

	if p.dryRun {
		fmt.Println("Dry run, nothing persisted.")
		return subcommands.ExitSuccess
	}

	outcome := "ok"
	if len(report.Warnings) > 0 {
		outcome = "degraded"
	}
	b.Diagnostic = &botstate.Diagnostic{
		RunID:    t.RunID,
		TS:       now,
		Outcome:  outcome,
		Warnings: report.Warnings,
		Counts: map[string]int{
			"created": len(report.Created),
			"removed": len(report.Removed),
			"updated": len(report.Updated),
		},
	}
	res, err := t.Persist(b, report, now)
	if err != nil {
		fail(err)
		return subcommands.ExitFailure
	}
	if res.NoChange {
		fmt.Println("Store already matched the broker, no revision written.")
	} else {
		fmt.Printf("Snapshot %s\n", res.Rev)
	}
	return subcommands.ExitSuccess
}
