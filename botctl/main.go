package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/jeihyuck/botstate/cmd"
	"github.com/posener/complete/v2"
	"github.com/posener/complete/v2/predict"
)

// completion describes botctl's CLI surface for shell completion. Complete()
// handles the COMP_LINE protocol and exits when invoked by the shell.
var completion = &complete.Command{
	Flags: map[string]complete.Predictor{
		"state-dir": predict.Dirs("*"),
		"work-dir":  predict.Dirs("*"),
	},
	Sub: map[string]*complete.Command{
		"status":  {},
		"tx":      {Flags: map[string]complete.Predictor{"code": predict.Nothing, "tail": predict.Nothing}},
		"intents": {Flags: map[string]complete.Predictor{"ack-all": predict.Nothing}},
		"record": {Flags: map[string]complete.Predictor{
			"code": predict.Nothing, "sid": predict.Nothing, "side": predict.Set{"BUY", "SELL"},
			"qty": predict.Nothing, "price": predict.Nothing, "engine": predict.Nothing,
		}},
		"reconcile": {Flags: map[string]complete.Predictor{
			"balance": predict.Files("*.json"), "targets": predict.Nothing,
			"lock-owner": predict.Nothing, "lock-ttl": predict.Nothing, "dry-run": predict.Nothing,
		}},
		"persist": {},
		"restore": {},
	},
}

func main() {
	completion.Complete(path.Base(os.Args[0]))

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(subcommands.HelpCommand(), "")
	commander.Register(subcommands.FlagsCommand(), "")
	cmd.Register(commander)

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
