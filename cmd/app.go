// Package cmd implements the CLI application to inspect and drive the bot's
// persistent state.
package cmd

import (
	"flag"

	"github.com/google/subcommands"
	"github.com/jeihyuck/botstate"
)

// Register the subcommands.
// A main package will call Register() to allow subcommands, and Execute() on the user-selected one.
func Register(c *subcommands.Commander) {
	c.Register(&statusCmd{}, "inspect")
	c.Register(&txCmd{}, "inspect")
	c.Register(&intentsCmd{}, "inspect")

	c.Register(&recordCmd{}, "state")
	c.Register(&reconcileCmd{}, "state")

	c.Register(&persistCmd{}, "snapshot")
	c.Register(&restoreCmd{}, "snapshot")
}

// as a CLI application, it has a very short lived lifecycle, so it is ok to use global variables.

var stateDir = flag.String("state-dir", ".botstate", "Path to the snapshot store directory")
var workDir = flag.String("work-dir", "state", "Path to the working directory for materialized state files")

// openTransport opens the snapshot store under -state-dir and restores its
// head into a bundle.
func openTransport() (*botstate.Transport, *botstate.Bundle, error) {
	store, err := botstate.NewDirStore(*stateDir)
	if err != nil {
		return nil, nil, err
	}
	t := botstate.NewTransport(store)
	b, err := t.Restore()
	if err != nil {
		return nil, nil, err
	}
	return t, b, nil
}
