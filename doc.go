// Package botstate is the persistent-state layer of an unattended trading
// bot. It reconciles the broker's authoritative holdings against a locally
// owned, append-only trade ledger, recovers lost strategy attribution, and
// produces a versioned, crash-consistent snapshot of all bot state that
// survives process restarts.
//
// The package is organised around a small event-log/materialized-view
// pattern:
//   - Ledger Management: an immutable, append-order record of every
//     confirmed fill, the source of truth for trade history.
//   - Position Store: the current belief about open lots, one entry per
//     (code, strategy) bucket, a cache that can always be approximately
//     rebuilt from the ledger.
//   - Reconciliation: merging the broker's authoritative balance into the
//     position store, guaranteeing every lot carries an explicit,
//     non-placeholder attribution.
//   - Intent Log: an append-only record of strategy order intents with a
//     single consumer cursor, decoupling signal emission from execution.
//   - Snapshot Transport: persisting all of the above as named blobs in a
//     separate storage namespace, with optimistic-concurrency commits so
//     two overlapping runs can never silently clobber each other.
//
// The trading strategies, the broker API client and the scheduler are
// external collaborators: this package only defines the interfaces it
// consumes from them. This package serves as the foundational logic for the
// `botctl` command-line tool.
package botstate
