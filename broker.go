package botstate

import "context"

// Broker is the minimal account view this package needs from a brokerage.
// The one production implementation sits on the KIS REST API; tests provide
// a canned balance.
//
// A Broker failure is a hard stop for a reconcile cycle. Implementations
// must return an error wrapping ErrSourceUnavailable rather than an empty
// balance when the account cannot be read, because an empty balance means
// "sell everything is already done", not "try again later".
type Broker interface {
	// Balance returns the account's current holdings.
	Balance(ctx context.Context) (Balance, error)
}

// BrokerFunc adapts a function to the Broker interface.
type BrokerFunc func(ctx context.Context) (Balance, error)

// Balance implements the Broker interface.
func (f BrokerFunc) Balance(ctx context.Context) (Balance, error) { return f(ctx) }
