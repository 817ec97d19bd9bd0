// Package transport defines ChronoShare's boundary with the underlying
// Named Data Network substrate. The spec treats the transport itself as
// an external collaborator; this package is the send/express/register
// API every other component programs against.
package transport

import (
	"context"
	"time"
)

// Interest is an outbound request for a named data object.
type Interest struct {
	Name           string
	Nonce          string
	Lifetime       time.Duration
	ForwardingHint string
	MustBeFresh    bool
}

// Data is a named, immutable, signed data object.
type Data struct {
	Name      string
	Content   []byte
	Freshness time.Duration
}

// DataCallback is invoked when a previously expressed interest is
// satisfied.
type DataCallback func(Data)

// TimeoutCallback is invoked when an expressed interest's lifetime
// elapses with no matching data.
type TimeoutCallback func(Interest)

// InterestHandler produces the Data satisfying an incoming Interest, or
// reports that nothing currently satisfies it (ok == false), in which
// case the caller may hold the interest pending future local state
// changes.
type InterestHandler func(forwardingHint string, i Interest) (Data, bool)

// Face is the send/express/register surface ChronoShare's sync core,
// fetcher and content servers are built against (§6). A real
// implementation wraps an NDN client library; tests substitute a fake.
type Face interface {
	// Express sends i and arranges for onData or onTimeout to be
	// invoked exactly once when it is resolved.
	Express(ctx context.Context, i Interest, onData DataCallback, onTimeout TimeoutCallback) error

	// Put publishes d so that a matching pending interest (local or
	// remote) is satisfied.
	Put(d Data) error

	// RegisterPrefix installs handler to answer interests under prefix
	// that no explicit Put has already satisfied. It returns a token
	// used to Unregister.
	RegisterPrefix(prefix string, handler InterestHandler) (RegisteredPrefixID, error)

	// Unregister removes a prefix registration.
	Unregister(id RegisteredPrefixID) error
}

// RegisteredPrefixID identifies an active prefix registration.
type RegisteredPrefixID uint64
