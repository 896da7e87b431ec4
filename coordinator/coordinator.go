// Package coordinator provides the cross-relay namespace registry: the
// source of truth for which relay or client currently owns an announced
// namespace. Two backends are provided: an in-process map for a single
// relay, and a shared-file registry for multiple relay processes on one
// host. Ownership is namespace-level only; per-track state stays local to
// the owning relay's routing table.
package coordinator

import (
	"context"

	"github.com/zsiec/moqd/wire"
)

// Owner identifies the relay or client a namespace is registered to.
// Lookup returns Owner by value so callers can retain it across
// asynchronous waits without holding registry state alive.
type Owner struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Coordinator is the pluggable registry. Implementations must be safe for
// concurrent use and must not hold exclusive locks across network waits.
type Coordinator interface {
	// Lookup resolves the current owner of ns. Exact matches win; otherwise
	// the longest registered prefix of ns matches, so a parent registration
	// covers descendant namespaces. The second return is false when no
	// registration matches.
	Lookup(ctx context.Context, ns wire.Namespace) (Owner, bool, error)

	// Register claims ns for owner. Registering a namespace already owned
	// by a different owner fails with a namespace-conflict error; repeating
	// a registration by the same owner is idempotent (re-registration after
	// the owner moved relays is allowed by first unregistering).
	Register(ctx context.Context, ns wire.Namespace, owner Owner) error

	// Unregister releases ns regardless of owner.
	Unregister(ctx context.Context, ns wire.Namespace) error

	// Close releases backend resources and withdraws registrations made
	// through this instance.
	Close() error
}
