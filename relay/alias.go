package relay

import (
	"context"
	"sync"
	"time"

	"github.com/zsiec/moqd/moqerr"
	"github.com/zsiec/moqd/wire"
)

// aliasWaitTime bounds how long a data stream waits for its alias binding.
// A subgroup stream can outrun the control message that binds its alias,
// so an unknown alias is pending, not wrong, until this window expires.
const aliasWaitTime = time.Second

// aliasBinding maps a track alias to its track identity within one session.
type aliasBinding struct {
	ns    wire.Namespace
	track string
}

// aliasTable holds the session-scoped alias bindings. Allocation is atomic
// with the uniqueness check, and Wait lets data-plane readers block for a
// binding that is still in flight on the control stream.
type aliasTable struct {
	mu       sync.Mutex
	bindings map[uint64]aliasBinding
	byTrack  map[string]uint64 // key: trackKey(ns, track)
	next     uint64
	arrival  chan struct{} // closed and replaced on every new binding
}

func newAliasTable() *aliasTable {
	return &aliasTable{
		bindings: make(map[uint64]aliasBinding),
		byTrack:  make(map[string]uint64),
		next:     1,
		arrival:  make(chan struct{}),
	}
}

// Allocate returns the alias bound to (ns, track), claiming the next free
// one on first use. A track is bound to at most one alias for the lifetime
// of the session, so repeated requests for the same track observe the same
// alias, even across a release.
func (t *aliasTable) Allocate(ns wire.Namespace, track string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trackKey(ns, track)
	if alias, ok := t.byTrack[key]; ok {
		if _, live := t.bindings[alias]; !live {
			t.bindings[alias] = aliasBinding{ns: ns, track: track}
			t.announceLocked()
		}
		return alias
	}
	for {
		alias := t.next
		t.next++
		if _, taken := t.bindings[alias]; taken {
			continue
		}
		t.bindings[alias] = aliasBinding{ns: ns, track: track}
		t.byTrack[key] = alias
		t.announceLocked()
		return alias
	}
}

// Claim binds a peer-chosen alias. Rebinding an alias to a different track
// is a protocol violation; rebinding to the same track is idempotent.
func (t *aliasTable) Claim(alias uint64, ns wire.Namespace, track string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, taken := t.bindings[alias]; taken {
		if b.ns.Equal(ns) && b.track == track {
			return nil
		}
		return moqerr.New(moqerr.KindProtocolViolation, "track alias rebound")
	}
	key := trackKey(ns, track)
	if prior, ok := t.byTrack[key]; ok && prior != alias {
		return moqerr.New(moqerr.KindProtocolViolation, "track bound to a second alias")
	}
	t.bindings[alias] = aliasBinding{ns: ns, track: track}
	t.byTrack[key] = alias
	t.announceLocked()
	return nil
}

// announceLocked wakes every Wait. Caller holds t.mu.
func (t *aliasTable) announceLocked() {
	close(t.arrival)
	t.arrival = make(chan struct{})
}

// Resolve returns the binding for alias without waiting.
func (t *aliasTable) Resolve(alias uint64) (aliasBinding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bindings[alias]
	return b, ok
}

// Wait blocks until alias is bound, the wait window expires, or ctx ends.
// An expired window yields an unknown-track-alias error.
func (t *aliasTable) Wait(ctx context.Context, alias uint64) (aliasBinding, error) {
	deadline := time.NewTimer(aliasWaitTime)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if b, ok := t.bindings[alias]; ok {
			t.mu.Unlock()
			return b, nil
		}
		arrival := t.arrival
		t.mu.Unlock()

		select {
		case <-arrival:
		case <-deadline.C:
			return aliasBinding{}, moqerr.New(moqerr.KindUnknownTrackAlias, "await alias binding")
		case <-ctx.Done():
			return aliasBinding{}, ctx.Err()
		}
	}
}

// Release drops the live binding for alias. The track keeps its alias for
// the rest of the session; a later Allocate for the same track revives it.
func (t *aliasTable) Release(alias uint64) {
	t.mu.Lock()
	delete(t.bindings, alias)
	t.mu.Unlock()
}
