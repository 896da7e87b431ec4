package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/moqd/moqerr"
	"github.com/zsiec/moqd/wire"
)

// Memory is the single-relay backend: an in-process map guarded by one
// mutex, so register is atomic with respect to the existence check.
type Memory struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	ns    wire.Namespace
	owner Owner
}

// NewMemory creates an empty in-memory coordinator. If log is nil,
// slog.Default() is used.
func NewMemory(log *slog.Logger) *Memory {
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		log:     log.With("component", "coordinator", "backend", "memory"),
		entries: make(map[string]memoryEntry),
	}
}

// Lookup resolves ns exactly, falling back to the longest registered prefix.
func (m *Memory) Lookup(_ context.Context, ns wire.Namespace) (Owner, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.entries[ns.Key()]; ok {
		return e.owner, true, nil
	}

	var best memoryEntry
	found := false
	for _, e := range m.entries {
		if ns.HasPrefix(e.ns) && (!found || len(e.ns) > len(best.ns)) {
			best = e
			found = true
		}
	}
	return best.owner, found, nil
}

// Register claims ns for owner, failing on a conflicting claim.
func (m *Memory) Register(_ context.Context, ns wire.Namespace, owner Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ns.Key()
	if existing, ok := m.entries[key]; ok && existing.owner.ID != owner.ID {
		return moqerr.New(moqerr.KindNamespaceConflict, "register "+ns.String())
	}
	m.entries[key] = memoryEntry{ns: ns, owner: owner}
	m.log.Info("namespace registered", "namespace", ns.String(), "owner", owner.ID)
	return nil
}

// Unregister releases ns.
func (m *Memory) Unregister(_ context.Context, ns wire.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, ns.Key())
	m.log.Info("namespace unregistered", "namespace", ns.String())
	return nil
}

// Close discards all registrations.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
	return nil
}
