package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/moqd/coordinator"
	"github.com/zsiec/moqd/moqerr"
	"github.com/zsiec/moqd/wire"
)

// ObjectConsumer receives forwarded objects for one track subscription.
// Implementations apply the negotiated filter and must not block: the
// table calls SendObject from the publisher's delivery path. Forwarding
// to a consumer that is concurrently closing is a best-effort no-op.
type ObjectConsumer interface {
	ID() string
	SendObject(obj *wire.Object)

	// Withdrawn tells the consumer the announcement covering its track went
	// away; delivery stops and no further calls are made on it.
	Withdrawn(ns wire.Namespace)
}

// AnnouncementObserver is notified of announcements matching a subscribed
// namespace prefix, both those existing at subscription time and those
// arriving later.
type AnnouncementObserver interface {
	ID() string
	AnnouncementAdded(ns wire.Namespace)
	AnnouncementRemoved(ns wire.Namespace)
}

// Origin describes where a namespace's announcer lives.
type Origin struct {
	Local     bool
	SessionID string            // announcing session, when Local
	Owner     coordinator.Owner // owning relay/client, when remote
}

// Table is the relay-local routing state: namespace to announcing session,
// track to subscriber set, and namespace-prefix to observer set. All
// mutations happen under one lock so no reader observes a half-updated
// table, and the announcement existence check is atomic with the claim.
type Table struct {
	log   *slog.Logger
	coord coordinator.Coordinator
	self  coordinator.Owner

	mu          sync.RWMutex
	announced   map[string]announcement    // key: Namespace.Key()
	subscribers map[string]*trackEntry     // key: trackKey(ns, name)
	observers   map[string]*prefixObserver // observer id → prefix interest
	largest     map[string]objectPosition  // key: trackKey(ns, name)
}

type objectPosition struct {
	group, object uint64
}

type announcement struct {
	ns        wire.Namespace
	sessionID string
}

type trackEntry struct {
	ns        wire.Namespace
	name      string
	consumers map[string]ObjectConsumer
}

type prefixObserver struct {
	prefix   wire.Namespace
	observer AnnouncementObserver
}

// NewTable creates a routing table backed by the given coordinator. self
// identifies this relay in cross-relay registrations.
func NewTable(coord coordinator.Coordinator, self coordinator.Owner, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		log:         log.With("component", "routing"),
		coord:       coord,
		self:        self,
		announced:   make(map[string]announcement),
		subscribers: make(map[string]*trackEntry),
		observers:   make(map[string]*prefixObserver),
		largest:     make(map[string]objectPosition),
	}
}

// Announce registers ns as announced by sessionID. Exactly one active
// announcement may exist per namespace: a second Announce fails with a
// namespace conflict until the first is withdrawn. The coordinator claim
// happens before local insertion so two relays cannot both claim ns.
func (t *Table) Announce(ctx context.Context, ns wire.Namespace, sessionID string) error {
	if err := ns.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	key := ns.Key()
	if _, ok := t.announced[key]; ok {
		t.mu.Unlock()
		return moqerr.New(moqerr.KindNamespaceConflict, "announce "+ns.String())
	}
	// Reserve locally before the coordinator call so a concurrent Announce
	// for the same namespace fails fast instead of racing the registry.
	t.announced[key] = announcement{ns: ns, sessionID: sessionID}
	t.mu.Unlock()

	if err := t.coord.Register(ctx, ns, t.self); err != nil {
		t.mu.Lock()
		delete(t.announced, key)
		t.mu.Unlock()
		return err
	}

	t.notifyAnnouncement(ns, true)
	announcesActive.Inc()
	t.log.Info("namespace announced", "namespace", ns.String(), "session", sessionID)
	return nil
}

// Unannounce withdraws ns, releases the coordinator claim, notifies prefix
// observers, and tears down every subscription rooted at or under ns.
func (t *Table) Unannounce(ctx context.Context, ns wire.Namespace) {
	t.mu.Lock()
	key := ns.Key()
	_, existed := t.announced[key]
	delete(t.announced, key)
	orphans := t.removeCoveredLocked(ns)
	t.mu.Unlock()

	if !existed {
		return
	}
	if err := t.coord.Unregister(ctx, ns); err != nil {
		t.log.Warn("coordinator unregister failed", "namespace", ns.String(), "error", err)
	}
	t.notifyAnnouncement(ns, false)
	t.withdraw(ns, orphans)
	announcesActive.Dec()
	t.log.Info("namespace unannounced", "namespace", ns.String())
}

// UnannounceOwned withdraws ns only when sessionID is its announcer,
// reporting whether the withdrawal happened. A session may not withdraw
// another session's announcement.
func (t *Table) UnannounceOwned(ctx context.Context, ns wire.Namespace, sessionID string) bool {
	t.mu.RLock()
	a, ok := t.announced[ns.Key()]
	t.mu.RUnlock()
	if !ok || a.sessionID != sessionID {
		return false
	}
	t.Unannounce(ctx, ns)
	return true
}

// removeCoveredLocked strips subscriptions whose namespace sits at or under
// ns and returns the consumers to notify. Caller holds t.mu.
func (t *Table) removeCoveredLocked(ns wire.Namespace) []ObjectConsumer {
	var orphans []ObjectConsumer
	for key, e := range t.subscribers {
		if e.ns.HasPrefix(ns) {
			for _, c := range e.consumers {
				orphans = append(orphans, c)
			}
			delete(t.subscribers, key)
			delete(t.largest, key)
		}
	}
	return orphans
}

func (t *Table) withdraw(ns wire.Namespace, orphans []ObjectConsumer) {
	for _, c := range orphans {
		c.Withdrawn(ns)
	}
}

// UnannounceSession withdraws every announcement held by sessionID,
// returning the namespaces removed. Used on session close.
func (t *Table) UnannounceSession(ctx context.Context, sessionID string) []wire.Namespace {
	t.mu.Lock()
	var removed []wire.Namespace
	var orphans [][]ObjectConsumer
	for key, a := range t.announced {
		if a.sessionID == sessionID {
			removed = append(removed, a.ns)
			orphans = append(orphans, t.removeCoveredLocked(a.ns))
			delete(t.announced, key)
		}
	}
	t.mu.Unlock()

	for i, ns := range removed {
		if err := t.coord.Unregister(ctx, ns); err != nil {
			t.log.Warn("coordinator unregister failed", "namespace", ns.String(), "error", err)
		}
		t.notifyAnnouncement(ns, false)
		t.withdraw(ns, orphans[i])
		announcesActive.Dec()
	}
	return removed
}

// Resolve locates the announcer responsible for ns: the local session
// announcing ns or a covering prefix, else the coordinator's cross-relay
// answer. Returns an unknown-track-alias kind error when nobody owns ns.
func (t *Table) Resolve(ctx context.Context, ns wire.Namespace) (Origin, error) {
	t.mu.RLock()
	var (
		best    announcement
		bestLen = -1
	)
	for _, a := range t.announced {
		if ns.HasPrefix(a.ns) && len(a.ns) > bestLen {
			best = a
			bestLen = len(a.ns)
		}
	}
	t.mu.RUnlock()

	if bestLen >= 0 {
		return Origin{Local: true, SessionID: best.sessionID}, nil
	}

	owner, found, err := t.coord.Lookup(ctx, ns)
	if err != nil {
		return Origin{}, err
	}
	if !found {
		return Origin{}, moqerr.New(moqerr.KindUnknownTrackAlias, "resolve "+ns.String())
	}
	return Origin{Owner: owner}, nil
}

// SubscribeNamespace registers observer for announcements under prefix and
// synchronously delivers every currently matching announcement, so the
// subscriber needs no further message to learn of existing namespaces.
func (t *Table) SubscribeNamespace(prefix wire.Namespace, observer AnnouncementObserver) {
	t.mu.Lock()
	t.observers[observer.ID()] = &prefixObserver{prefix: prefix, observer: observer}
	var existing []wire.Namespace
	for _, a := range t.announced {
		if a.ns.HasPrefix(prefix) {
			existing = append(existing, a.ns)
		}
	}
	t.mu.Unlock()

	for _, ns := range existing {
		observer.AnnouncementAdded(ns)
	}
}

// UnsubscribeNamespace removes the observer registration.
func (t *Table) UnsubscribeNamespace(observerID string) {
	t.mu.Lock()
	delete(t.observers, observerID)
	t.mu.Unlock()
}

func (t *Table) notifyAnnouncement(ns wire.Namespace, added bool) {
	t.mu.RLock()
	var targets []AnnouncementObserver
	for _, po := range t.observers {
		if ns.HasPrefix(po.prefix) {
			targets = append(targets, po.observer)
		}
	}
	t.mu.RUnlock()

	for _, obs := range targets {
		if added {
			obs.AnnouncementAdded(ns)
		} else {
			obs.AnnouncementRemoved(ns)
		}
	}
}

// SubscribeTrack adds consumer to the subscriber set of (ns, track).
func (t *Table) SubscribeTrack(ns wire.Namespace, track string, consumer ObjectConsumer) {
	key := trackKey(ns, track)

	t.mu.Lock()
	e := t.subscribers[key]
	if e == nil {
		e = &trackEntry{ns: ns, name: track, consumers: make(map[string]ObjectConsumer)}
		t.subscribers[key] = e
	}
	e.consumers[consumer.ID()] = consumer
	t.mu.Unlock()

	subscribesTotal.Inc()
	t.log.Debug("track subscribed", "namespace", ns.String(), "track", track, "consumer", consumer.ID())
}

// UnsubscribeTrack removes a consumer from (ns, track). Removal during a
// concurrent broadcast is safe: the broadcast works on a snapshot and the
// removed consumer's SendObject is a no-op once closed.
func (t *Table) UnsubscribeTrack(ns wire.Namespace, track string, consumerID string) {
	key := trackKey(ns, track)

	t.mu.Lock()
	if e := t.subscribers[key]; e != nil {
		delete(e.consumers, consumerID)
		if len(e.consumers) == 0 {
			delete(t.subscribers, key)
		}
	}
	t.mu.Unlock()
}

// PublishObject fans obj out to every subscriber of (ns, track). The
// subscriber set is snapshotted under the read lock; delivery happens
// outside it so a slow consumer cannot hold up table mutations.
func (t *Table) PublishObject(ns wire.Namespace, track string, obj *wire.Object) {
	key := trackKey(ns, track)

	t.mu.Lock()
	if p, ok := t.largest[key]; !ok || obj.GroupID > p.group ||
		(obj.GroupID == p.group && obj.ObjectID > p.object) {
		t.largest[key] = objectPosition{group: obj.GroupID, object: obj.ObjectID}
	}
	var targets []ObjectConsumer
	if e := t.subscribers[key]; e != nil {
		targets = make([]ObjectConsumer, 0, len(e.consumers))
		for _, c := range e.consumers {
			targets = append(targets, c)
		}
	}
	t.mu.Unlock()

	for _, c := range targets {
		c.SendObject(obj)
	}
	objectsForwarded.Add(float64(len(targets)))
}

// LargestKnown returns the highest (group, object) position seen for a
// track, if any object has passed through.
func (t *Table) LargestKnown(ns wire.Namespace, track string) (group, object uint64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.largest[trackKey(ns, track)]
	return p.group, p.object, ok
}

// SubscriberCount returns the current subscriber count for (ns, track).
func (t *Table) SubscriberCount(ns wire.Namespace, track string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e := t.subscribers[trackKey(ns, track)]; e != nil {
		return len(e.consumers)
	}
	return 0
}

func trackKey(ns wire.Namespace, track string) string {
	return ns.Key() + "\x00" + track
}
