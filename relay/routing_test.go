package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/zsiec/moqd/coordinator"
	"github.com/zsiec/moqd/moqerr"
	"github.com/zsiec/moqd/wire"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	return NewTable(coordinator.NewMemory(nil), coordinator.Owner{ID: "test-relay"}, nil)
}

// fakeConsumer records forwarded objects and withdrawals.
type fakeConsumer struct {
	id string

	mu        sync.Mutex
	objects   []*wire.Object
	withdrawn []wire.Namespace
}

func (c *fakeConsumer) ID() string { return c.id }

func (c *fakeConsumer) SendObject(obj *wire.Object) {
	c.mu.Lock()
	c.objects = append(c.objects, obj)
	c.mu.Unlock()
}

func (c *fakeConsumer) Withdrawn(ns wire.Namespace) {
	c.mu.Lock()
	c.withdrawn = append(c.withdrawn, ns)
	c.mu.Unlock()
}

func (c *fakeConsumer) objectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// fakeObserver records announcement notifications.
type fakeObserver struct {
	id string

	mu      sync.Mutex
	added   []wire.Namespace
	removed []wire.Namespace
}

func (o *fakeObserver) ID() string { return o.id }

func (o *fakeObserver) AnnouncementAdded(ns wire.Namespace) {
	o.mu.Lock()
	o.added = append(o.added, ns)
	o.mu.Unlock()
}

func (o *fakeObserver) AnnouncementRemoved(ns wire.Namespace) {
	o.mu.Lock()
	o.removed = append(o.removed, ns)
	o.mu.Unlock()
}

func TestTableAnnounceConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := newTestTable(t)
	ns := wire.Namespace{"live", "cam1"}

	if err := table.Announce(ctx, ns, "sess-1"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	err := table.Announce(ctx, ns, "sess-2")
	if !errors.Is(err, moqerr.ErrNamespaceConflict) {
		t.Fatalf("second announce = %v, want namespace conflict", err)
	}

	// Withdrawal frees the namespace for a new announcer.
	table.Unannounce(ctx, ns)
	if err := table.Announce(ctx, ns, "sess-2"); err != nil {
		t.Fatalf("announce after withdrawal: %v", err)
	}
}

func TestTableAnnounceInvalidNamespace(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)
	err := table.Announce(context.Background(), wire.Namespace{}, "sess-1")
	if !errors.Is(err, moqerr.ErrMalformedEncoding) {
		t.Fatalf("empty namespace announce = %v, want malformed", err)
	}
}

func TestTableResolveLongestPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := newTestTable(t)

	if err := table.Announce(ctx, wire.Namespace{"live"}, "parent"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := table.Announce(ctx, wire.Namespace{"live", "west"}, "child"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	origin, err := table.Resolve(ctx, wire.Namespace{"live", "west", "cam1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !origin.Local || origin.SessionID != "child" {
		t.Fatalf("origin = %+v, want local child", origin)
	}

	origin, err = table.Resolve(ctx, wire.Namespace{"live", "east"})
	if err != nil {
		t.Fatalf("Resolve sibling: %v", err)
	}
	if origin.SessionID != "parent" {
		t.Fatalf("sibling origin = %+v, want parent", origin)
	}

	_, err = table.Resolve(ctx, wire.Namespace{"vod"})
	if !errors.Is(err, moqerr.ErrUnknownTrackAlias) {
		t.Fatalf("unowned resolve = %v, want unknown track alias", err)
	}
}

func TestTableResolveRemoteOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	coord := coordinator.NewMemory(nil)
	table := NewTable(coord, coordinator.Owner{ID: "self"}, nil)

	// Another relay registered the namespace directly with the coordinator.
	remote := coordinator.Owner{ID: "relay-b", URL: "moqt://b.example:4443"}
	if err := coord.Register(ctx, wire.Namespace{"live"}, remote); err != nil {
		t.Fatalf("Register: %v", err)
	}

	origin, err := table.Resolve(ctx, wire.Namespace{"live", "cam1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if origin.Local || origin.Owner.ID != "relay-b" {
		t.Fatalf("origin = %+v, want remote relay-b", origin)
	}
}

func TestTablePrefixObserver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := newTestTable(t)

	existing := wire.Namespace{"live", "cam1"}
	if err := table.Announce(ctx, existing, "sess-1"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	obs := &fakeObserver{id: "obs-1"}
	table.SubscribeNamespace(wire.Namespace{"live"}, obs)

	// Existing announcements are delivered at subscription time.
	if len(obs.added) != 1 || !obs.added[0].Equal(existing) {
		t.Fatalf("added = %v, want [%v]", obs.added, existing)
	}

	// Future announcements under the prefix arrive too; others do not.
	later := wire.Namespace{"live", "cam2"}
	if err := table.Announce(ctx, later, "sess-2"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := table.Announce(ctx, wire.Namespace{"vod", "movie"}, "sess-3"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(obs.added) != 2 || !obs.added[1].Equal(later) {
		t.Fatalf("added = %v, want [%v %v]", obs.added, existing, later)
	}

	// Tuple matching: ["liveX"] is not under ["live"].
	if err := table.Announce(ctx, wire.Namespace{"liveX"}, "sess-4"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(obs.added) != 2 {
		t.Fatalf("string-prefix announcement leaked: %v", obs.added)
	}

	// Withdrawal notifies removal.
	table.Unannounce(ctx, later)
	if len(obs.removed) != 1 || !obs.removed[0].Equal(later) {
		t.Fatalf("removed = %v, want [%v]", obs.removed, later)
	}

	// After unsubscribing nothing more is delivered.
	table.UnsubscribeNamespace(obs.ID())
	table.Unannounce(ctx, existing)
	if len(obs.removed) != 1 {
		t.Fatalf("removed after unsubscribe = %v", obs.removed)
	}
}

func TestTablePublishFanOut(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)
	ns := wire.Namespace{"live", "cam1"}

	a := &fakeConsumer{id: "a"}
	b := &fakeConsumer{id: "b"}
	table.SubscribeTrack(ns, "video", a)
	table.SubscribeTrack(ns, "video", b)
	other := &fakeConsumer{id: "c"}
	table.SubscribeTrack(ns, "audio", other)

	obj := &wire.Object{GroupID: 1, ObjectID: 0, Payload: []byte("frame")}
	table.PublishObject(ns, "video", obj)

	if a.objectCount() != 1 || b.objectCount() != 1 {
		t.Fatalf("fan-out counts = %d, %d, want 1, 1", a.objectCount(), b.objectCount())
	}
	if other.objectCount() != 0 {
		t.Fatal("object leaked to a different track")
	}

	table.UnsubscribeTrack(ns, "video", "b")
	table.PublishObject(ns, "video", &wire.Object{GroupID: 1, ObjectID: 1})
	if a.objectCount() != 2 || b.objectCount() != 1 {
		t.Fatalf("post-unsubscribe counts = %d, %d", a.objectCount(), b.objectCount())
	}
}

func TestTableLargestKnown(t *testing.T) {
	t.Parallel()
	table := newTestTable(t)
	ns := wire.Namespace{"live"}

	if _, _, ok := table.LargestKnown(ns, "video"); ok {
		t.Fatal("largest known before any object")
	}

	table.PublishObject(ns, "video", &wire.Object{GroupID: 2, ObjectID: 5})
	table.PublishObject(ns, "video", &wire.Object{GroupID: 2, ObjectID: 3}) // stale, ignored
	table.PublishObject(ns, "video", &wire.Object{GroupID: 3, ObjectID: 0})

	group, object, ok := table.LargestKnown(ns, "video")
	if !ok || group != 3 || object != 0 {
		t.Fatalf("largest = (%d, %d, %v), want (3, 0, true)", group, object, ok)
	}
}

func TestTableWithdrawalTearsDownSubscriptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := newTestTable(t)

	parent := wire.Namespace{"live"}
	child := wire.Namespace{"live", "cam1"}
	if err := table.Announce(ctx, parent, "pub"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	c := &fakeConsumer{id: "sub"}
	table.SubscribeTrack(child, "video", c)
	unrelated := &fakeConsumer{id: "other"}
	table.SubscribeTrack(wire.Namespace{"vod"}, "video", unrelated)

	table.Unannounce(ctx, parent)

	if len(c.withdrawn) != 1 || !c.withdrawn[0].Equal(parent) {
		t.Fatalf("withdrawn = %v, want [%v]", c.withdrawn, parent)
	}
	if len(unrelated.withdrawn) != 0 {
		t.Fatal("withdrawal reached an uncovered subscription")
	}
	if n := table.SubscriberCount(child, "video"); n != 0 {
		t.Fatalf("subscriber count after withdrawal = %d", n)
	}
}

func TestTableUnannounceSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := newTestTable(t)

	if err := table.Announce(ctx, wire.Namespace{"live", "a"}, "sess-1"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := table.Announce(ctx, wire.Namespace{"live", "b"}, "sess-1"); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if err := table.Announce(ctx, wire.Namespace{"vod"}, "sess-2"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	removed := table.UnannounceSession(ctx, "sess-1")
	if len(removed) != 2 {
		t.Fatalf("removed %d namespaces, want 2", len(removed))
	}

	// sess-2's announcement survives.
	if origin, err := table.Resolve(ctx, wire.Namespace{"vod"}); err != nil || origin.SessionID != "sess-2" {
		t.Fatalf("surviving announcement: %+v, %v", origin, err)
	}
	if _, err := table.Resolve(ctx, wire.Namespace{"live", "a"}); !errors.Is(err, moqerr.ErrUnknownTrackAlias) {
		t.Fatalf("removed namespace still resolves: %v", err)
	}
}

func TestTableUnannounceOwned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	table := newTestTable(t)
	ns := wire.Namespace{"live"}

	if err := table.Announce(ctx, ns, "owner"); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if table.UnannounceOwned(ctx, ns, "intruder") {
		t.Fatal("non-owner withdrew the announcement")
	}
	if !table.UnannounceOwned(ctx, ns, "owner") {
		t.Fatal("owner could not withdraw")
	}
}
