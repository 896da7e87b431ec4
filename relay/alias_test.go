package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/moqd/moqerr"
	"github.com/zsiec/moqd/wire"
)

func TestAliasAllocateStablePerTrack(t *testing.T) {
	t.Parallel()
	at := newAliasTable()
	ns := wire.Namespace{"live"}

	// Every concurrent request for the same track must observe one alias.
	const n = 64
	var mu sync.Mutex
	seen := make(map[uint64]bool, 1)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alias := at.Allocate(ns, "video")
			mu.Lock()
			seen[alias] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 1 {
		t.Fatalf("got %d distinct aliases for one track, want 1: %v", len(seen), seen)
	}
}

func TestAliasAllocateDistinctTracks(t *testing.T) {
	t.Parallel()
	at := newAliasTable()
	ns := wire.Namespace{"live"}

	video := at.Allocate(ns, "video")
	audio := at.Allocate(ns, "audio")
	other := at.Allocate(wire.Namespace{"vod"}, "video")
	if video == audio || video == other || audio == other {
		t.Fatalf("aliases collide: video=%d audio=%d other=%d", video, audio, other)
	}
	if again := at.Allocate(ns, "video"); again != video {
		t.Fatalf("re-allocate = %d, want %d", again, video)
	}
}

func TestAliasClaimRebinding(t *testing.T) {
	t.Parallel()
	at := newAliasTable()
	ns := wire.Namespace{"live"}

	if err := at.Claim(7, ns, "video"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	// Same binding again is idempotent.
	if err := at.Claim(7, ns, "video"); err != nil {
		t.Fatalf("idempotent Claim: %v", err)
	}
	// A different track on the same alias is a violation.
	err := at.Claim(7, ns, "audio")
	if !errors.Is(err, moqerr.ErrProtocolViolation) {
		t.Fatalf("rebind error = %v, want protocol violation", err)
	}
	// So is a second alias for an already-bound track.
	err = at.Claim(8, ns, "video")
	if !errors.Is(err, moqerr.ErrProtocolViolation) {
		t.Fatalf("second alias error = %v, want protocol violation", err)
	}
}

func TestAliasWaitResolvesPendingBinding(t *testing.T) {
	t.Parallel()
	at := newAliasTable()
	ns := wire.Namespace{"live", "cam1"}

	// Bind well inside the wait window, after Wait has started blocking.
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := at.Claim(3, ns, "video"); err != nil {
			t.Errorf("Claim: %v", err)
		}
	}()

	b, err := at.Wait(context.Background(), 3)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !b.ns.Equal(ns) || b.track != "video" {
		t.Fatalf("binding = %+v", b)
	}
}

func TestAliasWaitResolvesNearWindowEdge(t *testing.T) {
	t.Parallel()
	at := newAliasTable()
	ns := wire.Namespace{"live", "cam1"}

	// A binding that lands just inside the window must still be accepted.
	go func() {
		time.Sleep(9 * aliasWaitTime / 10)
		if err := at.Claim(3, ns, "video"); err != nil {
			t.Errorf("Claim: %v", err)
		}
	}()

	b, err := at.Wait(context.Background(), 3)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if b.track != "video" {
		t.Fatalf("binding = %+v, want video", b)
	}
}

func TestAliasWaitWindowExpires(t *testing.T) {
	t.Parallel()
	at := newAliasTable()

	start := time.Now()
	_, err := at.Wait(context.Background(), 99)
	if !errors.Is(err, moqerr.ErrUnknownTrackAlias) {
		t.Fatalf("Wait error = %v, want unknown track alias", err)
	}
	if elapsed := time.Since(start); elapsed < aliasWaitTime {
		t.Fatalf("Wait returned after %v, before the window expired", elapsed)
	}
}

func TestAliasWaitIgnoresOtherBindings(t *testing.T) {
	t.Parallel()
	at := newAliasTable()
	ns := wire.Namespace{"live"}

	// A binding for a different alias must not satisfy the wait.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = at.Claim(1, ns, "other")
		time.Sleep(20 * time.Millisecond)
		_ = at.Claim(2, ns, "video")
	}()

	b, err := at.Wait(context.Background(), 2)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if b.track != "video" {
		t.Fatalf("binding = %+v, want video", b)
	}
}

func TestAliasWaitCanceled(t *testing.T) {
	t.Parallel()
	at := newAliasTable()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := at.Wait(ctx, 5); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait error = %v, want context canceled", err)
	}
}

func TestAliasRelease(t *testing.T) {
	t.Parallel()
	at := newAliasTable()
	alias := at.Allocate(wire.Namespace{"live"}, "video")
	if _, ok := at.Resolve(alias); !ok {
		t.Fatal("allocated alias not resolvable")
	}
	at.Release(alias)
	if _, ok := at.Resolve(alias); ok {
		t.Fatal("released alias still resolvable")
	}
	// A later subscription to the same track revives the same alias rather
	// than binding a second one.
	if again := at.Allocate(wire.Namespace{"live"}, "video"); again != alias {
		t.Fatalf("alias after release = %d, want %d", again, alias)
	}
	if _, ok := at.Resolve(alias); !ok {
		t.Fatal("revived alias not resolvable")
	}
}
