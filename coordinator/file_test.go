package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zsiec/moqd/moqerr"
	"github.com/zsiec/moqd/wire"
)

func newRegistryFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("create registry: %v", err)
	}
	return path
}

func TestFileRequiresExistingFile(t *testing.T) {
	t.Parallel()
	_, err := NewFile(filepath.Join(t.TempDir(), "missing.json"), nil)
	if err == nil {
		t.Fatal("NewFile accepted a missing registry file")
	}
}

func TestFileRegisterLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := newRegistryFile(t)

	f, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	defer f.Close()

	ns := wire.Namespace{"live", "cam1"}
	owner := Owner{ID: "relay-a", URL: "moqt://a.example:4443"}
	if err := f.Register(ctx, ns, owner); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok, err := f.Lookup(ctx, ns)
	if err != nil || !ok {
		t.Fatalf("Lookup = %v, %v, %v", got, ok, err)
	}
	if got != owner {
		t.Fatalf("owner = %+v, want %+v", got, owner)
	}

	// Prefix coverage through the shared file.
	got, ok, _ = f.Lookup(ctx, wire.Namespace{"live", "cam1", "hd"})
	if !ok || got.ID != "relay-a" {
		t.Fatalf("descendant owner = %+v ok=%v", got, ok)
	}
}

func TestFileConflictAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := newRegistryFile(t)

	a, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("NewFile a: %v", err)
	}
	defer a.Close()
	b, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("NewFile b: %v", err)
	}
	defer b.Close()

	ns := wire.Namespace{"live"}
	if err := a.Register(ctx, ns, Owner{ID: "relay-a"}); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	err = b.Register(ctx, ns, Owner{ID: "relay-b"})
	if !errors.Is(err, moqerr.ErrNamespaceConflict) {
		t.Fatalf("cross-instance register = %v, want namespace conflict", err)
	}
}

func TestFileUpdatePreservesOtherEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := newRegistryFile(t)

	f, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	defer f.Close()

	if err := f.Register(ctx, wire.Namespace{"live", "a"}, Owner{ID: "one"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.Register(ctx, wire.Namespace{"live", "b"}, Owner{ID: "two"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := f.Unregister(ctx, wire.Namespace{"live", "a"}); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read registry: %v", err)
	}
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	if _, ok := data.Namespaces["/live/a"]; ok {
		t.Fatal("/live/a still present after unregister")
	}
	if data.Namespaces["/live/b"].ID != "two" {
		t.Fatalf("registry = %+v, want /live/b intact", data.Namespaces)
	}
}

func TestFileCloseWithdrawsOwnRegistrations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := newRegistryFile(t)

	a, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("NewFile a: %v", err)
	}
	if err := a.Register(ctx, wire.Namespace{"live"}, Owner{ID: "relay-a"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh instance sees the namespace released.
	b, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("NewFile b: %v", err)
	}
	defer b.Close()
	if _, ok, _ := b.Lookup(ctx, wire.Namespace{"live"}); ok {
		t.Fatal("namespace survived owner shutdown")
	}
}
