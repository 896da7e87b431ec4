package wire

import (
	"errors"
	"testing"

	"github.com/zsiec/moqd/moqerr"
)

func TestNamespaceHasPrefix(t *testing.T) {
	t.Parallel()
	cases := []struct {
		ns, prefix Namespace
		want       bool
	}{
		{Namespace{"a", "b"}, Namespace{"a"}, true},
		{Namespace{"a"}, Namespace{"a"}, true},
		{Namespace{"ab"}, Namespace{"a"}, false},
		{Namespace{"a"}, Namespace{"a", "b"}, false},
		{Namespace{"live", "cam1"}, Namespace{"live"}, true},
		{Namespace{"live", "cam1"}, Namespace{"liv"}, false},
	}
	for _, tc := range cases {
		if got := tc.ns.HasPrefix(tc.prefix); got != tc.want {
			t.Errorf("%v.HasPrefix(%v) = %v, want %v", tc.ns, tc.prefix, got, tc.want)
		}
	}
}

func TestNamespaceKeyNoCollision(t *testing.T) {
	t.Parallel()
	// String() renders both of these as "/a/b"; Key must keep them apart.
	a := Namespace{"a", "b"}
	b := Namespace{"a/b"}
	if a.Key() == b.Key() {
		t.Fatalf("Key collision: %q vs %q", a, b)
	}
}

func TestNamespaceRoundTrip(t *testing.T) {
	t.Parallel()
	ns := Namespace{"live", "west", "cam1"}
	buf := AppendNamespace(nil, ns)
	got, err := parseNamespace(NewReader(buf))
	if err != nil {
		t.Fatalf("parseNamespace: %v", err)
	}
	if !got.Equal(ns) {
		t.Fatalf("round trip = %v, want %v", got, ns)
	}
}

func TestNamespaceFieldCountLimit(t *testing.T) {
	t.Parallel()
	ns := make(Namespace, MaxNamespaceFields+1)
	for i := range ns {
		ns[i] = "x"
	}
	if err := ns.Validate(); !errors.Is(err, moqerr.ErrMalformedEncoding) {
		t.Fatalf("Validate over limit = %v, want malformed", err)
	}
	buf := AppendNamespace(nil, ns)
	if _, err := parseNamespace(NewReader(buf)); !errors.Is(err, moqerr.ErrMalformedEncoding) {
		t.Fatalf("parse over limit = %v, want malformed", err)
	}
}

func TestParseNamespacePath(t *testing.T) {
	t.Parallel()
	if got := ParseNamespacePath("/live/cam1"); !got.Equal(Namespace{"live", "cam1"}) {
		t.Fatalf("ParseNamespacePath = %v", got)
	}
	if got := ParseNamespacePath("live/cam1"); !got.Equal(Namespace{"live", "cam1"}) {
		t.Fatalf("ParseNamespacePath without leading slash = %v", got)
	}
}
