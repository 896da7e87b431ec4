package wire

import (
	"strings"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqd/moqerr"
)

// MaxNamespaceFields bounds the number of tuple components a namespace may
// carry, matching the protocol's 32-field limit.
const MaxNamespaceFields = 32

// Namespace is an ordered, non-empty sequence of opaque byte strings
// identifying a publishing scope. The prefix relation is the relay's
// routing key: a subscriber to a parent namespace observes announcements
// of every descendant.
type Namespace []string

// ParseNamespacePath builds a namespace from a slash-separated path,
// skipping empty components. "live/cam1" and "/live/cam1" are equivalent.
func ParseNamespacePath(path string) Namespace {
	var ns Namespace
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			ns = append(ns, part)
		}
	}
	return ns
}

// String renders the namespace as a slash-prefixed path for diagnostics.
// Components containing slashes make this lossy; use Key for map keys.
func (ns Namespace) String() string {
	var sb strings.Builder
	for _, f := range ns {
		sb.WriteByte('/')
		sb.WriteString(f)
	}
	return sb.String()
}

// Key returns a collision-free map key: each component length-prefixed in
// the wire encoding. Unlike String, components containing '/' cannot alias
// another namespace.
func (ns Namespace) Key() string {
	var buf []byte
	for _, f := range ns {
		buf = appendVarintBytes(buf, []byte(f))
	}
	return string(buf)
}

// Equal reports component-wise equality.
func (ns Namespace) Equal(other Namespace) bool {
	if len(ns) != len(other) {
		return false
	}
	for i := range ns {
		if ns[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix matches ns component by component.
// ["a"] is a prefix of ["a","b"] and of ["a"], but not of ["ab"].
func (ns Namespace) HasPrefix(prefix Namespace) bool {
	if len(prefix) > len(ns) {
		return false
	}
	for i := range prefix {
		if ns[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Validate checks the tuple bounds required of announced namespaces.
func (ns Namespace) Validate() error {
	if len(ns) == 0 {
		return moqerr.New(moqerr.KindMalformedEncoding, "empty namespace")
	}
	if len(ns) > MaxNamespaceFields {
		return moqerr.New(moqerr.KindMalformedEncoding, "namespace field count")
	}
	return nil
}

// parseNamespace reads a namespace tuple: [count][len bytes]...
func parseNamespace(r *Reader) (Namespace, error) {
	count, err := r.Varint()
	if err != nil {
		return nil, err
	}
	if count > MaxNamespaceFields {
		return nil, moqerr.New(moqerr.KindMalformedEncoding, "namespace field count")
	}
	ns := make(Namespace, count)
	for i := uint64(0); i < count; i++ {
		b, err := r.VarintBytes()
		if err != nil {
			return nil, err
		}
		ns[i] = string(b)
	}
	return ns, nil
}

// AppendNamespace appends the namespace tuple encoding to buf.
func AppendNamespace(buf []byte, ns Namespace) []byte {
	buf = quicvarint.Append(buf, uint64(len(ns)))
	for _, f := range ns {
		buf = appendVarintBytes(buf, []byte(f))
	}
	return buf
}
