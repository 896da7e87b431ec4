package wire

import (
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqd/moqerr"
)

// MaxKVPBytes caps the total encoded size of a KVP block per message or
// object, defending against a crafted unbounded header count.
const MaxKVPBytes = 8 << 10

// Known extension header types.
const (
	// KVPCaptureTimestamp carries the capture time in microseconds
	// (even type: mutable varint value).
	KVPCaptureTimestamp uint64 = 2

	// KVPImmutable carries opaque bytes that must survive relay
	// forwarding unchanged (odd type: immutable byte string).
	KVPImmutable uint64 = 11
)

// KVP is a key-value extension header attached to an object or message.
// Even types carry a varint value and are mutable in transit; odd types
// carry a byte string and are immutable: a relay must forward them
// byte-identical across retransmissions and duplicates of the same object.
type KVP struct {
	Type     uint64
	VarValue uint64 // set when Type is even
	Bytes    []byte // set when Type is odd
}

// Immutable reports whether the header must be forwarded unchanged.
func (k KVP) Immutable() bool { return k.Type%2 == 1 }

// AppendKVPBlock appends [total byte length][KVP sequence] to buf.
func AppendKVPBlock(buf []byte, kvps []KVP) []byte {
	var block []byte
	for _, k := range kvps {
		block = quicvarint.Append(block, k.Type)
		if k.Type%2 == 0 {
			block = quicvarint.Append(block, k.VarValue)
		} else {
			block = appendVarintBytes(block, k.Bytes)
		}
	}
	buf = quicvarint.Append(buf, uint64(len(block)))
	return append(buf, block...)
}

// ParseKVPBlock reads a length-prefixed KVP sequence. The declared block
// length is capped at MaxKVPBytes and bounds every read inside the block.
func ParseKVPBlock(r *Reader) ([]KVP, error) {
	length, err := r.Varint()
	if err != nil {
		return nil, err
	}
	if length > MaxKVPBytes {
		return nil, moqerr.New(moqerr.KindMalformedEncoding, "kvp block length")
	}
	block, err := r.Bytes(int(length))
	if err != nil {
		return nil, err
	}

	br := NewReader(block)
	var kvps []KVP
	for !br.Done() {
		typ, err := br.Varint()
		if err != nil {
			return nil, kvpTruncated(err)
		}
		kvp := KVP{Type: typ}
		if typ%2 == 0 {
			kvp.VarValue, err = br.Varint()
		} else {
			var b []byte
			b, err = br.VarintBytes()
			kvp.Bytes = append([]byte(nil), b...)
		}
		if err != nil {
			return nil, kvpTruncated(err)
		}
		kvps = append(kvps, kvp)
	}
	return kvps, nil
}

// kvpTruncated converts truncation inside a complete, length-delimited
// block into a malformed-encoding error: more bytes can never arrive for
// a block whose length was already declared.
func kvpTruncated(err error) error {
	if moqerr.KindOf(err) == moqerr.KindNeedMoreData {
		return moqerr.Wrap(moqerr.KindMalformedEncoding, "kvp block", err)
	}
	return err
}

// FindKVP returns the first header of the given type, if present.
func FindKVP(kvps []KVP, typ uint64) (KVP, bool) {
	for _, k := range kvps {
		if k.Type == typ {
			return k, true
		}
	}
	return KVP{}, false
}

// ImmutableEqual reports whether two objects carry identical immutable
// headers, the condition required of retransmissions and duplicates.
func ImmutableEqual(a, b []KVP) bool {
	ia, ib := immutableOnly(a), immutableOnly(b)
	if len(ia) != len(ib) {
		return false
	}
	for i := range ia {
		if ia[i].Type != ib[i].Type || string(ia[i].Bytes) != string(ib[i].Bytes) {
			return false
		}
	}
	return true
}

func immutableOnly(kvps []KVP) []KVP {
	var out []KVP
	for _, k := range kvps {
		if k.Immutable() {
			out = append(out, k)
		}
	}
	return out
}
