package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqd/moqerr"
)

func TestKVPBlockRoundTrip(t *testing.T) {
	t.Parallel()
	in := []KVP{
		{Type: KVPCaptureTimestamp, VarValue: 1693000000123456},
		{Type: KVPImmutable, Bytes: []byte("auth-token")},
		{Type: 40, VarValue: 7},
	}
	buf := AppendKVPBlock(nil, in)
	out, err := ParseKVPBlock(NewReader(buf))
	if err != nil {
		t.Fatalf("ParseKVPBlock: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Type != in[i].Type || out[i].VarValue != in[i].VarValue || !bytes.Equal(out[i].Bytes, in[i].Bytes) {
			t.Fatalf("kvp[%d] = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestKVPEmptyBlock(t *testing.T) {
	t.Parallel()
	buf := AppendKVPBlock(nil, nil)
	out, err := ParseKVPBlock(NewReader(buf))
	if err != nil {
		t.Fatalf("ParseKVPBlock: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("empty block yielded %d headers", len(out))
	}
}

func TestKVPTruncatedInsideBlockIsMalformed(t *testing.T) {
	t.Parallel()
	// Declared block length covers a type byte but not its value: the block
	// is complete on the wire, so this can never become valid.
	var block []byte
	block = quicvarint.Append(block, KVPImmutable)
	block = quicvarint.Append(block, 10) // claims 10 bytes, supplies none
	var buf []byte
	buf = quicvarint.Append(buf, uint64(len(block)))
	buf = append(buf, block...)

	_, err := ParseKVPBlock(NewReader(buf))
	if !errors.Is(err, moqerr.ErrMalformedEncoding) {
		t.Fatalf("truncated block error = %v, want malformed", err)
	}
}

func TestKVPBlockLengthCap(t *testing.T) {
	t.Parallel()
	buf := quicvarint.Append(nil, MaxKVPBytes+1)
	_, err := ParseKVPBlock(NewReader(buf))
	if !errors.Is(err, moqerr.ErrMalformedEncoding) {
		t.Fatalf("oversized block error = %v, want malformed", err)
	}
}

func TestImmutableEqual(t *testing.T) {
	t.Parallel()
	a := []KVP{
		{Type: KVPCaptureTimestamp, VarValue: 100},
		{Type: KVPImmutable, Bytes: []byte("pinned")},
	}
	b := []KVP{
		{Type: KVPCaptureTimestamp, VarValue: 999}, // mutable, may differ
		{Type: KVPImmutable, Bytes: []byte("pinned")},
	}
	if !ImmutableEqual(a, b) {
		t.Fatal("mutable change broke immutable equality")
	}
	b[1].Bytes = []byte("changed")
	if ImmutableEqual(a, b) {
		t.Fatal("immutable change not detected")
	}
}
