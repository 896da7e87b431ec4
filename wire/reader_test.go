package wire

import (
	"errors"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqd/moqerr"
)

func TestReaderVarintBoundaries(t *testing.T) {
	t.Parallel()
	// One value per varint encoding width.
	values := []uint64{0, 63, 64, 16383, 16384, 1073741823, 1073741824, 4611686018427387903}

	for _, want := range values {
		buf := quicvarint.Append(nil, want)
		r := NewReader(buf)
		got, err := r.Varint()
		if err != nil {
			t.Fatalf("Varint(%d): %v", want, err)
		}
		if got != want {
			t.Fatalf("Varint = %d, want %d", got, want)
		}
		if !r.Done() {
			t.Fatalf("reader not exhausted after %d", want)
		}
	}
}

func TestReaderTruncationIsNeedMoreData(t *testing.T) {
	t.Parallel()
	// An 8-byte varint cut to 3 bytes.
	buf := quicvarint.Append(nil, 1073741824)[:3]
	_, err := NewReader(buf).Varint()
	if !errors.Is(err, moqerr.ErrNeedMoreData) {
		t.Fatalf("truncated varint error = %v, want need more data", err)
	}

	_, err = NewReader(nil).Byte()
	if !errors.Is(err, moqerr.ErrNeedMoreData) {
		t.Fatalf("empty Byte error = %v, want need more data", err)
	}

	_, err = NewReader([]byte{0x05, 'a', 'b'}).VarintBytes()
	if !errors.Is(err, moqerr.ErrNeedMoreData) {
		t.Fatalf("short VarintBytes error = %v, want need more data", err)
	}
}

func TestReaderSequentialReads(t *testing.T) {
	t.Parallel()
	var buf []byte
	buf = quicvarint.Append(buf, 7)
	buf = append(buf, 0x42)
	buf = appendVarintBytes(buf, []byte("track"))

	r := NewReader(buf)
	if v, err := r.Varint(); err != nil || v != 7 {
		t.Fatalf("Varint = %d, %v", v, err)
	}
	if b, err := r.Byte(); err != nil || b != 0x42 {
		t.Fatalf("Byte = %#x, %v", b, err)
	}
	s, err := r.VarintBytes()
	if err != nil || string(s) != "track" {
		t.Fatalf("VarintBytes = %q, %v", s, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("Remaining = %d, want 0", r.Remaining())
	}
}
