package wire

import (
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqd/moqerr"
)

// Reader wraps a byte slice for sequential varint and byte-string reading.
// Running off the end of the buffer yields moqerr.ErrNeedMoreData, never a
// panic or out-of-bounds read, so callers can distinguish "wait for more
// bytes" from actually-invalid input.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a Reader over data. The slice is not copied.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Consumed returns the number of bytes read so far.
func (r *Reader) Consumed() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// Done reports whether the buffer is exhausted.
func (r *Reader) Done() bool { return r.pos >= len(r.data) }

// Varint reads one variable-length integer (1/2/4/8-byte prefix-bit forms).
// Any valid encoding is accepted; no canonical form is enforced.
func (r *Reader) Varint() (uint64, error) {
	if r.pos >= len(r.data) {
		return 0, moqerr.New(moqerr.KindNeedMoreData, "varint")
	}
	val, n, err := quicvarint.Parse(r.data[r.pos:])
	if err != nil {
		// quicvarint.Parse only fails when the buffer ends mid-encoding;
		// the prefix bits themselves admit every byte value.
		return 0, moqerr.Wrap(moqerr.KindNeedMoreData, "varint", err)
	}
	r.pos += n
	return val, nil
}

// Byte reads a single byte.
func (r *Reader) Byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, moqerr.New(moqerr.KindNeedMoreData, "byte")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// Bytes reads exactly n bytes. The returned slice aliases the underlying
// buffer.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, moqerr.New(moqerr.KindNeedMoreData, "bytes")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// VarintBytes reads a varint length prefix followed by that many bytes.
func (r *Reader) VarintBytes() ([]byte, error) {
	length, err := r.Varint()
	if err != nil {
		return nil, err
	}
	if length > uint64(len(r.data)-r.pos) {
		return nil, moqerr.New(moqerr.KindNeedMoreData, "length-prefixed bytes")
	}
	return r.Bytes(int(length))
}

// appendVarintBytes appends a varint-length-prefixed byte string to buf.
func appendVarintBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}
