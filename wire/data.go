package wire

import (
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqd/moqerr"
)

// Data-plane stream and datagram type IDs.
const (
	// StreamTypeSubgroup marks a unidirectional stream carrying exactly one
	// subgroup, with an explicit subgroup id and per-object extension headers.
	StreamTypeSubgroup uint64 = 0x0d

	// DatagramTypeObject marks a datagram carrying a single object with the
	// full header inline.
	DatagramTypeObject uint64 = 0x01
)

// MaxObjectPayloadBytes caps the declared payload length of a single object
// record. The length is peer-controlled varint data; without a cap a hostile
// value near 2^62 would drive an unbounded allocation before any payload
// byte arrives.
const MaxObjectPayloadBytes = 16 << 20

// Object status codes, sent in place of a payload when the payload length
// is zero.
const (
	StatusNormal         uint64 = 0x00
	StatusObjectNotExist uint64 = 0x01
	StatusGroupNotExist  uint64 = 0x02
	StatusEndOfGroup     uint64 = 0x03
	StatusEndOfTrack     uint64 = 0x04
)

// SubgroupHeader is sent once at the start of a subgroup stream. Every
// object that follows belongs to this (track alias, group, subgroup).
type SubgroupHeader struct {
	TrackAlias uint64
	GroupID    uint64
	SubgroupID uint64
	Priority   byte
}

// SubgroupObject is one object record on a subgroup stream. Object ids on
// one stream must be strictly increasing; the consumer side enforces this.
type SubgroupObject struct {
	ObjectID   uint64
	Extensions []KVP
	Payload    []byte
	Status     uint64 // meaningful only when Payload is empty
}

// Datagram is a self-contained object on the unreliable path. Loss is
// expected and reported upward as a gap, not an error.
type Datagram struct {
	TrackAlias uint64
	GroupID    uint64
	SubgroupID uint64
	ObjectID   uint64
	Priority   byte
	Extensions []KVP
	Payload    []byte
}

// Object is the delivery unit handed to consumers, assembled from either
// path. FromDatagram records the arrival path so forwarding preserves it.
type Object struct {
	TrackAlias   uint64
	GroupID      uint64
	SubgroupID   uint64
	ObjectID     uint64
	Priority     byte
	Extensions   []KVP
	Payload      []byte
	Status       uint64
	FromDatagram bool
}

// AppendSubgroupHeader appends the stream header encoding to buf.
func AppendSubgroupHeader(buf []byte, h SubgroupHeader) []byte {
	buf = quicvarint.Append(buf, StreamTypeSubgroup)
	buf = quicvarint.Append(buf, h.TrackAlias)
	buf = quicvarint.Append(buf, h.GroupID)
	buf = quicvarint.Append(buf, h.SubgroupID)
	return append(buf, h.Priority)
}

// ParseSubgroupHeader reads a stream header, including the stream type tag.
func ParseSubgroupHeader(r *Reader) (SubgroupHeader, error) {
	var h SubgroupHeader

	typ, err := r.Varint()
	if err != nil {
		return h, fail("stream type", err)
	}
	if typ != StreamTypeSubgroup {
		return h, moqerr.New(moqerr.KindUnimplementedFeature, "stream type")
	}
	if h.TrackAlias, err = r.Varint(); err != nil {
		return h, fail("subgroup track alias", err)
	}
	if h.GroupID, err = r.Varint(); err != nil {
		return h, fail("subgroup group id", err)
	}
	if h.SubgroupID, err = r.Varint(); err != nil {
		return h, fail("subgroup id", err)
	}
	if h.Priority, err = r.Byte(); err != nil {
		return h, fail("subgroup priority", err)
	}
	return h, nil
}

// AppendSubgroupObject appends one object record to buf.
func AppendSubgroupObject(buf []byte, o SubgroupObject) []byte {
	buf = quicvarint.Append(buf, o.ObjectID)
	buf = AppendKVPBlock(buf, o.Extensions)
	buf = quicvarint.Append(buf, uint64(len(o.Payload)))
	if len(o.Payload) == 0 {
		return quicvarint.Append(buf, o.Status)
	}
	return append(buf, o.Payload...)
}

// ParseSubgroupObject reads one object record.
func ParseSubgroupObject(r *Reader) (SubgroupObject, error) {
	var o SubgroupObject

	var err error
	if o.ObjectID, err = r.Varint(); err != nil {
		return o, fail("object id", err)
	}
	if o.Extensions, err = ParseKVPBlock(r); err != nil {
		return o, fail("object extensions", err)
	}
	length, err := r.Varint()
	if err != nil {
		return o, fail("object payload length", err)
	}
	if length == 0 {
		if o.Status, err = r.Varint(); err != nil {
			return o, fail("object status", err)
		}
		return o, nil
	}
	payload, err := r.Bytes(int(length))
	if err != nil {
		return o, fail("object payload", err)
	}
	o.Payload = append([]byte(nil), payload...)
	return o, nil
}

// AppendDatagram appends a complete datagram object to buf.
func AppendDatagram(buf []byte, d Datagram) []byte {
	buf = quicvarint.Append(buf, DatagramTypeObject)
	buf = quicvarint.Append(buf, d.TrackAlias)
	buf = quicvarint.Append(buf, d.GroupID)
	buf = quicvarint.Append(buf, d.SubgroupID)
	buf = quicvarint.Append(buf, d.ObjectID)
	buf = append(buf, d.Priority)
	buf = AppendKVPBlock(buf, d.Extensions)
	return append(buf, d.Payload...)
}

// ParseDatagram decodes a complete datagram. The payload extends to the
// end of the datagram; datagrams are never fragmented at this layer.
func ParseDatagram(data []byte) (Datagram, error) {
	r := NewReader(data)
	var d Datagram

	typ, err := r.Varint()
	if err != nil {
		return d, fail("datagram type", err)
	}
	if typ != DatagramTypeObject {
		return d, moqerr.New(moqerr.KindUnimplementedFeature, "datagram type")
	}
	if d.TrackAlias, err = r.Varint(); err != nil {
		return d, fail("datagram track alias", err)
	}
	if d.GroupID, err = r.Varint(); err != nil {
		return d, fail("datagram group id", err)
	}
	if d.SubgroupID, err = r.Varint(); err != nil {
		return d, fail("datagram subgroup id", err)
	}
	if d.ObjectID, err = r.Varint(); err != nil {
		return d, fail("datagram object id", err)
	}
	if d.Priority, err = r.Byte(); err != nil {
		return d, fail("datagram priority", err)
	}
	if d.Extensions, err = ParseKVPBlock(r); err != nil {
		return d, fail("datagram extensions", err)
	}
	d.Payload = append([]byte(nil), data[r.Consumed():]...)
	return d, nil
}
