package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqd/moqerr"
)

// Incremental readers for long-lived data streams. Unlike the slice-based
// parsers, these block on the underlying stream; a clean io.EOF between
// records means the peer finished the subgroup.

// ReadSubgroupHeader reads the stream type tag and subgroup header from
// the start of a unidirectional data stream.
func ReadSubgroupHeader(br *bufio.Reader) (SubgroupHeader, error) {
	var h SubgroupHeader

	typ, err := quicvarint.Read(br)
	if err != nil {
		return h, streamFail("stream type", err)
	}
	if typ != StreamTypeSubgroup {
		return h, moqerr.New(moqerr.KindUnimplementedFeature, "stream type")
	}
	if h.TrackAlias, err = quicvarint.Read(br); err != nil {
		return h, streamFail("subgroup track alias", err)
	}
	if h.GroupID, err = quicvarint.Read(br); err != nil {
		return h, streamFail("subgroup group id", err)
	}
	if h.SubgroupID, err = quicvarint.Read(br); err != nil {
		return h, streamFail("subgroup id", err)
	}
	if h.Priority, err = br.ReadByte(); err != nil {
		return h, streamFail("subgroup priority", err)
	}
	return h, nil
}

// ReadSubgroupObject reads the next object record from a subgroup stream.
// io.EOF before the first byte of the object id means the subgroup ended
// cleanly and is returned as-is; truncation mid-record is malformed.
func ReadSubgroupObject(br *bufio.Reader) (SubgroupObject, error) {
	var o SubgroupObject

	id, err := quicvarint.Read(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return o, io.EOF
		}
		return o, streamFail("object id", err)
	}
	o.ObjectID = id

	extLen, err := quicvarint.Read(br)
	if err != nil {
		return o, streamFail("object extensions length", err)
	}
	if extLen > MaxKVPBytes {
		return o, moqerr.New(moqerr.KindMalformedEncoding, "object extensions length")
	}
	if extLen > 0 {
		block := make([]byte, extLen)
		if _, err := io.ReadFull(br, block); err != nil {
			return o, streamFail("object extensions", err)
		}
		buf := quicvarint.Append(nil, extLen)
		buf = append(buf, block...)
		if o.Extensions, err = ParseKVPBlock(NewReader(buf)); err != nil {
			return o, err
		}
	}

	length, err := quicvarint.Read(br)
	if err != nil {
		return o, streamFail("object payload length", err)
	}
	if length > MaxObjectPayloadBytes {
		return o, moqerr.New(moqerr.KindMalformedEncoding, "object payload length")
	}
	if length == 0 {
		if o.Status, err = quicvarint.Read(br); err != nil {
			return o, streamFail("object status", err)
		}
		return o, nil
	}

	o.Payload = make([]byte, length)
	if _, err := io.ReadFull(br, o.Payload); err != nil {
		return o, streamFail("object payload", err)
	}
	return o, nil
}

// streamFail classifies a stream read error: EOF mid-record is a truncated
// encoding, anything else is surfaced with the failing field named.
func streamFail(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return moqerr.Wrap(moqerr.KindMalformedEncoding, op, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("%s: %w", op, err)
}
