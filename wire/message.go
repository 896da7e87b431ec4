package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqd/moqerr"
)

// Version is the single negotiated MoQ Transport version: 0xff000000 plus
// the draft number. SETUP negotiation rejects any peer that cannot agree
// on it; there is no fallback to other drafts.
const Version uint64 = 0xff00000f

// Control message type IDs.
const (
	MsgSubscribeUpdate         uint64 = 0x02
	MsgSubscribe               uint64 = 0x03
	MsgSubscribeOK             uint64 = 0x04
	MsgSubscribeError          uint64 = 0x05
	MsgAnnounce                uint64 = 0x06
	MsgAnnounceOK              uint64 = 0x07
	MsgAnnounceError           uint64 = 0x08
	MsgUnannounce              uint64 = 0x09
	MsgUnsubscribe             uint64 = 0x0a
	MsgAnnounceCancel          uint64 = 0x0c
	MsgTrackStatusRequest      uint64 = 0x0d
	MsgTrackStatus             uint64 = 0x0e
	MsgGoAway                  uint64 = 0x10
	MsgSubscribeNamespace      uint64 = 0x11
	MsgSubscribeNamespaceOK    uint64 = 0x12
	MsgSubscribeNamespaceError uint64 = 0x13
	MsgUnsubscribeNamespace    uint64 = 0x14
	MsgMaxSubscribeID          uint64 = 0x15
	MsgFetch                   uint64 = 0x16
	MsgClientSetup             uint64 = 0x20
	MsgServerSetup             uint64 = 0x21
)

// Setup parameter keys. Odd keys carry length-prefixed byte strings,
// even keys carry varint values.
const (
	ParamPath           uint64 = 0x01
	ParamMaxSubscribeID uint64 = 0x02
	ParamAuthorization  uint64 = 0x03 // opaque credential, carried not interpreted
)

// Subscribe filter types. FilterLatestObject is the default: only the most
// recently produced object per track is guaranteed forwarded under load.
const (
	FilterNextGroupStart uint64 = 0x01
	FilterLatestObject   uint64 = 0x02
	FilterAbsoluteStart  uint64 = 0x03
	FilterAbsoluteRange  uint64 = 0x04
)

// Group order values.
const (
	GroupOrderDefault    byte = 0x00
	GroupOrderAscending  byte = 0x01
	GroupOrderDescending byte = 0x02
)

// Wire error codes used in *Error replies and session close reasons.
const (
	ErrCodeInternal       uint64 = 0x00
	ErrCodeUnauthorized   uint64 = 0x01
	ErrCodeTimeout        uint64 = 0x02
	ErrCodeNotSupported   uint64 = 0x03
	ErrCodeTrackNotFound  uint64 = 0x04
	ErrCodeNamespaceInUse uint64 = 0x05
	ErrCodeGoingAway      uint64 = 0x10
)

// Track status codes carried in TRACK_STATUS.
const (
	TrackStatusInProgress   uint64 = 0x00
	TrackStatusNotExist     uint64 = 0x01
	TrackStatusNotYetBegun  uint64 = 0x02
	TrackStatusFinished     uint64 = 0x03
	TrackStatusUnobtainable uint64 = 0x04
)

// Session close codes reported via the transport's CloseWithError.
const (
	CloseNoError           uint64 = 0x00
	CloseProtocolViolation uint64 = 0x03
	CloseUnsupported       uint64 = 0x05
	CloseVersionMismatch   uint64 = 0x12
)

// ClientSetup is the first message sent by a client.
type ClientSetup struct {
	Versions       []uint64
	Path           string
	HasPath        bool
	MaxSubscribeID uint64
}

// ServerSetup is the response to a ClientSetup.
type ServerSetup struct {
	SelectedVersion uint64
	MaxSubscribeID  uint64
}

// Announce binds a namespace to the announcing session.
type Announce struct {
	Namespace Namespace
	Params    []KVP
}

// AnnounceOK confirms an announcement.
type AnnounceOK struct {
	Namespace Namespace
}

// AnnounceError rejects an announcement. Reason carries the correlation id.
type AnnounceError struct {
	Namespace Namespace
	ErrorCode uint64
	Reason    string
}

// Unannounce withdraws an announcement (publisher to relay).
type Unannounce struct {
	Namespace Namespace
}

// AnnounceCancel withdraws an announcement (relay to publisher).
type AnnounceCancel struct {
	Namespace Namespace
	ErrorCode uint64
	Reason    string
}

// Subscribe requests delivery of a track.
type Subscribe struct {
	SubscribeID uint64
	Namespace   Namespace
	TrackName   string
	Priority    byte
	GroupOrder  byte
	Forward     byte
	FilterType  uint64
	StartGroup  uint64 // AbsoluteStart / AbsoluteRange only
	StartObject uint64 // AbsoluteStart / AbsoluteRange only
	EndGroup    uint64 // AbsoluteRange only
	Params      []KVP
}

// SubscribeOK confirms a subscription and binds its track alias.
type SubscribeOK struct {
	SubscribeID   uint64
	TrackAlias    uint64
	Expires       uint64
	GroupOrder    byte
	FilterType    uint64 // the filter actually granted
	ContentExists bool
	LargestGroup  uint64 // only when ContentExists
	LargestObject uint64 // only when ContentExists
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	SubscribeID uint64
	ErrorCode   uint64
	Reason      string
}

// SubscribeUpdate narrows or re-prioritizes an active subscription.
type SubscribeUpdate struct {
	SubscribeID uint64
	StartGroup  uint64
	StartObject uint64
	EndGroup    uint64
	Priority    byte
	Forward     byte
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	SubscribeID uint64
}

// SubscribeNamespace requests notification of announcements under a prefix.
type SubscribeNamespace struct {
	Prefix Namespace
	Params []KVP
}

// SubscribeNamespaceOK confirms a namespace subscription.
type SubscribeNamespaceOK struct {
	Prefix Namespace
}

// SubscribeNamespaceError rejects a namespace subscription.
type SubscribeNamespaceError struct {
	Prefix    Namespace
	ErrorCode uint64
	Reason    string
}

// UnsubscribeNamespace cancels a namespace subscription.
type UnsubscribeNamespace struct {
	Prefix Namespace
}

// MaxSubscribeID raises the ceiling on subscribe identifiers the peer may
// use. A peer exceeding the advertised ceiling commits a protocol violation.
type MaxSubscribeID struct {
	ID uint64
}

// TrackStatusRequest asks for the current status of a track.
type TrackStatusRequest struct {
	Namespace Namespace
	TrackName string
}

// TrackStatus reports a track's status. Informational; never blocks delivery.
type TrackStatus struct {
	Namespace     Namespace
	TrackName     string
	StatusCode    uint64
	LargestGroup  uint64
	LargestObject uint64
}

// Fetch requests a range of past objects. Recognized but unsupported: the
// session replies with an explicit rejection rather than misinterpreting it.
type Fetch struct {
	SubscribeID uint64
	Namespace   Namespace
	TrackName   string
	Priority    byte
	GroupOrder  byte
	StartGroup  uint64
	StartObject uint64
	EndGroup    uint64
	EndObject   uint64
}

// GoAway signals a graceful session shutdown.
type GoAway struct {
	NewSessionURI string
}

// ReadControlMessage reads one control message from the control stream.
// Wire format: [message type (varint)] [payload length (uint16 BE)] [payload].
// The self-describing length enables skip-and-continue on known message
// types carrying unknown trailing fields.
func ReadControlMessage(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		bufr := bufio.NewReader(r)
		br = bufr
		r = bufr
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, moqerr.Wrap(moqerr.KindNeedMoreData, "message type", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, moqerr.Wrap(moqerr.KindNeedMoreData, "message length", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, moqerr.Wrap(moqerr.KindNeedMoreData, "message payload", err)
		}
	}
	return msgType, payload, nil
}

// WriteControlMessage writes one control message as a single Write call so
// concurrent senders holding the control lock never interleave frames.
func WriteControlMessage(w io.Writer, msgType uint64, payload []byte) error {
	var buf []byte
	buf = quicvarint.Append(buf, msgType)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)

	_, err := w.Write(buf)
	return err
}

// --- Setup ---

// ParseClientSetup parses a CLIENT_SETUP payload.
func ParseClientSetup(data []byte) (ClientSetup, error) {
	r := NewReader(data)
	var cs ClientSetup

	numVersions, err := r.Varint()
	if err != nil {
		return cs, fail("client setup versions", err)
	}
	if numVersions > 64 {
		return cs, moqerr.New(moqerr.KindMalformedEncoding, "client setup version count")
	}
	cs.Versions = make([]uint64, numVersions)
	for i := range cs.Versions {
		if cs.Versions[i], err = r.Varint(); err != nil {
			return cs, fail("client setup version", err)
		}
	}

	err = parseParams(r, func(key uint64, varVal uint64, bytesVal []byte) {
		switch key {
		case ParamPath:
			cs.Path = string(bytesVal)
			cs.HasPath = true
		case ParamMaxSubscribeID:
			cs.MaxSubscribeID = varVal
		}
	})
	if err != nil {
		return cs, err
	}
	return cs, nil
}

// SerializeClientSetup serializes a CLIENT_SETUP payload.
func SerializeClientSetup(cs ClientSetup) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(len(cs.Versions)))
	for _, v := range cs.Versions {
		buf = quicvarint.Append(buf, v)
	}
	n := uint64(1)
	if cs.HasPath {
		n++
	}
	buf = quicvarint.Append(buf, n)
	if cs.HasPath {
		buf = quicvarint.Append(buf, ParamPath)
		buf = appendVarintBytes(buf, []byte(cs.Path))
	}
	buf = quicvarint.Append(buf, ParamMaxSubscribeID)
	buf = quicvarint.Append(buf, cs.MaxSubscribeID)
	return buf
}

// ParseServerSetup parses a SERVER_SETUP payload.
func ParseServerSetup(data []byte) (ServerSetup, error) {
	r := NewReader(data)
	var ss ServerSetup

	var err error
	if ss.SelectedVersion, err = r.Varint(); err != nil {
		return ss, fail("server setup version", err)
	}
	err = parseParams(r, func(key uint64, varVal uint64, _ []byte) {
		if key == ParamMaxSubscribeID {
			ss.MaxSubscribeID = varVal
		}
	})
	return ss, err
}

// SerializeServerSetup serializes a SERVER_SETUP payload.
func SerializeServerSetup(ss ServerSetup) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, ss.SelectedVersion)
	buf = quicvarint.Append(buf, 1)
	buf = quicvarint.Append(buf, ParamMaxSubscribeID)
	buf = quicvarint.Append(buf, ss.MaxSubscribeID)
	return buf
}

// --- Announce family ---

// ParseAnnounce parses an ANNOUNCE payload.
func ParseAnnounce(data []byte) (Announce, error) {
	r := NewReader(data)
	var a Announce

	var err error
	if a.Namespace, err = parseNamespace(r); err != nil {
		return a, fail("announce namespace", err)
	}
	if a.Params, err = ParseKVPBlock(r); err != nil {
		return a, fail("announce params", err)
	}
	return a, nil
}

// SerializeAnnounce serializes an ANNOUNCE payload.
func SerializeAnnounce(a Announce) []byte {
	buf := AppendNamespace(nil, a.Namespace)
	return AppendKVPBlock(buf, a.Params)
}

// ParseAnnounceOK parses an ANNOUNCE_OK payload.
func ParseAnnounceOK(data []byte) (AnnounceOK, error) {
	ns, err := parseNamespace(NewReader(data))
	if err != nil {
		return AnnounceOK{}, fail("announce ok namespace", err)
	}
	return AnnounceOK{Namespace: ns}, nil
}

// SerializeAnnounceOK serializes an ANNOUNCE_OK payload.
func SerializeAnnounceOK(a AnnounceOK) []byte {
	return AppendNamespace(nil, a.Namespace)
}

// ParseAnnounceError parses an ANNOUNCE_ERROR payload.
func ParseAnnounceError(data []byte) (AnnounceError, error) {
	r := NewReader(data)
	var a AnnounceError

	var err error
	if a.Namespace, err = parseNamespace(r); err != nil {
		return a, fail("announce error namespace", err)
	}
	if a.ErrorCode, err = r.Varint(); err != nil {
		return a, fail("announce error code", err)
	}
	reason, err := r.VarintBytes()
	if err != nil {
		return a, fail("announce error reason", err)
	}
	a.Reason = string(reason)
	return a, nil
}

// SerializeAnnounceError serializes an ANNOUNCE_ERROR payload.
func SerializeAnnounceError(a AnnounceError) []byte {
	buf := AppendNamespace(nil, a.Namespace)
	buf = quicvarint.Append(buf, a.ErrorCode)
	return appendVarintBytes(buf, []byte(a.Reason))
}

// ParseUnannounce parses an UNANNOUNCE payload.
func ParseUnannounce(data []byte) (Unannounce, error) {
	ns, err := parseNamespace(NewReader(data))
	if err != nil {
		return Unannounce{}, fail("unannounce namespace", err)
	}
	return Unannounce{Namespace: ns}, nil
}

// SerializeUnannounce serializes an UNANNOUNCE payload.
func SerializeUnannounce(u Unannounce) []byte {
	return AppendNamespace(nil, u.Namespace)
}

// ParseAnnounceCancel parses an ANNOUNCE_CANCEL payload.
func ParseAnnounceCancel(data []byte) (AnnounceCancel, error) {
	r := NewReader(data)
	var a AnnounceCancel

	var err error
	if a.Namespace, err = parseNamespace(r); err != nil {
		return a, fail("announce cancel namespace", err)
	}
	if a.ErrorCode, err = r.Varint(); err != nil {
		return a, fail("announce cancel code", err)
	}
	reason, err := r.VarintBytes()
	if err != nil {
		return a, fail("announce cancel reason", err)
	}
	a.Reason = string(reason)
	return a, nil
}

// SerializeAnnounceCancel serializes an ANNOUNCE_CANCEL payload.
func SerializeAnnounceCancel(a AnnounceCancel) []byte {
	buf := AppendNamespace(nil, a.Namespace)
	buf = quicvarint.Append(buf, a.ErrorCode)
	return appendVarintBytes(buf, []byte(a.Reason))
}

// --- Subscribe family ---

// ParseSubscribe parses a SUBSCRIBE payload.
func ParseSubscribe(data []byte) (Subscribe, error) {
	r := NewReader(data)
	var s Subscribe

	var err error
	if s.SubscribeID, err = r.Varint(); err != nil {
		return s, fail("subscribe id", err)
	}
	if s.Namespace, err = parseNamespace(r); err != nil {
		return s, fail("subscribe namespace", err)
	}
	name, err := r.VarintBytes()
	if err != nil {
		return s, fail("subscribe track name", err)
	}
	s.TrackName = string(name)

	if s.Priority, err = r.Byte(); err != nil {
		return s, fail("subscribe priority", err)
	}
	if s.GroupOrder, err = r.Byte(); err != nil {
		return s, fail("subscribe group order", err)
	}
	if s.Forward, err = r.Byte(); err != nil {
		return s, fail("subscribe forward", err)
	}
	if s.FilterType, err = r.Varint(); err != nil {
		return s, fail("subscribe filter type", err)
	}

	switch s.FilterType {
	case FilterAbsoluteStart:
		if s.StartGroup, err = r.Varint(); err != nil {
			return s, fail("subscribe start group", err)
		}
		if s.StartObject, err = r.Varint(); err != nil {
			return s, fail("subscribe start object", err)
		}
	case FilterAbsoluteRange:
		if s.StartGroup, err = r.Varint(); err != nil {
			return s, fail("subscribe start group", err)
		}
		if s.StartObject, err = r.Varint(); err != nil {
			return s, fail("subscribe start object", err)
		}
		if s.EndGroup, err = r.Varint(); err != nil {
			return s, fail("subscribe end group", err)
		}
	}

	if s.Params, err = ParseKVPBlock(r); err != nil {
		return s, fail("subscribe params", err)
	}
	return s, nil
}

// SerializeSubscribe serializes a SUBSCRIBE payload.
func SerializeSubscribe(s Subscribe) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, s.SubscribeID)
	buf = AppendNamespace(buf, s.Namespace)
	buf = appendVarintBytes(buf, []byte(s.TrackName))
	buf = append(buf, s.Priority, s.GroupOrder, s.Forward)
	buf = quicvarint.Append(buf, s.FilterType)

	switch s.FilterType {
	case FilterAbsoluteStart:
		buf = quicvarint.Append(buf, s.StartGroup)
		buf = quicvarint.Append(buf, s.StartObject)
	case FilterAbsoluteRange:
		buf = quicvarint.Append(buf, s.StartGroup)
		buf = quicvarint.Append(buf, s.StartObject)
		buf = quicvarint.Append(buf, s.EndGroup)
	}
	return AppendKVPBlock(buf, s.Params)
}

// ParseSubscribeOK parses a SUBSCRIBE_OK payload.
func ParseSubscribeOK(data []byte) (SubscribeOK, error) {
	r := NewReader(data)
	var s SubscribeOK

	var err error
	if s.SubscribeID, err = r.Varint(); err != nil {
		return s, fail("subscribe ok id", err)
	}
	if s.TrackAlias, err = r.Varint(); err != nil {
		return s, fail("subscribe ok alias", err)
	}
	if s.Expires, err = r.Varint(); err != nil {
		return s, fail("subscribe ok expires", err)
	}
	if s.GroupOrder, err = r.Byte(); err != nil {
		return s, fail("subscribe ok group order", err)
	}
	if s.FilterType, err = r.Varint(); err != nil {
		return s, fail("subscribe ok filter type", err)
	}
	exists, err := r.Byte()
	if err != nil {
		return s, fail("subscribe ok content exists", err)
	}
	if exists > 1 {
		return s, moqerr.New(moqerr.KindMalformedEncoding, "subscribe ok content exists flag")
	}
	if exists == 1 {
		s.ContentExists = true
		if s.LargestGroup, err = r.Varint(); err != nil {
			return s, fail("subscribe ok largest group", err)
		}
		if s.LargestObject, err = r.Varint(); err != nil {
			return s, fail("subscribe ok largest object", err)
		}
	}
	return s, nil
}

// SerializeSubscribeOK serializes a SUBSCRIBE_OK payload.
func SerializeSubscribeOK(s SubscribeOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, s.SubscribeID)
	buf = quicvarint.Append(buf, s.TrackAlias)
	buf = quicvarint.Append(buf, s.Expires)
	buf = append(buf, s.GroupOrder)
	buf = quicvarint.Append(buf, s.FilterType)
	if s.ContentExists {
		buf = append(buf, 1)
		buf = quicvarint.Append(buf, s.LargestGroup)
		buf = quicvarint.Append(buf, s.LargestObject)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// ParseSubscribeError parses a SUBSCRIBE_ERROR payload.
func ParseSubscribeError(data []byte) (SubscribeError, error) {
	r := NewReader(data)
	var s SubscribeError

	var err error
	if s.SubscribeID, err = r.Varint(); err != nil {
		return s, fail("subscribe error id", err)
	}
	if s.ErrorCode, err = r.Varint(); err != nil {
		return s, fail("subscribe error code", err)
	}
	reason, err := r.VarintBytes()
	if err != nil {
		return s, fail("subscribe error reason", err)
	}
	s.Reason = string(reason)
	return s, nil
}

// SerializeSubscribeError serializes a SUBSCRIBE_ERROR payload.
func SerializeSubscribeError(s SubscribeError) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, s.SubscribeID)
	buf = quicvarint.Append(buf, s.ErrorCode)
	return appendVarintBytes(buf, []byte(s.Reason))
}

// ParseSubscribeUpdate parses a SUBSCRIBE_UPDATE payload.
func ParseSubscribeUpdate(data []byte) (SubscribeUpdate, error) {
	r := NewReader(data)
	var s SubscribeUpdate

	var err error
	if s.SubscribeID, err = r.Varint(); err != nil {
		return s, fail("subscribe update id", err)
	}
	if s.StartGroup, err = r.Varint(); err != nil {
		return s, fail("subscribe update start group", err)
	}
	if s.StartObject, err = r.Varint(); err != nil {
		return s, fail("subscribe update start object", err)
	}
	if s.EndGroup, err = r.Varint(); err != nil {
		return s, fail("subscribe update end group", err)
	}
	if s.Priority, err = r.Byte(); err != nil {
		return s, fail("subscribe update priority", err)
	}
	if s.Forward, err = r.Byte(); err != nil {
		return s, fail("subscribe update forward", err)
	}
	return s, nil
}

// SerializeSubscribeUpdate serializes a SUBSCRIBE_UPDATE payload.
func SerializeSubscribeUpdate(s SubscribeUpdate) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, s.SubscribeID)
	buf = quicvarint.Append(buf, s.StartGroup)
	buf = quicvarint.Append(buf, s.StartObject)
	buf = quicvarint.Append(buf, s.EndGroup)
	return append(buf, s.Priority, s.Forward)
}

// ParseUnsubscribe parses an UNSUBSCRIBE payload.
func ParseUnsubscribe(data []byte) (Unsubscribe, error) {
	id, err := NewReader(data).Varint()
	if err != nil {
		return Unsubscribe{}, fail("unsubscribe id", err)
	}
	return Unsubscribe{SubscribeID: id}, nil
}

// SerializeUnsubscribe serializes an UNSUBSCRIBE payload.
func SerializeUnsubscribe(u Unsubscribe) []byte {
	return quicvarint.Append(nil, u.SubscribeID)
}

// --- Namespace subscription family ---

// ParseSubscribeNamespace parses a SUBSCRIBE_NAMESPACE payload.
func ParseSubscribeNamespace(data []byte) (SubscribeNamespace, error) {
	r := NewReader(data)
	var s SubscribeNamespace

	var err error
	if s.Prefix, err = parseNamespace(r); err != nil {
		return s, fail("subscribe namespace prefix", err)
	}
	if s.Params, err = ParseKVPBlock(r); err != nil {
		return s, fail("subscribe namespace params", err)
	}
	return s, nil
}

// SerializeSubscribeNamespace serializes a SUBSCRIBE_NAMESPACE payload.
func SerializeSubscribeNamespace(s SubscribeNamespace) []byte {
	buf := AppendNamespace(nil, s.Prefix)
	return AppendKVPBlock(buf, s.Params)
}

// ParseSubscribeNamespaceOK parses a SUBSCRIBE_NAMESPACE_OK payload.
func ParseSubscribeNamespaceOK(data []byte) (SubscribeNamespaceOK, error) {
	ns, err := parseNamespace(NewReader(data))
	if err != nil {
		return SubscribeNamespaceOK{}, fail("subscribe namespace ok prefix", err)
	}
	return SubscribeNamespaceOK{Prefix: ns}, nil
}

// SerializeSubscribeNamespaceOK serializes a SUBSCRIBE_NAMESPACE_OK payload.
func SerializeSubscribeNamespaceOK(s SubscribeNamespaceOK) []byte {
	return AppendNamespace(nil, s.Prefix)
}

// ParseSubscribeNamespaceError parses a SUBSCRIBE_NAMESPACE_ERROR payload.
func ParseSubscribeNamespaceError(data []byte) (SubscribeNamespaceError, error) {
	r := NewReader(data)
	var s SubscribeNamespaceError

	var err error
	if s.Prefix, err = parseNamespace(r); err != nil {
		return s, fail("subscribe namespace error prefix", err)
	}
	if s.ErrorCode, err = r.Varint(); err != nil {
		return s, fail("subscribe namespace error code", err)
	}
	reason, err := r.VarintBytes()
	if err != nil {
		return s, fail("subscribe namespace error reason", err)
	}
	s.Reason = string(reason)
	return s, nil
}

// SerializeSubscribeNamespaceError serializes a SUBSCRIBE_NAMESPACE_ERROR payload.
func SerializeSubscribeNamespaceError(s SubscribeNamespaceError) []byte {
	buf := AppendNamespace(nil, s.Prefix)
	buf = quicvarint.Append(buf, s.ErrorCode)
	return appendVarintBytes(buf, []byte(s.Reason))
}

// ParseUnsubscribeNamespace parses an UNSUBSCRIBE_NAMESPACE payload.
func ParseUnsubscribeNamespace(data []byte) (UnsubscribeNamespace, error) {
	ns, err := parseNamespace(NewReader(data))
	if err != nil {
		return UnsubscribeNamespace{}, fail("unsubscribe namespace prefix", err)
	}
	return UnsubscribeNamespace{Prefix: ns}, nil
}

// SerializeUnsubscribeNamespace serializes an UNSUBSCRIBE_NAMESPACE payload.
func SerializeUnsubscribeNamespace(u UnsubscribeNamespace) []byte {
	return AppendNamespace(nil, u.Prefix)
}

// --- Remaining control messages ---

// ParseMaxSubscribeID parses a MAX_SUBSCRIBE_ID payload.
func ParseMaxSubscribeID(data []byte) (MaxSubscribeID, error) {
	id, err := NewReader(data).Varint()
	if err != nil {
		return MaxSubscribeID{}, fail("max subscribe id", err)
	}
	return MaxSubscribeID{ID: id}, nil
}

// SerializeMaxSubscribeID serializes a MAX_SUBSCRIBE_ID payload.
func SerializeMaxSubscribeID(m MaxSubscribeID) []byte {
	return quicvarint.Append(nil, m.ID)
}

// ParseTrackStatusRequest parses a TRACK_STATUS_REQUEST payload.
func ParseTrackStatusRequest(data []byte) (TrackStatusRequest, error) {
	r := NewReader(data)
	var t TrackStatusRequest

	var err error
	if t.Namespace, err = parseNamespace(r); err != nil {
		return t, fail("track status request namespace", err)
	}
	name, err := r.VarintBytes()
	if err != nil {
		return t, fail("track status request name", err)
	}
	t.TrackName = string(name)
	return t, nil
}

// SerializeTrackStatusRequest serializes a TRACK_STATUS_REQUEST payload.
func SerializeTrackStatusRequest(t TrackStatusRequest) []byte {
	buf := AppendNamespace(nil, t.Namespace)
	return appendVarintBytes(buf, []byte(t.TrackName))
}

// ParseTrackStatus parses a TRACK_STATUS payload.
func ParseTrackStatus(data []byte) (TrackStatus, error) {
	r := NewReader(data)
	var t TrackStatus

	var err error
	if t.Namespace, err = parseNamespace(r); err != nil {
		return t, fail("track status namespace", err)
	}
	name, err := r.VarintBytes()
	if err != nil {
		return t, fail("track status name", err)
	}
	t.TrackName = string(name)
	if t.StatusCode, err = r.Varint(); err != nil {
		return t, fail("track status code", err)
	}
	if t.LargestGroup, err = r.Varint(); err != nil {
		return t, fail("track status largest group", err)
	}
	if t.LargestObject, err = r.Varint(); err != nil {
		return t, fail("track status largest object", err)
	}
	return t, nil
}

// SerializeTrackStatus serializes a TRACK_STATUS payload.
func SerializeTrackStatus(t TrackStatus) []byte {
	buf := AppendNamespace(nil, t.Namespace)
	buf = appendVarintBytes(buf, []byte(t.TrackName))
	buf = quicvarint.Append(buf, t.StatusCode)
	buf = quicvarint.Append(buf, t.LargestGroup)
	return quicvarint.Append(buf, t.LargestObject)
}

// ParseFetch parses a FETCH payload.
func ParseFetch(data []byte) (Fetch, error) {
	r := NewReader(data)
	var f Fetch

	var err error
	if f.SubscribeID, err = r.Varint(); err != nil {
		return f, fail("fetch id", err)
	}
	if f.Namespace, err = parseNamespace(r); err != nil {
		return f, fail("fetch namespace", err)
	}
	name, err := r.VarintBytes()
	if err != nil {
		return f, fail("fetch track name", err)
	}
	f.TrackName = string(name)
	if f.Priority, err = r.Byte(); err != nil {
		return f, fail("fetch priority", err)
	}
	if f.GroupOrder, err = r.Byte(); err != nil {
		return f, fail("fetch group order", err)
	}
	if f.StartGroup, err = r.Varint(); err != nil {
		return f, fail("fetch start group", err)
	}
	if f.StartObject, err = r.Varint(); err != nil {
		return f, fail("fetch start object", err)
	}
	if f.EndGroup, err = r.Varint(); err != nil {
		return f, fail("fetch end group", err)
	}
	if f.EndObject, err = r.Varint(); err != nil {
		return f, fail("fetch end object", err)
	}
	return f, nil
}

// SerializeFetch serializes a FETCH payload.
func SerializeFetch(f Fetch) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, f.SubscribeID)
	buf = AppendNamespace(buf, f.Namespace)
	buf = appendVarintBytes(buf, []byte(f.TrackName))
	buf = append(buf, f.Priority, f.GroupOrder)
	buf = quicvarint.Append(buf, f.StartGroup)
	buf = quicvarint.Append(buf, f.StartObject)
	buf = quicvarint.Append(buf, f.EndGroup)
	return quicvarint.Append(buf, f.EndObject)
}

// ParseGoAway parses a GOAWAY payload.
func ParseGoAway(data []byte) (GoAway, error) {
	uri, err := NewReader(data).VarintBytes()
	if err != nil {
		return GoAway{}, fail("goaway uri", err)
	}
	return GoAway{NewSessionURI: string(uri)}, nil
}

// SerializeGoAway serializes a GOAWAY payload.
func SerializeGoAway(g GoAway) []byte {
	return appendVarintBytes(nil, []byte(g.NewSessionURI))
}

// parseParams reads a setup parameter list: [count] then per key either a
// varint value (even key) or a length-prefixed byte string (odd key).
// Unknown keys are skipped, enabling forward compatibility.
func parseParams(r *Reader, visit func(key, varVal uint64, bytesVal []byte)) error {
	count, err := r.Varint()
	if err != nil {
		return fail("param count", err)
	}
	if count > 64 {
		return moqerr.New(moqerr.KindMalformedEncoding, "param count")
	}
	for i := uint64(0); i < count; i++ {
		key, err := r.Varint()
		if err != nil {
			return fail("param key", err)
		}
		if key%2 == 1 {
			val, err := r.VarintBytes()
			if err != nil {
				return fail("param value", err)
			}
			visit(key, 0, val)
		} else {
			val, err := r.Varint()
			if err != nil {
				return fail("param value", err)
			}
			visit(key, val, nil)
		}
	}
	return nil
}

// fail preserves the error kind while recording the field being parsed.
func fail(op string, err error) error {
	kind := moqerr.KindOf(err)
	if kind == 0 {
		kind = moqerr.KindMalformedEncoding
	}
	return moqerr.Wrap(kind, op, err)
}
