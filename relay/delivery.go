package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zsiec/moqd/moqerr"
	"github.com/zsiec/moqd/transport"
	"github.com/zsiec/moqd/wire"
)

// subscription delivers one track to the session's peer. It implements
// ObjectConsumer: SendObject applies the negotiated filter and hands off
// to the write loop without ever blocking the publisher.
type subscription struct {
	session     *Session
	subscribeID uint64
	alias       uint64
	ns          wire.Namespace
	track       string
	ch          chan *wire.Object
	cancel      context.CancelFunc
	closed      atomic.Bool

	filterMu   sync.Mutex
	filterType uint64
	startGroup uint64
	startObj   uint64
	endGroup   uint64
	forward    bool
	started    bool // NextGroupStart: first group boundary seen
	done       bool // AbsoluteRange: end passed

	sent    atomic.Int64
	dropped atomic.Int64
}

func newSubscription(s *Session, sub wire.Subscribe, alias uint64, cancel context.CancelFunc) *subscription {
	return &subscription{
		session:     s,
		subscribeID: sub.SubscribeID,
		alias:       alias,
		ns:          sub.Namespace,
		track:       sub.TrackName,
		ch:          make(chan *wire.Object, objectBufferSize),
		cancel:      cancel,
		filterType:  sub.FilterType,
		startGroup:  sub.StartGroup,
		startObj:    sub.StartObject,
		endGroup:    sub.EndGroup,
		forward:     sub.Forward != 0,
	}
}

func (d *subscription) ID() string {
	return fmt.Sprintf("%s/%d", d.session.id, d.subscribeID)
}

// SendObject filters obj and enqueues it. Under backpressure the latest
// object wins: the oldest queued object is evicted rather than the new
// one dropped, so a stalled peer converges on the live edge.
func (d *subscription) SendObject(obj *wire.Object) {
	if d.closed.Load() || !d.admit(obj) {
		return
	}

	select {
	case d.ch <- obj:
		return
	default:
	}

	select {
	case <-d.ch:
		d.dropped.Add(1)
	default:
	}
	select {
	case d.ch <- obj:
	default:
		d.dropped.Add(1)
	}
}

// admit applies the subscription filter.
func (d *subscription) admit(obj *wire.Object) bool {
	d.filterMu.Lock()
	defer d.filterMu.Unlock()

	if !d.forward || d.done {
		return false
	}

	switch d.filterType {
	case wire.FilterLatestObject:
		return true

	case wire.FilterNextGroupStart:
		if !d.started {
			if obj.ObjectID != 0 {
				return false
			}
			d.started = true
		}
		return true

	case wire.FilterAbsoluteStart:
		return !before(obj.GroupID, obj.ObjectID, d.startGroup, d.startObj)

	case wire.FilterAbsoluteRange:
		if obj.GroupID > d.endGroup {
			d.done = true
			return false
		}
		return !before(obj.GroupID, obj.ObjectID, d.startGroup, d.startObj)
	}
	return false
}

func before(group, object, refGroup, refObject uint64) bool {
	return group < refGroup || (group == refGroup && object < refObject)
}

// update applies a SUBSCRIBE_UPDATE to the live filter state.
func (d *subscription) update(u wire.SubscribeUpdate) {
	d.filterMu.Lock()
	defer d.filterMu.Unlock()
	d.startGroup = u.StartGroup
	d.startObj = u.StartObject
	if u.EndGroup != 0 {
		d.endGroup = u.EndGroup
	}
	d.forward = u.Forward != 0
}

// Withdrawn tears the subscription down when the covering announcement
// goes away, surfacing the reason to the peer.
func (d *subscription) Withdrawn(ns wire.Namespace) {
	if d.closed.Load() {
		return
	}

	s := d.session
	s.mu.Lock()
	delete(s.subscriptions, d.subscribeID)
	s.mu.Unlock()

	if err := s.sendSubscribeError(d.subscribeID, wire.ErrCodeTrackNotFound,
		"namespace withdrawn"); err != nil {
		s.log.Debug("withdrawal notice failed", "subscribeID", d.subscribeID, "error", err)
	}
	d.stop()
	s.aliases.Release(d.alias)
	s.log.Debug("subscription withdrawn",
		"namespace", ns.String(), "track", d.track, "subscribeID", d.subscribeID)
}

func (d *subscription) stop() {
	if d.closed.CompareAndSwap(false, true) {
		d.cancel()
	}
}

// writeLoop drains the delivery channel onto the wire. Stream-path objects
// share one unidirectional stream per (group, subgroup); a new subgroup
// closes the previous stream before the next header is written, so no
// stream ever interleaves groups. Datagram-path objects go back out as
// datagrams.
func (d *subscription) writeLoop(ctx context.Context) {
	var (
		stream     transport.SendStream
		haveKey    bool
		curGroup   uint64
		curSub     uint64
		lastObject uint64
		haveLast   bool
	)

	closeStream := func() {
		if stream != nil {
			_ = stream.Close()
			stream = nil
		}
		haveKey = false
		haveLast = false
	}
	defer closeStream()

	for {
		select {
		case <-ctx.Done():
			return
		case obj := <-d.ch:
			if obj.FromDatagram {
				d.sendDatagram(obj)
				continue
			}

			if !haveKey || obj.GroupID != curGroup || obj.SubgroupID != curSub {
				closeStream()

				st, err := d.session.conn.OpenUniStream(ctx)
				if err != nil {
					if ctx.Err() == nil {
						d.session.log.Debug("data stream open failed", "error", err)
					}
					return
				}
				hdr := wire.AppendSubgroupHeader(nil, wire.SubgroupHeader{
					TrackAlias: d.alias,
					GroupID:    obj.GroupID,
					SubgroupID: obj.SubgroupID,
					Priority:   obj.Priority,
				})
				if _, err := st.Write(hdr); err != nil {
					_ = st.Close()
					d.session.log.Debug("subgroup header write failed", "error", err)
					return
				}
				stream = st
				haveKey = true
				curGroup = obj.GroupID
				curSub = obj.SubgroupID
			}

			// Object ids on one stream are strictly increasing; anything
			// out of order here was reordered by the fan-out and is
			// dropped rather than emitted as a violation.
			if haveLast && obj.ObjectID <= lastObject {
				d.dropped.Add(1)
				continue
			}

			rec := wire.AppendSubgroupObject(nil, wire.SubgroupObject{
				ObjectID:   obj.ObjectID,
				Extensions: obj.Extensions,
				Payload:    obj.Payload,
				Status:     obj.Status,
			})
			if _, err := stream.Write(rec); err != nil {
				d.session.log.Debug("object write failed", "error", err)
				return
			}
			lastObject = obj.ObjectID
			haveLast = true
			d.sent.Add(1)

			if len(obj.Payload) == 0 &&
				(obj.Status == wire.StatusEndOfGroup || obj.Status == wire.StatusEndOfTrack) {
				closeStream()
			}
		}
	}
}

func (d *subscription) sendDatagram(obj *wire.Object) {
	data := wire.AppendDatagram(nil, wire.Datagram{
		TrackAlias: d.alias,
		GroupID:    obj.GroupID,
		SubgroupID: obj.SubgroupID,
		ObjectID:   obj.ObjectID,
		Priority:   obj.Priority,
		Extensions: obj.Extensions,
		Payload:    obj.Payload,
	})
	if err := d.session.conn.SendDatagram(data); err != nil {
		// Datagram loss is expected; the consumer sees a gap.
		d.dropped.Add(1)
		return
	}
	d.sent.Add(1)
}

// --- Incoming data plane ---

// acceptDataStreams takes each peer-initiated unidirectional stream and
// reads it on its own goroutine.
func (s *Session) acceptDataStreams(ctx context.Context) {
	for {
		rs, err := s.conn.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("accept data stream failed", "error", err)
			}
			return
		}
		go s.readDataStream(ctx, rs)
	}
}

// readDataStream consumes one subgroup stream: header, alias resolution
// with the bounded wait, then objects in strictly increasing id order.
func (s *Session) readDataStream(ctx context.Context, rs transport.ReceiveStream) {
	br := bufio.NewReader(rs)

	hdr, err := wire.ReadSubgroupHeader(br)
	if err != nil {
		err, corr := moqerr.Tag(err)
		s.log.Warn("bad data stream header", "correlation", corr, "error", err)
		rs.CancelRead(wire.CloseProtocolViolation)
		return
	}

	// The control message binding this alias may still be in flight; give
	// it the pending window before declaring the alias unknown.
	binding, err := s.aliases.Wait(ctx, hdr.TrackAlias)
	if err != nil {
		if ctx.Err() == nil {
			err, corr := moqerr.Tag(err)
			s.log.Warn("data stream for unknown alias",
				"alias", hdr.TrackAlias, "correlation", corr, "error", err)
			sessionErrors.WithLabelValues(moqerr.KindOf(err).String()).Inc()
			rs.CancelRead(wire.ErrCodeTrackNotFound)
		}
		return
	}

	var (
		lastObject uint64
		haveLast   bool
	)
	for {
		obj, err := wire.ReadSubgroupObject(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return // clean end of subgroup
			}
			if ctx.Err() == nil {
				_ = s.fatal(closeCodeFor(err), err)
			}
			return
		}

		if haveLast && obj.ObjectID <= lastObject {
			_ = s.fatal(wire.CloseProtocolViolation,
				moqerr.New(moqerr.KindProtocolViolation, "object id not increasing"))
			return
		}
		lastObject = obj.ObjectID
		haveLast = true

		s.table.PublishObject(binding.ns, binding.track, &wire.Object{
			TrackAlias: hdr.TrackAlias,
			GroupID:    hdr.GroupID,
			SubgroupID: hdr.SubgroupID,
			ObjectID:   obj.ObjectID,
			Priority:   hdr.Priority,
			Extensions: obj.Extensions,
			Payload:    obj.Payload,
			Status:     obj.Status,
		})
	}
}

// readDatagrams consumes the unreliable path. A datagram whose alias never
// binds is dropped and counted: loss here is a gap, not an error.
func (s *Session) readDatagrams(ctx context.Context) {
	for {
		data, err := s.conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("datagram receive failed", "error", err)
			}
			return
		}

		dg, err := wire.ParseDatagram(data)
		if err != nil {
			s.datagramsDropped.Add(1)
			continue
		}
		binding, ok := s.aliases.Resolve(dg.TrackAlias)
		if !ok {
			s.datagramsDropped.Add(1)
			continue
		}

		s.table.PublishObject(binding.ns, binding.track, &wire.Object{
			TrackAlias:   dg.TrackAlias,
			GroupID:      dg.GroupID,
			SubgroupID:   dg.SubgroupID,
			ObjectID:     dg.ObjectID,
			Priority:     dg.Priority,
			Extensions:   dg.Extensions,
			Payload:      dg.Payload,
			FromDatagram: true,
		})
	}
}
