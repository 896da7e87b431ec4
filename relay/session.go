package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/moqd/moqerr"
	"github.com/zsiec/moqd/transport"
	"github.com/zsiec/moqd/wire"
)

// Session lifecycle states. Transitions are one-way.
const (
	stateAwaitingSetup int32 = iota
	stateActive
	stateClosing
	stateClosed
)

const (
	// setupTimeout bounds how long a connection may sit without completing
	// the SETUP exchange.
	setupTimeout = 5 * time.Second

	// objectBufferSize is the per-subscription delivery channel depth.
	objectBufferSize = 64

	// subscribeQuota is granted in MAX_SUBSCRIBE_ID increments; a fresh
	// grant goes out once the peer has used half the headroom.
	subscribeQuota = 128
)

// Role distinguishes the SETUP initiative: a server session waits for
// CLIENT_SETUP, a client session sends it.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// trackRequester brokers an upstream subscription: when a subscriber asks
// for a track announced by another session, the requester tells that
// session to start delivering it.
type trackRequester interface {
	RequestTrack(ctx context.Context, sessionID string, ns wire.Namespace, track string) error
}

// SessionConfig holds the dependencies for a Session.
type SessionConfig struct {
	Conn     transport.Connection
	Table    *Table
	Upstream trackRequester // nil when this relay never pulls from peers
	Role     Role
	Log      *slog.Logger
}

// Session drives one peer connection through the protocol state machine:
// the SETUP exchange, the control message loop, announcement and
// subscription bookkeeping, and the data-plane read and write paths.
type Session struct {
	id       string
	log      *slog.Logger
	conn     transport.Connection
	table    *Table
	upstream trackRequester
	role     Role

	control   transport.Stream
	controlRd *bufio.Reader
	controlMu sync.Mutex // serializes every control stream write

	state   atomic.Int32
	aliases *aliasTable
	cancel  context.CancelFunc

	mu            sync.RWMutex
	subscriptions map[uint64]*subscription // peer's subscribe id → delivery
	interests     map[string]wire.Namespace
	grantedMax    uint64 // subscribe id ceiling granted to the peer

	// Requests this session initiates toward its peer.
	reqMu     sync.Mutex
	nextReqID uint64
	peerMax   uint64 // ceiling the peer granted us
	pending   map[uint64]aliasBinding
	requested map[string]bool

	datagramsDropped atomic.Int64
}

// NewSession wires a session for conn. Call Run to start it.
func NewSession(cfg SessionConfig) *Session {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	id := cfg.Conn.ID()
	return &Session{
		id:            id,
		log:           log.With("component", "session", "session", id),
		conn:          cfg.Conn,
		table:         cfg.Table,
		upstream:      cfg.Upstream,
		role:          cfg.Role,
		aliases:       newAliasTable(),
		subscriptions: make(map[uint64]*subscription),
		interests:     make(map[string]wire.Namespace),
		grantedMax:    subscribeQuota,
		pending:       make(map[uint64]aliasBinding),
		requested:     make(map[string]bool),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run performs the SETUP exchange and then serves the session until ctx
// ends or the peer misbehaves fatally. It blocks for the session lifetime.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	if err := s.establish(ctx); err != nil {
		s.state.Store(stateClosed)
		return err
	}
	s.state.Store(stateActive)
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	go s.readControlLoop(ctx)
	go s.acceptDataStreams(ctx)
	go s.readDatagrams(ctx)

	<-ctx.Done()
	s.shutdown()
	return ctx.Err()
}

// establish opens the control stream and completes the SETUP exchange
// within setupTimeout.
func (s *Session) establish(ctx context.Context) error {
	setupCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	if s.role == RoleClient {
		control, err := s.conn.OpenStream(setupCtx)
		if err != nil {
			return fmt.Errorf("open control stream: %w", err)
		}
		s.control = control
		s.controlRd = bufio.NewReader(control)
		return s.clientSetup()
	}

	control, err := s.conn.AcceptStream(setupCtx)
	if err != nil {
		return fmt.Errorf("accept control stream: %w", err)
	}
	s.control = control
	s.controlRd = bufio.NewReader(control)
	return s.serverSetup()
}

// serverSetup handles the server side of the handshake: exactly one
// CLIENT_SETUP must arrive before anything else.
func (s *Session) serverSetup() error {
	msgType, payload, err := wire.ReadControlMessage(s.controlRd)
	if err != nil {
		return fmt.Errorf("read CLIENT_SETUP: %w", err)
	}
	if msgType != wire.MsgClientSetup {
		return s.fatal(wire.CloseProtocolViolation,
			moqerr.New(moqerr.KindProtocolViolation, "first message not CLIENT_SETUP"))
	}
	cs, err := wire.ParseClientSetup(payload)
	if err != nil {
		return s.fatal(wire.CloseProtocolViolation, err)
	}

	versionOK := false
	for _, v := range cs.Versions {
		if v == wire.Version {
			versionOK = true
			break
		}
	}
	if !versionOK {
		return s.fatal(wire.CloseVersionMismatch,
			moqerr.New(moqerr.KindProtocolViolation, "no common version"))
	}

	s.reqMu.Lock()
	s.peerMax = cs.MaxSubscribeID
	s.reqMu.Unlock()

	ss := wire.ServerSetup{SelectedVersion: wire.Version, MaxSubscribeID: subscribeQuota}
	if err := s.sendControl(wire.MsgServerSetup, wire.SerializeServerSetup(ss)); err != nil {
		return fmt.Errorf("write SERVER_SETUP: %w", err)
	}

	s.log.Info("session established", "role", "server", "version", fmt.Sprintf("0x%x", wire.Version))
	return nil
}

// clientSetup handles the client side: send CLIENT_SETUP, expect
// SERVER_SETUP selecting our version.
func (s *Session) clientSetup() error {
	cs := wire.ClientSetup{
		Versions:       []uint64{wire.Version},
		MaxSubscribeID: subscribeQuota,
	}
	if err := s.sendControl(wire.MsgClientSetup, wire.SerializeClientSetup(cs)); err != nil {
		return fmt.Errorf("write CLIENT_SETUP: %w", err)
	}

	msgType, payload, err := wire.ReadControlMessage(s.controlRd)
	if err != nil {
		return fmt.Errorf("read SERVER_SETUP: %w", err)
	}
	if msgType != wire.MsgServerSetup {
		return s.fatal(wire.CloseProtocolViolation,
			moqerr.New(moqerr.KindProtocolViolation, "first message not SERVER_SETUP"))
	}
	ss, err := wire.ParseServerSetup(payload)
	if err != nil {
		return s.fatal(wire.CloseProtocolViolation, err)
	}
	if ss.SelectedVersion != wire.Version {
		return s.fatal(wire.CloseVersionMismatch,
			moqerr.New(moqerr.KindProtocolViolation, "server selected unknown version"))
	}

	s.reqMu.Lock()
	s.peerMax = ss.MaxSubscribeID
	s.reqMu.Unlock()

	s.log.Info("session established", "role", "client", "version", fmt.Sprintf("0x%x", wire.Version))
	return nil
}

// readControlLoop reads and dispatches control messages until the stream
// breaks or a fatal violation closes the session.
func (s *Session) readControlLoop(ctx context.Context) {
	defer s.cancel()

	for {
		if ctx.Err() != nil {
			return
		}

		msgType, payload, err := wire.ReadControlMessage(s.controlRd)
		if err != nil {
			if ctx.Err() == nil && s.state.Load() == stateActive {
				s.log.Debug("control stream closed", "error", err)
			}
			return
		}

		if err := s.dispatch(ctx, msgType, payload); err != nil {
			// Control stream faults are session-fatal: a malformed or
			// out-of-state message leaves no safe way to resynchronize.
			s.fatal(closeCodeFor(err), err)
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, msgType uint64, payload []byte) error {
	switch msgType {
	case wire.MsgClientSetup, wire.MsgServerSetup:
		return moqerr.New(moqerr.KindProtocolViolation, "duplicate SETUP")

	case wire.MsgAnnounce:
		a, err := wire.ParseAnnounce(payload)
		if err != nil {
			return err
		}
		return s.handleAnnounce(ctx, a)

	case wire.MsgUnannounce:
		u, err := wire.ParseUnannounce(payload)
		if err != nil {
			return err
		}
		s.handleUnannounce(ctx, u)
		return nil

	case wire.MsgAnnounceCancel:
		a, err := wire.ParseAnnounceCancel(payload)
		if err != nil {
			return err
		}
		s.handleAnnounceCancel(ctx, a)
		return nil

	case wire.MsgSubscribe:
		sub, err := wire.ParseSubscribe(payload)
		if err != nil {
			return err
		}
		return s.handleSubscribe(ctx, sub)

	case wire.MsgSubscribeOK:
		ok, err := wire.ParseSubscribeOK(payload)
		if err != nil {
			return err
		}
		return s.handleSubscribeOK(ok)

	case wire.MsgSubscribeError:
		se, err := wire.ParseSubscribeError(payload)
		if err != nil {
			return err
		}
		s.handleSubscribeError(se)
		return nil

	case wire.MsgSubscribeUpdate:
		u, err := wire.ParseSubscribeUpdate(payload)
		if err != nil {
			return err
		}
		s.handleSubscribeUpdate(u)
		return nil

	case wire.MsgUnsubscribe:
		u, err := wire.ParseUnsubscribe(payload)
		if err != nil {
			return err
		}
		s.handleUnsubscribe(u)
		return nil

	case wire.MsgSubscribeNamespace:
		sn, err := wire.ParseSubscribeNamespace(payload)
		if err != nil {
			return err
		}
		return s.handleSubscribeNamespace(sn)

	case wire.MsgUnsubscribeNamespace:
		un, err := wire.ParseUnsubscribeNamespace(payload)
		if err != nil {
			return err
		}
		s.handleUnsubscribeNamespace(un)
		return nil

	case wire.MsgMaxSubscribeID:
		m, err := wire.ParseMaxSubscribeID(payload)
		if err != nil {
			return err
		}
		return s.handleMaxSubscribeID(m)

	case wire.MsgTrackStatusRequest:
		t, err := wire.ParseTrackStatusRequest(payload)
		if err != nil {
			return err
		}
		return s.handleTrackStatusRequest(ctx, t)

	case wire.MsgFetch:
		f, err := wire.ParseFetch(payload)
		if err != nil {
			return err
		}
		// Recognized but unsupported: reject the request explicitly and
		// keep the session alive.
		s.log.Debug("fetch rejected", "subscribeID", f.SubscribeID, "track", f.TrackName)
		return s.sendSubscribeError(f.SubscribeID, wire.ErrCodeNotSupported, "fetch not supported")

	case wire.MsgGoAway:
		g, err := wire.ParseGoAway(payload)
		if err != nil {
			return err
		}
		s.log.Info("peer going away", "uri", g.NewSessionURI)
		s.state.CompareAndSwap(stateActive, stateClosing)
		return nil

	default:
		return moqerr.New(moqerr.KindProtocolViolation,
			fmt.Sprintf("unknown control message 0x%x", msgType))
	}
}

// --- Announce family ---

func (s *Session) handleAnnounce(ctx context.Context, a wire.Announce) error {
	if err := a.Namespace.Validate(); err != nil {
		return moqerr.Wrap(moqerr.KindProtocolViolation, "announce namespace", err)
	}
	if s.state.Load() != stateActive {
		return s.sendAnnounceError(a.Namespace, wire.ErrCodeGoingAway, "session closing")
	}

	if err := s.table.Announce(ctx, a.Namespace, s.id); err != nil {
		err, corr := moqerr.Tag(err)
		code := wire.ErrCodeInternal
		if errors.Is(err, moqerr.ErrNamespaceConflict) {
			code = wire.ErrCodeNamespaceInUse
		}
		s.log.Warn("announce rejected",
			"namespace", a.Namespace.String(), "correlation", corr, "error", err)
		sessionErrors.WithLabelValues(moqerr.KindOf(err).String()).Inc()
		return s.sendAnnounceError(a.Namespace, code, reasonWith(err, corr))
	}

	return s.sendControl(wire.MsgAnnounceOK,
		wire.SerializeAnnounceOK(wire.AnnounceOK{Namespace: a.Namespace}))
}

func (s *Session) handleUnannounce(ctx context.Context, u wire.Unannounce) {
	if !s.table.UnannounceOwned(ctx, u.Namespace, s.id) {
		s.log.Debug("unannounce ignored, not announcer", "namespace", u.Namespace.String())
	}
}

// handleAnnounceCancel: the peer no longer wants the announcement it was
// told about. Its own subscriptions under the namespace are torn down; the
// announcement itself stays for other subscribers.
func (s *Session) handleAnnounceCancel(ctx context.Context, a wire.AnnounceCancel) {
	if s.table.UnannounceOwned(ctx, a.Namespace, s.id) {
		return // announcer canceling itself behaves like UNANNOUNCE
	}

	s.mu.Lock()
	var orphans []*subscription
	for id, sub := range s.subscriptions {
		if sub.ns.HasPrefix(a.Namespace) {
			orphans = append(orphans, sub)
			delete(s.subscriptions, id)
		}
	}
	s.mu.Unlock()

	for _, sub := range orphans {
		s.table.UnsubscribeTrack(sub.ns, sub.track, sub.ID())
		sub.stop()
		s.aliases.Release(sub.alias)
	}
	s.log.Debug("announce canceled by peer",
		"namespace", a.Namespace.String(), "code", a.ErrorCode, "torn", len(orphans))
}

// --- Subscribe family ---

func (s *Session) handleSubscribe(ctx context.Context, sub wire.Subscribe) error {
	if err := sub.Namespace.Validate(); err != nil {
		return moqerr.Wrap(moqerr.KindProtocolViolation, "subscribe namespace", err)
	}

	s.mu.Lock()
	if sub.SubscribeID >= s.grantedMax {
		s.mu.Unlock()
		return moqerr.New(moqerr.KindProtocolViolation, "subscribe id exceeds granted ceiling")
	}
	if _, dup := s.subscriptions[sub.SubscribeID]; dup {
		s.mu.Unlock()
		return moqerr.New(moqerr.KindProtocolViolation, "subscribe id reused")
	}
	replenish := sub.SubscribeID*2 >= s.grantedMax
	if replenish {
		s.grantedMax += subscribeQuota
	}
	grantedMax := s.grantedMax
	s.mu.Unlock()

	if replenish {
		msg := wire.SerializeMaxSubscribeID(wire.MaxSubscribeID{ID: grantedMax})
		if err := s.sendControl(wire.MsgMaxSubscribeID, msg); err != nil {
			return err
		}
	}

	if s.state.Load() != stateActive {
		return s.sendSubscribeError(sub.SubscribeID, wire.ErrCodeGoingAway, "session closing")
	}

	switch sub.FilterType {
	case wire.FilterLatestObject, wire.FilterNextGroupStart,
		wire.FilterAbsoluteStart, wire.FilterAbsoluteRange:
	default:
		return s.sendSubscribeError(sub.SubscribeID, wire.ErrCodeNotSupported, "unknown filter type")
	}

	origin, err := s.table.Resolve(ctx, sub.Namespace)
	if err != nil {
		err, corr := moqerr.Tag(err)
		code := wire.ErrCodeInternal
		if errors.Is(err, moqerr.ErrUnknownTrackAlias) {
			code = wire.ErrCodeTrackNotFound
		}
		s.log.Warn("subscribe rejected",
			"namespace", sub.Namespace.String(), "track", sub.TrackName,
			"correlation", corr, "error", err)
		sessionErrors.WithLabelValues(moqerr.KindOf(err).String()).Inc()
		return s.sendSubscribeError(sub.SubscribeID, code, reasonWith(err, corr))
	}
	if !origin.Local {
		// The coordinator knows the owner but this relay does not peer
		// with other relays for data. Reject rather than misdeliver.
		return s.sendSubscribeError(sub.SubscribeID, wire.ErrCodeNotSupported,
			"track owned by "+origin.Owner.ID)
	}

	if s.upstream != nil && origin.SessionID != s.id {
		if err := s.upstream.RequestTrack(ctx, origin.SessionID, sub.Namespace, sub.TrackName); err != nil {
			err, corr := moqerr.Tag(err)
			s.log.Warn("upstream request failed",
				"namespace", sub.Namespace.String(), "track", sub.TrackName,
				"correlation", corr, "error", err)
			return s.sendSubscribeError(sub.SubscribeID, wire.ErrCodeInternal, reasonWith(err, corr))
		}
	}

	alias := s.aliases.Allocate(sub.Namespace, sub.TrackName)
	subCtx, subCancel := context.WithCancel(ctx)
	out := newSubscription(s, sub, alias, subCancel)

	s.mu.Lock()
	s.subscriptions[sub.SubscribeID] = out
	s.mu.Unlock()
	s.table.SubscribeTrack(sub.Namespace, sub.TrackName, out)
	go out.writeLoop(subCtx)

	largestGroup, largestObject, exists := s.table.LargestKnown(sub.Namespace, sub.TrackName)
	ok := wire.SubscribeOK{
		SubscribeID:   sub.SubscribeID,
		TrackAlias:    alias,
		GroupOrder:    wire.GroupOrderAscending,
		FilterType:    sub.FilterType,
		ContentExists: exists,
		LargestGroup:  largestGroup,
		LargestObject: largestObject,
	}
	if err := s.sendControl(wire.MsgSubscribeOK, wire.SerializeSubscribeOK(ok)); err != nil {
		return err
	}

	s.log.Debug("track subscribed",
		"namespace", sub.Namespace.String(), "track", sub.TrackName,
		"alias", alias, "subscribeID", sub.SubscribeID)
	return nil
}

func (s *Session) handleUnsubscribe(u wire.Unsubscribe) {
	s.mu.Lock()
	sub := s.subscriptions[u.SubscribeID]
	delete(s.subscriptions, u.SubscribeID)
	s.mu.Unlock()

	if sub == nil {
		return
	}
	s.table.UnsubscribeTrack(sub.ns, sub.track, sub.ID())
	sub.stop()
	s.aliases.Release(sub.alias)
	s.log.Debug("track unsubscribed", "subscribeID", u.SubscribeID, "track", sub.track)
}

func (s *Session) handleSubscribeUpdate(u wire.SubscribeUpdate) {
	s.mu.RLock()
	sub := s.subscriptions[u.SubscribeID]
	s.mu.RUnlock()

	if sub == nil {
		s.log.Debug("subscribe update for unknown id", "subscribeID", u.SubscribeID)
		return
	}
	sub.update(u)
}

// handleSubscribeOK completes an upstream subscription we initiated: the
// peer's chosen alias becomes resolvable, releasing any data stream
// already waiting on it.
func (s *Session) handleSubscribeOK(ok wire.SubscribeOK) error {
	s.reqMu.Lock()
	binding, known := s.pending[ok.SubscribeID]
	delete(s.pending, ok.SubscribeID)
	s.reqMu.Unlock()

	if !known {
		return moqerr.New(moqerr.KindProtocolViolation, "subscribe ok for unknown request")
	}
	if err := s.aliases.Claim(ok.TrackAlias, binding.ns, binding.track); err != nil {
		return err
	}
	s.log.Debug("upstream subscription active",
		"namespace", binding.ns.String(), "track", binding.track, "alias", ok.TrackAlias)
	return nil
}

func (s *Session) handleSubscribeError(se wire.SubscribeError) {
	s.reqMu.Lock()
	binding, known := s.pending[se.SubscribeID]
	delete(s.pending, se.SubscribeID)
	if known {
		delete(s.requested, trackKey(binding.ns, binding.track))
	}
	s.reqMu.Unlock()

	if known {
		s.log.Warn("upstream subscription rejected",
			"namespace", binding.ns.String(), "track", binding.track,
			"code", se.ErrorCode, "reason", se.Reason)
	}
}

// RequestTrack asks this session's peer to start delivering (ns, track).
// Idempotent per track; a rejection clears the latch so a later subscriber
// retries.
func (s *Session) RequestTrack(ctx context.Context, ns wire.Namespace, track string) error {
	key := trackKey(ns, track)

	s.reqMu.Lock()
	if s.requested[key] {
		s.reqMu.Unlock()
		return nil
	}
	if s.nextReqID >= s.peerMax {
		s.reqMu.Unlock()
		return fmt.Errorf("subscribe quota exhausted (%d)", s.peerMax)
	}
	id := s.nextReqID
	s.nextReqID++
	s.requested[key] = true
	s.pending[id] = aliasBinding{ns: ns, track: track}
	s.reqMu.Unlock()

	msg := wire.Subscribe{
		SubscribeID: id,
		Namespace:   ns,
		TrackName:   track,
		GroupOrder:  wire.GroupOrderAscending,
		Forward:     1,
		FilterType:  wire.FilterLatestObject,
	}
	return s.sendControl(wire.MsgSubscribe, wire.SerializeSubscribe(msg))
}

// --- Namespace subscriptions ---

func (s *Session) handleSubscribeNamespace(sn wire.SubscribeNamespace) error {
	if err := sn.Prefix.Validate(); err != nil {
		return moqerr.Wrap(moqerr.KindProtocolViolation, "subscribe namespace prefix", err)
	}
	if s.state.Load() != stateActive {
		return s.sendControl(wire.MsgSubscribeNamespaceError,
			wire.SerializeSubscribeNamespaceError(wire.SubscribeNamespaceError{
				Prefix: sn.Prefix, ErrorCode: wire.ErrCodeGoingAway, Reason: "session closing",
			}))
	}

	obs := &nsInterest{session: s, prefix: sn.Prefix}

	s.mu.Lock()
	s.interests[obs.ID()] = sn.Prefix
	s.mu.Unlock()

	// Reply before registering so the peer never sees an ANNOUNCE for a
	// prefix it was not yet confirmed on.
	err := s.sendControl(wire.MsgSubscribeNamespaceOK,
		wire.SerializeSubscribeNamespaceOK(wire.SubscribeNamespaceOK{Prefix: sn.Prefix}))
	if err != nil {
		return err
	}
	s.table.SubscribeNamespace(sn.Prefix, obs)
	return nil
}

func (s *Session) handleUnsubscribeNamespace(un wire.UnsubscribeNamespace) {
	obs := &nsInterest{session: s, prefix: un.Prefix}

	s.mu.Lock()
	delete(s.interests, obs.ID())
	s.mu.Unlock()
	s.table.UnsubscribeNamespace(obs.ID())
}

// nsInterest forwards announcement changes under one prefix to the peer
// as ANNOUNCE and UNANNOUNCE control messages.
type nsInterest struct {
	session *Session
	prefix  wire.Namespace
}

func (n *nsInterest) ID() string {
	return n.session.id + "#ns" + n.prefix.Key()
}

func (n *nsInterest) AnnouncementAdded(ns wire.Namespace) {
	msg := wire.SerializeAnnounce(wire.Announce{Namespace: ns})
	if err := n.session.sendControl(wire.MsgAnnounce, msg); err != nil {
		n.session.log.Debug("announce relay failed", "namespace", ns.String(), "error", err)
	}
}

func (n *nsInterest) AnnouncementRemoved(ns wire.Namespace) {
	msg := wire.SerializeUnannounce(wire.Unannounce{Namespace: ns})
	if err := n.session.sendControl(wire.MsgUnannounce, msg); err != nil {
		n.session.log.Debug("unannounce relay failed", "namespace", ns.String(), "error", err)
	}
}

// --- Remaining control handlers ---

func (s *Session) handleMaxSubscribeID(m wire.MaxSubscribeID) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if m.ID < s.peerMax {
		return moqerr.New(moqerr.KindProtocolViolation, "subscribe id ceiling reduced")
	}
	s.peerMax = m.ID
	return nil
}

func (s *Session) handleTrackStatusRequest(ctx context.Context, t wire.TrackStatusRequest) error {
	status := wire.TrackStatus{Namespace: t.Namespace, TrackName: t.TrackName}

	if _, err := s.table.Resolve(ctx, t.Namespace); err != nil {
		status.StatusCode = wire.TrackStatusNotExist
	} else if group, object, ok := s.table.LargestKnown(t.Namespace, t.TrackName); ok {
		status.StatusCode = wire.TrackStatusInProgress
		status.LargestGroup = group
		status.LargestObject = object
	} else {
		status.StatusCode = wire.TrackStatusNotYetBegun
	}
	return s.sendControl(wire.MsgTrackStatus, wire.SerializeTrackStatus(status))
}

// --- Control plumbing ---

// sendControl writes one control message under the control lock.
func (s *Session) sendControl(msgType uint64, payload []byte) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return wire.WriteControlMessage(s.control, msgType, payload)
}

func (s *Session) sendSubscribeError(id, code uint64, reason string) error {
	return s.sendControl(wire.MsgSubscribeError,
		wire.SerializeSubscribeError(wire.SubscribeError{
			SubscribeID: id, ErrorCode: code, Reason: reason,
		}))
}

func (s *Session) sendAnnounceError(ns wire.Namespace, code uint64, reason string) error {
	return s.sendControl(wire.MsgAnnounceError,
		wire.SerializeAnnounceError(wire.AnnounceError{
			Namespace: ns, ErrorCode: code, Reason: reason,
		}))
}

// fatal tags err with a correlation id, logs it, and closes the connection
// with the same id in the reason phrase so the peer's report joins our log.
func (s *Session) fatal(code uint64, err error) error {
	err, corr := moqerr.Tag(err)
	s.log.Error("session terminated", "correlation", corr, "error", err)
	sessionErrors.WithLabelValues(moqerr.KindOf(err).String()).Inc()
	s.state.Store(stateClosed)
	_ = s.conn.CloseWithError(code, reasonWith(err, corr))
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// closeCodeFor maps an error kind to the transport close code.
func closeCodeFor(err error) uint64 {
	switch moqerr.KindOf(err) {
	case moqerr.KindUnimplementedFeature:
		return wire.CloseUnsupported
	default:
		return wire.CloseProtocolViolation
	}
}

// reasonWith builds the wire reason phrase: the error kind plus the
// correlation id, never internal detail.
func reasonWith(err error, corr string) string {
	return moqerr.KindOf(err).String() + " [" + corr + "]"
}

// shutdown runs the closing sequence once the session context ends.
func (s *Session) shutdown() {
	if !s.state.CompareAndSwap(stateActive, stateClosing) &&
		s.state.Load() == stateClosed {
		return
	}

	// Best effort: the connection may already be gone.
	_ = s.sendControl(wire.MsgGoAway, wire.SerializeGoAway(wire.GoAway{}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.table.UnannounceSession(ctx, s.id)

	s.mu.Lock()
	subs := s.subscriptions
	s.subscriptions = make(map[uint64]*subscription)
	interests := s.interests
	s.interests = make(map[string]wire.Namespace)
	s.mu.Unlock()

	for _, sub := range subs {
		s.table.UnsubscribeTrack(sub.ns, sub.track, sub.ID())
		sub.stop()
	}
	for id := range interests {
		s.table.UnsubscribeNamespace(id)
	}

	s.state.Store(stateClosed)
	_ = s.conn.CloseWithError(wire.CloseNoError, "going away")
	s.log.Info("session closed", "datagramsDropped", s.datagramsDropped.Load())
}
