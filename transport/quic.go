package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated for MoQ connections.
const ALPN = "moq-00"

const idleTimeout = 30 * time.Second

// quicConfig returns the QUIC settings the engine needs: datagram support
// and room for many concurrent unidirectional data streams.
func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:       true,
		MaxIdleTimeout:        idleTimeout,
		MaxIncomingStreams:    1 << 10,
		MaxIncomingUniStreams: 1 << 10,
	}
}

// Listener accepts QUIC connections and wraps them as Connections.
type Listener struct {
	ln *quic.Listener
}

// Listen starts a QUIC listener on addr with the given TLS configuration.
// The ALPN protocol list is overridden to the MoQ protocol.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}

	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next connection.
func (l *Listener) Accept(ctx context.Context) (Connection, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newQUICConnection(conn), nil
}

// Addr returns the listener's address string.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Dial connects to a remote MoQ endpoint.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (Connection, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newQUICConnection(conn), nil
}

// quicConnection adapts quic.Connection to the Connection interface.
type quicConnection struct {
	id   string
	conn quic.Connection
}

func newQUICConnection(conn quic.Connection) *quicConnection {
	return &quicConnection{
		id:   uuid.NewString()[:8],
		conn: conn,
	}
}

func (c *quicConnection) ID() string { return c.id }

func (c *quicConnection) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c *quicConnection) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicReceiveStream{s}, nil
}

func (c *quicConnection) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c *quicConnection) OpenUniStream(ctx context.Context) (SendStream, error) {
	s, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicSendStream{s}, nil
}

func (c *quicConnection) SendDatagram(data []byte) error {
	return c.conn.SendDatagram(data)
}

func (c *quicConnection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

func (c *quicConnection) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

type quicStream struct {
	s quic.Stream
}

func (q quicStream) Read(p []byte) (int, error)  { return q.s.Read(p) }
func (q quicStream) Write(p []byte) (int, error) { return q.s.Write(p) }
func (q quicStream) Close() error                { return q.s.Close() }
func (q quicStream) CancelRead(code uint64)      { q.s.CancelRead(quic.StreamErrorCode(code)) }
func (q quicStream) CancelWrite(code uint64)     { q.s.CancelWrite(quic.StreamErrorCode(code)) }

type quicSendStream struct {
	s quic.SendStream
}

func (q quicSendStream) Write(p []byte) (int, error) { return q.s.Write(p) }
func (q quicSendStream) Close() error                { return q.s.Close() }
func (q quicSendStream) CancelWrite(code uint64)     { q.s.CancelWrite(quic.StreamErrorCode(code)) }

type quicReceiveStream struct {
	s quic.ReceiveStream
}

func (q quicReceiveStream) Read(p []byte) (int, error) { return q.s.Read(p) }
func (q quicReceiveStream) CancelRead(code uint64)     { q.s.CancelRead(quic.StreamErrorCode(code)) }
