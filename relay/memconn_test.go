package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zsiec/moqd/transport"
)

// memConn is an in-memory transport.Connection for session tests. Streams
// are io.Pipe pairs, datagrams a buffered channel; newConnPair returns the
// two ends of one connection.
type memConn struct {
	id     string
	peer   *memConn
	bidi   chan transport.Stream
	uni    chan transport.ReceiveStream
	dgrams chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	mu          sync.Mutex
	closeCode   uint64
	closeReason string
}

var connPairSeq atomic.Int64

func newConnPair() (*memConn, *memConn) {
	n := connPairSeq.Add(1)
	a := &memConn{
		id:     fmt.Sprintf("conn-%d-a", n),
		bidi:   make(chan transport.Stream, 8),
		uni:    make(chan transport.ReceiveStream, 8),
		dgrams: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	b := &memConn{
		id:     fmt.Sprintf("conn-%d-b", n),
		bidi:   make(chan transport.Stream, 8),
		uni:    make(chan transport.ReceiveStream, 8),
		dgrams: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memConn) ID() string { return c.id }

func (c *memConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.bidi:
		return s, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) AcceptUniStream(ctx context.Context) (transport.ReceiveStream, error) {
	select {
	case s := <-c.uni:
		return s, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	select {
	case <-c.closed:
		return nil, errors.New("connection closed")
	default:
	}
	toPeerR, toPeerW := io.Pipe()
	fromPeerR, fromPeerW := io.Pipe()
	local := &memStream{r: fromPeerR, w: toPeerW}
	remote := &memStream{r: toPeerR, w: fromPeerW}
	select {
	case c.peer.bidi <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) OpenUniStream(ctx context.Context) (transport.SendStream, error) {
	select {
	case <-c.closed:
		return nil, errors.New("connection closed")
	default:
	}
	r, w := io.Pipe()
	select {
	case c.peer.uni <- &memRecvStream{r: r}:
		return &memSendStream{w: w}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) SendDatagram(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.peer.dgrams <- append([]byte(nil), data...):
	default:
		// Full buffer loses the datagram, as the real path would.
	}
	return nil
}

func (c *memConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.dgrams:
		return d, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) CloseWithError(code uint64, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *memConn) closedWith() (uint64, string, bool) {
	select {
	case <-c.closed:
	default:
		return 0, "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason, true
}

type memStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *memStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *memStream) Close() error                { return s.w.Close() }

func (s *memStream) CancelRead(code uint64) {
	s.r.CloseWithError(fmt.Errorf("read canceled: %d", code))
}

func (s *memStream) CancelWrite(code uint64) {
	s.w.CloseWithError(fmt.Errorf("write canceled: %d", code))
}

type memSendStream struct {
	w *io.PipeWriter
}

func (s *memSendStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *memSendStream) Close() error                { return s.w.Close() }

func (s *memSendStream) CancelWrite(code uint64) {
	s.w.CloseWithError(fmt.Errorf("write canceled: %d", code))
}

type memRecvStream struct {
	r *io.PipeReader
}

func (s *memRecvStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *memRecvStream) CancelRead(code uint64) {
	s.r.CloseWithError(fmt.Errorf("read canceled: %d", code))
}
