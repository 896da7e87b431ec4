// Package transport defines the connection boundary the protocol engine
// runs over: ordered reliable streams and unreliable datagrams, per
// connection. The engine depends only on these interfaces; the quic-go
// adapter in this package is the production implementation, and tests
// substitute in-memory pipes.
package transport

import (
	"context"
	"io"
)

// Connection is one peer connection. Streams are independently closable
// and deliver ordered, reliable bytes; datagrams are unreliable.
type Connection interface {
	// ID returns a connection identifier usable for diagnostics.
	ID() string

	// AcceptStream blocks for the next peer-initiated bidirectional stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// AcceptUniStream blocks for the next peer-initiated unidirectional stream.
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)

	// OpenStream opens a bidirectional stream to the peer.
	OpenStream(ctx context.Context) (Stream, error)

	// OpenUniStream opens a send-only stream to the peer.
	OpenUniStream(ctx context.Context) (SendStream, error)

	// SendDatagram sends one unreliable datagram.
	SendDatagram(data []byte) error

	// ReceiveDatagram blocks for the next inbound datagram.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// CloseWithError closes the connection with a coded reason visible to
	// the peer.
	CloseWithError(code uint64, reason string) error
}

// SendStream is the write half of a stream.
type SendStream interface {
	io.Writer
	io.Closer

	// CancelWrite abandons the stream, signaling code to the peer.
	CancelWrite(code uint64)
}

// ReceiveStream is the read half of a stream.
type ReceiveStream interface {
	io.Reader

	// CancelRead tells the peer to stop sending, signaling code.
	CancelRead(code uint64)
}

// Stream is a bidirectional stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	CancelRead(code uint64)
	CancelWrite(code uint64)
}
