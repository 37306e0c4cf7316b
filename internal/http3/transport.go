package http3

import (
	"context"
	"fmt"
	"io"
)

// StreamID is a 62-bit transport stream identifier. The low two bits encode
// the stream's role (RFC 9000, Section 2.1): bit 0 is the initiator (0 =
// client, 1 = server) and bit 1 the directionality (0 = bidirectional,
// 1 = unidirectional).
type StreamID uint64

// StreamDir is the directionality of a stream as surfaced by the transport.
type StreamDir uint8

const (
	// StreamBidirectional streams carry one HTTP message exchange.
	StreamBidirectional StreamDir = iota
	// StreamUnidirectional streams carry control, push or QPACK traffic.
	StreamUnidirectional
)

// String returns the string representation of the StreamDir.
func (d StreamDir) String() string {
	if d == StreamUnidirectional {
		return "unidirectional"
	}
	return "bidirectional"
}

// IsBidirectional reports whether the stream carries data both ways.
func (id StreamID) IsBidirectional() bool { return id&0x2 == 0 }

// IsClientInitiated reports whether the client opened the stream.
func (id StreamID) IsClientInitiated() bool { return id&0x1 == 0 }

// Dir returns the stream's directionality as encoded in its id.
func (id StreamID) Dir() StreamDir {
	if id.IsBidirectional() {
		return StreamBidirectional
	}
	return StreamUnidirectional
}

// String renders the id with its role for log output.
func (id StreamID) String() string {
	role := "server"
	if id.IsClientInitiated() {
		role = "client"
	}
	return fmt.Sprintf("%d (%s %s)", uint64(id), role, id.Dir())
}

// TransportStream is one stream of the underlying transport: an opaque
// byte-duplex handle whose halves complete independently. Read returns
// io.EOF once the peer finishes the stream cleanly. For unidirectional
// inbound streams Write fails; the engine never writes to them.
type TransportStream interface {
	io.Reader
	io.Writer

	// StreamID returns the transport-assigned 62-bit identifier.
	StreamID() StreamID

	// Close finishes the write half cleanly (the peer reads io.EOF after
	// consuming buffered bytes). The read half is unaffected.
	Close() error

	// CancelRead aborts the read half, signaling code to the peer. Buffered
	// and future bytes are discarded.
	CancelRead(code ErrorCode)

	// CancelWrite aborts the write half, signaling code to the peer.
	CancelWrite(code ErrorCode)
}

// Transport is the connection-level boundary to the underlying multiplexed
// transport (QUIC in production). Stream acceptance, raw byte delivery,
// congestion control and encryption all live behind it.
type Transport interface {
	// AcceptStream blocks until the peer opens a stream, the context is
	// cancelled, or the transport dies.
	AcceptStream(ctx context.Context) (TransportStream, error)

	// OpenStream opens a self-initiated stream of the given directionality.
	OpenStream(dir StreamDir) (TransportStream, error)

	// Abort tears the whole transport session down, signaling code and a
	// human-readable reason to the peer.
	Abort(code ErrorCode, reason string) error
}
