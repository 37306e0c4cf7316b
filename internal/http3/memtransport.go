package http3

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// In-memory Transport pair. The engine's tests and the demo command run both
// endpoints of a connection inside one process; the transport pair carries
// stream bytes through flow-controlled pipes with the same pause/resume
// threshold semantics the engine configures on a real transport.

// ErrTransportClosed is returned from transport operations after Abort.
var ErrTransportClosed = errors.New("http3: transport closed")

// ResetError is surfaced to a reader whose peer aborted its write half.
type ResetError struct {
	Code ErrorCode
}

// Error returns a string representation of the ResetError.
func (e *ResetError) Error() string {
	return fmt.Sprintf("stream reset by peer: %s", e.Code)
}

// MemTransportOptions configures the per-direction buffering of a transport
// pair. Limits follow the pipe semantics: negative is unbounded, zero is a
// rendezvous, positive is a byte threshold.
type MemTransportOptions struct {
	// StreamBufferLimit bounds the bytes buffered per stream direction.
	StreamBufferLimit int
	// AcceptBacklog bounds how many opened-but-unaccepted streams may queue.
	AcceptBacklog int
}

// MemTransport is one endpoint of an in-memory transport session.
type MemTransport struct {
	isClient bool
	peer     *MemTransport
	opts     MemTransportOptions

	mu       sync.Mutex
	nextBidi uint64
	nextUni  uint64
	aborted  bool
	abortErr error

	acceptCh chan *memStream
	done     chan struct{}
}

// NewMemTransportPair returns the client and server endpoints of a connected
// in-memory transport session.
func NewMemTransportPair(opts MemTransportOptions) (client, server *MemTransport) {
	if opts.AcceptBacklog <= 0 {
		opts.AcceptBacklog = 32
	}
	if opts.StreamBufferLimit == 0 {
		// A true rendezvous between endpoints deadlocks handshakes that
		// write before the peer reads; default to unbounded instead. Callers
		// wanting rendezvous pipes set the limit explicitly on the engine's
		// body buffering, not on the transport.
		opts.StreamBufferLimit = -1
	}
	client = &MemTransport{
		isClient: true,
		opts:     opts,
		acceptCh: make(chan *memStream, opts.AcceptBacklog),
		done:     make(chan struct{}),
	}
	server = &MemTransport{
		isClient: false,
		opts:     opts,
		acceptCh: make(chan *memStream, opts.AcceptBacklog),
		done:     make(chan struct{}),
	}
	client.peer = server
	server.peer = client
	return client, server
}

// memStream is one endpoint's view of a stream: out carries local writes to
// the peer, in carries peer writes here. Unidirectional streams leave the
// initiator's in (and the acceptor's out) nil.
type memStream struct {
	id  StreamID
	out *pipe
	in  *pipe
}

// StreamID returns the transport-assigned identifier.
func (s *memStream) StreamID() StreamID { return s.id }

func (s *memStream) Read(b []byte) (int, error) {
	if s.in == nil {
		return 0, fmt.Errorf("http3: read from write-only stream %d", s.id)
	}
	return s.in.Read(b)
}

func (s *memStream) Write(b []byte) (int, error) {
	if s.out == nil {
		return 0, fmt.Errorf("http3: write to read-only stream %d", s.id)
	}
	return s.out.Write(b)
}

// Close finishes the write half cleanly.
func (s *memStream) Close() error {
	if s.out != nil {
		s.out.CloseWrite()
	}
	return nil
}

// CancelRead aborts the read half.
func (s *memStream) CancelRead(code ErrorCode) {
	if s.in != nil {
		s.in.CloseRead()
	}
}

// CancelWrite aborts the write half; the peer's reader observes a ResetError.
func (s *memStream) CancelWrite(code ErrorCode) {
	if s.out != nil {
		s.out.CloseWriteWithError(&ResetError{Code: code})
	}
}

// AcceptStream blocks until the peer opens a stream toward this endpoint.
func (t *MemTransport) AcceptStream(ctx context.Context) (TransportStream, error) {
	select {
	case s := <-t.acceptCh:
		return s, nil
	case <-t.done:
		return nil, t.abortReason()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenStream opens a self-initiated stream and surfaces it to the peer's
// accept queue.
func (t *MemTransport) OpenStream(dir StreamDir) (TransportStream, error) {
	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		return nil, t.abortErr
	}
	var seq uint64
	if dir == StreamBidirectional {
		seq = t.nextBidi
		t.nextBidi++
	} else {
		seq = t.nextUni
		t.nextUni++
	}
	t.mu.Unlock()

	var roleBits uint64
	if !t.isClient {
		roleBits |= 0x1
	}
	if dir == StreamUnidirectional {
		roleBits |= 0x2
	}
	id := StreamID(seq<<2 | roleBits)

	toPeer := newPipe(t.opts.StreamBufferLimit)
	local := &memStream{id: id, out: toPeer}
	remote := &memStream{id: id, in: toPeer}
	if dir == StreamBidirectional {
		fromPeer := newPipe(t.opts.StreamBufferLimit)
		local.in = fromPeer
		remote.out = fromPeer
	}

	select {
	case t.peer.acceptCh <- remote:
	case <-t.peer.done:
		return nil, ErrTransportClosed
	}
	return local, nil
}

// Abort tears the session down on both endpoints.
func (t *MemTransport) Abort(code ErrorCode, reason string) error {
	err := fmt.Errorf("%w: %s (%s)", ErrTransportClosed, reason, code)
	for _, side := range []*MemTransport{t, t.peer} {
		side.mu.Lock()
		if !side.aborted {
			side.aborted = true
			side.abortErr = err
			close(side.done)
		}
		side.mu.Unlock()
	}
	return nil
}

func (t *MemTransport) abortReason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abortErr != nil {
		return t.abortErr
	}
	return ErrTransportClosed
}
