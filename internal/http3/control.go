package http3

import (
	"fmt"
	"sync"
)

// Unidirectional stream types (RFC 9114 Section 6.2, RFC 9204 Section 4.2).
const (
	StreamTypeControl      uint64 = 0x00
	StreamTypePush         uint64 = 0x01
	StreamTypeQPACKEncoder uint64 = 0x02
	StreamTypeQPACKDecoder uint64 = 0x03
)

type controlState uint8

const (
	// controlAwaitingSettings: stream type seen, first frame must be SETTINGS.
	controlAwaitingSettings controlState = iota
	// controlOpen: SETTINGS applied, subsequent control frames accepted.
	controlOpen
)

// controlReceiver is the state machine for the peer's control stream. The
// connection read loop feeds it raw bytes; it carves frames, enforces the
// SETTINGS-first rule and per-frame validity, and reports decoded frames
// through callbacks. Every error it returns is a ConnectionError.
type controlReceiver struct {
	state        controlState
	maxFrameSize uint64
	buf          []byte

	goawaySeen bool
	goawayID   StreamID

	maxPushIDSeen bool
	maxPushID     uint64

	onSettings func([]Setting) error
	onGoAway   func(StreamID) error
}

// Feed buffers data and processes every complete frame it now holds. A
// trailing partial frame is kept for the next call.
func (r *controlReceiver) Feed(data []byte) error {
	r.buf = append(r.buf, data...)
	for {
		fh, start, end, err := TryReadFrame(r.buf, r.maxFrameSize)
		if err == ErrIncomplete {
			return nil
		}
		if err != nil {
			return err
		}
		payload := r.buf[start:end]
		if err := r.handleFrame(fh, payload); err != nil {
			return err
		}
		r.buf = r.buf[end:]
		if len(r.buf) == 0 {
			r.buf = nil
			return nil
		}
	}
}

// CloseEOF records the peer ending its control stream. The control stream
// is critical for the connection lifetime, so any termination is fatal,
// including after SETTINGS arrived.
func (r *controlReceiver) CloseEOF() error {
	return NewConnectionError(ErrCodeClosedCriticalStream, "peer closed its control stream")
}

func (r *controlReceiver) handleFrame(fh FrameHeader, payload []byte) error {
	if r.state == controlAwaitingSettings && fh.Type != FrameSettings {
		return NewConnectionError(ErrCodeMissingSettings,
			fmt.Sprintf("first control frame is %s, not SETTINGS", fh.Type))
	}

	switch fh.Type {
	case FrameSettings:
		if r.state != controlAwaitingSettings {
			return NewConnectionError(ErrCodeFrameUnexpected, "second SETTINGS frame on control stream")
		}
		settings, err := ParseSettings(payload)
		if err != nil {
			return err
		}
		r.state = controlOpen
		if r.onSettings != nil {
			return r.onSettings(settings)
		}
		return nil

	case FrameGoAway:
		id, err := ParseGoAway(payload)
		if err != nil {
			return err
		}
		if r.goawaySeen && id > r.goawayID {
			return NewConnectionError(ErrCodeIDError,
				fmt.Sprintf("GOAWAY id raised from %s to %s", r.goawayID, id))
		}
		r.goawaySeen = true
		r.goawayID = id
		if r.onGoAway != nil {
			return r.onGoAway(id)
		}
		return nil

	case FrameMaxPushID:
		id, err := parseSingleVarintPayload(payload, "MAX_PUSH_ID")
		if err != nil {
			return err
		}
		if r.maxPushIDSeen && id < r.maxPushID {
			return NewConnectionError(ErrCodeIDError,
				fmt.Sprintf("MAX_PUSH_ID reduced from %d to %d", r.maxPushID, id))
		}
		r.maxPushIDSeen = true
		r.maxPushID = id
		return nil

	case FrameCancelPush:
		if _, err := parseSingleVarintPayload(payload, "CANCEL_PUSH"); err != nil {
			return err
		}
		// We never send PUSH_PROMISE, so no push id the peer names can have
		// been promised.
		return NewConnectionError(ErrCodeIDError, "CANCEL_PUSH for a push id never promised")

	case FrameData, FrameHeaders, FramePushPromise:
		return NewConnectionError(ErrCodeFrameUnexpected,
			fmt.Sprintf("%s frame on control stream", fh.Type))

	default:
		// Grease and unknown frame types are skipped.
		return nil
	}
}

// parseSingleVarintPayload decodes a payload holding exactly one varint.
func parseSingleVarintPayload(payload []byte, frameName string) (uint64, error) {
	v, n, err := ReadVarint(payload)
	if err != nil {
		return 0, NewConnectionError(ErrCodeFrameError, frameName+" payload shorter than its id")
	}
	if n != len(payload) {
		return 0, NewConnectionError(ErrCodeFrameError, frameName+" payload has trailing bytes")
	}
	return v, nil
}

// outboundControl owns the locally opened control stream. SETTINGS goes out
// once at open; GOAWAY may follow during shutdown. Writes are serialized.
type outboundControl struct {
	mu     sync.Mutex
	stream TransportStream

	goawaySent bool
	goawayID   StreamID
}

// openOutboundControl opens the control stream on t and sends the stream
// type followed by the SETTINGS frame.
func openOutboundControl(t Transport, settings []Setting) (*outboundControl, error) {
	s, err := t.OpenStream(StreamUnidirectional)
	if err != nil {
		return nil, err
	}
	buf := AppendVarint(nil, StreamTypeControl)
	buf = AppendSettingsFrame(buf, settings)
	if _, err := s.Write(buf); err != nil {
		return nil, fmt.Errorf("writing SETTINGS on control stream: %w", err)
	}
	return &outboundControl{stream: s}, nil
}

// Finish ends the control stream's write half cleanly so the peer sees EOF
// after any GOAWAY already written.
func (c *outboundControl) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.Close()
}

// SendGoAway writes a GOAWAY frame carrying id. Later calls may only lower
// the id; a repeat with an equal or higher id is dropped.
func (c *outboundControl) SendGoAway(id StreamID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.goawaySent && id >= c.goawayID {
		return nil
	}
	if _, err := c.stream.Write(AppendGoAwayFrame(nil, id)); err != nil {
		return fmt.Errorf("writing GOAWAY on control stream: %w", err)
	}
	c.goawaySent = true
	c.goawayID = id
	return nil
}
