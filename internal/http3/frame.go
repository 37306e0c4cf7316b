package http3

import "fmt"

// FrameType identifies an HTTP/3 frame (RFC 9114, Section 7.2).
// Frame types are varint-encoded on the wire, so the full 62-bit space is
// available; values matching 0x1f*N+0x21 are reserved for greasing and must
// be ignored like any other unknown type.
type FrameType uint64

const (
	// FrameData carries request or response body bytes (0x00).
	FrameData FrameType = 0x00
	// FrameHeaders carries a QPACK-encoded field section (0x01).
	FrameHeaders FrameType = 0x01
	// FrameCancelPush cancels a server push (0x03).
	FrameCancelPush FrameType = 0x03
	// FrameSettings carries connection-level configuration (0x04).
	FrameSettings FrameType = 0x04
	// FramePushPromise announces a server push on a request stream (0x05).
	FramePushPromise FrameType = 0x05
	// FrameGoAway initiates graceful connection shutdown (0x07).
	FrameGoAway FrameType = 0x07
	// FrameMaxPushID bounds the server's push IDs (0x0d).
	FrameMaxPushID FrameType = 0x0d
)

// String returns the string representation of the FrameType.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FrameCancelPush:
		return "CANCEL_PUSH"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FrameGoAway:
		return "GOAWAY"
	case FrameMaxPushID:
		return "MAX_PUSH_ID"
	default:
		if t.IsGrease() {
			return fmt.Sprintf("GREASE_0x%x", uint64(t))
		}
		return fmt.Sprintf("UNKNOWN_FRAME_TYPE_0x%x", uint64(t))
	}
}

// IsGrease reports whether t is one of the reserved frame types of the form
// 0x1f*N + 0x21 (RFC 9114, Section 7.2.8).
func (t FrameType) IsGrease() bool {
	return uint64(t) >= 0x21 && (uint64(t)-0x21)%0x1f == 0
}

// DefaultMaxFrameSize caps the declared payload length of a single inbound
// frame. RFC 9114 imposes no fixed limit; this guards buffering, and is
// configurable per connection.
const DefaultMaxFrameSize uint64 = 1 << 20 // 1 MiB

// FrameHeader is the decoded type+length prefix of a frame. The payload is
// the Length bytes that follow it on the stream.
type FrameHeader struct {
	Type   FrameType
	Length uint64
}

// TryReadFrame scans the head of buf for a complete frame: type varint,
// length varint, and Length payload bytes. On success it returns the header
// and the payload bounds within buf. If buf does not yet hold the whole
// frame it returns ErrIncomplete and the caller retries with more bytes from
// the unchanged buffer start; nothing is ever consumed on an incomplete read.
// A declared length above maxFrameSize is a connection error (FrameError),
// detected before the payload is buffered.
func TryReadFrame(buf []byte, maxFrameSize uint64) (fh FrameHeader, payloadStart, payloadEnd int, err error) {
	typ, n1, err := ReadVarint(buf)
	if err != nil {
		return FrameHeader{}, 0, 0, err
	}
	length, n2, err := ReadVarint(buf[n1:])
	if err != nil {
		return FrameHeader{}, 0, 0, err
	}
	fh = FrameHeader{Type: FrameType(typ), Length: length}
	if maxFrameSize > 0 && length > maxFrameSize {
		return fh, 0, 0, NewConnectionError(ErrCodeFrameError,
			fmt.Sprintf("%s frame declares %d payload bytes, above the %d limit", fh.Type, length, maxFrameSize))
	}
	headerLen := n1 + n2
	if uint64(len(buf)-headerLen) < length {
		return FrameHeader{}, 0, 0, ErrIncomplete
	}
	return fh, headerLen, headerLen + int(length), nil
}

// AppendFrameHeader appends the type and length varints of a frame to dst.
// The payload is written separately by the caller to avoid a copy.
func AppendFrameHeader(dst []byte, t FrameType, length uint64) []byte {
	dst = AppendVarint(dst, uint64(t))
	return AppendVarint(dst, length)
}

// SettingID identifies a SETTINGS parameter (RFC 9114 Section 7.2.4.1,
// RFC 9204 Section 5).
type SettingID uint64

const (
	// SettingQPACKMaxTableCapacity (0x01): bound on the peer encoder's dynamic
	// table.
	SettingQPACKMaxTableCapacity SettingID = 0x01
	// SettingMaxFieldSectionSize (0x06): bound on the uncompressed size of a
	// field section the sender will accept.
	SettingMaxFieldSectionSize SettingID = 0x06
	// SettingQPACKBlockedStreams (0x07): how many streams may block on
	// dynamic-table inserts.
	SettingQPACKBlockedStreams SettingID = 0x07
)

// String returns the string representation of the SettingID.
func (s SettingID) String() string {
	switch s {
	case SettingQPACKMaxTableCapacity:
		return "SETTINGS_QPACK_MAX_TABLE_CAPACITY"
	case SettingMaxFieldSectionSize:
		return "SETTINGS_MAX_FIELD_SECTION_SIZE"
	case SettingQPACKBlockedStreams:
		return "SETTINGS_QPACK_BLOCKED_STREAMS"
	default:
		return fmt.Sprintf("UNKNOWN_SETTING_ID_0x%x", uint64(s))
	}
}

// Setting is a single (parameter, value) pair from a SETTINGS frame.
type Setting struct {
	ID    SettingID
	Value uint64
}

// ParseSettings decodes a SETTINGS payload: a flat sequence of (id, value)
// varint pairs. Order is preserved; duplicates are retained so the caller can
// apply last-wins. Settings defined for HTTP/2 but reserved in HTTP/3
// (0x02-0x05) are a connection error of type SettingsError. A truncated pair
// is a FrameError: the payload length is exact, so there is no more data
// coming.
func ParseSettings(payload []byte) ([]Setting, error) {
	var settings []Setting
	for len(payload) > 0 {
		id, n, err := ReadVarint(payload)
		if err != nil {
			return nil, NewConnectionError(ErrCodeFrameError, "SETTINGS payload truncated inside a parameter id")
		}
		payload = payload[n:]
		value, n, err := ReadVarint(payload)
		if err != nil {
			return nil, NewConnectionError(ErrCodeFrameError, "SETTINGS payload truncated inside a parameter value")
		}
		payload = payload[n:]

		// 0x00 and 0x02-0x05 are reserved in the HTTP/3 settings registry
		// (RFC 9114, Section 11.2.2); their appearance is an error rather
		// than an unknown to ignore.
		if id == 0x00 || (id >= 0x02 && id <= 0x05) {
			return nil, NewConnectionError(ErrCodeSettingsError,
				fmt.Sprintf("reserved setting 0x%x in SETTINGS", id))
		}
		settings = append(settings, Setting{ID: SettingID(id), Value: value})
	}
	return settings, nil
}

// AppendSettings appends the wire form of settings to dst, in order.
func AppendSettings(dst []byte, settings []Setting) []byte {
	for _, s := range settings {
		dst = AppendVarint(dst, uint64(s.ID))
		dst = AppendVarint(dst, s.Value)
	}
	return dst
}

// SettingsMap folds a parsed settings sequence into a lookup map with
// last-wins semantics for duplicates.
func SettingsMap(settings []Setting) map[SettingID]uint64 {
	m := make(map[SettingID]uint64, len(settings))
	for _, s := range settings {
		m[s.ID] = s.Value
	}
	return m
}

// ParseGoAway decodes a GOAWAY payload: a single varint stream id. Trailing
// bytes after the id are a frame layout violation.
func ParseGoAway(payload []byte) (StreamID, error) {
	id, n, err := ReadVarint(payload)
	if err != nil {
		return 0, NewConnectionError(ErrCodeFrameError, "GOAWAY payload shorter than its stream id")
	}
	if n != len(payload) {
		return 0, NewConnectionError(ErrCodeFrameError, "GOAWAY payload has trailing bytes")
	}
	return StreamID(id), nil
}

// AppendGoAwayFrame appends a complete GOAWAY frame (header and payload) to dst.
func AppendGoAwayFrame(dst []byte, id StreamID) []byte {
	dst = AppendFrameHeader(dst, FrameGoAway, uint64(VarintLen(uint64(id))))
	return AppendVarint(dst, uint64(id))
}

// AppendSettingsFrame appends a complete SETTINGS frame to dst.
func AppendSettingsFrame(dst []byte, settings []Setting) []byte {
	payload := AppendSettings(nil, settings)
	dst = AppendFrameHeader(dst, FrameSettings, uint64(len(payload)))
	return append(dst, payload...)
}
