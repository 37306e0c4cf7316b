package http3

import "example.com/h3engine/internal/server"

// ConnectionHooks observes the lifetime of a connection's streams. The
// runtime embedding the engine supplies an implementation; tests substitute
// a recording one. A non-nil error from an accept-class hook rejects the
// stream or tears the connection down, depending on the call site.
type ConnectionHooks interface {
	// OnInboundControlStream fires when the peer's control stream arrives.
	OnInboundControlStream(id StreamID) error
	// OnInboundControlStreamSetting fires once per decoded SETTINGS entry.
	OnInboundControlStreamSetting(s Setting) error
	// OnInboundEncoderStream fires when the peer's QPACK encoder stream arrives.
	OnInboundEncoderStream(id StreamID) error
	// OnInboundDecoderStream fires when the peer's QPACK decoder stream arrives.
	OnInboundDecoderStream(id StreamID) error

	// OnStreamCreated fires when a request stream is accepted. An error
	// rejects the stream with H3_REQUEST_REJECTED.
	OnStreamCreated(id StreamID) error
	// OnStreamHeaderReceived fires after a request's field section decoded
	// and validated. An error aborts the stream.
	OnStreamHeaderReceived(id StreamID, headers []server.HeaderField) error
	// OnStreamCompleted fires exactly once per request stream, when both
	// halves finish or the stream aborts, with final byte accounting.
	OnStreamCompleted(id StreamID, bytesReceived, bytesSent uint64)

	// OnStreamConnectionError fires once when the connection dies on a
	// protocol error, before the transport is aborted.
	OnStreamConnectionError(err *ConnectionError)
}

// NopHooks is a ConnectionHooks that accepts everything and records nothing.
// Embed it to implement only the hooks of interest.
type NopHooks struct{}

func (NopHooks) OnInboundControlStream(StreamID) error { return nil }
func (NopHooks) OnInboundControlStreamSetting(Setting) error { return nil }
func (NopHooks) OnInboundEncoderStream(StreamID) error { return nil }
func (NopHooks) OnInboundDecoderStream(StreamID) error { return nil }
func (NopHooks) OnStreamCreated(StreamID) error { return nil }
func (NopHooks) OnStreamHeaderReceived(StreamID, []server.HeaderField) error { return nil }
func (NopHooks) OnStreamCompleted(StreamID, uint64, uint64) {}
func (NopHooks) OnStreamConnectionError(*ConnectionError) {}

var _ ConnectionHooks = NopHooks{}
