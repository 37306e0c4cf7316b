package http3

import "fmt"

// ErrorCode is an HTTP/3 application error code carried in the transport's
// stream and connection error signaling.
type ErrorCode uint64

// HTTP/3 error codes from RFC 9114 Section 8.1 and QPACK error codes from
// RFC 9204 Section 6.
const (
	// ErrCodeNoError (0x100): no error, graceful shutdown.
	ErrCodeNoError ErrorCode = 0x100
	// ErrCodeGeneralProtocolError (0x101): peer violated the protocol in a way
	// that does not match a more specific code.
	ErrCodeGeneralProtocolError ErrorCode = 0x101
	// ErrCodeInternalError (0x102): implementation fault.
	ErrCodeInternalError ErrorCode = 0x102
	// ErrCodeStreamCreationError (0x103): stream opened that the peer may not open.
	ErrCodeStreamCreationError ErrorCode = 0x103
	// ErrCodeClosedCriticalStream (0x104): a stream required by the connection
	// (control, QPACK encoder/decoder) was closed.
	ErrCodeClosedCriticalStream ErrorCode = 0x104
	// ErrCodeFrameUnexpected (0x105): frame not permitted in the current state.
	ErrCodeFrameUnexpected ErrorCode = 0x105
	// ErrCodeFrameError (0x106): frame violated layout or size rules.
	ErrCodeFrameError ErrorCode = 0x106
	// ErrCodeExcessiveLoad (0x107): peer exhibiting load-generating behavior.
	ErrCodeExcessiveLoad ErrorCode = 0x107
	// ErrCodeIDError (0x108): stream or push ID used incorrectly.
	ErrCodeIDError ErrorCode = 0x108
	// ErrCodeSettingsError (0x109): SETTINGS frame parameter violation.
	ErrCodeSettingsError ErrorCode = 0x109
	// ErrCodeMissingSettings (0x10a): first control-stream frame was not SETTINGS.
	ErrCodeMissingSettings ErrorCode = 0x10a
	// ErrCodeRequestRejected (0x10b): request not processed at all.
	ErrCodeRequestRejected ErrorCode = 0x10b
	// ErrCodeRequestCancelled (0x10c): request cancelled.
	ErrCodeRequestCancelled ErrorCode = 0x10c
	// ErrCodeRequestIncomplete (0x10d): stream ended before the message completed.
	ErrCodeRequestIncomplete ErrorCode = 0x10d
	// ErrCodeMessageError (0x10e): malformed HTTP message.
	ErrCodeMessageError ErrorCode = 0x10e
	// ErrCodeConnectError (0x10f): TCP error on a CONNECT target.
	ErrCodeConnectError ErrorCode = 0x10f
	// ErrCodeVersionFallback (0x110): retry over HTTP/1.1.
	ErrCodeVersionFallback ErrorCode = 0x110

	// ErrCodeQPACKDecompressionFailed (0x200): decoder failed to interpret a
	// field section.
	ErrCodeQPACKDecompressionFailed ErrorCode = 0x200
	// ErrCodeQPACKEncoderStreamError (0x201): error on the encoder stream.
	ErrCodeQPACKEncoderStreamError ErrorCode = 0x201
	// ErrCodeQPACKDecoderStreamError (0x202): error on the decoder stream.
	ErrCodeQPACKDecoderStreamError ErrorCode = 0x202
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "H3_NO_ERROR"
	case ErrCodeGeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "H3_INTERNAL_ERROR"
	case ErrCodeStreamCreationError:
		return "H3_STREAM_CREATION_ERROR"
	case ErrCodeClosedCriticalStream:
		return "H3_CLOSED_CRITICAL_STREAM"
	case ErrCodeFrameUnexpected:
		return "H3_FRAME_UNEXPECTED"
	case ErrCodeFrameError:
		return "H3_FRAME_ERROR"
	case ErrCodeExcessiveLoad:
		return "H3_EXCESSIVE_LOAD"
	case ErrCodeIDError:
		return "H3_ID_ERROR"
	case ErrCodeSettingsError:
		return "H3_SETTINGS_ERROR"
	case ErrCodeMissingSettings:
		return "H3_MISSING_SETTINGS"
	case ErrCodeRequestRejected:
		return "H3_REQUEST_REJECTED"
	case ErrCodeRequestCancelled:
		return "H3_REQUEST_CANCELLED"
	case ErrCodeRequestIncomplete:
		return "H3_REQUEST_INCOMPLETE"
	case ErrCodeMessageError:
		return "H3_MESSAGE_ERROR"
	case ErrCodeConnectError:
		return "H3_CONNECT_ERROR"
	case ErrCodeVersionFallback:
		return "H3_VERSION_FALLBACK"
	case ErrCodeQPACKDecompressionFailed:
		return "QPACK_DECOMPRESSION_FAILED"
	case ErrCodeQPACKEncoderStreamError:
		return "QPACK_ENCODER_STREAM_ERROR"
	case ErrCodeQPACKDecoderStreamError:
		return "QPACK_DECODER_STREAM_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_0x%x", uint64(e))
	}
}

// StreamError is an error scoped to a single request stream. The stream is
// aborted with Code; the connection continues.
type StreamError struct {
	StreamID StreamID
	Code     ErrorCode
	Msg      string
	Cause    error // Optional underlying cause
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (%s): %s", e.StreamID, e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (%s)", e.StreamID, e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError creates a new StreamError.
func NewStreamError(id StreamID, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: id, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a new StreamError with an underlying cause.
func NewStreamErrorWithCause(id StreamID, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{StreamID: id, Code: code, Msg: msg, Cause: cause}
}

// ConnectionError is an error fatal to the whole connection. The connection
// flushes a GOAWAY carrying LastStreamID where the control stream permits,
// then aborts the transport with Code.
type ConnectionError struct {
	LastStreamID StreamID
	Code         ErrorCode
	Msg          string
	Cause        error // Optional underlying cause
}

// Error returns a string representation of the ConnectionError.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (last_stream_id %d, %s): %s", e.Msg, e.LastStreamID, e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error: %s (last_stream_id %d, %s)", e.Msg, e.LastStreamID, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(code ErrorCode, msg string) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg}
}

// NewConnectionErrorWithCause creates a new ConnectionError with an underlying cause.
func NewConnectionErrorWithCause(code ErrorCode, msg string, cause error) *ConnectionError {
	return &ConnectionError{Code: code, Msg: msg, Cause: cause}
}
