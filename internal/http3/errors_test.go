package http3

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "H3_NO_ERROR", ErrCodeNoError.String())
	assert.Equal(t, "H3_FRAME_UNEXPECTED", ErrCodeFrameUnexpected.String())
	assert.Equal(t, "H3_MISSING_SETTINGS", ErrCodeMissingSettings.String())
	assert.Equal(t, "QPACK_DECOMPRESSION_FAILED", ErrCodeQPACKDecompressionFailed.String())
	assert.Contains(t, ErrorCode(0x1234).String(), "0x1234")
}

func TestStreamErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying parse failure")
	se := NewStreamErrorWithCause(4, ErrCodeMessageError, "bad field section", cause)
	assert.ErrorIs(t, se, cause)
	assert.Contains(t, se.Error(), "bad field section")
	assert.Equal(t, StreamID(4), se.StreamID)

	bare := NewStreamError(8, ErrCodeRequestCancelled, "cancelled")
	assert.Nil(t, errors.Unwrap(bare))
}

func TestConnectionErrorUnwrap(t *testing.T) {
	cause := errors.New("settings parse failure")
	ce := NewConnectionErrorWithCause(ErrCodeSettingsError, "bad SETTINGS", cause)
	assert.ErrorIs(t, ce, cause)
	assert.Equal(t, ErrCodeSettingsError, ce.Code)

	var asConn *ConnectionError
	require.ErrorAs(t, error(ce), &asConn)
	assert.Contains(t, asConn.Error(), "bad SETTINGS")
}

func TestErrorAsDistinguishesKinds(t *testing.T) {
	var se *StreamError
	var ce *ConnectionError

	err := error(NewStreamError(0, ErrCodeMessageError, "m"))
	assert.True(t, errors.As(err, &se))
	assert.False(t, errors.As(err, &ce))

	err = error(NewConnectionError(ErrCodeFrameError, "f"))
	assert.True(t, errors.As(err, &ce))
}
