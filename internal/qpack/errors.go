package qpack

import "errors"

// errNeedMore signals an incomplete prefix integer or string literal. It is
// internal: Decode treats it as a truncated field section, and instruction
// parsing stops at the last complete instruction.
var errNeedMore = errors.New("qpack: need more data")

// ErrInsufficientSpace is returned by EncodeInto when the destination cannot
// hold the encoded field section.
var ErrInsufficientSpace = errors.New("qpack: insufficient space in destination buffer")

// DecodingError reports a malformed or unresolvable field section. Fatal
// errors indicate the decoder's view of the dynamic table has diverged from
// the peer's and the connection must be torn down; non-fatal errors are
// confined to the stream carrying the field section.
type DecodingError struct {
	fatal bool
	msg   string
}

func (e *DecodingError) Error() string { return "qpack: decoding error: " + e.msg }

// Fatal reports whether the error corrupts dynamic table synchronization.
func (e *DecodingError) Fatal() bool { return e.fatal }

// EncoderStreamError reports a malformed or invalid instruction on the
// peer's encoder stream. These are always connection-fatal.
type EncoderStreamError struct {
	msg string
}

func (e *EncoderStreamError) Error() string { return "qpack: encoder stream error: " + e.msg }
