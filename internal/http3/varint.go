package http3

import (
	"errors"
	"fmt"
)

// QUIC variable-length integers (RFC 9000, Section 16). The two most
// significant bits of the first byte select a 1, 2, 4 or 8 byte encoding,
// leaving 6, 14, 30 or 62 bits for the value. Every frame header, stream-type
// prefix and SETTINGS entry on the wire uses this encoding.

const (
	// MaxVarint is the largest value representable as a variable-length
	// integer: 2^62 - 1.
	MaxVarint uint64 = (1 << 62) - 1

	maxVarint1 uint64 = (1 << 6) - 1
	maxVarint2 uint64 = (1 << 14) - 1
	maxVarint4 uint64 = (1 << 30) - 1
)

// ErrIncomplete is returned by decode paths when the buffer holds fewer bytes
// than the encoding requires. Callers must not advance their read cursor; the
// same bytes are expected back, extended, on the next attempt.
var ErrIncomplete = errors.New("http3: incomplete data")

// ErrVarintRange is returned when a value cannot be represented in 62 bits.
var ErrVarintRange = errors.New("http3: value exceeds 62-bit varint range")

// VarintLen returns the number of bytes AppendVarint would use for v.
// It returns 0 if v exceeds MaxVarint.
func VarintLen(v uint64) int {
	switch {
	case v <= maxVarint1:
		return 1
	case v <= maxVarint2:
		return 2
	case v <= maxVarint4:
		return 4
	case v <= MaxVarint:
		return 8
	default:
		return 0
	}
}

// AppendVarint appends the smallest encoding of v to dst and returns the
// extended slice. Values above MaxVarint cannot be encoded; callers must
// range-check with VarintLen or CheckVarint first. AppendVarint panics on
// out-of-range input, mirroring binary.PutUvarint's contract for impossible
// arguments, because every call site encodes values already bounded by the
// wire format.
func AppendVarint(dst []byte, v uint64) []byte {
	switch {
	case v <= maxVarint1:
		return append(dst, byte(v))
	case v <= maxVarint2:
		return append(dst, byte(v>>8)|0x40, byte(v))
	case v <= maxVarint4:
		return append(dst, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	case v <= MaxVarint:
		return append(dst, byte(v>>56)|0xc0, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		panic(fmt.Sprintf("http3: AppendVarint value %d out of range", v))
	}
}

// CheckVarint reports whether v is representable as a variable-length integer.
func CheckVarint(v uint64) error {
	if v > MaxVarint {
		return ErrVarintRange
	}
	return nil
}

// ReadVarint decodes a variable-length integer from the head of buf.
// It returns the value and the number of bytes consumed. If buf holds fewer
// bytes than the length prefix of its first byte implies, it returns
// ErrIncomplete and consumes nothing.
func ReadVarint(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrIncomplete
	}
	b0 := buf[0]
	length := 1 << (b0 >> 6)
	if len(buf) < length {
		return 0, 0, ErrIncomplete
	}
	v := uint64(b0 & 0x3f)
	for i := 1; i < length; i++ {
		v = v<<8 | uint64(buf[i])
	}
	return v, length, nil
}
