package qpack

import (
	"golang.org/x/net/http2/hpack"
)

// appendPrefixedInt encodes v as an RFC 7541 Section 5.1 prefixed integer
// with an n-bit prefix. first carries the instruction pattern and flag bits;
// its low n bits must be zero.
func appendPrefixedInt(dst []byte, first byte, n uint8, v uint64) []byte {
	max := uint64(1)<<n - 1
	if v < max {
		return append(dst, first|byte(v))
	}
	dst = append(dst, first|byte(max))
	v -= max
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// readPrefixedInt decodes an n-bit prefixed integer from the start of buf,
// returning the value and the number of bytes consumed. errNeedMore means
// buf ends mid-integer. Continuation runs that would overflow 62 bits are
// rejected as malformed.
func readPrefixedInt(buf []byte, n uint8) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, errNeedMore
	}
	max := uint64(1)<<n - 1
	v := uint64(buf[0]) & max
	if v < max {
		return v, 1, nil
	}
	var shift uint
	for i := 1; i < len(buf); i++ {
		b := buf[i]
		if shift > 56 || (shift == 56 && b&0x7f > 0x3f) {
			return 0, 0, &DecodingError{msg: "prefixed integer overflow"}
		}
		v += uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errNeedMore
}

// appendStringLiteral encodes s as a length-prefixed string literal with an
// n-bit length prefix, Huffman-coding it when that is strictly shorter. The
// Huffman flag occupies the bit just above the prefix; first carries any
// higher pattern bits.
func appendStringLiteral(dst []byte, first byte, n uint8, s string) []byte {
	hbit := byte(1) << n
	if hl := hpack.HuffmanEncodeLength(s); hl < uint64(len(s)) {
		dst = appendPrefixedInt(dst, first|hbit, n, hl)
		return hpack.AppendHuffmanString(dst, s)
	}
	dst = appendPrefixedInt(dst, first, n, uint64(len(s)))
	return append(dst, s...)
}

// readStringLiteral decodes a string literal with an n-bit length prefix,
// honoring the Huffman flag above the prefix.
func readStringLiteral(buf []byte, n uint8) (string, int, error) {
	if len(buf) == 0 {
		return "", 0, errNeedMore
	}
	huffman := buf[0]&(1<<n) != 0
	length, consumed, err := readPrefixedInt(buf, n)
	if err != nil {
		return "", 0, err
	}
	if length > uint64(len(buf)-consumed) {
		return "", 0, errNeedMore
	}
	raw := buf[consumed : consumed+int(length)]
	if !huffman {
		return string(raw), consumed + int(length), nil
	}
	s, err := hpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", 0, &DecodingError{msg: "invalid huffman coding: " + err.Error()}
	}
	return s, consumed + int(length), nil
}
