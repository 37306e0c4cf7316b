package qpack

import "sync"

// Field line patterns from RFC 9204 Section 4.5.
const (
	patternIndexedStatic   = 0xc0 // 1 T=1, 6-bit index
	patternLiteralNameRef  = 0x40 // 01 N T, 4-bit index
	literalNameRefStatic   = 0x10
	literalNameRefNeverIdx = 0x20
	patternLiteralName     = 0x20 // 001 N H, 3-bit name length
	literalNameNeverIdx    = 0x10
)

// Encoder serializes field sections. It references the static table only and
// issues no encoder-stream instructions, so its output carries a Required
// Insert Count of zero and can be decoded regardless of dynamic table state.
// An Encoder is safe for concurrent use.
type Encoder struct {
	mu      sync.Mutex
	scratch []byte
}

// NewEncoder returns an Encoder ready for use.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeInto serializes fields as a complete encoded field section into dst,
// returning the number of bytes written. If dst is too small, it returns
// ErrInsufficientSpace and writes nothing.
func (e *Encoder) EncodeInto(dst []byte, fields []HeaderField) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := e.appendFieldSection(e.scratch[:0], fields)
	e.scratch = buf[:0]
	if len(buf) > len(dst) {
		return 0, ErrInsufficientSpace
	}
	return copy(dst, buf), nil
}

// AppendFieldSection appends the encoded field section for fields to dst.
func (e *Encoder) AppendFieldSection(dst []byte, fields []HeaderField) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.appendFieldSection(dst, fields)
}

func (e *Encoder) appendFieldSection(dst []byte, fields []HeaderField) []byte {
	// Required Insert Count 0, Delta Base 0: no dynamic references follow.
	dst = append(dst, 0x00, 0x00)
	for _, hf := range fields {
		dst = e.appendFieldLine(dst, hf)
	}
	return dst
}

func (e *Encoder) appendFieldLine(dst []byte, hf HeaderField) []byte {
	if !hf.Sensitive {
		if idx, ok := staticExact[staticKey{hf.Name, hf.Value}]; ok {
			return appendPrefixedInt(dst, patternIndexedStatic, 6, idx)
		}
	}
	if idx, ok := staticName[hf.Name]; ok {
		first := byte(patternLiteralNameRef | literalNameRefStatic)
		if hf.Sensitive {
			first |= literalNameRefNeverIdx
		}
		dst = appendPrefixedInt(dst, first, 4, idx)
		return appendStringLiteral(dst, 0x00, 7, hf.Value)
	}
	first := byte(patternLiteralName)
	if hf.Sensitive {
		first |= literalNameNeverIdx
	}
	dst = appendStringLiteral(dst, first, 3, hf.Name)
	return appendStringLiteral(dst, 0x00, 7, hf.Value)
}
