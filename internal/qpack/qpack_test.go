package qpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, d *Decoder, payload []byte) []HeaderField {
	t.Helper()
	var out []HeaderField
	err := d.Decode(payload, func(hf HeaderField) error {
		out = append(out, hf)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestStaticTableShape(t *testing.T) {
	require.Equal(t, 99, StaticTableSize)
	assert.Equal(t, HeaderField{Name: ":authority"}, staticEntry(0))
	assert.Equal(t, HeaderField{Name: ":method", Value: "GET"}, staticEntry(17))
	assert.Equal(t, HeaderField{Name: ":status", Value: "200"}, staticEntry(25))
	assert.Equal(t, HeaderField{Name: "content-type", Value: "text/html; charset=utf-8"}, staticEntry(52))
	assert.Equal(t, HeaderField{Name: "x-frame-options", Value: "sameorigin"}, staticEntry(98))

	// Name-only lookups resolve to the lowest index carrying the name.
	assert.Equal(t, uint64(15), staticName[":method"])
	assert.Equal(t, uint64(24), staticName[":status"])
}

func TestPrefixedIntRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		v uint64
		n uint8
	}{
		{0, 5}, {10, 5}, {30, 5}, {31, 5}, {32, 5}, {1337, 5},
		{0, 8}, {254, 8}, {255, 8}, {256, 8},
		{62, 6}, {63, 6}, {64, 6},
		{1<<62 - 1, 7},
	} {
		buf := appendPrefixedInt(nil, 0, tc.n, tc.v)
		got, consumed, err := readPrefixedInt(buf, tc.n)
		require.NoError(t, err, "v=%d n=%d", tc.v, tc.n)
		assert.Equal(t, tc.v, got)
		assert.Equal(t, len(buf), consumed)
	}
}

func TestPrefixedIntRFC7541Examples(t *testing.T) {
	// RFC 7541 Appendix C.1 worked examples.
	assert.Equal(t, []byte{0x0a}, appendPrefixedInt(nil, 0, 5, 10))
	assert.Equal(t, []byte{0x1f, 0x9a, 0x0a}, appendPrefixedInt(nil, 0, 5, 1337))
	assert.Equal(t, []byte{0x2a}, appendPrefixedInt(nil, 0, 8, 42))
}

func TestPrefixedIntIncomplete(t *testing.T) {
	full := appendPrefixedInt(nil, 0, 5, 1337)
	for i := 0; i < len(full); i++ {
		_, _, err := readPrefixedInt(full[:i], 5)
		assert.Equal(t, errNeedMore, err, "prefix of %d bytes", i)
	}
}

func TestPrefixedIntOverflow(t *testing.T) {
	buf := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}
	_, _, err := readPrefixedInt(buf, 8)
	var de *DecodingError
	require.ErrorAs(t, err, &de)
}

func TestStringLiteralRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "custom-key", "www.example.com", "no-cache", "\x00\xff binary-ish"} {
		buf := appendStringLiteral(nil, 0, 7, s)
		got, consumed, err := readStringLiteral(buf, 7)
		require.NoError(t, err, "s=%q", s)
		assert.Equal(t, s, got)
		assert.Equal(t, len(buf), consumed)
	}
}

func TestStringLiteralHuffmanWhenShorter(t *testing.T) {
	// A long lowercase string compresses under Huffman; the H bit must be set.
	buf := appendStringLiteral(nil, 0, 7, "www.example.com")
	assert.NotZero(t, buf[0]&0x80)

	got, _, err := readStringLiteral(buf, 7)
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", got)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	fields := []HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "svc.internal:4433"},
		{Name: ":path", Value: "/v1/items?limit=10"},
		{Name: "content-type", Value: "application/json"},
		{Name: "x-request-id", Value: "a9f3c2"},
		{Name: "authorization", Value: "Bearer t0ken", Sensitive: true},
	}
	enc := NewEncoder()
	payload := enc.AppendFieldSection(nil, fields)

	dec := NewDecoder(0)
	got := collect(t, dec, payload)
	require.Len(t, got, len(fields))
	for i, hf := range fields {
		assert.Equal(t, hf.Name, got[i].Name)
		assert.Equal(t, hf.Value, got[i].Value)
	}
	// Sensitive fields come back marked never-indexed.
	assert.True(t, got[6].Sensitive)
	assert.False(t, got[0].Sensitive)
}

func TestEncoderStaticMatchForms(t *testing.T) {
	enc := NewEncoder()

	// Exact static match encodes as a single indexed byte after the prefix.
	payload := enc.AppendFieldSection(nil, []HeaderField{{Name: ":method", Value: "GET"}})
	require.Equal(t, []byte{0x00, 0x00, 0xc0 | 17}, payload)

	// Name-only match uses a literal with static name reference.
	payload = enc.AppendFieldSection(nil, []HeaderField{{Name: ":path", Value: "/items"}})
	assert.Equal(t, byte(0x50|1), payload[2])

	// A sensitive field never uses an exact value match.
	payload = enc.AppendFieldSection(nil, []HeaderField{{Name: "cookie", Value: "k=v", Sensitive: true}})
	assert.Equal(t, byte(0x70|5), payload[2])

	// Sections always start with a zero Required Insert Count and Base.
	assert.Equal(t, []byte{0x00, 0x00}, payload[:2])
}

func TestEncodeInto(t *testing.T) {
	enc := NewEncoder()
	fields := []HeaderField{{Name: ":status", Value: "200"}}
	want := enc.AppendFieldSection(nil, fields)

	dst := make([]byte, 64)
	n, err := enc.EncodeInto(dst, fields)
	require.NoError(t, err)
	assert.Equal(t, want, dst[:n])

	_, err = enc.EncodeInto(make([]byte, len(want)-1), fields)
	assert.ErrorIs(t, err, ErrInsufficientSpace)
}

func TestDecodeTruncatedSection(t *testing.T) {
	enc := NewEncoder()
	payload := enc.AppendFieldSection(nil, []HeaderField{{Name: "x-long-header-name", Value: "some-value"}})

	dec := NewDecoder(0)
	err := dec.Decode(payload[:len(payload)-3], func(HeaderField) error { return nil })
	var de *DecodingError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Fatal())
}

func TestDecodeStaticIndexOutOfRange(t *testing.T) {
	// Indexed static field line naming index 99.
	payload := appendPrefixedInt([]byte{0x00, 0x00}, 0xc0, 6, 99)
	dec := NewDecoder(0)
	err := dec.Decode(payload, func(HeaderField) error { return nil })
	var de *DecodingError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Fatal())
}

func TestDecodeRequiredInsertCountAhead(t *testing.T) {
	// A section requiring insertions the decoder has not seen loses sync.
	dec := NewDecoder(4096)
	payload := []byte{0x02, 0x00, 0xc0 | 17} // encoded RIC 2 over an empty table
	err := dec.Decode(payload, func(HeaderField) error { return nil })
	var de *DecodingError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Fatal())
}

func TestDecodeEmitErrorPropagates(t *testing.T) {
	enc := NewEncoder()
	payload := enc.AppendFieldSection(nil, []HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
	})
	sentinel := assert.AnError
	dec := NewDecoder(0)
	calls := 0
	err := dec.Decode(payload, func(HeaderField) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

// buildInsertLiteral encodes an Insert With Literal Name instruction.
func buildInsertLiteral(name, value string) []byte {
	buf := appendStringLiteral(nil, insInsertLiteral, 5, name)
	return appendStringLiteral(buf, 0x00, 7, value)
}

func TestEncoderInstructionsInsertAndReference(t *testing.T) {
	dec := NewDecoder(4096)

	var ins []byte
	ins = appendPrefixedInt(ins, insSetCapacity, 5, 4096)
	ins = append(ins, buildInsertLiteral("x-trace", "abc123")...)
	// Insert with static name reference: authority (index 0) with a value.
	ins = appendPrefixedInt(ins, insInsertNameRef|insInsertNameRefT, 6, 0)
	ins = appendStringLiteral(ins, 0x00, 7, "svc.internal")

	n, err := dec.HandleEncoderInstructions(ins)
	require.NoError(t, err)
	assert.Equal(t, len(ins), n)
	assert.Equal(t, uint64(2), dec.InsertCount())

	// Field section referencing both entries: RIC 2, base 2, relative
	// index 1 is the first insertion and 0 the second.
	payload := []byte{0x03, 0x00} // encoded RIC = 2+1, delta base 0
	payload = appendPrefixedInt(payload, 0x80, 6, 1)
	payload = appendPrefixedInt(payload, 0x80, 6, 0)

	got := collect(t, dec, payload)
	require.Len(t, got, 2)
	assert.Equal(t, HeaderField{Name: "x-trace", Value: "abc123"}, got[0])
	assert.Equal(t, HeaderField{Name: ":authority", Value: "svc.internal"}, got[1])
}

func TestEncoderInstructionsDuplicate(t *testing.T) {
	dec := NewDecoder(4096)
	var ins []byte
	ins = appendPrefixedInt(ins, insSetCapacity, 5, 4096)
	ins = append(ins, buildInsertLiteral("k", "v")...)
	ins = appendPrefixedInt(ins, insDuplicate, 5, 0)

	n, err := dec.HandleEncoderInstructions(ins)
	require.NoError(t, err)
	assert.Equal(t, len(ins), n)
	assert.Equal(t, uint64(2), dec.InsertCount())
}

func TestEncoderInstructionsPartialConsumesPrefix(t *testing.T) {
	dec := NewDecoder(4096)
	capIns := appendPrefixedInt(nil, insSetCapacity, 5, 4096)
	insert := buildInsertLiteral("x-longer-name", "with-a-longer-value")

	buf := append(append([]byte{}, capIns...), insert[:3]...)
	n, err := dec.HandleEncoderInstructions(buf)
	require.NoError(t, err)
	// Only the complete capacity instruction is consumed.
	assert.Equal(t, len(capIns), n)
	assert.Equal(t, uint64(0), dec.InsertCount())

	rest := append(insert[:3:3], insert[3:]...)
	n, err = dec.HandleEncoderInstructions(rest)
	require.NoError(t, err)
	assert.Equal(t, len(rest), n)
	assert.Equal(t, uint64(1), dec.InsertCount())
}

func TestEncoderInstructionsCapacityBound(t *testing.T) {
	dec := NewDecoder(1024)
	ins := appendPrefixedInt(nil, insSetCapacity, 5, 2048)
	_, err := dec.HandleEncoderInstructions(ins)
	var ese *EncoderStreamError
	require.ErrorAs(t, err, &ese)
}

func TestDynamicTableEviction(t *testing.T) {
	dt := dynamicTable{maxCap: 128}
	require.NoError(t, dt.setCapacity(128))

	// Each entry is 1+1+32 = 34 bytes; capacity 128 holds three.
	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, dt.insert(HeaderField{Name: name, Value: "x"}))
	}
	assert.Equal(t, uint64(4), dt.insertCount())
	assert.Len(t, dt.entries, 3)

	_, err := dt.byAbsolute(0)
	var de *DecodingError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Fatal())

	hf, err := dt.byAbsolute(1)
	require.NoError(t, err)
	assert.Equal(t, "b", hf.Name)
}
