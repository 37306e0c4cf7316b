package qpack

import (
	"fmt"
	"sync"
)

// Encoder instruction patterns from RFC 9204 Section 4.3.
const (
	insInsertNameRef  = 0x80 // 1 T, 6-bit name index
	insInsertNameRefT = 0x40
	insInsertLiteral  = 0x40 // 01 H, 5-bit name length
	insSetCapacity    = 0x20 // 001, 5-bit capacity
	insDuplicate      = 0x00 // 000, 5-bit index
)

// Decoder decodes field sections and applies peer encoder-stream
// instructions to its dynamic table. A Decoder is safe for concurrent use;
// the dynamic table is the shared state between the two input streams.
type Decoder struct {
	mu    sync.Mutex
	table dynamicTable
}

// NewDecoder returns a Decoder whose dynamic table capacity may be raised by
// the peer up to maxTableCapacity, the value advertised in SETTINGS.
func NewDecoder(maxTableCapacity uint64) *Decoder {
	return &Decoder{table: dynamicTable{maxCap: maxTableCapacity}}
}

// InsertCount returns the total number of dynamic table insertions applied.
func (d *Decoder) InsertCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.insertCount()
}

// Decode parses one complete encoded field section, calling emit for each
// field in order. An error from emit aborts decoding and is returned
// unchanged. The payload must be the full HEADERS frame payload; truncation
// is a decoding error, not a request for more data.
func (d *Decoder) Decode(payload []byte, emit func(HeaderField) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ric, n, err := d.readRequiredInsertCount(payload)
	if err != nil {
		return err
	}
	payload = payload[n:]
	base, n, err := readBase(payload, ric)
	if err != nil {
		return err
	}
	payload = payload[n:]

	if ric > d.table.insertCount() {
		// We advertise zero blocked streams, so a section requiring
		// unreceived insertions means the peer has lost table sync.
		return &DecodingError{fatal: true, msg: fmt.Sprintf("required insert count %d exceeds insert count %d", ric, d.table.insertCount())}
	}

	for len(payload) > 0 {
		hf, n, err := d.readFieldLine(payload, base)
		if err != nil {
			if err == errNeedMore {
				return &DecodingError{msg: "truncated field section"}
			}
			return err
		}
		payload = payload[n:]
		if err := emit(hf); err != nil {
			return err
		}
	}
	return nil
}

// readRequiredInsertCount decodes and reconstructs the Required Insert Count
// per RFC 9204 Section 4.5.1.1.
func (d *Decoder) readRequiredInsertCount(buf []byte) (uint64, int, error) {
	encoded, n, err := readPrefixedInt(buf, 8)
	if err != nil {
		if err == errNeedMore {
			return 0, 0, &DecodingError{msg: "truncated field section prefix"}
		}
		return 0, 0, err
	}
	if encoded == 0 {
		return 0, n, nil
	}
	maxEntries := d.table.maxEntries()
	if maxEntries == 0 {
		return 0, 0, &DecodingError{fatal: true, msg: "nonzero required insert count with zero table capacity"}
	}
	fullRange := 2 * maxEntries
	if encoded > fullRange {
		return 0, 0, &DecodingError{fatal: true, msg: fmt.Sprintf("encoded insert count %d exceeds full range %d", encoded, fullRange)}
	}
	maxValue := d.table.insertCount() + maxEntries
	maxWrapped := (maxValue / fullRange) * fullRange
	ric := maxWrapped + encoded - 1
	if ric > maxValue {
		if ric <= fullRange {
			return 0, 0, &DecodingError{fatal: true, msg: "required insert count underflow"}
		}
		ric -= fullRange
	}
	if ric == 0 {
		return 0, 0, &DecodingError{fatal: true, msg: "required insert count wrapped to zero"}
	}
	return ric, n, nil
}

// readBase decodes the Delta Base and computes the Base per RFC 9204
// Section 4.5.1.2.
func readBase(buf []byte, ric uint64) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, &DecodingError{msg: "truncated field section prefix"}
	}
	sign := buf[0]&0x80 != 0
	delta, n, err := readPrefixedInt(buf, 7)
	if err != nil {
		if err == errNeedMore {
			return 0, 0, &DecodingError{msg: "truncated field section prefix"}
		}
		return 0, 0, err
	}
	if !sign {
		return ric + delta, n, nil
	}
	if delta+1 > ric {
		return 0, 0, &DecodingError{msg: "negative base"}
	}
	return ric - delta - 1, n, nil
}

func (d *Decoder) readFieldLine(buf []byte, base uint64) (HeaderField, int, error) {
	b := buf[0]
	switch {
	case b&0x80 != 0: // indexed field line
		idx, n, err := readPrefixedInt(buf, 6)
		if err != nil {
			return HeaderField{}, 0, err
		}
		if b&0x40 != 0 {
			hf, err := d.staticAt(idx)
			return hf, n, err
		}
		hf, err := d.dynamicRelative(base, idx)
		return hf, n, err

	case b&0x40 != 0: // literal field line with name reference
		idx, n, err := readPrefixedInt(buf, 4)
		if err != nil {
			return HeaderField{}, 0, err
		}
		var hf HeaderField
		if b&literalNameRefStatic != 0 {
			hf, err = d.staticAt(idx)
		} else {
			hf, err = d.dynamicRelative(base, idx)
		}
		if err != nil {
			return HeaderField{}, 0, err
		}
		value, vn, err := readStringLiteral(buf[n:], 7)
		if err != nil {
			return HeaderField{}, 0, err
		}
		sensitive := b&literalNameRefNeverIdx != 0
		return HeaderField{Name: hf.Name, Value: value, Sensitive: sensitive}, n + vn, nil

	case b&0x20 != 0: // literal field line with literal name
		name, n, err := readStringLiteral(buf, 3)
		if err != nil {
			return HeaderField{}, 0, err
		}
		value, vn, err := readStringLiteral(buf[n:], 7)
		if err != nil {
			return HeaderField{}, 0, err
		}
		sensitive := b&literalNameNeverIdx != 0
		return HeaderField{Name: name, Value: value, Sensitive: sensitive}, n + vn, nil

	case b&0x10 != 0: // indexed field line, post-base index
		idx, n, err := readPrefixedInt(buf, 4)
		if err != nil {
			return HeaderField{}, 0, err
		}
		hf, err := d.table.byAbsolute(base + idx)
		return hf, n, err

	default: // literal field line with post-base name reference
		idx, n, err := readPrefixedInt(buf, 3)
		if err != nil {
			return HeaderField{}, 0, err
		}
		hf, err := d.table.byAbsolute(base + idx)
		if err != nil {
			return HeaderField{}, 0, err
		}
		value, vn, err := readStringLiteral(buf[n:], 7)
		if err != nil {
			return HeaderField{}, 0, err
		}
		sensitive := b&0x08 != 0
		return HeaderField{Name: hf.Name, Value: value, Sensitive: sensitive}, n + vn, nil
	}
}

func (d *Decoder) staticAt(idx uint64) (HeaderField, error) {
	if idx >= uint64(StaticTableSize) {
		return HeaderField{}, &DecodingError{msg: fmt.Sprintf("static table index %d out of range", idx)}
	}
	return staticEntry(idx), nil
}

// dynamicRelative resolves a field-section relative index, where 0 names the
// entry just below the Base.
func (d *Decoder) dynamicRelative(base, rel uint64) (HeaderField, error) {
	if rel+1 > base {
		return HeaderField{}, &DecodingError{msg: fmt.Sprintf("relative index %d underflows base %d", rel, base)}
	}
	return d.table.byAbsolute(base - 1 - rel)
}

// HandleEncoderInstructions applies the complete instructions at the start
// of buf to the dynamic table, returning the number of bytes consumed. A
// trailing partial instruction is left unconsumed for the next call. Any
// returned error is connection-fatal.
func (d *Decoder) HandleEncoderInstructions(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	consumed := 0
	for consumed < len(buf) {
		n, err := d.handleOneInstruction(buf[consumed:])
		if err == errNeedMore {
			return consumed, nil
		}
		if err != nil {
			return consumed, err
		}
		consumed += n
	}
	return consumed, nil
}

func (d *Decoder) handleOneInstruction(buf []byte) (int, error) {
	b := buf[0]
	switch {
	case b&insInsertNameRef != 0: // insert with name reference
		idx, n, err := readPrefixedInt(buf, 6)
		if err != nil {
			return 0, err
		}
		var name string
		if b&insInsertNameRefT != 0 {
			hf, err := d.staticAt(idx)
			if err != nil {
				return 0, &EncoderStreamError{msg: err.Error()}
			}
			name = hf.Name
		} else {
			hf, err := d.table.byEncoderRelative(idx)
			if err != nil {
				return 0, err
			}
			name = hf.Name
		}
		value, vn, err := readStringLiteral(buf[n:], 7)
		if err != nil {
			return 0, wrapInstructionErr(err)
		}
		return n + vn, d.table.insert(HeaderField{Name: name, Value: value})

	case b&insInsertLiteral != 0: // insert with literal name
		name, n, err := readStringLiteral(buf, 5)
		if err != nil {
			return 0, wrapInstructionErr(err)
		}
		value, vn, err := readStringLiteral(buf[n:], 7)
		if err != nil {
			return 0, wrapInstructionErr(err)
		}
		return n + vn, d.table.insert(HeaderField{Name: name, Value: value})

	case b&insSetCapacity != 0: // set dynamic table capacity
		cap, n, err := readPrefixedInt(buf, 5)
		if err != nil {
			return 0, wrapInstructionErr(err)
		}
		return n, d.table.setCapacity(cap)

	default: // duplicate
		idx, n, err := readPrefixedInt(buf, 5)
		if err != nil {
			return 0, wrapInstructionErr(err)
		}
		hf, err := d.table.byEncoderRelative(idx)
		if err != nil {
			return 0, err
		}
		return n, d.table.insert(hf)
	}
}

// wrapInstructionErr converts payload-level decoding errors inside an
// encoder instruction to encoder stream errors, preserving errNeedMore.
func wrapInstructionErr(err error) error {
	if err == errNeedMore {
		return err
	}
	return &EncoderStreamError{msg: err.Error()}
}
