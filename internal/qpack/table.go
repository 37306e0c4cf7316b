// Package qpack implements the QPACK field compression format from RFC 9204
// as used on HTTP/3 request streams. The encoder emits static-table
// references and literals only, so encoded field sections never block on
// dynamic table state; the decoder additionally maintains a dynamic table
// fed by peer encoder-stream instructions.
package qpack

import "fmt"

// HeaderField is a single name/value pair in a field section. Sensitive
// fields are encoded as never-indexed literals and never value-matched
// against tables.
type HeaderField struct {
	Name      string
	Value     string
	Sensitive bool
}

func (hf HeaderField) String() string {
	return fmt.Sprintf("%s: %s", hf.Name, hf.Value)
}

// size returns the RFC 9204 Section 3.2.1 entry size: name length plus value
// length plus a 32 byte overhead.
func (hf HeaderField) size() uint64 {
	return uint64(len(hf.Name)) + uint64(len(hf.Value)) + 32
}

// dynamicTable holds decoder-side dynamic entries in insertion order.
// Absolute indices are assigned from zero at the first insertion and never
// reused; evicted entries advance the drained watermark.
type dynamicTable struct {
	entries  []HeaderField // entries[0] is the oldest live entry
	drained  uint64        // absolute index of entries[0]
	size     uint64        // current occupancy in size() bytes
	capacity uint64        // current capacity set by the peer
	maxCap   uint64        // upper bound advertised in our SETTINGS
}

// insertCount returns the total number of entries ever inserted.
func (dt *dynamicTable) insertCount() uint64 {
	return dt.drained + uint64(len(dt.entries))
}

// setCapacity applies a Set Dynamic Table Capacity instruction, evicting
// oldest entries as needed. A capacity above the advertised bound is a
// protocol violation by the peer.
func (dt *dynamicTable) setCapacity(cap uint64) error {
	if cap > dt.maxCap {
		return &EncoderStreamError{msg: fmt.Sprintf("table capacity %d exceeds advertised bound %d", cap, dt.maxCap)}
	}
	dt.capacity = cap
	dt.evict()
	return nil
}

// insert appends an entry, evicting oldest entries to make room. An entry
// larger than the whole table cannot be inserted.
func (dt *dynamicTable) insert(hf HeaderField) error {
	if hf.size() > dt.capacity {
		return &EncoderStreamError{msg: fmt.Sprintf("entry of size %d exceeds table capacity %d", hf.size(), dt.capacity)}
	}
	dt.entries = append(dt.entries, hf)
	dt.size += hf.size()
	dt.evict()
	return nil
}

func (dt *dynamicTable) evict() {
	for dt.size > dt.capacity && len(dt.entries) > 0 {
		dt.size -= dt.entries[0].size()
		dt.entries = dt.entries[1:]
		dt.drained++
	}
}

// byAbsolute fetches the entry with the given absolute index, failing if it
// was evicted or never inserted.
func (dt *dynamicTable) byAbsolute(abs uint64) (HeaderField, error) {
	if abs < dt.drained {
		return HeaderField{}, &DecodingError{msg: fmt.Sprintf("dynamic table index %d already evicted", abs)}
	}
	if abs >= dt.insertCount() {
		return HeaderField{}, &DecodingError{fatal: true, msg: fmt.Sprintf("dynamic table index %d not yet inserted (insert count %d)", abs, dt.insertCount())}
	}
	return dt.entries[abs-dt.drained], nil
}

// byEncoderRelative resolves a relative index from an encoder instruction,
// where 0 names the most recently inserted entry.
func (dt *dynamicTable) byEncoderRelative(rel uint64) (HeaderField, error) {
	ic := dt.insertCount()
	if rel >= ic {
		return HeaderField{}, &EncoderStreamError{msg: fmt.Sprintf("relative index %d out of range (insert count %d)", rel, ic)}
	}
	return dt.byAbsolute(ic - 1 - rel)
}

// maxEntries returns the RFC 9204 Section 4.5.1 MaxEntries value used to
// wrap the Required Insert Count on the wire.
func (dt *dynamicTable) maxEntries() uint64 {
	return dt.maxCap / 32
}
