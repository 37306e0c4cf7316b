package http3

import (
	"strings"

	"example.com/h3engine/internal/qpack"
	"example.com/h3engine/internal/server"
)

// fieldSectionSink accumulates decoded fields into a validated header set.
// Names are compared case-insensitively and folded to lowercase; duplicate
// regular fields collapse last-value-wins; duplicate pseudo-headers are a
// protocol error, as are pseudo-headers after a regular field or in a
// trailer section.
type fieldSectionSink struct {
	streamID StreamID
	maxSize  uint64
	trailer  bool

	method    string
	path      string
	scheme    string
	authority string
	pseudo    map[string]bool

	fields  []server.HeaderField
	byName  map[string]int
	size    uint64
	regular bool
}

func newFieldSectionSink(id StreamID, maxSize uint64, trailer bool) *fieldSectionSink {
	return &fieldSectionSink{
		streamID: id,
		maxSize:  maxSize,
		trailer:  trailer,
		pseudo:   make(map[string]bool),
		byName:   make(map[string]int),
	}
}

// accept consumes one decoded field in wire order.
func (s *fieldSectionSink) accept(hf qpack.HeaderField) error {
	name := strings.ToLower(hf.Name)
	if name == "" {
		return NewStreamError(s.streamID, ErrCodeMessageError, "empty field name")
	}

	// The uncompressed size counts toward the advertised field section bound.
	s.size += uint64(len(hf.Name)) + uint64(len(hf.Value)) + 32
	if s.maxSize > 0 && s.size > s.maxSize {
		return NewStreamError(s.streamID, ErrCodeExcessiveLoad, "field section above advertised size limit")
	}

	if strings.HasPrefix(name, ":") {
		return s.acceptPseudo(name, hf.Value)
	}
	s.regular = true
	if i, ok := s.byName[name]; ok {
		s.fields[i].Value = hf.Value
		return nil
	}
	s.byName[name] = len(s.fields)
	s.fields = append(s.fields, server.HeaderField{Name: name, Value: hf.Value, Sensitive: hf.Sensitive})
	return nil
}

func (s *fieldSectionSink) acceptPseudo(name, value string) error {
	if s.trailer {
		return NewStreamError(s.streamID, ErrCodeMessageError, "pseudo-header in trailer section")
	}
	if s.regular {
		return NewStreamError(s.streamID, ErrCodeMessageError, "pseudo-header after regular field")
	}
	if s.pseudo[name] {
		return NewStreamError(s.streamID, ErrCodeMessageError, "duplicate pseudo-header "+name)
	}
	s.pseudo[name] = true

	switch name {
	case ":method":
		s.method = value
	case ":path":
		s.path = value
	case ":scheme":
		s.scheme = value
	case ":authority":
		s.authority = value
	default:
		return NewStreamError(s.streamID, ErrCodeMessageError, "unknown pseudo-header "+name)
	}
	return nil
}

// finish validates the completed section. Requests need method, scheme, and
// a non-empty path; trailers only needed the per-field checks.
func (s *fieldSectionSink) finish() error {
	if s.trailer {
		return nil
	}
	if s.method == "" {
		return NewStreamError(s.streamID, ErrCodeMessageError, "missing :method")
	}
	if s.scheme == "" {
		return NewStreamError(s.streamID, ErrCodeMessageError, "missing :scheme")
	}
	if s.path == "" {
		return NewStreamError(s.streamID, ErrCodeMessageError, "missing or empty :path")
	}
	return nil
}
