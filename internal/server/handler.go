// Package server defines the application-processing boundary of the engine:
// the request and response types handlers see, and the registry that maps
// configured handler types to factories. It deliberately knows nothing about
// frames or header compression, so handler code never depends on the
// protocol internals.
package server

import (
	"context"
	"fmt"
	"io"
	"sync"

	"example.com/h3engine/internal/logger"
)

// HeaderField represents a single HTTP header field (name-value pair). It is
// defined here so handlers do not depend on the compression codec's types.
type HeaderField struct {
	Name  string
	Value string
	// Sensitive marks fields that must never be compressed by value.
	Sensitive bool
}

// Request carries one decoded HTTP/3 request. Header holds the regular
// fields in wire order; the pseudo-headers are broken out.
type Request struct {
	Method    string
	Path      string
	Scheme    string
	Authority string
	Header    []HeaderField

	// Body streams the request body; it yields io.EOF at the clean end of
	// stream. Close releases buffered body bytes without reading them.
	Body io.ReadCloser

	// StreamID is the transport identifier of the carrying stream.
	StreamID uint64

	// RoutePattern is the path pattern of the route that matched, set by the
	// router before dispatch. Handlers use it to derive the sub-path.
	RoutePattern string
}

// HeaderValue returns the last value of the named header and whether it was
// present. Name comparison is done on the already-lowercased wire form.
func (r *Request) HeaderValue(name string) (string, bool) {
	value, found := "", false
	for _, hf := range r.Header {
		if hf.Name == name {
			value, found = hf.Value, true
		}
	}
	return value, found
}

// ResponseWriter is how a handler emits its response onto the stream.
type ResponseWriter interface {
	// SendHeaders sends the response field section. It must be called
	// exactly once, before any data. If endStream is true there is no body.
	SendHeaders(headers []HeaderField, endStream bool) error

	// WriteData sends a chunk of the response body. If endStream is true,
	// this is the final chunk.
	WriteData(p []byte, endStream bool) (n int, err error)

	// WriteTrailers sends trailing headers. This implicitly ends the stream.
	WriteTrailers(trailers []HeaderField) error

	// Finish half-closes the write side with no further frames. A no-op if
	// an endStream write or WriteTrailers already ended the response.
	Finish() error
}

// ResponseWriterStream combines ResponseWriter with stream-scoped metadata.
type ResponseWriterStream interface {
	ResponseWriter
	ID() uint64
	Context() context.Context
}

// Handler is the interface that processes requests.
type Handler interface {
	ServeHTTP3(rw ResponseWriterStream, req *Request)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(rw ResponseWriterStream, req *Request)

func (f HandlerFunc) ServeHTTP3(rw ResponseWriterStream, req *Request) { f(rw, req) }

// HandlerFactory creates handler instances from an opaque per-route
// configuration block.
type HandlerFactory func(handlerConfig map[string]interface{}, lg *logger.Logger) (Handler, error)

// HandlerRegistry maps handler type names from configuration to their
// factories. Thread-safe.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{factories: make(map[string]HandlerFactory)}
}

// Register associates a handler type name with a factory. Registering the
// same name twice is an error.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory retrieves a registered factory.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// CreateHandler instantiates a handler of the given type.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig map[string]interface{}, lg *logger.Logger) (Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	return factory(handlerConfig, lg)
}

// ClearFactories removes all registered factories. Intended for tests.
func (r *HandlerRegistry) ClearFactories() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]HandlerFactory)
}
