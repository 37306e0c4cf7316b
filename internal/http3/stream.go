package http3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"example.com/h3engine/internal/logger"
	"example.com/h3engine/internal/qpack"
	"example.com/h3engine/internal/server"
)

// streamState tracks the read half of a request stream.
type streamState uint8

const (
	stateAwaitingHeaders streamState = iota
	stateReceivingBody
	stateTrailersReceived
	stateComplete
	stateAborted
)

func (s streamState) String() string {
	switch s {
	case stateAwaitingHeaders:
		return "AwaitingHeaders"
	case stateReceivingBody:
		return "ReceivingBody"
	case stateTrailersReceived:
		return "TrailersReceived"
	case stateComplete:
		return "Complete"
	case stateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// RequestStream carries one HTTP message exchange: HEADERS, DATA frames,
// optional trailers inbound; the handler's response outbound. The read half
// runs as the stream's goroutine; the write half is driven by the handler
// through the server.ResponseWriter interface this type implements.
type RequestStream struct {
	conn *Conn
	ts   TransportStream
	id   StreamID
	log  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    streamState
	body     *pipe
	trailers []server.HeaderField

	bytesReceived uint64
	bytesSent     uint64

	wmu         sync.Mutex
	headersSent bool
	writeEnded  bool

	completeOnce sync.Once
	readDone     bool
	writeDone    bool
	aborted      bool
}

func newRequestStream(c *Conn, ts TransportStream) *RequestStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &RequestStream{
		conn:   c,
		ts:     ts,
		id:     ts.StreamID(),
		log:    c.log.With(logger.LogFields{"stream_id": uint64(ts.StreamID())}),
		ctx:    ctx,
		cancel: cancel,
		body:   newPipe(c.opts.InboundBodyBufferLimit),
	}
}

// ID returns the transport stream id. With Context it satisfies
// server.ResponseWriterStream.
func (rs *RequestStream) ID() uint64 { return uint64(rs.id) }

// Context is canceled when the stream completes or aborts.
func (rs *RequestStream) Context() context.Context { return rs.ctx }

// run is the stream's read loop: it buffers transport bytes, carves frames,
// and drives the state machine. It returns when the read half finishes.
func (rs *RequestStream) run() {
	defer rs.conn.wg.Done()

	var acc []byte
	buf := make([]byte, 16<<10)
	for {
		n, err := rs.ts.Read(buf)
		if n > 0 {
			rs.conn.noteInboundActivity()
			acc = append(acc, buf[:n]...)
			consumed, perr := rs.processFrames(acc)
			acc = acc[consumed:]
			if perr != nil {
				rs.fail(perr)
				return
			}
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			rs.handleEOF(len(acc) > 0)
			return
		}
		var re *ResetError
		if errors.As(err, &re) {
			rs.Abort(re.Code)
			return
		}
		rs.fail(NewStreamErrorWithCause(rs.id, ErrCodeInternalError, "stream read failed", err))
		return
	}
}

// processFrames handles every complete frame at the head of acc, returning
// how many bytes it consumed.
func (rs *RequestStream) processFrames(acc []byte) (int, error) {
	consumed := 0
	for {
		fh, start, end, err := TryReadFrame(acc[consumed:], rs.conn.opts.MaxFrameSize)
		if err == ErrIncomplete {
			return consumed, nil
		}
		if err != nil {
			return consumed, err
		}
		if err := rs.handleFrame(fh, acc[consumed+start:consumed+end]); err != nil {
			return consumed, err
		}
		consumed += end
	}
}

func (rs *RequestStream) handleFrame(fh FrameHeader, payload []byte) error {
	rs.mu.Lock()
	state := rs.state
	rs.mu.Unlock()

	switch fh.Type {
	case FrameHeaders:
		switch state {
		case stateAwaitingHeaders:
			return rs.handleRequestHeaders(payload)
		case stateReceivingBody:
			return rs.handleTrailers(payload)
		case stateTrailersReceived:
			return NewStreamError(rs.id, ErrCodeFrameUnexpected, "second trailer section")
		default:
			return NewStreamError(rs.id, ErrCodeFrameUnexpected, "HEADERS after end of message")
		}

	case FrameData:
		if state == stateAwaitingHeaders {
			return NewStreamError(rs.id, ErrCodeFrameUnexpected, "DATA before HEADERS")
		}
		if state != stateReceivingBody {
			return NewStreamError(rs.id, ErrCodeFrameUnexpected, "DATA after trailers")
		}
		return rs.handleData(payload)

	case FrameSettings, FrameGoAway, FrameCancelPush, FrameMaxPushID:
		return NewConnectionError(ErrCodeFrameUnexpected,
			fmt.Sprintf("%s frame on request stream %s", fh.Type, rs.id))

	case FramePushPromise:
		// Only servers send PUSH_PROMISE.
		return NewConnectionError(ErrCodeFrameUnexpected,
			fmt.Sprintf("PUSH_PROMISE from client on stream %s", rs.id))

	default:
		// Grease and unknown frame types are drained and ignored.
		return nil
	}
}

func (rs *RequestStream) handleRequestHeaders(payload []byte) error {
	sink := newFieldSectionSink(rs.id, rs.conn.opts.MaxFieldSectionSize, false)
	if err := rs.decodeFieldSection(payload, sink); err != nil {
		return err
	}
	if err := sink.finish(); err != nil {
		return err
	}

	rs.mu.Lock()
	rs.state = stateReceivingBody
	rs.mu.Unlock()
	rs.conn.noteHeadersDone(rs.id)

	if err := rs.conn.hooks.OnStreamHeaderReceived(rs.id, sink.fields); err != nil {
		return NewStreamErrorWithCause(rs.id, ErrCodeRequestRejected, "rejected by lifetime handler", err)
	}

	req := &server.Request{
		Method:    sink.method,
		Path:      sink.path,
		Scheme:    sink.scheme,
		Authority: sink.authority,
		Header:    sink.fields,
		Body:      &bodyReader{pipe: rs.body},
		StreamID:  uint64(rs.id),
	}
	rs.log.Debug("request headers received", logger.LogFields{
		"method": req.Method, "path": req.Path, "authority": req.Authority,
	})

	rs.conn.wg.Add(1)
	go rs.dispatch(req)
	return nil
}

// dispatch runs the application handler and finishes the write half when it
// returns. A panic becomes a 500 if the response has not started, otherwise
// an abort.
func (rs *RequestStream) dispatch(req *server.Request) {
	defer rs.conn.wg.Done()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rs.log.Error("handler panicked", logger.LogFields{"panic": fmt.Sprint(r)})
		rs.wmu.Lock()
		started := rs.headersSent
		rs.wmu.Unlock()
		if !started {
			server.SendDefaultErrorResponse(rs, http.StatusInternalServerError, req, "", rs.log)
			rs.Finish()
		} else {
			rs.Abort(ErrCodeInternalError)
		}
	}()

	rs.conn.handler.ServeHTTP3(rs, req)
	if err := rs.Finish(); err != nil {
		rs.log.Debug("finishing response", logger.LogFields{"error": err})
	}
}

func (rs *RequestStream) handleData(payload []byte) error {
	rs.mu.Lock()
	rs.bytesReceived += uint64(len(payload))
	rs.mu.Unlock()
	rs.conn.noteBodyActivity()

	if _, err := rs.body.Write(payload); err != nil {
		if errors.Is(err, ErrReadHalfClosed) {
			// The handler abandoned the body; keep draining the stream.
			return nil
		}
		return NewStreamErrorWithCause(rs.id, ErrCodeInternalError, "buffering request body", err)
	}
	return nil
}

func (rs *RequestStream) handleTrailers(payload []byte) error {
	sink := newFieldSectionSink(rs.id, rs.conn.opts.MaxFieldSectionSize, true)
	if err := rs.decodeFieldSection(payload, sink); err != nil {
		return err
	}
	rs.mu.Lock()
	rs.state = stateTrailersReceived
	rs.trailers = sink.fields
	rs.mu.Unlock()
	return nil
}

// decodeFieldSection runs the payload through the connection-scoped QPACK
// decoder, classifying failures into stream or connection errors.
func (rs *RequestStream) decodeFieldSection(payload []byte, sink *fieldSectionSink) error {
	var sinkErr error
	err := rs.conn.decoder.Decode(payload, func(hf qpack.HeaderField) error {
		sinkErr = sink.accept(hf)
		return sinkErr
	})
	if err == nil {
		return nil
	}
	if sinkErr != nil {
		return sinkErr
	}
	var de *qpack.DecodingError
	if errors.As(err, &de) && de.Fatal() {
		return NewConnectionErrorWithCause(ErrCodeQPACKDecompressionFailed, "dynamic table desynchronized", err)
	}
	return NewStreamErrorWithCause(rs.id, ErrCodeQPACKDecompressionFailed, "field section decoding failed", err)
}

// handleEOF reacts to the clean end of the read half. EOF inside a frame or
// before a complete message is an error; otherwise the body closes with
// io.EOF and the read half completes.
func (rs *RequestStream) handleEOF(midFrame bool) {
	if midFrame {
		rs.fail(NewConnectionError(ErrCodeFrameError,
			fmt.Sprintf("stream %s ended inside a frame", rs.id)))
		return
	}

	rs.mu.Lock()
	state := rs.state
	if state == stateReceivingBody || state == stateTrailersReceived {
		rs.state = stateComplete
	}
	rs.mu.Unlock()

	switch state {
	case stateAwaitingHeaders:
		rs.fail(NewStreamError(rs.id, ErrCodeRequestIncomplete, "stream ended before HEADERS"))
	case stateReceivingBody, stateTrailersReceived:
		rs.body.CloseWrite()
		rs.markReadDone()
	}
}

func (rs *RequestStream) awaitingHeaders() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state == stateAwaitingHeaders
}

func (rs *RequestStream) receivingBody() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state == stateReceivingBody
}

// Trailers returns the decoded trailer section, if one arrived.
func (rs *RequestStream) Trailers() []server.HeaderField {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.trailers
}

// fail routes a state machine error: stream errors abort this stream only,
// connection errors escalate to connection teardown.
func (rs *RequestStream) fail(err error) {
	var se *StreamError
	if errors.As(err, &se) {
		rs.log.Warn("request stream error", logger.LogFields{
			"error": se.Error(), "code": se.Code.String(),
		})
		rs.Abort(se.Code)
		return
	}
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		ce = NewConnectionErrorWithCause(ErrCodeInternalError, "request stream failure", err)
	}
	rs.Abort(ce.Code)
	rs.conn.fatal(ce)
}

// Abort cancels both halves of the stream with the given wire code and
// completes it. Safe to call from any goroutine, any number of times.
func (rs *RequestStream) Abort(code ErrorCode) {
	rs.mu.Lock()
	if rs.state == stateAborted {
		rs.mu.Unlock()
		return
	}
	rs.state = stateAborted
	rs.mu.Unlock()

	rs.ts.CancelRead(code)
	rs.ts.CancelWrite(code)
	rs.body.CloseWriteWithError(NewStreamError(rs.id, code, "stream aborted"))
	rs.body.CloseRead()

	rs.completeOnce.Do(func() { rs.complete() })
}

func (rs *RequestStream) markReadDone() {
	rs.mu.Lock()
	rs.readDone = true
	done := rs.writeDone
	rs.mu.Unlock()
	if done {
		rs.completeOnce.Do(func() { rs.complete() })
	}
}

func (rs *RequestStream) markWriteDone() {
	rs.mu.Lock()
	rs.writeDone = true
	done := rs.readDone
	rs.mu.Unlock()
	if done {
		rs.completeOnce.Do(func() { rs.complete() })
	}
}

// complete finalizes the stream exactly once: cancel the context, report
// accounting, and drop the connection's reference. It runs on whichever
// goroutine finished the second half, which may still hold wmu, so it must
// not acquire wmu itself.
func (rs *RequestStream) complete() {
	rs.cancel()
	rs.mu.Lock()
	received := rs.bytesReceived
	sent := rs.bytesSent
	rs.mu.Unlock()

	rs.conn.streamCompleted(rs.id, received, sent)
}

// Response write path; implements server.ResponseWriter.

// SendHeaders encodes and sends the response field section.
func (rs *RequestStream) SendHeaders(headers []server.HeaderField, endStream bool) error {
	rs.wmu.Lock()
	defer rs.wmu.Unlock()
	if rs.headersSent {
		return fmt.Errorf("stream %s: response headers already sent", rs.id)
	}
	if rs.writeEnded {
		return fmt.Errorf("stream %s: response already finished", rs.id)
	}

	section := rs.conn.encoder.AppendFieldSection(nil, toQPACKFields(headers))
	buf := AppendFrameHeader(nil, FrameHeaders, uint64(len(section)))
	buf = append(buf, section...)
	if err := rs.writeLocked(buf); err != nil {
		return err
	}
	rs.headersSent = true
	if endStream {
		return rs.endWriteLocked()
	}
	return nil
}

// WriteData chunks p into DATA frames no larger than the configured
// outbound chunk size.
func (rs *RequestStream) WriteData(p []byte, endStream bool) (int, error) {
	rs.wmu.Lock()
	defer rs.wmu.Unlock()
	if !rs.headersSent {
		return 0, fmt.Errorf("stream %s: WriteData before SendHeaders", rs.id)
	}
	if rs.writeEnded {
		return 0, fmt.Errorf("stream %s: response already finished", rs.id)
	}

	chunkSize := rs.conn.opts.OutboundChunkSize
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}
		buf := AppendFrameHeader(nil, FrameData, uint64(len(chunk)))
		buf = append(buf, chunk...)
		if err := rs.writeLocked(buf); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	if endStream {
		return written, rs.endWriteLocked()
	}
	return written, nil
}

// WriteTrailers sends the trailer section and ends the response.
func (rs *RequestStream) WriteTrailers(trailers []server.HeaderField) error {
	rs.wmu.Lock()
	defer rs.wmu.Unlock()
	if !rs.headersSent {
		return fmt.Errorf("stream %s: WriteTrailers before SendHeaders", rs.id)
	}
	if rs.writeEnded {
		return fmt.Errorf("stream %s: response already finished", rs.id)
	}

	section := rs.conn.encoder.AppendFieldSection(nil, toQPACKFields(trailers))
	buf := AppendFrameHeader(nil, FrameHeaders, uint64(len(section)))
	buf = append(buf, section...)
	if err := rs.writeLocked(buf); err != nil {
		return err
	}
	return rs.endWriteLocked()
}

// Finish half-closes the write side. A no-op if already ended.
func (rs *RequestStream) Finish() error {
	rs.wmu.Lock()
	defer rs.wmu.Unlock()
	if rs.writeEnded {
		return nil
	}
	return rs.endWriteLocked()
}

func (rs *RequestStream) writeLocked(buf []byte) error {
	n, err := rs.ts.Write(buf)
	if n > 0 {
		rs.mu.Lock()
		rs.bytesSent += uint64(n)
		rs.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("stream %s: writing response bytes: %w", rs.id, err)
	}
	return nil
}

func (rs *RequestStream) endWriteLocked() error {
	rs.writeEnded = true
	err := rs.ts.Close()
	rs.markWriteDone()
	return err
}

type bodyReader struct {
	pipe *pipe
}

func (b *bodyReader) Read(p []byte) (int, error) { return b.pipe.Read(p) }

// Close abandons unread body bytes.
func (b *bodyReader) Close() error {
	b.pipe.CloseRead()
	return nil
}

func toQPACKFields(in []server.HeaderField) []qpack.HeaderField {
	out := make([]qpack.HeaderField, len(in))
	for i, hf := range in {
		out[i] = qpack.HeaderField{Name: hf.Name, Value: hf.Value, Sensitive: hf.Sensitive}
	}
	return out
}
