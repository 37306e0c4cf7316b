package http3

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"example.com/h3engine/internal/config"
	"example.com/h3engine/internal/logger"
	"example.com/h3engine/internal/qpack"
	"example.com/h3engine/internal/server"
)

// Options holds the tunables for one server connection. Zero values are
// replaced by the documented defaults; use OptionsFromConfig to derive them
// from a loaded configuration file.
type Options struct {
	MaxFrameSize           uint64
	MaxFieldSectionSize    uint64
	QPACKMaxTableCapacity  uint64
	QPACKBlockedStreams    uint64
	InboundBodyBufferLimit int
	OutboundChunkSize      int

	KeepAliveTimeout    time.Duration
	HeaderReadTimeout   time.Duration
	BodyReadTimeout     time.Duration
	RequestDrainTimeout time.Duration

	// OnTimeout, when set, observes every timeout the connection fires in
	// addition to the connection's own enforcement.
	OnTimeout func(TimeoutReason)
}

// DefaultOptions mirrors config.DefaultConfig.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig flattens a validated configuration into Options.
func OptionsFromConfig(cfg *config.Config) Options {
	e := cfg.Engine
	t := cfg.Timeouts
	return Options{
		MaxFrameSize:           *e.MaxFrameSize,
		MaxFieldSectionSize:    *e.MaxFieldSectionSize,
		QPACKMaxTableCapacity:  *e.QPACKMaxTableCapacity,
		QPACKBlockedStreams:    *e.QPACKBlockedStreams,
		InboundBodyBufferLimit: *e.InboundBodyBufferLimit,
		OutboundChunkSize:      *e.OutboundChunkSize,
		KeepAliveTimeout:       t.KeepAliveDuration(),
		HeaderReadTimeout:      t.HeaderReadDuration(),
		BodyReadTimeout:        t.BodyReadDuration(),
		RequestDrainTimeout:    t.RequestDrainDuration(),
	}
}

// Conn drives one server-side HTTP/3 connection over an abstract Transport:
// it owns the control streams, the connection-scoped QPACK encoder and
// decoder, the set of live request streams, and the timeout tracker.
type Conn struct {
	transport Transport
	handler   server.Handler
	hooks     ConnectionHooks
	opts      Options
	log       *logger.Logger

	encoder *qpack.Encoder
	decoder *qpack.Decoder
	tracker *TimeoutTracker

	now func() time.Time

	wg sync.WaitGroup

	mu              sync.Mutex
	outbound        *outboundControl
	streams         map[StreamID]*RequestStream
	uniStreams      []TransportStream
	peerSettings    map[SettingID]uint64
	highestAccepted StreamID
	hasAccepted     bool
	goingAway       bool
	controlSeen     bool
	encoderSeen     bool
	decoderSeen     bool

	fatalOnce sync.Once
	fatalErr  *ConnectionError
}

// NewConn builds a connection around transport. A nil hooks uses NopHooks;
// a nil log discards.
func NewConn(transport Transport, handler server.Handler, opts Options, hooks ConnectionHooks, log *logger.Logger) *Conn {
	if hooks == nil {
		hooks = NopHooks{}
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	if opts.MaxFrameSize == 0 {
		opts.MaxFrameSize = config.DefaultMaxFrameSize
	}
	if opts.MaxFieldSectionSize == 0 {
		opts.MaxFieldSectionSize = config.DefaultMaxFieldSectionSize
	}
	if opts.OutboundChunkSize == 0 {
		opts.OutboundChunkSize = config.DefaultOutboundChunkSize
	}
	if opts.InboundBodyBufferLimit == 0 {
		opts.InboundBodyBufferLimit = config.DefaultInboundBodyBufferLimit
	}
	c := &Conn{
		transport: transport,
		handler:   handler,
		hooks:     hooks,
		opts:      opts,
		log:       log,
		encoder:   qpack.NewEncoder(),
		decoder:   qpack.NewDecoder(opts.QPACKMaxTableCapacity),
		now:       time.Now,
		streams:   make(map[StreamID]*RequestStream),
	}
	c.tracker = NewTimeoutTracker(c.onTimeout)
	return c
}

// Serve opens the outbound control stream, then accepts and dispatches
// inbound streams until the transport closes or the connection fails. It
// blocks until every stream goroutine has finished.
func (c *Conn) Serve(ctx context.Context) error {
	out, err := openOutboundControl(c.transport, c.localSettings())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.outbound = out
	c.mu.Unlock()

	if c.opts.KeepAliveTimeout > 0 {
		c.tracker.Arm(TimeoutKeepAlive, c.opts.KeepAliveTimeout, c.now())
	}

	for {
		ts, err := c.transport.AcceptStream(ctx)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				break
			}
			c.fatal(NewConnectionErrorWithCause(ErrCodeInternalError, "accepting stream", err))
			break
		}
		c.handleInbound(ts)
	}

	c.wg.Wait()

	c.mu.Lock()
	ferr := c.fatalErr
	c.mu.Unlock()
	if ferr != nil {
		return ferr
	}
	return ctx.Err()
}

func (c *Conn) localSettings() []Setting {
	return []Setting{
		{ID: SettingQPACKMaxTableCapacity, Value: c.opts.QPACKMaxTableCapacity},
		{ID: SettingMaxFieldSectionSize, Value: c.opts.MaxFieldSectionSize},
		{ID: SettingQPACKBlockedStreams, Value: c.opts.QPACKBlockedStreams},
	}
}

func (c *Conn) handleInbound(ts TransportStream) {
	id := ts.StreamID()
	if !id.IsBidirectional() {
		c.wg.Add(1)
		go c.runUniStream(ts)
		return
	}

	c.mu.Lock()
	if c.goingAway || c.fatalErr != nil {
		c.mu.Unlock()
		ts.CancelRead(ErrCodeRequestRejected)
		ts.CancelWrite(ErrCodeRequestRejected)
		return
	}
	c.mu.Unlock()

	if err := c.hooks.OnStreamCreated(id); err != nil {
		c.log.Debug("stream rejected by lifetime hook", logger.LogFields{
			"stream_id": uint64(id), "error": err.Error(),
		})
		ts.CancelRead(ErrCodeRequestRejected)
		ts.CancelWrite(ErrCodeRequestRejected)
		return
	}

	rs := newRequestStream(c, ts)
	c.mu.Lock()
	c.streams[id] = rs
	if !c.hasAccepted || id > c.highestAccepted {
		c.highestAccepted = id
		c.hasAccepted = true
	}
	c.mu.Unlock()

	c.noteInboundActivity()
	if c.opts.HeaderReadTimeout > 0 {
		c.tracker.Arm(TimeoutHeaderRead, c.opts.HeaderReadTimeout, c.now())
	}

	c.wg.Add(1)
	go rs.run()
}

// runUniStream reads the stream type varint, then hands the stream to the
// matching consumer. Control and QPACK streams are critical: their end of
// stream is a connection error.
func (c *Conn) runUniStream(ts TransportStream) {
	defer c.wg.Done()

	c.mu.Lock()
	c.uniStreams = append(c.uniStreams, ts)
	c.mu.Unlock()

	id := ts.StreamID()
	streamType, rest, err := c.readStreamType(ts)
	if err != nil {
		return
	}

	switch streamType {
	case StreamTypeControl:
		c.runControlStream(ts, rest)
	case StreamTypeQPACKEncoder:
		c.runEncoderStream(ts, rest)
	case StreamTypeQPACKDecoder:
		c.runDecoderStream(ts, rest)
	case StreamTypePush:
		c.fatal(NewConnectionError(ErrCodeStreamCreationError, "push stream from client"))
	default:
		c.log.Debug("draining unknown unidirectional stream", logger.LogFields{
			"stream_id": uint64(id), "stream_type": streamType,
		})
		c.drain(ts)
	}
}

// readStreamType accumulates bytes until the leading varint is complete,
// returning the type and any surplus already read.
func (c *Conn) readStreamType(ts TransportStream) (uint64, []byte, error) {
	var acc []byte
	buf := make([]byte, 256)
	for {
		n, err := ts.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			v, consumed, verr := ReadVarint(acc)
			if verr == nil {
				return v, acc[consumed:], nil
			}
			if verr != ErrIncomplete {
				c.fatal(NewConnectionErrorWithCause(ErrCodeStreamCreationError, "malformed stream type", verr))
				return 0, nil, verr
			}
		}
		if err != nil {
			if err == io.EOF && len(acc) == 0 {
				// Stream opened and closed without a type; ignore.
				return 0, nil, err
			}
			if err == io.EOF {
				c.fatal(NewConnectionError(ErrCodeStreamCreationError, "stream ended inside stream type"))
			}
			return 0, nil, err
		}
	}
}

func (c *Conn) runControlStream(ts TransportStream, initial []byte) {
	id := ts.StreamID()
	c.mu.Lock()
	if c.controlSeen {
		c.mu.Unlock()
		c.fatal(NewConnectionError(ErrCodeStreamCreationError, "duplicate control stream"))
		return
	}
	c.controlSeen = true
	c.mu.Unlock()

	if err := c.hooks.OnInboundControlStream(id); err != nil {
		c.fatal(NewConnectionErrorWithCause(ErrCodeGeneralProtocolError, "control stream refused", err))
		return
	}

	recv := &controlReceiver{
		maxFrameSize: c.opts.MaxFrameSize,
		onSettings:   c.applyPeerSettings,
		onGoAway:     c.peerGoAway,
	}
	feed := func(data []byte) bool {
		if len(data) == 0 {
			return true
		}
		c.noteInboundActivity()
		if err := recv.Feed(data); err != nil {
			c.fatal(asConnectionError(err))
			return false
		}
		return true
	}
	if !feed(initial) {
		return
	}
	buf := make([]byte, 8<<10)
	for {
		n, err := ts.Read(buf)
		if !feed(buf[:n]) {
			return
		}
		if err == io.EOF {
			c.fatal(asConnectionError(recv.CloseEOF()))
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) runEncoderStream(ts TransportStream, initial []byte) {
	id := ts.StreamID()
	c.mu.Lock()
	if c.encoderSeen {
		c.mu.Unlock()
		c.fatal(NewConnectionError(ErrCodeStreamCreationError, "duplicate QPACK encoder stream"))
		return
	}
	c.encoderSeen = true
	c.mu.Unlock()

	if err := c.hooks.OnInboundEncoderStream(id); err != nil {
		c.fatal(NewConnectionErrorWithCause(ErrCodeGeneralProtocolError, "encoder stream refused", err))
		return
	}

	acc := append([]byte(nil), initial...)
	buf := make([]byte, 8<<10)
	for {
		if len(acc) > 0 {
			c.noteInboundActivity()
			consumed, err := c.decoder.HandleEncoderInstructions(acc)
			if err != nil {
				c.fatal(NewConnectionErrorWithCause(ErrCodeQPACKEncoderStreamError, "encoder instruction failed", err))
				return
			}
			acc = acc[consumed:]
		}
		n, err := ts.Read(buf)
		acc = append(acc, buf[:n]...)
		if err == io.EOF {
			c.fatal(NewConnectionError(ErrCodeClosedCriticalStream, "QPACK encoder stream closed"))
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) runDecoderStream(ts TransportStream, initial []byte) {
	id := ts.StreamID()
	c.mu.Lock()
	if c.decoderSeen {
		c.mu.Unlock()
		c.fatal(NewConnectionError(ErrCodeStreamCreationError, "duplicate QPACK decoder stream"))
		return
	}
	c.decoderSeen = true
	c.mu.Unlock()

	if err := c.hooks.OnInboundDecoderStream(id); err != nil {
		c.fatal(NewConnectionErrorWithCause(ErrCodeGeneralProtocolError, "decoder stream refused", err))
		return
	}

	// The encoder never references the dynamic table, so decoder stream
	// acknowledgements carry no state; the bytes are read and dropped.
	buf := make([]byte, 4<<10)
	for {
		n, err := ts.Read(buf)
		if n > 0 {
			c.noteInboundActivity()
		}
		if err == io.EOF {
			c.fatal(NewConnectionError(ErrCodeClosedCriticalStream, "QPACK decoder stream closed"))
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) drain(ts TransportStream) {
	buf := make([]byte, 4<<10)
	for {
		if _, err := ts.Read(buf); err != nil {
			return
		}
	}
}

func (c *Conn) applyPeerSettings(settings []Setting) error {
	for _, s := range settings {
		if err := c.hooks.OnInboundControlStreamSetting(s); err != nil {
			return NewConnectionErrorWithCause(ErrCodeGeneralProtocolError, "setting refused", err)
		}
	}
	c.mu.Lock()
	c.peerSettings = SettingsMap(settings)
	c.mu.Unlock()
	c.log.Debug("peer settings applied", logger.LogFields{"count": len(settings)})
	return nil
}

// PeerSettings returns the settings received from the peer, or nil before
// its SETTINGS frame arrives.
func (c *Conn) PeerSettings() map[SettingID]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerSettings == nil {
		return nil
	}
	out := make(map[SettingID]uint64, len(c.peerSettings))
	for k, v := range c.peerSettings {
		out[k] = v
	}
	return out
}

func (c *Conn) peerGoAway(id StreamID) error {
	c.beginDrain("peer GOAWAY", logger.LogFields{"goaway_id": uint64(id)})
	return nil
}

// GoAway starts a graceful shutdown: a GOAWAY frame advertises the cutoff,
// new request streams are rejected, and in-flight streams run to completion
// under the request drain timeout.
func (c *Conn) GoAway() error {
	c.mu.Lock()
	out := c.outbound
	cutoff := c.goawayCutoffLocked()
	c.mu.Unlock()
	var err error
	if out != nil {
		err = out.SendGoAway(cutoff)
	}
	c.beginDrain("local shutdown", nil)
	return err
}

func (c *Conn) beginDrain(why string, fields logger.LogFields) {
	c.mu.Lock()
	already := c.goingAway
	c.goingAway = true
	empty := len(c.streams) == 0
	c.mu.Unlock()
	if already {
		return
	}
	c.log.Info("draining connection: "+why, fields)
	if empty {
		c.closeTransport(ErrCodeNoError, "drained")
		return
	}
	if c.opts.RequestDrainTimeout > 0 {
		c.tracker.Arm(TimeoutRequestDrain, c.opts.RequestDrainTimeout, c.now())
	}
}

// goawayCutoffLocked is the first request stream id the peer must not expect
// a response for: one past the highest stream this connection accepted.
func (c *Conn) goawayCutoffLocked() StreamID {
	if !c.hasAccepted {
		return 0
	}
	return c.highestAccepted + 4
}

// fatal tears the connection down exactly once: GOAWAY where possible, the
// error hook, every live stream aborted, then the transport.
func (c *Conn) fatal(ce *ConnectionError) {
	if ce == nil {
		return
	}
	c.fatalOnce.Do(func() {
		c.mu.Lock()
		ce.LastStreamID = c.goawayCutoffLocked()
		c.fatalErr = ce
		out := c.outbound
		c.mu.Unlock()

		c.log.Error("connection error", logger.LogFields{
			"code": ce.Code.String(), "detail": ce.Msg,
		})
		if out != nil {
			out.SendGoAway(ce.LastStreamID)
		}
		c.hooks.OnStreamConnectionError(ce)
		c.closeTransport(ce.Code, ce.Msg)
	})
}

// closeTransport tears the transport down after unblocking every retained
// stream read so Serve's goroutines can drain.
func (c *Conn) closeTransport(code ErrorCode, reason string) {
	c.mu.Lock()
	out := c.outbound
	uni := append([]TransportStream(nil), c.uniStreams...)
	live := make([]*RequestStream, 0, len(c.streams))
	for _, rs := range c.streams {
		live = append(live, rs)
	}
	c.mu.Unlock()
	if out != nil {
		out.Finish()
	}
	for _, ts := range uni {
		ts.CancelRead(code)
	}
	for _, rs := range live {
		rs.Abort(code)
	}
	c.transport.Abort(code, reason)
}

func asConnectionError(err error) *ConnectionError {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return NewConnectionErrorWithCause(ErrCodeGeneralProtocolError, "control stream failure", err)
}

// streamCompleted is the stream's completion notification; it fires the
// accounting hook and releases the connection's reference.
func (c *Conn) streamCompleted(id StreamID, bytesReceived, bytesSent uint64) {
	c.mu.Lock()
	delete(c.streams, id)
	drained := c.goingAway && len(c.streams) == 0
	c.mu.Unlock()

	c.hooks.OnStreamCompleted(id, bytesReceived, bytesSent)
	c.log.Debug("stream completed", logger.LogFields{
		"stream_id": uint64(id), "bytes_received": bytesReceived, "bytes_sent": bytesSent,
	})
	c.recalcReadTimers()

	if drained {
		c.tracker.Disarm(TimeoutRequestDrain)
		c.closeTransport(ErrCodeNoError, "drained")
	}
}

// Tick advances the timeout tracker. The owner of the connection calls this
// from its clock; tests call it directly with fabricated times.
func (c *Conn) Tick(now time.Time) {
	c.tracker.Tick(now)
}

func (c *Conn) noteInboundActivity() {
	c.tracker.Activity(TimeoutKeepAlive, c.now())
}

func (c *Conn) noteBodyActivity() {
	c.tracker.Activity(TimeoutBodyRead, c.now())
}

func (c *Conn) noteHeadersDone(StreamID) {
	if c.opts.BodyReadTimeout > 0 {
		c.tracker.Arm(TimeoutBodyRead, c.opts.BodyReadTimeout, c.now())
	}
	c.recalcReadTimers()
}

// recalcReadTimers keeps the header-read and body-read timers armed only
// while some stream is in the matching phase.
func (c *Conn) recalcReadTimers() {
	c.mu.Lock()
	var anyAwaiting, anyBody bool
	for _, rs := range c.streams {
		if rs.awaitingHeaders() {
			anyAwaiting = true
		}
		if rs.receivingBody() {
			anyBody = true
		}
	}
	c.mu.Unlock()

	if !anyAwaiting {
		c.tracker.Disarm(TimeoutHeaderRead)
	}
	if !anyBody {
		c.tracker.Disarm(TimeoutBodyRead)
	}
}

// onTimeout is the tracker callback: notify the observer, then enforce.
func (c *Conn) onTimeout(reason TimeoutReason) {
	c.log.Warn("timeout fired", logger.LogFields{"reason": reason.String()})
	if c.opts.OnTimeout != nil {
		c.opts.OnTimeout(reason)
	}

	switch reason {
	case TimeoutKeepAlive:
		c.closeTransport(ErrCodeNoError, "idle timeout")
	case TimeoutRequestDrain:
		c.closeTransport(ErrCodeNoError, "drain timeout")
	case TimeoutHeaderRead:
		c.abortStreamsWhere(func(rs *RequestStream) bool { return rs.awaitingHeaders() })
	case TimeoutBodyRead:
		c.abortStreamsWhere(func(rs *RequestStream) bool { return rs.receivingBody() })
	}
}

func (c *Conn) abortStreamsWhere(match func(*RequestStream) bool) {
	c.mu.Lock()
	var picked []*RequestStream
	for _, rs := range c.streams {
		if match(rs) {
			picked = append(picked, rs)
		}
	}
	c.mu.Unlock()
	for _, rs := range picked {
		rs.Abort(ErrCodeRequestIncomplete)
	}
}
