package http3

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h3engine/internal/logger"
	"example.com/h3engine/internal/qpack"
	"example.com/h3engine/internal/server"
)

// connHarness runs a Conn over one half of a MemTransport pair; tests drive
// the other half as the client.
type connHarness struct {
	t        *testing.T
	client   *MemTransport
	conn     *Conn
	serveErr chan error
}

func newConnHarness(t *testing.T, h server.Handler, hooks ConnectionHooks, mod func(*Options)) *connHarness {
	t.Helper()
	client, srv := NewMemTransportPair(MemTransportOptions{})
	opts := DefaultOptions()
	if mod != nil {
		mod(&opts)
	}
	conn := NewConn(srv, h, opts, hooks, logger.NewDiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Serve(ctx) }()

	hn := &connHarness{t: t, client: client, conn: conn, serveErr: errCh}
	t.Cleanup(func() {
		conn.closeTransport(ErrCodeNoError, "test teardown")
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after teardown")
		}
	})
	return hn
}

// waitServe blocks until Serve returns and hands back its error.
func (hn *connHarness) waitServe() error {
	hn.t.Helper()
	select {
	case err := <-hn.serveErr:
		hn.serveErr <- err // keep it available for the cleanup drain
		return err
	case <-time.After(5 * time.Second):
		hn.t.Fatal("Serve did not return")
		return nil
	}
}

func appendHeadersFrame(dst []byte, fields ...server.HeaderField) []byte {
	section := qpack.NewEncoder().AppendFieldSection(nil, toQPACKFields(fields))
	dst = AppendFrameHeader(dst, FrameHeaders, uint64(len(section)))
	return append(dst, section...)
}

func appendDataFrame(dst, payload []byte) []byte {
	dst = AppendFrameHeader(dst, FrameData, uint64(len(payload)))
	return append(dst, payload...)
}

func getRequestHeaders() []server.HeaderField {
	return []server.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: ":scheme", Value: "http"},
		{Name: ":authority", Value: "localhost:80"},
	}
}

type rawFrame struct {
	Type    FrameType
	Payload []byte
}

// readStreamFrames drains ts until end of stream and carves the bytes into
// frames. The terminal error (io.EOF or a reset) is returned alongside.
func readStreamFrames(t *testing.T, ts TransportStream) ([]rawFrame, error) {
	t.Helper()
	var raw []byte
	buf := make([]byte, 16<<10)
	var final error
	for {
		n, err := ts.Read(buf)
		raw = append(raw, buf[:n]...)
		if err != nil {
			final = err
			break
		}
	}
	var frames []rawFrame
	for len(raw) > 0 {
		fh, start, end, err := TryReadFrame(raw, DefaultMaxFrameSize)
		require.NoError(t, err, "response bytes should carve into whole frames")
		frames = append(frames, rawFrame{Type: fh.Type, Payload: append([]byte(nil), raw[start:end]...)})
		raw = raw[end:]
	}
	return frames, final
}

func decodeFields(t *testing.T, payload []byte) []server.HeaderField {
	t.Helper()
	var out []server.HeaderField
	err := qpack.NewDecoder(0).Decode(payload, func(hf qpack.HeaderField) error {
		out = append(out, server.HeaderField{Name: hf.Name, Value: hf.Value})
		return nil
	})
	require.NoError(t, err)
	return out
}

func fieldValue(fields []server.HeaderField, name string) string {
	for _, hf := range fields {
		if hf.Name == name {
			return hf.Value
		}
	}
	return ""
}

func TestRequestResponseRoundTrip(t *testing.T) {
	gotReq := make(chan *server.Request, 1)
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		gotReq <- req
		require.NoError(t, rw.SendHeaders([]server.HeaderField{{Name: ":status", Value: "200"}}, false))
		_, err := rw.WriteData([]byte("hello"), true)
		require.NoError(t, err)
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	_, err = ts.Write(appendHeadersFrame(nil, getRequestHeaders()...))
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	frames, final := readStreamFrames(t, ts)
	assert.Equal(t, io.EOF, final)
	require.Len(t, frames, 2)
	assert.Equal(t, FrameHeaders, frames[0].Type)
	assert.Equal(t, FrameData, frames[1].Type)
	assert.Equal(t, "hello", string(frames[1].Payload))

	respFields := decodeFields(t, frames[0].Payload)
	assert.Equal(t, "200", fieldValue(respFields, ":status"))

	select {
	case req := <-gotReq:
		assert.Equal(t, "GET", req.Method)
		assert.Equal(t, "/", req.Path)
		assert.Equal(t, "http", req.Scheme)
		assert.Equal(t, "localhost:80", req.Authority)
		assert.Equal(t, uint64(0), req.StreamID)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestRequestBodyDelivery(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		require.NoError(t, rw.SendHeaders([]server.HeaderField{{Name: ":status", Value: "200"}}, false))
		_, werr := rw.WriteData(body, true)
		require.NoError(t, werr)
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	buf := appendHeadersFrame(nil,
		server.HeaderField{Name: ":method", Value: "POST"},
		server.HeaderField{Name: ":path", Value: "/upload"},
		server.HeaderField{Name: ":scheme", Value: "http"},
		server.HeaderField{Name: ":authority", Value: "localhost"},
	)
	buf = appendDataFrame(buf, []byte("abc"))
	buf = appendDataFrame(buf, []byte("def"))
	_, err = ts.Write(buf)
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	frames, final := readStreamFrames(t, ts)
	assert.Equal(t, io.EOF, final)
	require.Len(t, frames, 2)
	assert.Equal(t, "abcdef", string(frames[1].Payload))
}

func TestDataFrameSplitAcrossWrites(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		require.NoError(t, rw.SendHeaders([]server.HeaderField{{Name: ":status", Value: "200"}}, false))
		_, werr := rw.WriteData(body, true)
		require.NoError(t, werr)
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	buf := appendHeadersFrame(nil,
		server.HeaderField{Name: ":method", Value: "POST"},
		server.HeaderField{Name: ":path", Value: "/upload"},
		server.HeaderField{Name: ":scheme", Value: "http"},
		server.HeaderField{Name: ":authority", Value: "localhost"},
	)
	payload := []byte("split across reads")
	frame := appendDataFrame(nil, payload)

	// The frame header plus half the payload arrives first; the stream must
	// hold the partial frame until the remainder lands.
	cut := len(frame) - len(payload)/2
	_, err = ts.Write(append(buf, frame[:cut]...))
	require.NoError(t, err)
	_, err = ts.Write(frame[cut:])
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	frames, final := readStreamFrames(t, ts)
	assert.Equal(t, io.EOF, final)
	require.Len(t, frames, 2)
	assert.Equal(t, string(payload), string(frames[1].Payload))
}

func TestDataBeforeHeadersResetsStream(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		t.Error("handler must not run for a malformed stream")
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	_, err = ts.Write(appendDataFrame(nil, []byte("body before headers")))
	require.NoError(t, err)

	_, final := readStreamFrames(t, ts)
	var re *ResetError
	require.ErrorAs(t, final, &re)
	assert.Equal(t, ErrCodeFrameUnexpected, re.Code)

	// The connection survives a stream-level error.
	ts2, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	_, err = ts2.Write(appendHeadersFrame(nil, getRequestHeaders()...))
	require.NoError(t, err)
}

func TestTrailersDelivered(t *testing.T) {
	trailerCh := make(chan []server.HeaderField, 1)
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		_, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		trailerCh <- rw.(*RequestStream).Trailers()
		rw.SendHeaders([]server.HeaderField{{Name: ":status", Value: "200"}}, true)
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	buf := appendHeadersFrame(nil, getRequestHeaders()...)
	buf = appendDataFrame(buf, []byte("payload"))
	buf = appendHeadersFrame(buf, server.HeaderField{Name: "x-checksum", Value: "abc123"})
	_, err = ts.Write(buf)
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	select {
	case trailers := <-trailerCh:
		require.Len(t, trailers, 1)
		assert.Equal(t, "x-checksum", trailers[0].Name)
		assert.Equal(t, "abc123", trailers[0].Value)
	case <-time.After(time.Second):
		t.Fatal("trailers never delivered")
	}
}

func TestSecondTrailerSectionResetsStream(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		io.Copy(io.Discard, req.Body)
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	buf := appendHeadersFrame(nil, getRequestHeaders()...)
	buf = appendHeadersFrame(buf, server.HeaderField{Name: "x-first", Value: "1"})
	buf = appendHeadersFrame(buf, server.HeaderField{Name: "x-second", Value: "2"})
	_, err = ts.Write(buf)
	require.NoError(t, err)

	_, final := readStreamFrames(t, ts)
	var re *ResetError
	require.ErrorAs(t, final, &re)
	assert.Equal(t, ErrCodeFrameUnexpected, re.Code)
}

func TestMissingPseudoHeadersResetsStream(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		t.Error("handler must not run without mandatory pseudo-headers")
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	_, err = ts.Write(appendHeadersFrame(nil,
		server.HeaderField{Name: ":method", Value: "GET"},
		server.HeaderField{Name: ":scheme", Value: "http"},
	))
	require.NoError(t, err)

	_, final := readStreamFrames(t, ts)
	var re *ResetError
	require.ErrorAs(t, final, &re)
	assert.Equal(t, ErrCodeMessageError, re.Code)
}

func TestControlFrameOnRequestStreamIsFatal(t *testing.T) {
	hn := newConnHarness(t, server.HandlerFunc(func(server.ResponseWriterStream, *server.Request) {}), nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	_, err = ts.Write(AppendSettingsFrame(nil, nil))
	require.NoError(t, err)

	err = hn.waitServe()
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeFrameUnexpected, ce.Code)
}

func TestStreamEOFInsideFrameIsFatal(t *testing.T) {
	hn := newConnHarness(t, server.HandlerFunc(func(server.ResponseWriterStream, *server.Request) {}), nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	partial := AppendFrameHeader(nil, FrameHeaders, 10)
	partial = append(partial, 0x00, 0x00, 0xc0) // 3 of the declared 10 bytes
	_, err = ts.Write(partial)
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	err = hn.waitServe()
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrCodeFrameError, ce.Code)
}

func TestStreamEOFBeforeHeadersResetsStream(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		t.Error("handler must not run for an empty stream")
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	_, final := readStreamFrames(t, ts)
	var re *ResetError
	require.ErrorAs(t, final, &re)
	assert.Equal(t, ErrCodeRequestIncomplete, re.Code)
}

func TestHandlerPanicBecomes500(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		panic("handler exploded")
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	_, err = ts.Write(appendHeadersFrame(nil, getRequestHeaders()...))
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	frames, final := readStreamFrames(t, ts)
	assert.Equal(t, io.EOF, final)
	require.NotEmpty(t, frames)
	respFields := decodeFields(t, frames[0].Payload)
	assert.Equal(t, "500", fieldValue(respFields, ":status"))
}

func TestResponseBodyChunking(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		require.NoError(t, rw.SendHeaders([]server.HeaderField{{Name: ":status", Value: "200"}}, false))
		_, err := rw.WriteData([]byte("0123456789"), true)
		require.NoError(t, err)
	})
	hn := newConnHarness(t, h, nil, func(o *Options) { o.OutboundChunkSize = 4 })

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	_, err = ts.Write(appendHeadersFrame(nil, getRequestHeaders()...))
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	frames, final := readStreamFrames(t, ts)
	assert.Equal(t, io.EOF, final)
	require.Len(t, frames, 4)
	assert.Equal(t, "0123", string(frames[1].Payload))
	assert.Equal(t, "4567", string(frames[2].Payload))
	assert.Equal(t, "89", string(frames[3].Payload))
}

func TestWriteDataBeforeSendHeadersRejected(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		_, err := rw.WriteData([]byte("too early"), false)
		assert.Error(t, err)
		require.NoError(t, rw.SendHeaders([]server.HeaderField{{Name: ":status", Value: "204"}}, true))
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	_, err = ts.Write(appendHeadersFrame(nil, getRequestHeaders()...))
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	frames, final := readStreamFrames(t, ts)
	assert.Equal(t, io.EOF, final)
	require.Len(t, frames, 1)
	respFields := decodeFields(t, frames[0].Payload)
	assert.Equal(t, "204", fieldValue(respFields, ":status"))
}

func TestUnknownFrameOnRequestStreamIgnored(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, "real", string(body))
		rw.SendHeaders([]server.HeaderField{{Name: ":status", Value: "200"}}, true)
	})
	hn := newConnHarness(t, h, nil, nil)

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	buf := appendHeadersFrame(nil, getRequestHeaders()...)
	buf = AppendFrameHeader(buf, FrameType(0x21), 3) // grease
	buf = append(buf, 'x', 'y', 'z')
	buf = appendDataFrame(buf, []byte("real"))
	_, err = ts.Write(buf)
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	frames, final := readStreamFrames(t, ts)
	assert.Equal(t, io.EOF, final)
	require.Len(t, frames, 1)
	respFields := decodeFields(t, frames[0].Payload)
	assert.Equal(t, "200", fieldValue(respFields, ":status"))
}

func TestAbandonedBodyStillDrains(t *testing.T) {
	h := server.HandlerFunc(func(rw server.ResponseWriterStream, req *server.Request) {
		req.Body.Close() // handler never reads the body
		rw.SendHeaders([]server.HeaderField{{Name: ":status", Value: "200"}}, true)
	})
	hn := newConnHarness(t, h, nil, func(o *Options) { o.InboundBodyBufferLimit = 8 })

	ts, err := hn.client.OpenStream(StreamBidirectional)
	require.NoError(t, err)
	buf := appendHeadersFrame(nil, getRequestHeaders()...)
	buf = appendDataFrame(buf, make([]byte, 1<<10)) // past the buffer limit
	_, err = ts.Write(buf)
	require.NoError(t, err)
	require.NoError(t, ts.Close())

	frames, final := readStreamFrames(t, ts)
	assert.Equal(t, io.EOF, final)
	require.Len(t, frames, 1)
	respFields := decodeFields(t, frames[0].Payload)
	assert.Equal(t, "200", fieldValue(respFields, ":status"))
}

func TestStreamStateString(t *testing.T) {
	assert.Equal(t, "AwaitingHeaders", stateAwaitingHeaders.String())
	assert.Equal(t, "ReceivingBody", stateReceivingBody.String())
	assert.Equal(t, "TrailersReceived", stateTrailersReceived.String())
	assert.Equal(t, "Complete", stateComplete.String())
	assert.Equal(t, "Aborted", stateAborted.String())
	assert.Equal(t, "Unknown", streamState(99).String())
}
