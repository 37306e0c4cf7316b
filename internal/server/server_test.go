package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h3engine/internal/logger"
)

// recordingWriter captures everything a handler emits.
type recordingWriter struct {
	headers    []HeaderField
	endOnSend  bool
	data       []byte
	endOnWrite bool
	trailers   []HeaderField
	finished   bool
}

func (w *recordingWriter) SendHeaders(h []HeaderField, endStream bool) error {
	w.headers = h
	w.endOnSend = endStream
	return nil
}

func (w *recordingWriter) WriteData(p []byte, endStream bool) (int, error) {
	w.data = append(w.data, p...)
	w.endOnWrite = endStream
	return len(p), nil
}

func (w *recordingWriter) WriteTrailers(t []HeaderField) error {
	w.trailers = t
	return nil
}

func (w *recordingWriter) Finish() error {
	w.finished = true
	return nil
}

func (w *recordingWriter) ID() uint64               { return 4 }
func (w *recordingWriter) Context() context.Context { return context.Background() }

func (w *recordingWriter) status(t *testing.T) string {
	t.Helper()
	for _, hf := range w.headers {
		if hf.Name == ":status" {
			return hf.Value
		}
	}
	t.Fatal("no :status header sent")
	return ""
}

func TestRequestHeaderValue(t *testing.T) {
	req := &Request{Header: []HeaderField{
		{Name: "accept", Value: "text/html"},
		{Name: "x-id", Value: "first"},
		{Name: "x-id", Value: "second"},
	}}

	v, ok := req.HeaderValue("accept")
	require.True(t, ok)
	assert.Equal(t, "text/html", v)

	// Last value wins on duplicates.
	v, ok = req.HeaderValue("x-id")
	require.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = req.HeaderValue("missing")
	assert.False(t, ok)
}

func TestHandlerRegistry(t *testing.T) {
	reg := NewHandlerRegistry()
	lg := logger.NewDiscardLogger()

	factory := func(cfg map[string]interface{}, lg *logger.Logger) (Handler, error) {
		return HandlerFunc(func(rw ResponseWriterStream, req *Request) {}), nil
	}
	require.NoError(t, reg.Register("echo", factory))
	assert.Error(t, reg.Register("echo", factory), "double registration must fail")

	h, err := reg.CreateHandler("echo", nil, lg)
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = reg.CreateHandler("unknown", nil, lg)
	assert.Error(t, err)

	_, err = reg.CreateHandler("echo", nil, nil)
	assert.Error(t, err, "nil logger must be rejected")

	reg.ClearFactories()
	_, ok := reg.GetFactory("echo")
	assert.False(t, ok)
}

func TestPrefersJSON(t *testing.T) {
	for _, tc := range []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"text/html", false},
		{"application/json", true},
		{"application/json, text/html", true},
		{"text/html, application/json", false}, // equal q and specificity, earlier entry wins
		{"*/*", false},
		{"application/json, */*", true},
		{"text/html;q=0.5, application/json;q=0.8", true},
		{"application/json;q=0", false},
		{"application/json;q=0.9, text/html", false},
		{"APPLICATION/JSON", true},
	} {
		got := PrefersJSON(tc.accept)
		assert.Equal(t, tc.want, got, "accept=%q", tc.accept)
	}
}

func TestWriteErrorResponseHTML(t *testing.T) {
	rw := &recordingWriter{}
	err := WriteErrorResponse(rw, 404, nil, "", logger.NewDiscardLogger())
	require.NoError(t, err)

	assert.Equal(t, "404", rw.status(t))
	assert.Contains(t, string(rw.data), "<title>404 Not Found</title>")
	assert.Contains(t, string(rw.data), "The requested resource was not found")
	assert.True(t, rw.endOnWrite)
	assert.False(t, rw.endOnSend)
}

func TestWriteErrorResponseJSON(t *testing.T) {
	rw := &recordingWriter{}
	reqHeaders := []HeaderField{{Name: "accept", Value: "application/json"}}
	err := WriteErrorResponse(rw, 500, reqHeaders, "handler panicked", logger.NewDiscardLogger())
	require.NoError(t, err)

	assert.Equal(t, "500", rw.status(t))
	var body ErrorResponseJSON
	require.NoError(t, json.Unmarshal(rw.data, &body))
	assert.Equal(t, 500, body.Error.StatusCode)
	assert.Equal(t, "handler panicked", body.Error.Detail)
}

func TestWriteErrorResponseEscapesDetail(t *testing.T) {
	rw := &recordingWriter{}
	err := WriteErrorResponse(rw, 400, nil, `<script>alert("x")</script>`, logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.NotContains(t, string(rw.data), "<script>")
	assert.Contains(t, string(rw.data), "&lt;script&gt;")
}

func TestWriteErrorResponseJSONMarshalFallback(t *testing.T) {
	restore := TestingOnlySetJSONMarshal(func(v interface{}) ([]byte, error) {
		return nil, errors.New("marshal broken")
	})
	defer TestingOnlySetJSONMarshal(restore)

	rw := &recordingWriter{}
	reqHeaders := []HeaderField{{Name: "accept", Value: "application/json"}}
	err := WriteErrorResponse(rw, 500, reqHeaders, "", logger.NewDiscardLogger())
	require.NoError(t, err)

	// Fell back to HTML.
	assert.Contains(t, string(rw.data), "<html>")
	var ct string
	for _, hf := range rw.headers {
		if hf.Name == "content-type" {
			ct = hf.Value
		}
	}
	assert.Contains(t, ct, "text/html")
}

func TestSendDefaultErrorResponseUsesRequestAccept(t *testing.T) {
	rw := &recordingWriter{}
	req := &Request{Header: []HeaderField{{Name: "accept", Value: "application/json"}}}
	SendDefaultErrorResponse(rw, 403, req, "", logger.NewDiscardLogger())

	assert.Equal(t, "403", rw.status(t))
	assert.True(t, json.Valid(rw.data), "expected JSON body, got %q", rw.data)
}

func TestWriteErrorResponseUnknownStatus(t *testing.T) {
	rw := &recordingWriter{}
	err := WriteErrorResponse(rw, 599, nil, "backend gone", logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, "599", rw.status(t))
	assert.Contains(t, string(rw.data), "backend gone")
}
