package http3

import (
	"errors"
	"io"
	"sync"
)

// ErrReadHalfClosed is returned to a pipe writer after the reading side has
// been closed: buffered and future bytes have nowhere to go.
var ErrReadHalfClosed = errors.New("http3: read half closed")

// pipe is a byte pipe with a pause/resume buffering threshold, used for the
// inbound request-body path and by the in-memory transport. Semantics of the
// limit follow the connection-wide buffering options:
//
//	limit < 0: unbounded, writers never block (no backpressure)
//	limit == 0: rendezvous, a writer blocks until a reader has consumed
//	            every byte of the write
//	limit > 0: writers block while the buffered byte count is at or above
//	           the limit
//
// The read and write halves close independently. Closing the write half
// drains remaining bytes to the reader and then yields io.EOF; closing with
// an error surfaces that error to the reader instead.
type pipe struct {
	mu    sync.Mutex
	cond  *sync.Cond
	buf   []byte
	limit int

	writeClosed bool
	readClosed  bool
	err         error // reported to the reader once buf drains, nil means io.EOF
}

func newPipe(limit int) *pipe {
	p := &pipe{limit: limit}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until bytes are buffered, the write half closes, or the read
// half is closed locally.
func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.readClosed {
			return 0, ErrReadHalfClosed
		}
		if len(p.buf) > 0 {
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			if len(p.buf) == 0 {
				p.buf = nil
			}
			p.cond.Broadcast() // wake writers waiting on the threshold
			return n, nil
		}
		if p.writeClosed {
			if p.err != nil {
				return 0, p.err
			}
			return 0, io.EOF
		}
		p.cond.Wait()
	}
}

// Write blocks while the buffer is at or above the configured limit.
// With a rendezvous limit it returns only after a reader has taken every
// byte of b.
func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	written := 0
	for len(b) > 0 {
		if p.writeClosed {
			return written, io.ErrClosedPipe
		}
		if p.readClosed {
			return written, ErrReadHalfClosed
		}
		if p.limit >= 0 && len(p.buf) >= p.limit && !(p.limit == 0 && len(p.buf) == 0) {
			p.cond.Wait()
			continue
		}
		chunk := b
		if p.limit > 0 {
			if room := p.limit - len(p.buf); len(chunk) > room {
				chunk = chunk[:room]
			}
		}
		p.buf = append(p.buf, chunk...)
		b = b[len(chunk):]
		written += len(chunk)
		p.cond.Broadcast()
		if p.limit == 0 {
			// Rendezvous: wait for the reader to drain before accepting more.
			for len(p.buf) > 0 && !p.readClosed {
				p.cond.Wait()
			}
			if p.readClosed && len(p.buf) > 0 {
				return written, ErrReadHalfClosed
			}
		}
	}
	return written, nil
}

// CloseWrite ends the write half. Buffered bytes remain readable; the reader
// then sees io.EOF.
func (p *pipe) CloseWrite() {
	p.CloseWriteWithError(nil)
}

// CloseWriteWithError ends the write half with err surfaced to the reader
// after the buffer drains. A nil err means a clean io.EOF.
func (p *pipe) CloseWriteWithError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeClosed {
		return
	}
	p.writeClosed = true
	p.err = err
	p.cond.Broadcast()
}

// CloseRead abandons the read half. Buffered bytes are dropped and writers
// are released with ErrReadHalfClosed.
func (p *pipe) CloseRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readClosed {
		return
	}
	p.readClosed = true
	p.buf = nil
	p.cond.Broadcast()
}

// Buffered returns the current buffered byte count.
func (p *pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}
