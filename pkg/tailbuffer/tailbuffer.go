// Package tailbuffer provides a fixed-size buffer that retains the
// most recently written bytes. The daemon tees its log output through
// one so that GET /api/logs can return the recent tail without keeping
// unbounded history.
package tailbuffer

import (
	"io"
	"sync"
)

type TailBuffer struct {
	mu sync.Mutex
	// buf is a circular buffer. start is the index of the oldest byte
	// and length the number of valid bytes.
	buf    []byte
	start  int
	length int
}

// New returns a buffer that keeps the last capacity bytes written.
func New(capacity uint) *TailBuffer {
	return &TailBuffer{buf: make([]byte, capacity)}
}

// Write appends p, discarding the oldest bytes once the buffer is
// full. It never fails and always reports len(p) written.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := len(p)
	if len(t.buf) == 0 {
		return total, nil
	}
	if len(p) > len(t.buf) {
		p = p[len(p)-len(t.buf):]
	}

	end := (t.start + t.length) % len(t.buf)
	n := copy(t.buf[end:], p)
	copy(t.buf, p[n:])

	t.length += len(p)
	if t.length > len(t.buf) {
		t.start = (t.start + t.length - len(t.buf)) % len(t.buf)
		t.length = len(t.buf)
	}
	return total, nil
}

// Read drains up to len(p) of the oldest buffered bytes. It returns
// io.EOF when the buffer is empty.
func (t *TailBuffer) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.length == 0 {
		return 0, io.EOF
	}
	n := t.length
	if n > len(p) {
		n = len(p)
	}
	first := copy(p[:n], t.buf[t.start:])
	copy(p[first:n], t.buf)

	t.start = (t.start + n) % len(t.buf)
	t.length -= n
	return n, nil
}

// Snapshot returns a copy of the buffered bytes without consuming
// them, so the log tail can be served repeatedly.
func (t *TailBuffer) Snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]byte, t.length)
	first := copy(out, t.buf[t.start:t.start+min(t.length, len(t.buf)-t.start)])
	copy(out[first:], t.buf)
	return out
}

var _ io.ReadWriter = (*TailBuffer)(nil)
