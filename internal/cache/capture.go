package cache

import (
	"bytes"
	"io"
)

// Capture tees a streaming response body into a buffer while it is copied
// to the client, so the response can be cached after the stream completes
// without buffering it up front. Bodies that exceed the limit or never
// reach EOF are discarded — a partial body must never be cached.
type Capture struct {
	rc       io.ReadCloser
	buf      bytes.Buffer
	max      int64
	overflow bool
	complete bool
}

// NewCapture wraps a response body. max bounds the number of buffered
// bytes; once exceeded the capture turns into a plain pass-through.
func NewCapture(rc io.ReadCloser, max int64) *Capture {
	return &Capture{rc: rc, max: max}
}

// Read passes bytes through, buffering them until overflow.
func (c *Capture) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	if n > 0 && !c.overflow {
		c.buf.Write(p[:n])
		if int64(c.buf.Len()) > c.max {
			c.overflow = true
			c.buf = bytes.Buffer{}
		}
	}
	if err == io.EOF {
		c.complete = true
	}
	return n, err
}

// Close closes the underlying body.
func (c *Capture) Close() error {
	return c.rc.Close()
}

// Bytes returns the captured body and whether it is usable for caching:
// fully read to EOF and within the size limit.
func (c *Capture) Bytes() ([]byte, bool) {
	if !c.complete || c.overflow {
		return nil, false
	}
	return c.buf.Bytes(), true
}
