// Package carrier implements the owned string buffer that crosses the native
// boundary.
//
// A Carrier is a byte buffer whose length travels with it; the payload may
// contain NUL bytes or arbitrary binary data, so the length is never inferred
// from the content. Exactly one party owns a Carrier at any time. The owner
// either moves the bytes out with Take or frees them with Release, once.
// Using a Carrier after that is a programming error and panics.
package carrier

import (
	"bytes"
	"sync/atomic"
)

const doubleReleaseMsg = "carrier: released twice"

type Carrier struct {
	buf      []byte
	released int32
}

// Copies s into a new buffer sized exactly to len(s).
func FromString(s string) *Carrier {
	buf := make([]byte, len(s))
	copy(buf, s)
	return &Carrier{buf: buf}
}

// Copies b into a new buffer sized exactly to len(b).
func FromBytes(b []byte) *Carrier {
	buf := make([]byte, len(b))
	copy(buf, b)
	return &Carrier{buf: buf}
}

// Wraps b without copying. The caller gives up b: it must not read or write
// it after this call.
func Adopt(b []byte) *Carrier {
	if b == nil {
		b = []byte{}
	}
	return &Carrier{buf: b[:len(b):len(b)]}
}

// Byte length recorded at construction.
func (c *Carrier) Len() int {
	c.mustBeLive()
	return len(c.buf)
}

// Returns a copy of the payload as a string.
func (c *Carrier) String() string {
	c.mustBeLive()
	return string(c.buf)
}

// Returns a copy of the payload.
func (c *Carrier) Bytes() []byte {
	c.mustBeLive()
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

// Moves the buffer out of the carrier. The carrier counts as released
// afterwards.
func (c *Carrier) Take() []byte {
	c.markReleased()
	buf := c.buf
	c.buf = nil
	return buf
}

// Frees the buffer. Must be called exactly once, by the side that owns the
// carrier, after it has copied out everything it needs.
func (c *Carrier) Release() {
	c.markReleased()
	c.buf = nil
}

func (c *Carrier) IsReleased() bool {
	return atomic.LoadInt32(&c.released) != 0
}

func (c *Carrier) markReleased() {
	if !atomic.CompareAndSwapInt32(&c.released, 0, 1) {
		panic(doubleReleaseMsg)
	}
}

func (c *Carrier) mustBeLive() {
	if c.IsReleased() {
		panic("carrier: used after release")
	}
}

// Interprets a NUL-terminated buffer coming from the core side: everything up
// to (not including) the first NUL, or the whole buffer when there is none.
func StringFromRaw(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
