package buffer

import (
	"math"

	"github.com/blukai/bigbattle/internal/byteorder"
)

// ReadBuffer holds bytes that were received but not parsed yet.
//
// Reads never consume a partial field: when fewer bytes than requested are
// buffered the read reports false and the buffer is left untouched, which
// means "wait for more data", not "this is broken".
type ReadBuffer struct {
	buf []byte
}

func NewReadBuffer(data []byte) *ReadBuffer {
	rb := &ReadBuffer{}
	rb.Feed(data)
	return rb
}

// Bytes returns the buffered bytes. The slice aliases the buffer.
func (rb *ReadBuffer) Bytes() []byte {
	return rb.buf
}

func (rb *ReadBuffer) Len() int {
	return len(rb.buf)
}

// Feed appends data to the end of the buffer.
func (rb *ReadBuffer) Feed(data []byte) {
	rb.buf = append(rb.buf, data...)
}

// Reset drops everything buffered.
func (rb *ReadBuffer) Reset() {
	rb.buf = nil
}

func (rb *ReadBuffer) CanRead(n int) bool {
	return n >= 0 && len(rb.buf) >= n
}

// Peek returns a copy of the first n bytes without consuming them.
func (rb *ReadBuffer) Peek(n int) ([]byte, bool) {
	if !rb.CanRead(n) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, rb.buf[:n])
	return out, true
}

func (rb *ReadBuffer) Skip(n int) bool {
	if !rb.CanRead(n) {
		return false
	}
	rb.consume(n)
	return true
}

// Read consumes and returns a copy of the first n bytes.
func (rb *ReadBuffer) Read(n int) ([]byte, bool) {
	out, ok := rb.Peek(n)
	if !ok {
		return nil, false
	}
	rb.consume(n)
	return out, true
}

// ReadString reads a uint16 length prefixed string. The prefix is only
// consumed together with the whole payload.
func (rb *ReadBuffer) ReadString() ([]byte, bool) {
	prefix, ok := rb.Peek(2)
	if !ok {
		return nil, false
	}
	n := int(byteorder.Ntohs(prefix))
	if !rb.CanRead(2 + n) {
		return nil, false
	}
	rb.consume(2)
	return rb.Read(n)
}

func (rb *ReadBuffer) ReadInt8() (int8, bool) {
	v, ok := rb.ReadUint8()
	return int8(v), ok
}

func (rb *ReadBuffer) ReadUint8() (uint8, bool) {
	data, ok := rb.Read(1)
	if !ok {
		return 0, false
	}
	return data[0], true
}

func (rb *ReadBuffer) ReadInt16() (int16, bool) {
	v, ok := rb.ReadUint16()
	return int16(v), ok
}

func (rb *ReadBuffer) ReadUint16() (uint16, bool) {
	data, ok := rb.Read(2)
	if !ok {
		return 0, false
	}
	return byteorder.Ntohs(data), true
}

func (rb *ReadBuffer) ReadInt32() (int32, bool) {
	v, ok := rb.ReadUint32()
	return int32(v), ok
}

func (rb *ReadBuffer) ReadUint32() (uint32, bool) {
	data, ok := rb.Read(4)
	if !ok {
		return 0, false
	}
	return byteorder.Ntohl(data), true
}

func (rb *ReadBuffer) ReadInt64() (int64, bool) {
	v, ok := rb.ReadUint64()
	return int64(v), ok
}

func (rb *ReadBuffer) ReadUint64() (uint64, bool) {
	data, ok := rb.Read(8)
	if !ok {
		return 0, false
	}
	return byteorder.Ntohll(data), true
}

func (rb *ReadBuffer) ReadFloat32() (float32, bool) {
	v, ok := rb.ReadUint32()
	return math.Float32frombits(v), ok
}

func (rb *ReadBuffer) consume(n int) {
	rb.buf = rb.buf[n:]
	if len(rb.buf) == 0 {
		// let the backing array go once everything is drained
		rb.buf = nil
	}
}
