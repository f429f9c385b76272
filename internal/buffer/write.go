package buffer

import (
	"math"

	"github.com/blukai/bigbattle/internal/byteorder"
)

// MaxStringLen is the longest string that fits behind a uint16 length
// prefix.
const MaxStringLen = math.MaxUint16

// WriteBuffer is an append-only byte sink with an optional capacity.
//
// Every write is all-or-nothing: a write that would grow the buffer past its
// capacity reports false and leaves the buffer as it was.
type WriteBuffer struct {
	buf     []byte
	maxSize int
}

// NewWriteBuffer returns a buffer that never grows past maxSize bytes. A
// maxSize of 0 (or less) means unbounded.
func NewWriteBuffer(maxSize int) *WriteBuffer {
	wb := &WriteBuffer{maxSize: maxSize}
	if maxSize > 0 {
		wb.buf = make([]byte, 0, maxSize)
	}
	return wb
}

// Bytes returns the written bytes. The slice aliases the buffer.
func (wb *WriteBuffer) Bytes() []byte {
	return wb.buf
}

func (wb *WriteBuffer) Len() int {
	return len(wb.buf)
}

func (wb *WriteBuffer) IsEmpty() bool {
	return len(wb.buf) == 0
}

// CanWrite reports whether n more bytes fit.
func (wb *WriteBuffer) CanWrite(n int) bool {
	if wb.maxSize <= 0 {
		return true
	}
	return len(wb.buf)+n <= wb.maxSize
}

func (wb *WriteBuffer) Write(data []byte) bool {
	if !wb.CanWrite(len(data)) {
		return false
	}
	wb.buf = append(wb.buf, data...)
	return true
}

// WriteString writes a 2-byte big-endian length prefix followed by data.
// Either both parts are written or neither is.
func (wb *WriteBuffer) WriteString(data []byte) bool {
	if len(data) > MaxStringLen || !wb.CanWrite(2+len(data)) {
		return false
	}
	wb.buf = append(wb.buf, byteorder.Htons(uint16(len(data)))...)
	wb.buf = append(wb.buf, data...)
	return true
}

func (wb *WriteBuffer) WriteInt8(v int8) bool {
	return wb.WriteUint8(uint8(v))
}

func (wb *WriteBuffer) WriteUint8(v uint8) bool {
	return wb.Write([]byte{v})
}

func (wb *WriteBuffer) WriteInt16(v int16) bool {
	return wb.WriteUint16(uint16(v))
}

func (wb *WriteBuffer) WriteUint16(v uint16) bool {
	return wb.Write(byteorder.Htons(v))
}

func (wb *WriteBuffer) WriteInt32(v int32) bool {
	return wb.WriteUint32(uint32(v))
}

func (wb *WriteBuffer) WriteUint32(v uint32) bool {
	return wb.Write(byteorder.Htonl(v))
}

func (wb *WriteBuffer) WriteInt64(v int64) bool {
	return wb.WriteUint64(uint64(v))
}

func (wb *WriteBuffer) WriteUint64(v uint64) bool {
	return wb.Write(byteorder.Htonll(v))
}

// WriteFloat32 writes the IEEE 754 bits of v.
func (wb *WriteBuffer) WriteFloat32(v float32) bool {
	return wb.WriteUint32(math.Float32bits(v))
}
