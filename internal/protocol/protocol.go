package protocol

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/blukai/bigbattle/internal/buffer"
	"github.com/blukai/bigbattle/internal/byteorder"
	"github.com/blukai/bigbattle/internal/debug"
)

// Frame layout (big-endian), one datagram per frame:
//
//	offset 0, 2 bytes : total size = 6 + payload len
//	offset 2, 4 bytes : sequence id
//	offset 6, 2 bytes : payload len
//	offset 8, N bytes : compressed payload
const (
	SizeFieldLen    = 2
	SeqFieldLen     = 4
	StringPrefixLen = 2
	HeaderSize      = SizeFieldLen + SeqFieldLen + StringPrefixLen // 8

	// MaxFrameSize caps the whole frame, header included. It is shared by
	// client and server.
	MaxFrameSize = 512
	// MaxPayloadSize is the largest compressed payload that still fits.
	MaxPayloadSize = MaxFrameSize - HeaderSize

	// RecvBufferSize is how much a single datagram read may return.
	RecvBufferSize = 1024
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max frame size")
	ErrIncomplete    = errors.New("protocol: frame not fully buffered")
	ErrMalformed     = errors.New("protocol: malformed frame header")
)

type Frame struct {
	Seq uint32
	// Payload is the compressed payload.
	Payload []byte
}

var (
	_ encoding.BinaryMarshaler   = (*Frame)(nil)
	_ encoding.BinaryUnmarshaler = (*Frame)(nil)
)

// TotalSize is the value of the leading size field. Note that it does not
// count the size field itself.
func (f *Frame) TotalSize() int {
	return SeqFieldLen + StringPrefixLen + len(f.Payload)
}

func (f *Frame) MarshalBinary() ([]byte, error) {
	wb := buffer.NewWriteBuffer(MaxFrameSize)

	if !wb.CanWrite(SizeFieldLen + f.TotalSize()) {
		return nil, fmt.Errorf("%w (got %d; want <= %d)",
			ErrFrameTooLarge, SizeFieldLen+f.TotalSize(), MaxFrameSize)
	}

	ok := wb.WriteUint16(uint16(f.TotalSize())) &&
		wb.WriteUint32(f.Seq) &&
		wb.WriteString(f.Payload)
	debug.Assert(ok, "frame fits but could not be written")

	data := wb.Bytes()
	debug.Assert(len(data) == HeaderSize+len(f.Payload))

	return data, nil
}

func (f *Frame) UnmarshalBinary(data []byte) error {
	rb := buffer.NewReadBuffer(data)
	decoded, err := DecodeFrame(rb)
	if err != nil {
		return err
	}
	if rb.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, rb.Len())
	}
	*f = decoded
	return nil
}

// EncodeFrame frames an already compressed payload.
func EncodeFrame(seq uint32, payload []byte) ([]byte, error) {
	f := Frame{Seq: seq, Payload: payload}
	return f.MarshalBinary()
}

// PeekTotalSize returns the size field of the next buffered frame without
// consuming anything.
func PeekTotalSize(rb *buffer.ReadBuffer) (int, bool) {
	data, ok := rb.Peek(SizeFieldLen)
	if !ok {
		return 0, false
	}
	return int(byteorder.Ntohs(data)), true
}

// DecodeFrame consumes exactly one frame from rb.
//
// A frame is only consumed once all of its SizeFieldLen+total size bytes are
// buffered; until then ErrIncomplete is returned and rb is left as is.
// ErrMalformed means the header can never describe a valid frame; rb is left
// as is as well and it is up to the caller to resync.
func DecodeFrame(rb *buffer.ReadBuffer) (Frame, error) {
	totalSize, ok := PeekTotalSize(rb)
	if !ok {
		return Frame{}, ErrIncomplete
	}
	if totalSize < SeqFieldLen+StringPrefixLen {
		return Frame{}, fmt.Errorf("%w: total size %d is too small", ErrMalformed, totalSize)
	}
	if SizeFieldLen+totalSize > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: total size %d exceeds max frame size", ErrMalformed, totalSize)
	}
	if !rb.CanRead(SizeFieldLen + totalSize) {
		return Frame{}, ErrIncomplete
	}

	// the whole frame is buffered, check that the payload length agrees
	// with the total size before consuming anything.
	header, ok := rb.Peek(HeaderSize)
	debug.Assert(ok)
	payloadLen := int(byteorder.Ntohs(header[SizeFieldLen+SeqFieldLen:]))
	if payloadLen != totalSize-SeqFieldLen-StringPrefixLen {
		return Frame{}, fmt.Errorf("%w: payload len %d does not match total size %d",
			ErrMalformed, payloadLen, totalSize)
	}

	_, ok = rb.ReadUint16()
	debug.Assert(ok)
	seq, ok := rb.ReadUint32()
	debug.Assert(ok)
	payload, ok := rb.ReadString()
	debug.Assert(ok)

	return Frame{Seq: seq, Payload: payload}, nil
}

// SeqNewer reports whether sequence id a was sent after b. Ids wrap around
// at 2^32, so the comparison is done in serial number arithmetic
// (https://datatracker.ietf.org/doc/html/rfc1982).
func SeqNewer(a, b uint32) bool {
	return int32(a-b) > 0
}
