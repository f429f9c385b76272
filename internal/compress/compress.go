// Package compress wraps channel payloads in a zlib stream before they are
// framed.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Level trades ratio for speed; payloads are small and sent every tick.
const Level = zlib.BestSpeed

// MaxSize bounds an uncompressed payload on both ends: Compress rejects
// larger input and Decompress stops inflating past it.
const MaxSize = 64 << 10

var (
	ErrDecode   = errors.New("compress: invalid compressed payload")
	ErrTooLarge = errors.New("compress: payload too large")
)

func Compress(data []byte) ([]byte, error) {
	if len(data) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	buf := bytes.Buffer{}

	w, err := zlib.NewWriterLevel(&buf, Level)
	if err != nil {
		return nil, fmt.Errorf("could not construct zlib writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("could not compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("could not flush zlib writer: %w", err)
	}

	return buf.Bytes(), nil
}

func Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer r.Close()

	// one byte over the limit is enough to tell it was exceeded
	out, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(out) > MaxSize {
		return nil, fmt.Errorf("%w: inflates past %d bytes", ErrDecode, MaxSize)
	}

	return out, nil
}
