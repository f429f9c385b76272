// Package channel implements the per-peer protocol state: framing and
// compressing outgoing payloads, parsing and sequencing incoming frames.
//
// A Channel never touches a socket. The dispatcher that owns the socket
// feeds received bytes in with OnDataReceived and hands a Transmitter to
// SendData when the socket is writable.
package channel

import (
	"errors"
	"fmt"
	"io"

	"github.com/blukai/bigbattle/internal/buffer"
	"github.com/blukai/bigbattle/internal/compress"
	"github.com/blukai/bigbattle/internal/metrics"
	"github.com/blukai/bigbattle/internal/protocol"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

// Transmitter is the unreliable datagram primitive a Channel sends through.
type Transmitter interface {
	Transmit(b []byte) (int, error)
}

type TransmitFunc func(b []byte) (int, error)

func (fn TransmitFunc) Transmit(b []byte) (int, error) {
	return fn(b)
}

type Channel struct {
	recvBuf *buffer.ReadBuffer

	sendSeq     uint32
	recvSeq     uint32
	recvSeqSeen bool

	outbox [][]byte
	inbox  [][]byte

	logger  *log.Logger
	metrics *metrics.Metrics
}

func New(logger *log.Logger, m *metrics.Metrics) *Channel {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Channel{
		recvBuf: buffer.NewReadBuffer(nil),
		logger:  logger,
		metrics: m,
	}
}

// SendPacket compresses and frames payload and queues it for SendData.
//
// A payload whose frame would exceed protocol.MaxFrameSize is rejected with
// protocol.ErrFrameTooLarge; in that case nothing is queued and no sequence
// id is used up.
func (c *Channel) SendPacket(payload []byte) error {
	compressed, err := compress.Compress(payload)
	if err != nil {
		return fmt.Errorf("could not compress payload: %w", err)
	}

	frame, err := protocol.EncodeFrame(c.sendSeq, compressed)
	if err != nil {
		c.metrics.FrameDropped(metrics.DropOversize)
		return fmt.Errorf("could not frame payload of %d bytes: %w", len(payload), err)
	}

	c.outbox = append(c.outbox, frame)
	c.sendSeq++

	return nil
}

// OnDataReceived buffers b and parses at most one frame out of the buffer.
// It reports whether a frame was consumed; more frames may still be
// buffered, see Drain.
//
// A malformed header resets the buffer, since there is no way to find the
// next frame boundary in it. A payload that does not decompress drops only
// that frame.
func (c *Channel) OnDataReceived(b []byte) (bool, error) {
	c.recvBuf.Feed(b)

	frame, err := protocol.DecodeFrame(c.recvBuf)
	if errors.Is(err, protocol.ErrIncomplete) {
		return false, nil
	}
	if err != nil {
		c.logger.Warn().
			Int("buffered", c.recvBuf.Len()).
			Msgf("discarding receive buffer: %v", err)
		c.recvBuf.Reset()
		c.metrics.FrameDropped(metrics.DropMalformed)
		return false, err
	}

	payload, err := compress.Decompress(frame.Payload)
	if err != nil {
		c.logger.Warn().
			Uint32("seq", frame.Seq).
			Msgf("dropping frame: %v", err)
		c.metrics.FrameDropped(metrics.DropDecode)
		return true, fmt.Errorf("could not decompress frame %d: %w", frame.Seq, err)
	}

	c.accept(frame.Seq, payload)

	return true, nil
}

func (c *Channel) accept(seq uint32, payload []byte) {
	if c.recvSeqSeen && !protocol.SeqNewer(seq, c.recvSeq) {
		// duplicate or stale
		c.metrics.FrameDropped(metrics.DropDuplicate)
		return
	}

	if c.recvSeqSeen && seq != c.recvSeq+1 {
		c.logger.Debug().
			Uint32("expected", c.recvSeq+1).
			Uint32("got", seq).
			Msg("packet loss or out-of-order")
		c.metrics.SeqGap()
	}

	c.recvSeq = seq
	c.recvSeqSeen = true
	c.inbox = append(c.inbox, payload)
	c.metrics.FrameReceived()
}

// Drain parses every complete frame that is already buffered. Frames that
// fail to decompress are skipped and their errors collected; a malformed
// header ends the loop.
func (c *Channel) Drain() error {
	var errs error
	for {
		consumed, err := c.OnDataReceived(nil)
		if err != nil {
			errs = multierror.Append(errs, err)
			if errors.Is(err, protocol.ErrMalformed) {
				return errs
			}
		}
		if !consumed {
			return errs
		}
	}
}

// RecvPacket pops the oldest received payload.
func (c *Channel) RecvPacket() ([]byte, bool) {
	if len(c.inbox) == 0 {
		return nil, false
	}
	payload := c.inbox[0]
	c.inbox[0] = nil
	c.inbox = c.inbox[1:]
	return payload, true
}

// SendData transmits the oldest queued frame, if any. It returns false when
// the peer should be considered gone: either the transmitter accepted zero
// bytes or it failed.
func (c *Channel) SendData(tx Transmitter) bool {
	if len(c.outbox) == 0 {
		return true
	}

	frame := c.outbox[0]
	c.outbox[0] = nil
	c.outbox = c.outbox[1:]

	total := len(frame)
	for len(frame) > 0 {
		n, err := tx.Transmit(frame)
		if err != nil {
			c.logger.Error().
				Msgf("could not transmit: %v", err)
			return false
		}
		if n == 0 {
			// probably disconnected
			return false
		}
		frame = frame[n:]
	}

	c.metrics.FrameSent(total)

	return true
}

func (c *Channel) OutboxLen() int {
	return len(c.outbox)
}

func (c *Channel) InboxLen() int {
	return len(c.inbox)
}

// NextSeq is the id the next sent frame will carry.
func (c *Channel) NextSeq() uint32 {
	return c.sendSeq
}

// LastSeq is the id of the last accepted frame. ok is false until a frame has
// been accepted.
func (c *Channel) LastSeq() (seq uint32, ok bool) {
	return c.recvSeq, c.recvSeqSeen
}
