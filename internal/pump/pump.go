// Package pump owns a single UDP socket and exposes it as a set of
// readiness checks that never block for longer than a poll timeout.
//
// Go sockets are always blocking under the hood (the runtime parks the
// goroutine), so "is it readable" is answered by attempting a read under a
// short deadline and treating the timeout as "not ready".
package pump

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/blukai/bigbattle/internal/protocol"
)

const (
	DefaultPollTimeout  = time.Millisecond
	DefaultWriteTimeout = 100 * time.Millisecond
)

var ErrClosed = errors.New("pump: socket is closed")

// Datagram is one read off the socket. A zero-length Data is a valid
// datagram and means the peer went away.
type Datagram struct {
	Addr *net.UDPAddr
	Data []byte
}

type Pump struct {
	conn *net.UDPConn
	buf  []byte

	pollTimeout  time.Duration
	writeTimeout time.Duration

	closed bool
}

func New(conn *net.UDPConn, pollTimeout, writeTimeout time.Duration) *Pump {
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	return &Pump{
		conn: conn,
		buf:  make([]byte, protocol.RecvBufferSize),

		pollTimeout:  pollTimeout,
		writeTimeout: writeTimeout,
	}
}

// Listen binds a server socket.
func Listen(network, address string, pollTimeout, writeTimeout time.Duration) (*Pump, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	return New(conn, pollTimeout, writeTimeout), nil
}

// Dial connects a client socket to a single remote address.
func Dial(network, address string, pollTimeout, writeTimeout time.Duration) (*Pump, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	conn, err := net.DialUDP(network, nil, addr)
	if err != nil {
		return nil, fmt.Errorf("could not dial udp: %w", err)
	}

	return New(conn, pollTimeout, writeTimeout), nil
}

// PollRead reads one datagram if one arrives within the poll timeout. ok is
// false when nothing was readable.
func (p *Pump) PollRead() (dg Datagram, ok bool, err error) {
	if p.closed {
		return Datagram{}, false, ErrClosed
	}

	if err := p.conn.SetReadDeadline(time.Now().Add(p.pollTimeout)); err != nil {
		return Datagram{}, false, fmt.Errorf("could not set read deadline: %w", err)
	}

	n, addr, err := p.conn.ReadFromUDP(p.buf)
	if err != nil {
		if isTimeout(err) {
			return Datagram{}, false, nil
		}
		return Datagram{}, false, err
	}

	data := make([]byte, n)
	copy(data, p.buf[:n])

	return Datagram{Addr: addr, Data: data}, true, nil
}

// PollWrite reports whether the socket can be written to and arms the write
// deadline for the writes that follow in the same tick.
//
// A UDP socket with room in its send buffer is always writable, so a socket
// that is still open is considered ready; a full send buffer surfaces as a
// timeout on the write itself.
func (p *Pump) PollWrite() (bool, error) {
	if p.closed {
		return false, ErrClosed
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return false, fmt.Errorf("could not set write deadline: %w", err)
	}
	return true, nil
}

// Write sends on a connected (dialed) socket.
func (p *Pump) Write(b []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	return p.conn.Write(b)
}

// WriteTo sends to addr on a listening socket.
func (p *Pump) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	return p.conn.WriteToUDP(b, addr)
}

// LocalAddr can be useful to retrieve the address when the socket was bound
// to ":0".
func (p *Pump) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// RemoteAddr is only set for dialed sockets.
func (p *Pump) RemoteAddr() *net.UDPAddr {
	addr, _ := p.conn.RemoteAddr().(*net.UDPAddr)
	return addr
}

func (p *Pump) Closed() bool {
	return p.closed
}

func (p *Pump) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}
