package battleserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blukai/bigbattle/internal/channel"
	"github.com/blukai/bigbattle/internal/metrics"
	"github.com/blukai/bigbattle/internal/pump"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

var ErrUnknownPeer = errors.New("battleserver: unknown peer")

type Config struct {
	// PollTimeout bounds how long a tick waits for the socket to become
	// readable.
	PollTimeout time.Duration
	// WriteTimeout bounds each write of a tick's flush.
	WriteTimeout time.Duration
	// TickInterval is how often Run ticks.
	TickInterval time.Duration
	// PeerIdleTimeout evicts peers that have not sent anything for that
	// long. Zero disables eviction.
	PeerIdleTimeout time.Duration
	// MaxReadsPerTick bounds how many datagrams one tick reads before it
	// moves on to flushing.
	MaxReadsPerTick int
}

func DefaultConfig() Config {
	return Config{
		PollTimeout:     pump.DefaultPollTimeout,
		WriteTimeout:    pump.DefaultWriteTimeout,
		TickInterval:    time.Second / 60,
		MaxReadsPerTick: 256,
	}
}

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

// Handler receives every payload the server decodes, in per-peer sequence
// order. It runs on the server's tick, so it must not call methods of the
// Server itself; use the Peer instead.
type Handler interface {
	HandlePacket(p *Peer, payload []byte)
}

type HandlerFunc func(p *Peer, payload []byte)

func (fn HandlerFunc) HandlePacket(p *Peer, payload []byte) {
	fn(p, payload)
}

// EchoHandler sends every payload back to the peer it came from.
var EchoHandler = HandlerFunc(func(p *Peer, payload []byte) {
	if err := p.Send(payload); err != nil {
		p.server.logger.Error().
			Str("addr", p.addr.String()).
			Msgf("could not echo: %v", err)
	}
})

// Peer is a remote address the server has received a datagram from, bound to
// its own channel.
type Peer struct {
	server *Server

	addr     *net.UDPAddr
	channel  *channel.Channel
	lastSeen time.Time
}

var _ channel.Transmitter = (*Peer)(nil)

func (p *Peer) Addr() *net.UDPAddr {
	return p.addr
}

// Send queues payload for this peer. It goes out on the next tick.
func (p *Peer) Send(payload []byte) error {
	return p.channel.SendPacket(payload)
}

// Broadcast queues payload for every peer but this one.
func (p *Peer) Broadcast(payload []byte) error {
	return p.server.broadcast(payload, p)
}

// Transmit writes b to the peer through the server's socket.
func (p *Peer) Transmit(b []byte) (int, error) {
	return p.server.pump.WriteTo(b, p.addr)
}

type Server struct {
	mu sync.Mutex

	pump *pump.Pump
	cfg  Config

	logger  *log.Logger
	metrics *metrics.Metrics

	handler Handler
	peers   map[addrKey]*Peer
}

func New(
	network, address string,
	cfg Config,
	handler Handler,
	logger *log.Logger,
	m *metrics.Metrics,
) (*Server, error) {
	p, err := pump.Listen(network, address, cfg.PollTimeout, cfg.WriteTimeout)
	if err != nil {
		return nil, err
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.MaxReadsPerTick <= 0 {
		cfg.MaxReadsPerTick = DefaultConfig().MaxReadsPerTick
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	s := &Server{
		pump: p,
		cfg:  cfg,

		logger:  logger,
		metrics: m,

		handler: handler,
		peers:   make(map[addrKey]*Peer),
	}

	return s, nil
}

// Addr can be useful to retreive server's address when Server was
// constructed with ":0".
func (s *Server) Addr() *net.UDPAddr {
	return s.pump.LocalAddr()
}

// Tick runs one iteration of the I/O loop: read datagrams until none is
// ready (at most MaxReadsPerTick of them) and dispatch everything they
// completed, then flush one queued frame per peer.
//
// Errors of a single read or write are logged and the server carries on;
// Tick only fails once the socket is closed.
func (s *Server) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if err := s.tickRecv(now); err != nil {
		return err
	}
	if err := s.tickSend(); err != nil {
		return err
	}
	s.evictIdle(now)

	return nil
}

func (s *Server) tickRecv(now time.Time) error {
	for i := 0; i < s.cfg.MaxReadsPerTick; i++ {
		read, err := s.recvOne(now)
		if err != nil {
			return err
		}
		if !read {
			break
		}
	}
	return nil
}

// recvOne reads and dispatches a single datagram. read is false when the
// socket had nothing ready.
func (s *Server) recvOne(now time.Time) (read bool, err error) {
	dg, ok, err := s.pump.PollRead()
	if err != nil {
		if errors.Is(err, pump.ErrClosed) {
			return false, err
		}
		s.logger.Error().
			Msgf("could not read from udp: %v", err)
		return false, nil
	}
	if !ok {
		return false, nil
	}

	key := makeAddrKey(dg.Addr)

	if len(dg.Data) == 0 {
		if _, ok := s.peers[key]; ok {
			s.removePeer(key, metrics.DisconnectZeroRead)
		}
		return true, nil
	}

	s.metrics.BytesReceived(len(dg.Data))

	peer, ok := s.peers[key]
	if !ok {
		peer = &Peer{
			server:  s,
			addr:    dg.Addr,
			channel: channel.New(s.logger, s.metrics),
		}
		s.peers[key] = peer
		s.metrics.PeerConnected()

		s.logger.Info().
			Str("addr", dg.Addr.String()).
			Msg("new peer")
	}
	peer.lastSeen = now

	var errs error
	if _, err := peer.channel.OnDataReceived(dg.Data); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := peer.channel.Drain(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if errs != nil {
		s.logger.Warn().
			Str("addr", dg.Addr.String()).
			Msgf("bad frames: %v", errs)
	}

	for {
		payload, ok := peer.channel.RecvPacket()
		if !ok {
			break
		}

		s.logger.Debug().
			Str("addr", dg.Addr.String()).
			Int("size", len(payload)).
			Msg("recv")

		if s.handler != nil {
			s.handler.HandlePacket(peer, payload)
		}
	}

	return true, nil
}

func (s *Server) tickSend() error {
	writable, err := s.pump.PollWrite()
	if err != nil {
		if errors.Is(err, pump.ErrClosed) {
			return err
		}
		s.logger.Error().
			Msgf("could not poll write: %v", err)
		return nil
	}
	if !writable {
		return nil
	}

	var removed []addrKey
	for key, peer := range s.peers {
		if !peer.channel.SendData(peer) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		s.removePeer(key, metrics.DisconnectSendFailed)
	}

	return nil
}

func (s *Server) evictIdle(now time.Time) {
	if s.cfg.PeerIdleTimeout <= 0 {
		return
	}
	for key, peer := range s.peers {
		if now.Sub(peer.lastSeen) > s.cfg.PeerIdleTimeout {
			s.removePeer(key, metrics.DisconnectIdle)
		}
	}
}

func (s *Server) removePeer(key addrKey, reason string) {
	peer, ok := s.peers[key]
	if !ok {
		return
	}
	delete(s.peers, key)
	s.metrics.PeerDisconnected(reason)

	// idle and kicked peers don't know they're gone
	if reason == metrics.DisconnectIdle || reason == metrics.DisconnectKicked {
		s.sendGoodbye(peer)
	}

	s.logger.Info().
		Str("addr", peer.addr.String()).
		Str("reason", reason).
		Msg("peer disconnected")
}

// sendGoodbye writes the zero-length datagram that tells a peer it was
// dropped.
func (s *Server) sendGoodbye(peer *Peer) {
	if _, err := s.pump.PollWrite(); err != nil {
		s.logger.Error().
			Str("addr", peer.addr.String()).
			Msgf("could not poll write for goodbye: %v", err)
		return
	}
	if _, err := s.pump.WriteTo(nil, peer.addr); err != nil {
		s.logger.Error().
			Str("addr", peer.addr.String()).
			Msgf("could not send goodbye: %v", err)
	}
}

func (s *Server) broadcast(payload []byte, except *Peer) error {
	var errs error
	for _, peer := range s.peers {
		// don't send to the sender
		if peer == except {
			continue
		}

		if err := peer.Send(payload); err != nil {
			s.logger.Error().
				Msgf("could not broadcast to %s: %v", peer.addr, err)

			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

// Run ticks every TickInterval until ctx is done, then closes the socket.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Close()
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				return fmt.Errorf("tick failed: %w", err)
			}
		}
	}
}

// Send queues payload for the peer at addr.
func (s *Server) Send(addr *net.UDPAddr, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[makeAddrKey(addr)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	return peer.Send(payload)
}

// Broadcast queues payload for every peer except the one at except, which
// may be nil.
func (s *Server) Broadcast(payload []byte, except *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exceptPeer *Peer
	if except != nil {
		exceptPeer = s.peers[makeAddrKey(except)]
	}
	return s.broadcast(payload, exceptPeer)
}

// Kick forgets the peer at addr and tells it so with a zero-length datagram.
// A later datagram from it starts over with a fresh channel.
func (s *Server) Kick(addr *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeAddrKey(addr)
	if _, ok := s.peers[key]; !ok {
		return false
	}
	s.removePeer(key, metrics.DisconnectKicked)
	return true
}

func (s *Server) Peers() []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]*net.UDPAddr, 0, len(s.peers))
	for _, peer := range s.peers {
		addrs = append(addrs, peer.addr)
	}
	return addrs
}

func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.peers)
}

// LastSeq returns the id of the last frame accepted from the peer at addr.
func (s *Server) LastSeq(addr *net.UDPAddr) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[makeAddrKey(addr)]
	if !ok {
		return 0, false
	}
	return peer.channel.LastSeq()
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pump.Close()
}
