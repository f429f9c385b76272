package battleserver_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/blukai/bigbattle/internal/battleserver"
	"github.com/blukai/bigbattle/internal/channel"
	"github.com/blukai/bigbattle/internal/metrics"
	"github.com/blukai/bigbattle/internal/pump"
	"github.com/matryer/is"
)

// rawClient drives a channel over a dialed socket by hand.
type rawClient struct {
	pump    *pump.Pump
	channel *channel.Channel
}

func newRawClient(is *is.I, s *battleserver.Server) *rawClient {
	p, err := pump.Dial("udp4", s.Addr().String(), 0, 0)
	is.NoErr(err)
	return &rawClient{pump: p, channel: channel.New(nil, nil)}
}

func (c *rawClient) send(is *is.I, payload string) {
	is.NoErr(c.channel.SendPacket([]byte(payload)))
	_, err := c.pump.PollWrite()
	is.NoErr(err)
	is.True(c.channel.SendData(channel.TransmitFunc(c.pump.Write)))
}

func (c *rawClient) recv(is *is.I, s *battleserver.Server) string {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		is.NoErr(s.Tick())

		dg, ok, err := c.pump.PollRead()
		is.NoErr(err)
		if !ok {
			continue
		}
		_, err = c.channel.OnDataReceived(dg.Data)
		is.NoErr(err)
		if payload, ok := c.channel.RecvPacket(); ok {
			return string(payload)
		}
	}
	is.Fail() // nothing received
	return ""
}

// recvGoodbye waits for the zero-length datagram the server sends a peer it
// dropped.
func (c *rawClient) recvGoodbye(is *is.I) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		dg, ok, err := c.pump.PollRead()
		is.NoErr(err)
		if ok {
			is.Equal(len(dg.Data), 0) // goodbye is empty
			return
		}
	}
	is.Fail() // no goodbye
}

func tickUntil(is *is.I, s *battleserver.Server, cond func() bool) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		is.NoErr(s.Tick())
		if cond() {
			return
		}
	}
	is.Fail() // condition never met
}

func newServer(is *is.I, cfg battleserver.Config, handler battleserver.Handler) *battleserver.Server {
	s, err := battleserver.New("udp4", "127.0.0.1:0", cfg, handler, nil, metrics.New())
	is.NoErr(err)
	return s
}

func TestEcho(t *testing.T) {
	is := is.New(t)

	s := newServer(is, battleserver.DefaultConfig(), battleserver.EchoHandler)
	defer s.Close()

	c := newRawClient(is, s)
	defer c.pump.Close()

	c.send(is, "hello")
	is.Equal(c.recv(is, s), "hello")
	is.Equal(s.PeerCount(), 1)

	last, ok := s.LastSeq(c.pump.LocalAddr())
	is.True(ok)
	is.Equal(last, uint32(0))

	last, ok = c.channel.LastSeq()
	is.True(ok)
	is.Equal(last, uint32(0))
}

func TestHandlerSeesPayloadsInOrder(t *testing.T) {
	is := is.New(t)

	var got []string
	handler := battleserver.HandlerFunc(func(p *battleserver.Peer, payload []byte) {
		got = append(got, string(payload))
	})

	s := newServer(is, battleserver.DefaultConfig(), handler)
	defer s.Close()

	c := newRawClient(is, s)
	defer c.pump.Close()

	c.send(is, "one")
	c.send(is, "two")
	c.send(is, "three")

	tickUntil(is, s, func() bool { return len(got) == 3 })
	is.Equal(got, []string{"one", "two", "three"})
}

func TestDisconnectResetsPeer(t *testing.T) {
	is := is.New(t)

	s := newServer(is, battleserver.DefaultConfig(), nil)
	defer s.Close()

	c := newRawClient(is, s)
	defer c.pump.Close()

	c.send(is, "a")
	c.send(is, "b")
	tickUntil(is, s, func() bool {
		last, ok := s.LastSeq(c.pump.LocalAddr())
		return ok && last == 1
	})

	// zero-length datagram
	_, err := c.pump.Write(nil)
	is.NoErr(err)
	tickUntil(is, s, func() bool { return s.PeerCount() == 0 })

	// a fresh client channel starts over at 0, which the server accepts
	// since its sequence tracking was reset as well
	c.channel = channel.New(nil, nil)
	c.send(is, "again")
	tickUntil(is, s, func() bool {
		last, ok := s.LastSeq(c.pump.LocalAddr())
		return ok && last == 0
	})
	is.Equal(s.PeerCount(), 1)
}

func TestIdleEviction(t *testing.T) {
	is := is.New(t)

	cfg := battleserver.DefaultConfig()
	cfg.PeerIdleTimeout = 50 * time.Millisecond

	s := newServer(is, cfg, nil)
	defer s.Close()

	c := newRawClient(is, s)
	defer c.pump.Close()

	c.send(is, "hi")
	tickUntil(is, s, func() bool { return s.PeerCount() == 1 })
	tickUntil(is, s, func() bool { return s.PeerCount() == 0 })

	c.recvGoodbye(is)
}

func TestTickReadsEveryReadyDatagram(t *testing.T) {
	is := is.New(t)

	handled := 0
	handler := battleserver.HandlerFunc(func(p *battleserver.Peer, payload []byte) {
		handled++
	})

	s := newServer(is, battleserver.DefaultConfig(), handler)
	defer s.Close()

	c := newRawClient(is, s)
	defer c.pump.Close()

	for i := 0; i < 20; i++ {
		c.send(is, fmt.Sprintf("burst %d", i))
	}
	// let loopback deliver all of them
	time.Sleep(50 * time.Millisecond)

	is.NoErr(s.Tick())
	is.Equal(handled, 20)
}

func TestTickReadsAreBounded(t *testing.T) {
	is := is.New(t)

	handled := 0
	handler := battleserver.HandlerFunc(func(p *battleserver.Peer, payload []byte) {
		handled++
	})

	cfg := battleserver.DefaultConfig()
	cfg.MaxReadsPerTick = 4

	s := newServer(is, cfg, handler)
	defer s.Close()

	c := newRawClient(is, s)
	defer c.pump.Close()

	for i := 0; i < 10; i++ {
		c.send(is, fmt.Sprintf("burst %d", i))
	}
	time.Sleep(50 * time.Millisecond)

	is.NoErr(s.Tick())
	is.Equal(handled, 4)

	tickUntil(is, s, func() bool { return handled == 10 })
}

func TestBroadcastSkipsSender(t *testing.T) {
	is := is.New(t)

	handler := battleserver.HandlerFunc(func(p *battleserver.Peer, payload []byte) {
		is.NoErr(p.Broadcast(payload))
	})

	s := newServer(is, battleserver.DefaultConfig(), handler)
	defer s.Close()

	one := newRawClient(is, s)
	defer one.pump.Close()
	two := newRawClient(is, s)
	defer two.pump.Close()

	// make both known to the server
	one.send(is, "join one")
	two.send(is, "join two")
	tickUntil(is, s, func() bool { return s.PeerCount() == 2 })

	// "join two" went out to one
	is.Equal(one.recv(is, s), "join two")

	one.send(is, "moved")
	is.Equal(two.recv(is, s), "moved")

	_, ok := one.channel.RecvPacket()
	is.True(!ok)
}

func TestBroadcastWithoutException(t *testing.T) {
	is := is.New(t)

	s := newServer(is, battleserver.DefaultConfig(), nil)
	defer s.Close()

	one := newRawClient(is, s)
	defer one.pump.Close()
	two := newRawClient(is, s)
	defer two.pump.Close()

	one.send(is, "join one")
	two.send(is, "join two")
	tickUntil(is, s, func() bool { return s.PeerCount() == 2 })

	is.NoErr(s.Broadcast([]byte("round starts"), nil))
	is.Equal(one.recv(is, s), "round starts")
	is.Equal(two.recv(is, s), "round starts")

	// an address the server doesn't know excludes nobody
	stranger := newRawClient(is, s)
	defer stranger.pump.Close()

	is.NoErr(s.Broadcast([]byte("round ends"), stranger.pump.LocalAddr()))
	is.Equal(one.recv(is, s), "round ends")
	is.Equal(two.recv(is, s), "round ends")
}

func TestSendAndKick(t *testing.T) {
	is := is.New(t)

	s := newServer(is, battleserver.DefaultConfig(), nil)
	defer s.Close()

	c := newRawClient(is, s)
	defer c.pump.Close()

	is.True(s.Send(c.pump.LocalAddr(), []byte("x")) != nil) // unknown yet

	c.send(is, "hi")
	tickUntil(is, s, func() bool { return s.PeerCount() == 1 })
	is.Equal(s.Peers()[0].String(), c.pump.LocalAddr().String())

	is.NoErr(s.Send(c.pump.LocalAddr(), []byte("from server")))
	is.Equal(c.recv(is, s), "from server")

	is.True(s.Kick(c.pump.LocalAddr()))
	is.True(!s.Kick(c.pump.LocalAddr()))
	is.Equal(s.PeerCount(), 0)

	c.recvGoodbye(is)
}

func TestRunStopsOnCancel(t *testing.T) {
	is := is.New(t)

	s := newServer(is, battleserver.DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(time.Second):
		is.Fail() // Run did not return
	}
}
