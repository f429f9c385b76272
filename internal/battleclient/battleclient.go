package battleclient

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
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

// ErrDisconnected is returned once the client lost its server, either
// because the server said so, because a send failed or because the socket
// broke. The client does not reconnect on its own.
var ErrDisconnected = errors.New("battleclient: disconnected")

type Config struct {
	PollTimeout  time.Duration
	WriteTimeout time.Duration
	TickInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollTimeout:  pump.DefaultPollTimeout,
		WriteTimeout: pump.DefaultWriteTimeout,
		TickInterval: time.Second / 60,
	}
}

type Client struct {
	mu sync.Mutex

	pump    *pump.Pump
	channel *channel.Channel
	cfg     Config

	logger  *log.Logger
	metrics *metrics.Metrics
}

func New(network, address string, cfg Config, logger *log.Logger, m *metrics.Metrics) (*Client, error) {
	p, err := pump.Dial(network, address, cfg.PollTimeout, cfg.WriteTimeout)
	if err != nil {
		return nil, err
	}

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	c := &Client{
		pump:    p,
		channel: channel.New(logger, m),
		cfg:     cfg,

		logger:  logger,
		metrics: m,
	}

	return c, nil
}

func (c *Client) LocalAddr() *net.UDPAddr {
	return c.pump.LocalAddr()
}

func (c *Client) ServerAddr() *net.UDPAddr {
	return c.pump.RemoteAddr()
}

// Send queues payload; it goes out on one of the next ticks.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pump.Closed() {
		return ErrDisconnected
	}
	return c.channel.SendPacket(payload)
}

// Recv dequeues the next payload received from the server.
func (c *Client) Recv() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.channel.RecvPacket()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.pump.Closed()
}

// Tick runs one iteration of the I/O loop. Any transport failure is fatal
// for the client: the socket is closed and ErrDisconnected is returned from
// then on.
func (c *Client) Tick() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pump.Closed() {
		return ErrDisconnected
	}

	if err := c.tickRecv(); err != nil {
		return c.fail(err)
	}
	if err := c.tickSend(); err != nil {
		return c.fail(err)
	}

	return nil
}

func (c *Client) tickRecv() error {
	dg, ok, err := c.pump.PollRead()
	if err != nil {
		return fmt.Errorf("could not read: %w", err)
	}
	if !ok {
		return nil
	}
	if len(dg.Data) == 0 {
		return errors.New("server disconnected")
	}

	c.metrics.BytesReceived(len(dg.Data))

	var errs error
	if _, err := c.channel.OnDataReceived(dg.Data); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.channel.Drain(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if errs != nil {
		c.logger.Warn().
			Msgf("bad frames: %v", errs)
	}

	return nil
}

func (c *Client) tickSend() error {
	writable, err := c.pump.PollWrite()
	if err != nil {
		return fmt.Errorf("could not poll write: %w", err)
	}
	if !writable {
		return nil
	}
	if !c.channel.SendData(channel.TransmitFunc(c.pump.Write)) {
		return errors.New("could not send to server")
	}
	return nil
}

func (c *Client) fail(cause error) error {
	c.logger.Info().
		Str("server", c.pump.RemoteAddr().String()).
		Msgf("disconnected: %v", cause)

	if err := c.pump.Close(); err != nil {
		cause = multierror.Append(cause, err)
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, cause)
}

// Run ticks every TickInterval until ctx is done or the server is lost.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Close()
		case <-ticker.C:
			if err := c.Tick(); err != nil {
				return err
			}
		}
	}
}

// Disconnect tells the server to forget this client, then closes the
// socket.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pump.Closed() {
		return nil
	}

	var errs error
	if _, err := c.pump.PollWrite(); err != nil {
		errs = multierror.Append(errs, err)
	} else if _, err := c.pump.Write(nil); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not send disconnect: %w", err))
	}
	if err := c.pump.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pump.Close()
}
