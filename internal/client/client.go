// Package client is the endpoint side of the relay: it keeps one signal
// connection alive with heartbeats and exponential-backoff reconnects.
// Messages are never buffered; a send while not connected fails at once.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callbridge/internal/core"
	"github.com/dkeye/callbridge/internal/domain"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrExhausted    = errors.New("reconnect attempts exhausted")
	ErrActive       = errors.New("already connecting or connected")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const (
	DefaultPath              = "/api/ws/signal"
	DefaultBaseDelay         = time.Second
	DefaultMaxRetries        = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteWait         = 5 * time.Second
)

type Options struct {
	// BaseURL is the origin of the hosting page, e.g. https://support.example.com.
	BaseURL string
	Path    string
	Token   string

	BaseDelay time.Duration
	// MaxRetries is the number of reconnects before giving up. Zero means
	// DefaultMaxRetries; negative disables reconnecting.
	MaxRetries        int
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteWait         time.Duration

	Dialer Dialer
	Clock  clock.Clock

	OnConnect    func()
	OnMessage    func(core.Message)
	OnDisconnect func(code int)
	OnReconnect  func(attempt int, delay time.Duration)
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = DefaultMaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.Dialer == nil {
		o.Dialer = WSDialer{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Backoff is the wait before reconnect attempt n (1-based): base × 2^(n-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base << (attempt - 1)
}

type Client struct {
	opts     Options
	endpoint string

	mu         sync.Mutex
	state      State
	conn       Conn
	id         domain.ConnectionID
	retries    int
	exhausted  bool
	closed     bool
	timer      *clock.Timer
	heartbeat  *clock.Ticker
	stopBeat   chan struct{}
	dialCancel context.CancelFunc

	writeMu sync.Mutex
}

func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	endpoint, err := Endpoint(opts.BaseURL, opts.Path, opts.Token)
	if err != nil {
		return nil, fmt.Errorf("client endpoint: %w", err)
	}
	return &Client{opts: opts, endpoint: endpoint}, nil
}

// Connect makes the first attempt synchronously. A failed attempt is not
// returned; it goes through the same retry path as a dropped connection.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.exhausted {
		c.mu.Unlock()
		return ErrExhausted
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrActive
	}
	c.closed = false
	c.state = StateConnecting
	c.mu.Unlock()

	c.attempt()
	return nil
}

// Disconnect is the intentional close: clean close code, no reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(core.CloseNormal, "client disconnect"),
		time.Now().Add(c.opts.WriteWait))
	c.writeMu.Unlock()
	_ = conn.Close()
	log.Info().Str("module", "client").Msg("disconnected")
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(core.CloseNormal)
	}
}

// Send writes msg now or fails with ErrNotConnected. Nothing is queued.
func (c *Client) Send(msg core.Message) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		log.Warn().Str("module", "client").Str("type", string(msg.Type)).Stringer("state", state).Msg("not connected, message dropped")
		return ErrNotConnected
	}

	frame, err := core.Encode(msg, c.opts.Clock.Now())
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID is the identity the relay assigned on the current or last connection.
func (c *Client) ID() domain.ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

func (c *Client) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

func (c *Client) attempt() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	c.mu.Lock()
	c.dialCancel = cancel
	c.mu.Unlock()

	conn, err := c.opts.Dialer.Dial(ctx, c.endpoint)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("connect failed")
		c.handleClose(nil, core.CloseAbnormal)
		return
	}

	c.mu.Lock()
	c.dialCancel = nil
	if c.closed || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.retries = 0
	stop := make(chan struct{})
	ticker := c.opts.Clock.Ticker(c.opts.HeartbeatInterval)
	c.stopBeat = stop
	c.heartbeat = ticker
	c.mu.Unlock()

	log.Info().Str("module", "client").Msg("connected")
	go c.beat(ticker, stop)
	go c.readLoop(conn)
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = StateConnecting
	c.mu.Unlock()
	c.attempt()
}

// handleClose runs for every lost connection and every failed dial. conn is
// nil for a failed dial.
func (c *Client) handleClose(conn Conn, code int) {
	c.mu.Lock()
	if conn != nil && conn != c.conn {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.conn = nil

	if c.closed || code == core.CloseNormal {
		// A local Disconnect wins over whatever the transport reported.
		if c.closed {
			code = core.CloseNormal
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		log.Info().Str("module", "client").Int("code", code).Msg("closed cleanly")
		c.fireDisconnect(code)
		return
	}

	if c.retries >= c.opts.MaxRetries {
		c.state = StateDisconnected
		c.exhausted = true
		retries := c.retries
		c.mu.Unlock()
		log.Error().Str("module", "client").Int("code", code).Int("retries", retries).Msg("giving up reconnecting")
		c.fireDisconnect(code)
		return
	}

	c.retries++
	attempt := c.retries
	delay := Backoff(c.opts.BaseDelay, attempt)
	c.state = StateReconnecting
	c.timer = c.opts.Clock.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	log.Warn().Str("module", "client").Int("code", code).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	if c.opts.OnReconnect != nil {
		c.opts.OnReconnect(attempt, delay)
	}
	c.fireDisconnect(code)
}

func (c *Client) fireDisconnect(code int) {
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(code)
	}
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, closeCode(err))
			return
		}
		msg, err := core.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("dropping malformed message")
			continue
		}
		if msg.Type == core.TypeConnectionEstablished {
			c.mu.Lock()
			c.id = msg.ConnectionID
			c.mu.Unlock()
			log.Info().Str("module", "client").Str("conn", string(msg.ConnectionID)).Msg("identity assigned")
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

func (c *Client) beat(ticker *clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Send(core.Message{Type: core.TypePing}); err != nil {
				return
			}
		}
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
}
