// Package transport owns the persistent WebSocket connection to the game
// server: framing, ping/pong liveness, and reconnection with bounded
// exponential backoff. It has no knowledge of game semantics; inbound frames
// surface as typed events, connection health as lifecycle events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/heistsync/internal/protocol"
)

// ErrNotConnected is returned by Send while no connection is up. Callers
// decide whether to queue at a higher layer; the transport never queues.
var ErrNotConnected = errors.New("transport: not connected")

// LifecycleKind classifies connection lifecycle events.
type LifecycleKind int

const (
	// LifecycleOpened fires on every successful (re)connect.
	LifecycleOpened LifecycleKind = iota
	// LifecycleClosed fires when a connection drops; reconnection may follow.
	LifecycleClosed
	// LifecycleDisconnected is fatal: retries are exhausted or the server
	// terminated the session. No further reconnection is attempted.
	LifecycleDisconnected
)

// LifecycleEvent is one connection state change.
type LifecycleEvent struct {
	Kind LifecycleKind
	Code int
	Err  error
	// Resumed is true when Opened follows an unplanned drop rather than the
	// initial connect.
	Resumed bool
}

// Config holds connection tuning.
type Config struct {
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	JitterFrac     float64
	MaxAttempts    int
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns the production tuning: 500ms base backoff doubling up
// to 10s with ±20% jitter, a finite attempt limit, and read deadlines pushed
// by pongs.
func DefaultConfig() Config {
	return Config{
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFrac:     0.2,
		MaxAttempts:    20,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Client is a reconnecting WebSocket client for one session.
type Client struct {
	baseURL string
	cfg     Config
	clock   clockwork.Clock
	dialer  *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	sendCh    chan []byte
	connGen   int
	sessionID string
	playerID  string
	closed    bool

	events    chan protocol.Event
	lifecycle chan LifecycleEvent
	done      chan struct{}
}

// NewClient creates a client for the given server base URL (http(s) or
// ws(s) scheme). Pass a fake clock in tests to drive backoff.
func NewClient(baseURL string, cfg Config, clock clockwork.Clock) *Client {
	return &Client{
		baseURL:   baseURL,
		cfg:       cfg,
		clock:     clock,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:    make(chan protocol.Event, 256),
		lifecycle: make(chan LifecycleEvent, 16),
		done:      make(chan struct{}),
	}
}

// Events is the inbound notification stream.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// Lifecycle is the connection state change stream.
func (c *Client) Lifecycle() <-chan LifecycleEvent { return c.lifecycle }

// Connect dials the session endpoint. The initial dial does not retry; the
// caller chooses the fallback. Mid-session drops reconnect internally.
func (c *Client) Connect(ctx context.Context, sessionID, playerID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("transport: client closed")
	}
	c.sessionID = sessionID
	c.playerID = playerID
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleOpened})
	return nil
}

// Send transmits one command. Fails fast with ErrNotConnected while no
// connection is up.
func (c *Client) Send(cmd protocol.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", cmd.Type, err)
	}

	c.mu.Lock()
	ch := c.sendCh
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	select {
	case ch <- data:
		return nil
	default:
		return fmt.Errorf("transport: send buffer full for %s", cmd.Type)
	}
}

// Close shuts the client down. No lifecycle events are emitted for a
// deliberate close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func (c *Client) sessionURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/ws/%s/%s", c.sessionID, c.playerID)
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) error {
	target, err := c.sessionURL()
	if err != nil {
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	c.mu.Lock()
	c.connGen++
	gen := c.connGen
	c.conn = conn
	c.sendCh = make(chan []byte, 64)
	sendCh := c.sendCh
	c.mu.Unlock()

	go c.writePump(conn, sendCh, gen)
	go c.readPump(conn, gen)

	log.Info().Str("session_id", c.sessionID).Str("player_id", c.playerID).Msg("websocket connected")
	return nil
}

func (c *Client) writePump(conn *websocket.Conn, sendCh <-chan []byte, gen int) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case message := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Msg("websocket write failed")
				c.handleDrop(conn, gen, websocket.CloseAbnormalClosure, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Msg("websocket ping failed")
				c.handleDrop(conn, gen, websocket.CloseAbnormalClosure, err)
				return
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn, gen int) {
	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			c.handleDrop(conn, gen, code, err)
			return
		}

		var event protocol.Event
		if err := json.Unmarshal(message, &event); err != nil {
			log.Warn().Err(err).Msg("discarding unparseable frame")
			continue
		}

		select {
		case c.events <- event:
		default:
			log.Warn().Str("type", string(event.Type)).Msg("event buffer full, dropping notification")
		}
	}
}

// handleDrop runs once per dropped connection; a stale pump from a replaced
// connection is ignored via the generation counter.
func (c *Client) handleDrop(conn *websocket.Conn, gen int, code int, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.connGen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.sendCh = nil
	c.mu.Unlock()
	conn.Close()

	c.emitLifecycle(LifecycleEvent{Kind: LifecycleClosed, Code: code, Err: cause})

	if terminalClose(code) {
		log.Info().Int("code", code).Msg("server closed session, not reconnecting")
		c.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Code: code, Err: cause})
		return
	}

	go c.reconnect()
}

// terminalClose reports close codes that mean the session itself is over, as
// opposed to a transient network failure.
func terminalClose(code int) bool {
	return code == websocket.CloseNormalClosure
}

func (c *Client) reconnect() {
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		wait := c.backoff(attempt)
		log.Info().Int("attempt", attempt).Dur("backoff", wait).Msg("reconnecting")

		timer := c.clock.NewTimer(wait)
		select {
		case <-c.done:
			stopAndDrain(timer)
			return
		case <-timer.Chan():
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			c.emitLifecycle(LifecycleEvent{Kind: LifecycleOpened, Resumed: true})
			return
		}
		log.Warn().Int("attempt", attempt).Err(err).Msg("reconnect attempt failed")
	}

	log.Error().Int("attempts", c.cfg.MaxAttempts).Msg("reconnect attempts exhausted")
	c.emitLifecycle(LifecycleEvent{Kind: LifecycleDisconnected, Err: errors.New("transport: reconnect attempts exhausted")})
}

// backoff returns the wait before the given attempt: exponential from the
// base, capped, with symmetric jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseBackoff << (attempt - 1)
	if d > c.cfg.MaxBackoff || d <= 0 {
		d = c.cfg.MaxBackoff
	}
	if c.cfg.JitterFrac > 0 {
		spread := 1 - c.cfg.JitterFrac + 2*c.cfg.JitterFrac*rand.Float64()
		d = time.Duration(float64(d) * spread)
	}
	return d
}

func (c *Client) emitLifecycle(ev LifecycleEvent) {
	select {
	case c.lifecycle <- ev:
	case <-c.done:
	}
}

func stopAndDrain(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
