// Package stream manages one logical venue subscription over a persistent
// websocket connection, owning reconnect backoff and keepalive.
package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chartfeed/internal/observability"
)

// Default configuration values.
const (
	DefaultBaseDelay            = 3 * time.Second
	DefaultMaxDelay             = 60 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultPingInterval         = 30 * time.Second
	DefaultReadTimeout          = 90 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
)

var (
	// ErrMaxReconnects is the terminal disconnect reason once the reconnect
	// budget is exhausted. Connect must be called explicitly to resume.
	ErrMaxReconnects = errors.New("stream: max reconnect attempts reached")

	// ErrAlreadyConnected is returned by Connect while a connection is live
	// or being established.
	ErrAlreadyConnected = errors.New("stream: already connected")

	// ErrStalePeer is surfaced as a warning when keepalive probes go
	// unanswered. It does not force a disconnect.
	ErrStalePeer = errors.New("stream: keepalive probes unanswered")
)

// Config configures a Conn. Zero fields take the package defaults.
type Config struct {
	// URL is the full websocket endpoint including the stream name.
	URL string
	// BaseDelay is the first reconnect delay; attempt n waits
	// min(BaseDelay * 1.5^(n-1), MaxDelay).
	BaseDelay time.Duration
	// MaxDelay caps the reconnect delay.
	MaxDelay time.Duration
	// MaxReconnectAttempts bounds automatic retries before Failed.
	MaxReconnectAttempts int
	// PingInterval is the keepalive probe period while connected.
	PingInterval time.Duration
	// ReadTimeout is the per-read deadline.
	ReadTimeout time.Duration
	// WriteTimeout is the per-write deadline.
	WriteTimeout time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// Callbacks receive connection events. OnMessage gets every accepted frame
// untouched; the connection never buffers or transforms payloads.
// Callbacks are invoked from the connection's goroutines and must not call
// back into Disconnect.
type Callbacks struct {
	OnMessage    func(data []byte)
	OnConnect    func()
	OnDisconnect func(reason error)
	OnError      func(err error)
}

// Delay returns the reconnect delay for the given 1-based attempt:
// min(base * 1.5^(attempt-1), max).
func Delay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Conn is one logical stream subscription. At most one live Conn may exist
// per (instrument, stream) pair; the owner must Disconnect before creating
// a replacement.
type Conn struct {
	cfg    Config
	cb     Callbacks
	logger *zap.Logger

	mu              sync.Mutex
	conn            *websocket.Conn
	state           State
	attempt         int
	lastConnectedAt time.Time
	lastPong        time.Time
	lastErr         error
	reconnectTimer  *time.Timer
	done            chan struct{} // per-connection generation
	gen             uint64
	closed          bool // explicit Disconnect; suppresses auto retries
}

// New creates a Conn. It does not dial; call Connect.
func New(cfg Config, cb Callbacks, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		cfg:    cfg.withDefaults(),
		cb:     cb,
		logger: logger,
		state:  StateDisconnected,
	}
}

// Connect establishes the connection. It resets the attempt counter, so it
// also resumes from Failed. Returns ErrAlreadyConnected if a connection is
// live or in progress.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.closed = false
	c.attempt = 0
	c.stopReconnectLocked()
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect tears the connection down, cancelling any pending reconnect.
// Idempotent. OnDisconnect fires with a nil reason.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed && c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopReconnectLocked()
	had := c.teardownLocked()
	c.state = StateClosed
	c.mu.Unlock()

	if had && c.cb.OnDisconnect != nil {
		c.cb.OnDisconnect(nil)
	}
}

// IsConnected reports whether the transport is currently up.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InfoSnapshot returns attempt count, last connect time and last error.
func (c *Conn) InfoSnapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{State: c.state, Attempt: c.attempt, LastError: c.lastErr}
	if !c.lastConnectedAt.IsZero() {
		info.LastConnectedAt = c.lastConnectedAt.UnixMilli()
	}
	return info
}

// dial opens the transport and starts the read and keepalive loops.
func (c *Conn) dial(ctx context.Context) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.state = StateErrored
		c.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		// Disconnect raced the dial; drop the fresh transport. Leaving
		// StateConnecting here would refuse every later Connect.
		c.state = StateClosed
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.done = done
	c.state = StateConnected
	c.attempt = 0
	c.lastConnectedAt = time.Now()
	c.lastPong = time.Now()
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})
	c.mu.Unlock()

	c.logger.Info("stream connected", zap.String("url", c.cfg.URL))
	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen, done)

	if c.cb.OnConnect != nil {
		c.cb.OnConnect()
	}
	return nil
}

// readLoop pumps frames to OnMessage until the transport errors.
func (c *Conn) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, gen, err)
			return
		}

		c.mu.Lock()
		stale := gen != c.gen || c.closed
		c.mu.Unlock()
		if stale {
			return
		}

		observability.RecordStreamMessage()
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(msg)
		}
	}
}

// handleReadError tears down the failed transport and schedules a retry.
func (c *Conn) handleReadError(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.lastErr = err
	c.state = StateErrored
	c.mu.Unlock()

	c.logger.Warn("stream read failed", zap.Error(err))
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt, or moves
// to Failed once the budget is spent.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempt++
	attempt := c.attempt
	if attempt > c.cfg.MaxReconnectAttempts {
		c.state = StateFailed
		c.mu.Unlock()
		c.logger.Error("stream failed permanently",
			zap.Int("attempts", attempt-1), zap.String("url", c.cfg.URL))
		if c.cb.OnDisconnect != nil {
			c.cb.OnDisconnect(ErrMaxReconnects)
		}
		return
	}
	delay := Delay(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt)
	c.state = StateReconnecting
	c.reconnectTimer = time.AfterFunc(delay, c.redial)
	c.mu.Unlock()

	c.logger.Info("stream reconnect scheduled",
		zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

// redial runs on the reconnect timer.
func (c *Conn) redial() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	observability.RecordStreamReconnect()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	err := c.dial(ctx)
	cancel()
	if err != nil {
		if c.cb.OnError != nil {
			c.cb.OnError(err)
		}
		c.scheduleReconnect()
	}
}

// pingLoop sends keepalive probes while the connection generation is live.
// A missed probe response is reported, never fatal, so a slow peer does not
// cause flapping.
func (c *Conn) pingLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if gen != c.gen || c.closed {
			c.mu.Unlock()
			return
		}
		sincePong := time.Since(c.lastPong)
		c.mu.Unlock()

		deadline := time.Now().Add(c.cfg.WriteTimeout)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			// Reader will observe the dead transport and reconnect.
			continue
		}

		if sincePong > 2*c.cfg.PingInterval {
			c.logger.Warn("stream peer silent", zap.Duration("since_pong", sincePong))
			if c.cb.OnError != nil {
				c.cb.OnError(fmt.Errorf("%w: no pong for %s", ErrStalePeer, sincePong))
			}
		}
	}
}

// teardownLocked closes the live transport. Caller holds the lock.
func (c *Conn) teardownLocked() bool {
	if c.conn == nil {
		return false
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
	c.conn = nil
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.gen++ // invalidate loops belonging to the old transport
	return true
}

func (c *Conn) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
