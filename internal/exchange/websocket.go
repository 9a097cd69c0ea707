// Package exchange speaks the engine protocol: a reconnecting websocket
// Transport carrying gzip-compressed JSON, the Subscription Registry and a
// REST client for the market data endpoints.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

var (
	ErrNotConnected   = errors.New("transport is not connected")
	ErrClosed         = errors.New("transport is closed")
	ErrAlreadyStarted = errors.New("transport already started")
)

const writeWait = 10 * time.Second

// ConnectionState represents the state of the websocket connection
// (for health checks and monitoring)
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// TransportEventType tells what a TransportEvent carries.
type TransportEventType int

const (
	EventOpened TransportEventType = iota
	EventClosed
	EventFrame
)

// TransportEvent is emitted on the Events channel in the order things happen
// on the wire.
type TransportEvent struct {
	Type     TransportEventType
	Envelope *Envelope // EventFrame
	Err      error     // EventClosed
}

// TransportConfig configures a Transport. Zero values take the defaults.
type TransportConfig struct {
	Endpoint          string
	Header            http.Header
	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	ReconnectGrowth   float64
	ConnectTimeout    time.Duration
	// MaxRetries bounds consecutive failed attempts; 0 retries forever.
	MaxRetries  int
	ReadTimeout time.Duration
	EventBuffer int
	Logger      *log.Logger
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.MinReconnectDelay <= 0 {
		c.MinReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 5 * time.Second
	}
	if c.ReconnectGrowth <= 1 {
		c.ReconnectGrowth = 1.2
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 4 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Transport is a reconnecting websocket connection to the engine. A single
// goroutine dials and reads; decoded envelopes and connection changes are
// delivered on Events.
type Transport struct {
	cfg    TransportConfig
	dialer *websocket.Dialer
	events chan TransportEvent
	done   chan struct{}

	mu        sync.RWMutex
	conn      *websocket.Conn
	connState ConnectionState
	healthErr error
	started   bool
	closed    bool
	cancel    context.CancelFunc

	writeMu sync.Mutex
}

func NewTransport(cfg TransportConfig) *Transport {
	cfg = cfg.withDefaults()
	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		events:    make(chan TransportEvent, cfg.EventBuffer),
		done:      make(chan struct{}),
		connState: Disconnected,
	}
}

// Events delivers connection changes and frames. It is closed when the
// transport stops for good.
func (t *Transport) Events() <-chan TransportEvent { return t.events }

// Done is closed once the connect loop has exited.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Start launches the connect loop. It returns immediately.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}
	t.started = true

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx)
	return nil
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	defer close(t.events)
	defer t.setConnState(Disconnected)

	b := &backoff.Backoff{
		Min:    t.cfg.MinReconnectDelay,
		Max:    t.cfg.MaxReconnectDelay,
		Factor: t.cfg.ReconnectGrowth,
		Jitter: false,
	}
	failures := 0
	for {
		opened, err := t.connectAndStream(ctx, b)
		if ctx.Err() != nil {
			t.logState("Context cancelled, stopping transport")
			return
		}
		if opened {
			failures = 0
		}
		failures++
		t.setHealthErr(err)
		if t.cfg.MaxRetries > 0 && failures > t.cfg.MaxRetries {
			t.logState("Giving up after %d attempts: %v", failures, err)
			return
		}

		delay := b.Duration()
		t.setConnState(Reconnecting)
		t.logState("Disconnected, retrying in %v: %v", delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectAndStream handles a single websocket connection session. It reports
// whether the connection was opened.
func (t *Transport) connectAndStream(ctx context.Context, b *backoff.Backoff) (bool, error) {
	t.setConnState(Connecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	c, _, err := t.dialer.DialContext(dialCtx, t.cfg.Endpoint, t.cfg.Header)
	cancelDial()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", t.cfg.Endpoint, err)
	}

	t.setConn(c)
	t.setConnState(Connected)
	t.setHealthErr(nil)
	b.Reset()
	t.logState("Connection established to %s", t.cfg.Endpoint)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	t.emit(ctx, TransportEvent{Type: EventOpened})

	err = t.readLoop(ctx, c)

	close(stop)
	t.setConn(nil)
	c.Close()
	t.setConnState(Disconnected)
	t.emit(ctx, TransportEvent{Type: EventClosed, Err: err})
	return true, err
}

func (t *Transport) readLoop(ctx context.Context, c *websocket.Conn) error {
	c.SetPingHandler(func(appData string) error {
		if err := c.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout)); err != nil {
			return err
		}
		err := c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if isClosedErr(err) {
			return nil
		}
		return err
	})

	for {
		if err := c.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout)); err != nil {
			return err
		}
		messageType, message, err := c.ReadMessage()
		if err != nil {
			return err
		}

		var env *Envelope
		switch messageType {
		case websocket.BinaryMessage:
			env, err = Decode(message)
		case websocket.TextMessage:
			env, err = DecodePlain(message)
		default:
			continue
		}
		if err != nil {
			t.logState("Dropping malformed frame: %v", err)
			continue
		}
		t.emit(ctx, TransportEvent{Type: EventFrame, Envelope: env})
	}
}

// emit blocks until the consumer takes the event or ctx ends.
func (t *Transport) emit(ctx context.Context, ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

// Send encodes v and writes it as one binary frame. Writes on a missing or
// closing connection are dropped silently; the registry replays
// subscriptions on the next open.
func (t *Transport) Send(v any) {
	data, err := Encode(v)
	if err != nil {
		t.logState("Failed to encode message: %v", err)
		return
	}
	if err := t.write(data); err != nil && !isClosedErr(err) {
		t.logState("Failed to send message: %v", err)
	}
}

func (t *Transport) write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	c := t.getConn()
	if c == nil {
		return ErrNotConnected
	}
	if err := c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.WriteMessage(websocket.BinaryMessage, data)
}

func isClosedErr(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed)
}

// Close stops the transport for good. It is safe to call more than once.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	if !t.started {
		close(t.events)
		close(t.done)
	}
	t.logState("Closed transport to %s", t.cfg.Endpoint)
}

// IsConnected returns true if the websocket is currently connected
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connState == Connected && t.conn != nil
}

func (t *Transport) State() ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connState
}

// Health returns the last connection error (if any)
func (t *Transport) Health() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.healthErr
}

func (t *Transport) getConn() *websocket.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

func (t *Transport) setConn(c *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = c
}

func (t *Transport) setConnState(state ConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connState = state
}

func (t *Transport) setHealthErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.healthErr = err
}

func (t *Transport) logState(format string, args ...interface{}) {
	t.cfg.Logger.Printf("Transport | "+format, args...)
}
