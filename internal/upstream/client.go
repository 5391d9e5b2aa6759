// Package upstream owns the single streaming WebSocket connection to the
// market-data provider: auth handshake, subscribe/unsubscribe control
// frames, inbound frame decode, and reconnect-with-backoff. Grounded
// jointly on the teacher's adapter/binance/ws.go and adapter/bybit/ws.go
// (the reconnect-goroutine/backoff shape) and on a real Alpaca Go
// client's maintainConnection state machine (attempt-count/backoff and
// isErrorIrrecoverable-style fatal/transient classification).
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/yitech/marketfeed/internal/market"
	"github.com/yitech/marketfeed/internal/registry"
)

// ConnectionState is the manager's single source of truth for the
// lifecycle of its one streaming connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateShuttingDown
)

const (
	handshakeTimeout   = 10 * time.Second
	baseDelay          = 2 * time.Second
	maxDelay           = 60 * time.Second
	maxAttempts        = 5
	cooldown           = 5 * time.Minute
	quickDisconnectWin = 5 * time.Second
	quickDisconnectMsg = 3
)

// Config holds everything needed to dial and authenticate.
type Config struct {
	WSURL     string
	KeyID     string
	SecretKey string
}

// Client owns exactly one streaming connection and the goroutine that
// maintains it across reconnects.
type Client struct {
	cfg Config
	log zerolog.Logger
	reg *registry.Registry

	inbound chan<- Frame

	stateMu sync.Mutex
	state   ConnectionState

	connMu sync.Mutex // guards writes to conn (control frames)
	conn   *websocket.Conn

	readyOnce sync.Once
	ready     chan struct{}
}

// New constructs a Client. inbound is the shared bounded queue the data
// plane's worker consumes from (capacity 500 per spec); reg supplies the
// resubscription snapshot on (re)connect.
func New(cfg Config, inbound chan<- Frame, reg *registry.Registry, log zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		log:     log.With().Str("component", "upstream").Logger(),
		reg:     reg,
		inbound: inbound,
		ready:   make(chan struct{}),
		state:   StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Ready is closed the first time the connection completes its handshake.
// Callers that must sequence work after the first connect (e.g.
// rehydration) can block on it.
func (c *Client) Ready() <-chan struct{} { return c.ready }

func (c *Client) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or a
// fatal error is hit. It blocks until termination.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateShuttingDown)
			return nil
		}

		c.setState(StateConnecting)
		connectedAt := time.Now()
		msgCount := 0
		err := c.runOnce(ctx, &msgCount)
		stableConn := time.Since(connectedAt) >= quickDisconnectWin && msgCount >= quickDisconnectMsg

		if ctx.Err() != nil {
			c.setState(StateShuttingDown)
			return nil
		}

		var fatalErr *FatalError
		if isFatal(err, &fatalErr) {
			c.setState(StateDisconnected)
			c.log.Error().Err(err).Msg("upstream: fatal error, giving up")
			return err
		}

		c.setState(StateReconnecting)
		if stableConn {
			attempt = 0
		}
		attempt++
		if attempt > maxAttempts {
			c.log.Warn().Msg("upstream: reconnect attempts exhausted, entering cooldown")
			if !sleepCtx(ctx, cooldown) {
				c.setState(StateShuttingDown)
				return nil
			}
			attempt = 0
			continue
		}

		delay := baseDelay * time.Duration(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("upstream: reconnecting")
		if !sleepCtx(ctx, delay) {
			c.setState(StateShuttingDown)
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// FatalError wraps an error that should abort the reconnect loop.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func isFatal(err error, out **FatalError) bool {
	if err == nil {
		return false
	}
	if fe, ok := err.(*FatalError); ok {
		*out = fe
		return true
	}
	return false
}

// runOnce dials, performs the handshake, re-issues subscriptions, and
// reads until the connection drops. msgCount is updated as frames arrive
// so the caller can apply the quick-disconnect heuristic.
func (c *Client) runOnce(ctx context.Context, msgCount *int) error {
	header := http.Header{}
	header.Set("APCA-API-KEY-ID", c.cfg.KeyID)
	header.Set("APCA-API-SECRET-KEY", c.cfg.SecretKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("upstream: dial: %w", err)
	}
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setState(StateConnected)
	c.readyOnce.Do(func() { close(c.ready) })

	c.resubscribeAll()

	closeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-closeCtx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ce, ok := err.(*websocket.CloseError); ok && IsFatalCloseCode(ce.Code) {
				return &FatalError{Err: fmt.Errorf("upstream: fatal close %d: %w", ce.Code, err)}
			}
			return fmt.Errorf("upstream: read: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue // control frames (ping/pong/close) handled by gorilla/websocket itself
		}

		frames, err := DecodeFrames(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("upstream: dropping undecodable frame batch")
			continue
		}
		for _, f := range frames {
			if f.Kind == KindError && IsFatalErrorFrame(f.Error.Code) {
				return &FatalError{Err: fmt.Errorf("upstream: fatal error frame %d: %s", f.Error.Code, f.Error.Msg)}
			}
			*msgCount++
			c.inbound <- f // blocking put: backpressure by design, see SPEC_FULL.md §5
		}
	}
}

// handshake awaits the welcome and auth-result frames within the
// handshake timeout; an auth error frame is treated as fatal or
// transient per IsFatalErrorFrame.
func (c *Client) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for i := 0; i < 2; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("upstream: handshake read: %w", err)
		}
		frames, err := DecodeFrames(data)
		if err != nil {
			return fmt.Errorf("upstream: handshake decode: %w", err)
		}
		for _, f := range frames {
			if f.Kind == KindError {
				err := fmt.Errorf("upstream: auth rejected: code=%d msg=%s", f.Error.Code, f.Error.Msg)
				if IsFatalErrorFrame(f.Error.Code) {
					return &FatalError{Err: err}
				}
				return err
			}
		}
	}
	return nil
}

type controlFrame struct {
	Action string   `json:"action"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
	Bars   []string `json:"bars,omitempty"`
}

func newControlFrame(action string, symbol market.Symbol, t market.SubscriptionType) controlFrame {
	cf := controlFrame{Action: action}
	switch t {
	case market.Trades:
		cf.Trades = []string{symbol.String()}
	case market.Quotes:
		cf.Quotes = []string{symbol.String()}
	case market.Bars:
		cf.Bars = []string{symbol.String()}
	}
	return cf
}

// SendSubscribe writes a subscribe control frame for (symbol, t).
func (c *Client) SendSubscribe(symbol market.Symbol, t market.SubscriptionType) error {
	return c.sendControl(newControlFrame("subscribe", symbol, t))
}

// SendUnsubscribe writes an unsubscribe control frame for (symbol, t).
func (c *Client) SendUnsubscribe(symbol market.Symbol, t market.SubscriptionType) error {
	return c.sendControl(newControlFrame("unsubscribe", symbol, t))
}

func (c *Client) sendControl(cf controlFrame) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("upstream: not connected")
	}
	payload, err := json.Marshal(cf)
	if err != nil {
		return fmt.Errorf("upstream: marshal control frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("upstream: write control frame: %w", err)
	}
	return nil
}

// resubscribeAll re-issues subscribe frames for every (symbol, type) the
// registry currently reports active. Per-symbol failures are logged and
// do not abort the connect.
func (c *Client) resubscribeAll() {
	for _, sub := range c.reg.Snapshot() {
		if err := c.SendSubscribe(sub.Symbol, sub.Type); err != nil {
			c.log.Warn().Err(err).Str("symbol", sub.Symbol.String()).Str("type", string(sub.Type)).
				Msg("upstream: resubscribe failed")
		}
	}
}
