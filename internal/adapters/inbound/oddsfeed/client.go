package oddsfeed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oddslab/steamwatch/internal/audit"
	"github.com/oddslab/steamwatch/internal/events"
	"github.com/oddslab/steamwatch/internal/telemetry"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultHeartbeat      = 30 * time.Second
	readTimeout           = 90 * time.Second
	controlWriteWait      = 5 * time.Second
	refreshLead           = 5 * time.Second

	// Private-range close code sent when we drop a socket to attach a
	// fresh token. Upstream cannot swap tokens on a live connection.
	rotationCloseCode = 4001
)

// Control message types the upstream interleaves with ticks. They
// reach observers but never the normalizer.
var controlTypes = map[string]bool{
	"ping":       true,
	"pong":       true,
	"renew":      true,
	"renewal":    true,
	"subscribed": true,
	"welcome":    true,
	"info":       true,
	"heartbeat":  true,
}

// BackoffConfig shapes the reconnect delay:
// min(Max, Initial * Multiplier^(attempt-1)).
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// ClientConfig configures one stream connection.
type ClientConfig struct {
	StreamURL      string   // wss://host:port/stream
	Channels       []string // subscribed channel names, sent as CSV
	Group          string   // label for logs and audit records
	ConnectTimeout time.Duration
	HeartbeatEvery time.Duration
	Backoff        BackoffConfig
	MaxAttempts    int // consecutive failed reconnects before giving up; 0 = unbounded
}

// Client owns one upstream stream socket: connect, subscribe via URL,
// heartbeat, token rotation, reconnect with backoff. Frames flow to
// registered observers and, for ticks, onto the bus.
type Client struct {
	cfg    ClientConfig
	tokens *TokenProvider
	bus    *events.Bus
	sink   *audit.Sink

	mu        sync.Mutex
	conn      *websocket.Conn
	state     ConnState
	rotating  bool
	observers []Observer

	stopping  atomic.Bool
	lastFrame atomic.Int64 // unix ms of the last frame read
	connSeq   atomic.Int64
}

func NewClient(cfg ClientConfig, tp *TokenProvider, bus *events.Bus, sink *audit.Sink) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = defaultHeartbeat
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = BackoffConfig{Initial: time.Second, Max: 60 * time.Second, Multiplier: 2}
	}
	return &Client{
		cfg:    cfg,
		tokens: tp,
		bus:    bus,
		sink:   sink,
		state:  StateDisconnected,
	}
}

// AddObserver registers a frame observer. Must be called before Run;
// observers run on the read goroutine and must not block.
func (c *Client) AddObserver(o Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, o)
	c.mu.Unlock()
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run connects and reconnects until ctx is cancelled, Stop is called,
// the upstream closes cleanly (code 1000), or auth fails fatally.
// Blocks for the life of the feed.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		tok, _, err := c.tokens.RefreshIfNeeded(ctx)
		if err != nil {
			c.setState(StateError)
			return err
		}

		connStart := time.Now()
		code, err := c.connect(ctx, tok)

		if ctx.Err() != nil || c.stopping.Load() {
			c.setState(StateDisconnected)
			return nil
		}

		// Rotation closes reconnect immediately; the provider already
		// holds the fresh token.
		if c.consumeRotation() {
			attempt = 0
			continue
		}

		if code == websocket.CloseNormalClosure {
			telemetry.Infof("oddsfeed[%s]: upstream closed cleanly", c.cfg.Group)
			c.setState(StateClosed)
			return nil
		}

		if time.Since(connStart) >= time.Minute {
			attempt = 0
		}
		attempt++
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			c.setState(StateError)
			return fmt.Errorf("oddsfeed[%s]: gave up after %d attempts: %w", c.cfg.Group, attempt-1, err)
		}

		telemetry.Metrics.WSReconnects.Inc()
		c.setState(StateReconnecting)
		delay := c.cfg.Backoff.Delay(attempt)
		telemetry.Warnf("oddsfeed[%s]: connection lost (attempt %d): %v, retrying in %s",
			c.cfg.Group, attempt, err, delay)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Stop closes the socket with code 1000 and ends Run. Terminal: the
// client never reconnects after Stop.
func (c *Client) Stop() {
	c.stopping.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
		conn.Close()
	}
}

// connect runs one socket session. Returns the upstream close code
// when one was received, else 0 plus the read/dial error.
func (c *Client) connect(ctx context.Context, tok Token) (int, error) {
	connID := fmt.Sprintf("conn-%d", c.connSeq.Add(1))
	channels := strings.Join(c.cfg.Channels, ",")

	c.setState(StateConnecting)
	c.audit(audit.Record{
		Event:    audit.EventConnectAttempt,
		ThreadID: connID,
		Fields:   map[string]any{"url": c.cfg.StreamURL, "channels": channels},
	})

	q := url.Values{}
	q.Set("channels", channels)
	q.Set("token", tok.Value)
	full := c.cfg.StreamURL + "?" + q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, full, nil)
	if err != nil {
		// Only invalidate on auth rejection. Network errors retry with
		// the cached token.
		if isAuthRejection(err) {
			c.tokens.Invalidate()
		}
		c.setState(StateError)
		return 0, fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	observers := c.observers
	c.mu.Unlock()

	c.lastFrame.Store(time.Now().UnixMilli())
	telemetry.Metrics.ConnectedFeeds.Inc()
	telemetry.Infof("oddsfeed[%s]: connected (%s)", c.cfg.Group, connID)
	c.audit(audit.Record{
		Event:    audit.EventConnected,
		ThreadID: connID,
		Fields:   map[string]any{"channels": channels},
	})
	for _, o := range observers {
		o.OnOpen(c.cfg.Group)
	}
	c.publishStatus(true, "", 0)

	refreshAt := tok.ExpiresAt.Add(-refreshLead)
	lead := time.Until(refreshAt)
	if lead < time.Second {
		lead = time.Second
	}
	refreshTimer := time.AfterFunc(lead, func() { c.rotate(conn) })
	c.audit(audit.Record{
		Event:    audit.EventRefreshScheduled,
		ThreadID: connID,
		Fields:   map[string]any{"at": refreshAt.UTC().Format(time.RFC3339)},
	})

	stopPump := make(chan struct{})
	go c.heartbeatLoop(conn, connID, stopPump)

	code, err := c.readLoop(ctx, conn, connID, observers)

	refreshTimer.Stop()
	close(stopPump)
	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	telemetry.Metrics.ConnectedFeeds.Dec()

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.audit(audit.Record{
		Event:    audit.EventDisconnected,
		ThreadID: connID,
		Fields:   map[string]any{"code": code, "reason": reason},
	})
	for _, o := range observers {
		o.OnClose(code, reason)
	}
	c.publishStatus(false, reason, code)

	return code, err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, connID string, observers []Observer) (int, error) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(controlWriteWait))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		mt, raw, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, fmt.Errorf("read: %w", err)
			}
			return 0, fmt.Errorf("read: %w", err)
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.lastFrame.Store(time.Now().UnixMilli())
		c.handleFrame(mt, raw, connID, observers)
	}
}

// handleFrame classifies one wire message and routes it: observers
// first, then audit, then normalization for tick payloads.
func (c *Client) handleFrame(mt int, raw []byte, connID string, observers []Observer) {
	telemetry.Metrics.FramesReceived.Inc()
	f := Decode(mt, raw)

	for _, o := range observers {
		o.OnFrame(f)
	}

	switch f.Kind {
	case FrameKeepalive, FrameHeartbeat:
		return
	case FrameUnknown:
		telemetry.Metrics.FramesDropped.Inc()
		if f.Err != nil {
			telemetry.Metrics.DecodeErrors.Inc()
			c.audit(audit.Record{
				Event:    audit.EventDecodeFailed,
				ThreadID: connID,
				Fields:   map[string]any{"encoding": f.Encoding, "error": f.Err.Error()},
			})
		} else {
			c.audit(audit.Record{
				Event:    audit.EventUnknownBinary,
				ThreadID: connID,
				Fields:   map[string]any{"sig": f.Sig, "bytes": len(raw)},
			})
		}
		return
	}

	c.audit(audit.Record{
		Event:    audit.EventFrameDecoded,
		ThreadID: connID,
		Fields:   map[string]any{"encoding": f.Encoding, "bytes": len(raw)},
	})

	if f.Kind == FrameJSON && isControlJSON(f.JSON) {
		return
	}

	var tick events.Tick
	var err error
	switch f.Kind {
	case FrameXML:
		tick, err = FromXML(f.Raw, f.Encoding)
	case FrameJSON:
		tick, err = FromJSON(f.JSON, f.Encoding)
	}
	if err != nil {
		telemetry.Metrics.NormalizeErrors.Inc()
		c.audit(audit.Record{
			Event:    audit.EventNormalizeFailed,
			ThreadID: connID,
			Fields:   map[string]any{"encoding": f.Encoding, "error": err.Error()},
		})
		return
	}

	telemetry.Metrics.TicksNormalized.Inc()
	if tick.Timestamp > 0 {
		if lat := time.Since(time.UnixMilli(tick.Timestamp)); lat > 0 {
			telemetry.Metrics.FrameLatency.Record(lat)
		}
	}
	c.audit(audit.Record{
		Event:    audit.EventTickNormalized,
		ThreadID: connID,
		Channel:  tick.GameID,
		Fields: map[string]any{
			"gameId":      tick.GameID,
			"bookmakerId": tick.BookmakerID,
			"oddsType":    string(tick.OddsType),
			"old":         tick.OldValue,
			"new":         tick.NewValue,
		},
	})

	c.bus.Publish(events.Event{
		Type:      events.EventTickNormalized,
		League:    tick.League,
		GameID:    tick.GameID,
		Timestamp: time.Now(),
		Payload:   tick,
	})
}

// isControlJSON reports protocol chatter: type-tagged control frames
// and the JSON renewal markers.
func isControlJSON(obj map[string]any) bool {
	if typ, ok := obj["type"].(string); ok && controlTypes[strings.ToLower(typ)] {
		return true
	}
	return IsRenewalMarker(obj)
}

// IsRenewalMarker reports a JSON frame announcing server-side token
// renewal: {"type":"renew"}, {"opcode":1}, or {"renewal":true}.
func IsRenewalMarker(obj map[string]any) bool {
	if typ, ok := obj["type"].(string); ok {
		switch strings.ToLower(typ) {
		case "renew", "renewal":
			return true
		}
	}
	if op, ok := obj["opcode"].(float64); ok && op == 1 {
		return true
	}
	if ren, ok := obj["renewal"].(bool); ok && ren {
		return true
	}
	return false
}

// heartbeatLoop sends the application-level ping and watches for
// silent connections. It is the only WriteJSON writer on the socket.
func (c *Client) heartbeatLoop(conn *websocket.Conn, connID string, stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.HeartbeatEvery)
	defer t.Stop()

	gapped := false
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ping := map[string]any{"type": "ping", "timestamp": time.Now().UnixMilli()}
			if err := conn.WriteJSON(ping); err != nil {
				telemetry.Warnf("oddsfeed[%s]: heartbeat write: %v", c.cfg.Group, err)
				return
			}

			silent := time.Duration(time.Now().UnixMilli()-c.lastFrame.Load()) * time.Millisecond
			if silent >= 2*c.cfg.HeartbeatEvery {
				if !gapped {
					gapped = true
					telemetry.Warnf("oddsfeed[%s]: no frames for %s", c.cfg.Group, silent.Round(time.Second))
					c.audit(audit.Record{
						Event:    audit.EventHeartbeatGap,
						ThreadID: connID,
						Fields:   map[string]any{"silentMs": silent.Milliseconds()},
					})
				}
			} else {
				gapped = false
			}
		}
	}
}

// rotate acquires a fresh token and drops the socket with the
// rotation close code so Run reattaches immediately.
func (c *Client) rotate(conn *websocket.Conn) {
	if c.stopping.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tok, _, err := c.tokens.RefreshIfNeeded(ctx)
	if err != nil {
		// Close anyway; Run's next pass retries the acquire and owns
		// the fatal path.
		telemetry.Errorf("oddsfeed[%s]: token refresh: %v", c.cfg.Group, err)
	} else {
		c.audit(audit.Record{
			Event:  audit.EventRefreshed,
			Fields: map[string]any{"ttlMs": tok.ExpiresIn.Milliseconds()},
		})
	}

	c.mu.Lock()
	c.rotating = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(rotationCloseCode, "token rotation")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
	conn.Close()
}

func (c *Client) consumeRotation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.rotating
	c.rotating = false
	return r
}

func (c *Client) publishStatus(connected bool, reason string, code int) {
	c.bus.Publish(events.Event{
		Type:      events.EventFeedStatus,
		Timestamp: time.Now(),
		Payload: events.FeedStatusEvent{
			Group:     c.cfg.Group,
			Connected: connected,
			Reason:    reason,
			CloseCode: code,
		},
	})
}

func (c *Client) audit(rec audit.Record) {
	if rec.ThreadGroup == "" {
		rec.ThreadGroup = c.cfg.Group
	}
	c.sink.Submit(rec)
}

// isAuthRejection reports whether the server refused the handshake for
// auth reasons (401/403, bad handshake). Network errors return false
// so the cached token is retried.
func isAuthRejection(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "bad handshake") ||
		strings.Contains(s, "401") ||
		strings.Contains(s, "403") ||
		strings.Contains(s, "unauthorized") ||
		strings.Contains(s, "forbidden")
}
