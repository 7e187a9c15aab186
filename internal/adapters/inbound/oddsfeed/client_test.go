package oddsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddslab/steamwatch/internal/events"
)

// wsHarness is an in-test upstream: upgrades connections and hands
// them to the test via a channel.
type wsHarness struct {
	upgrader websocket.Upgrader
	dials    atomic.Int64
	conns    chan *websocket.Conn
	queries  chan url.Values
	srv      *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	h := &wsHarness{
		conns:   make(chan *websocket.Conn, 4),
		queries: make(chan url.Values, 4),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.dials.Add(1)
		select {
		case h.queries <- r.URL.Query():
		default:
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case h.conns <- conn:
		default:
			conn.Close()
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *wsHarness) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no upstream connection within 5s")
		return nil
	}
}

// signedToken mints a real HS256 JWT with the given lifetime.
func signedToken(t *testing.T, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl))}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func newTokenServer(t *testing.T, ttl time.Duration) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(signedToken(t, ttl)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newWSClient(t *testing.T, h *wsHarness, tokenURL string, channels ...string) *Client {
	t.Helper()
	tp := NewTokenProvider(AuthConfig{URL: tokenURL, MaxRetries: 2}, nil)
	tp.retryDelay = time.Millisecond
	if len(channels) == 0 {
		channels = []string{"basketball_1"}
	}
	return NewClient(ClientConfig{
		StreamURL: h.wsURL(),
		Channels:  channels,
		Group:     "basketball",
		Backoff:   BackoffConfig{Initial: 10 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2},
	}, tp, events.NewBus(), nil)
}

func TestBackoffDelay(t *testing.T) {
	b := BackoffConfig{Initial: time.Second, Max: 60 * time.Second, Multiplier: 2}
	assert.Equal(t, 1*time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 32*time.Second, b.Delay(6))
	assert.Equal(t, 60*time.Second, b.Delay(7), "64s caps at the max")
	assert.Equal(t, 60*time.Second, b.Delay(100))
	assert.Equal(t, 1*time.Second, b.Delay(0), "attempt floors at 1")
}

func TestConnectURLCarriesChannelsAndToken(t *testing.T) {
	h := newWSHarness(t)
	tokenSrv, _ := newTokenServer(t, time.Hour)
	c := newWSClient(t, h, tokenSrv.URL, "basketball_1", "basketball_2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	conn := h.accept(t)
	defer conn.Close()

	select {
	case q := <-h.queries:
		assert.Equal(t, "basketball_1,basketball_2", q.Get("channels"))
		assert.NotEmpty(t, q.Get("token"))
		assert.Equal(t, 2, strings.Count(q.Get("token"), "."))
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake query")
	}

	c.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestTickFlowsToBus(t *testing.T) {
	h := newWSHarness(t)
	tokenSrv, _ := newTokenServer(t, time.Hour)
	c := newWSClient(t, h, tokenSrv.URL)

	got := make(chan events.Tick, 1)
	c.bus.Subscribe(events.EventTickNormalized, func(e events.Event) error {
		got <- e.Payload.(events.Tick)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	conn := h.accept(t)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, deflateBytes(t, []byte(tickJSON))))

	select {
	case tick := <-got:
		assert.Equal(t, "G1", tick.GameID)
		assert.Equal(t, "BK1", tick.BookmakerID)
		assert.Equal(t, 1.90, tick.OldValue)
		assert.Equal(t, 1.85, tick.NewValue)
		assert.Equal(t, "deflate-json", tick.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("tick never reached the bus")
	}

	c.Stop()
	require.NoError(t, <-done)
}

func TestServerCleanCloseIsTerminal(t *testing.T) {
	h := newWSHarness(t)
	tokenSrv, _ := newTokenServer(t, time.Hour)
	c := newWSClient(t, h, tokenSrv.URL)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	conn := h.accept(t)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after clean close")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, int64(1), h.dials.Load(), "code 1000 never reconnects")
}

func TestServerGoingAwayReconnects(t *testing.T) {
	h := newWSHarness(t)
	tokenSrv, _ := newTokenServer(t, time.Hour)
	c := newWSClient(t, h, tokenSrv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	first := h.accept(t)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "restarting")
	require.NoError(t, first.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	first.Close()

	second := h.accept(t)
	defer second.Close()
	assert.GreaterOrEqual(t, h.dials.Load(), int64(2), "code 1001 reconnects")

	c.Stop()
	require.NoError(t, <-done)
}

func TestAuthRejectionInvalidatesToken(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(rejecting.Close)

	tokenSrv, tokenCalls := newTokenServer(t, time.Hour)
	tp := NewTokenProvider(AuthConfig{URL: tokenSrv.URL, MaxRetries: 2}, nil)
	tp.retryDelay = time.Millisecond

	c := NewClient(ClientConfig{
		StreamURL:   "ws" + strings.TrimPrefix(rejecting.URL, "http"),
		Channels:    []string{"basketball_1"},
		Group:       "basketball",
		Backoff:     BackoffConfig{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 2},
		MaxAttempts: 1,
	}, tp, events.NewBus(), nil)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, c.State())

	_, cached := tp.Current()
	assert.False(t, cached, "rejected handshake drops the cached token")
	assert.Equal(t, int64(2), tokenCalls.Load(), "second attempt re-fetched after invalidation")
}

func TestTokenRotationReconnectsImmediately(t *testing.T) {
	h := newWSHarness(t)
	// Roughly 6 s of TTL puts the refresh timer about 1 s out.
	tokenSrv, tokenCalls := newTokenServer(t, 6*time.Second)
	c := newWSClient(t, h, tokenSrv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	first := h.accept(t)
	defer first.Close()

	second := h.accept(t)
	defer second.Close()
	assert.GreaterOrEqual(t, tokenCalls.Load(), int64(2), "rotation acquires a fresh token")
	assert.Eventually(t, func() bool { return c.State() == StateConnected },
		2*time.Second, 10*time.Millisecond)

	c.Stop()
	require.NoError(t, <-done)
}

func TestHandleFrameRouting(t *testing.T) {
	tokenSrv, _ := newTokenServer(t, time.Hour)
	h := newWSHarness(t)
	c := newWSClient(t, h, tokenSrv.URL)

	var ticks atomic.Int64
	c.bus.Subscribe(events.EventTickNormalized, func(events.Event) error {
		ticks.Add(1)
		return nil
	})

	rec := &recordingObserver{}
	obs := []Observer{rec}

	// Control chatter and heartbeats reach observers but not the bus.
	c.handleFrame(websocket.TextMessage, []byte(`{"type":"renew"}`), "conn-t", obs)
	c.handleFrame(websocket.TextMessage, []byte(`{"opcode":1}`), "conn-t", obs)
	c.handleFrame(websocket.BinaryMessage, []byte{0x01}, "conn-t", obs)
	c.handleFrame(websocket.TextMessage, []byte("ok"), "conn-t", obs)
	assert.Equal(t, int64(0), ticks.Load())

	c.handleFrame(websocket.TextMessage, []byte(tickJSON), "conn-t", obs)
	assert.Equal(t, int64(1), ticks.Load())

	// Malformed payloads drop without reaching the bus.
	c.handleFrame(websocket.TextMessage, []byte(`{"gameId":"G1","old":0,"new":1.5}`), "conn-t", obs)
	assert.Equal(t, int64(1), ticks.Load())

	assert.Equal(t, 6, len(rec.frames), "observers see every frame")
}

type recordingObserver struct {
	opens  []string
	frames []Frame
	closes []int
}

func (r *recordingObserver) OnOpen(group string)        { r.opens = append(r.opens, group) }
func (r *recordingObserver) OnFrame(f Frame)            { r.frames = append(r.frames, f) }
func (r *recordingObserver) OnClose(code int, _ string) { r.closes = append(r.closes, code) }
