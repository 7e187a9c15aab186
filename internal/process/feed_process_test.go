package process

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddslab/steamwatch/internal/adapters/inbound/oddsfeed"
	"github.com/oddslab/steamwatch/internal/config"
	"github.com/oddslab/steamwatch/internal/core/lifecycle"
	"github.com/oddslab/steamwatch/internal/events"
)

func newUpstream(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case conns <- conn:
		default:
			conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func newTokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		w.Write([]byte(s))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFeedProcess(t *testing.T, bus *events.Bus) (*FeedProcess, chan *websocket.Conn) {
	t.Helper()
	upstream, conns := newUpstream(t)
	tokenSrv := newTokenEndpoint(t)

	cfg := &config.Config{
		FeedStreamURL:  "ws" + strings.TrimPrefix(upstream.URL, "http"),
		ConnectTimeout: 2 * time.Second,
		HeartbeatEvery: time.Minute,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
	tokens := oddsfeed.NewTokenProvider(oddsfeed.AuthConfig{URL: tokenSrv.URL, MaxRetries: 2}, nil)

	return New(config.FeedGroup{Name: "basketball", Channels: []string{"nba", "wncaab"}},
		Deps{Config: cfg, Bus: bus, Sink: nil, Tokens: tokens}), conns
}

func TestFeedProcessPipesTicksAndSessions(t *testing.T) {
	bus := events.NewBus()
	ticks := make(chan events.Tick, 1)
	bus.Subscribe(events.EventTickNormalized, func(e events.Event) error {
		ticks <- e.Payload.(events.Tick)
		return nil
	})

	p, conns := newFeedProcess(t, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
	defer conn.Close()

	raw := `{"gameId":"G1","bookmakerId":"BK1","old":1.90,"new":1.85,"type":"moneyline","time":1700000001000}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))

	select {
	case tick := <-ticks:
		assert.Equal(t, "G1", tick.GameID)
	case <-time.After(5 * time.Second):
		t.Fatal("tick never reached the bus")
	}

	// The lifecycle manager rode along as an observer.
	s, ok := p.Session()
	require.True(t, ok)
	assert.Equal(t, lifecycle.PhaseActive, s.Phase)
	assert.Equal(t, "basketball", s.Group)

	p.Stop()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Stop")
	}
	assert.NoError(t, p.Err())
	assert.Equal(t, oddsfeed.StateDisconnected, p.State())
}

func TestFeedProcessFatalAuthSurfacesError(t *testing.T) {
	upstream, _ := newUpstream(t)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	cfg := &config.Config{
		FeedStreamURL:  "ws" + strings.TrimPrefix(upstream.URL, "http"),
		ConnectTimeout: time.Second,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}
	tokens := oddsfeed.NewTokenProvider(oddsfeed.AuthConfig{URL: down.URL, MaxRetries: 1}, nil)

	p := New(config.FeedGroup{Name: "basketball", Channels: []string{"nba"}},
		Deps{Config: cfg, Bus: events.NewBus(), Tokens: tokens})
	p.Start(context.Background())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop on fatal auth")
	}
	require.Error(t, p.Err())
	assert.ErrorIs(t, p.Err(), oddsfeed.ErrAuthFailed)
}
