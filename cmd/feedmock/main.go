// feedmock simulates the odds feed upstream locally. It serves the
// token endpoint and a /stream WebSocket that pushes odds ticks in
// every wire shape the sentinel decodes: deflate/zlib/gzip JSON,
// attribute XML, "ok" keepalives, binary heartbeats, and the token
// renewal marker sequence. Line movement includes occasional sharp
// single moves and multi-book steam bursts so the detector has
// something to find.
//
// Usage:
//
//	go run cmd/feedmock/main.go
//
// Then point cmd/steamwatch at it:
//
//	FEED_AUTH_URL=http://localhost:9200/ajax/getwebsockettoken
//	FEED_STREAM_URL=ws://localhost:9200/stream
package main

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/oddslab/steamwatch/internal/adapters/inbound/oddsfeed"
	"github.com/oddslab/steamwatch/internal/events"
)

const (
	listenAddr = ":9200"
	tokenTTL   = 60 * time.Second
	renewEvery = 40 * time.Second
	frameEvery = 600 * time.Millisecond
	driftEvery = 700 * time.Millisecond
)

var signingKey = []byte("feedmock-local-secret")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

var bookmakers = []string{"bet365", "pinnacle", "draftkings"}

var marketTypes = []events.OddsType{events.OddsMoneyline, events.OddsSpread, events.OddsTotal}

type mockLine struct {
	bookmaker string
	market    events.OddsType
	prev      float64
	value     float64
	volume    float64
}

type mockGame struct {
	mu     sync.Mutex
	id     string
	league string
	home   string
	away   string
	lines  []*mockLine

	steamMarket events.OddsType
	steamDir    float64
	steamUntil  time.Time
}

func newGame(id, league, home, away string) *mockGame {
	g := &mockGame{id: id, league: league, home: home, away: away}
	for _, m := range marketTypes {
		base := 1.7 + rand.Float64()*0.8
		for _, b := range bookmakers {
			v := base + (rand.Float64()-0.5)*0.1
			g.lines = append(g.lines, &mockLine{
				bookmaker: b,
				market:    m,
				prev:      v,
				value:     v,
				volume:    1000 + rand.Float64()*8000,
			})
		}
	}
	return g
}

var games = []*mockGame{
	newGame("MOCK-NBA-1", "NBA", "Boston Celtics", "New York Knicks"),
	newGame("MOCK-NBA-2", "NBA", "Denver Nuggets", "Los Angeles Lakers"),
	newGame("MOCK-W-1", "WNCAAB", "UConn", "South Carolina"),
	newGame("MOCK-EU-1", "EuroLeague", "Real Madrid", "Panathinaikos"),
}

func gamesByChannel(channel string) []*mockGame {
	var out []*mockGame
	for _, g := range games {
		if strings.EqualFold(g.league, channel) {
			out = append(out, g)
		}
	}
	return out
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ajax/getwebsockettoken", handleToken)
	mux.HandleFunc("/stream", handleStream)

	fmt.Fprintf(os.Stderr, "Odds feed mock listening on %s\n", listenAddr)
	fmt.Fprintf(os.Stderr, "  Token:  http://localhost%s/ajax/getwebsockettoken\n", listenAddr)
	fmt.Fprintf(os.Stderr, "  Stream: ws://localhost%s/stream?channels=nba,wncaab,euroleague\n", listenAddr)

	// Move the lines in the background, shared across connections.
	go driftLines()

	if err := http.ListenAndServe(listenAddr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func handleToken(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "feedmock",
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// The real endpoint returns the bare token quoted.
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "%q", tok)
}

func handleStream(w http.ResponseWriter, r *http.Request) {
	if !tokenValid(r.URL.Query().Get("token")) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var subscribed []*mockGame
	for _, ch := range strings.Split(r.URL.Query().Get("channels"), ",") {
		subscribed = append(subscribed, gamesByChannel(strings.TrimSpace(ch))...)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	fmt.Fprintf(os.Stderr, "client connected (%d games)\n", len(subscribed))

	// Reader: the client sends JSON pings and eventually a close
	// frame. Discard the data, let the close handshake end the writer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	serveFrames(conn, subscribed, done)
	fmt.Fprintf(os.Stderr, "client disconnected\n")
}

// tokenValid accepts only unexpired tokens we minted. Stale tokens get
// the same 403 the real feed sends, which is what drives the client's
// re-acquire path.
func tokenValid(raw string) bool {
	if raw == "" {
		return false
	}
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	return err == nil && tok.Valid
}

func serveFrames(conn *websocket.Conn, subscribed []*mockGame, done <-chan struct{}) {
	ticker := time.NewTicker(frameEvery)
	defer ticker.Stop()

	renewAt := time.Now().Add(renewEvery)
	n := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		n++

		if time.Now().After(renewAt) {
			renewAt = time.Now().Add(renewEvery)
			// Renewal marker: the ambiguous binary opcode, then the
			// JSON confirmation shortly after.
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
				return
			}
			time.Sleep(300 * time.Millisecond)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"renew"}`)); err != nil {
				return
			}
			continue
		}

		switch {
		case n%9 == 0:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ok")); err != nil {
				return
			}
		case n%13 == 0:
			hb := []byte{0x00, byte(rand.Intn(256))}
			if rand.Float64() < 0.2 {
				// Lone 0x01 with no JSON follow-up; consumers should
				// write it off as a heartbeat.
				hb = []byte{0x01}
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, hb); err != nil {
				return
			}
		default:
			if len(subscribed) == 0 {
				continue
			}
			g := subscribed[rand.Intn(len(subscribed))]
			mt, frame := g.nextFrame()
			if err := conn.WriteMessage(mt, frame); err != nil {
				return
			}
		}
	}
}

// nextFrame renders one line movement in a randomly chosen wire shape,
// weighted toward the compressed JSON the real feed favors.
func (g *mockGame) nextFrame() (int, []byte) {
	t := g.sampleTick()

	switch roll := rand.Float64(); {
	case roll < 0.45:
		return websocket.BinaryMessage, compressDeflate(oddsfeed.EncodeJSON(t))
	case roll < 0.55:
		return websocket.BinaryMessage, compressZlib(oddsfeed.EncodeJSON(t))
	case roll < 0.62:
		return websocket.BinaryMessage, compressGzip(oddsfeed.EncodeJSON(t))
	case roll < 0.78:
		return websocket.TextMessage, oddsfeed.EncodeXML(t)
	case roll < 0.90:
		return websocket.TextMessage, legacyJSON(t)
	default:
		return websocket.TextMessage, nestedJSON(t)
	}
}

func (g *mockGame) sampleTick() events.Tick {
	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.lines[rand.Intn(len(g.lines))]
	return events.Tick{
		GameID:      g.id,
		BookmakerID: l.bookmaker,
		OddsType:    l.market,
		OldValue:    round3(l.prev),
		NewValue:    round3(l.value),
		Timestamp:   time.Now().UnixMilli(),
		Volume:      math.Round(l.volume),
		League:      g.league,
		HomeTeam:    g.home,
		AwayTeam:    g.away,
	}
}

// legacyJSON uses the short field names older feed versions still send.
func legacyJSON(t events.Tick) []byte {
	b, _ := json.Marshal(map[string]any{
		"gid":         t.GameID,
		"bm":          t.BookmakerID,
		"type":        string(t.OddsType),
		"old":         t.OldValue,
		"new":         t.NewValue,
		"ts":          t.Timestamp / 1000, // seconds on the wire
		"vol":         t.Volume,
		"competition": t.League,
	})
	return b
}

// nestedJSON nests the market fields one level down, as the newer feed
// shape does.
func nestedJSON(t events.Tick) []byte {
	b, _ := json.Marshal(map[string]any{
		"gameId":      t.GameID,
		"bookmakerId": t.BookmakerID,
		"oldValue":    t.OldValue,
		"newValue":    t.NewValue,
		"timestamp":   t.Timestamp,
		"volume":      t.Volume,
		"market": map[string]any{
			"oddsType": string(t.OddsType),
			"league":   t.League,
			"homeTeam": t.HomeTeam,
			"awayTeam": t.AwayTeam,
		},
	})
	return b
}

// driftLines advances every line each pass. Most moves are noise;
// occasionally one line takes a sharp single move, and occasionally a
// whole market steams across books for a few seconds.
func driftLines() {
	ticker := time.NewTicker(driftEvery)
	defer ticker.Stop()

	for range ticker.C {
		for _, g := range games {
			g.drift()
		}
	}
}

func (g *mockGame) drift() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	steaming := now.Before(g.steamUntil)
	if !steaming && rand.Float64() < 0.02 {
		g.steamMarket = marketTypes[rand.Intn(len(marketTypes))]
		g.steamDir = 1
		if rand.Float64() < 0.5 {
			g.steamDir = -1
		}
		g.steamUntil = now.Add(3 * time.Second)
		steaming = true
		fmt.Fprintf(os.Stderr, "steam burst: %s %s\n", g.id, g.steamMarket)
	}

	for _, l := range g.lines {
		l.prev = l.value
		step := l.value * (rand.Float64() - 0.5) * 0.01
		switch {
		case steaming && l.market == g.steamMarket:
			// 5-8% per pass so several books clear their velocity
			// thresholds inside one detection window.
			step = g.steamDir * l.value * (0.05 + rand.Float64()*0.03)
		case rand.Float64() < 0.01:
			// Rare outsized single move.
			dir := 1.0
			if rand.Float64() < 0.5 {
				dir = -1
			}
			step = dir * l.value * (0.12 + rand.Float64()*0.08)
		}
		l.value += step
		if l.value < 1.05 {
			l.value = 1.05
		}
		l.volume = math.Max(500, l.volume*(0.9+rand.Float64()*0.25))
	}
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func compressDeflate(data []byte) []byte {
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.BestSpeed)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func compressZlib(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func compressGzip(data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}
