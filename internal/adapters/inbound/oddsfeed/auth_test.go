package oddsfeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddslab/steamwatch/internal/audit"
)

// Middle segment decodes to {"exp":1700000060}; the header segment is
// junk the strict JWT parser rejects, forcing the manual fallback.
const testToken = "hdr.eyJleHAiOjE3MDAwMDAwNjB9.sig"

var testWall = time.UnixMilli(1700000000000)

func newTestProvider(t *testing.T, url string) *TokenProvider {
	t.Helper()
	tp := NewTokenProvider(AuthConfig{
		URL:        url,
		Origin:     "https://www.oddstrail.com",
		Referer:    "https://www.oddstrail.com/live",
		MaxRetries: 3,
	}, nil)
	tp.retryDelay = time.Millisecond
	tp.now = func() time.Time { return testWall }
	tp.rnum = func() float64 { return 0.5 }
	return tp
}

func TestAcquireParsesExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testToken))
	}))
	defer srv.Close()

	tp := newTestProvider(t, srv.URL)
	tok, err := tp.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testToken, tok.Value)
	assert.Equal(t, time.Unix(1700000060, 0), tok.ExpiresAt)
	assert.Equal(t, 60*time.Second, tok.ExpiresIn)
}

func TestAcquireSendsRnumAndBrowserHeaders(t *testing.T) {
	var gotRnum, gotUA, gotOrigin, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRnum = r.URL.Query().Get("rnum")
		gotUA = r.Header.Get("User-Agent")
		gotOrigin = r.Header.Get("Origin")
		gotReferer = r.Header.Get("Referer")
		w.Write([]byte(testToken))
	}))
	defer srv.Close()

	tp := newTestProvider(t, srv.URL)
	_, err := tp.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0.5", gotRnum)
	assert.True(t, strings.HasPrefix(gotUA, "Mozilla/5.0"), "got User-Agent %q", gotUA)
	assert.Equal(t, "https://www.oddstrail.com", gotOrigin)
	assert.Equal(t, "https://www.oddstrail.com/live", gotReferer)
}

func TestAcquireDefaultTTLWhenNoExp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("aaa.bbb.ccc"))
	}))
	defer srv.Close()

	tp := newTestProvider(t, srv.URL)
	tok, err := tp.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, tok.ExpiresIn)
	assert.Equal(t, testWall.Add(60*time.Second), tok.ExpiresAt)
}

func TestAcquireTrimsQuotedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"` + testToken + `"` + "\n"))
	}))
	defer srv.Close()

	tp := newTestProvider(t, srv.URL)
	tok, err := tp.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testToken, tok.Value)
}

func TestAcquireRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(testToken))
	}))
	defer srv.Close()

	tp := newTestProvider(t, srv.URL)
	tok, err := tp.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testToken, tok.Value)
	assert.Equal(t, int64(3), calls.Load())
}

func TestAcquireExhaustionIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	sink, err := audit.NewSink(audit.Options{Dir: dir})
	require.NoError(t, err)

	tp := newTestProvider(t, srv.URL)
	tp.sink = sink

	_, err = tp.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))

	require.NoError(t, sink.Close())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), audit.EventFatalAuth)
}

func TestAcquireRejectsMalformedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not-a-jwt"))
	}))
	defer srv.Close()

	tp := newTestProvider(t, srv.URL)
	tp.cfg.MaxRetries = 1
	_, err := tp.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed))
}

func TestRefreshIfNeededIdempotent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(testToken))
	}))
	defer srv.Close()

	wall := testWall
	tp := newTestProvider(t, srv.URL)
	tp.now = func() time.Time { return wall }

	tok1, refreshed, err := tp.RefreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.True(t, refreshed)

	tok2, refreshed, err := tp.RefreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.False(t, refreshed, "plenty of TTL left, no fetch")
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int64(1), calls.Load())

	// 4 s to expiry, under the 5 s threshold.
	wall = wall.Add(56 * time.Second)
	_, refreshed, err = tp.RefreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, int64(2), calls.Load())
}

func TestInvalidateDropsCachedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testToken))
	}))
	defer srv.Close()

	tp := newTestProvider(t, srv.URL)
	_, err := tp.Acquire(context.Background())
	require.NoError(t, err)

	_, ok := tp.Current()
	require.True(t, ok)

	tp.Invalidate()
	_, ok = tp.Current()
	assert.False(t, ok)
}

func TestTokenTTLRemaining(t *testing.T) {
	tok := Token{Value: "x", ExpiresAt: testWall.Add(30 * time.Second)}
	assert.Equal(t, 30*time.Second, tok.TTLRemaining(testWall))
	assert.Equal(t, -10*time.Second, tok.TTLRemaining(testWall.Add(40*time.Second)))
}
