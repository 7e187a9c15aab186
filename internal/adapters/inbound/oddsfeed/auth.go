package oddsfeed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/oddslab/steamwatch/internal/audit"
	"github.com/oddslab/steamwatch/internal/telemetry"
)

const (
	defaultTokenTTL         = 60 * time.Second
	defaultRefreshThreshold = 5 * time.Second
	defaultAuthRetries      = 3
	authRetryDelay          = 2 * time.Second

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
)

// AuthConfig points the provider at the upstream token endpoint. The
// endpoint checks Origin/Referer/User-Agent, so the defaults mimic a
// browser session.
type AuthConfig struct {
	URL              string
	Origin           string
	Referer          string
	UserAgent        string
	MaxRetries       int
	DefaultTTL       time.Duration
	RefreshThreshold time.Duration
}

// TokenProvider fetches short-lived stream tokens. Upstream tokens
// live about a minute, so the provider is built for frequent
// re-acquisition rather than long caching.
type TokenProvider struct {
	mu         sync.Mutex
	http       *resty.Client
	cfg        AuthConfig
	sink       *audit.Sink
	now        func() time.Time
	rnum       func() float64
	retryDelay time.Duration
	current    Token
}

func NewTokenProvider(cfg AuthConfig, sink *audit.Sink) *TokenProvider {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultAuthRetries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTokenTTL
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaultRefreshThreshold
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	httpc := resty.New().
		SetTimeout(30 * time.Second).
		SetTransport(&http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		}).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "*/*")
	if cfg.Origin != "" {
		httpc.SetHeader("Origin", cfg.Origin)
	}
	if cfg.Referer != "" {
		httpc.SetHeader("Referer", cfg.Referer)
	}

	return &TokenProvider{
		http:       httpc,
		cfg:        cfg,
		sink:       sink,
		now:        time.Now,
		rnum:       rand.Float64,
		retryDelay: authRetryDelay,
	}
}

// Current returns the cached token without fetching.
func (tp *TokenProvider) Current() (Token, bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.current, tp.current.Value != ""
}

// Invalidate drops the cached token. Called when the upstream rejects
// a handshake so the next connect acquires fresh.
func (tp *TokenProvider) Invalidate() {
	tp.mu.Lock()
	tp.current = Token{}
	tp.mu.Unlock()
}

// Acquire fetches a token, retrying up to MaxRetries. Exhausting the
// budget writes a FATAL_AUTH audit record and returns ErrAuthFailed;
// callers treat that as fatal.
func (tp *TokenProvider) Acquire(ctx context.Context) (Token, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.acquireLocked(ctx)
}

// RefreshIfNeeded returns the cached token while more than
// RefreshThreshold of its life remains, otherwise acquires fresh. The
// bool reports whether a fetch happened.
func (tp *TokenProvider) RefreshIfNeeded(ctx context.Context) (Token, bool, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.current.Value != "" && tp.current.TTLRemaining(tp.now()) > tp.cfg.RefreshThreshold {
		return tp.current, false, nil
	}
	tok, err := tp.acquireLocked(ctx)
	return tok, err == nil, err
}

func (tp *TokenProvider) acquireLocked(ctx context.Context) (Token, error) {
	var lastErr error
	for attempt := 1; attempt <= tp.cfg.MaxRetries; attempt++ {
		tok, err := tp.fetch(ctx)
		if err == nil {
			tp.current = tok
			telemetry.Metrics.TokenRefreshes.Inc()
			tp.sink.Submit(audit.Record{
				Event:       audit.EventJWTAcquired,
				ThreadGroup: "auth",
				Fields: map[string]any{
					"expiresAt": tok.ExpiresAt.UTC().Format(time.RFC3339),
					"ttlMs":     tok.ExpiresIn.Milliseconds(),
				},
			})
			return tok, nil
		}
		lastErr = err
		telemetry.Warnf("auth: attempt %d/%d: %v", attempt, tp.cfg.MaxRetries, err)
		if attempt < tp.cfg.MaxRetries {
			select {
			case <-time.After(tp.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return Token{}, ctx.Err()
			}
		}
	}

	tp.sink.Submit(audit.Record{
		Event:       audit.EventFatalAuth,
		ThreadGroup: "auth",
		Fields: map[string]any{
			"attempts": tp.cfg.MaxRetries,
			"error":    lastErr.Error(),
		},
	})
	return Token{}, fmt.Errorf("acquire stream token (%d attempts): %w: %v", tp.cfg.MaxRetries, ErrAuthFailed, lastErr)
}

// fetch performs one GET against the token endpoint. rnum is a
// per-call random to defeat intermediary caches.
func (tp *TokenProvider) fetch(ctx context.Context) (Token, error) {
	start := time.Now()
	resp, err := tp.http.R().
		SetContext(ctx).
		SetQueryParam("rnum", strconv.FormatFloat(tp.rnum(), 'f', -1, 64)).
		Get(tp.cfg.URL)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}
	telemetry.Metrics.TokenFetchLatency.Record(time.Since(start))

	if !resp.IsSuccess() {
		return Token{}, fmt.Errorf("token status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	raw := strings.Trim(strings.TrimSpace(resp.String()), `"`)
	if raw == "" {
		return Token{}, fmt.Errorf("empty token response")
	}
	if parts := strings.Split(raw, "."); len(parts) != 3 || parts[1] == "" {
		return Token{}, fmt.Errorf("malformed token %q", truncate(raw, 24))
	}

	now := tp.now()
	expiresAt, ok := parseExpiry(raw)
	if !ok || !expiresAt.After(now) {
		// No usable exp claim, or one already in the past; assume the
		// observed TTL so the refresh timer stays in the future.
		expiresAt = now.Add(tp.cfg.DefaultTTL)
	}

	return Token{
		Value:     raw,
		ExpiresAt: expiresAt,
		ExpiresIn: expiresAt.Sub(now),
	}, nil
}

// parseExpiry pulls the exp claim. Upstream tokens sometimes carry a
// header the strict parser rejects; the middle segment is still plain
// base64url JSON, so fall back to decoding it directly.
func parseExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time, true
		}
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var body struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(body.Exp, 0), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
