package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Upstream odds feed
	FeedAuthURL    string
	FeedStreamURL  string
	FeedOrigin     string
	FeedReferer    string
	FeedGroups     []FeedGroup
	ConnectTimeout time.Duration
	HeartbeatEvery time.Duration

	// Token handling
	TokenTTL         time.Duration
	RefreshThreshold time.Duration
	AuthRetries      int

	// Reconnect backoff
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Structured tables (steam profiles, alert channels)
	TablesPath string

	// Audit trail
	AuditDir           string
	AuditDBPath        string // "none" disables the sqlite mirror
	AuditRetentionDays int

	// Telegram
	TelegramEnabled bool

	// Telemetry
	LogLevel string
}

// FeedGroup names one upstream socket and the channels it subscribes.
type FeedGroup struct {
	Name     string
	Channels []string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		FeedAuthURL:    envStr("FEED_AUTH_URL", "https://feed.oddstrail.com/ajax/getwebsockettoken"),
		FeedStreamURL:  envStr("FEED_STREAM_URL", "wss://feed.oddstrail.com/stream"),
		FeedOrigin:     envStr("FEED_ORIGIN", "https://feed.oddstrail.com"),
		FeedReferer:    envStr("FEED_REFERER", "https://feed.oddstrail.com/live"),
		FeedGroups:     parseGroups(envStr("FEED_GROUPS", ""), envStr("FEED_CHANNELS", "nba,wncaab,euroleague")),
		ConnectTimeout: envDur("FEED_CONNECT_TIMEOUT", 10*time.Second),
		HeartbeatEvery: envDur("FEED_HEARTBEAT", 30*time.Second),

		TokenTTL:         envDur("TOKEN_TTL", 60*time.Second),
		RefreshThreshold: envDur("TOKEN_REFRESH_THRESHOLD", 5*time.Second),
		AuthRetries:      envInt("AUTH_MAX_RETRIES", 5),

		BackoffInitial: envDur("BACKOFF_INITIAL", time.Second),
		BackoffMax:     envDur("BACKOFF_MAX", 60*time.Second),

		TablesPath: envStr("STEAMWATCH_TABLES_PATH", "steamwatch.yaml"),

		AuditDir:           envStr("AUDIT_DIR", "audit"),
		AuditDBPath:        envStr("AUDIT_DB_PATH", "audit/audit.db"),
		AuditRetentionDays: envInt("AUDIT_RETENTION_DAYS", 14),

		TelegramEnabled: envStr("TELEGRAM_ENABLED", "true") == "true",

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

// parseGroups reads FEED_GROUPS ("name:ch1,ch2;name2:ch3"). When unset,
// all channels from the fallback CSV ride a single socket.
func parseGroups(raw, fallbackCSV string) []FeedGroup {
	if strings.TrimSpace(raw) == "" {
		return []FeedGroup{{Name: "odds", Channels: splitCSV(fallbackCSV)}}
	}

	var groups []FeedGroup
	for _, part := range strings.Split(raw, ";") {
		name, csv, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			csv = name
		}
		channels := splitCSV(csv)
		if len(channels) == 0 {
			continue
		}
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			name = channels[0]
		}
		groups = append(groups, FeedGroup{Name: name, Channels: channels})
	}
	if len(groups) == 0 {
		return []FeedGroup{{Name: "odds", Channels: splitCSV(fallbackCSV)}}
	}
	return groups
}

func splitCSV(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
