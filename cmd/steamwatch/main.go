package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oddslab/steamwatch/internal/adapters/inbound/oddsfeed"
	"github.com/oddslab/steamwatch/internal/adapters/outbound/telegram"
	"github.com/oddslab/steamwatch/internal/audit"
	"github.com/oddslab/steamwatch/internal/config"
	"github.com/oddslab/steamwatch/internal/core/steam"
	"github.com/oddslab/steamwatch/internal/events"
	"github.com/oddslab/steamwatch/internal/process"
	"github.com/oddslab/steamwatch/internal/secrets"
	"github.com/oddslab/steamwatch/internal/telemetry"
)

const (
	secretBotToken = "TELEGRAM_BOT_TOKEN"
	secretChatID   = "TELEGRAM_CHAT_ID"
)

func main() {
	cfg := config.Load()
	telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))
	telemetry.Infof("Starting steamwatch")

	bus := events.NewBus()

	// ── Audit trail ─────────────────────────────────────────────
	var store *audit.Store
	if cfg.AuditDBPath != "" && cfg.AuditDBPath != "none" {
		s, err := audit.OpenStore(cfg.AuditDBPath, time.Duration(cfg.AuditRetentionDays)*24*time.Hour)
		if err != nil {
			telemetry.Warnf("Audit db disabled: %v", err)
		} else {
			store = s
		}
	}
	sink, err := audit.NewSink(audit.Options{
		Dir:           cfg.AuditDir,
		RetentionDays: cfg.AuditRetentionDays,
		Store:         store,
	})
	if err != nil {
		telemetry.Errorf("Audit sink: %v", err)
		os.Exit(1)
	}

	// ── Secrets ─────────────────────────────────────────────────
	vault := secrets.NewStore(sink)

	// ── Runtime tables ──────────────────────────────────────────
	tables, err := config.LoadTables(cfg.TablesPath)
	if err != nil {
		telemetry.Errorf("Tables: %v", err)
		os.Exit(1)
	}
	if err := tables.Validate(cfg.TelegramEnabled); err != nil {
		telemetry.Errorf("Tables: %v", err)
		os.Exit(1)
	}

	// ── Telegram dispatcher ─────────────────────────────────────
	var dispatcher *telegram.Dispatcher
	if cfg.TelegramEnabled {
		botToken, err := vault.Get(secretBotToken)
		if err != nil {
			telemetry.Errorf("Telegram credentials: %v — set %s or TELEGRAM_ENABLED=false", err, secretBotToken)
			os.Exit(1)
		}
		rawChat, err := vault.Get(secretChatID)
		if err != nil {
			telemetry.Errorf("Telegram credentials: %v — set %s or TELEGRAM_ENABLED=false", err, secretChatID)
			os.Exit(1)
		}
		chatID, err := strconv.ParseInt(rawChat, 10, 64)
		if err != nil {
			telemetry.Errorf("Telegram credentials: %s=%q is not a chat id", secretChatID, rawChat)
			os.Exit(1)
		}
		channels, err := tables.AlertChannels()
		if err != nil {
			telemetry.Errorf("Alert channels: %v", err)
			os.Exit(1)
		}
		dispatcher = telegram.NewDispatcher(telegram.NewClient(botToken), chatID, channels, bus, sink)
		telemetry.Infof("Telegram connected  chat=%d  channels=%d", chatID, len(channels))
	} else {
		telemetry.Warnf("Telegram disabled — alerts go to the log and audit trail only")
	}

	// ── Steam detector ──────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detector := steam.NewDetector(tables.Profiles(), bus, sink)
	go detector.RunCleanup(ctx)

	// ── Feed processes ──────────────────────────────────────────
	tokens := oddsfeed.NewTokenProvider(oddsfeed.AuthConfig{
		URL:              cfg.FeedAuthURL,
		Origin:           cfg.FeedOrigin,
		Referer:          cfg.FeedReferer,
		MaxRetries:       cfg.AuthRetries,
		DefaultTTL:       cfg.TokenTTL,
		RefreshThreshold: cfg.RefreshThreshold,
	}, sink)

	deps := process.Deps{Config: cfg, Bus: bus, Sink: sink, Tokens: tokens}
	feeds := make([]*process.FeedProcess, 0, len(cfg.FeedGroups))
	for _, group := range cfg.FeedGroups {
		fp := process.New(group, deps)
		fp.Start(ctx)
		feeds = append(feeds, fp)
	}

	ended := make(chan *process.FeedProcess, len(feeds))
	for _, fp := range feeds {
		fp := fp
		go func() {
			<-fp.Done()
			ended <- fp
		}()
	}

	// ── Shutdown ────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	running := len(feeds)
wait:
	for {
		select {
		case <-sigCh:
			telemetry.Infof("Shutting down...")
			break wait
		case fp := <-ended:
			running--
			if err := fp.Err(); err != nil {
				exitCode = 1
				break wait
			}
			if running == 0 {
				telemetry.Infof("All feeds finished; shutting down")
				break wait
			}
		}
	}

	// Reverse order: stop alerting, stop detecting, close sockets,
	// flush the audit trail last so teardown itself is recorded.
	if dispatcher != nil {
		dispatcher.Drain()
	}
	cancel()
	for _, fp := range feeds {
		fp.Stop()
	}
	if err := sink.Close(); err != nil {
		telemetry.Warnf("Audit close: %v", err)
	}

	telemetry.Infof("Shutdown complete  frames=%d  ticks=%d  steam=%d  alerts=%d  suppressed=%d  reconnects=%d  refreshes=%d  audit=%d",
		telemetry.Metrics.FramesReceived.Value(),
		telemetry.Metrics.TicksNormalized.Value(),
		telemetry.Metrics.SteamEvents.Value(),
		telemetry.Metrics.AlertsSent.Value(),
		telemetry.Metrics.AlertsSuppressed.Value(),
		telemetry.Metrics.WSReconnects.Value(),
		telemetry.Metrics.TokenRefreshes.Value(),
		telemetry.Metrics.AuditRecords.Value(),
	)

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
