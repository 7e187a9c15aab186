package telegram

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oddslab/steamwatch/internal/audit"
	"github.com/oddslab/steamwatch/internal/events"
	"github.com/oddslab/steamwatch/internal/telemetry"
)

// Alert type names. The channel set is closed and fixed at startup.
const (
	TypeSteam       = "STEAM_ALERTS"
	TypePerformance = "PERFORMANCE"
	TypeHealth      = "SYSTEM_HEALTH"
	TypeConnection  = "CONNECTION"
)

// Channel routes one alert type to a forum topic.
type Channel struct {
	Name          string
	TopicID       int64
	Cooldown      time.Duration
	SeverityFloor Severity
}

// DefaultChannels builds the channel set from configured topic ids.
// Steam alerts are never cooled down; they are the product.
func DefaultChannels(topics map[string]int64) []Channel {
	return []Channel{
		{Name: TypeSteam, TopicID: topics[TypeSteam], Cooldown: 0, SeverityFloor: SeverityInfo},
		{Name: TypePerformance, TopicID: topics[TypePerformance], Cooldown: time.Minute, SeverityFloor: SeverityInfo},
		{Name: TypeHealth, TopicID: topics[TypeHealth], Cooldown: 5 * time.Minute, SeverityFloor: SeverityWarning},
		{Name: TypeConnection, TopicID: topics[TypeConnection], Cooldown: 30 * time.Second, SeverityFloor: SeverityInfo},
	}
}

// SendResult reports what happened to one alert. A suppressed or
// failed send is not an error; Reason says why nothing was posted.
type SendResult struct {
	Sent      bool
	Reason    string
	MessageID int64
}

// Dispatcher owns the cooldown timestamps and the pinned-message map.
// Bus-driven alerts flow through an internal queue so the feed read
// goroutine never waits on the Bot API.
type Dispatcher struct {
	client *Client
	chatID int64
	sink   *audit.Sink
	now    func() time.Time

	mu            sync.Mutex
	channels      map[string]Channel
	lastSentAt    map[string]time.Time
	pinnedByMatch map[string]int64

	qmu    sync.RWMutex
	closed bool
	queue  chan Alert
	wg     sync.WaitGroup
}

// NewDispatcher wires the dispatcher to the bus and starts its send
// worker. A nil bus disables the async path; Send stays usable.
func NewDispatcher(client *Client, chatID int64, channels []Channel, bus *events.Bus, sink *audit.Sink) *Dispatcher {
	d := &Dispatcher{
		client:        client,
		chatID:        chatID,
		sink:          sink,
		now:           time.Now,
		channels:      make(map[string]Channel, len(channels)),
		lastSentAt:    make(map[string]time.Time),
		pinnedByMatch: make(map[string]int64),
		queue:         make(chan Alert, 64),
	}
	for _, ch := range channels {
		d.channels[ch.Name] = ch
	}

	if bus != nil {
		bus.Subscribe(events.EventSteamDetected, func(e events.Event) error {
			ev, ok := e.Payload.(events.SteamEvent)
			if !ok {
				return nil
			}
			d.enqueue(AlertFromSteam(ev))
			return nil
		})
		bus.Subscribe(events.EventFeedStatus, func(e events.Event) error {
			st, ok := e.Payload.(events.FeedStatusEvent)
			if !ok {
				return nil
			}
			d.enqueue(AlertFromFeedStatus(st))
			return nil
		})
		bus.Subscribe(events.EventTensionSpike, func(e events.Event) error {
			ph, ok := e.Payload.(events.SessionPhaseEvent)
			if !ok {
				return nil
			}
			d.enqueue(AlertFromTension(ph))
			return nil
		})
	}

	d.wg.Add(1)
	go d.worker()
	return d
}

// Send runs one alert through the full pipeline: route, floor,
// cooldown, format, post, pin. It never returns an error; a failed
// send is audited and echoed to stderr.
func (d *Dispatcher) Send(ctx context.Context, a Alert) SendResult {
	ch, ok := d.channels[a.Type]
	if !ok {
		telemetry.Metrics.AlertsSuppressed.Inc()
		d.audit(audit.Record{
			Event:  audit.EventAlertUnknownType,
			Fields: map[string]any{"type": a.Type, "title": a.Title},
		})
		return SendResult{Reason: "unknown type"}
	}
	if a.Severity < ch.SeverityFloor {
		telemetry.Metrics.AlertsSuppressed.Inc()
		return SendResult{Reason: "below severity floor"}
	}

	now := d.now()
	d.mu.Lock()
	if ch.Cooldown > 0 {
		if last, sent := d.lastSentAt[a.Type]; sent && now.Sub(last) < ch.Cooldown {
			d.mu.Unlock()
			telemetry.Metrics.AlertsSuppressed.Inc()
			d.audit(audit.Record{
				Event:   audit.EventAlertSuppressed,
				Channel: a.Type,
				Fields: map[string]any{
					"sinceMs":    now.Sub(last).Milliseconds(),
					"cooldownMs": ch.Cooldown.Milliseconds(),
				},
			})
			return SendResult{Reason: "cooldown"}
		}
	}
	d.mu.Unlock()

	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	text := formatHTML(a)
	silent := a.Severity == SeverityInfo

	start := time.Now()
	msgID, err := d.client.SendMessage(ctx, d.chatID, ch.TopicID, text, silent)
	telemetry.Metrics.AlertSendLatency.Record(time.Since(start))
	if err != nil {
		telemetry.Metrics.AlertSendErrors.Inc()
		d.audit(audit.Record{
			Event:   audit.EventTelegramFailed,
			Channel: a.Type,
			Fields:  map[string]any{"title": a.Title, "error": err.Error()},
		})
		fmt.Fprintf(os.Stderr, "[ALERT-FALLBACK] %s %s %s: %s (%v)\n",
			a.Timestamp.Format(time.RFC3339), a.Severity, a.Title, a.Message, err)
		return SendResult{Reason: "send failed"}
	}

	d.mu.Lock()
	d.lastSentAt[a.Type] = now
	d.mu.Unlock()
	telemetry.Metrics.AlertsSent.Inc()
	d.audit(audit.Record{
		Event:   audit.EventAlertSent,
		Channel: a.Type,
		Fields:  map[string]any{"messageId": msgID, "topicId": ch.TopicID, "severity": a.Severity.String()},
	})

	if a.Type == TypeSteam && shouldPin(a) {
		d.pin(ctx, matchID(a.Metadata), msgID)
	}
	return SendResult{Sent: true, MessageID: msgID}
}

// pin keeps at most one pinned message per match: a fresh pin for an
// already-pinned match unpins the previous message first.
func (d *Dispatcher) pin(ctx context.Context, matchID string, messageID int64) {
	if matchID == "" {
		return
	}
	d.mu.Lock()
	old, had := d.pinnedByMatch[matchID]
	d.mu.Unlock()

	if had && old != messageID {
		if err := d.client.UnpinChatMessage(ctx, d.chatID, old); err != nil {
			telemetry.Warnf("telegram: unpin stale %d for %s: %v", old, matchID, err)
		}
	}
	if err := d.client.PinChatMessage(ctx, d.chatID, messageID); err != nil {
		telemetry.Warnf("telegram: pin %d for %s: %v", messageID, matchID, err)
		return
	}

	d.mu.Lock()
	d.pinnedByMatch[matchID] = messageID
	d.mu.Unlock()
	d.audit(audit.Record{
		Event:   audit.EventMessagePinned,
		Channel: matchID,
		Fields:  map[string]any{"messageId": messageID},
	})
}

// UnpinMatch drops the pin for a finished match and forgets it.
func (d *Dispatcher) UnpinMatch(ctx context.Context, matchID string) error {
	d.mu.Lock()
	msgID, ok := d.pinnedByMatch[matchID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if err := d.client.UnpinChatMessage(ctx, d.chatID, msgID); err != nil {
		return fmt.Errorf("unpin match %s: %w", matchID, err)
	}
	d.mu.Lock()
	delete(d.pinnedByMatch, matchID)
	d.mu.Unlock()
	return nil
}

// PinnedMessage reports the pinned message id for a match, if any.
func (d *Dispatcher) PinnedMessage(matchID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.pinnedByMatch[matchID]
	return id, ok
}

func (d *Dispatcher) enqueue(a Alert) {
	d.qmu.RLock()
	defer d.qmu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- a:
	default:
		telemetry.Warnf("telegram: alert queue full, dropping %s %q", a.Type, a.Title)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for a := range d.queue {
		d.Send(context.Background(), a)
	}
}

// Drain stops accepting bus alerts and blocks until queued ones are
// sent. Safe to call more than once.
func (d *Dispatcher) Drain() {
	d.qmu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.qmu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) audit(rec audit.Record) {
	rec.ThreadGroup = "alerts"
	d.sink.Submit(rec)
}
