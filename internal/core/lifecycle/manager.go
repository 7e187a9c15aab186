// Package lifecycle tracks stream sessions through their phases and
// scores connection health on every transition.
package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oddslab/steamwatch/internal/adapters/inbound/oddsfeed"
	"github.com/oddslab/steamwatch/internal/audit"
	"github.com/oddslab/steamwatch/internal/events"
	"github.com/oddslab/steamwatch/internal/telemetry"
)

// Phase of a stream session.
type Phase string

const (
	PhaseInit   Phase = "INIT"
	PhaseAuth   Phase = "AUTH"
	PhaseActive Phase = "ACTIVE"
	PhaseRenew  Phase = "RENEW"
	PhaseEvict  Phase = "EVICT"
)

const (
	ForecastStable        = "STABLE"
	ForecastEvictImminent = "EVICT_IMMINENT"
)

const (
	// pendingWindow is how long a binary 0x01 byte may wait for a
	// JSON renewal frame before it is written off as a heartbeat.
	pendingWindow = 2 * time.Second

	// evictGrace keeps an evicted session inspectable before erase.
	evictGrace = 5 * time.Second
)

// SessionState is a snapshot of one stream session.
type SessionState struct {
	SessionID    string
	Group        string
	Phase        Phase
	EnteredAt    time.Time
	TensionScore float64
	Forecast     string
}

// Manager observes one stream client and maintains its session state.
// Callbacks run on the client's read goroutine and must stay cheap;
// a resource sample is a few atomic loads plus one RSS read.
type Manager struct {
	sink *audit.Sink
	bus  *events.Bus

	now    func() time.Time
	sample func() Sample
	grace  time.Duration

	mu           sync.Mutex
	sessions     map[string]*SessionState
	current      *SessionState
	pendingUntil time.Time
}

// NewManager builds a manager ready to register with a stream client
// via AddObserver.
func NewManager(bus *events.Bus, sink *audit.Sink) *Manager {
	return &Manager{
		sink:     sink,
		bus:      bus,
		now:      time.Now,
		sample:   func() Sample { return defaultSample(sink) },
		grace:    evictGrace,
		sessions: make(map[string]*SessionState),
	}
}

// OnOpen starts a fresh session in INIT.
func (m *Manager) OnOpen(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &SessionState{
		SessionID: uuid.NewString(),
		Group:     group,
		EnteredAt: m.now(),
	}
	m.sessions[s.SessionID] = s
	m.current = s
	m.pendingUntil = time.Time{}
	telemetry.Metrics.ActiveSessions.Inc()
	m.transitionLocked(s, PhaseInit, nil)
}

// OnFrame advances the phase machine on every inbound frame.
func (m *Manager) OnFrame(f oddsfeed.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.current
	if s == nil || s.Phase == PhaseEvict {
		return
	}
	now := m.now()

	// Any server frame proves the token was accepted.
	if s.Phase == PhaseInit {
		m.transitionLocked(s, PhaseAuth, nil)
	}

	switch {
	case f.Kind == oddsfeed.FrameHeartbeat && len(f.Raw) == 1 && f.Raw[0] == 0x01:
		// Ambiguous byte: renewal opcode or plain heartbeat. Hold
		// judgement until a JSON renewal confirms it.
		m.pendingUntil = now.Add(pendingWindow)

	case f.Kind == oddsfeed.FrameJSON && oddsfeed.IsRenewalMarker(f.JSON):
		confirmedBy := "json"
		if !m.pendingUntil.IsZero() && now.Before(m.pendingUntil) {
			confirmedBy = "binary+json"
		}
		m.pendingUntil = time.Time{}
		if s.Phase != PhaseRenew {
			m.transitionLocked(s, PhaseRenew, map[string]any{"confirmedBy": confirmedBy})
		}

	case f.Kind == oddsfeed.FrameXML || (f.Kind == oddsfeed.FrameJSON && !f.IsControl()):
		if s.Phase == PhaseAuth || s.Phase == PhaseRenew {
			m.transitionLocked(s, PhaseActive, nil)
		}
	}
}

// OnClose evicts the current session and schedules its erase.
func (m *Manager) OnClose(code int, reason string) {
	m.mu.Lock()
	s := m.current
	if s == nil {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.pendingUntil = time.Time{}
	m.transitionLocked(s, PhaseEvict, map[string]any{"code": code, "reason": reason})
	telemetry.Metrics.ActiveSessions.Dec()
	grace := m.grace
	m.mu.Unlock()

	time.AfterFunc(grace, func() { m.erase(s.SessionID) })
}

func (m *Manager) erase(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// transitionLocked moves a session to its next phase, scores the
// transition, and records it. Callers hold m.mu; the audit submit is
// a channel send and bus handlers are enqueue-only, so holding the
// lock through them is safe.
func (m *Manager) transitionLocked(s *SessionState, to Phase, extra map[string]any) {
	fromStr := string(s.Phase)
	if fromStr == "" {
		fromStr = "OPEN"
	}
	score := tensionScore(m.sample(), to)
	now := m.now()

	s.Phase = to
	s.EnteredAt = now
	s.TensionScore = score
	s.Forecast = forecastFor(score)

	fields := map[string]any{
		"from":     fromStr,
		"to":       string(to),
		"tension":  score,
		"forecast": s.Forecast,
	}
	for k, v := range extra {
		fields[k] = v
	}
	m.sink.Submit(audit.Record{
		Event:       audit.EventSessionPhase,
		ThreadGroup: "lifecycle",
		ThreadID:    s.SessionID,
		Channel:     s.Group,
		Fields:      fields,
	})

	spiked := score > spikeThreshold
	if spiked {
		telemetry.Metrics.TensionSpikes.Inc()
		telemetry.Warnf("[LIFECYCLE] tension %.2f on %s (%s -> %s)", score, s.SessionID, fromStr, to)
		m.sink.Submit(audit.Record{
			Event:       audit.EventTensionSpike,
			ThreadGroup: "lifecycle",
			ThreadID:    s.SessionID,
			Channel:     s.Group,
			Fields: map[string]any{
				"tension":  score,
				"phase":    string(to),
				"forecast": s.Forecast,
			},
		})
	}

	if m.bus == nil {
		return
	}
	payload := events.SessionPhaseEvent{
		SessionID: s.SessionID,
		From:      fromStr,
		To:        string(to),
		Tension:   score,
		Forecast:  s.Forecast,
	}
	m.bus.Publish(events.Event{Type: events.EventSessionPhase, Timestamp: now, Payload: payload})
	if spiked {
		m.bus.Publish(events.Event{Type: events.EventTensionSpike, Timestamp: now, Payload: payload})
	}
}

// Current returns the live session snapshot.
func (m *Manager) Current() (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return SessionState{}, false
	}
	return *m.current, true
}

// Sessions lists live and recently evicted sessions.
func (m *Manager) Sessions() []SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}
