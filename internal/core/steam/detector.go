package steam

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/oddslab/steamwatch/internal/audit"
	"github.com/oddslab/steamwatch/internal/events"
	"github.com/oddslab/steamwatch/internal/telemetry"
)

const (
	// largeMoveVelocity is the single-tick relative move that fires
	// LARGE_SINGLE on its own, regardless of profile.
	largeMoveVelocity = 0.10

	// steamIndexFloor is the minimum composite index for MULTI_RAPID.
	steamIndexFloor = 1.5

	// volumeNormalizer scales average volume into [0, 1].
	volumeNormalizer = 10_000.0

	cleanupEvery = time.Minute
)

// Detector classifies normalized ticks into steam events. A single
// mutex guards every window, so calls for the same key are serialized
// and emissions per key come out in processing order.
type Detector struct {
	mu       sync.Mutex
	profiles *Profiles
	windows  map[events.TickKey]*window

	bus  *events.Bus
	sink *audit.Sink
	now  func() time.Time
}

// NewDetector wires a detector to the bus. When bus is non-nil the
// detector subscribes to normalized ticks and publishes steam events
// back; Process stays callable directly either way.
func NewDetector(profiles *Profiles, bus *events.Bus, sink *audit.Sink) *Detector {
	if profiles == nil {
		profiles = NewProfiles(DefaultConfig())
	}
	d := &Detector{
		profiles: profiles,
		windows:  make(map[events.TickKey]*window),
		bus:      bus,
		sink:     sink,
		now:      time.Now,
	}
	if bus != nil {
		bus.Subscribe(events.EventTickNormalized, d.onTick)
	}
	return d
}

func (d *Detector) onTick(evt events.Event) error {
	tick, ok := evt.Payload.(events.Tick)
	if !ok {
		return nil
	}
	ev, err := d.Process(tick)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	d.bus.Publish(events.Event{
		Type:      events.EventSteamDetected,
		League:    tick.League,
		GameID:    tick.GameID,
		Timestamp: d.now(),
		Payload:   *ev,
	})
	return nil
}

// Process runs one tick through its window and both detection rules.
// It returns the emitted steam event, or nil when nothing fired.
func (d *Detector) Process(tick events.Tick) (*events.SteamEvent, error) {
	if tick.OldValue == 0 {
		return nil, fmt.Errorf("tick %s/%s: zero old value", tick.GameID, tick.BookmakerID)
	}
	velocity := math.Abs(tick.NewValue-tick.OldValue) / math.Abs(tick.OldValue)

	d.mu.Lock()
	defer d.mu.Unlock()

	key := tick.Key()
	cfg := d.profiles.Resolve(tick.League, tick.OddsType)
	w := d.windows[key]
	if w == nil {
		w = newWindow(cfg)
		d.windows[key] = w
	}

	w.evict(d.now().UnixMilli())

	// A replayed tick never produces a second emission.
	if w.has(tick.Timestamp) {
		return nil, nil
	}

	dropped := w.add(events.WindowSample{
		Timestamp:   tick.Timestamp,
		BookmakerID: tick.BookmakerID,
		Odds:        tick.NewValue,
		Velocity:    velocity,
		Volume:      tick.Volume,
	})
	if dropped != nil {
		d.audit(audit.Record{
			Event:   audit.EventDetectorOverflow,
			Channel: tick.GameID,
			Fields: map[string]any{
				"bookmakerId": tick.BookmakerID,
				"oddsType":    string(tick.OddsType),
				"droppedTs":   dropped.Timestamp,
				"bound":       w.bound,
			},
		})
	}

	if velocity >= largeMoveVelocity {
		return d.emit(events.SteamLargeSingle, tick, velocity, 0, w, cfg), nil
	}

	if index, ok := rapidIndex(w.entries, cfg); ok {
		return d.emit(events.SteamMultiRapid, tick, velocity, index, w, cfg), nil
	}
	return nil, nil
}

// rapidIndex scores the window's qualifying entries. It reports false
// when too few entries clear the velocity threshold or the composite
// index stays under the floor.
func rapidIndex(entries []events.WindowSample, cfg events.SteamConfig) (float64, bool) {
	var sumVel, sumVol float64
	n := 0
	for _, e := range entries {
		if e.Velocity >= cfg.VelocityThreshold {
			sumVel += e.Velocity
			sumVol += e.Volume
			n++
		}
	}
	if n < cfg.MinRapidChanges {
		return 0, false
	}
	avgVel := sumVel / float64(n)
	volScore := sumVol / float64(n) / volumeNormalizer
	if volScore > 1 {
		volScore = 1
	}
	index := 0.7*avgVel*100 + 0.3*volScore*cfg.VolumeWeight*10
	if index < steamIndexFloor {
		return index, false
	}
	return index, true
}

func (d *Detector) emit(st events.SteamType, tick events.Tick, velocity, index float64, w *window, cfg events.SteamConfig) *events.SteamEvent {
	ev := &events.SteamEvent{
		Type:       st,
		Tick:       tick,
		Velocity:   velocity,
		SteamIndex: index,
		Window:     w.snapshot(),
		Config:     cfg,
	}
	telemetry.Metrics.SteamEvents.Inc()
	telemetry.Infof("[STEAM] %s %s %s/%s vel=%.3f index=%.2f window=%d",
		st, tick.GameID, tick.BookmakerID, tick.OddsType, velocity, index, len(ev.Window))
	d.audit(audit.Record{
		Event:   audit.EventSteamDetected,
		Channel: tick.GameID,
		Fields: map[string]any{
			"type":        string(st),
			"bookmakerId": tick.BookmakerID,
			"oddsType":    string(tick.OddsType),
			"oldValue":    tick.OldValue,
			"newValue":    tick.NewValue,
			"velocity":    velocity,
			"steamIndex":  index,
			"windowSize":  len(ev.Window),
		},
	})
	return ev
}

// KeyCount reports how many keys currently hold a window.
func (d *Detector) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}

// RunCleanup drops keys whose windows have emptied out. It blocks
// until ctx is cancelled.
func (d *Detector) RunCleanup(ctx context.Context) {
	t := time.NewTicker(cleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.sweep()
		}
	}
}

func (d *Detector) sweep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now().UnixMilli()
	removed := 0
	for key, w := range d.windows {
		w.evict(now)
		if len(w.entries) == 0 {
			delete(d.windows, key)
			removed++
		}
	}
	if removed > 0 {
		telemetry.Debugf("steam: swept %d idle keys, %d live", removed, len(d.windows))
	}
}

func (d *Detector) audit(rec audit.Record) {
	rec.ThreadGroup = "detector"
	d.sink.Submit(rec)
}
