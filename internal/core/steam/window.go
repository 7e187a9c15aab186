package steam

import "github.com/oddslab/steamwatch/internal/events"

// window holds the retained movements for one detection key. Entries
// stay in arrival order; seen mirrors their timestamps for replay
// dedupe and is pruned together with the entries.
type window struct {
	entries  []events.WindowSample
	seen     map[int64]struct{}
	bound    int
	windowMs int64
}

// maxEntries bounds a window so a burst cannot grow it without limit.
func maxEntries(cfg events.SteamConfig) int {
	n := cfg.MinRapidChanges * 4
	if n < 16 {
		n = 16
	}
	return n
}

func newWindow(cfg events.SteamConfig) *window {
	return &window{
		entries:  make([]events.WindowSample, 0, maxEntries(cfg)),
		seen:     make(map[int64]struct{}),
		bound:    maxEntries(cfg),
		windowMs: cfg.TimeWindowMs,
	}
}

// evict drops every entry older than the window: an entry with
// now - ts >= windowMs is gone, one inside the window stays.
func (w *window) evict(now int64) {
	cutoff := now - w.windowMs
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.Timestamp > cutoff {
			kept = append(kept, e)
		} else {
			delete(w.seen, e.Timestamp)
		}
	}
	w.entries = kept
}

func (w *window) has(ts int64) bool {
	_, ok := w.seen[ts]
	return ok
}

// add appends a sample, dropping the oldest entry when the window is
// full. The dropped sample is returned so the caller can audit it.
func (w *window) add(s events.WindowSample) *events.WindowSample {
	var dropped *events.WindowSample
	if len(w.entries) >= w.bound {
		old := w.entries[0]
		dropped = &old
		delete(w.seen, old.Timestamp)
		w.entries = append(w.entries[:0], w.entries[1:]...)
	}
	w.entries = append(w.entries, s)
	w.seen[s.Timestamp] = struct{}{}
	return dropped
}

// snapshot copies the current entries so emissions stay immutable.
func (w *window) snapshot() []events.WindowSample {
	out := make([]events.WindowSample, len(w.entries))
	copy(out, w.entries)
	return out
}
