package lifecycle

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/oddslab/steamwatch/internal/audit"
	"github.com/oddslab/steamwatch/internal/telemetry"
)

// Sample is one resource observation feeding the tension score.
type Sample struct {
	Latency    time.Duration
	ErrorRate  float64
	QueueDepth int
	MemMB      float64
}

// spikeThreshold marks the score above which eviction is forecast.
const spikeThreshold = 0.7

// tensionScore folds transport health and resource pressure into
// [0, 1]. Auth and renewal are the fragile phases and weigh heavier.
func tensionScore(s Sample, phase Phase) float64 {
	base := s.Latency.Seconds()/0.1 + s.ErrorRate
	if base > 1 {
		base = 1
	}
	memTerm := s.MemMB / 1024
	if memTerm > 1 {
		memTerm = 1
	}
	advanced := float64(s.QueueDepth)/100 + memTerm
	if advanced > 1 {
		advanced = 1
	}

	combined := 0.6*base + 0.4*advanced
	switch phase {
	case PhaseAuth:
		combined *= 1.5
	case PhaseRenew:
		combined *= 2.0
	}
	if combined > 1 {
		combined = 1
	}
	return combined
}

func forecastFor(score float64) string {
	if score > spikeThreshold {
		return ForecastEvictImminent
	}
	return ForecastStable
}

// defaultSample reads the live pipeline counters.
func defaultSample(sink *audit.Sink) Sample {
	var rate float64
	if frames := telemetry.Metrics.FramesReceived.Value(); frames > 0 {
		rate = float64(telemetry.Metrics.DecodeErrors.Value()) / float64(frames)
	}
	return Sample{
		Latency:    telemetry.Metrics.FrameLatency.P99(),
		ErrorRate:  rate,
		QueueDepth: sink.QueueDepth(),
		MemMB:      processMemMB(),
	}
}

// processMemMB reads the process RSS, falling back to Go heap stats
// when the platform probe is unavailable.
func processMemMB() float64 {
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			return float64(mi.RSS) / (1 << 20)
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}
