// Package audit owns the append-only security/protocol trail. Records
// are single greppable lines, one JSON object per line prefixed with a
// UTC timestamp, written by one goroutine so producer order is kept.
// Operational logging lives in internal/telemetry; this trail is the
// evidence stream.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oddslab/steamwatch/internal/telemetry"
)

// Event names. Kept in one block so the trail stays greppable.
const (
	EventFallbackToEnv    = "FALLBACK_TO_ENV"
	EventSecretMigrated   = "SECRET_MIGRATED"
	EventFatalAuth        = "FATAL_AUTH"
	EventJWTAcquired      = "JWT_ACQUIRED"
	EventConnectAttempt   = "CONNECT_ATTEMPT"
	EventConnected        = "CONNECTED"
	EventDisconnected     = "DISCONNECTED"
	EventRefreshScheduled = "JWT_REFRESH_SCHEDULED"
	EventRefreshed        = "JWT_REFRESHED"
	EventHeartbeatGap     = "HEARTBEAT_GAP"
	EventFrameDecoded     = "FRAME_DECODED"
	EventDecodeFailed     = "DECODE_FAILED"
	EventUnknownBinary    = "UNKNOWN_BINARY"
	EventTickNormalized   = "TICK_NORMALIZED"
	EventNormalizeFailed  = "NORMALIZE_FAILED"
	EventSteamDetected    = "STEAM_DETECTED"
	EventDetectorOverflow = "DETECTOR_OVERFLOW"
	EventAlertSent        = "ALERT_SENT"
	EventAlertSuppressed  = "ALERT_SUPPRESSED"
	EventAlertUnknownType = "ALERT_UNKNOWN_TYPE"
	EventTelegramFailed   = "TELEGRAM_SEND_FAILED"
	EventMessagePinned    = "MESSAGE_PINNED"
	EventSessionPhase     = "SESSION_PHASE"
	EventTensionSpike     = "TENSION_SPIKE"
	EventAuditDropped     = "AUDIT_DROPPED"
)

// Record is one audit entry. Zero Time means "stamp at submit".
type Record struct {
	Time        time.Time
	Event       string
	ThreadGroup string
	ThreadID    string
	Channel     string
	Fields      map[string]any
}

// Options configures a Sink. Zero values take the defaults below.
type Options struct {
	Dir           string
	FilePrefix    string // default "audit"
	QueueSize     int    // default 1024
	RetentionDays int    // default 14
	Store         *Store // optional sqlite mirror
	Now           func() time.Time
}

// Sink serializes records to the daily audit file. Submit never blocks
// past the queue bound; overflow drops the record and notes it on
// stderr so a stalled disk cannot stall the feed pipeline.
type Sink struct {
	opts   Options
	queue  chan Record
	closed atomic.Bool
	wg     sync.WaitGroup

	// writer goroutine state
	file    *os.File
	fileDay string
}

func NewSink(opts Options) (*Sink, error) {
	if opts.FilePrefix == "" {
		opts.FilePrefix = "audit"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 14
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	s := &Sink{
		opts:  opts,
		queue: make(chan Record, opts.QueueSize),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Submit enqueues a record. Safe for concurrent producers; order is
// preserved per producer. After Close, records are silently dropped.
func (s *Sink) Submit(rec Record) {
	if s == nil || s.closed.Load() {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = s.opts.Now()
	}
	select {
	case s.queue <- rec:
	default:
		telemetry.Metrics.AuditDropped.Inc()
		telemetry.Plainf("audit: queue full, dropped %s", rec.Event)
	}
}

// QueueDepth reports records waiting on the writer, for health
// sampling.
func (s *Sink) QueueDepth() int {
	if s == nil {
		return 0
	}
	return len(s.queue)
}

// Close stops intake, drains the queue, and flushes the file and the
// sqlite mirror.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.queue)
	s.wg.Wait()
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	return s.opts.Store.Close()
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()
	for rec := range s.queue {
		line := Encode(rec)
		if err := s.write(rec.Time, line); err != nil {
			// last resort: the line still exists somewhere greppable
			telemetry.Plainf("audit: %v", err)
			os.Stderr.Write(line)
		}
		s.opts.Store.Insert(rec, line)
		telemetry.Metrics.AuditRecords.Inc()
	}
}

func (s *Sink) write(ts time.Time, line []byte) error {
	day := ts.UTC().Format("2006-01-02")
	if s.file == nil || day != s.fileDay {
		if err := s.rotate(day); err != nil {
			return err
		}
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("write audit line: %w", err)
	}
	return nil
}

func (s *Sink) rotate(day string) error {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.opts.Dir, fmt.Sprintf("%s-%s.log", s.opts.FilePrefix, day))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file %s: %w", path, err)
	}
	s.file = f
	s.fileDay = day
	s.prune(day)
	return nil
}

// prune removes day files older than the retention horizon.
func (s *Sink) prune(today string) {
	cutoff, err := time.Parse("2006-01-02", today)
	if err != nil {
		return
	}
	cutoff = cutoff.AddDate(0, 0, -s.opts.RetentionDays)

	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return
	}
	prefix := s.opts.FilePrefix + "-"
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".log")
		day, err := time.Parse("2006-01-02", stamp)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(s.opts.Dir, name))
			telemetry.Debugf("audit: pruned %s", name)
		}
	}
}

// Encode renders one record as its wire line, trailing newline
// included. The [SIGNED] value is the first 12 hex chars of the
// SHA-256 over the line with the [SIGNED] pair itself removed, so a
// verifier can strip and recompute.
func Encode(rec Record) []byte {
	var head bytes.Buffer
	head.WriteByte('{')
	writeKV(&head, "[TES_EVENT]", rec.Event)
	head.WriteByte(',')
	writeKV(&head, "[THREAD_GROUP]", rec.ThreadGroup)
	head.WriteByte(',')
	writeKV(&head, "[THREAD_ID]", rec.ThreadID)
	head.WriteByte(',')
	writeKV(&head, "[CHANNEL]", rec.Channel)
	head.WriteByte(',')
	writeKV(&head, "[HSL]", colorFor(rec.Event))

	var tail bytes.Buffer
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tail.WriteByte(',')
		kb, _ := json.Marshal(k)
		tail.Write(kb)
		tail.WriteByte(':')
		vb, err := json.Marshal(rec.Fields[k])
		if err != nil {
			vb, _ = json.Marshal(fmt.Sprintf("%v", rec.Fields[k]))
		}
		tail.Write(vb)
	}

	canon := make([]byte, 0, head.Len()+tail.Len()+1)
	canon = append(canon, head.Bytes()...)
	canon = append(canon, tail.Bytes()...)
	canon = append(canon, '}')
	sig := Signature(canon)

	var line bytes.Buffer
	line.Grow(len(canon) + 64)
	line.WriteString(rec.Time.UTC().Format("2006-01-02T15:04:05.000Z"))
	line.WriteByte(' ')
	line.Write(head.Bytes())
	line.WriteByte(',')
	writeKV(&line, "[SIGNED]", sig)
	line.Write(tail.Bytes())
	line.WriteByte('}')
	line.WriteByte('\n')
	return line.Bytes()
}

func writeKV(b *bytes.Buffer, k, v string) {
	kb, _ := json.Marshal(k)
	b.Write(kb)
	b.WriteByte(':')
	vb, _ := json.Marshal(v)
	b.Write(vb)
}

// Signature is the first 12 hex chars of SHA-256 over the canonical
// record body.
func Signature(canon []byte) string {
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:12]
}

// colorFor maps an event name to a stable HSL triple so the same event
// always carries the same color tag in the trail.
func colorFor(event string) string {
	h := fnv.New32a()
	h.Write([]byte(event))
	v := h.Sum32()
	hue := v % 360
	sat := 60 + (v>>9)%30
	light := 35 + (v>>17)%25
	return fmt.Sprintf("hsl(%d,%d%%,%d%%)", hue, sat, light)
}
