package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oddslab/steamwatch/internal/telemetry"

	_ "modernc.org/sqlite"
)

const (
	flushInterval    = 2 * time.Second
	flushBatchSize   = 64
	evictEveryFlush  = 100
	defaultRetention = 14 * 24 * time.Hour

	// fixed width so string order equals time order
	storeTimeLayout = "2006-01-02T15:04:05.000Z"
)

// Store mirrors audit lines into SQLite so the trail survives log
// shipping gaps and stays queryable. The flat file remains the source
// of truth; every failure here is logged and swallowed.
type Store struct {
	db        *sql.DB
	retention time.Duration

	mu      sync.Mutex
	pending []pendingRow
	flushes int

	stop chan struct{}
	done chan struct{}
}

type pendingRow struct {
	at          string
	event       string
	threadGroup string
	threadID    string
	channel     string
	line        []byte
}

func OpenStore(path string, retention time.Duration) (*Store, error) {
	if retention <= 0 {
		retention = defaultRetention
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			at           TEXT NOT NULL,
			event        TEXT NOT NULL,
			thread_group TEXT NOT NULL DEFAULT '',
			thread_id    TEXT NOT NULL DEFAULT '',
			channel      TEXT NOT NULL DEFAULT '',
			line         BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_at    ON audit_logs(at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_logs(event)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init audit schema: %w", err)
		}
	}

	var rows int64
	db.QueryRow(`SELECT COUNT(*) FROM audit_logs`).Scan(&rows)
	telemetry.Plainf("audit store: opened %s  rows=%d", path, rows)

	s := &Store{
		db:        db,
		retention: retention,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Insert queues one record for the next batch flush. The line is
// copied; callers may reuse the buffer.
func (s *Store) Insert(rec Record, line []byte) {
	if s == nil {
		return
	}
	lineCopy := make([]byte, len(line))
	copy(lineCopy, line)

	s.mu.Lock()
	s.pending = append(s.pending, pendingRow{
		at:          rec.Time.UTC().Format(storeTimeLayout),
		event:       rec.Event,
		threadGroup: rec.ThreadGroup,
		threadID:    rec.ThreadID,
		channel:     rec.Channel,
		line:        lineCopy,
	})
	full := len(s.pending) >= flushBatchSize
	s.mu.Unlock()

	if full {
		s.flush()
	}
}

func (s *Store) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.flushes++
	evict := s.flushes%evictEveryFlush == 0
	s.mu.Unlock()

	if len(batch) > 0 {
		tx, err := s.db.Begin()
		if err != nil {
			telemetry.Warnf("audit store: begin flush: %v", err)
			return
		}
		stmt, err := tx.Prepare(`INSERT INTO audit_logs (at, event, thread_group, thread_id, channel, line) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			tx.Rollback()
			telemetry.Warnf("audit store: prepare flush: %v", err)
			return
		}
		for _, r := range batch {
			if _, err := stmt.Exec(r.at, r.event, r.threadGroup, r.threadID, r.channel, r.line); err != nil {
				telemetry.Warnf("audit store: insert %s: %v", r.event, err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			telemetry.Warnf("audit store: commit flush: %v", err)
		}
	}

	if evict {
		s.evictExpired()
	}
}

// evictExpired deletes rows older than the retention horizon. The
// trail is time-bounded, not size-bounded.
func (s *Store) evictExpired() {
	cutoff := time.Now().UTC().Add(-s.retention).Format(storeTimeLayout)
	res, err := s.db.Exec(`DELETE FROM audit_logs WHERE at < ?`, cutoff)
	if err != nil {
		telemetry.Warnf("audit store: evict: %v", err)
		return
	}
	if deleted, _ := res.RowsAffected(); deleted > 0 {
		telemetry.Infof("audit store: evicted %d expired rows", deleted)
	}
}

// CountSince reports rows at or after the given time. Used by tests
// and the shutdown summary.
func (s *Store) CountSince(t time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_logs WHERE at >= ?`,
		t.UTC().Format(storeTimeLayout)).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	return s.db.Close()
}
