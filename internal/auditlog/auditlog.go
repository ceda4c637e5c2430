// Package auditlog writes the per-day device message log spec.md §6
// describes: one line per device message, rolled over at midnight
// into a new `YYYY-MM-DD.islog` file. The leveled, structured shape —
// a logger type wrapping an output sink, guarded by a mutex, with
// small named methods instead of one generic call at every site — is
// lifted from the teacher's old_ws/audit_logger.go AuditLogger, but
// the sink here is a rolling plain-text file rather than JSON-to-stdout,
// since spec.md's format is a fixed `<timestamp>: <device>: <message>`
// line, not a structured event schema.
package auditlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Logger writes device messages to dir/YYYY-MM-DD.islog, rolling to a
// new file whenever the wall-clock date changes. A zero-value Logger
// (dir == "") is a no-op sink, per spec.md "Persisted state: None"
// when `-l` is not given.
type Logger struct {
	dir    string
	logger zerolog.Logger

	mu      sync.Mutex
	date    string
	file    *os.File
	cronJob *cron.Cron
}

// New returns a day-log writer rooted at dir. An empty dir disables
// persistence entirely; Record becomes a no-op.
func New(dir string, logger zerolog.Logger) *Logger {
	return &Logger{dir: dir, logger: logger}
}

// Record appends one line for a device message, rolling the
// underlying file first if the date has changed since the last write.
func (l *Logger) Record(device, message string) error {
	if l.dir == "" {
		return nil
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rollLocked(now); err != nil {
		return err
	}
	line := fmt.Sprintf("%s: %s: %s\n", now.Format(time.RFC3339), device, message)
	_, err := l.file.WriteString(line)
	return err
}

func (l *Logger) rollLocked(now time.Time) error {
	date := now.Format("2006-01-02")
	if date == l.date && l.file != nil {
		return nil
	}
	if l.file != nil {
		l.file.Close()
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("auditlog: mkdir %s: %w", l.dir, err)
	}
	path := filepath.Join(l.dir, date+".islog")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("auditlog: open %s: %w", path, err)
	}
	l.file = f
	l.date = date
	return nil
}

// StartRotationCheck schedules a daily no-op write-triggering check at
// midnight so a day-log file still rolls over even during a quiet
// period with no device traffic to prompt it naturally. It's optional:
// without it, rollover simply happens lazily on the next Record call
// after midnight, which is adequate for any deployment with steady
// traffic.
func (l *Logger) StartRotationCheck() error {
	if l.dir == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if err := l.rollLocked(time.Now()); err != nil {
			l.logger.Warn().Err(err).Msg("day-log rotation check failed")
		}
	})
	if err != nil {
		return fmt.Errorf("auditlog: schedule rotation: %w", err)
	}
	c.Start()
	l.cronJob = c
	return nil
}

// Close stops any scheduled rotation check and closes the current file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cronJob != nil {
		l.cronJob.Stop()
	}
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
