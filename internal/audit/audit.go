// Package audit writes a daily-rotated CSV trail of workflow submissions
// and completions, the way the teacher's log.go writes a daily-rotated CSV
// of received packets (see doismellburning-samoyed/src/log.go), reusing
// the same lestrrat-go/strftime pattern for the filename.
package audit

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"
)

// filePattern names one log file per calendar day, mirroring the
// teacher's "%Y%m%d" packet-log naming convention.
const filePattern = "workflow-audit-%Y-%m-%d.csv"

var header = []string{"timestamp", "kind", "event", "outcome", "duration_ms"}

// Log is an append-only CSV audit trail, reopened under a new filename
// whenever the calendar day rolls over.
type Log struct {
	mu       sync.Mutex
	dir      string
	pattern  *strftime.Strftime
	file     *os.File
	fileName string
	w        *csv.Writer
}

// New returns a Log that writes under dir, creating dir if necessary.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	pattern, err := strftime.New(filePattern)
	if err != nil {
		return nil, err
	}
	return &Log{dir: dir, pattern: pattern}, nil
}

// Submit records a workflow submission.
func (l *Log) Submit(at time.Time, kind string) {
	l.write(at, kind, "submit", "", "")
}

// Complete records a workflow's outcome and wall-clock duration. err's
// message (or "ok") becomes the outcome column.
func (l *Log) Complete(at time.Time, kind string, err error, dur time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	l.write(at, kind, "complete", outcome, strconv.FormatInt(dur.Milliseconds(), 10))
}

func (l *Log) write(at time.Time, kind, event, outcome, durationMS string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureOpen(at); err != nil {
		return
	}
	_ = l.w.Write([]string{at.Format(time.RFC3339), kind, event, outcome, durationMS})
	l.w.Flush()
}

func (l *Log) ensureOpen(at time.Time) error {
	name := l.pattern.FormatString(at)
	if l.file != nil && l.fileName == name {
		return nil
	}
	if l.file != nil {
		l.w.Flush()
		l.file.Close()
	}

	path := filepath.Join(l.dir, name)
	isNew := false
	if _, err := os.Stat(path); err != nil {
		isNew = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.fileName = name
	l.w = csv.NewWriter(f)
	if isNew {
		_ = l.w.Write(header)
		l.w.Flush()
	}
	return nil
}

// Close flushes and closes the currently open log file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.w.Flush()
	err := l.file.Close()
	l.file = nil
	return err
}
