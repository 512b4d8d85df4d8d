package storage

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
)

const journalSubDir = "passes"

// Entry is one journal line: a reconciliation pass on one chart.
type Entry struct {
	Time       time.Time                   `json:"time"`
	ChartID    string                      `json:"chart_id"`
	Trigger    string                      `json:"trigger"`
	Pass       int                         `json:"pass"`
	LastAttrib string                      `json:"last_attrib"`
	Commands   []attribution.RenderCommand `json:"commands"`
	Skipped    []attribution.Skip          `json:"skipped,omitempty"`
	Error      string                      `json:"error,omitempty"`
}

// Journal keeps one JSONL writer per chart under baseDir/<date>/passes/.
type Journal struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int

	writers map[string]*JSONLWriter
	closed  bool
	mu      sync.RWMutex
}

// NewJournal creates a journal rooted at baseDir.
func NewJournal(baseDir string, bufferSize int, maxSizeMB int) *Journal {
	return &Journal{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		writers:    make(map[string]*JSONLWriter),
	}
}

// Record queues e on the chart's writer.
func (j *Journal) Record(e Entry) error {
	w := j.writer(e.ChartID)
	if w == nil {
		return ErrClosed
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return w.Write(e)
}

func (j *Journal) writer(chartID string) *JSONLWriter {
	seg := SafeSegment(chartID)

	j.mu.RLock()
	if w, ok := j.writers[seg]; ok {
		j.mu.RUnlock()
		return w
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	if w, ok := j.writers[seg]; ok {
		return w
	}
	w := NewJSONLWriter(j.baseDir, journalSubDir, seg, j.bufferSize, j.maxSizeMB)
	j.writers[seg] = w
	slog.Debug("journal writer created", "chart_id", chartID, "file", seg)
	return w
}

// Close flushes and closes all writers.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var errs []error
	for seg, w := range j.writers {
		if err := w.Close(); err != nil {
			slog.Error("journal writer close failed", "file", seg, "error", err)
			errs = append(errs, err)
		}
	}
	j.writers = make(map[string]*JSONLWriter)
	j.closed = true
	return errors.Join(errs...)
}
