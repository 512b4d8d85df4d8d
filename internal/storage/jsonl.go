package storage

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("writer is closed")
	// ErrBufferFull is returned when the write queue is full; the record is dropped.
	ErrBufferFull = errors.New("buffer full")
)

// JSONLWriter appends JSON lines asynchronously to
// baseDir/<UTC date>/subDir/fileBase.jsonl, rotating by size with lumberjack.
type JSONLWriter struct {
	baseDir     string
	subDir      string
	fileBase    string
	maxSizeMB   int
	writeCh     chan any
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	currentDate string
	logger      *lumberjack.Logger
	mu          sync.Mutex
	now         func() time.Time
}

// NewJSONLWriter creates a writer and starts its write loop.
func NewJSONLWriter(baseDir, subDir, fileBase string, bufferSize int, maxSizeMB int) *JSONLWriter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		subDir:    subDir,
		fileBase:  fileBase,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
		now:       time.Now,
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// Write queues a record without blocking.
func (w *JSONLWriter) Write(record any) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.writeCh <- record:
		return nil
	default:
		slog.Warn("jsonl write buffer full, dropping record", "subdir", w.subDir, "file", w.fileBase)
		return ErrBufferFull
	}
}

// Close stops the writer after flushing queued records.
func (w *JSONLWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()

		// Drain what the loop left behind.
		for {
			select {
			case record := <-w.writeCh:
				w.writeRecord(record)
				continue
			default:
			}
			break
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.logger != nil {
			err = w.logger.Close()
		}
	})
	return err
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			return
		}
	}
}

func (w *JSONLWriter) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("jsonl marshal failed", "error", err, "subdir", w.subDir)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	currentDate := w.now().UTC().Format("2006-01-02")
	if currentDate != w.currentDate || w.logger == nil {
		w.rotateForDate(currentDate)
	}
	if w.logger == nil {
		return
	}

	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("jsonl write failed", "error", err, "subdir", w.subDir)
	}
}

func (w *JSONLWriter) rotateForDate(date string) {
	if w.logger != nil {
		w.logger.Close()
		w.logger = nil
	}

	dir := filepath.Join(w.baseDir, date, w.subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("jsonl create output directory failed", "error", err, "dir", dir)
		return
	}

	filename := filepath.Join(dir, w.fileBase+".jsonl")
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		Compress:   false,
		LocalTime:  false,
	}

	w.currentDate = date
	slog.Info("jsonl file opened", "file", filename, "subdir", w.subDir)
}
