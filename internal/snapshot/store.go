// Package snapshot stores captured chart snapshots on disk so a pass can be
// replayed or inspected after the chart has moved on.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
)

const (
	metaSuffix = ".meta.json"
	dataSuffix = ".snapshot.json"
)

// CaptureMeta describes a stored capture.
type CaptureMeta struct {
	ID         string    `json:"id"`
	ChartID    string    `json:"chart_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAttrib string    `json:"last_attrib,omitempty"`
	Studies    int       `json:"studies"`
	Panels     int       `json:"panels"`
	Markers    int       `json:"markers"`
	SizeBytes  int       `json:"size_bytes"`
	Notes      string    `json:"notes,omitempty"`
}

// Capture is a stored snapshot with its metadata.
type Capture struct {
	CaptureMeta
	Snapshot attribution.ChartSnapshot `json:"snapshot"`
}

var (
	// ErrNotFound is wrapped by lookups of unknown ids.
	ErrNotFound = errors.New("capture not found")
	// ErrInvalidID is wrapped when an id is not a canonical uuid.
	ErrInvalidID = errors.New("invalid capture id")
)

// Store manages capture files on disk.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// NewID returns a fresh capture id.
func NewID() string { return uuid.NewString() }

func (s *Store) validateID(id string) error {
	// Only the canonical lowercase form names a file.
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Save writes the snapshot and its metadata sidecar. Counts and size in meta
// are filled from snap.
func (s *Store) Save(meta CaptureMeta, snap attribution.ChartSnapshot) (CaptureMeta, error) {
	if err := s.validateID(meta.ID); err != nil {
		return CaptureMeta{}, err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return CaptureMeta{}, fmt.Errorf("snapshot store: marshal snapshot: %w", err)
	}
	meta.Studies = len(snap.Studies)
	meta.Panels = len(snap.Panels)
	meta.Markers = len(snap.Markers)
	meta.SizeBytes = len(data)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dataPath := filepath.Join(s.dir, meta.ID+dataSuffix)
	metaPath := filepath.Join(s.dir, meta.ID+metaSuffix)

	if err := os.WriteFile(dataPath, data, 0o644); err != nil {
		return CaptureMeta{}, fmt.Errorf("snapshot store: write snapshot: %w", err)
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(dataPath)
		return CaptureMeta{}, fmt.Errorf("snapshot store: marshal meta: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
		_ = os.Remove(dataPath)
		return CaptureMeta{}, fmt.Errorf("snapshot store: write meta: %w", err)
	}
	return meta, nil
}

// GetMeta reads capture metadata by ID.
func (s *Store) GetMeta(id string) (CaptureMeta, error) {
	if err := s.validateID(id); err != nil {
		return CaptureMeta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMetaLocked(id)
}

func (s *Store) readMetaLocked(id string) (CaptureMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+metaSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return CaptureMeta{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return CaptureMeta{}, fmt.Errorf("snapshot store: read meta: %w", err)
	}
	var meta CaptureMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return CaptureMeta{}, fmt.Errorf("snapshot store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// Get reads a capture with its snapshot.
func (s *Store) Get(id string) (Capture, error) {
	if err := s.validateID(id); err != nil {
		return Capture{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.readMetaLocked(id)
	if err != nil {
		return Capture{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id+dataSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return Capture{}, fmt.Errorf("%w: snapshot data for %s", ErrNotFound, id)
		}
		return Capture{}, fmt.Errorf("snapshot store: read snapshot: %w", err)
	}
	out := Capture{CaptureMeta: meta}
	if err := json.Unmarshal(data, &out.Snapshot); err != nil {
		return Capture{}, fmt.Errorf("snapshot store: unmarshal snapshot: %w", err)
	}
	return out, nil
}

// List returns capture metadata, newest first. A non-empty chartID restricts
// the list to that chart.
func (s *Store) List(chartID string) ([]CaptureMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+metaSuffix))
	if err != nil {
		return nil, fmt.Errorf("snapshot store: glob: %w", err)
	}

	metas := make([]CaptureMeta, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta CaptureMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if chartID != "" && meta.ChartID != chartID {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// Delete removes both capture files.
func (s *Store) Delete(id string) error {
	if err := s.validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMetaLocked(id); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, id+dataSuffix)); err != nil {
		slog.Debug("capture snapshot cleanup failed", "id", id, "error", err)
	}
	if err := os.Remove(filepath.Join(s.dir, id+metaSuffix)); err != nil {
		return fmt.Errorf("snapshot store: remove meta: %w", err)
	}
	return nil
}
