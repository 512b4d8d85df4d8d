package snapshot

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
)

func testSnapshot() attribution.ChartSnapshot {
	return attribution.ChartSnapshot{
		Provenance: &attribution.Provenance{Source: "xignite", Exchange: "DELAYED"},
		Studies:    []attribution.StudyDescriptor{{ID: "s1", Type: "Twiggs", Panel: "s1"}},
		Panels:     []string{attribution.MainPanel, "s1"},
		Markers:    []attribution.MarkerRecord{{PanelName: attribution.MainPanel, Label: "attribution"}},
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "captures"))
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}
	id := NewID()
	meta, err := store.Save(CaptureMeta{ID: id, ChartID: "abc", Notes: "before reload"}, testSnapshot())
	if err != nil {
		t.Fatalf("Save() = %v", err)
	}
	if meta.Studies != 1 || meta.Panels != 2 || meta.Markers != 1 || meta.SizeBytes == 0 || meta.CreatedAt.IsZero() {
		t.Fatalf("meta = %+v", meta)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.ChartID != "abc" || got.Notes != "before reload" {
		t.Fatalf("meta = %+v", got.CaptureMeta)
	}
	if got.Snapshot.Provenance == nil || got.Snapshot.Provenance.Exchange != "DELAYED" || !got.Snapshot.HasPanel("s1") {
		t.Fatalf("snapshot = %+v", got.Snapshot)
	}
}

func TestListNewestFirstAndFiltered(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ids := []string{NewID(), NewID(), NewID()}
	charts := []string{"a", "b", "a"}
	for i, id := range ids {
		if _, err := store.Save(CaptureMeta{ID: id, ChartID: charts[i], CreatedAt: base.Add(time.Duration(i) * time.Minute)}, testSnapshot()); err != nil {
			t.Fatalf("Save() = %v", err)
		}
	}

	all, err := store.List("")
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Fatalf("List() order = %+v", all)
	}
	onlyA, _ := store.List("a")
	if len(onlyA) != 2 {
		t.Fatalf("List(a) = %d entries; want 2", len(onlyA))
	}
}

func TestInvalidAndMissingIDs(t *testing.T) {
	store, _ := NewStore(t.TempDir())
	for _, id := range []string{"", "../etc/passwd", "123E4567-E89B-12D3-A456-426614174000", "{123e4567-e89b-12d3-a456-426614174000}"} {
		if _, err := store.Get(id); err == nil || !strings.Contains(err.Error(), "invalid capture id") {
			t.Fatalf("Get(%q) = %v; want invalid id", id, err)
		}
	}
	_, err := store.Get("123e4567-e89b-12d3-a456-426614174000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) = %v; want ErrNotFound", err)
	}
	if err := store.Delete("123e4567-e89b-12d3-a456-426614174000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete(missing) = %v; want ErrNotFound", err)
	}
}

func TestDeleteLogsSnapshotCleanupFailureWhenDataMissing(t *testing.T) {
	dir := t.TempDir()
	store := &Store{dir: dir}
	id := "123e4567-e89b-12d3-a456-426614174000"
	if err := os.WriteFile(filepath.Join(dir, id+metaSuffix), []byte(`{"id":"`+id+`"}`), 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete() = %v; want nil", err)
	}
	if !strings.Contains(buf.String(), "capture snapshot cleanup failed") {
		t.Fatalf("expected cleanup debug log, got %q", buf.String())
	}
	if _, err := os.Stat(filepath.Join(dir, id+metaSuffix)); !os.IsNotExist(err) {
		t.Fatalf("meta file still present: %v", err)
	}
}
