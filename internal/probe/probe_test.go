package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/catalog"
)

const sampleSnapshot = `{
  "provenance": {"source": "xignite", "exchange": "DELAYED"},
  "studies": [
    {"id": "tmf", "type": "Twiggs", "panel": "study_1"},
    {"id": "rsi", "type": "RSI", "panel": "study_2"}
  ],
  "panels": ["chart", "study_1", "study_2"],
  "markers": []
}`

func TestSimulateAppliesPass(t *testing.T) {
	var snap attribution.ChartSnapshot
	if err := json.Unmarshal([]byte(sampleSnapshot), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res := Simulate(context.Background(), catalog.Defaults(), "c1", snap, false)
	if res.Error != "" {
		t.Fatalf("Simulate() error = %s", res.Error)
	}
	if res.Plan == nil || len(res.Plan.Commands) != 2 {
		t.Fatalf("plan = %+v; want update + one create", res.Plan)
	}
	if len(res.Labels) != 2 || res.Labels[0].Panel != attribution.MainPanel || res.Labels[1].Panel != "study_1" {
		t.Fatalf("labels = %+v", res.Labels)
	}
	if !strings.Contains(res.Labels[0].Text(), "Xignite") || !strings.HasSuffix(res.Labels[0].Text(), "Data delayed 15 min.") {
		t.Fatalf("main text = %q", res.Labels[0].Text())
	}
}

func TestRunDryRunFromStdin(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), &out, strings.NewReader(sampleSnapshot), Options{DryRun: true, SnapshotFile: "-", ChartID: "abc"})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	var results []Result
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if len(results) != 1 || results[0].ChartID != "abc" || results[0].Plan == nil {
		t.Fatalf("results = %+v", results)
	}
}

func TestRunDryRunUsesCatalogFile(t *testing.T) {
	dir := t.TempDir()
	catPath := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(catPath, []byte("sources:\n  RSI: \"RSI formula.\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	snapPath := filepath.Join(dir, "snap.json")
	if err := os.WriteFile(snapPath, []byte(sampleSnapshot), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := Run(context.Background(), &out, nil, Options{DryRun: true, SnapshotFile: snapPath, CatalogFile: catPath}); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	var results []Result
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := len(results[0].Labels); got != 3 {
		t.Fatalf("labels = %d; want main + two studies", got)
	}
}

func TestRunDryRunNeedsSnapshot(t *testing.T) {
	err := Run(context.Background(), &bytes.Buffer{}, nil, Options{DryRun: true})
	if err == nil || !strings.Contains(err.Error(), "snapshot file") {
		t.Fatalf("Run() = %v; want missing snapshot error", err)
	}
}

func TestFilterTargets(t *testing.T) {
	targets := []*target.Info{
		{TargetID: "T1", Type: "page", URL: "https://charts.example/chart/abc/"},
		{TargetID: "T2", Type: "page", URL: "https://charts.example/chart/def/"},
		{TargetID: "T3", Type: "service_worker", URL: "https://charts.example/sw.js"},
		{TargetID: "T4", Type: "page", URL: "https://other.example/"},
	}

	got := filterTargets(targets, "CHARTS.example", "")
	if len(got) != 2 || got[0].ChartID != "abc" || got[1].ChartID != "def" {
		t.Fatalf("filterTargets(filter) = %+v", got)
	}

	got = filterTargets(targets, "", "def")
	if len(got) != 1 || got[0].ID != "T2" {
		t.Fatalf("filterTargets(chart) = %+v", got)
	}

	got = filterTargets(targets, "", "")
	if len(got) != 3 || got[2].ChartID != "T4" {
		t.Fatalf("filterTargets(all) = %+v", got)
	}
}
