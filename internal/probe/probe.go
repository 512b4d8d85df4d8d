// Package probe reads attribution snapshots from chart tabs without attaching
// the controller, and prints the pass the controller would run.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/catalog"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_attrib/internal/overlay"
)

// Options configures a probe run.
type Options struct {
	CDPURL      string
	TabFilter   string
	ChartID     string
	Engine      string
	CatalogFile string
	Timeout     time.Duration

	// DryRun skips the browser and simulates a pass over the snapshot read
	// from SnapshotFile ("-" is stdin).
	DryRun       bool
	SnapshotFile string
	Teardown     bool
}

// Result is the report for one chart.
type Result struct {
	ChartID  string                  `json:"chart_id"`
	TargetID string                  `json:"target_id,omitempty"`
	URL      string                  `json:"url,omitempty"`
	Engine   *cdpcontrol.EngineProbe `json:"engine,omitempty"`
	Plan     *attribution.Plan       `json:"plan,omitempty"`
	Labels   []overlay.Label         `json:"labels,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

type probeTarget struct {
	ID      target.ID
	ChartID string
	URL     string
}

// Run executes the probe and writes indented JSON results to w.
func Run(ctx context.Context, w io.Writer, stdin io.Reader, opts Options) error {
	table, err := catalog.FromFile(opts.CatalogFile)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	var results []Result
	if opts.DryRun {
		snap, err := readSnapshot(opts.SnapshotFile, stdin)
		if err != nil {
			return err
		}
		chartID := opts.ChartID
		if chartID == "" {
			chartID = "dry-run"
		}
		results = []Result{Simulate(ctx, table, chartID, snap, opts.Teardown)}
	} else {
		results, err = runLive(ctx, table, opts)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// Simulate runs a full synchronizer pass over snap against an in-memory chart.
func Simulate(ctx context.Context, cat attribution.Catalog, chartID string, snap attribution.ChartSnapshot, teardown bool) Result {
	res := Result{ChartID: chartID}
	host := overlay.NewMemoryHost()
	ins, err := overlay.NewInserter(host, overlay.DefaultTemplate())
	if err != nil {
		res.Error = err.Error()
		return res
	}
	syncer, err := attribution.New(ctx, cat, ins, overlay.NewRenderer(host),
		attribution.WithTeardown(teardown),
		attribution.WithChartID(chartID),
	)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	plan, err := syncer.OnDataSetCreated(ctx, snap)
	if err != nil {
		res.Error = err.Error()
	}
	st := syncer.Status()
	res.Plan = &plan
	res.Labels = append([]overlay.Label{st.Main}, st.Labels...)
	return res
}

func readSnapshot(path string, stdin io.Reader) (attribution.ChartSnapshot, error) {
	var data []byte
	var err error
	switch path {
	case "":
		return attribution.ChartSnapshot{}, fmt.Errorf("dry run needs a snapshot file")
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return attribution.ChartSnapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap attribution.ChartSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return attribution.ChartSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func runLive(ctx context.Context, cat attribution.Catalog, opts Options) ([]Result, error) {
	slog.Info("probe start", "cdp_url", opts.CDPURL, "tab_url_filter", opts.TabFilter, "engine", opts.Engine)

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, opts.CDPURL)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	if err := chromedp.Run(browserCtx); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return nil, fmt.Errorf("enumerate targets: %w", err)
	}

	matches := filterTargets(targets, opts.TabFilter, opts.ChartID)
	if len(matches) == 0 {
		slog.Warn("probe found no matching tabs", "tab_url_filter", opts.TabFilter, "chart_id", opts.ChartID)
		return []Result{}, nil
	}

	results := make([]Result, 0, len(matches))
	for _, tab := range matches {
		results = append(results, probeTab(ctx, allocCtx, cat, tab, opts))
	}
	return results, nil
}

func probeTab(ctx, allocCtx context.Context, cat attribution.Catalog, tab probeTarget, opts Options) Result {
	res := Result{ChartID: tab.ChartID, TargetID: string(tab.ID), URL: tab.URL}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(tab.ID))
	defer tabCancel()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		tabCtx, cancel = context.WithTimeout(tabCtx, opts.Timeout)
		defer cancel()
	}

	var probeRaw, snapRaw string
	if err := chromedp.Run(tabCtx,
		chromedp.Evaluate(cdpcontrol.ProbeScript(opts.Engine), &probeRaw),
		chromedp.Evaluate(cdpcontrol.SnapshotScript(opts.Engine), &snapRaw),
	); err != nil {
		res.Error = err.Error()
		slog.Warn("probe evaluate failed", "chart_id", tab.ChartID, "error", err)
		return res
	}

	if engine, err := cdpcontrol.DecodeProbe(probeRaw); err == nil {
		res.Engine = &engine
	}
	snap, err := cdpcontrol.DecodeSnapshot(snapRaw)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	plan := attribution.Reconcile(cat, "", snap)
	res.Plan = &plan
	slog.Info("probe complete", "chart_id", tab.ChartID, "commands", len(plan.Commands), "skipped", len(plan.Skipped))
	return res
}

func filterTargets(targets []*target.Info, urlFilter, chartID string) []probeTarget {
	filter := strings.ToLower(urlFilter)
	matches := make([]probeTarget, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(t.URL), filter) {
			continue
		}
		id := cdpcontrol.ChartIDFor(t)
		if chartID != "" && id != chartID {
			continue
		}
		matches = append(matches, probeTarget{ID: t.TargetID, ChartID: id, URL: t.URL})
	}
	return matches
}
