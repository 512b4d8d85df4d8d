package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/tv_attrib/internal/config"
	"github.com/dgnsrekt/tv_attrib/internal/probe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "attrib_probe config: %v\n", err)
		os.Exit(1)
	}

	cdpURL := flag.String("cdp", cfg.CDPURL(), "CDP HTTP endpoint")
	filter := flag.String("filter", cfg.TabURLFilter, "only probe tabs whose URL contains this")
	chartID := flag.String("chart", "", "only probe this chart id")
	engine := flag.String("engine", cfg.EngineExpr, "JS expression yielding the chart engine")
	catalogFile := flag.String("catalog", cfg.CatalogFile, "YAML catalog override file")
	timeout := flag.Duration("timeout", time.Duration(cfg.EvalTimeoutMS)*time.Millisecond, "per-tab evaluation timeout")
	dryRun := flag.Bool("dry-run", false, "simulate a pass over -snapshot without a browser")
	snapFile := flag.String("snapshot", "", "snapshot JSON for -dry-run (- for stdin)")
	teardown := flag.Bool("teardown", cfg.Teardown, "simulate with label teardown enabled")
	verbose := flag.Bool("v", false, "debug logging on stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := probe.Options{
		CDPURL:       *cdpURL,
		TabFilter:    *filter,
		ChartID:      *chartID,
		Engine:       *engine,
		CatalogFile:  *catalogFile,
		Timeout:      *timeout,
		DryRun:       *dryRun,
		SnapshotFile: *snapFile,
		Teardown:     *teardown,
	}
	if err := probe.Run(ctx, os.Stdout, os.Stdin, opts); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "attrib_probe failed: %v\n", err)
		os.Exit(1)
	}
}
