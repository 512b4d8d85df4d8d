package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tv_attrib/internal/api"
	"github.com/dgnsrekt/tv_attrib/internal/bridge"
	"github.com/dgnsrekt/tv_attrib/internal/catalog"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_attrib/internal/config"
	"github.com/dgnsrekt/tv_attrib/internal/controller"
	"github.com/dgnsrekt/tv_attrib/internal/netutil"
	"github.com/dgnsrekt/tv_attrib/internal/overlay"
	"github.com/dgnsrekt/tv_attrib/internal/snapshot"
	"github.com/dgnsrekt/tv_attrib/internal/storage"
)

const refreshInterval = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("attrib_controller config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"tab_url_filter", cfg.TabURLFilter,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"engine_expr", cfg.EngineExpr,
		"binding", cfg.BindingName,
		"teardown", cfg.Teardown,
		"auto_attach", cfg.AutoAttach,
		"catalog_file", cfg.CatalogFile,
		"journal_dir", cfg.JournalDir,
		"capture_dir", cfg.CaptureDir,
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	table, err := catalog.FromFile(cfg.CatalogFile)
	if err != nil {
		slog.Error("failed to load catalog", "file", cfg.CatalogFile, "error", err)
		os.Exit(1)
	}
	cat := catalog.New(table)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, netutil.CandidateAddrs(cfg.BindHost(), cfg.PortCandidates), cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	cdpClient := cdpcontrol.NewClient(cfg.CDPURL(), cfg.TabURLFilter, time.Duration(cfg.EvalTimeoutMS)*time.Millisecond)
	if err := cdpClient.Connect(ctx); err != nil {
		slog.Error("failed to connect CDP", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	captures, err := snapshot.NewStore(cfg.CaptureDir)
	if err != nil {
		slog.Error("failed to create capture store", "dir", cfg.CaptureDir, "error", err)
		os.Exit(1)
	}

	journal := storage.NewJournal(cfg.JournalDir, cfg.JournalBufferLen, cfg.JournalMaxMB)
	defer func() {
		if err := journal.Close(); err != nil {
			slog.Warn("journal close failed", "error", err)
		}
	}()

	broker := bridge.NewBroker()
	hosts := func(chartID string) overlay.Host {
		return cdpcontrol.NewChartHost(cdpClient, chartID, cfg.EngineExpr)
	}
	svc := controller.NewService(cdpClient, hosts, cat, controller.Options{
		Engine:   cfg.EngineExpr,
		Binding:  cfg.BindingName,
		Teardown: cfg.Teardown,
		Journal:  journal,
		Events:   broker,
		Captures: captures,
	})

	feed := bridge.New(cfg.BindingName, svc)
	if err := feed.Start(ctx, cdpClient); err != nil {
		slog.Error("failed to start dataset bridge", "error", err)
		os.Exit(1)
	}
	defer feed.Stop()
	svc.OnDetach(feed.Forget)

	if cfg.CatalogFile != "" && cfg.WatchCatalog {
		watcher, err := catalog.NewWatcher(cfg.CatalogFile, cat, func(t catalog.Table, err error) {
			if err != nil {
				return
			}
			svc.CatalogChanged(ctx, t.Entries())
		})
		if err != nil {
			slog.Error("failed to create catalog watcher", "file", cfg.CatalogFile, "error", err)
			os.Exit(1)
		}
		if err := watcher.Start(ctx); err != nil {
			slog.Error("failed to start catalog watcher", "file", cfg.CatalogFile, "error", err)
			os.Exit(1)
		}
		defer watcher.Stop()
	}

	if cfg.AutoAttach {
		go autoAttach(ctx, svc)
	}

	h := api.NewServer(svc, api.Feed{Broker: broker, Stats: feed.Stats})
	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("attrib_controller listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("attrib_controller server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("attrib_controller shutdown failed", "error", err)
	}
}

// autoAttach keeps every chart tab attached until ctx is done.
func autoAttach(ctx context.Context, svc *controller.Service) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		if _, err := svc.Refresh(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("chart refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
