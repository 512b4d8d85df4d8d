package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/bridge"
	"github.com/dgnsrekt/tv_attrib/internal/catalog"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_attrib/internal/controller"
	"github.com/dgnsrekt/tv_attrib/internal/snapshot"
)

type Service interface {
	ListCharts(ctx context.Context) ([]cdpcontrol.ChartInfo, error)
	ListAttached() []controller.ChartStatus
	Refresh(ctx context.Context) ([]controller.ChartStatus, error)
	Attach(ctx context.Context, chartID string) (controller.ChartStatus, error)
	Detach(ctx context.Context, chartID string) error
	Status(chartID string) (controller.ChartStatus, error)
	Sync(ctx context.Context, chartID string) (controller.PassResult, error)
	Plan(ctx context.Context, chartID string, snap *attribution.ChartSnapshot) (attribution.Plan, error)
	Catalog() catalog.Entries
	SetSource(ctx context.Context, id, text string) (catalog.Entries, error)
	SetExchange(ctx context.Context, id, text string) (catalog.Entries, error)
	DeleteSource(ctx context.Context, id string) (catalog.Entries, error)
	DeleteExchange(ctx context.Context, id string) (catalog.Entries, error)
	Capture(ctx context.Context, chartID, notes string) (snapshot.CaptureMeta, error)
	ListCaptures(chartID string) ([]snapshot.CaptureMeta, error)
	GetCapture(id string) (snapshot.Capture, error)
	DeleteCapture(id string) error
	ReplayCapture(ctx context.Context, id, chartID string, apply bool) (controller.ReplayResult, error)
}

// Feed is the live side reported by the deep health check. Either field may be nil.
type Feed struct {
	Broker *bridge.Broker
	Stats  func() bridge.Stats
}

type chartIDInput struct {
	ChartID string `path:"chart_id"`
}

type chartStatusOutput struct {
	Body controller.ChartStatus
}

type statusOutput struct {
	Body struct {
		ChartID string `json:"chart_id"`
		Status  string `json:"status"`
	}
}

func NewServer(svc Service, feed Feed) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Chart Attribution Controller API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if feed.Broker != nil {
		router.Get("/api/v1/events", bridge.SSEHandler(feed.Broker))
	}

	registerHealthHandlers(api, svc, feed)
	registerChartHandlers(api, svc)
	registerCatalogHandlers(api, svc)
	registerCaptureHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeChartNotFound, cdpcontrol.CodeCaptureNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeNotAttached:
			return huma.Error409Conflict(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeAPIUnavailable, cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
