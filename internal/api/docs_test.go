package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/catalog"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_attrib/internal/controller"
	"github.com/dgnsrekt/tv_attrib/internal/snapshot"
)

// stubService answers every call with zero values unless a hook is set.
type stubService struct {
	attachErr error
	planSnap  *attribution.ChartSnapshot
	planChart string
	setSource [2]string
	replay    struct {
		id, chartID string
		apply       bool
	}
}

func (s *stubService) ListCharts(ctx context.Context) ([]cdpcontrol.ChartInfo, error) {
	return []cdpcontrol.ChartInfo{{ChartID: "abc", TargetID: "T1", URL: "https://example.test/chart/abc/"}}, nil
}
func (s *stubService) ListAttached() []controller.ChartStatus { return []controller.ChartStatus{} }
func (s *stubService) Refresh(ctx context.Context) ([]controller.ChartStatus, error) {
	return []controller.ChartStatus{}, nil
}
func (s *stubService) Attach(ctx context.Context, chartID string) (controller.ChartStatus, error) {
	if s.attachErr != nil {
		return controller.ChartStatus{}, s.attachErr
	}
	return controller.ChartStatus{ChartID: chartID}, nil
}
func (s *stubService) Detach(ctx context.Context, chartID string) error { return nil }
func (s *stubService) Status(chartID string) (controller.ChartStatus, error) {
	return controller.ChartStatus{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeNotAttached, Message: "chart " + chartID + " is not attached"}
}
func (s *stubService) Sync(ctx context.Context, chartID string) (controller.PassResult, error) {
	return controller.PassResult{ChartID: chartID, Trigger: controller.TriggerSync}, nil
}
func (s *stubService) Plan(ctx context.Context, chartID string, snap *attribution.ChartSnapshot) (attribution.Plan, error) {
	s.planChart = chartID
	s.planSnap = snap
	return attribution.Reconcile(catalog.Defaults(), "", *snap), nil
}
func (s *stubService) Catalog() catalog.Entries { return catalog.Defaults().Entries() }
func (s *stubService) SetSource(ctx context.Context, id, text string) (catalog.Entries, error) {
	s.setSource = [2]string{id, text}
	return catalog.Defaults().WithSource(id, text).Entries(), nil
}
func (s *stubService) SetExchange(ctx context.Context, id, text string) (catalog.Entries, error) {
	return catalog.Entries{}, nil
}
func (s *stubService) DeleteSource(ctx context.Context, id string) (catalog.Entries, error) {
	return catalog.Entries{}, nil
}
func (s *stubService) DeleteExchange(ctx context.Context, id string) (catalog.Entries, error) {
	return catalog.Entries{}, nil
}
func (s *stubService) Capture(ctx context.Context, chartID, notes string) (snapshot.CaptureMeta, error) {
	return snapshot.CaptureMeta{ChartID: chartID, Notes: notes}, nil
}
func (s *stubService) ListCaptures(chartID string) ([]snapshot.CaptureMeta, error) {
	return []snapshot.CaptureMeta{}, nil
}
func (s *stubService) GetCapture(id string) (snapshot.Capture, error) {
	return snapshot.Capture{}, &cdpcontrol.CodedError{Code: cdpcontrol.CodeCaptureNotFound, Message: "capture not found"}
}
func (s *stubService) DeleteCapture(id string) error { return nil }
func (s *stubService) ReplayCapture(ctx context.Context, id, chartID string, apply bool) (controller.ReplayResult, error) {
	s.replay.id, s.replay.chartID, s.replay.apply = id, chartID, apply
	return controller.ReplayResult{CaptureID: id, ChartID: chartID, Applied: apply}, nil
}

func TestDocsDarkMode(t *testing.T) {
	h := NewServer(&stubService{}, Feed{})
	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}
