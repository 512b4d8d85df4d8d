package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tv_attrib/internal/bridge"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	h := NewServer(&stubService{}, Feed{})
	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestDeepHealthReportsFeed(t *testing.T) {
	broker := bridge.NewBroker()
	h := NewServer(&stubService{}, Feed{Broker: broker, Stats: func() bridge.Stats { return bridge.Stats{Received: 7} }})

	w := do(t, h, http.MethodGet, "/api/v1/health/deep", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got struct {
		Sources int `json:"catalog_sources"`
		Bridge  struct {
			Received int64 `json:"received"`
		} `json:"bridge"`
	}
	decode(t, w, &got)
	if got.Sources != 4 || got.Bridge.Received != 7 {
		t.Fatalf("deep health = %+v", got)
	}
}

func TestEventsRouteNeedsBroker(t *testing.T) {
	h := NewServer(&stubService{}, Feed{})
	if w := do(t, h, http.MethodGet, "/api/v1/events", ""); w.Code != http.StatusNotFound {
		t.Fatalf("events without broker = %d; want 404", w.Code)
	}
}

func TestAttachRoute(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Feed{})

	w := do(t, h, http.MethodPost, "/api/v1/charts/abc/attach", "")
	if w.Code != http.StatusOK {
		t.Fatalf("attach = %d: %s", w.Code, w.Body.String())
	}
	var st struct {
		ChartID string `json:"chart_id"`
	}
	decode(t, w, &st)
	if st.ChartID != "abc" {
		t.Fatalf("chart_id = %q", st.ChartID)
	}

	svc.attachErr = &cdpcontrol.CodedError{Code: cdpcontrol.CodeCDPUnavailable, Message: "browser gone"}
	if w := do(t, h, http.MethodPost, "/api/v1/charts/abc/attach", ""); w.Code != http.StatusBadGateway {
		t.Fatalf("attach with CDP down = %d; want 502", w.Code)
	}
}

func TestErrorCodesReachClients(t *testing.T) {
	h := NewServer(&stubService{}, Feed{})

	if w := do(t, h, http.MethodGet, "/api/v1/charts/abc/status", ""); w.Code != http.StatusConflict {
		t.Fatalf("status of unattached chart = %d; want 409", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/captures/0b6f7d4e-3f2a-4c1e-9c57-2b8f0e6a1d11", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing capture = %d; want 404", w.Code)
	}
}

func TestPlanSnapshotRoute(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Feed{})

	body := `{"chart_id":"abc","snapshot":{"provenance":{"source":"demo","exchange":"EOD"},
		"studies":[{"type":"Twiggs","panel":"study_1"}],
		"panels":["chart","study_1"],
		"markers":[{"panel_name":"chart","label":"attribution"}]}}`
	w := do(t, h, http.MethodPost, "/api/v1/plan", body)
	if w.Code != http.StatusOK {
		t.Fatalf("plan = %d: %s", w.Code, w.Body.String())
	}
	var plan struct {
		Commands []struct {
			Kind   string `json:"kind"`
			Panel  string `json:"panel"`
			Source string `json:"source"`
		} `json:"commands"`
	}
	decode(t, w, &plan)
	if len(plan.Commands) != 2 || plan.Commands[0].Kind != "update" || plan.Commands[1].Panel != "study_1" {
		t.Fatalf("plan = %+v", plan)
	}
	if svc.planChart != "abc" || svc.planSnap == nil || svc.planSnap.Provenance.Source != "demo" {
		t.Fatalf("service got chart %q snap %+v", svc.planChart, svc.planSnap)
	}
}

func TestCatalogRoutes(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Feed{})

	w := do(t, h, http.MethodPut, "/api/v1/catalog/sources/custom", `{"text":"Custom feed."}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set source = %d: %s", w.Code, w.Body.String())
	}
	if svc.setSource != [2]string{"custom", "Custom feed."} {
		t.Fatalf("SetSource got %v", svc.setSource)
	}
	var entries struct {
		Sources map[string]string `json:"sources"`
	}
	decode(t, w, &entries)
	if entries.Sources["custom"] != "Custom feed." || entries.Sources["demo"] != "Demo data." {
		t.Fatalf("sources = %v", entries.Sources)
	}

	if w := do(t, h, http.MethodGet, "/api/v1/catalog", ""); w.Code != http.StatusOK {
		t.Fatalf("get catalog = %d", w.Code)
	}
}

func TestReplayRoutePassesBody(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Feed{})

	w := do(t, h, http.MethodPost, "/api/v1/captures/cap-1/replay", `{"chart_id":"abc","apply":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("replay = %d: %s", w.Code, w.Body.String())
	}
	if svc.replay.id != "cap-1" || svc.replay.chartID != "abc" || !svc.replay.apply {
		t.Fatalf("replay args = %+v", svc.replay)
	}
}

func TestOpenAPIListsAttributionRoutes(t *testing.T) {
	h := NewServer(&stubService{}, Feed{})
	w := do(t, h, http.MethodGet, "/openapi.json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("openapi = %d", w.Code)
	}
	for _, path := range []string{"/api/v1/charts/{chart_id}/attach", "/api/v1/plan", "/api/v1/catalog/sources/{id}", "/api/v1/captures/{capture_id}/replay"} {
		if !strings.Contains(w.Body.String(), path) {
			t.Fatalf("openapi missing %s", path)
		}
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{cdpcontrol.CodeValidation, http.StatusBadRequest},
		{cdpcontrol.CodeChartNotFound, http.StatusNotFound},
		{cdpcontrol.CodeCaptureNotFound, http.StatusNotFound},
		{cdpcontrol.CodeNotAttached, http.StatusConflict},
		{cdpcontrol.CodeEvalTimeout, http.StatusGatewayTimeout},
		{cdpcontrol.CodeAPIUnavailable, http.StatusBadGateway},
		{cdpcontrol.CodeCDPUnavailable, http.StatusBadGateway},
		{cdpcontrol.CodeEvalFailure, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapErr(&cdpcontrol.CodedError{Code: tt.code, Message: "x"})
			var se huma.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("mapErr() = %T; want huma.StatusError", err)
			}
			if se.GetStatus() != tt.want {
				t.Fatalf("status = %d; want %d", se.GetStatus(), tt.want)
			}
		})
	}
	if mapErr(nil) != nil {
		t.Fatalf("mapErr(nil) != nil")
	}
}
