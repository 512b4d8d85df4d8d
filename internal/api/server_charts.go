package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tv_attrib/internal/attribution"
	"github.com/dgnsrekt/tv_attrib/internal/cdpcontrol"
	"github.com/dgnsrekt/tv_attrib/internal/controller"
)

func registerChartHandlers(api huma.API, svc Service) {
	type listChartsOutput struct {
		Body struct {
			Charts []cdpcontrol.ChartInfo `json:"charts"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-charts", Method: http.MethodGet, Path: "/api/v1/charts", Summary: "List chart tabs in the browser", Tags: []string{"Charts"}},
		func(ctx context.Context, input *struct{}) (*listChartsOutput, error) {
			charts, err := svc.ListCharts(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listChartsOutput{}
			out.Body.Charts = charts
			return out, nil
		})

	type attachedOutput struct {
		Body struct {
			Charts []controller.ChartStatus `json:"charts"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-attached", Method: http.MethodGet, Path: "/api/v1/attached", Summary: "List attached charts with their labels", Tags: []string{"Charts"}},
		func(ctx context.Context, input *struct{}) (*attachedOutput, error) {
			out := &attachedOutput{}
			out.Body.Charts = svc.ListAttached()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "refresh-charts", Method: http.MethodPost, Path: "/api/v1/charts/refresh", Summary: "Attach new chart tabs and forget closed ones", Tags: []string{"Charts"}},
		func(ctx context.Context, input *struct{}) (*attachedOutput, error) {
			charts, err := svc.Refresh(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &attachedOutput{}
			out.Body.Charts = charts
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "attach-chart", Method: http.MethodPost, Path: "/api/v1/charts/{chart_id}/attach", Summary: "Install the dataset hook and the main attribution label", Tags: []string{"Charts"}},
		func(ctx context.Context, input *chartIDInput) (*chartStatusOutput, error) {
			st, err := svc.Attach(ctx, input.ChartID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &chartStatusOutput{Body: st}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "detach-chart", Method: http.MethodDelete, Path: "/api/v1/charts/{chart_id}/attach", Summary: "Remove the dataset hook and every attribution label", Tags: []string{"Charts"}},
		func(ctx context.Context, input *chartIDInput) (*statusOutput, error) {
			if err := svc.Detach(ctx, input.ChartID); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.ChartID = input.ChartID
			out.Body.Status = "detached"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "chart-status", Method: http.MethodGet, Path: "/api/v1/charts/{chart_id}/status", Summary: "Attribution state of an attached chart", Tags: []string{"Charts"}},
		func(ctx context.Context, input *chartIDInput) (*chartStatusOutput, error) {
			st, err := svc.Status(input.ChartID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &chartStatusOutput{Body: st}, nil
		})

	type passOutput struct {
		Body controller.PassResult
	}
	huma.Register(api, huma.Operation{OperationID: "sync-chart", Method: http.MethodPost, Path: "/api/v1/charts/{chart_id}/sync", Summary: "Read the chart snapshot and run a pass", Tags: []string{"Charts"}},
		func(ctx context.Context, input *chartIDInput) (*passOutput, error) {
			res, err := svc.Sync(ctx, input.ChartID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &passOutput{Body: res}, nil
		})

	type planOutput struct {
		Body attribution.Plan
	}
	huma.Register(api, huma.Operation{OperationID: "plan-chart", Method: http.MethodGet, Path: "/api/v1/charts/{chart_id}/plan", Summary: "Dry run a pass over the chart's current snapshot", Tags: []string{"Charts"}},
		func(ctx context.Context, input *chartIDInput) (*planOutput, error) {
			plan, err := svc.Plan(ctx, input.ChartID, nil)
			if err != nil {
				return nil, mapErr(err)
			}
			return &planOutput{Body: plan}, nil
		})

	type planInput struct {
		Body struct {
			ChartID  string                    `json:"chart_id,omitempty" doc:"Attached chart whose main label text is compared against"`
			Snapshot attribution.ChartSnapshot `json:"snapshot" doc:"Chart snapshot to plan against"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "plan-snapshot", Method: http.MethodPost, Path: "/api/v1/plan", Summary: "Dry run a pass over a posted snapshot", Tags: []string{"Charts"}},
		func(ctx context.Context, input *planInput) (*planOutput, error) {
			plan, err := svc.Plan(ctx, input.Body.ChartID, &input.Body.Snapshot)
			if err != nil {
				return nil, mapErr(err)
			}
			return &planOutput{Body: plan}, nil
		})
}
