package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tv_attrib/internal/controller"
	"github.com/dgnsrekt/tv_attrib/internal/snapshot"
)

func registerCaptureHandlers(api huma.API, svc Service) {
	type captureMetaOutput struct {
		Body snapshot.CaptureMeta
	}

	huma.Register(api, huma.Operation{OperationID: "capture-chart", Method: http.MethodPost, Path: "/api/v1/charts/{chart_id}/captures", Summary: "Store the chart's current snapshot", Tags: []string{"Captures"}},
		func(ctx context.Context, input *struct {
			ChartID string `path:"chart_id"`
			Body    struct {
				Notes string `json:"notes,omitempty" doc:"Optional free-form notes"`
			}
		}) (*captureMetaOutput, error) {
			meta, err := svc.Capture(ctx, input.ChartID, input.Body.Notes)
			if err != nil {
				return nil, mapErr(err)
			}
			return &captureMetaOutput{Body: meta}, nil
		})

	type listCapturesOutput struct {
		Body struct {
			Captures []snapshot.CaptureMeta `json:"captures"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-captures", Method: http.MethodGet, Path: "/api/v1/captures", Summary: "List stored captures, newest first", Tags: []string{"Captures"}},
		func(ctx context.Context, input *struct {
			ChartID string `query:"chart_id" doc:"Optional chart filter"`
		}) (*listCapturesOutput, error) {
			metas, err := svc.ListCaptures(input.ChartID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listCapturesOutput{}
			out.Body.Captures = metas
			return out, nil
		})

	type captureIDInput struct {
		CaptureID string `path:"capture_id"`
	}

	huma.Register(api, huma.Operation{OperationID: "get-capture", Method: http.MethodGet, Path: "/api/v1/captures/{capture_id}", Summary: "Get a capture with its snapshot", Tags: []string{"Captures"}},
		func(ctx context.Context, input *captureIDInput) (*struct{ Body snapshot.Capture }, error) {
			c, err := svc.GetCapture(input.CaptureID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body snapshot.Capture }{Body: c}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-capture", Method: http.MethodDelete, Path: "/api/v1/captures/{capture_id}", Summary: "Delete a capture", Tags: []string{"Captures"}},
		func(ctx context.Context, input *captureIDInput) (*struct {
			Body struct {
				Status string `json:"status"`
			}
		}, error) {
			if err := svc.DeleteCapture(input.CaptureID); err != nil {
				return nil, mapErr(err)
			}
			out := &struct {
				Body struct {
					Status string `json:"status"`
				}
			}{}
			out.Body.Status = "deleted"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "replay-capture", Method: http.MethodPost, Path: "/api/v1/captures/{capture_id}/replay", Summary: "Plan or apply a pass over a stored snapshot", Tags: []string{"Captures"}},
		func(ctx context.Context, input *struct {
			CaptureID string `path:"capture_id"`
			Body      struct {
				ChartID string `json:"chart_id,omitempty" doc:"Target chart; defaults to the chart the capture came from"`
				Apply   bool   `json:"apply,omitempty" doc:"Run the pass on the attached chart instead of a dry run"`
			}
		}) (*struct{ Body controller.ReplayResult }, error) {
			res, err := svc.ReplayCapture(ctx, input.CaptureID, input.Body.ChartID, input.Body.Apply)
			if err != nil {
				return nil, mapErr(err)
			}
			return &struct{ Body controller.ReplayResult }{Body: res}, nil
		})
}
