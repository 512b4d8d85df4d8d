package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tv_attrib/internal/bridge"
)

type deepHealth struct {
	Attached   int           `json:"attached"`
	Sources    int           `json:"catalog_sources"`
	Exchanges  int           `json:"catalog_exchanges"`
	SSEClients int           `json:"sse_clients"`
	SSEDropped int64         `json:"sse_dropped"`
	Bridge     *bridge.Stats `json:"bridge,omitempty"`
}

func registerHealthHandlers(api huma.API, svc Service, feed Feed) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type deepHealthOutput struct {
		Body deepHealth
	}
	huma.Register(api, huma.Operation{OperationID: "deep-health", Method: http.MethodGet, Path: "/api/v1/health/deep", Summary: "Attached charts, catalog size and event feed counters", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*deepHealthOutput, error) {
			entries := svc.Catalog()
			out := &deepHealthOutput{}
			out.Body.Attached = len(svc.ListAttached())
			out.Body.Sources = len(entries.Sources)
			out.Body.Exchanges = len(entries.Exchanges)
			if feed.Broker != nil {
				out.Body.SSEClients = feed.Broker.ClientCount()
				out.Body.SSEDropped = feed.Broker.Dropped()
			}
			if feed.Stats != nil {
				st := feed.Stats()
				out.Body.Bridge = &st
			}
			return out, nil
		})
}
