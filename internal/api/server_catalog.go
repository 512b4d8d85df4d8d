package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/tv_attrib/internal/catalog"
)

func registerCatalogHandlers(api huma.API, svc Service) {
	type catalogOutput struct {
		Body catalog.Entries
	}

	huma.Register(api, huma.Operation{OperationID: "get-catalog", Method: http.MethodGet, Path: "/api/v1/catalog", Summary: "Current source and exchange messages", Tags: []string{"Catalog"}},
		func(ctx context.Context, input *struct{}) (*catalogOutput, error) {
			return &catalogOutput{Body: svc.Catalog()}, nil
		})

	type entryInput struct {
		ID   string `path:"id"`
		Body struct {
			Text string `json:"text" required:"true" doc:"Markup shown in the attribution label"`
		}
	}
	type entryIDInput struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{OperationID: "set-catalog-source", Method: http.MethodPut, Path: "/api/v1/catalog/sources/{id}", Summary: "Set a source or study message", Tags: []string{"Catalog"}},
		func(ctx context.Context, input *entryInput) (*catalogOutput, error) {
			entries, err := svc.SetSource(ctx, input.ID, input.Body.Text)
			if err != nil {
				return nil, mapErr(err)
			}
			return &catalogOutput{Body: entries}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-catalog-source", Method: http.MethodDelete, Path: "/api/v1/catalog/sources/{id}", Summary: "Delete a source or study message", Tags: []string{"Catalog"}},
		func(ctx context.Context, input *entryIDInput) (*catalogOutput, error) {
			entries, err := svc.DeleteSource(ctx, input.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &catalogOutput{Body: entries}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-catalog-exchange", Method: http.MethodPut, Path: "/api/v1/catalog/exchanges/{id}", Summary: "Set an exchange message", Tags: []string{"Catalog"}},
		func(ctx context.Context, input *entryInput) (*catalogOutput, error) {
			entries, err := svc.SetExchange(ctx, input.ID, input.Body.Text)
			if err != nil {
				return nil, mapErr(err)
			}
			return &catalogOutput{Body: entries}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-catalog-exchange", Method: http.MethodDelete, Path: "/api/v1/catalog/exchanges/{id}", Summary: "Delete an exchange message", Tags: []string{"Catalog"}},
		func(ctx context.Context, input *entryIDInput) (*catalogOutput, error) {
			entries, err := svc.DeleteExchange(ctx, input.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &catalogOutput{Body: entries}, nil
		})
}
