package diagnostics

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

type emptyInput struct{}

type statsOutput struct {
	Body Stats
}

type okOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func registerOperations(api huma.API, engine Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "LogDetailedStats",
		Summary:     "Report connection and ledger statistics",
		Method:      http.MethodGet,
		Path:        "/api/stats",
		Tags:        []string{"diagnostics"},
	}, func(ctx context.Context, _ *emptyInput) (*statsOutput, error) {
		out := &statsOutput{Body: engine.Stats()}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "RefreshConnections",
		Summary:     "Force a health check pass across all relay connections",
		Method:      http.MethodPost,
		Path:        "/api/refresh-connections",
		Tags:        []string{"diagnostics"},
	}, func(ctx context.Context, _ *emptyInput) (*okOutput, error) {
		if err := engine.RefreshConnections(ctx); err != nil {
			return nil, huma.Error500InternalServerError("refresh failed", err)
		}
		return okResponse(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "SyncConfigurations",
		Summary:     "Reconcile relay connections with the current configuration set",
		Method:      http.MethodPost,
		Path:        "/api/sync-configurations",
		Tags:        []string{"diagnostics"},
	}, func(ctx context.Context, _ *emptyInput) (*okOutput, error) {
		if err := engine.SyncConfigurations(ctx); err != nil {
			return nil, huma.Error500InternalServerError("sync failed", err)
		}
		return okResponse(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "TestConnectionHealth",
		Summary:     "Run one health-monitor cycle immediately",
		Method:      http.MethodPost,
		Path:        "/api/test-connection-health",
		Tags:        []string{"diagnostics"},
	}, func(ctx context.Context, _ *emptyInput) (*okOutput, error) {
		if err := engine.TestConnectionHealth(ctx); err != nil {
			return nil, huma.Error500InternalServerError("health check failed", err)
		}
		return okResponse(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ForceReconnectAll",
		Summary:     "Reset and reconnect every relay connection, bypassing backoff",
		Method:      http.MethodPost,
		Path:        "/api/force-reconnect-all",
		Tags:        []string{"diagnostics"},
	}, func(ctx context.Context, _ *emptyInput) (*okOutput, error) {
		if err := engine.ForceReconnectAll(ctx); err != nil {
			return nil, huma.Error500InternalServerError("force reconnect failed", err)
		}
		return okResponse(), nil
	})
}

func okResponse() *okOutput {
	out := &okOutput{}
	out.Body.Status = "ok"
	return out
}
