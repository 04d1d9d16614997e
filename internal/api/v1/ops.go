package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/toolaudit/internal/shipper"
)

type StatsOutput struct {
	Body struct {
		Source   string           `json:"source" doc:"Connector identifier"`
		Segments map[string]int   `json:"segments" doc:"Pending entries per segment"`
		Pending  int              `json:"pending" doc:"Total pending entries"`
		Shipping bool             `json:"shipping" doc:"Whether a sink is configured"`
		Running  bool             `json:"running" doc:"Whether the flush loop is running"`
		Metrics  *shipper.Metrics `json:"metrics,omitempty" doc:"Delivery counters"`
	}
}

type DrainOutput struct {
	Body struct {
		Pending int             `json:"pending" doc:"Entries still buffered after the drain"`
		Metrics shipper.Metrics `json:"metrics" doc:"Delivery counters"`
	}
}

// RegisterStatsRoutes registers read-only buffer inspection. ship may be nil
// when entries are only buffered locally.
func RegisterStatsRoutes(api huma.API, source string, buf BufferStats, ship Shipper) {
	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Buffered entries and delivery counters",
		Tags:        []string{"Ops"},
	}, func(ctx context.Context, _ *struct{}) (*StatsOutput, error) {
		stats, err := buf.Stats(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to read buffer", err)
		}

		out := &StatsOutput{}
		out.Body.Source = source
		out.Body.Segments = stats
		out.Body.Pending = sumPending(stats)
		if ship != nil {
			m := ship.Metrics()
			out.Body.Shipping = true
			out.Body.Running = ship.Running()
			out.Body.Metrics = &m
		}
		return out, nil
	})
}

// RegisterDrainRoutes registers the on-demand drain. ship may be nil, in
// which case the operation answers 409.
func RegisterDrainRoutes(api huma.API, buf BufferStats, ship Shipper) {
	huma.Register(api, huma.Operation{
		OperationID: "drain",
		Method:      http.MethodPost,
		Path:        "/drain",
		Summary:     "Ship all buffered entries now",
		Tags:        []string{"Ops"},
	}, func(ctx context.Context, _ *struct{}) (*DrainOutput, error) {
		if ship == nil {
			return nil, huma.Error409Conflict("no sink configured; entries are kept locally")
		}

		if err := ship.DrainAll(ctx); err != nil {
			return nil, huma.Error500InternalServerError("drain failed", err)
		}

		stats, err := buf.Stats(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to read buffer", err)
		}

		out := &DrainOutput{}
		out.Body.Pending = sumPending(stats)
		out.Body.Metrics = ship.Metrics()
		return out, nil
	})
}

func sumPending(stats map[string]int) int {
	n := 0
	for _, c := range stats {
		n += c
	}
	return n
}
