package server

import (
	"github.com/danielgtaylor/huma/v2"

	v1 "github.com/gosuda/toolaudit/internal/api/v1"
)

func registerStatsRoutes(api huma.API, deps Deps) {
	v1.RegisterStatsRoutes(api, deps.Source, deps.Buffer, deps.Shipper)
}

func registerLogRoutes(api huma.API, deps Deps) {
	v1.RegisterLogRoutes(api, deps.Logger)
}

func registerDrainRoutes(api huma.API, deps Deps) {
	v1.RegisterDrainRoutes(api, deps.Buffer, deps.Shipper)
}
