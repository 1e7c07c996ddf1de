//go:build wireinject
// +build wireinject

package app

import "github.com/google/wire"

var CoreInfraSet = wire.NewSet(
	NewLogger,
	NewMetricsRegistry,
	NewMetrics,
	NewHealthTracker,
)

var ToolSet = wire.NewSet(
	NewConnector,
	NewToolCache,
	NewServerWatcher,
	NewInvoker,
)

var SessionSet = wire.NewSet(
	NewChatModel,
	NewReasoner,
	NewLoop,
	NewEngine,
	NewSnapshotStore,
	NewSessionStore,
	NewHTTPAPI,
)

var AppSet = wire.NewSet(
	CoreInfraSet,
	ToolSet,
	SessionSet,
	wire.Struct(new(ApplicationOptions), "*"),
	NewApplication,
)

var ToolsetSet = wire.NewSet(
	CoreInfraSet,
	ToolSet,
	NewToolset,
)
