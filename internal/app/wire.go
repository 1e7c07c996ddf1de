//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"
)

func InitializeApplication(ctx context.Context, cfg ServeConfig, logging LoggingConfig) (*Application, error) {
	wire.Build(AppSet)
	return nil, nil
}

func InitializeToolset(ctx context.Context, cfg ServeConfig, logging LoggingConfig) (*Toolset, error) {
	wire.Build(ToolsetSet)
	return nil, nil
}
