// Package app is the composition root. Bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"corebank.io/platform/internal/api/handlers"
	"corebank.io/platform/internal/app/modules"
	"corebank.io/platform/internal/config"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	Infra   *modules.Infrastructure
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	maintenance, err := modules.NewMaintenanceModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init maintenance module: %w", err)
	}
	allModules := []modules.Module{
		modules.NewEventsModule(infra),
		maintenance,
	}
	for _, mod := range allModules {
		if err := mod.RegisterJobs(infra.Jobs); err != nil {
			infra.Close()
			return nil, fmt.Errorf("register %s jobs: %w", mod.Name(), err)
		}
	}

	server := handlers.NewServer(handlers.ServerDeps{
		Jobs:   infra.Jobs,
		Checks: infra.Checks(),
		Pools:  infra.Pools.Metrics,
	})

	return &Application{
		Config:  cfg,
		Router:  newRouter(server),
		Infra:   infra,
		Modules: allModules,
	}, nil
}
