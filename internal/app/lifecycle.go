package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"corebank.io/platform/internal/pkg/logger"
)

// Start starts all background services: notification listeners, the job
// orchestrator and then the modules' singleton jobs.
func (a *Application) Start(ctx context.Context) error {
	if a.Infra == nil {
		return fmt.Errorf("application is not bootstrapped")
	}
	if err := a.Infra.StartListeners(); err != nil {
		return err
	}
	if err := a.Infra.Jobs.Start(ctx); err != nil {
		return fmt.Errorf("start jobs: %w", err)
	}
	logger.Info("Job orchestrator started", zap.String("owner", a.Infra.Jobs.Owner()))

	for _, mod := range a.Modules {
		if err := mod.Start(ctx); err != nil {
			return fmt.Errorf("start module %s: %w", mod.Name(), err)
		}
	}
	return nil
}

// Shutdown gracefully shuts down all application components.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	if a.Infra != nil && a.Infra.Jobs != nil {
		if err := a.Infra.Jobs.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop job orchestrator", zap.Error(err))
		}
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(shutdownCtx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	a.Infra.Close()
}
