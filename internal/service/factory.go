// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/config"
	"github.com/xkilldash9x/moltwatch/internal/ingest"
	"github.com/xkilldash9x/moltwatch/internal/moltbook"
	"github.com/xkilldash9x/moltwatch/internal/orchestrator"
)

// ComponentFactory builds the component set for a command. Commands depend on
// the interface so their tests can swap in a factory backed by fakes.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

type storeOpener func(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (schemas.Store, error)

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	openStore storeOpener
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{openStore: OpenStore}
}

// Create wires store, remote client, pipeline and collector. An embedded SQLite
// database has no separate provisioning step, so its schema is applied here;
// Postgres schemas are applied by the setup command.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Store
	dbStore, err := f.openStore(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = dbStore
	if strings.EqualFold(cfg.Database().Driver, config.DriverSQLite) {
		if err := dbStore.EnsureSchema(ctx); err != nil {
			initializationErr = fmt.Errorf("failed to apply sqlite schema: %w", err)
			return nil, initializationErr
		}
	}
	logger.Debug("Store initialized.")

	// 2. Remote client
	client, err := moltbook.New(cfg.Moltbook(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create moltbook client: %w", err)
		return nil, initializationErr
	}
	components.Client = client
	logger.Debug("Moltbook client initialized.")

	// 3. Pipeline and collector
	components.Pipeline = ingest.NewPipeline(dbStore, logger,
		ingest.WithDailyTopLimit(cfg.Collector().DailyTopLimit))

	collector, err := orchestrator.New(client, components.Pipeline, cfg.Collector(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create collector: %w", err)
		return nil, initializationErr
	}
	components.Collector = collector

	logger.Info("All components initialized successfully.")
	return components, nil
}
