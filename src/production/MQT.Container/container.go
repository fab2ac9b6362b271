package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	config "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	metrics "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Metrics"
	implementation "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Repository/Implementation"
	interfaces "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Repository/Interfaces"
)

// Container manages dependencies and their lifecycle
type Container struct {
	config *config.Config
	logger *logger.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store interfaces.ReadingRepository

	mu sync.Mutex

	// Cleanup functions, run in reverse order on Shutdown
	cleanupFuncs []func() error
}

// NewContainer loads configuration from the environment and builds the logger
func NewContainer() (*Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewContainerWithConfig(cfg, logger.NewLogger(&cfg.Logging)), nil
}

// NewContainerWithConfig builds a container around an already loaded config
func NewContainerWithConfig(cfg *config.Config, log *logger.Logger) *Container {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Container{
		config:   cfg,
		logger:   log,
		registry: registry,
		metrics:  metrics.New(registry),
	}
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.logger
}

// GetMetrics returns the gateway collectors
func (c *Container) GetMetrics() *metrics.Metrics {
	return c.metrics
}

// GetGatherer returns the registry served on /metrics
func (c *Container) GetGatherer() prometheus.Gatherer {
	return c.registry
}

// GetStore opens the configured reading store on first use and ensures its
// schema exists
func (c *Container) GetStore(ctx context.Context) (interfaces.ReadingRepository, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil {
		return c.store, nil
	}

	store, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}
	c.store = store
	c.cleanupFuncs = append(c.cleanupFuncs, store.Close)

	c.logger.Logger.Info().Str("driver", c.config.Store.Driver).Msg("Reading store initialized")
	return store, nil
}

func (c *Container) openStore(ctx context.Context) (interfaces.ReadingRepository, error) {
	storeCfg := c.config.Store

	switch storeCfg.Driver {
	case config.DriverSQLite:
		db, err := implementation.OpenSQLite(ctx, storeCfg.Path)
		if err != nil {
			return nil, err
		}
		repo := implementation.NewSQLReadingRepository(db, implementation.DialectSQLite)
		if err := repo.CreateSchema(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
		return repo, nil

	case config.DriverPostgres:
		db, err := implementation.ConnectPostgresWithTimeout(c.config, storeCfg.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		repo := implementation.NewSQLReadingRepository(db, implementation.DialectPostgres)
		if err := repo.CreateSchema(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("failed to create tables: %w", err)
		}
		return repo, nil

	case config.DriverMongo:
		client, err := implementation.ConnectMongoWithTimeout(storeCfg.MongoURI, storeCfg.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		repo := implementation.NewMongoReadingRepository(client, storeCfg.MongoDatabase)
		if err := repo.Init(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("failed to create indexes: %w", err)
		}
		return repo, nil
	}

	return nil, fmt.Errorf("unknown store driver %q", storeCfg.Driver)
}

// AddCleanupFunc adds a cleanup function
func (c *Container) AddCleanupFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

// Shutdown runs the cleanup functions in reverse registration order
func (c *Container) Shutdown(ctx context.Context) error {
	c.logger.Info("Shutting down container...")

	c.mu.Lock()
	funcs := c.cleanupFuncs
	c.cleanupFuncs = nil
	c.store = nil
	c.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := funcs[i](); err != nil {
			c.logger.ErrorWithError(err, "Error during cleanup")
		}
	}

	c.logger.Info("Container shutdown complete")
	return nil
}
