// Package extension provides the Forge extension adapter for batch.
//
// It implements the forge.Extension interface to integrate the batch
// engine into a Forge application with automatic dependency discovery,
// route registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.batch" or "batch" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/relay"
	"github.com/xraph/vessel"

	"github.com/xraph/batch"
	"github.com/xraph/batch/api"
	"github.com/xraph/batch/backoff"
	"github.com/xraph/batch/dwp"
	"github.com/xraph/batch/engine"
	"github.com/xraph/batch/ext"
	"github.com/xraph/batch/job"
	mw "github.com/xraph/batch/middleware"
	"github.com/xraph/batch/queue"
	relayhook "github.com/xraph/batch/relay_hook"
	mongostore "github.com/xraph/batch/store/mongo"
	pgstore "github.com/xraph/batch/store/postgres"
	redisstore "github.com/xraph/batch/store/redis"
	sqlitestore "github.com/xraph/batch/store/sqlite"
	"github.com/xraph/batch/stream"
	"github.com/xraph/batch/worker"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "batch"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Exclusive job leasing and partner-fair scheduling for batch processes"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

type typeRegistration struct {
	t    job.Type
	opts []job.Option
}

// Extension adapts batch as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config       Config
	eng          *engine.Engine
	apiHandler   *api.API
	dwpServer    *dwp.Server
	broker       *stream.Broker
	brokerOpts   []stream.BrokerOption
	relay        *relay.Relay
	relayOpts    []relayhook.Option
	logger       *slog.Logger
	batchOpts    []batch.Option
	exts         []ext.Extension
	mws          []mw.Middleware
	dwpOpts      []dwp.Option
	queueConfigs []queue.Config
	jobTypes     []typeRegistration
	bo           backoff.Strategy
	useGrove     bool
}

// New creates a batch Forge extension with the given options.
func New(opts ...ExtOption) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying batch engine.
// This is nil until Register is called.
func (e *Extension) Engine() *engine.Engine { return e.eng }

// API returns the API handler.
func (e *Extension) API() *api.API { return e.apiHandler }

// DWPServer returns the DWP server, or nil if DWP is not enabled.
func (e *Extension) DWPServer() *dwp.Server { return e.dwpServer }

// Broker returns the event stream broker, or nil if events are off.
func (e *Extension) Broker() *stream.Broker { return e.broker }

// Config returns the effective configuration after Register.
func (e *Extension) Config() Config { return e.config }

// Register implements [forge.Extension]. It initializes the service,
// builds the engine, and optionally registers HTTP routes.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.init(fapp); err != nil {
		return err
	}

	// Register the engine in the DI container so other extensions can use it.
	if err := vessel.Provide(fapp.Container(), func() (*engine.Engine, error) {
		return e.eng, nil
	}); err != nil {
		return fmt.Errorf("batch: register engine in container: %w", err)
	}

	return nil
}

// init builds the service and engine.
func (e *Extension) init(fapp forge.App) error {
	s, err := e.resolveStore(fapp)
	if err != nil {
		return err
	}
	if s != nil {
		e.batchOpts = append(e.batchOpts, batch.WithStore(s))
	}

	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := make([]batch.Option, 0, len(e.batchOpts)+2)
	opts = append(opts, batch.WithConfig(mergeBatchConfig(e.config.Batch)))
	opts = append(opts, e.batchOpts...)
	opts = append(opts, batch.WithLogger(logger))

	d, err := batch.New(opts...)
	if err != nil {
		return fmt.Errorf("batch: create service: %w", err)
	}

	engOpts := make([]engine.Option, 0, len(e.exts)+len(e.mws)+5)
	engOpts = append(engOpts, engine.WithMetricFactory(fapp.Metrics()))
	if e.config.EnableDWP && e.config.EnableEvents {
		e.broker = stream.NewBroker(logger, e.brokerOpts...)
		engOpts = append(engOpts, engine.WithExtension(e.broker))
	}
	if e.relay != nil {
		engOpts = append(engOpts, engine.WithExtension(relayhook.New(e.relay, e.relayOpts...)))
	}
	for _, x := range e.exts {
		engOpts = append(engOpts, engine.WithExtension(x))
	}
	for _, m := range e.mws {
		engOpts = append(engOpts, engine.WithMiddleware(m))
	}
	if e.bo != nil {
		engOpts = append(engOpts, engine.WithBackoff(e.bo))
	}
	if len(e.queueConfigs) > 0 {
		engOpts = append(engOpts, engine.WithQueueConfig(e.queueConfigs...))
	}
	if e.config.WorkerID > 0 {
		engOpts = append(engOpts, engine.WithWorkerPool(e.config.WorkerID, worker.WithSlots(e.config.Slots)))
	}

	e.eng, err = engine.Build(d, engOpts...)
	if err != nil {
		return fmt.Errorf("batch: build engine: %w", err)
	}
	for _, r := range e.jobTypes {
		e.eng.RegisterType(r.t, r.opts...)
	}

	e.apiHandler = api.New(e.eng, fapp.Router())
	if !e.config.DisableRoutes {
		e.apiHandler.RegisterRoutes(fapp.Router().Group(e.config.BasePath))
	}

	if e.config.EnableDWP {
		dwpOptList := make([]dwp.Option, 0, len(e.dwpOpts)+3)
		dwpOptList = append(dwpOptList, dwp.WithLogger(logger))
		if e.broker != nil {
			dwpOptList = append(dwpOptList, dwp.WithBroker(e.broker))
		}
		if e.config.DWPBasePath != "" {
			dwpOptList = append(dwpOptList, dwp.WithPath(e.config.DWPBasePath))
		}
		dwpOptList = append(dwpOptList, e.dwpOpts...)

		e.dwpServer = dwp.NewServer(dwp.NewHandler(e.eng, logger), dwpOptList...)
		if !e.config.DisableRoutes {
			e.dwpServer.RegisterRoutes(fapp.Router())
		}
	}

	return nil
}

// resolveStore builds a store from the configured backend. A nil store
// with a nil error means the caller supplied one through WithStore.
func (e *Extension) resolveStore(fapp forge.App) (batch.Storer, error) {
	switch {
	case e.useGrove:
		groveDB, err := e.resolveGroveDB(fapp)
		if err != nil {
			return nil, fmt.Errorf("batch: %w", err)
		}
		return e.buildStoreFromGroveDB(groveDB)
	case e.config.PostgresURL != "":
		s, err := pgstore.New(context.Background(), e.config.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("batch: %w", err)
		}
		return s, nil
	case e.config.RedisAddr != "":
		s, err := redisstore.Dial(context.Background(), e.config.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("batch: %w", err)
		}
		return s, nil
	}
	return nil, nil
}

// Start begins background maintenance and runs auto-migration if enabled.
func (e *Extension) Start(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("batch: extension not initialized")
	}

	if !e.config.DisableMigrate {
		store := e.eng.Service().Store()
		if store != nil {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("batch: migration failed: %w", err)
			}
		}
	}

	if e.relay != nil {
		if err := relayhook.RegisterAll(ctx, e.relay); err != nil {
			return fmt.Errorf("batch: register webhook event types: %w", err)
		}
	}

	if err := e.eng.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop gracefully shuts down the batch engine.
func (e *Extension) Stop(ctx context.Context) error {
	if e.eng == nil {
		e.MarkStopped()
		return nil
	}
	err := e.eng.Stop(ctx)
	e.MarkStopped()
	return err
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.eng == nil {
		return errors.New("batch: extension not initialized")
	}

	store := e.eng.Service().Store()
	if store == nil {
		return errors.New("batch: no store configured")
	}

	return store.Ping(ctx)
}

// Handler returns the HTTP handler for all API routes.
// Convenience for standalone use outside Forge.
func (e *Extension) Handler() http.Handler {
	if e.eng == nil {
		return http.NotFoundHandler()
	}
	return api.New(e.eng, nil).Handler()
}

// RegisterRoutes registers all batch API routes into a Forge router.
func (e *Extension) RegisterRoutes(router forge.Router) {
	if e.apiHandler != nil {
		e.apiHandler.RegisterRoutes(router)
	}
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("batch: configuration is required but not found in config files; " +
				"ensure 'extensions.batch' or 'batch' key exists in your config")
		}
		e.config = e.mergeWithDefaults(programmaticConfig)
	} else {
		e.config = e.mergeConfigurations(fileConfig, programmaticConfig)
	}

	if e.config.GroveDatabase != "" {
		e.useGrove = true
	}

	e.Logger().Debug("batch: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("grove_database", e.config.GroveDatabase),
		forge.F("enable_dwp", e.config.EnableDWP),
		forge.F("enable_events", e.config.EnableEvents),
		forge.F("worker_id", e.config.WorkerID),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.batch", "batch"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("batch: loaded config from file",
				forge.F("key", key),
			)
			return cfg, true
		}
		e.Logger().Warn("batch: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func (e *Extension) mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.Slots <= 0 {
		cfg.Slots = defaults.Slots
	}
	cfg.Batch = mergeBatchConfig(cfg.Batch)
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic flags fill gaps.
func (e *Extension) mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.EnableDWP {
		yamlConfig.EnableDWP = true
	}
	if programmaticConfig.EnableEvents {
		yamlConfig.EnableEvents = true
	}

	if yamlConfig.BasePath == "" && programmaticConfig.BasePath != "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.GroveDatabase == "" && programmaticConfig.GroveDatabase != "" {
		yamlConfig.GroveDatabase = programmaticConfig.GroveDatabase
	}
	if yamlConfig.PostgresURL == "" && programmaticConfig.PostgresURL != "" {
		yamlConfig.PostgresURL = programmaticConfig.PostgresURL
	}
	if yamlConfig.RedisAddr == "" && programmaticConfig.RedisAddr != "" {
		yamlConfig.RedisAddr = programmaticConfig.RedisAddr
	}
	if yamlConfig.DWPBasePath == "" && programmaticConfig.DWPBasePath != "" {
		yamlConfig.DWPBasePath = programmaticConfig.DWPBasePath
	}
	if yamlConfig.WorkerID == 0 && programmaticConfig.WorkerID != 0 {
		yamlConfig.WorkerID = programmaticConfig.WorkerID
		yamlConfig.Slots = programmaticConfig.Slots
	}

	return e.mergeWithDefaults(yamlConfig)
}

// resolveGroveDB resolves a *grove.DB from the DI container.
// If GroveDatabase is set, it looks up the named DB; otherwise it uses the default.
func (e *Extension) resolveGroveDB(fapp forge.App) (*grove.DB, error) {
	if e.config.GroveDatabase != "" {
		db, err := vessel.InjectNamed[*grove.DB](fapp.Container(), e.config.GroveDatabase)
		if err != nil {
			return nil, fmt.Errorf("grove database %q not found in container: %w", e.config.GroveDatabase, err)
		}
		return db, nil
	}
	db, err := vessel.Inject[*grove.DB](fapp.Container())
	if err != nil {
		return nil, fmt.Errorf("default grove database not found in container: %w", err)
	}
	return db, nil
}

// buildStoreFromGroveDB constructs the appropriate store backend
// based on the grove driver type.
func (e *Extension) buildStoreFromGroveDB(db *grove.DB) (batch.Storer, error) {
	driverName := db.Driver().Name()
	switch driverName {
	case "sqlite":
		return sqlitestore.New(db), nil
	case "mongo":
		return mongostore.New(db), nil
	default:
		return nil, fmt.Errorf("batch: unsupported grove driver %q (use postgres_url for PostgreSQL)", driverName)
	}
}
