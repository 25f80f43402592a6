// Package app builds one instance of every component and wires them together.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xelth-com/foodlens/internal/auth"
	"github.com/xelth-com/foodlens/internal/cache"
	"github.com/xelth-com/foodlens/internal/config"
	"github.com/xelth-com/foodlens/internal/database"
	"github.com/xelth-com/foodlens/internal/events"
	"github.com/xelth-com/foodlens/internal/handlers"
	"github.com/xelth-com/foodlens/internal/logging"
	"github.com/xelth-com/foodlens/internal/lookup"
	"github.com/xelth-com/foodlens/internal/metric"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/network"
	"github.com/xelth-com/foodlens/internal/processor"
	"github.com/xelth-com/foodlens/internal/queue"
	"github.com/xelth-com/foodlens/internal/services/openfoodfacts"
	"github.com/xelth-com/foodlens/internal/services/remotedb"
	"github.com/xelth-com/foodlens/internal/storage"
	"github.com/xelth-com/foodlens/internal/websocket"
)

// PurgeCacheHandler is the custom operation that drops expired cache entries
const PurgeCacheHandler = "purge-cache"

// App holds the running components
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metric.Metrics

	Storage     *storage.Adapter
	Products    *cache.ProductCache
	Lists       *cache.ListCache
	Bus         *events.Bus
	Network     *network.Monitor
	Session     *auth.Session
	Credentials *auth.CredentialStore
	API         *openfoodfacts.Client

	// DB and Remote are nil when the remote database is disabled
	DB     *database.DB
	Remote *remotedb.Store

	Queue        *queue.Queue
	Dispatcher   *processor.Dispatcher
	Processor    *processor.Processor
	Orchestrator *lookup.Orchestrator
	Catalog      *lookup.Catalog
	Contributor  *lookup.Contributor
	Hub          *websocket.Hub

	hubCancel context.CancelFunc
	bridge    []*events.Subscription
}

// New builds the application from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger = logging.OrDiscard(logger)
	reg, metrics := metric.NewRegistry()
	a := &App{Config: cfg, Logger: logger, Registry: reg, Metrics: metrics}

	store, err := storage.Open(cfg.Storage, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.Storage = store
	a.Products = cache.NewProductCache(store, cfg.Cache.ProductTTL, logger)
	a.Lists = cache.NewListCache(store, cfg.Cache.ListTTL, logger)
	a.Bus = events.NewBus(logger)
	a.Network = network.NewMonitor(cfg.Network, a.Bus, logger, metrics)

	a.Session = auth.NewSession(cfg.Auth.JWTSecret)
	a.Credentials = auth.NewCredentialStore(store, cfg.Auth.CredentialsKey, logger)
	a.API = openfoodfacts.NewClient(cfg.API, a.Credentials.Fallback(models.APICredentials{
		Username: cfg.API.Username,
		Password: cfg.API.Password,
	}), logger)

	// interface values stay nil without a database
	var (
		products lookup.ProductStore
		scans    processor.ScanStore
	)
	if cfg.Database.Enabled {
		db, err := database.Connect(cfg.Database, logger)
		if err != nil {
			// lookups degrade to api and cache; scans wait in the queue
			logging.Failure(logger, err, "remote database unavailable, continuing without it")
		} else {
			a.DB = db
			a.Remote = remotedb.NewStore(db.DB)
			if err := a.Remote.AutoMigrate(ctx); err != nil {
				logging.Failure(logger, err, "schema migration failed")
			}
			products, scans = a.Remote, a.Remote
		}
	}

	a.Queue = queue.New(store, a.Bus, queue.Options{
		MaxRetries: cfg.Queue.MaxRetries,
		Logger:     logger,
		Metrics:    metrics,
	})
	a.Dispatcher = processor.NewDispatcher(a.API, scans, a.Session, logger)
	a.Dispatcher.Register(PurgeCacheHandler, func(ctx context.Context, _ json.RawMessage) error {
		n := a.Products.PurgeExpired(ctx)
		logger.Info("cache purged", slog.Int("removed", n))
		return nil
	})
	a.Processor = processor.New(a.Queue, a.Dispatcher, a.Network, a.Bus, processor.Options{
		Backoff:   queue.NewBackoff(cfg.Queue.InitialDelay, cfg.Queue.MaxDelay),
		MinWakeup: cfg.Queue.MinWakeup,
		Logger:    logger,
		Metrics:   metrics,
	})
	a.Queue.SetTrigger(a.Network, a.Processor.TriggerProcessing)
	a.Network.SetTrigger(a.Processor.TriggerProcessing)

	a.Orchestrator = lookup.NewOrchestrator(lookup.Options{
		API:              a.API,
		Store:            products,
		Cache:            a.Products,
		Queue:            a.Queue,
		Network:          a.Network,
		Users:            a.Session,
		Bus:              a.Bus,
		PurgeProbability: cfg.Cache.PurgeProbability,
		Logger:           logger,
		Metrics:          metrics,
	})
	a.Catalog = lookup.NewCatalog(a.API, a.Lists, a.Network, logger)
	a.Contributor = lookup.NewContributor(a.Queue, logger)
	a.Hub = websocket.NewHub(logger)

	return a, nil
}

// Start recovers interrupted operations, starts background loops and runs a first pass
func (a *App) Start(ctx context.Context) error {
	recovered, err := a.Queue.RecoverInProgress(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	if recovered > 0 {
		a.Logger.Info("recovered interrupted operations", slog.Int("count", recovered))
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	a.hubCancel = cancel
	go a.Hub.Run(hubCtx)
	a.bridge = a.Hub.Bridge(a.Bus)

	a.Network.Start()
	a.Processor.TriggerProcessing()
	return nil
}

// Handler returns the HTTP surface of the application
func (a *App) Handler() http.Handler {
	deps := handlers.Deps{
		Orchestrator: a.Orchestrator,
		Catalog:      a.Catalog,
		Contributor:  a.Contributor,
		Queue:        a.Queue,
		Processor:    a.Processor,
		Network:      a.Network,
		Session:      a.Session,
		Credentials:  a.Credentials,
		Hub:          a.Hub,
		Gatherer:     a.Registry,
		Logger:       a.Logger,
		IssueTokens:  a.Config.Development(),
	}
	if a.Remote != nil {
		deps.Profiles = a.Remote
	}
	return handlers.NewRouter(deps).Handler()
}

// Close stops background work and releases storage and the database
func (a *App) Close() error {
	a.Network.Stop()
	a.Processor.Stop()
	a.Orchestrator.Wait()

	for _, sub := range a.bridge {
		a.Bus.Unsubscribe(sub)
	}
	if a.hubCancel != nil {
		a.hubCancel()
	}

	var firstErr error
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			firstErr = err
		}
	}
	if err := a.Storage.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
