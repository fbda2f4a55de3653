// Package app builds the indexer service from configuration and manages its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/productindex"
	"github.com/Ramsey-B/fern/pkg/archive"
	"github.com/Ramsey-B/fern/pkg/associator"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/index"
	"github.com/Ramsey-B/fern/pkg/indexer"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/listener"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/module"
	fernredis "github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/product"
	"github.com/Ramsey-B/fern/pkg/routes/search"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

// Dependency names, used for startup ordering.
const (
	depTracing    = "tracing"
	depDatabase   = "database"
	depMigrations = "migrations"
	depRedis      = "redis"
	depStorage    = "storage"
	depIndex      = "index"
	depProducer   = "kafka-producer"
	depGraph      = "graph"
	depListeners  = "listeners"
	depIndexer    = "indexer"
	depConsumer   = "kafka-consumer"
	depArchive    = "archive"
	depHTTP       = "http"
)

// App holds every collaborator of the running service.
type App struct {
	config  *config.Config
	logger  ectologger.Logger
	startup *startup.Startup

	tracer     *sdktrace.TracerProvider
	db         database.DB
	redis      *fernredis.Client
	storage    storage.Storage
	index      index.ProductIndex
	associator *associator.Default
	producer   *kafka.Producer
	graph      *graph.Client
	dispatcher *listener.Dispatcher
	indexer    *indexer.Indexer
	consumer   *kafka.Consumer
	scheduler  *archive.Scheduler
	health     *health.Checker
	server     *http.Server
}

// New creates an App. Nothing connects until Start or RunArchive.
func New(cfg *config.Config, logger ectologger.Logger) *App {
	return &App{
		config:     cfg,
		logger:     logger,
		startup:    startup.NewStartup(logger, cfg.StartupMaxAttempts),
		associator: associator.NewDefault(logger),
		health:     health.NewChecker(cfg.Version),
	}
}

// Start connects every dependency and begins serving HTTP, consuming the product feed and archiving.
func (a *App) Start(ctx context.Context) error {
	a.registerCore()
	a.registerServe()
	if err := a.startup.Start(ctx); err != nil {
		return err
	}
	a.health.SetReady(true)
	a.logger.WithContext(ctx).WithFields(map[string]any{
		"port":    a.config.Port,
		"index":   a.config.IndexBackend,
		"storage": a.config.StorageBackend,
	}).Info("fern started")
	return nil
}

// Stop shuts dependencies down in reverse start order.
func (a *App) Stop(ctx context.Context) error {
	a.health.SetReady(false)
	return a.startup.Stop(ctx)
}

// RunArchive connects the core dependencies, applies every archive policy once and shuts down.
func (a *App) RunArchive(ctx context.Context) (*archive.Result, error) {
	if a.config.ArchivePolicyFile == "" {
		return nil, errors.New("ARCHIVE_POLICY_FILE is required")
	}
	policies, err := archive.LoadPolicies(a.config.ArchivePolicyFile)
	if err != nil {
		return nil, err
	}

	a.registerCore()
	a.registerIndexer()
	if err := a.startup.Start(ctx); err != nil {
		return nil, err
	}
	defer a.startup.Stop(context.WithoutCancel(ctx))

	scheduler := archive.NewScheduler(a.indexer, policies, nil, a.archiveConfig(), a.logger)
	return scheduler.RunOnce(ctx), nil
}

// Migrate applies the database migrations and exits.
func (a *App) Migrate(ctx context.Context) error {
	db, err := a.openDatabase(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return a.migrate(db)
}

func (a *App) registerCore() {
	cfg := a.config

	a.startup.AddDependency(&startup.Func{
		Name: depTracing,
		StartFunc: func(ctx context.Context) error {
			exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
				Endpoint: cfg.OTLPEndpoint,
				Protocol: cfg.OTLPProtocol,
				Insecure: cfg.OTLPInsecure,
			})
			if err != nil {
				return fmt.Errorf("failed to create trace exporter: %w", err)
			}
			if exporter != nil {
				a.tracer = tracing.NewProvider(cfg.AppName, exporter)
			} else {
				a.tracer = tracing.NewProvider(cfg.AppName, nil)
			}
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if a.tracer == nil {
				return nil
			}
			return a.tracer.Shutdown(ctx)
		},
	})

	indexRequires := []string{}
	if cfg.IndexBackend == config.IndexBackendPostgres {
		a.startup.AddDependency(&startup.Func{
			Name: depDatabase,
			StartFunc: func(ctx context.Context) error {
				db, err := a.openDatabase(ctx)
				if err != nil {
					return err
				}
				a.db = db
				a.health.AddCheck(depDatabase, db.PingContext)
				return nil
			},
			StopFunc: func(ctx context.Context) error { return a.db.Close() },
		})
		indexRequires = append(indexRequires, depDatabase)

		if cfg.DatabaseMigrateOnStart {
			a.startup.AddDependency(&startup.Func{
				Name:      depMigrations,
				Requires:  []string{depDatabase},
				StartFunc: func(ctx context.Context) error { return a.migrate(a.db) },
			})
			indexRequires = append(indexRequires, depMigrations)
		}
	}

	a.startup.AddDependency(&startup.Func{
		Name:     depIndex,
		Requires: indexRequires,
		StartFunc: func(ctx context.Context) error {
			if cfg.IndexBackend == config.IndexBackendPostgres {
				a.index = productindex.NewRepository(a.db, a.logger)
			} else {
				a.index = index.NewMemory(a.logger)
			}
			return nil
		},
	})

	storageRequires := []string{}
	if cfg.UsesRedis() {
		a.startup.AddDependency(&startup.Func{
			Name: depRedis,
			StartFunc: func(ctx context.Context) error {
				client, err := fernredis.NewClient(ctx, fernredis.Config{
					Host:      cfg.RedisHost,
					Port:      cfg.RedisPort,
					Password:  cfg.RedisPassword,
					DB:        cfg.RedisDB,
					KeyPrefix: cfg.RedisKeyPrefix,
				}, a.logger)
				if err != nil {
					return err
				}
				a.redis = client
				a.health.AddCheck(depRedis, client.Ping)
				return nil
			},
			StopFunc: func(ctx context.Context) error { return a.redis.Close() },
		})
		storageRequires = append(storageRequires, depRedis)
	}

	a.startup.AddDependency(&startup.Func{
		Name:      depStorage,
		Requires:  storageRequires,
		StartFunc: a.startStorage,
		StopFunc: func(ctx context.Context) error {
			if closer, ok := a.storage.(io.Closer); ok {
				return closer.Close()
			}
			return nil
		},
	})
}

func (a *App) registerServe() {
	cfg := a.config

	listenerRequires := []string{}
	if cfg.KafkaProducerEnabled {
		a.startup.AddDependency(&startup.Func{
			Name: depProducer,
			StartFunc: func(ctx context.Context) error {
				a.producer = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      cfg.KafkaBrokers,
					Topic:        cfg.KafkaOutputTopic,
					BatchSize:    cfg.KafkaBatchSize,
					BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
					RequiredAcks: cfg.KafkaRequiredAcks,
					Compression:  cfg.KafkaCompression,
				}, a.logger)
				return nil
			},
			StopFunc: func(ctx context.Context) error { return a.producer.Close() },
		})
		listenerRequires = append(listenerRequires, depProducer)
	}

	if cfg.GraphEnabled {
		a.startup.AddDependency(&startup.Func{
			Name: depGraph,
			StartFunc: func(ctx context.Context) error {
				client, err := graph.NewClient(graph.Config{
					Host:     cfg.GraphDBHost,
					Port:     cfg.GraphDBPort,
					Username: cfg.GraphDBUser,
					Password: cfg.GraphDBPassword,
				}, a.logger)
				if err != nil {
					return err
				}
				if err := client.VerifyConnectivity(ctx); err != nil {
					_ = client.Close(ctx)
					return fmt.Errorf("failed to reach graph database: %w", err)
				}
				a.graph = client
				a.health.AddCheck(depGraph, client.VerifyConnectivity)
				return nil
			},
			StopFunc: func(ctx context.Context) error { return a.graph.Close(ctx) },
		})
		listenerRequires = append(listenerRequires, depGraph)
	}

	a.startup.AddDependency(&startup.Func{
		Name:      depListeners,
		Requires:  listenerRequires,
		StartFunc: a.startListeners,
		StopFunc: func(ctx context.Context) error {
			if a.dispatcher == nil {
				return nil
			}
			return a.dispatcher.Stop(ctx)
		},
	})

	// the dispatcher is the indexer's notifier
	a.registerIndexer(depListeners)

	if cfg.KafkaConsumerEnabled {
		a.startup.AddDependency(&startup.Func{
			Name:     depConsumer,
			Requires: []string{depIndexer},
			StartFunc: func(ctx context.Context) error {
				a.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
					Brokers:       cfg.KafkaBrokers,
					Topic:         cfg.KafkaInputTopic,
					ConsumerGroup: cfg.KafkaConsumerGroup,
					MaxAttempts:   cfg.KafkaConsumerMaxAttempts,
					RetryBackoff:  cfg.KafkaConsumerRetryBackoff,
				}, a.logger, a.handleMessage)
				a.health.AddCheck(depConsumer, func(context.Context) error {
					if !a.consumer.Health() {
						return errors.New("consumer is not running")
					}
					return nil
				})
				return a.consumer.Start(ctx)
			},
			StopFunc: func(ctx context.Context) error { return a.consumer.Stop() },
		})
	}

	if cfg.ArchiveEnabled {
		a.startup.AddDependency(&startup.Func{
			Name:     depArchive,
			Requires: []string{depIndexer},
			StartFunc: func(ctx context.Context) error {
				policies, err := archive.LoadPolicies(cfg.ArchivePolicyFile)
				if err != nil {
					return err
				}
				var locker archive.Locker
				if a.redis != nil {
					locker = fernredis.NewLocker(a.redis)
				}
				a.scheduler = archive.NewScheduler(a.indexer, policies, locker, a.archiveConfig(), a.logger)
				return a.scheduler.Start(ctx)
			},
			StopFunc: func(ctx context.Context) error { return a.scheduler.Stop(ctx) },
		})
	}

	a.startup.AddDependency(&startup.Func{
		Name:      depHTTP,
		Requires:  []string{depIndexer},
		StartFunc: a.startServer,
		StopFunc: func(ctx context.Context) error {
			if a.server == nil {
				return nil
			}
			return a.server.Shutdown(ctx)
		},
	})
}

func (a *App) registerIndexer(requires ...string) {
	a.startup.AddDependency(&startup.Func{
		Name:     depIndexer,
		Requires: append([]string{depTracing, depIndex, depStorage}, requires...),
		StartFunc: func(ctx context.Context) error {
			m, err := a.defaultModule()
			if err != nil {
				return err
			}
			var notifier indexer.Notifier
			if a.dispatcher != nil {
				notifier = a.dispatcher
			}
			a.indexer = indexer.NewIndexer(a.logger, a.index, a.storage, a.associator, notifier, indexer.Config{
				AssociateUsingCurrentProducts: a.config.AssociateUsingCurrentProducts,
			}, m)
			return nil
		},
	})
}

func (a *App) openDatabase(ctx context.Context) (database.DB, error) {
	cfg := a.config
	return database.Open(ctx, a.logger, database.ConnectionConfig{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	})
}

func (a *App) migrate(db database.DB) error {
	cfg := a.config
	migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	return migrations.MigratePostgres(db, cfg.DatabaseName)
}

func (a *App) startStorage(ctx context.Context) error {
	switch a.config.StorageBackend {
	case config.StorageBackendRedis:
		a.storage = storage.NewRedis(a.redis, a.logger)
	case config.StorageBackendSQLite:
		sqlite, err := storage.OpenSQLite(a.config.StorageSQLitePath, a.logger)
		if err != nil {
			return err
		}
		a.storage = sqlite
	default:
		a.storage = storage.NewMemory()
	}
	return nil
}

// defaultModule loads the optional region and signature files of the default module.
func (a *App) defaultModule() (*module.Default, error) {
	var regions module.Regions
	if path := a.config.AuthoritativeRegionsFile; path != "" {
		loaded, err := module.LoadRegions(path)
		if err != nil {
			return nil, err
		}
		regions = loaded
	}

	var verifier module.SignatureVerifier
	if path := a.config.SignatureKeysFile; path != "" {
		keys, err := module.LoadKeyChain(path)
		if err != nil {
			return nil, err
		}
		verifier = keys
	}
	return module.NewDefault(a.logger, regions, verifier), nil
}

func (a *App) startListeners(ctx context.Context) error {
	cfg := a.config
	a.dispatcher = listener.NewDispatcher(a.logger)

	var expression *listener.ExpressionFilter
	if cfg.ListenerFilter != "" {
		compiled, err := listener.NewExpressionFilter(cfg.ListenerFilter)
		if err != nil {
			return err
		}
		expression = compiled
	}
	typeFilter := listener.TypeFilter{IncludeTypes: nonEmpty(cfg.ListenerIncludeTypes), ExcludeTypes: nonEmpty(cfg.ListenerExcludeTypes)}
	opts := listener.Options{MaxTries: cfg.ListenerMaxTries, Timeout: cfg.ListenerTimeout}

	var listeners []listener.Listener
	if a.producer != nil {
		listeners = append(listeners, events.NewPublisher(a.producer, typeFilter, a.logger))
	}
	if a.graph != nil {
		listeners = append(listeners, graph.NewMirror(a.graph, typeFilter, a.logger))
	}

	for _, l := range listeners {
		if expression != nil {
			l = listener.NewFiltered(l, expression)
		}
		if err := a.dispatcher.Register(ctx, l, opts); err != nil {
			return err
		}
	}
	return nil
}

// nonEmpty drops the blank entry an empty list variable binds to.
func nonEmpty(values []string) []string {
	return ectolinq.Filter(values, func(v string) bool { return strings.TrimSpace(v) != "" })
}

// handleMessage indexes one product from the feed. Products no module can summarize are not retried.
func (a *App) handleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	_, err := a.indexer.OnProduct(ctx, msg.Product, msg.Force())
	if errors.Is(err, indexer.ErrNoModule) {
		return fmt.Errorf("%w: %w", kafka.ErrInvalidMessage, err)
	}
	return err
}

func (a *App) archiveConfig() archive.Config {
	return archive.Config{Interval: a.config.ArchiveInterval, LockTTL: a.config.ArchiveLockTTL}
}

func (a *App) startServer(ctx context.Context) error {
	e, err := a.newEcho(ctx)
	if err != nil {
		return err
	}

	cfg := a.config
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

func (a *App) newEcho(ctx context.Context) (*echo.Echo, error) {
	cfg := a.config

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	a.health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	if cfg.AuthEnabled {
		verifier, err := middleware.NewOIDCVerifier(ctx, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to create token verifier: %w", err)
		}
		api.Use(middleware.Authentication(a.logger, verifier))
	}

	search.NewHandler(a.indexer, a.associator, a.logger).Register(api)
	product.NewHandler(a.indexer, a.logger).Register(api)
	return e, nil
}
