package cli

import (
	"github.com/redis/go-redis/v9"

	"github.com/drivelinehq/driveline/accounts"
	"github.com/drivelinehq/driveline/api"
	"github.com/drivelinehq/driveline/cache"
	"github.com/drivelinehq/driveline/catalog"
	"github.com/drivelinehq/driveline/chat"
	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/connector"
	"github.com/drivelinehq/driveline/db"
	"github.com/drivelinehq/driveline/events"
	"github.com/drivelinehq/driveline/metrics"
	"github.com/drivelinehq/driveline/pipeline"
	"github.com/drivelinehq/driveline/realtime"
	"github.com/drivelinehq/driveline/security"
	"github.com/drivelinehq/driveline/services"
	"github.com/drivelinehq/driveline/storage"
	"github.com/drivelinehq/driveline/validation"
	"github.com/drivelinehq/driveline/version"
)

// App is the assembled service container. serve uses all of it; the
// import commands use the sync slice.
type App struct {
	Config   *config.Config
	Registry *services.Registry

	DB        *db.DB
	Cache     *cache.Service
	Events    events.Publisher
	Metrics   *metrics.Service
	Security  *security.Service
	Accounts  *accounts.Store
	Chat      *chat.Service
	Hub       *realtime.Hub
	Bridge    *realtime.Bridge
	Storage   *storage.ObjectStore
	Validate  *validation.Service
	History   *pipeline.HistoryRepo
	Factory   *pipeline.Factory
	Scheduler *pipeline.Scheduler
}

// buildApp loads configuration and wires the full container. Nothing
// is started; the registry's InitializeAll does that.
func buildApp(cfgFile string) (*App, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	common.Configure(common.LogConfig{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Dir:     cfg.Logging.Dir,
		Service: cfg.App.Name,
		Version: version.Version,
		Env:     cfg.App.Environment,
	})

	handle, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	var models []interface{}
	models = append(models, accounts.Models()...)
	models = append(models, chat.Models()...)
	models = append(models, catalog.Models()...)
	models = append(models, pipeline.Models()...)
	if err := handle.Migrate(models...); err != nil {
		return nil, err
	}

	backend, err := cacheBackend(cfg)
	if err != nil {
		return nil, err
	}
	cacheSvc := cache.NewService(backend, cfg.Cache.Prefix, cfg.Cache.DefaultTTL)

	local := events.NewBus()
	var pub events.Publisher = local
	if cfg.Events.Backend == "amqp" {
		bus, err := events.NewAMQPBus(cfg.Events.AMQPURL, cfg.Events.Exchange, local)
		if err != nil {
			return nil, err
		}
		pub = bus
	}

	metricsSvc := metrics.NewService()

	sec, err := security.NewService(cfg.Security, cacheSvc, pub)
	if err != nil {
		return nil, err
	}
	sec.SetMetrics(metricsSvc)

	store := accounts.NewStore(handle.Gorm())

	chatSvc := chat.NewService(handle.Gorm(), cfg.Chat, sec.Encryptor, cacheSvc, pub)
	chatSvc.SetMetrics(metricsSvc)

	hub := realtime.NewHub(chatSvc, cacheSvc, cfg.Chat)
	hub.SetMetrics(metricsSvc)

	app := &App{
		Config:   cfg,
		Registry: services.NewRegistry(),
		DB:       handle,
		Cache:    cacheSvc,
		Events:   pub,
		Metrics:  metricsSvc,
		Security: sec,
		Accounts: store,
		Chat:     chatSvc,
		Hub:      hub,
		Validate: validation.NewService(),
	}

	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		app.Bridge = realtime.NewBridge(redis.NewClient(redisOpts), hub.Manager())
		hub.SetBridge(app.Bridge)
	}

	if cfg.Storage.Enabled {
		objects, err := storage.NewObjectStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		app.Storage = objects
	}

	app.History = pipeline.NewHistoryRepo(handle.Gorm())
	var objects connector.ObjectSource
	if app.Storage != nil {
		objects = app.Storage
	}
	app.Factory = pipeline.NewFactory(cfg.Sync, handle.SQLx(), app.Validate, objects)
	app.Scheduler = pipeline.NewScheduler(cfg.Sync, func(entity string) (*pipeline.Pipeline, string, error) {
		return app.Factory.Build(entity, pipeline.BuildOptions{Source: cfg.Sync.Source})
	}, app.History, pub)
	app.Scheduler.SetMetrics(metricsSvc)

	app.Registry.RegisterService(metricsSvc)
	app.Registry.RegisterService(handle)
	app.Registry.RegisterService(cacheSvc)
	if svc, ok := pub.(services.Service); ok {
		app.Registry.RegisterService(svc)
	}
	app.Registry.RegisterService(app.Validate)
	app.Registry.RegisterService(sec)
	app.Registry.RegisterService(store)
	app.Registry.RegisterService(chatSvc)
	app.Registry.RegisterService(hub)
	if app.Storage != nil {
		app.Registry.RegisterService(app.Storage)
	}
	app.Registry.RegisterService(app.Scheduler)

	return app, nil
}

func cacheBackend(cfg *config.Config) (cache.Backend, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedisBackend(cfg.Redis.URL)
	case "disk":
		return cache.NewDiskBackend(cfg.Cache.Path)
	default:
		return cache.NewMemoryBackend(), nil
	}
}

// Server builds the HTTP surface over the container.
func (a *App) Server() *api.Server {
	return api.NewServer(api.Deps{
		Config:   a.Config,
		Registry: a.Registry,
		Accounts: a.Accounts,
		Security: a.Security,
		Chat:     a.Chat,
		Hub:      a.Hub,
		Metrics:  a.Metrics,
		Storage:  a.Storage,
	})
}
