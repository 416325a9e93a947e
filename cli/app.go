// ABOUTME: Builds the application object graph from configuration
// ABOUTME: Opens the database and picks lock, event, and metrics backends, then wires the sync engine
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/prokopsimek/pmcrm-sub000/config"
	"github.com/prokopsimek/pmcrm-sub000/db"
	"github.com/prokopsimek/pmcrm-sub000/events"
	"github.com/prokopsimek/pmcrm-sub000/lock"
	"github.com/prokopsimek/pmcrm-sub000/logging"
	"github.com/prokopsimek/pmcrm-sub000/metrics"
	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/prokopsimek/pmcrm-sub000/sync"
)

// App holds everything a command needs.
type App struct {
	Config config.Config
	Logger *zap.Logger
	DB     *sql.DB
	Store  *db.Store
	Engine *sync.Engine

	registry   *prometheus.Registry
	publisher  events.Publisher
	redis      *redis.Client
	metricsSrv *http.Server
}

// NewApp opens the database and wires the engine. Close releases it all.
func NewApp(cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		DB:       database,
		Store:    db.NewStore(database),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(a.registry)

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = lock.NewRedisLocker(a.redis, "", logger)
		logger.Debug("using redis job locks", zap.String("addr", cfg.Redis.Addr))
	}

	if len(cfg.Kafka.Brokers) > 0 {
		a.publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		logger.Debug("publishing import events to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	} else {
		a.publisher = events.NewLogPublisher(logger)
	}

	maxElapsed := cfg.Sync.Retry.MaxElapsed
	a.Engine = sync.NewEngine(a.Store, sync.DirectoryResolverFunc(a.directory),
		sync.WithLogger(logger),
		sync.WithMetrics(recorder),
		sync.WithLocker(locker),
		sync.WithPublisher(a.publisher),
		sync.WithMatcher(sync.NewMatcher(cfg.Sync.DefaultRegion)),
		sync.WithEngineBatchSize(cfg.Sync.BatchSize),
		sync.WithMaxJobErrors(cfg.Sync.MaxErrors),
		sync.WithLockTTL(cfg.Sync.LockTTL),
		sync.WithHandleRetention(cfg.Sync.HandleRetention),
		sync.WithFetcherOptions(sync.WithBackOff(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = maxElapsed
			return b
		})),
	)

	if cfg.Metrics.Addr != "" {
		a.serveMetrics(cfg.Metrics.Addr)
	}
	return a, nil
}

func (a *App) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	a.Logger.Info("serving metrics", zap.String("addr", addr))
}

// OAuthConfig returns the client registration for a provider.
func (a *App) OAuthConfig(provider string) (*oauth2.Config, error) {
	p := a.Config.Google
	if provider == models.ProviderMicrosoft {
		p = a.Config.Microsoft
	}
	return sync.NewOAuthConfig(provider, sync.OAuthCredentials{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Tenant:       p.Tenant,
		RedirectURL:  a.Config.OAuth.RedirectURL,
	})
}

// directory builds the provider client for an integration from its stored token.
func (a *App) directory(ctx context.Context, integration *models.Integration) (sync.DirectoryClient, error) {
	oc, err := a.OAuthConfig(integration.Provider)
	if err != nil {
		return nil, err
	}
	tokens := sync.NewFileTokenProvider(oc, sync.TokenPath(integration.ID))

	switch integration.Provider {
	case models.ProviderGoogle:
		if base := a.Config.Google.BaseURL; base != "" {
			return sync.NewPeopleDirectory(ctx,
				option.WithHTTPClient(sync.HTTPClient(ctx, tokens)),
				option.WithEndpoint(base))
		}
		return sync.NewGoogleDirectory(ctx, tokens)
	case models.ProviderMicrosoft:
		return sync.NewGraphDirectory(sync.HTTPClient(ctx, tokens), a.Config.Microsoft.BaseURL), nil
	}
	return nil, fmt.Errorf("unknown provider %q", integration.Provider)
}

// Close waits for running jobs, then shuts every backend down.
func (a *App) Close() error {
	a.Engine.Wait()

	var errs []error
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.metricsSrv.Shutdown(ctx))
		cancel()
	}
	errs = append(errs, a.publisher.Close())
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.DB.Close())
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
