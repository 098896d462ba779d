package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/codequality/rule-registry/pkg/cache"
	"github.com/codequality/rule-registry/pkg/config"
	"github.com/codequality/rule-registry/pkg/db"
	"github.com/codequality/rule-registry/pkg/index"
	"github.com/codequality/rule-registry/pkg/jobs"
	"github.com/codequality/rule-registry/pkg/rules"
	"github.com/codequality/rule-registry/pkg/tenancy"
)

// app holds the components every command shares.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	renderer *rules.MarkdownRenderer
	backend  index.Backend
	redis    *redis.Client
	jobStore *jobs.JobStore
	pool     *jobs.WorkerPool
}

// newApp opens and migrates the database, connects the index backend and
// builds the index worker pool.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       gormDB,
		registry: prometheus.NewRegistry(),
	}
	if err := db.Migrate(ctx, gormDB, logger); err != nil {
		a.Close()
		return nil, err
	}

	switch cfg.Index.Backend {
	case config.IndexRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Index.RedisAddr,
			Password: cfg.Index.RedisPassword,
			DB:       cfg.Index.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Index.RedisAddr, err)
		}
		a.backend = index.NewRedisBackend(a.redis, cfg.Index.KeyPrefix)
	default:
		a.backend = index.NewMemoryBackend()
	}

	a.renderer = rules.NewMarkdownRenderer(cache.NewFromConfig(cfg.Render), logger)
	source := rules.NewIndexSource(gormDB, rules.NewResolver(a.renderer))
	indexer := index.NewIndexer(source, a.backend, cfg.Index.Config, index.NewMetrics(a.registry), logger)

	a.jobStore = jobs.NewJobStore(gormDB)
	a.pool = jobs.NewWorkerPool(a.jobStore, indexer, &cfg.Jobs, a.registry, logger)

	logger.Info("rule registry initialized",
		"database", cfg.Database.Type,
		"indexBackend", cfg.Index.Backend,
		"tenancyMode", cfg.Server.TenancyMode)
	return a, nil
}

// handler builds the HTTP routes of the server.
func (a *app) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := a.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	api := rules.NewAPI(a.db, a.renderer, a.jobStore, a.pool, a.logger)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(tenancy.NewMiddleware(a.cfg.Mode(), a.cfg.Organization.Default))
		r.Mount("/index/jobs", jobs.Router(a.jobStore, a.pool))
		r.Get("/index/rules", index.SearchRulesHandler(a.backend))
		r.Mount("/", rules.NewRouter(api))
	})
	return r
}

// organizations returns the organizations that index jobs fan out to: every
// organization known to the record store, or the default one when the store
// knows none.
func (a *app) organizations(ctx context.Context, sess *rules.Session) ([]string, error) {
	orgs, err := rules.NewRuleStore(a.db).ListOrganizations(ctx, sess)
	if err != nil {
		return nil, err
	}
	if len(orgs) == 0 && a.cfg.Organization.Default != "" {
		orgs = []string{a.cfg.Organization.Default}
	}
	return orgs, nil
}

// Close releases the database and Redis connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}
