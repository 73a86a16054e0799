package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"connectrpc.com/connect"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/atlekbai/formula_engine/internal/config"
	"github.com/atlekbai/formula_engine/internal/dataset"
	"github.com/atlekbai/formula_engine/internal/dialect"
	"github.com/atlekbai/formula_engine/internal/engine"
	"github.com/atlekbai/formula_engine/internal/exec"
	"github.com/atlekbai/formula_engine/internal/handler"
	"github.com/atlekbai/formula_engine/internal/middleware"
	"github.com/atlekbai/formula_engine/internal/planner"
	"github.com/atlekbai/formula_engine/internal/schema"
	"github.com/atlekbai/formula_engine/internal/server"
	"github.com/atlekbai/formula_engine/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logrus.StandardLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.SetLevel(cfg.Level())

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pool.Close()

	local := pool
	if cfg.LocalDatabaseURL != cfg.DatabaseURL {
		if local, err = pgxpool.New(ctx, cfg.LocalDatabaseURL); err != nil {
			log.Fatalf("failed to connect to local compute database: %v", err)
		}
		defer local.Close()
	}

	cache := schema.NewCache()
	if err := cache.Load(ctx, pool); err != nil {
		log.Fatalf("failed to load schema cache: %v", err)
	}
	log.WithField("sources", cache.SourceCount()).Info("schema cache loaded")

	f, err := os.Open(cfg.DatasetPath)
	if err != nil {
		log.Fatalf("failed to open dataset: %v", err)
	}
	ds, err := dataset.Load(f)
	f.Close()
	if err != nil {
		log.Fatalf("failed to load dataset: %v", err)
	}

	source, err := dialect.Get(cfg.Dialect)
	if err != nil {
		log.Fatalf("source dialect: %v", err)
	}

	backend, closeBackend, err := cacheBackend(cfg.Cache)
	if err != nil {
		log.Fatalf("result cache: %v", err)
	}
	defer closeBackend()

	eng, err := engine.New(ds, cache, source)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	eng.Log = log
	eng.CollectErrors = cfg.CollectErrors
	eng.Planner = planner.New(cfg.Strategy())
	eng.Planner.Log = log
	eng.Runner = &exec.Runner{
		Local: &exec.PgxLocalExecutor{DB: local},
		Cache: &exec.CacheAdapter{Backend: backend, Log: log},
		Options: exec.Options{
			TTL:    cfg.Cache.TTL,
			Locked: cfg.Cache.Locked,
		},
		Log: log,
	}
	if source.Name == dialect.PostgreSQL {
		eng.Runner.Source = &exec.PgxExecutor{DB: pool}
	} else {
		log.WithField("dialect", source.Name).Warn("no executor for source dialect, only compilation is served")
	}

	interceptors := []connect.Interceptor{
		server.LoggingInterceptor(log),
		server.ValidationInterceptor(service.ValidateRequest),
	}
	mux := http.NewServeMux()
	server.Mount(mux, interceptors, service.NewFormulaService(eng))
	handler.New(eng).Routes(mux)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: middleware.Recovery(log)(middleware.Logging(log)(mux)),
	}

	go func() {
		<-ctx.Done()
		log.Info("shutting down...")
		srv.Shutdown(context.Background())
	}()

	log.Infof("listening on %s", cfg.Addr())
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func cacheBackend(cfg config.Cache) (exec.Backend, func(), error) {
	switch cfg.Backend {
	case config.CacheBolt:
		b, err := exec.OpenBolt(cfg.Path, cfg.LockTimeout)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	case config.CacheMemory:
		m, err := exec.NewMemoryBackend(cfg.Entries)
		if err != nil {
			return nil, nil, err
		}
		return m, func() {}, nil
	}
	return nil, func() {}, nil
}
