package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/deployster/internal/app/migrate"
	httpx "github.com/splax/deployster/internal/http"
	"github.com/splax/deployster/internal/ledger"
	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/repository/postgres"
	"github.com/splax/deployster/internal/service/archive"
	"github.com/splax/deployster/internal/service/deploy"
	"github.com/splax/deployster/internal/service/pipeline"
	"github.com/splax/deployster/internal/service/record"
	"github.com/splax/deployster/internal/service/rollback"
	"github.com/splax/deployster/internal/service/sequencer"
	"github.com/splax/deployster/internal/shell"
	"github.com/splax/deployster/internal/supervisor"
	"github.com/splax/deployster/internal/worker"
	"github.com/splax/deployster/internal/ws"
	"github.com/splax/deployster/pkg/config"
	"github.com/splax/deployster/pkg/crypto"
	"github.com/splax/deployster/pkg/logger"
)

func main() {
	config.LoadDotEnv(".env")
	cfg := config.LoadControllerConfig()
	log := logger.New("deployster", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, "", log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	rdb, err := newRedis(cfg)
	if err != nil {
		log.Error("invalid redis configuration", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		log.Error("redis ping failed", "error", err)
		os.Exit(1)
	}

	sealer, err := crypto.NewSealer(cfg.EnvEncryptionKey)
	if err != nil {
		log.Error("invalid env encryption key", "error", err)
		os.Exit(1)
	}
	if cfg.DeployToken == "" {
		log.Warn("DEPLOYSTER_TOKEN is empty; API requests are not authenticated")
	}

	repo := postgres.New(pool)
	exec := shell.NewExec(cfg.Shell, log)
	sup := supervisor.New(cfg.SupervisorBin, exec)
	locks := lock.NewManager(rdb, lock.WithTTL(cfg.LockTTL), lock.WithLogger(log))
	jobs := ledger.New(rdb, cfg.JobTTL)
	records := record.New(repo, repo, log)
	stages := pipeline.NewRegistry(repo, sealer, sup, log)
	archiver := archive.New(cfg.ArtifactRoot, log, archive.WithRetention(cfg.ArtifactRetention))
	seq := sequencer.New(exec, sup, log)
	hub := ws.NewHub(log)

	workers := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueue,
		worker.WithRegisterer(prometheus.DefaultRegisterer),
		worker.WithLogger(log),
	)
	workers.Start()

	deploySvc := deploy.NewService(deploy.Deps{
		Projects:  repo,
		Records:   records,
		Stages:    stages,
		Sequencer: seq,
		Archiver:  archiver,
		Locks:     locks,
		Ledger:    jobs,
		Pool:      workers,
		Hub:       hub,
		Logger:    log,
		KeepAlive: cfg.LockKeepAlive,
	})
	rollbackSvc := rollback.NewEngine(rollback.Deps{
		Projects:          repo,
		Records:           records,
		Heads:             stages,
		Runner:            exec,
		Programs:          sup,
		Extractor:         archiver,
		Locks:             locks,
		Ledger:            jobs,
		Pool:              workers,
		Hub:               hub,
		Logger:            log,
		KeepAlive:         cfg.LockKeepAlive,
		ContinueOnFailure: cfg.RollbackContinueOnFailure,
	})

	reaper := record.NewReaper(records, locks, jobs, cfg.RecordStaleAfter, cfg.ReaperInterval, log)
	go reaper.Run(ctx)

	router := httpx.NewRouter(log, httpx.Services{
		Deploys:   deploySvc,
		Rollbacks: rollbackSvc,
		Stages:    stages,
		Projects:  repo,
		History:   records,
		Jobs:      jobs,
		Streams:   hub,
	}, httpx.Options{
		Token:     cfg.DeployToken,
		RateLimit: cfg.RateLimit,
		Limiter:   httpx.NewRedisRateLimiter(rdb, log),
		Health: map[string]func(context.Context) error{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Registerer: prometheus.DefaultRegisterer,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployster starting", "addr", cfg.Addr, "env", cfg.Environment, "workers", cfg.WorkerCount)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		// Queued jobs still hold their project locks; let them finish.
		if err := workers.Shutdown(context.Background()); err != nil {
			log.Error("worker drain failed", "error", err)
		}
		log.Info("deployster stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func newRedis(cfg config.ControllerConfig) (*redis.Client, error) {
	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), nil
}
