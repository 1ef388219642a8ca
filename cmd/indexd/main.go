package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sitepulse/indexd/internal/adapter/apitoken"
	browseradapter "github.com/sitepulse/indexd/internal/adapter/browser"
	"github.com/sitepulse/indexd/internal/api"
	"github.com/sitepulse/indexd/internal/browser/headless"
	"github.com/sitepulse/indexd/internal/captcha"
	"github.com/sitepulse/indexd/internal/clock/system"
	"github.com/sitepulse/indexd/internal/config"
	"github.com/sitepulse/indexd/internal/dispatcher"
	"github.com/sitepulse/indexd/internal/id/uuid"
	"github.com/sitepulse/indexd/internal/indexing"
	"github.com/sitepulse/indexd/internal/logging"
	"github.com/sitepulse/indexd/internal/progress"
	"github.com/sitepulse/indexd/internal/progress/sinks"
	pubsubpublisher "github.com/sitepulse/indexd/internal/publisher/pubsub"
	"github.com/sitepulse/indexd/internal/session"
	"github.com/sitepulse/indexd/internal/storage/gcs"
	"github.com/sitepulse/indexd/internal/storage/local"
	"github.com/sitepulse/indexd/internal/storage/memory"
	"github.com/sitepulse/indexd/internal/storage/postgres"
	"github.com/sitepulse/indexd/internal/storage/redis"
	"github.com/sitepulse/indexd/internal/verify"
	"github.com/sitepulse/indexd/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("indexd failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	var readiness []func(context.Context) error

	// Job store.
	var jobStore indexing.JobStore
	var pgPool *pgxpool.Pool
	if cfg.Jobs.Backend == "postgres" || cfg.Ledger.Backend == "postgres" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{DSN: cfg.DB.DSN})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgPool = pool
		readiness = append(readiness, pool.Ping)
	}
	switch cfg.Jobs.Backend {
	case "postgres":
		store, err := postgres.NewJobStore(pgPool)
		if err != nil {
			return fmt.Errorf("postgres job store: %w", err)
		}
		jobStore = store
	default:
		jobStore = memory.NewJobStore()
	}

	// Quota and success ledger.
	var ledger indexing.Ledger
	switch cfg.Ledger.Backend {
	case "postgres":
		l, err := postgres.NewLedger(pgPool)
		if err != nil {
			return fmt.Errorf("postgres ledger: %w", err)
		}
		ledger = l
	case "redis":
		l := redis.NewLedger(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "indexd:")
		defer l.Close()
		readiness = append(readiness, l.Ping)
		ledger = l
	default:
		ledger = memory.NewLedger()
	}

	// Failure-page artifacts.
	var artifacts indexing.ArtifactStore
	switch cfg.Artifacts.Backend {
	case "local":
		store, err := local.NewArtifactStore(cfg.Artifacts.BaseDir)
		if err != nil {
			return fmt.Errorf("local artifact store: %w", err)
		}
		artifacts = store
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		defer client.Close()
		store, err := gcs.New(client, cfg.Artifacts.GCSBucket)
		if err != nil {
			return fmt.Errorf("gcs artifact store: %w", err)
		}
		artifacts = store
	}

	// Browser sessions.
	cookieStore, err := local.NewCookieStore(cfg.Session.CookieDir)
	if err != nil {
		return fmt.Errorf("cookie store: %w", err)
	}
	var solver indexing.CaptchaSolver
	if cfg.Session.CaptchaEndpoint != "" {
		s, err := captcha.NewHTTPSolver(cfg.Session.CaptchaEndpoint, cfg.Session.CaptchaAPIKey, 0)
		if err != nil {
			return fmt.Errorf("captcha solver: %w", err)
		}
		solver = s
	}
	sessions := session.NewManager(cookieStore, solver, clock, logger.Named("session"), session.Options{
		CaptchaAttempts: cfg.Session.CaptchaAttempts,
	})

	// Progress pipeline.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		sinks.NewStoreSink(jobStore, logger.Named("progress")),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close", zap.Error(err))
		}
	}()
	sessions.OnState = func(sess indexing.Session) {
		hub.Emit(progress.Event{
			TS:           clock.Now(),
			Stage:        progress.StageSessionState,
			Provider:     sess.Provider,
			SessionState: sess.State,
			Note:         sess.Account,
		})
	}

	// Terminal outcome notifications.
	var publisher indexing.Publisher
	if cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("pubsub client close", zap.Error(closeErr))
			}
		}()
		publisher = pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicName))
	}

	// Shared headless browser, created only when a browser provider needs it.
	var flow *headless.Flow
	browserFlow := func() (*headless.Flow, error) {
		if flow != nil {
			return flow, nil
		}
		f, err := headless.New(headless.Config{
			MaxParallel: cfg.Browser.MaxParallel,
			UserAgent:   cfg.Browser.UserAgent,
		})
		if err != nil {
			return nil, err
		}
		flow = f
		return flow, nil
	}
	defer func() {
		if flow != nil {
			flow.Close()
		}
	}()

	exec := worker.New(
		jobStore,
		ledger,
		cfg,
		clock,
		cfg.Backoff(),
		publisher,
		hub,
		sessions,
		worker.Config{Topic: cfg.PubSub.TopicName},
		logger.Named("worker"),
	)
	disp := dispatcher.New(dispatcher.Deps{
		Jobs:     jobStore,
		Ledger:   ledger,
		Configs:  cfg,
		Clock:    clock,
		IDs:      idGen,
		Executor: exec,
		Hub:      hub,
		Logger:   logger.Named("dispatcher"),
	}, dispatcher.Options{QueueDepth: cfg.Dispatch.QueueDepth})

	for name := range cfg.Providers {
		pc, ok := cfg.ProviderConfig(name)
		if !ok || !pc.Enabled {
			continue
		}
		var adapter indexing.Adapter
		switch pc.Kind {
		case indexing.ProviderAPIToken:
			a, err := apitoken.New(pc)
			if err != nil {
				return fmt.Errorf("provider %s: %w", name, err)
			}
			adapter = a
		case indexing.ProviderBrowser:
			f, err := browserFlow()
			if err != nil {
				return fmt.Errorf("headless browser: %w", err)
			}
			a, err := browseradapter.New(pc, sessions, f, artifacts, clock, logger.Named("adapter").With(zap.String("provider", name)))
			if err != nil {
				return fmt.Errorf("provider %s: %w", name, err)
			}
			adapter = a
		}
		disp.Register(adapter, pc.Concurrency)
		logger.Info("provider registered",
			zap.String("provider", name),
			zap.String("kind", string(pc.Kind)),
			zap.Int("workers", pc.Concurrency))
	}

	checker := verify.New(verify.Config{UserAgent: cfg.Browser.UserAgent}, func(provider indexing.ProviderID) (string, bool) {
		pc, ok := cfg.ProviderConfig(string(provider))
		if !ok || pc.QueryURL == "" {
			return "", false
		}
		return pc.QueryURL, true
	})

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	apiServer := api.NewServer(api.Deps{
		Jobs:     jobStore,
		Engine:   disp,
		Checker:  checker,
		Sessions: sessions,
		Ledger:   ledger,
		Configs:  cfg,
		Clock:    clock,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Ready:    readyCheck(readiness),
		Logger:   logger.Named("api"),
	}, api.Options{APIKey: apiKey})

	disp.Start(ctx)
	if recovered, err := disp.Recover(ctx); err != nil {
		logger.Error("recover active jobs", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("re-enqueued active jobs after restart", zap.Int("count", recovered))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	disp.Wait()
	logger.Info("shutdown complete")
	return nil
}

func readyCheck(checks []func(context.Context) error) func(context.Context) error {
	if len(checks) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
