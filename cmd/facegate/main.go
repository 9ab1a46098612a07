package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"facegate.org/internal/audit"
	"facegate.org/internal/auth"
	"facegate.org/internal/config"
	"facegate.org/internal/faces"
	"facegate.org/internal/health"
	"facegate.org/internal/httpapi"
	"facegate.org/internal/migrate"
	"facegate.org/internal/obs"
	"facegate.org/internal/recognition"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file (default: facegate.yaml in . or config/)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "facegate: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	debugRotation, err := obs.ParseRotation(cfg.Log.DebugRotation)
	if err != nil {
		return err
	}
	logger, debugFile, err := obs.NewLogger(obs.LogConfig{
		Dir:           cfg.Log.Dir,
		Level:         cfg.Log.Level,
		Rotation:      debugRotation,
		RetentionDays: cfg.Log.DebugRetentionDays,
		Compress:      cfg.Log.Compress,
		Stdout:        cfg.Log.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close", zap.Error(err))
			}
		}
	}()
	if debugFile != nil {
		closers = append(closers, debugFile.Close)
	}

	keys, err := auth.LoadOrCreateKeyPair(cfg.Keys.Dir, cfg.Keys.Bits)
	if err != nil {
		return fmt.Errorf("load signing keys: %w", err)
	}
	logger.Info("signing keys ready", zap.String("kid", keys.KeyID), zap.String("dir", cfg.Keys.Dir))

	clients, closeClients, err := openClientStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeClients)

	authority, err := auth.New(clients, keys,
		auth.WithIssuer(cfg.Token.Issuer),
		auth.WithAccessTTL(cfg.Token.TTL),
		auth.WithAlgorithm(cfg.Token.Algorithm),
		auth.WithLogger(obs.Component(logger, "auth")),
		auth.WithMetrics(obs.Recorder{}),
	)
	if err != nil {
		return err
	}

	auditRotation, err := obs.ParseRotation(cfg.Log.AuditRotation)
	if err != nil {
		return err
	}
	sink, auditFile, err := audit.NewFileSink(audit.FileSinkConfig{
		Dir:           cfg.Log.Dir,
		Rotation:      auditRotation,
		RetentionDays: cfg.Log.AuditRetentionDays,
		Compress:      cfg.Log.Compress,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	closers = append(closers, auditFile.Close)
	trail := audit.NewTrail(sink,
		audit.WithDebugLogger(obs.Component(logger, "audit")),
		audit.WithRedaction(cfg.Audit.RedactPII, cfg.Audit.HashSalt),
		audit.WithFailureCounter(obs.Recorder{}),
	)
	closers = append(closers, trail.Sync)

	queue, closeQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closeQueue)

	monitor := health.NewMonitor(
		health.WithQueue(queue),
		health.WithLogger(obs.Component(logger, "health")),
		health.WithMetrics(obs.Recorder{}),
		health.WithProbeTimeout(cfg.Health.ProbeTimeout),
	)
	monitor.OnStateChange(func(t health.Transition) {
		trail.LogHealthEvent(context.Background(), string(t.Component), string(t.From), string(t.To), t.Record.Message)
	})
	reporter := health.NewGRPCReporter(monitor)

	engine := recognition.NewHTTPEngine(cfg.Engine.URL, cfg.Engine.Timeout)
	vectors := recognition.NewMemoryStore()
	svc := faces.NewService(monitor, engine, vectors, trail,
		faces.WithLogger(obs.Component(logger, "faces")),
		faces.WithThreshold(cfg.Recognition.Threshold),
	)
	svc.DrainOnRecovery(ctx)

	prober := health.NewProber(monitor, health.Probes{
		EmbeddingEngine: engine.Ping,
		VectorStore:     vectors.Ping,
		Auth:            authority.Ping,
	}, cfg.Health.ProbeInterval, obs.Component(logger, "prober"))

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	background(func() { prober.Run(ctx) })
	background(func() { auditFile.Run(ctx, logger) })
	if debugFile != nil {
		background(func() { debugFile.Run(ctx, logger) })
	}

	proxies, err := cfg.Rate.Proxies()
	if err != nil {
		return err
	}
	api := httpapi.New(httpapi.Config{
		Authority:  authority,
		Faces:      svc,
		Monitor:    monitor,
		Trail:      trail,
		Logger:     obs.Component(logger, "http"),
		Metrics:    obs.Recorder{},
		AdminKey:   cfg.Admin.Key,
		Version:    obs.Version,
		RateBurst:  cfg.Rate.Burst,
		RatePerSec: cfg.Rate.PerSecond,

		TrustedProxies: proxies,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, reporter.Server())
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	trail.LogServerStart(ctx, obs.Version, map[string]any{
		"http_addr":       cfg.Server.Addr,
		"grpc_addr":       cfg.GRPC.Addr,
		"token_algorithm": cfg.Token.Algorithm,
		"token_ttl":       cfg.Token.TTL.String(),
		"queue_backend":   cfg.Queue.Backend,
		"redact_pii":      cfg.Audit.RedactPII,
		"admin_enabled":   cfg.Admin.Key != "",
	})

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr), zap.String("version", obs.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc health listening", zap.String("addr", cfg.GRPC.Addr))
		if err := gs.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	reporter.Shutdown()
	gs.GracefulStop()
	wg.Wait()
	svc.Wait()
	logger.Info("stopped")
	return err
}

func openClientStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (auth.ClientStore, func() error, error) {
	if cfg.Clients.DSN == "" {
		store, err := auth.OpenFileStore(cfg.Clients.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open client registry: %w", err)
		}
		logger.Info("client registry", zap.String("backend", "file"), zap.String("path", cfg.Clients.Path))
		return store, func() error { return nil }, nil
	}

	db, err := sql.Open("pgx", cfg.Clients.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	applied, err := migrate.NewManager(db, nil).Up(mctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate client registry: %w", err)
	}
	logger.Info("client registry", zap.String("backend", "postgres"), zap.Strings("migrations_applied", applied))
	return auth.NewPGStore(db), db.Close, nil
}

func openQueue(ctx context.Context, cfg *config.Config) (health.Queue, func() error, error) {
	switch cfg.Queue.Backend {
	case "file":
		q, err := health.OpenFileQueue(cfg.Queue.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open registration queue: %w", err)
		}
		return q, q.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		q := health.NewRedisQueue(client, cfg.Queue.RedisKey)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := q.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis queue: %w", err)
		}
		return q, client.Close, nil
	default:
		return health.NewMemoryQueue(), func() error { return nil }, nil
	}
}
