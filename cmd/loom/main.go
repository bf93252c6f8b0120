package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	app "github.com/loomworks/loom"
	"github.com/loomworks/loom/internal/archive"
	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/credentials"
	"github.com/loomworks/loom/internal/dispatch"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/execlog"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/publish"
	"github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/sandbox"
	"github.com/loomworks/loom/internal/script"
	"github.com/loomworks/loom/internal/server"
	"github.com/loomworks/loom/internal/throttle"
	"github.com/loomworks/loom/pkg/log"
)

type loom struct {
	cfg        *config.Config
	redis      *redis.Client
	archiver   *archive.BlobArchiver
	engine     *engine.Engine
	runner     *runtime.Runner
	runnerStop context.CancelFunc
	runnerDone chan struct{}
	apiServer  *server.Server
	httpServer *http.Server
	quit       chan os.Signal
}

var (
	ErrConnectRedis  = errors.New("failed to connect to redis")
	ErrOpenArchive   = errors.New("failed to open archive bucket")
	ErrCreateMetrics = errors.New("failed to create metrics")
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	s := &loom{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		os.Exit(1)
	}
}

func (s *loom) run() error {
	if err := s.initializeBackend(); err != nil {
		return err
	}
	if err := s.initializeEngine(); err != nil {
		return err
	}
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *loom) setupLogging() {
	level, ok := logLevels[s.cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}

	env := os.Getenv("ENV")
	logger := log.NewWithLevel(app.Name, env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Loom Engine starting",
		slog.String("log_level", s.cfg.LogLevel))

	slog.Info("Configuration loaded",
		slog.String("redis_addr", s.cfg.Redis.Addr),
		slog.Int("redis_db", s.cfg.Redis.DB),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort),
		slog.Int("concurrency", s.cfg.GlobalConcurrency))
}

func (s *loom) initializeBackend() error {
	s.redis = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	})
	if err := s.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectRedis, err)
	}

	if s.cfg.ArchiveBucketURL != "" {
		a, err := archive.NewBlobArchiver(context.Background(),
			s.cfg.ArchiveBucketURL, s.cfg.ArchivePrefix)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpenArchive, err)
		}
		s.archiver = a
	}
	return nil
}

func (s *loom) initializeEngine() error {
	logger := slog.Default()
	prefix := s.cfg.Redis.Prefix

	m, err := metrics.New(nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateMetrics, err)
	}

	resolver := credentials.NewResolver(
		credentials.NewRedisStore(s.redis, prefix),
		credentials.NewMemoryCache(s.cfg.CredentialCacheTTL),
		logger,
		credentials.WithTokenEndpoints(s.cfg.TokenEndpoints),
	)

	sb := sandbox.NewClient(
		s.cfg.SandboxBaseURL, s.cfg.SandboxAPIKey, s.cfg.SandboxSyncTimeout,
	)

	dispatcher := dispatch.New(sb, script.NewEnv(),
		dispatch.WithHTTPClient(&http.Client{Timeout: s.cfg.HTTPTimeout}),
		dispatch.WithSyncTimeout(s.cfg.SandboxSyncTimeout),
	)

	queue := runtime.NewQueue(s.redis, prefix)

	var archiver engine.Archiver
	if s.archiver != nil {
		archiver = s.archiver
	}

	s.engine = engine.New(&engine.Deps{
		Executions: engine.NewExecutionStore(s.redis, prefix),
		Logs:       execlog.NewStore(s.redis, prefix, logger),
		Queue:      queue,
		Journal:    runtime.NewJournal(s.redis, prefix),
		Publisher: publish.New(
			func() *redis.Client { return s.redis }, prefix, logger),
		Dispatcher: dispatcher,
		Auth:       auth.NewBuilder(resolver, m, logger),
		Limits:     throttle.NewRegistry(),
		Metrics:    m,
		Archiver:   archiver,
		Logger:     logger,
	})

	s.runner = runtime.NewRunner(queue, s.engine.HandleDelivery, logger,
		runtime.WithConcurrency(s.cfg.GlobalConcurrency),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s.runnerStop = cancel
	s.runnerDone = make(chan struct{})
	go func() {
		defer close(s.runnerDone)
		if err := s.runner.Start(ctx); err != nil {
			slog.Error("Runner failed", log.Error(err))
		}
	}()
	return nil
}

func (s *loom) startServer() {
	s.apiServer = server.NewServer(s.engine, s.redis, slog.Default())
	mux := s.apiServer.SetupRoutes()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler: mux,
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (s *loom) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}

	s.apiServer.CloseWebSockets()

	s.runnerStop()
	<-s.runnerDone

	if s.archiver != nil {
		_ = s.archiver.Close()
	}
	_ = s.redis.Close()

	slog.Info("Server exited")
}
