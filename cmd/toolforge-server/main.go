package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/haven-ai/toolforge/internal/anomaly"
	"github.com/haven-ai/toolforge/internal/api"
	"github.com/haven-ai/toolforge/internal/assistant"
	"github.com/haven-ai/toolforge/internal/audit"
	"github.com/haven-ai/toolforge/internal/auth"
	"github.com/haven-ai/toolforge/internal/governor"
	"github.com/haven-ai/toolforge/internal/ratelimit"
	"github.com/haven-ai/toolforge/internal/registry"
	"github.com/haven-ai/toolforge/internal/sandbox"
	"github.com/haven-ai/toolforge/internal/service"
	"github.com/haven-ai/toolforge/internal/store"
	"github.com/haven-ai/toolforge/internal/validate"
)

func main() {
	// Worker mode: the same binary re-execs itself as the isolated
	// execution unit. Nothing below this line runs in a worker.
	if len(os.Args) > 1 && os.Args[1] == sandbox.WorkerArg {
		os.Exit(sandbox.RunWorker(os.Stdin, os.Stdout, validate.DefaultRuleset()))
	}

	// Logger
	logger := mustBuildLogger(envOrDefault("TOOLFORGE_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("TOOLFORGE_HTTP_PORT", "8080")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	cacheTTL := envOrDefaultInt("TOOLFORGE_AUTH_CACHE_TTL_S", 30)
	maxConcurrent := envOrDefaultInt("TOOLFORGE_MAX_CONCURRENT", 16)

	limits := governor.Limits{
		WallClock: time.Duration(envOrDefaultInt("TOOLFORGE_WALL_MS", 5000)) * time.Millisecond,
		CPUTime:   time.Duration(envOrDefaultInt("TOOLFORGE_CPU_MS", 3000)) * time.Millisecond,
		Memory:    int64(envOrDefaultInt("TOOLFORGE_MEM_MB", 64)) << 20,
		Steps:     uint64(envOrDefaultInt("TOOLFORGE_MAX_STEPS", 20_000_000)),
	}

	rateCfg := ratelimit.DefaultConfig()
	if v := envOrDefaultInt("TOOLFORGE_CREATE_LIMIT", 0); v > 0 {
		rateCfg.Create.Max = v
	}
	if v := envOrDefaultInt("TOOLFORGE_EXECUTE_LIMIT", 0); v > 0 {
		rateCfg.Execute.Max = v
	}

	logger.Info("starting toolforge server",
		zap.String("http_port", httpPort),
		zap.Int("max_concurrent", maxConcurrent),
		zap.Duration("wall_clock_limit", limits.WallClock),
		zap.Duration("cpu_time_limit", limits.CPUTime),
		zap.Int64("memory_limit_bytes", limits.Memory),
	)

	// Event log: ClickHouse when configured, in-memory otherwise
	var events interface {
		audit.Writer
		audit.Reader
	}
	var analytics audit.Analyzer
	if clickhouseDSN != "" {
		chLog, err := audit.NewClickHouseLog(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to in-memory event log",
				zap.Error(err),
			)
			events = audit.NewMemoryLog(0, logger)
		} else {
			events = chLog
			analytics = chLog
			logger.Info("clickhouse event log connected")
		}
	} else {
		events = audit.NewMemoryLog(0, logger)
		logger.Info("no CLICKHOUSE_DSN set, using in-memory event log")
	}
	defer events.Close()

	// Postgres pool backing the registry and principal auth
	var db *sql.DB
	if postgresDSN != "" {
		var err error
		db, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	} else {
		logger.Info("no POSTGRES_DSN set, using in-memory registry and static auth")
	}

	var reg registry.Registry
	var pgStore *store.Store
	var authenticator auth.Authenticator
	if db != nil {
		reg = registry.NewPostgresRegistry(registry.PostgresRegistryConfig{
			DB:     db,
			Logger: logger,
		})
		pgStore = store.NewStore(db)
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			Store:    pgStore,
			CacheTTL: time.Duration(cacheTTL) * time.Second,
			Logger:   logger,
		})
	} else {
		reg = registry.NewMemoryRegistry()
		keys, err := parseStaticKeys(os.Getenv("TOOLFORGE_STATIC_KEYS"))
		if err != nil {
			logger.Fatal("invalid TOOLFORGE_STATIC_KEYS", zap.Error(err))
		}
		if len(keys) == 0 {
			logger.Fatal("POSTGRES_DSN or TOOLFORGE_STATIC_KEYS is required")
		}
		authenticator = auth.NewStaticAuthenticator(keys)
	}

	// Rate limiter with anomaly feedback
	limiter := ratelimit.New(rateCfg)
	monitor := anomaly.NewMonitor(anomaly.MonitorConfig{
		Store:  anomaly.NewMemoryFlagStore(0),
		Logger: logger,
		OnFlag: func(f anomaly.Flag) {
			if f.Confidence >= 0.8 {
				limiter.Tighten(f.Principal, ratelimit.ActionExecute, 2)
			}
		},
	})
	defer monitor.Close()

	// Sandbox executor
	executor, err := sandbox.NewExecutor(sandbox.Config{
		MaxConcurrent: int64(maxConcurrent),
		Limits:        limits,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to create executor", zap.Error(err))
	}

	svc := service.New(service.Config{
		Registry:     reg,
		Limiter:      limiter,
		Executor:     executor,
		Events:       events,
		EventsReader: events,
		Monitor:      monitor,
		Limits:       limits,
		Logger:       logger,
	})

	deps := &api.Dependencies{
		Service:      svc,
		Auth:         authenticator,
		Store:        pgStore,
		Capabilities: assistant.NewStore(),
		Analytics:    analytics,
		Logger:       logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("toolforge server stopped")
}

// parseStaticKeys parses "tfk_key:principal,tfk_key2:principal2".
func parseStaticKeys(raw string) (map[string]auth.PrincipalContext, error) {
	if raw == "" {
		return nil, nil
	}
	keys := make(map[string]auth.PrincipalContext)
	for _, pair := range strings.Split(raw, ",") {
		key, principal, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || key == "" || principal == "" {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		if !strings.HasPrefix(key, "tfk_") {
			return nil, fmt.Errorf("key in %q must start with tfk_", pair)
		}
		keys[key] = auth.PrincipalContext{PrincipalID: principal, Name: principal}
	}
	return keys, nil
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
