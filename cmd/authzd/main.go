// Package main provides the entry point for the authorization decision
// server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/authzd/authzd/internal/auxdata"
	"github.com/authzd/authzd/internal/cache"
	"github.com/authzd/authzd/internal/conditions"
	"github.com/authzd/authzd/internal/engine"
	"github.com/authzd/authzd/internal/metrics"
	"github.com/authzd/authzd/internal/policy"
	"github.com/authzd/authzd/internal/server"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		httpPort        = flag.Int("http-port", 8080, "HTTP server port")
		policyDir       = flag.String("policy-dir", "", "Directory to load policies from")
		watch           = flag.Bool("watch", false, "Hot-reload policies on file changes")
		cacheEnabled    = flag.Bool("cache", true, "Enable decision cache")
		cacheSize       = flag.Int("cache-size", 10000, "Maximum cache entries")
		cacheTTL        = flag.Duration("cache-ttl", time.Hour, "Cache TTL")
		redisAddr       = flag.String("redis-addr", "", "Redis host:port for the L2 decision cache (empty disables)")
		redisPassword   = flag.String("redis-password", "", "Redis password")
		jwtSecret       = flag.String("jwt-secret", "", "HMAC secret for auxData JWT verification (or AUTHZD_JWT_SECRET)")
		logLevel        = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat       = flag.String("log-format", "json", "Log format (json, console)")
		logFile         = flag.String("log-file", "", "Log file path with rotation (empty logs to stderr)")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("authzd %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	logger, err := initLogger(*logLevel, *logFormat, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting authorization server",
		zap.String("version", Version),
		zap.Int("http_port", *httpPort),
	)

	cond, err := conditions.NewEngine()
	if err != nil {
		logger.Fatal("Failed to create condition engine", zap.Error(err))
	}

	validator := policy.NewValidator(cond)
	catalog := policy.NewCatalog(validator, logger)
	loader := policy.NewLoader(logger)

	if *policyDir != "" {
		docs, err := loader.LoadDirectory(*policyDir)
		if err != nil {
			logger.Fatal("Failed to load policy directory", zap.Error(err))
		}
		if err := catalog.ReplaceAll(docs); err != nil {
			logger.Fatal("Failed to install policies", zap.Error(err))
		}
		logger.Info("Policies loaded",
			zap.String("dir", *policyDir),
			zap.Int("policies", catalog.Count()),
		)
	}

	m := metrics.New("authzd")
	m.PoliciesActive.Set(float64(catalog.Count()))

	secret := *jwtSecret
	if secret == "" {
		secret = os.Getenv("AUTHZD_JWT_SECRET")
	}

	engCfg := engine.Config{
		CacheEnabled: *cacheEnabled,
		Cache: cache.Config{
			Capacity:          *cacheSize,
			TTL:               *cacheTTL,
			EvictBatchPercent: 10,
			SweepInterval:     time.Minute,
		},
		AuxData: auxdata.Config{HMACSecret: []byte(secret)},
		Metrics: m,
	}

	if *redisAddr != "" {
		redisCfg := cache.DefaultRedisConfig()
		if host, port, ok := splitHostPort(*redisAddr); ok {
			redisCfg.Host = host
			redisCfg.Port = port
		} else {
			redisCfg.Host = *redisAddr
		}
		redisCfg.Password = *redisPassword
		redisCfg.TTL = *cacheTTL

		l2, err := cache.NewRedisCache(redisCfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer l2.Close()
		engCfg.L2 = l2
		logger.Info("Redis L2 cache enabled", zap.String("addr", *redisAddr))
	}

	eng, err := engine.New(engCfg, catalog, cond, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}
	defer eng.Close()

	logger.Info("Decision engine initialized",
		zap.Bool("cache_enabled", *cacheEnabled),
		zap.Int("cache_size", *cacheSize),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *watch && *policyDir != "" {
		watcher, err := policy.NewWatcher(*policyDir, catalog, loader, logger)
		if err != nil {
			logger.Fatal("Failed to create policy watcher", zap.Error(err))
		}
		if err := watcher.Watch(ctx); err != nil {
			logger.Fatal("Failed to start policy watcher", zap.Error(err))
		}
		defer watcher.Stop()
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Port = *httpPort

	srv, err := server.New(srvCfg, eng, m, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	errChan := make(chan error, 1)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *gracefulTimeout)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("Shutdown error", zap.Error(err))
		}
	}

	logger.Info("Server stopped successfully")
}

// initLogger initializes the zap logger, optionally writing to a rotated
// file.
func initLogger(level, format, file string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	if file != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})

		encoderCfg := zap.NewProductionEncoderConfig()
		var encoder zapcore.Encoder
		if format == "console" {
			encoder = zapcore.NewConsoleEncoder(encoderCfg)
		} else {
			encoder = zapcore.NewJSONEncoder(encoderCfg)
		}

		core := zapcore.NewCore(encoder, sink, zapLevel)
		return zap.New(core, zap.AddCaller()), nil
	}

	var config zap.Config
	if format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	return config.Build()
}

// splitHostPort parses "host:port" without resolving.
func splitHostPort(addr string) (string, int, bool) {
	var host string
	var port int
	if _, err := fmt.Sscanf(addr, "%[^:]:%d", &host, &port); err != nil {
		return "", 0, false
	}
	return host, port, true
}
