package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/syllabus/internal/auth"
	"github.com/MarcoPoloResearchLab/syllabus/internal/config"
	"github.com/MarcoPoloResearchLab/syllabus/internal/database"
	"github.com/MarcoPoloResearchLab/syllabus/internal/federation"
	"github.com/MarcoPoloResearchLab/syllabus/internal/locks"
	"github.com/MarcoPoloResearchLab/syllabus/internal/logging"
	"github.com/MarcoPoloResearchLab/syllabus/internal/server"
	"github.com/MarcoPoloResearchLab/syllabus/internal/telemetry"
	"github.com/MarcoPoloResearchLab/syllabus/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syllabus-api",
		Short: "Syllabus identity federation service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres DSN")
	cmd.PersistentFlags().String("identity-issuer", "", "Issuer of externally-issued user tokens")
	cmd.PersistentFlags().String("identity-audience", defaults.GetString("identity.audience"), "Audience required on user tokens")
	cmd.PersistentFlags().String("service-secret", "", "Service token signing secret (overrides env)")
	cmd.PersistentFlags().String("locks-backend", defaults.GetString("locks.backend"), "Identity sync lock backend (local, redis)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address or URL for the redis lock backend")
	cmd.PersistentFlags().String("otlp-endpoint", "", "OTLP/gRPC collector endpoint; empty disables trace export")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "identity.issuer", "identity-issuer")
	bindFlag(cmd, "identity.audience", "identity-audience")
	bindFlag(cmd, "identity.service_secret", "service-secret")
	bindFlag(cmd, "locks.backend", "locks-backend")
	bindFlag(cmd, "locks.redis_address", "redis-address")
	bindFlag(cmd, "tracing.otlp_endpoint", "otlp-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		Issuer:        appConfig.IdentityIssuer,
		Audience:      appConfig.IdentityAudience,
		ServiceSecret: appConfig.IdentityServiceSecret,
		Logger:        logger,
		Metrics:       auth.NewMetrics(registry),
	})
	if err != nil {
		return err
	}

	repository, err := users.NewGormRepository(db)
	if err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	usersService, err := users.NewService(users.ServiceConfig{
		Repository: repository,
		Locker:     locker,
		Allocator:  users.NewUsernameAllocator(repository, appConfig.UsernameMaxAttempts),
		IDProvider: users.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
		Metrics:    users.NewMetrics(registry),
		Sync: users.SyncConfig{
			MaxAttempts:     appConfig.SyncMaxAttempts,
			ConflictBackoff: appConfig.SyncConflictBackoff,
			RetryBackoff:    appConfig.SyncRetryBackoff,
		},
	})
	if err != nil {
		return err
	}

	tracerProvider, shutdownTracing, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Endpoint:    appConfig.TracingEndpoint,
		Insecure:    appConfig.TracingInsecure,
		SampleRatio: appConfig.TracingSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}()

	federator, err := federation.NewFederator(federation.Config{
		Validator:      validator,
		Resolver:       auth.NewRoleResolver(appConfig.InstructorEmailMarkers),
		Syncer:         usersService,
		Logger:         logger,
		TracerProvider: tracerProvider,
	})
	if err != nil {
		return err
	}

	var metricsHandler http.Handler
	if appConfig.MetricsEnabled {
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  federator,
		Profiles:       usersService,
		MetricsHandler: metricsHandler,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("locks_backend", appConfig.LocksBackend),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newLocker builds the per-subject lock backend. The returned close function
// is always safe to call.
func newLocker(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (locks.Locker, func(), error) {
	if appConfig.LocksBackend != "redis" {
		return locks.NewTable(), func() {}, nil
	}

	options, err := redisOptions(appConfig.LocksRedisAddress)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	locker, err := locks.NewRedisLocker(locks.RedisLockerConfig{
		Client:        client,
		TTL:           appConfig.LocksRedisTTL,
		RetryInterval: appConfig.LocksRedisRetryInterval,
		Logger:        logger,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	return locker, closeClient, nil
}

func redisOptions(address string) (*redis.Options, error) {
	if strings.Contains(address, "://") {
		return redis.ParseURL(address)
	}
	return &redis.Options{Addr: address}, nil
}
