package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/forecastkit/weathergate"
)

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.JSONFormatter{})

	levelName := envOr("WEATHERGATE_LOG_LEVEL", "info")
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		logrusLogger.WithError(err).Fatalf("Invalid log level %q", levelName)
	}
	logrusLogger.SetLevel(level)

	logger := weathergate.NewLogrusLogger(logrusLogger)

	service := weathergate.NewWeatherService(
		weathergate.WithWeatherLogger(logger),
	)

	server, err := weathergate.NewWeatherServer(service,
		weathergate.UseLogger(logger),
	)
	if err != nil {
		logrusLogger.WithError(err).Fatal("Failed to build weather server")
	}

	var keys weathergate.KeyStore
	var audit weathergate.AuditLog

	if dbPath := os.Getenv("WEATHERGATE_DB"); dbPath != "" {
		db, err := sql.Open("sqlite3", dbPath)
		if err != nil {
			logrusLogger.WithError(err).Fatal("Failed to open database")
		}

		store, err := weathergate.NewSQLiteStore(db, logger)
		if err != nil {
			logrusLogger.WithError(err).Fatal("Failed to initialize storage")
		}
		defer store.Close()

		keys = store
		audit = store
	} else {
		keys = weathergate.NewInMemoryKeyStore()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap an api key from the environment when one is configured and
	// not already present.
	if secret := os.Getenv("WEATHERGATE_API_KEY"); secret != "" {
		if _, err := keys.Lookup(ctx, secret); errors.Is(err, weathergate.ErrKeyNotFound) {
			if err := keys.Create(ctx, &weathergate.APIKey{
				Secret: secret,
				Label:  "bootstrap",
			}); err != nil {
				logrusLogger.WithError(err).Fatal("Failed to create bootstrap api key")
			}
		}
	}

	gateway, err := weathergate.NewGateway(
		weathergate.WithGatewayLogger(logger),
		weathergate.WithKeyStore(keys),
		weathergate.WithAuditLog(audit),
		weathergate.WithGatewayAddress(envOr("WEATHERGATE_ADDR", ":8080")),
	)
	if err != nil {
		logrusLogger.WithError(err).Fatal("Failed to build gateway")
	}

	if err := gateway.RegisterRoute("weather", weathergate.NewLocalBackend("weather", server)); err != nil {
		logrusLogger.WithError(err).Fatal("Failed to register weather route")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return gateway.Run(ctx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logrusLogger.WithError(err).Fatal("Gateway exited with error")
	}
}
