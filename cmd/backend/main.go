// Command backend runs the IvyNet fleet backend: the signed agent ingest
// API, the chain scanner event API, and the background engines that turn
// telemetry into alerts and notifications.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ivy-net/ivynet-backend/internal/alerts"
	"github.com/ivy-net/ivynet-backend/internal/chainevents"
	"github.com/ivy-net/ivynet-backend/internal/heartbeat"
	"github.com/ivy-net/ivynet-backend/internal/ingest"
	"github.com/ivy-net/ivynet-backend/internal/notify"
	"github.com/ivy-net/ivynet-backend/internal/rules"
	"github.com/ivy-net/ivynet-backend/internal/signature"
	"github.com/ivy-net/ivynet-backend/internal/store"
	"github.com/ivy-net/ivynet-backend/internal/versions"
	"github.com/ivy-net/ivynet-backend/pkg/config"
	"github.com/ivy-net/ivynet-backend/pkg/database"
	dbsql "github.com/ivy-net/ivynet-backend/pkg/database/sql"
	"github.com/ivy-net/ivynet-backend/pkg/email"
	"github.com/ivy-net/ivynet-backend/pkg/kafka"
	"github.com/ivy-net/ivynet-backend/pkg/logging"
	"github.com/ivy-net/ivynet-backend/pkg/monitoring"
	"github.com/ivy-net/ivynet-backend/pkg/redis"
	"github.com/ivy-net/ivynet-backend/pkg/server"
	"github.com/ivy-net/ivynet-backend/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("ivynet-backend")
	config.LoadEnv(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg := database.DefaultConfig()
	dbCfg.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbCfg, logger)
	defer func() { _ = db.Close() }()

	chCfg := database.DefaultClickHouseConfig()
	chCfg.Addr = strings.Split(config.GetEnv("CLICKHOUSE_ADDR", "127.0.0.1:9000"), ",")
	chCfg.Database = config.GetEnv("CLICKHOUSE_DATABASE", "default")
	chCfg.Username = config.GetEnv("CLICKHOUSE_USER", "default")
	chCfg.Password = config.GetEnv("CLICKHOUSE_PASSWORD", "")
	ch := database.MustConnectClickHouse(chCfg, logger)
	defer func() { _ = ch.Close() }()

	if config.GetEnvBool("DB_MIGRATE", false) {
		if err := dbsql.Migrate(ctx, db, logger); err != nil {
			logger.WithError(err).Fatal("Postgres migration failed")
		}
		if err := dbsql.MigrateClickHouse(ctx, ch, logger); err != nil {
			logger.WithError(err).Fatal("ClickHouse migration failed")
		}
	}

	st := store.New(db)
	logStore := store.NewLogStore(ch)

	var cache *goredis.Client
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		var err error
		cache, err = redis.NewClient(ctx, redis.Config{
			Addr:     addr,
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
		})
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, version lookups will hit Postgres")
			cache = nil
		} else {
			defer func() { _ = cache.Close() }()
		}
	}

	var publisher *kafka.AlertPublisher
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","), "ivynet-backend", logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka unavailable, alert events will not be published")
		} else {
			defer func() { _ = producer.Close() }()
			publisher = kafka.NewAlertPublisher(producer, config.GetEnv("KAFKA_ALERT_TOPIC", kafka.DefaultAlertTopic), logger)
		}
	}

	manager := alerts.NewManager(st, publisher, logger)

	renderer, err := notify.NewRenderer()
	if err != nil {
		logger.WithError(err).Fatal("Failed to parse notification templates")
	}
	var channels []notify.Channel
	if host := config.GetEnv("SMTP_HOST", ""); host != "" {
		sender := email.NewSender(email.Config{
			Host:     host,
			Port:     config.GetEnv("SMTP_PORT", "587"),
			User:     config.GetEnv("SMTP_USER", ""),
			Password: config.GetEnv("SMTP_PASSWORD", ""),
			From:     config.GetEnv("SMTP_FROM", "alerts@ivynet.dev"),
			FromName: config.GetEnv("SMTP_FROM_NAME", "IvyNet Alerts"),
		})
		channels = append(channels, notify.NewEmailChannel(sender))
	}
	if token := config.GetEnv("TELEGRAM_BOT_TOKEN", ""); token != "" {
		channels = append(channels, notify.NewTelegramChannel(token))
	}
	// PagerDuty routing keys live in per-tenant service settings, so the
	// channel needs no process-level configuration.
	channels = append(channels, notify.NewPagerDutyChannel())

	dispatcher := notify.NewDispatcher(st, manager, renderer, logger, channels...)
	manager.SetNotifier(dispatcher)

	matcher := versions.NewMatcher(st, cache, logger)
	driver := rules.NewDriver(st, manager, matcher, logger)
	monitor := heartbeat.NewMonitor(st, manager, logger)
	verifier := signature.NewVerifier(st)

	metrics := monitoring.NewMetricsCollector("ivynet_backend", version.Version, version.GitCommit)

	health := monitoring.NewHealthChecker("ivynet-backend", version.Version)
	health.AddCheck("postgres", monitoring.DatabaseHealthCheck(db))
	health.AddCheck("clickhouse", monitoring.ClickHouseHealthCheck(ch))

	ingestRouter := server.SetupRouter(logger, "ivynet-ingest")
	ingestRouter.Use(metrics.MetricsMiddleware())
	ingestRouter.GET("/healthz", health.Handler())
	ingestRouter.GET("/metrics", metrics.Handler())
	ingestHandlers := ingest.NewHandlers(st, logStore, verifier, monitor, driver, matcher, logger)
	ingestHandlers.RegisterRoutes(ingestRouter, config.GetEnvInt("INGEST_INFLIGHT_CAP", ingest.DefaultInflightCap))

	eventsRouter := server.SetupRouter(logger, "ivynet-chain-events")
	eventsRouter.GET("/healthz", health.Handler())
	eventHandlers := chainevents.NewHandlers(st, manager, driver, logger)
	eventHandlers.RegisterRoutes(eventsRouter, config.RequireEnv("SCANNER_SERVICE_TOKEN"))

	ingestCfg := server.DefaultConfig("ivynet-ingest", config.GetEnv("INGEST_PORT", "8080"))
	ingestCfg.TLSCert = config.GetEnv("INGEST_TLS_CERT", "")
	ingestCfg.TLSKey = config.GetEnv("INGEST_TLS_KEY", "")
	eventsCfg := server.DefaultConfig("ivynet-chain-events", config.GetEnv("EVENTS_PORT", "8081"))
	eventsCfg.TLSCert = config.GetEnv("EVENTS_TLS_CERT", "")
	eventsCfg.TLSKey = config.GetEnv("EVENTS_TLS_KEY", "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { monitor.Run(gctx); return nil })
	g.Go(func() error { driver.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { return server.Serve(gctx, ingestCfg, ingestRouter, logger) })
	g.Go(func() error { return server.Serve(gctx, eventsCfg, eventsRouter, logger) })

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("Backend exited")
	}
	logger.Info("Backend stopped")
}
