// cmd/template-events/main.go

// The template-events daemon consumes template lifecycle events and prunes
// deleted templates out of draft message plans.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonaws "github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/aws"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/config"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/logger"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/common/observability"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/events"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/repository/routingconfigs"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/repository/templates"
	"github.com/NHSDigital/nhs-notify-web-template-management-sub008/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "template-events: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zl.Sync()
	log := logger.NewZapAdapter(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.NewTracing(cfg.App.Name, os.Getenv("JAEGER_ENDPOINT"))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	backend, cleanup, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	snsClient, err := commonaws.NewSNSClient(ctx, cfg.AWS.Region)
	if err != nil {
		return fmt.Errorf("init sns client: %w", err)
	}
	publisher := events.NewPublisher(snsClient, cfg.Events.TopicARN, log)

	templateRepo := templates.New(backend, cfg.Store.TemplatesTable,
		cfg.Store.DeletedRecordTTLDays, log).WithEvents(publisher)
	configRepo := routingconfigs.New(backend, cfg.Store.RoutingConfigsTable,
		templateRepo, cfg.Store.DeletedRecordTTLDays, log)

	sqsClient, err := commonaws.NewSQSClient(ctx, cfg.AWS.Region)
	if err != nil {
		return fmt.Errorf("init sqs client: %w", err)
	}
	pruner := events.NewPruner(sqsClient, cfg.Events.QueueURL, configRepo,
		cfg.Events.MaxRetries, cfg.Events.WaitSeconds, log)

	startMetricsServer(log)

	log.Info("template-events started", map[string]interface{}{
		"environment": cfg.App.Environment,
		"storeDriver": cfg.Store.Driver,
	})

	if err := pruner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config) (store.Backend, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.Postgres.GetDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.Database.Postgres.MaxConnections > 0 {
			db.SetMaxOpenConns(cfg.Database.Postgres.MaxConnections)
		}
		if cfg.Database.Postgres.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.Database.Postgres.MaxIdle)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return store.NewPostgresBackend(db), func() { db.Close() }, nil

	default:
		client, err := commonaws.NewDynamoDBClient(ctx, cfg.AWS.Region, cfg.AWS.Endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("init dynamodb client: %w", err)
		}
		return store.NewDynamoBackend(client.Client), func() {}, nil
	}
}

func startMetricsServer(log logger.Logger) {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped", nil)
		}
	}()
}
