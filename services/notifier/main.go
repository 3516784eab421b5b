package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/attachment"
	"github.com/tfp-event-fabric/fabric/pkg/communication/email"
	"github.com/tfp-event-fabric/fabric/pkg/communication/email/adapters/smtp"
	"github.com/tfp-event-fabric/fabric/pkg/config"
	"github.com/tfp-event-fabric/fabric/pkg/database"
	"github.com/tfp-event-fabric/fabric/pkg/database/sql"
	"github.com/tfp-event-fabric/fabric/pkg/database/sql/adapters/postgres"
	"github.com/tfp-event-fabric/fabric/pkg/httpclient"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"github.com/tfp-event-fabric/fabric/pkg/mailer"
	"github.com/tfp-event-fabric/fabric/pkg/notify"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore/adapters/redis"
	"github.com/tfp-event-fabric/fabric/pkg/telemetry"
)

type serviceConfig struct {
	Logger     logger.Config
	Telemetry  telemetry.Config
	DB         sql.Config
	Streams    redis.Config
	Email      email.Config
	Attachment attachment.Config
	HTTP       httpclient.Config
	Mailer     mailer.Config
	Notify     notify.Config

	// Mappings is a JSON-encoded []notify.EventMapping, e.g.
	// `[{"stream":"orders-stream","eventType":"ORDER_CREATED","templateCode":"ORDER_CREATED","consumerGroup":"notify-orders"}]`.
	Mappings string `env:"NOTIFY_MAPPINGS" validate:"required"`

	RetryInterval    time.Duration `env:"NOTIFY_RETRY_INTERVAL" env-default:"5m"`
	RetryMaxAttempts int           `env:"NOTIFY_RETRY_MAX_ATTEMPTS" env-default:"5"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cfg serviceConfig
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}

	log := logger.Init(cfg.Logger)
	log.Info("notifier starting")

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	var mappings []notify.EventMapping
	if err := json.Unmarshal([]byte(cfg.Mappings), &mappings); err != nil {
		log.Error("invalid NOTIFY_MAPPINGS", "error", err)
		os.Exit(1)
	}

	sqlAdapter, err := postgres.New(cfg.DB)
	if err != nil {
		log.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	db := database.NewInstrumentedManager(database.NewRelationalOnly(sqlAdapter))
	gormDB := db.Get(ctx)

	streams, err := redis.New(cfg.Streams)
	if err != nil {
		log.Error("stream store connect failed", "error", err)
		os.Exit(1)
	}

	sender, err := smtp.New(cfg.Email)
	if err != nil {
		log.Error("smtp sender init failed", "error", err)
		os.Exit(1)
	}

	attachClient := attachment.New(cfg.Attachment, cfg.HTTP)

	mlr := mailer.New(cfg.Mailer, gormDB, sender, attachClient)
	dispatcher := notify.New(cfg.Notify, streams, mlr, mappings)

	if err := dispatcher.Start(ctx); err != nil {
		log.Error("dispatcher start failed", "error", err)
		os.Exit(1)
	}

	go runRetryLoop(ctx, log, mlr, cfg.RetryInterval, cfg.RetryMaxAttempts)

	<-ctx.Done()
	log.Info("notifier shutting down")
	dispatcher.Stop()
}

// runRetryLoop periodically rescans RETRY-status send logs and attempts
// a resend, until ctx is cancelled.
func runRetryLoop(ctx context.Context, log *slog.Logger, mlr *mailer.Mailer, interval time.Duration, maxRetries int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mlr.RetryFailedEmails(ctx, maxRetries); err != nil {
				log.Error("retry failed emails scan failed", "error", err)
			}
		}
	}
}
