package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tfp-event-fabric/fabric/pkg/config"
	"github.com/tfp-event-fabric/fabric/pkg/database"
	"github.com/tfp-event-fabric/fabric/pkg/database/sql"
	"github.com/tfp-event-fabric/fabric/pkg/database/sql/adapters/postgres"
	"github.com/tfp-event-fabric/fabric/pkg/gateway"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"github.com/tfp-event-fabric/fabric/pkg/messaging/adapters/amqp"
	"github.com/tfp-event-fabric/fabric/pkg/rawevents"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore/adapters/redis"
	"github.com/tfp-event-fabric/fabric/pkg/telemetry"
)

type serviceConfig struct {
	Logger    logger.Config
	Telemetry telemetry.Config
	DB        sql.Config
	Broker    amqp.Config
	Streams   redis.Config
	Gateway   gateway.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cfg serviceConfig
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}

	log := logger.Init(cfg.Logger)
	log.Info("gateway starting")

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	sqlAdapter, err := postgres.New(cfg.DB)
	if err != nil {
		log.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	db := database.NewInstrumentedManager(database.NewRelationalOnly(sqlAdapter))
	rawStore := rawevents.NewGormStore(db)

	broker, err := amqp.New(cfg.Broker)
	if err != nil {
		log.Error("broker connect failed", "error", err)
		os.Exit(1)
	}

	streams, err := redis.New(cfg.Streams)
	if err != nil {
		log.Error("stream store connect failed", "error", err)
		os.Exit(1)
	}

	mgr := gateway.New(cfg.Gateway, broker, rawStore)
	mgr.SetPublisher(gateway.NewPublisher(streams, cfg.Gateway.StreamMapping))

	if err := mgr.Start(ctx); err != nil {
		log.Error("gateway start failed", "error", err)
		os.Exit(1)
	}

	// The operator control plane (pkg/control) drives getStatus/stopAll/
	// startAll/reconfigure/resend over this same Manager and the raw-event
	// store; it is a Go API for a thin external caller, not a surface this
	// service exposes over the network.

	<-ctx.Done()
	log.Info("gateway shutting down")
	mgr.Stop()
}
