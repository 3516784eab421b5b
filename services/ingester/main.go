package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/cache"
	cacheredis "github.com/tfp-event-fabric/fabric/pkg/cache/adapters/redis"
	"github.com/tfp-event-fabric/fabric/pkg/config"
	"github.com/tfp-event-fabric/fabric/pkg/database"
	"github.com/tfp-event-fabric/fabric/pkg/database/sql"
	"github.com/tfp-event-fabric/fabric/pkg/database/sql/adapters/postgres"
	"github.com/tfp-event-fabric/fabric/pkg/enrichment"
	"github.com/tfp-event-fabric/fabric/pkg/httpclient"
	"github.com/tfp-event-fabric/fabric/pkg/ingest"
	"github.com/tfp-event-fabric/fabric/pkg/ingest/processors"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore/adapters/redis"
	"github.com/tfp-event-fabric/fabric/pkg/telemetry"
)

type serviceConfig struct {
	Logger     logger.Config
	Telemetry  telemetry.Config
	DB         sql.Config
	Streams    redis.Config
	Cache      cache.Config
	Enrichment enrichment.Config
	HTTPClient httpclient.Config
	Ingest     ingest.Config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cfg serviceConfig
	if err := config.Load(&cfg); err != nil {
		panic(err)
	}

	log := logger.Init(cfg.Logger)
	log.Info("ingester starting")

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

	streams, err := redis.New(cfg.Streams)
	if err != nil {
		log.Error("stream store connect failed", "error", err)
		os.Exit(1)
	}

	lookupCache, err := cacheredis.New(cfg.Cache)
	if err != nil {
		log.Error("cache connect failed", "error", err)
		os.Exit(1)
	}
	enricher := enrichment.WithConcurrencyLimit(
		enrichment.WithCache(enrichment.New(cfg.Enrichment, cfg.HTTPClient), lookupCache, 10*time.Minute),
		4,
	)

	orch := ingest.New(cfg.Ingest, streams, db, enricher)
	orch.Register(processors.NewUnitEventsProcessor())
	orch.Register(processors.NewPurchaseOrderLinesProcessor())
	orch.Register(processors.NewAssetDamagesProcessor())

	if err := orch.Start(ctx); err != nil {
		log.Error("orchestrator start failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("ingester shutting down")
	orch.Stop()
}
