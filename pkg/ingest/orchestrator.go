// Package ingest is the stream listener orchestrator (C5) and processor
// framework (C6): it discovers registered processors, maintains one
// consumer-group loop per processor against the stream store, and
// drives each message through a processor's template method, handling
// acknowledgement, error persistence, and pending-entry retry.
package ingest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/database"
	"github.com/tfp-event-fabric/fabric/pkg/enrichment"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"github.com/tfp-event-fabric/fabric/pkg/streamfields"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore"
)

// Config controls orchestrator-wide behavior.
type Config struct {
	PollTimeout time.Duration `env:"INGEST_POLL_TIMEOUT" env-default:"5s"`
	ConsumerID  string        `env:"INGEST_CONSUMER_ID"`

	// ClaimMinIdle is how long a pending-entry-list delivery must sit
	// unacknowledged before another consumer reclaims it — protects
	// against reclaiming a message whose original consumer is merely
	// slow, not dead.
	ClaimMinIdle time.Duration `env:"INGEST_CLAIM_MIN_IDLE" env-default:"30s"`
}

// Orchestrator runs one consumer loop per registered processor.
type Orchestrator struct {
	cfg       Config
	streams   streamstore.Client
	db        database.DB
	errors    *ErrorStore
	enricher  enrichment.Client
	consumer  string

	mu         sync.Mutex
	processors []ProcessorOps
	cancelFns  []context.CancelFunc
	wg         sync.WaitGroup
}

func New(cfg Config, streams streamstore.Client, db database.DB, enricher enrichment.Client) *Orchestrator {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	consumer := cfg.ConsumerID
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	return &Orchestrator{
		cfg:      cfg,
		streams:  streams,
		db:       db,
		errors:   NewErrorStore(db),
		enricher: enricher,
		consumer: consumer,
	}
}

// Register adds a processor to the discovery list. Must be called
// before Start.
func (o *Orchestrator) Register(p ProcessorOps) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processors = append(o.processors, p)
}

// Start ensures every processor's consumer group exists and spawns its
// consumer loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range o.processors {
		if err := o.streams.EnsureGroup(ctx, p.StreamKey(), p.ConsumerGroup()); err != nil {
			return fmt.Errorf("ensure group for %s: %w", p.ProcessorName(), err)
		}

		loopCtx, cancel := context.WithCancel(ctx)
		o.cancelFns = append(o.cancelFns, cancel)

		o.wg.Add(1)
		go func(proc ProcessorOps) {
			defer o.wg.Done()
			o.consumeLoop(loopCtx, proc)
		}(p)
	}
	return nil
}

// Stop cancels every consumer loop and waits for in-flight messages to
// finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	for _, cancel := range o.cancelFns {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// consumeLoop implements the C5 receive loop for a single processor:
// block for the next message, unquote fields, acquire a DB connection,
// dispatch to the template method, then ack or persist the error.
func (o *Orchestrator) consumeLoop(ctx context.Context, p ProcessorOps) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if delivery, err := o.streams.Claim(ctx, p.StreamKey(), p.ConsumerGroup(), o.consumer, o.cfg.ClaimMinIdle); err != nil {
			logger.L().ErrorContext(ctx, "pending-entry claim failed", "processor", p.ProcessorName(), "error", err)
		} else if delivery != nil {
			o.handle(ctx, p, delivery)
			continue
		}

		delivery, err := o.streams.ReadGroup(ctx, p.StreamKey(), p.ConsumerGroup(), o.consumer, o.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.L().ErrorContext(ctx, "stream read failed", "processor", p.ProcessorName(), "error", err)
			continue
		}
		if delivery == nil {
			continue
		}

		o.handle(ctx, p, delivery)
	}
}

func (o *Orchestrator) handle(ctx context.Context, p ProcessorOps, delivery *streamstore.Delivery) {
	fields := streamfields.Unquote(delivery.Fields)
	tx := o.db.Get(ctx)

	outcome, err := Process(ctx, tx, p, o.enricher, fields)
	if err != nil {
		logger.L().ErrorContext(ctx, "processor failed, message will be redelivered",
			"processor", p.ProcessorName(), "message_id", fields["message_id"], "error", err)

		if recErr := o.errors.Record(ctx, fields["message_id"], err); recErr != nil {
			logger.L().ErrorContext(ctx, "failed to record ingestion error (best-effort)", "error", recErr)
		}
		return
	}

	if outcome.IsResend {
		if err := o.errors.Clear(ctx, fields["message_id"]); err != nil {
			logger.L().WarnContext(ctx, "failed to clear ingestion errors after resend", "message_id", fields["message_id"], "error", err)
		}
	}

	if ackErr := o.streams.Ack(ctx, p.StreamKey(), p.ConsumerGroup(), delivery.ID); ackErr != nil {
		logger.L().ErrorContext(ctx, "failed to acknowledge delivery", "processor", p.ProcessorName(), "delivery_id", delivery.ID, "error", ackErr)
	}
}
