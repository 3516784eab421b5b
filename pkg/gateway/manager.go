package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/concurrency"
	"github.com/tfp-event-fabric/fabric/pkg/errors"
	"github.com/tfp-event-fabric/fabric/pkg/idempotency"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"github.com/tfp-event-fabric/fabric/pkg/messaging"
	"github.com/tfp-event-fabric/fabric/pkg/rawevents"
	"github.com/tfp-event-fabric/fabric/pkg/resilience"
)

// consumerHandle is one running consumer goroutine's own cancellation
// scope, nested under the listener's loop context so a single consumer
// can be recycled (scale-down, TTL expiry) without tearing down the
// whole address.
type consumerHandle struct {
	consumer  messaging.Consumer
	cancel    context.CancelFunc
	createdAt time.Time
}

// listener tracks one configured address's elastic consumer pool. It
// auto-scales within [min, max]: startAddress brings up min consumers,
// and a supervisor goroutine grows toward max under backlog pressure
// (every running consumer busy at once) and shrinks back toward min
// once the address goes idle.
type listener struct {
	address     string
	destination string
	group       string
	min, max    int

	mu      sync.Mutex
	state   ListenerState
	handles []*consumerHandle
	active  int
	busy    int
	cancel  context.CancelFunc
}

func (l *listener) snapshot() AddressStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return AddressStatus{
		Address:         l.address,
		Destination:     l.destination,
		Running:         l.state == StateRunning,
		ActiveConsumers: l.active,
	}
}

func (l *listener) setState(s ListenerState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *listener) removeHandle(h *consumerHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.handles {
		if cur == h {
			l.handles = append(l.handles[:i], l.handles[i+1:]...)
			break
		}
	}
	l.active--
}

// Manager is the C3 gateway listener manager.
type Manager struct {
	cfg       Config
	broker    messaging.Broker
	rawEvents rawevents.Store
	publisher *Publisher

	lifecycle *concurrency.SmartMutex
	listeners map[string]*listener
	wg        sync.WaitGroup
}

func New(cfg Config, broker messaging.Broker, rawEvents rawevents.Store) *Manager {
	return &Manager{
		cfg:       cfg,
		broker:    broker,
		rawEvents: rawEvents,
		publisher: NewPublisher(nil, cfg.StreamMapping),
		lifecycle: concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "gateway-lifecycle"}),
		listeners: map[string]*listener{},
	}
}

// SetPublisher installs the stream publisher. Split from New so the
// stream-store client (which may dial a remote service) is optional at
// construction time and swappable on Reconfigure.
func (m *Manager) SetPublisher(p *Publisher) {
	m.publisher = p
}

// Start builds one listener per configured address and begins
// consuming.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	for _, address := range m.cfg.Addresses {
		if err := m.startAddress(ctx, address); err != nil {
			return fmt.Errorf("start listener for %s: %w", address, err)
		}
	}
	return nil
}

func (m *Manager) startAddress(ctx context.Context, address string) error {
	group := ""
	destination := address
	if m.cfg.SubscriberName != "" {
		group = m.cfg.SubscriberName + "." + address
		destination = group
	}

	min, max := m.cfg.concurrencyBand()

	loopCtx, cancel := context.WithCancel(ctx)
	l := &listener{
		address:     address,
		destination: destination,
		group:       group,
		min:         min,
		max:         max,
		state:       StateStarting,
		cancel:      cancel,
	}

	for i := 0; i < min; i++ {
		if err := m.spawnConsumer(loopCtx, address, group, l); err != nil {
			cancel()
			return err
		}
	}

	if max > min {
		m.wg.Add(1)
		concurrency.SafeGo(loopCtx, func() {
			defer m.wg.Done()
			m.superviseListener(loopCtx, address, l)
		})
	}

	m.listeners[address] = l
	return nil
}

// spawnConsumer creates one broker consumer and runs it in its own
// goroutine under a child context of parentCtx, so it can later be
// recycled independently of its siblings.
func (m *Manager) spawnConsumer(parentCtx context.Context, address, group string, l *listener) error {
	consumer, err := m.broker.Consumer(address, group)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithCancel(parentCtx)
	h := &consumerHandle{consumer: consumer, cancel: cancel, createdAt: time.Now().UTC()}

	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.active++
	l.mu.Unlock()

	m.wg.Add(1)
	concurrency.SafeGo(cctx, func() {
		defer m.wg.Done()
		m.runConsumer(cctx, address, group, l, h)
	})
	return nil
}

// runConsumer drives one consumer's Consume loop. A cancellation of its
// own context (shutdown, scale-down, TTL recycle) ends the loop
// cleanly; a Consume error (broker disconnect) instead triggers the
// reconnection schedule in m.cfg.Reconnection before resuming.
func (m *Manager) runConsumer(ctx context.Context, address, group string, l *listener, h *consumerHandle) {
	defer l.removeHandle(h)

	current := h.consumer
	for {
		l.setState(StateRunning)

		err := current.Consume(ctx, func(msgCtx context.Context, msg *messaging.Message) error {
			l.mu.Lock()
			l.busy++
			l.mu.Unlock()
			defer func() {
				l.mu.Lock()
				l.busy--
				l.mu.Unlock()
			}()
			return m.handleMessage(msgCtx, address, msg)
		})

		if ctx.Err() != nil {
			// Own context cancelled: intentional shutdown or recycle,
			// not a failure worth reconnecting over.
			return
		}
		if err == nil {
			return
		}

		logger.L().ErrorContext(context.Background(), "listener consumer exited with error, reconnecting",
			"address", address, "error", err)
		_ = current.Close()
		l.setState(StateDegraded)

		next, ok := m.reconnect(ctx, address, group)
		if !ok {
			logger.L().ErrorContext(context.Background(), "reconnection attempts exhausted, consumer exiting",
				"address", address)
			return
		}

		l.mu.Lock()
		h.consumer = next
		l.mu.Unlock()
		current = next
	}
}

// reconnect retries m.broker.Consumer under the configured reconnection
// schedule until it succeeds, the context is cancelled, or MaxAttempts
// (a negative value means unbounded) is exhausted.
func (m *Manager) reconnect(ctx context.Context, address, group string) (messaging.Consumer, bool) {
	rc := m.cfg.Reconnection.withDefaults()
	backoff := rc.RetryInterval

	for attempt := 1; rc.MaxAttempts < 0 || attempt <= rc.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		consumer, err := m.broker.Consumer(address, group)
		if err == nil {
			logger.L().InfoContext(ctx, "listener consumer reconnected", "address", address, "attempt", attempt)
			if rc.RecoveryInterval > 0 {
				time.Sleep(rc.RecoveryInterval)
			}
			return consumer, true
		}

		logger.L().WarnContext(ctx, "listener reconnect attempt failed", "address", address, "attempt", attempt, "error", err)
		backoff = time.Duration(float64(backoff) * rc.Multiplier)
		if backoff > rc.MaxRetryInterval {
			backoff = rc.MaxRetryInterval
		}
	}

	return nil, false
}

// superviseListener periodically rebalances one address's consumer
// count within [min, max]: it scales up when every running consumer is
// simultaneously busy (backlog pressure), scales back down to min once
// the address is idle, and proactively recycles any consumer older
// than Reconnection.ConnectionTTL.
func (m *Manager) superviseListener(ctx context.Context, address string, l *listener) {
	rc := m.cfg.Reconnection.withDefaults()
	ticker := time.NewTicker(rc.FailureCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			busy, active := l.busy, l.active
			var stale *consumerHandle
			if rc.ConnectionTTL > 0 {
				for _, h := range l.handles {
					if time.Since(h.createdAt) > rc.ConnectionTTL {
						stale = h
						break
					}
				}
			}
			var victim *consumerHandle
			if busy == 0 && active > l.min && len(l.handles) > 0 {
				victim = l.handles[len(l.handles)-1]
			}
			l.mu.Unlock()

			switch {
			case stale != nil:
				logger.L().InfoContext(ctx, "recycling listener consumer past connection TTL", "address", address)
				stale.cancel()
				if err := m.spawnConsumer(ctx, address, l.group, l); err != nil {
					logger.L().WarnContext(ctx, "failed to respawn recycled listener consumer", "address", address, "error", err)
				}
			case busy >= active && active < l.max:
				if err := m.spawnConsumer(ctx, address, l.group, l); err != nil {
					logger.L().WarnContext(ctx, "failed to scale up listener consumers", "address", address, "error", err)
				}
			case victim != nil:
				victim.cancel()
			}
		}
	}
}

// Stop gracefully stops and closes every consumer, then the broker.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	for _, l := range m.listeners {
		l.setState(StateStopping)
		l.cancel()

		l.mu.Lock()
		consumers := make([]messaging.Consumer, 0, len(l.handles))
		for _, h := range l.handles {
			consumers = append(consumers, h.consumer)
		}
		l.mu.Unlock()

		for _, c := range consumers {
			if err := c.Close(); err != nil {
				logger.L().Warn("failed to close consumer", "address", l.address, "error", err)
			}
		}
		l.setState(StateStopped)
	}
	m.wg.Wait()
	m.listeners = map[string]*listener{}

	if err := m.broker.Close(); err != nil {
		logger.L().Warn("failed to close broker connection factory", "error", err)
	}
}

// Reconfigure stops, applies newConfig, and starts again, atomically
// under the lifecycle mutex.
func (m *Manager) Reconfigure(ctx context.Context, newConfig Config) error {
	m.Stop()
	m.cfg = newConfig
	return m.Start(ctx)
}

// Status reports every listener's state plus the overall summary.
func (m *Manager) Status() Status {
	var addresses []AddressStatus
	runningCount, total := 0, 0

	m.lifecycle.Lock()
	for _, l := range m.listeners {
		s := l.snapshot()
		addresses = append(addresses, s)
		total++
		if s.Running {
			runningCount++
		}
	}
	m.lifecycle.Unlock()

	overall := OverallStopped
	switch {
	case total == 0:
		overall = OverallStopped
	case runningCount == total:
		overall = OverallRunning
	case runningCount == 0:
		overall = OverallStopped
	default:
		overall = OverallPartial
	}

	return Status{Overall: overall, Addresses: addresses}
}

// handleMessage implements the C3 per-message flow: wrap into an event
// record, upsert durably (C2), retry up to RetryAttempts with
// RetryDelayMs, publish to the mapped stream (C4), and honor the
// acknowledgeMessages debug flag.
func (m *Manager) handleMessage(ctx context.Context, address string, msg *messaging.Message) error {
	messageID := msg.ID
	if messageID == "" {
		messageID = idempotency.Fingerprint(address, msg.Payload)
	}
	checksum := idempotency.Checksum(msg.Payload)
	eventType := msg.Headers["event_type"]
	if eventType == "" {
		eventType = address
	}
	now := time.Now().UTC()

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    m.cfg.RetryAttempts,
		InitialBackoff: time.Duration(m.cfg.RetryDelayMs) * time.Millisecond,
		MaxBackoff:     time.Duration(m.cfg.RetryDelayMs) * time.Millisecond,
		Multiplier:     1.0,
	}

	err := resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
		return m.rawEvents.UpsertRawEvent(ctx, messageID, eventType, &now, string(msg.Payload), checksum, now)
	})
	if err != nil {
		return errors.Wrap(err, "raw event upsert exhausted retries")
	}

	m.publisher.Publish(ctx, address, EventRecord{
		MessageID: messageID,
		EventType: eventType,
		EventTime: now.Format(time.RFC3339),
		Payload:   string(msg.Payload),
	}, "")

	if !m.cfg.AcknowledgeMessages {
		logger.L().WarnContext(ctx, "acknowledgeMessages=false: suppressing ack to force broker redelivery (debug mode only)",
			"address", address, "message_id", messageID)
		return errors.Internal("acknowledgement suppressed by acknowledgeMessages=false", nil)
	}
	return nil
}
