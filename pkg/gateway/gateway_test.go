package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/messaging"
	"github.com/tfp-event-fabric/fabric/pkg/rawevents"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore"
	"github.com/tfp-event-fabric/fabric/pkg/test"
)

type fakeRawStore struct {
	mu      sync.Mutex
	upserts int
	lastID  string
	// delay, when non-zero, is slept before recording the upsert —
	// used to hold a listener's consumer "busy" long enough for the
	// supervisor's backlog check to observe it.
	delay time.Duration
}

func (f *fakeRawStore) UpsertRawEvent(ctx context.Context, messageID, eventType string, eventTime *time.Time, payloadJSON, checksum string, processedAt time.Time) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.lastID = messageID
	return nil
}
func (f *fakeRawStore) FindByFilter(ctx context.Context, filter rawevents.Filter) ([]rawevents.RawEvent, error) {
	return nil, nil
}
func (f *fakeRawStore) CountByFilter(ctx context.Context, filter rawevents.Filter) (int64, error) {
	return 0, nil
}
func (f *fakeRawStore) FindByIDs(ctx context.Context, ids []string) ([]rawevents.RawEvent, error) {
	return nil, nil
}

type fakeStreams struct {
	mu        sync.Mutex
	published []streamstore.Record
}

func (f *fakeStreams) Publish(ctx context.Context, streamName string, rec streamstore.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, rec)
	return nil
}
func (f *fakeStreams) EnsureGroup(ctx context.Context, streamName, group string) error { return nil }
func (f *fakeStreams) ReadGroup(ctx context.Context, streamName, group, consumer string, timeout time.Duration) (*streamstore.Delivery, error) {
	return nil, nil
}
func (f *fakeStreams) Claim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration) (*streamstore.Delivery, error) {
	return nil, nil
}
func (f *fakeStreams) Ack(ctx context.Context, streamName, group, deliveryID string) error { return nil }
func (f *fakeStreams) Pending(ctx context.Context, streamName, group string) (int64, error) {
	return 0, nil
}
func (f *fakeStreams) Close() error { return nil }

// fakeConsumer waits on its deliver channel or context cancellation;
// tests drive handleMessage directly, or push synthetic messages onto
// deliver to simulate an inbound delivery that keeps the consumer
// "busy" for as long as its handler takes to return.
type fakeConsumer struct {
	mu      sync.Mutex
	closed  bool
	deliver chan *messaging.Message
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{deliver: make(chan *messaging.Message, 1)}
}

func (c *fakeConsumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.deliver:
			_ = handler(ctx, msg)
		}
	}
}
func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeBroker struct {
	mu        sync.Mutex
	consumers []*fakeConsumer
	closed    bool
}

func (b *fakeBroker) Producer(topic string) (messaging.Producer, error) { return nil, nil }
func (b *fakeBroker) Consumer(topic, group string) (messaging.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := newFakeConsumer()
	b.consumers = append(b.consumers, c)
	return c, nil
}
func (b *fakeBroker) snapshot() []*fakeConsumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeConsumer(nil), b.consumers...)
}
func (b *fakeBroker) Close() error {
	b.closed = true
	return nil
}
func (b *fakeBroker) Healthy(ctx context.Context) bool { return true }

type GatewaySuite struct {
	test.Suite
}

func TestGatewaySuite(t *testing.T) {
	test.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) newManager(cfg Config) (*Manager, *fakeRawStore, *fakeStreams, *fakeBroker) {
	raw := &fakeRawStore{}
	streams := &fakeStreams{}
	broker := &fakeBroker{}
	m := New(cfg, broker, raw)
	m.SetPublisher(NewPublisher(streams, cfg.StreamMapping))
	return m, raw, streams, broker
}

func (s *GatewaySuite) TestHandleMessageUpsertsAndPublishesWhenAcknowledgeEnabled() {
	m, raw, streams, _ := s.newManager(Config{
		RetryAttempts:       3,
		RetryDelayMs:        10,
		AcknowledgeMessages: true,
		StreamMapping:       map[string]string{"unit-events": "tfp-unit-events-stream"},
	})

	msg := &messaging.Message{
		ID:      "ID:abc-1",
		Payload: []byte(`{"unitNumber":"TEST001"}`),
		Headers: map[string]string{"event_type": "UNIT_EVENT"},
	}

	err := m.handleMessage(s.Ctx, "unit-events", msg)
	s.Require().NoError(err)
	s.Equal(1, raw.upserts)
	s.Equal("ID:abc-1", raw.lastID)
	s.Require().Len(streams.published, 1)
	s.Equal("ID:abc-1", streams.published[0].MessageID)
}

func (s *GatewaySuite) TestHandleMessageForcesRedeliveryWhenAcknowledgeDisabled() {
	m, raw, _, _ := s.newManager(Config{
		RetryAttempts:       3,
		RetryDelayMs:        10,
		AcknowledgeMessages: false,
	})

	msg := &messaging.Message{ID: "ID:abc-2", Payload: []byte(`{}`)}

	err := m.handleMessage(s.Ctx, "unit-events", msg)
	s.Error(err)
	s.Equal(1, raw.upserts)
}

func (s *GatewaySuite) TestHandleMessageFallsBackToFingerprintWhenIDMissing() {
	m, raw, _, _ := s.newManager(Config{RetryAttempts: 1, RetryDelayMs: 10, AcknowledgeMessages: true})

	msg := &messaging.Message{Payload: []byte(`{"a":1}`)}
	err := m.handleMessage(s.Ctx, "unit-events", msg)
	s.Require().NoError(err)
	s.NotEmpty(raw.lastID)
}

func (s *GatewaySuite) TestStartSpawnsOnlyMinConsumersAndStopClosesThem() {
	m, _, _, broker := s.newManager(Config{
		Addresses:     []string{"unit-events"},
		Concurrency:   "1-3",
		RetryAttempts: 1,
		RetryDelayMs:  10,
	})

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	s.Require().NoError(m.Start(ctx))

	status := s.waitForActiveConsumers(m, 1)
	s.Equal(OverallRunning, status.Overall)
	s.Require().Len(status.Addresses, 1)
	s.Equal(1, status.Addresses[0].ActiveConsumers)
	s.Len(broker.snapshot(), 1, "Concurrency=1-3 must start at the band's floor, not spawn a fixed pool at the ceiling")

	m.Stop()
	for _, c := range broker.snapshot() {
		s.True(c.isClosed())
	}
	s.True(broker.closed)

	status = m.Status()
	s.Equal(OverallStopped, status.Overall)
}

// TestSuperviseListenerScalesUpUnderBacklogAndDownWhenIdle keeps the
// sole initial consumer busy with slow deliveries long enough for the
// supervisor to grow the pool toward max, then lets the address go
// idle and confirms it shrinks back to min.
func (s *GatewaySuite) TestSuperviseListenerScalesUpUnderBacklogAndDownWhenIdle() {
	raw := &fakeRawStore{delay: 30 * time.Millisecond}
	streams := &fakeStreams{}
	broker := &fakeBroker{}
	m := New(Config{
		Addresses:     []string{"unit-events"},
		Concurrency:   "1-3",
		RetryAttempts: 1,
		RetryDelayMs:  10,
		Reconnection:  ReconnectionConfig{FailureCheckPeriod: 20 * time.Millisecond},
	}, broker, raw)
	m.SetPublisher(NewPublisher(streams, nil))

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()
	s.Require().NoError(m.Start(ctx))

	stopFeeding := make(chan struct{})
	go func() {
		i := 0
		for {
			select {
			case <-stopFeeding:
				return
			default:
			}
			for _, c := range broker.snapshot() {
				select {
				case c.deliver <- &messaging.Message{ID: fmt.Sprintf("busy-%d", i), Payload: []byte(`{}`)}:
				default:
				}
			}
			i++
			time.Sleep(5 * time.Millisecond)
		}
	}()

	status := s.waitForActiveConsumersWithin(m, 3, 5*time.Second)
	s.Equal(3, status.Addresses[0].ActiveConsumers, "sustained backlog on every consumer must grow the pool toward max")

	close(stopFeeding)
	status = s.waitForActiveConsumersWithin(m, 1, 5*time.Second)
	s.Equal(1, status.Addresses[0].ActiveConsumers, "an idle address must shrink back to min")

	m.Stop()
}

// waitForActiveConsumers polls Status until the single address reaches
// want active consumers or a short deadline passes; Start spawns
// consumer goroutines asynchronously, so the count isn't immediately
// visible the instant Start returns.
func (s *GatewaySuite) waitForActiveConsumers(m *Manager, want int) Status {
	return s.waitForActiveConsumersWithin(m, want, time.Second)
}

func (s *GatewaySuite) waitForActiveConsumersWithin(m *Manager, want int, within time.Duration) Status {
	deadline := time.Now().Add(within)
	var status Status
	for time.Now().Before(deadline) {
		status = m.Status()
		if len(status.Addresses) == 1 && status.Addresses[0].ActiveConsumers == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	return status
}

func (s *GatewaySuite) TestPublisherSkipsUnmappedAddress() {
	streams := &fakeStreams{}
	p := NewPublisher(streams, map[string]string{"unit-events": "tfp-unit-events-stream"})

	p.Publish(s.Ctx, "unmapped-address", EventRecord{MessageID: "x"}, "")
	s.Empty(streams.published)

	p.Publish(s.Ctx, "unit-events", EventRecord{MessageID: "y"}, "")
	s.Require().Len(streams.published, 1)
	s.Equal("y", streams.published[0].MessageID)
}
