package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/database"
	"github.com/tfp-event-fabric/fabric/pkg/enrichment"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeDB struct {
	db *gorm.DB
}

func (f *fakeDB) Get(ctx context.Context) *gorm.DB                        { return f.db }
func (f *fakeDB) GetShard(ctx context.Context, key string) (*gorm.DB, error) { return f.db, nil }
func (f *fakeDB) GetDocument(ctx context.Context) interface{}             { return nil }
func (f *fakeDB) GetKV(ctx context.Context) interface{}                   { return nil }
func (f *fakeDB) GetVector(ctx context.Context) interface{}               { return nil }
func (f *fakeDB) Close() error                                            { return nil }

type fakeOrchestratorStreams struct {
	mu          sync.Mutex
	deliveries  []*streamstore.Delivery
	nextIdx     int
	claims      []*streamstore.Delivery
	claimIdx    int
	claimCalls  int
	acked       []string
	groups      []string
}

func (f *fakeOrchestratorStreams) Publish(ctx context.Context, streamName string, rec streamstore.Record) error {
	return nil
}
func (f *fakeOrchestratorStreams) EnsureGroup(ctx context.Context, streamName, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, group)
	return nil
}
func (f *fakeOrchestratorStreams) ReadGroup(ctx context.Context, streamName, group, consumer string, timeout time.Duration) (*streamstore.Delivery, error) {
	f.mu.Lock()
	if f.nextIdx < len(f.deliveries) {
		d := f.deliveries[f.nextIdx]
		f.nextIdx++
		f.mu.Unlock()
		return d, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}
func (f *fakeOrchestratorStreams) Claim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration) (*streamstore.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	if f.claimIdx < len(f.claims) {
		d := f.claims[f.claimIdx]
		f.claimIdx++
		return d, nil
	}
	return nil, nil
}
func (f *fakeOrchestratorStreams) Ack(ctx context.Context, streamName, group, deliveryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, deliveryID)
	return nil
}
func (f *fakeOrchestratorStreams) Pending(ctx context.Context, streamName, group string) (int64, error) {
	return 0, nil
}
func (f *fakeOrchestratorStreams) Close() error { return nil }

func (f *fakeOrchestratorStreams) snapshotAcked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.acked))
	copy(out, f.acked)
	return out
}

type noopOrchestratorEnricher struct{}

func (noopOrchestratorEnricher) Lookup(ctx context.Context, identifier, typeCode string) enrichment.Result {
	return enrichment.Result{}
}

type fakeProcessor struct {
	mu      sync.Mutex
	saved   []string
	exists  map[string]bool
	failErr error
}

func (p *fakeProcessor) StreamKey() string     { return "unit-test-stream" }
func (p *fakeProcessor) ConsumerGroup() string { return "unit-test-group" }
func (p *fakeProcessor) ProcessorName() string { return "unit-test-processor" }
func (p *fakeProcessor) ExistsByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return false, p.failErr
	}
	return p.exists[messageID], nil
}
func (p *fakeProcessor) DeleteByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (int64, error) {
	return 0, nil
}
func (p *fakeProcessor) BuildModels(ctx context.Context, messageID, eventType string, payload map[string]interface{}) ([]Row, error) {
	return nil, nil
}
func (p *fakeProcessor) SaveRows(ctx context.Context, tx *gorm.DB, rows []Row) error {
	return nil
}
func (p *fakeProcessor) GetUnitNumberFromPayload(payload map[string]interface{}) string { return "" }
func (p *fakeProcessor) GetUnitTypeCodeFromPayload(payload map[string]interface{}) string {
	return ""
}

func newTestOrchestratorDB(t *testing.T) database.DB {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(&ErrorIngestion{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return &fakeDB{db: gdb}
}

func TestStartEnsuresGroupsForEveryRegisteredProcessor(t *testing.T) {
	streams := &fakeOrchestratorStreams{}
	db := newTestOrchestratorDB(t)
	o := New(Config{PollTimeout: 20 * time.Millisecond}, streams, db, noopOrchestratorEnricher{})
	o.Register(&fakeProcessor{exists: map[string]bool{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer o.Stop()

	if len(streams.groups) != 1 || streams.groups[0] != "unit-test-group" {
		t.Fatalf("expected the processor's consumer group to be ensured, got %v", streams.groups)
	}
}

func TestConsumeLoopAcksMalformedPayloadAsRejected(t *testing.T) {
	streams := &fakeOrchestratorStreams{
		deliveries: []*streamstore.Delivery{
			{ID: "1-1", Fields: map[string]string{
				"message_id": "ID:bad-1",
				"event_type": "TEST",
				"payload":    "{not valid json",
			}},
		},
	}
	db := newTestOrchestratorDB(t)
	o := New(Config{PollTimeout: 10 * time.Millisecond}, streams, db, noopOrchestratorEnricher{})
	proc := &fakeProcessor{exists: map[string]bool{}}
	o.Register(proc)

	ctx, cancel := context.WithCancel(context.Background())
	if err := o.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForCount(t, func() int { return len(streams.snapshotAcked()) }, 1)

	if got := len(streams.snapshotAcked()); got != 1 {
		t.Fatalf("expected a malformed payload to still be acked (Rejected outcome), got %d acks", got)
	}

	cancel()
	o.Stop()
}

func TestConsumeLoopRecordsErrorAndDoesNotAckOnProcessorFailure(t *testing.T) {
	streams := &fakeOrchestratorStreams{
		deliveries: []*streamstore.Delivery{
			{ID: "1-1", Fields: map[string]string{
				"message_id": "ID:fail-1",
				"event_type": "TEST",
				"payload":    "{}",
			}},
		},
	}
	db := newTestOrchestratorDB(t)
	o := New(Config{PollTimeout: 10 * time.Millisecond}, streams, db, noopOrchestratorEnricher{})
	proc := &fakeProcessor{exists: map[string]bool{}, failErr: errStoreUnavailable}
	o.Register(proc)

	ctx, cancel := context.WithCancel(context.Background())
	if err := o.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForCount(t, func() int {
		var count int64
		db.Get(context.Background()).Model(&ErrorIngestion{}).Where("message_id = ?", "ID:fail-1").Count(&count)
		return int(count)
	}, 1)

	var recorded ErrorIngestion
	if err := db.Get(context.Background()).Where("message_id = ?", "ID:fail-1").First(&recorded).Error; err != nil {
		t.Fatalf("expected an error-ingestion row to be recorded: %v", err)
	}
	if len(streams.snapshotAcked()) != 0 {
		t.Fatal("expected the failed delivery to not be acknowledged, leaving it pending for redelivery")
	}

	cancel()
	o.Stop()
}

func TestConsumeLoopReclaimsAbandonedPendingEntry(t *testing.T) {
	streams := &fakeOrchestratorStreams{
		claims: []*streamstore.Delivery{
			{ID: "1-1", Fields: map[string]string{
				"message_id": "ID:reclaimed-1",
				"event_type": "TEST",
				"payload":    "{}",
			}},
		},
	}
	db := newTestOrchestratorDB(t)
	o := New(Config{PollTimeout: 10 * time.Millisecond, ClaimMinIdle: time.Millisecond}, streams, db, noopOrchestratorEnricher{})
	proc := &fakeProcessor{exists: map[string]bool{}}
	o.Register(proc)

	ctx, cancel := context.WithCancel(context.Background())
	if err := o.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForCount(t, func() int { return len(streams.snapshotAcked()) }, 1)

	acked := streams.snapshotAcked()
	if len(acked) != 1 || acked[0] != "1-1" {
		t.Fatalf("expected the reclaimed pending entry to be processed and acked, got %v", acked)
	}

	cancel()
	o.Stop()
}

var errStoreUnavailable = gorm.ErrInvalidDB

func waitForCount(t *testing.T, count func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if count() < want {
		t.Fatalf("timed out waiting for count to reach %d, got %d", want, count())
	}
}
