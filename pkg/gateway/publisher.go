package gateway

import (
	"context"

	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore"
)

// EventRecord is the flattened raw event a listener hands to the
// publisher after C1/C2 have run.
type EventRecord struct {
	MessageID string
	EventType string
	EventTime string
	Payload   string
}

// Publisher is the C4 stream publisher: it resolves a stream key for
// the record's address and writes a flat record, never surfacing
// failures to the caller.
type Publisher struct {
	streams       streamstore.Client
	streamMapping map[string]string
}

func NewPublisher(streams streamstore.Client, streamMapping map[string]string) *Publisher {
	return &Publisher{streams: streams, streamMapping: streamMapping}
}

// Publish looks up streamMapping[address]; if absent, it debug-logs and
// returns without error (there is nothing downstream configured to
// receive this address's events). metadataJSON may be empty.
func (p *Publisher) Publish(ctx context.Context, address string, rec EventRecord, metadataJSON string) {
	streamKey, ok := p.streamMapping[address]
	if !ok {
		logger.L().DebugContext(ctx, "no stream mapping for address, skipping publish", "address", address)
		return
	}

	err := p.streams.Publish(ctx, streamKey, streamstore.Record{
		MessageID: rec.MessageID,
		EventType: rec.EventType,
		EventTime: rec.EventTime,
		Payload:   rec.Payload,
		Metadata:  metadataJSON,
	})
	if err != nil {
		// The raw event is already durable in evt_raw_events; the operator
		// can resend, so a stream-publish failure is never fatal here.
		logger.L().WarnContext(ctx, "stream publish failed, raw event remains durable for resend",
			"address", address, "stream", streamKey, "message_id", rec.MessageID, "error", err)
	}
}
