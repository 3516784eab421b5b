// Package control implements the operator control plane: status,
// lifecycle, and raw-event query/resend operations, exposed as a plain
// Go API for an external caller (CLI, admin tool, test harness) to wire
// however it wants. No HTTP/gRPC surface is provided here.
package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/gateway"
	"github.com/tfp-event-fabric/fabric/pkg/rawevents"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore"
)

// Gateway is the subset of gateway.Manager the control plane drives.
type Gateway interface {
	Start(ctx context.Context) error
	Stop()
	Reconfigure(ctx context.Context, cfg gateway.Config) error
	Status() gateway.Status
}

// Plane wires the gateway lifecycle and the raw-event store into the
// operator-facing operations.
type Plane struct {
	gw        Gateway
	rawEvents rawevents.Store
	streams   streamstore.Client
	// streamMapping mirrors gateway.Config.StreamMapping so resend can
	// republish by event type without re-resolving the address.
	streamMapping map[string]string
}

func New(gw Gateway, rawEvents rawevents.Store, streams streamstore.Client, streamMapping map[string]string) *Plane {
	return &Plane{gw: gw, rawEvents: rawEvents, streams: streams, streamMapping: streamMapping}
}

// GetStatus reports the gateway's per-address listener status.
func (p *Plane) GetStatus() gateway.Status {
	return p.gw.Status()
}

// StopAll stops every gateway listener.
func (p *Plane) StopAll() {
	p.gw.Stop()
}

// StartAll (re)starts every configured gateway listener.
func (p *Plane) StartAll(ctx context.Context) error {
	return p.gw.Start(ctx)
}

// Reconfigure applies a new gateway configuration atomically.
func (p *Plane) Reconfigure(ctx context.Context, cfg gateway.Config) error {
	p.streamMapping = cfg.StreamMapping
	return p.gw.Reconfigure(ctx, cfg)
}

// SearchEvents lists raw events matching f.
func (p *Plane) SearchEvents(ctx context.Context, f rawevents.Filter) ([]rawevents.RawEvent, error) {
	return p.rawEvents.FindByFilter(ctx, f)
}

// CountEvents counts raw events matching f.
func (p *Plane) CountEvents(ctx context.Context, f rawevents.Filter) (int64, error) {
	return p.rawEvents.CountByFilter(ctx, f)
}

// ResendEvents republishes the named raw events into their mapped
// stream. When forceMessageID is true, the republished record carries
// metadata.resend=true, which tells the ingester (C6) to delete and
// re-save the typed row instead of skipping it as a duplicate.
func (p *Plane) ResendEvents(ctx context.Context, ids []string, forceMessageID bool) error {
	rows, err := p.rawEvents.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}
	return p.resend(ctx, rows, forceMessageID)
}

// ResendAllByFilter republishes every raw event matching f.
func (p *Plane) ResendAllByFilter(ctx context.Context, f rawevents.Filter) error {
	rows, err := p.rawEvents.FindByFilter(ctx, f)
	if err != nil {
		return err
	}
	return p.resend(ctx, rows, true)
}

func (p *Plane) resend(ctx context.Context, rows []rawevents.RawEvent, forceMessageID bool) error {
	var metadataJSON string
	if forceMessageID {
		meta, _ := json.Marshal(map[string]string{"resend": "true"})
		metadataJSON = string(meta)
	}

	for _, row := range rows {
		streamKey, ok := p.streamMapping[row.EventType]
		if !ok {
			continue
		}
		eventTime := ""
		if row.EventTime != nil {
			eventTime = row.EventTime.Format(time.RFC3339)
		}
		if err := p.streams.Publish(ctx, streamKey, streamstore.Record{
			MessageID: row.MessageID,
			EventType: row.EventType,
			EventTime: eventTime,
			Payload:   row.Payload,
			Metadata:  metadataJSON,
		}); err != nil {
			return err
		}
	}
	return nil
}
