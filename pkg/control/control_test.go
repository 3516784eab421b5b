package control

import (
	"context"
	"testing"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/gateway"
	"github.com/tfp-event-fabric/fabric/pkg/rawevents"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore"
	"github.com/tfp-event-fabric/fabric/pkg/test"
)

type fakeGateway struct {
	startCalls, stopCalls int
	reconfigured          *gateway.Config
	status                gateway.Status
}

func (f *fakeGateway) Start(ctx context.Context) error { f.startCalls++; return nil }
func (f *fakeGateway) Stop()                           { f.stopCalls++ }
func (f *fakeGateway) Reconfigure(ctx context.Context, cfg gateway.Config) error {
	f.reconfigured = &cfg
	return nil
}
func (f *fakeGateway) Status() gateway.Status { return f.status }

type fakeRawStore struct {
	rows []rawevents.RawEvent
}

func (f *fakeRawStore) UpsertRawEvent(ctx context.Context, messageID, eventType string, eventTime *time.Time, payloadJSON, checksum string, processedAt time.Time) error {
	return nil
}
func (f *fakeRawStore) FindByFilter(ctx context.Context, filter rawevents.Filter) ([]rawevents.RawEvent, error) {
	if filter.EventType == "" {
		return f.rows, nil
	}
	var out []rawevents.RawEvent
	for _, r := range f.rows {
		if r.EventType == filter.EventType {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeRawStore) CountByFilter(ctx context.Context, filter rawevents.Filter) (int64, error) {
	rows, _ := f.FindByFilter(ctx, filter)
	return int64(len(rows)), nil
}
func (f *fakeRawStore) FindByIDs(ctx context.Context, ids []string) ([]rawevents.RawEvent, error) {
	var out []rawevents.RawEvent
	for _, r := range f.rows {
		for _, id := range ids {
			if r.MessageID == id {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

type fakeStreams struct {
	published   []streamstore.Record
	streamNames []string
}

func (f *fakeStreams) Publish(ctx context.Context, streamName string, rec streamstore.Record) error {
	f.published = append(f.published, rec)
	f.streamNames = append(f.streamNames, streamName)
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

type ControlSuite struct {
	test.Suite
	gw      *fakeGateway
	raw     *fakeRawStore
	streams *fakeStreams
	plane   *Plane
}

func TestControlSuite(t *testing.T) {
	test.Run(t, new(ControlSuite))
}

func (s *ControlSuite) SetupTest() {
	s.Suite.SetupTest()
	s.gw = &fakeGateway{}
	s.raw = &fakeRawStore{}
	s.streams = &fakeStreams{}
	s.plane = New(s.gw, s.raw, s.streams, map[string]string{"UNIT_EVENT": "tfp-unit-events-stream"})
}

func (s *ControlSuite) TestStartStopDelegateToGateway() {
	s.Require().NoError(s.plane.StartAll(s.Ctx))
	s.plane.StopAll()
	s.Equal(1, s.gw.startCalls)
	s.Equal(1, s.gw.stopCalls)
}

func (s *ControlSuite) TestResendEventsForcesResendMetadata() {
	s.raw.rows = []rawevents.RawEvent{
		{MessageID: "ID:abc-1", EventType: "UNIT_EVENT", Payload: `{"unitNumber":"TEST001"}`},
	}

	err := s.plane.ResendEvents(s.Ctx, []string{"ID:abc-1"}, true)
	s.Require().NoError(err)
	s.Require().Len(s.streams.published, 1)
	s.Equal("tfp-unit-events-stream", s.streams.streamNames[0])
	s.Contains(s.streams.published[0].Metadata, `"resend":"true"`)
}

func (s *ControlSuite) TestResendSkipsEventTypesWithNoStreamMapping() {
	s.raw.rows = []rawevents.RawEvent{
		{MessageID: "ID:2", EventType: "UNMAPPED_TYPE", Payload: `{}`},
	}

	err := s.plane.ResendEvents(s.Ctx, []string{"ID:2"}, true)
	s.Require().NoError(err)
	s.Empty(s.streams.published)
}

func (s *ControlSuite) TestResendAllByFilterRepublishesMatches() {
	s.raw.rows = []rawevents.RawEvent{
		{MessageID: "ID:1", EventType: "UNIT_EVENT", Payload: `{}`},
		{MessageID: "ID:2", EventType: "UNIT_EVENT", Payload: `{}`},
	}

	err := s.plane.ResendAllByFilter(s.Ctx, rawevents.Filter{EventType: "UNIT_EVENT"})
	s.Require().NoError(err)
	s.Len(s.streams.published, 2)
}
