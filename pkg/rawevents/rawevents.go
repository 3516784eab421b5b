// Package rawevents is the raw-event store adapter (C2): an idempotent
// upsert keyed by message_id, backing the gateway's durable copy of
// every delivered message and the resend/search control-plane queries.
package rawevents

import (
	"context"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/database"
	"github.com/tfp-event-fabric/fabric/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RawEvent is the durable, byte-for-byte record of a delivered message.
type RawEvent struct {
	MessageID   string `gorm:"column:message_id;primaryKey"`
	EventType   string `gorm:"column:event_type;index"`
	EventTime   *time.Time `gorm:"column:event_time"`
	Payload     string `gorm:"column:payload"`
	Checksum    string `gorm:"column:checksum"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (RawEvent) TableName() string { return "evt_raw_events" }

// Filter narrows searchEvents/countEvents queries.
type Filter struct {
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Store is the C2 contract.
type Store interface {
	// UpsertRawEvent inserts a new row, or on conflict by message_id
	// overwrites event_type/event_time/payload/checksum/processed_at.
	// Returns only once the row is durable.
	UpsertRawEvent(ctx context.Context, messageID, eventType string, eventTime *time.Time, payloadJSON, checksum string, processedAt time.Time) error

	FindByFilter(ctx context.Context, f Filter) ([]RawEvent, error)
	CountByFilter(ctx context.Context, f Filter) (int64, error)
	FindByIDs(ctx context.Context, ids []string) ([]RawEvent, error)
}

// GormStore implements Store over database.DB.
type GormStore struct {
	db database.DB
}

func NewGormStore(db database.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) UpsertRawEvent(ctx context.Context, messageID, eventType string, eventTime *time.Time, payloadJSON, checksum string, processedAt time.Time) error {
	row := RawEvent{
		MessageID:   messageID,
		EventType:   eventType,
		EventTime:   eventTime,
		Payload:     payloadJSON,
		Checksum:    checksum,
		ProcessedAt: processedAt,
	}

	err := s.db.Get(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"event_type", "event_time", "payload", "checksum", "processed_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert raw event")
	}
	return nil
}

func (s *GormStore) FindByFilter(ctx context.Context, f Filter) ([]RawEvent, error) {
	var rows []RawEvent
	q := applyFilter(s.db.Get(ctx), f)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if err := q.Order("processed_at desc").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to search raw events")
	}
	return rows, nil
}

func (s *GormStore) CountByFilter(ctx context.Context, f Filter) (int64, error) {
	var count int64
	if err := applyFilter(s.db.Get(ctx), f).Model(&RawEvent{}).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count raw events")
	}
	return count, nil
}

func (s *GormStore) FindByIDs(ctx context.Context, ids []string) ([]RawEvent, error) {
	var rows []RawEvent
	if err := s.db.Get(ctx).Where("message_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load raw events by id")
	}
	return rows, nil
}

func applyFilter(tx *gorm.DB, f Filter) *gorm.DB {
	if f.EventType != "" {
		tx = tx.Where("event_type = ?", f.EventType)
	}
	if f.Since != nil {
		tx = tx.Where("processed_at >= ?", *f.Since)
	}
	if f.Until != nil {
		tx = tx.Where("processed_at <= ?", *f.Until)
	}
	return tx
}
