package ingest

import (
	"context"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/database"
	"github.com/tfp-event-fabric/fabric/pkg/errors"
)

const errorMessageMaxLen = 4000

// ErrorIngestion is written whenever a processor fails; cleared on a
// subsequent successful resend of the same message.
type ErrorIngestion struct {
	MessageID     string    `gorm:"column:message_id;index"`
	IngestionTime time.Time `gorm:"column:ingestion_time"`
	ErrorMessage  string    `gorm:"column:error_message"`
}

func (ErrorIngestion) TableName() string { return "evt_error_ingestion" }

// ErrorStore persists and clears error-ingestion rows. Every method is
// best-effort: a failure here must never mask the original processing
// error, so callers swallow its errors after logging.
type ErrorStore struct {
	db database.DB
}

func NewErrorStore(db database.DB) *ErrorStore {
	return &ErrorStore{db: db}
}

func (s *ErrorStore) Record(ctx context.Context, messageID string, cause error) error {
	msg := cause.Error()
	if len(msg) > errorMessageMaxLen {
		msg = msg[:errorMessageMaxLen]
	}
	row := ErrorIngestion{
		MessageID:     messageID,
		IngestionTime: time.Now(),
		ErrorMessage:  msg,
	}
	if err := s.db.Get(ctx).Create(&row).Error; err != nil {
		return errors.Wrap(err, "failed to record ingestion error")
	}
	return nil
}

// Clear removes every error-ingestion row for messageID, as done when a
// resend succeeds.
func (s *ErrorStore) Clear(ctx context.Context, messageID string) error {
	if err := s.db.Get(ctx).Where("message_id = ?", messageID).Delete(&ErrorIngestion{}).Error; err != nil {
		return errors.Wrap(err, "failed to clear ingestion errors")
	}
	return nil
}
