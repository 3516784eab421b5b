package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tfp-event-fabric/fabric/pkg/enrichment"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"gorm.io/gorm"
)

// OutcomeKind is the explicit replacement for exceptions-as-control-flow:
// the template method always returns one of these instead of throwing
// to signal "don't acknowledge".
type OutcomeKind int

const (
	// Acked means the orchestrator should acknowledge the stream message.
	Acked OutcomeKind = iota
	// Rejected means the message is a data problem (bad payload) — also
	// acknowledged, but nothing was written.
	Rejected
	// RollbackForRedelivery means processing failed in a way that should
	// leave the message pending for retry (persistence/enrichment-save
	// failures); the orchestrator records an error-ingestion row and
	// does not acknowledge.
	RollbackForRedelivery
)

// Outcome is the result of running a processor's template method.
type Outcome struct {
	Kind     OutcomeKind
	Reason   string
	IsResend bool
}

// Row is a single persisted record produced by a processor. Only the
// first row returned by BuildModels receives enrichment columns.
type Row interface {
	ApplyEnrichment(r enrichment.Result)
}

// ProcessorOps is the capability set a concrete processor supplies;
// Process (the shared template method) drives these hooks instead of
// processors each reimplementing dedup/resend/save bookkeeping.
type ProcessorOps interface {
	StreamKey() string
	ConsumerGroup() string
	ProcessorName() string

	ExistsByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (bool, error)
	// DeleteByMessageID must cascade-delete any child rows first for
	// composite-event processors.
	DeleteByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (int64, error)

	BuildModels(ctx context.Context, messageID, eventType string, payload map[string]interface{}) ([]Row, error)
	SaveRows(ctx context.Context, tx *gorm.DB, rows []Row) error

	// GetUnitNumberFromPayload/GetUnitTypeCodeFromPayload are the
	// enrichment hooks; the default helpers below cover the common field
	// names and processors override only when they diverge.
	GetUnitNumberFromPayload(payload map[string]interface{}) string
	GetUnitTypeCodeFromPayload(payload map[string]interface{}) string
}

// Process implements the C6 template method: extract → dedup/resend →
// parse → build → enrich → save. Any infrastructure failure returns
// RollbackForRedelivery with a non-nil error; the caller must not
// acknowledge in that case.
func Process(ctx context.Context, tx *gorm.DB, ops ProcessorOps, enricher enrichment.Client, fields map[string]string) (Outcome, error) {
	messageID := fields["message_id"]
	eventType := fields["event_type"]
	payloadJSON := fields["payload"]

	if strings.TrimSpace(messageID) == "" {
		logger.L().WarnContext(ctx, "stream record missing message_id, skipping", "processor", ops.ProcessorName())
		return Outcome{Kind: Acked, Reason: "missing message_id"}, nil
	}

	isResend := parseResendFlag(fields["metadata"])

	exists, err := ops.ExistsByMessageID(ctx, tx, messageID)
	if err != nil {
		return Outcome{Kind: RollbackForRedelivery}, err
	}
	if exists {
		if !isResend {
			return Outcome{Kind: Acked, IsResend: false, Reason: "duplicate, not a resend"}, nil
		}
		if _, err := ops.DeleteByMessageID(ctx, tx, messageID); err != nil {
			return Outcome{Kind: RollbackForRedelivery, IsResend: true}, err
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		logger.L().WarnContext(ctx, "failed to parse payload, skipping", "processor", ops.ProcessorName(), "message_id", messageID, "error", err)
		return Outcome{Kind: Rejected, IsResend: isResend, Reason: "payload parse error"}, nil
	}

	rows, err := ops.BuildModels(ctx, messageID, eventType, payload)
	if err != nil {
		return Outcome{Kind: RollbackForRedelivery, IsResend: isResend}, err
	}

	if len(rows) > 0 {
		unitNumber := ops.GetUnitNumberFromPayload(payload)
		typeCode := ops.GetUnitTypeCodeFromPayload(payload)
		result := enricher.Lookup(ctx, unitNumber, typeCode)
		rows[0].ApplyEnrichment(result)
	}

	if err := ops.SaveRows(ctx, tx, rows); err != nil {
		return Outcome{Kind: RollbackForRedelivery, IsResend: isResend}, err
	}

	return Outcome{Kind: Acked, IsResend: isResend}, nil
}

// parseResendFlag reads the stream record's metadata JSON (already
// JSON-unquoted) and reports whether it carries resend=true.
func parseResendFlag(metadataJSON string) bool {
	if strings.TrimSpace(metadataJSON) == "" {
		return false
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(metadataJSON), &meta); err != nil {
		return false
	}
	v, ok := meta["resend"]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}

// Field accessor helpers shared by every processor's BuildModels.

func GetString(payload map[string]interface{}, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func GetLong(payload map[string]interface{}, key string) (int64, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func GetInteger(payload map[string]interface{}, key string) (int, bool) {
	n, ok := GetLong(payload, key)
	return int(n), ok
}

func GetBoolean(payload map[string]interface{}, key string) bool {
	v, ok := payload[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	}
	return false
}

func ParseTimestamp(payload map[string]interface{}, key string) *time.Time {
	s := GetString(payload, key)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func ParseBigDecimal(payload map[string]interface{}, key string) (decimal.Decimal, bool) {
	v, ok := payload[key]
	if !ok || v == nil {
		return decimal.Zero, false
	}
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case string:
		d, err := decimal.NewFromString(t)
		return d, err == nil
	}
	return decimal.Zero, false
}
