// Package processors holds the concrete stream processors registered
// with the C5 orchestrator: one per typed-event table variant described
// in the data model (single-row, multi-row, composite).
package processors

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tfp-event-fabric/fabric/pkg/enrichment"
	"github.com/tfp-event-fabric/fabric/pkg/ingest"
	"gorm.io/gorm"
)

// UnitEvent is the single-row variant: one row per message.
type UnitEvent struct {
	MessageID       string `gorm:"column:message_id;uniqueIndex"`
	UnitNumber      string `gorm:"column:unit_number"`
	UnitTypeCode    string `gorm:"column:unit_type_code"`
	EventTime       *time.Time `gorm:"column:event_time"`
	Type            string `gorm:"column:type"`
	Latitude        *decimal.Decimal `gorm:"column:latitude;type:numeric"`
	Longitude       *decimal.Decimal `gorm:"column:longitude;type:numeric"`
	Severity        string `gorm:"column:severity"`
	ReportNotes     string `gorm:"column:report_notes"`
	ContainerNumber string `gorm:"column:container_number"`
	IDTrailer       string `gorm:"column:id_trailer"`
	IDVehicle       string `gorm:"column:id_vehicle"`
}

func (UnitEvent) TableName() string { return "evt_unit_events" }

func (r *UnitEvent) ApplyEnrichment(res enrichment.Result) {
	r.ContainerNumber = res.ContainerNumber
	r.IDTrailer = res.IDTrailer
	r.IDVehicle = res.IDVehicle
}

// UnitEventsProcessor handles the BERNARDINI_UNIT_EVENTS family of
// messages (S1/S2/S3 in the testable scenarios). It is stateless: the
// orchestrator hands it a *gorm.DB transaction per call.
type UnitEventsProcessor struct{}

func NewUnitEventsProcessor() *UnitEventsProcessor {
	return &UnitEventsProcessor{}
}

func (p *UnitEventsProcessor) StreamKey() string      { return "tfp-unit-events-stream" }
func (p *UnitEventsProcessor) ConsumerGroup() string  { return "unit-events-processor" }
func (p *UnitEventsProcessor) ProcessorName() string  { return "unit-events-processor" }

func (p *UnitEventsProcessor) ExistsByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (bool, error) {
	var count int64
	if err := tx.Model(&UnitEvent{}).Where("message_id = ?", messageID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *UnitEventsProcessor) DeleteByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (int64, error) {
	res := tx.Where("message_id = ?", messageID).Delete(&UnitEvent{})
	return res.RowsAffected, res.Error
}

func (p *UnitEventsProcessor) BuildModels(ctx context.Context, messageID, eventType string, payload map[string]interface{}) ([]ingest.Row, error) {
	lat, _ := ingest.ParseBigDecimal(payload, "latitude")
	lon, _ := ingest.ParseBigDecimal(payload, "longitude")

	row := &UnitEvent{
		MessageID:    messageID,
		UnitNumber:   ingest.GetString(payload, "unitNumber"),
		UnitTypeCode: ingest.GetString(payload, "unitTypeCode"),
		EventTime:    ingest.ParseTimestamp(payload, "eventTime"),
		Type:         ingest.GetString(payload, "type"),
		Severity:     ingest.GetString(payload, "severity"),
		ReportNotes:  ingest.GetString(payload, "reportNotes"),
	}
	if !lat.IsZero() {
		row.Latitude = &lat
	}
	if !lon.IsZero() {
		row.Longitude = &lon
	}

	return []ingest.Row{row}, nil
}

func (p *UnitEventsProcessor) SaveRows(ctx context.Context, tx *gorm.DB, rows []ingest.Row) error {
	for _, r := range rows {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
	}
	return nil
}

func (p *UnitEventsProcessor) GetUnitNumberFromPayload(payload map[string]interface{}) string {
	return ingest.GetString(payload, "unitNumber")
}

func (p *UnitEventsProcessor) GetUnitTypeCodeFromPayload(payload map[string]interface{}) string {
	return ingest.GetString(payload, "unitTypeCode")
}
