package processors

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tfp-event-fabric/fabric/pkg/enrichment"
	"github.com/tfp-event-fabric/fabric/pkg/ingest"
	"gorm.io/gorm"
)

// PurchaseOrderLine is the multi-row variant: one message expands into
// N rows disambiguated by pos_index, unique on (message_id, pos_index).
type PurchaseOrderLine struct {
	MessageID       string          `gorm:"column:message_id;uniqueIndex:idx_po_line_message_pos"`
	PosIndex        int             `gorm:"column:pos_index;uniqueIndex:idx_po_line_message_pos"`
	IDPurchaseOrder int64           `gorm:"column:id_purchase_order"`
	SupplierName    string          `gorm:"column:supplier_name"`
	ItemCode        string          `gorm:"column:item_code"`
	Quantity        decimal.Decimal `gorm:"column:quantity;type:numeric"`
	UnitPrice       decimal.Decimal `gorm:"column:unit_price;type:numeric"`
	ContainerNumber string          `gorm:"column:container_number"`
	IDTrailer       string          `gorm:"column:id_trailer"`
	IDVehicle       string          `gorm:"column:id_vehicle"`
}

func (PurchaseOrderLine) TableName() string { return "evt_purchase_order_lines" }

func (r *PurchaseOrderLine) ApplyEnrichment(res enrichment.Result) {
	r.ContainerNumber = res.ContainerNumber
	r.IDTrailer = res.IDTrailer
	r.IDVehicle = res.IDVehicle
}

// PurchaseOrderLinesProcessor expands a purchase order payload's "lines"
// array into one row per line, numbered 1..N via PosIndex.
type PurchaseOrderLinesProcessor struct{}

func NewPurchaseOrderLinesProcessor() *PurchaseOrderLinesProcessor {
	return &PurchaseOrderLinesProcessor{}
}

func (p *PurchaseOrderLinesProcessor) StreamKey() string     { return "tfp-purchase-order-lines-stream" }
func (p *PurchaseOrderLinesProcessor) ConsumerGroup() string { return "purchase-order-lines-processor" }
func (p *PurchaseOrderLinesProcessor) ProcessorName() string { return "purchase-order-lines-processor" }

func (p *PurchaseOrderLinesProcessor) ExistsByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (bool, error) {
	var count int64
	if err := tx.Model(&PurchaseOrderLine{}).Where("message_id = ?", messageID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (p *PurchaseOrderLinesProcessor) DeleteByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (int64, error) {
	res := tx.Where("message_id = ?", messageID).Delete(&PurchaseOrderLine{})
	return res.RowsAffected, res.Error
}

func (p *PurchaseOrderLinesProcessor) BuildModels(ctx context.Context, messageID, eventType string, payload map[string]interface{}) ([]ingest.Row, error) {
	idPO, _ := ingest.GetLong(payload, "id_purchase_order")
	supplier := ingest.GetString(payload, "supplier_name")

	rawLines, _ := payload["lines"].([]interface{})
	rows := make([]ingest.Row, 0, len(rawLines))
	for i, raw := range rawLines {
		line, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		qty, _ := ingest.ParseBigDecimal(line, "quantity")
		price, _ := ingest.ParseBigDecimal(line, "unit_price")

		rows = append(rows, &PurchaseOrderLine{
			MessageID:       messageID,
			PosIndex:        i + 1,
			IDPurchaseOrder: idPO,
			SupplierName:    supplier,
			ItemCode:        ingest.GetString(line, "item_code"),
			Quantity:        qty,
			UnitPrice:       price,
		})
	}
	return rows, nil
}

func (p *PurchaseOrderLinesProcessor) SaveRows(ctx context.Context, tx *gorm.DB, rows []ingest.Row) error {
	for _, r := range rows {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
	}
	return nil
}

func (p *PurchaseOrderLinesProcessor) GetUnitNumberFromPayload(payload map[string]interface{}) string {
	return ingest.GetString(payload, "item_code")
}

func (p *PurchaseOrderLinesProcessor) GetUnitTypeCodeFromPayload(payload map[string]interface{}) string {
	return ""
}
