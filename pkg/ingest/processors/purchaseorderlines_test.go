package processors

import (
	"testing"

	"github.com/tfp-event-fabric/fabric/pkg/ingest"
	"github.com/tfp-event-fabric/fabric/pkg/test"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type PurchaseOrderLinesProcessorSuite struct {
	test.Suite
	db *gorm.DB
}

func TestPurchaseOrderLinesProcessorSuite(t *testing.T) {
	test.Run(t, new(PurchaseOrderLinesProcessorSuite))
}

func (s *PurchaseOrderLinesProcessorSuite) SetupTest() {
	s.Suite.SetupTest()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(&PurchaseOrderLine{}))
	s.db = db
}

func (s *PurchaseOrderLinesProcessorSuite) TestExpandsLinesIntoOneRowEach() {
	proc := NewPurchaseOrderLinesProcessor()
	fields := map[string]string{
		"message_id": "ID:po-1",
		"event_type": "PURCHASE_ORDER_LINES",
		"payload": `{"id_purchase_order":42,"supplier_name":"Acme",
			"lines":[
				{"item_code":"ITEM-A","quantity":2,"unit_price":10.5},
				{"item_code":"ITEM-B","quantity":1,"unit_price":4.25}
			]}`,
	}

	outcome, err := ingest.Process(s.Ctx, s.db, proc, noopEnricher{}, fields)
	s.Require().NoError(err)
	s.Equal(ingest.Acked, outcome.Kind)

	var rows []PurchaseOrderLine
	s.Require().NoError(s.db.Order("pos_index").Find(&rows).Error)
	s.Require().Len(rows, 2)
	s.Equal(1, rows[0].PosIndex)
	s.Equal("ITEM-A", rows[0].ItemCode)
	s.Equal(2, rows[1].PosIndex)
	s.Equal("ITEM-B", rows[1].ItemCode)
	s.Equal(int64(42), rows[0].IDPurchaseOrder)
	s.Equal("Acme", rows[0].SupplierName)
}

func (s *PurchaseOrderLinesProcessorSuite) TestResendReplacesAllLines() {
	proc := NewPurchaseOrderLinesProcessor()
	fields := map[string]string{
		"message_id": "ID:po-2",
		"event_type": "PURCHASE_ORDER_LINES",
		"payload":    `{"id_purchase_order":1,"lines":[{"item_code":"A"},{"item_code":"B"}]}`,
	}
	_, err := ingest.Process(s.Ctx, s.db, proc, noopEnricher{}, fields)
	s.Require().NoError(err)

	resend := map[string]string{
		"message_id": fields["message_id"],
		"event_type": fields["event_type"],
		"payload":    `{"id_purchase_order":1,"lines":[{"item_code":"C"}]}`,
		"metadata":   `{"resend":true}`,
	}
	outcome, err := ingest.Process(s.Ctx, s.db, proc, noopEnricher{}, resend)
	s.Require().NoError(err)
	s.True(outcome.IsResend)

	var rows []PurchaseOrderLine
	s.Require().NoError(s.db.Find(&rows).Error)
	s.Require().Len(rows, 1)
	s.Equal("C", rows[0].ItemCode)
}
