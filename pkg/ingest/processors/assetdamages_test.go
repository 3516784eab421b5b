package processors

import (
	"testing"

	"github.com/tfp-event-fabric/fabric/pkg/ingest"
	"github.com/tfp-event-fabric/fabric/pkg/test"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type AssetDamagesProcessorSuite struct {
	test.Suite
	db *gorm.DB
}

func TestAssetDamagesProcessorSuite(t *testing.T) {
	test.Run(t, new(AssetDamagesProcessorSuite))
}

func (s *AssetDamagesProcessorSuite) SetupTest() {
	s.Suite.SetupTest()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	s.Require().NoError(err)
	s.Require().NoError(db.AutoMigrate(&AssetDamage{}, &VehicleDamageLabel{}))
	s.db = db
}

func (s *AssetDamagesProcessorSuite) TestBuildsParentAndPivotedLabelRow() {
	proc := NewAssetDamagesProcessor()
	fields := map[string]string{
		"message_id": "ID:dmg-1",
		"event_type": "ASSET_DAMAGES",
		"payload": `{"id":7,"assetType":"VEHICLE","assetIdentifier":"AB123CD",
			"assetDamageLabels":[{"assetDamageLabel":"DMG_BRACKING"},{"assetDamageLabel":"DMG_UNKNOWN_TAG"}]}`,
	}

	outcome, err := ingest.Process(s.Ctx, s.db, proc, noopEnricher{}, fields)
	s.Require().NoError(err)
	s.Equal(ingest.Acked, outcome.Kind)

	var parent AssetDamage
	s.Require().NoError(s.db.Where("message_id = ?", fields["message_id"]).First(&parent).Error)
	s.Equal(int64(7), parent.IDAssetDamage)
	s.Equal("VEHICLE", parent.AssetType)

	var label VehicleDamageLabel
	s.Require().NoError(s.db.Where("id_asset_damage = ?", parent.IDAssetDamage).First(&label).Error)
	s.True(label.DmgBraking)
	s.False(label.DmgTyres)
	s.True(label.DmgOther)
}

func (s *AssetDamagesProcessorSuite) TestDeleteByMessageIDCascadesChildLabelsBeforeParent() {
	proc := NewAssetDamagesProcessor()
	fields := map[string]string{
		"message_id": "ID:dmg-2",
		"event_type": "ASSET_DAMAGES",
		"payload":    `{"id":3,"assetType":"CONTAINER","assetIdentifier":"GBTU1234567","assetDamageLabels":[{"assetDamageLabel":"DMG_TYRES"}]}`,
	}
	_, err := ingest.Process(s.Ctx, s.db, proc, noopEnricher{}, fields)
	s.Require().NoError(err)

	resend := map[string]string{
		"message_id": fields["message_id"],
		"event_type": fields["event_type"],
		"payload":    `{"id":3,"assetType":"CONTAINER","assetIdentifier":"GBTU1234567","assetDamageLabels":[]}`,
		"metadata":   `{"resend":true}`,
	}
	outcome, err := ingest.Process(s.Ctx, s.db, proc, noopEnricher{}, resend)
	s.Require().NoError(err)
	s.True(outcome.IsResend)

	var labelCount int64
	s.db.Model(&VehicleDamageLabel{}).Where("id_asset_damage = ?", 3).Count(&labelCount)
	s.Equal(int64(1), labelCount)

	var parentCount int64
	s.db.Model(&AssetDamage{}).Where("message_id = ?", fields["message_id"]).Count(&parentCount)
	s.Equal(int64(1), parentCount)
}
