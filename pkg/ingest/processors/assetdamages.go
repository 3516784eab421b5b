package processors

import (
	"context"

	"github.com/tfp-event-fabric/fabric/pkg/enrichment"
	"github.com/tfp-event-fabric/fabric/pkg/ingest"
	"gorm.io/gorm"
)

// AssetDamage is the composite variant's parent row.
type AssetDamage struct {
	MessageID       string `gorm:"column:message_id;uniqueIndex"`
	IDAssetDamage   int64  `gorm:"column:id_asset_damage"`
	AssetType       string `gorm:"column:asset_type"`
	AssetIdentifier string `gorm:"column:asset_identifier"`
	ContainerNumber string `gorm:"column:container_number"`
	IDTrailer       string `gorm:"column:id_trailer"`
	IDVehicle       string `gorm:"column:id_vehicle"`
}

func (AssetDamage) TableName() string { return "evt_asset_damages" }

func (r *AssetDamage) ApplyEnrichment(res enrichment.Result) {
	r.ContainerNumber = res.ContainerNumber
	r.IDTrailer = res.IDTrailer
	r.IDVehicle = res.IDVehicle
}

// VehicleDamageLabel is the child row: the damage-label tag array
// pivoted into fixed boolean columns, per asset subtype.
type VehicleDamageLabel struct {
	IDAssetDamage int64 `gorm:"column:id_asset_damage;index"`
	DmgBraking    bool  `gorm:"column:dmg_braking"`
	DmgTyres      bool  `gorm:"column:dmg_tyres"`
	DmgOther      bool  `gorm:"column:dmg_other"`
}

func (VehicleDamageLabel) TableName() string { return "evt_vehicle_damage_labels" }

func (*VehicleDamageLabel) ApplyEnrichment(enrichment.Result) {}

// vehicleDamageTagColumns is the closed tag→column map for the VEHICLE
// asset subtype: any tag not present here sets dmg_other instead.
var vehicleDamageTagColumns = map[string]string{
	"DMG_BRACKING": "dmg_braking",
	"DMG_TYRES":    "dmg_tyres",
}

// AssetDamagesProcessor handles the composite parent+pivoted-child-label
// event family (S4 in the testable scenarios).
type AssetDamagesProcessor struct{}

func NewAssetDamagesProcessor() *AssetDamagesProcessor {
	return &AssetDamagesProcessor{}
}

func (p *AssetDamagesProcessor) StreamKey() string     { return "tfp-asset-damages-stream" }
func (p *AssetDamagesProcessor) ConsumerGroup() string { return "asset-damages-processor" }
func (p *AssetDamagesProcessor) ProcessorName() string { return "asset-damages-processor" }

func (p *AssetDamagesProcessor) ExistsByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (bool, error) {
	var count int64
	if err := tx.Model(&AssetDamage{}).Where("message_id = ?", messageID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteByMessageID cascades: child label rows must go before the
// parent they reference.
func (p *AssetDamagesProcessor) DeleteByMessageID(ctx context.Context, tx *gorm.DB, messageID string) (int64, error) {
	var parent AssetDamage
	if err := tx.Where("message_id = ?", messageID).First(&parent).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil
		}
		return 0, err
	}

	if err := tx.Where("id_asset_damage = ?", parent.IDAssetDamage).Delete(&VehicleDamageLabel{}).Error; err != nil {
		return 0, err
	}

	res := tx.Where("message_id = ?", messageID).Delete(&AssetDamage{})
	return res.RowsAffected, res.Error
}

func (p *AssetDamagesProcessor) BuildModels(ctx context.Context, messageID, eventType string, payload map[string]interface{}) ([]ingest.Row, error) {
	id, _ := ingest.GetLong(payload, "id")
	assetType := ingest.GetString(payload, "assetType")

	parent := &AssetDamage{
		MessageID:       messageID,
		IDAssetDamage:   id,
		AssetType:       assetType,
		AssetIdentifier: ingest.GetString(payload, "assetIdentifier"),
	}

	label := &VehicleDamageLabel{IDAssetDamage: id}
	if raw, ok := payload["assetDamageLabels"].([]interface{}); ok {
		for _, item := range raw {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			tag := ingest.GetString(obj, "assetDamageLabel")
			col, known := vehicleDamageTagColumns[tag]
			if !known {
				label.DmgOther = true
				continue
			}
			switch col {
			case "dmg_braking":
				label.DmgBraking = true
			case "dmg_tyres":
				label.DmgTyres = true
			}
		}
	}

	return []ingest.Row{parent, label}, nil
}

func (p *AssetDamagesProcessor) SaveRows(ctx context.Context, tx *gorm.DB, rows []ingest.Row) error {
	for _, r := range rows {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
	}
	return nil
}

func (p *AssetDamagesProcessor) GetUnitNumberFromPayload(payload map[string]interface{}) string {
	return ingest.GetString(payload, "assetIdentifier")
}

func (p *AssetDamagesProcessor) GetUnitTypeCodeFromPayload(payload map[string]interface{}) string {
	assetType := ingest.GetString(payload, "assetType")
	if assetType == "VEHICLE" {
		return ""
	}
	return assetType
}
