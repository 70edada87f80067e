package processor

import (
	"fmt"

	"github.com/drivelinehq/driveline/catalog"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/validation"
)

// Entity kinds the sync engine knows how to build a processor for.
const (
	EntityProducts     = "products"
	EntityMeasurements = "measurements"
	EntityStock        = "stock"
	EntityPricing      = "pricing"
)

// Entities lists the kinds in their default run order.
func Entities() []string {
	return []string{EntityProducts, EntityMeasurements, EntityStock, EntityPricing}
}

// partNumberHook derives part_number_stripped, the natural key every
// importer resolves against.
func partNumberHook(rec Record) error {
	raw, ok := rec["part_number"]
	if !ok || raw == nil {
		return nil
	}
	stripped := catalog.NormalizePartNumber(fmt.Sprint(raw))
	if stripped == "" {
		return errs.BusinessRule("part_number", "part number has no alphanumeric characters")
	}
	rec["part_number_stripped"] = stripped
	return nil
}

// DefaultConfig returns the builtin mapping for an entity kind. The
// source columns follow the AS400 item master naming; a YAML file in
// the processor directory replaces these wholesale per deployment.
func DefaultConfig(entity string) (Config, error) {
	switch entity {
	case EntityProducts:
		return Config{
			Entity: EntityProducts,
			FieldMap: map[string]string{
				"part_number":     "PART_NO",
				"name":            "ITEM_DESC",
				"brand":           "BRAND_CODE",
				"category":        "CATEGORY_CODE",
				"unit_of_measure": "UOM_CODE",
				"weight":          "WEIGHT_AMT",
				"is_active":       "ACTIVE_FLAG",
				"is_hazmat":       "HAZMAT_YN",
				"discontinued_at": "DISCONTINUED_DATE",
			},
			Defaults:       map[string]interface{}{"is_active": true},
			RequiredFields: []string{"part_number"},
			UniqueKey:      "part_number_stripped",
			Rules: validation.Rules{
				"part_number": {"required": true, "length": map[string]interface{}{"min": 1, "max": 64}},
			},
		}, nil
	case EntityMeasurements:
		return Config{
			Entity: EntityMeasurements,
			FieldMap: map[string]string{
				"part_number": "PART_NO",
				"kind":        "MEASURE_CODE",
				"value":       "MEASURE_NUM",
				"unit":        "MEASURE_UOM",
			},
			RequiredFields: []string{"part_number", "kind"},
			Rules: validation.Rules{
				"part_number": {"required": true},
				"kind":        {"required": true},
			},
		}, nil
	case EntityStock:
		return Config{
			Entity: EntityStock,
			FieldMap: map[string]string{
				"part_number": "PART_NO",
				"location":    "WAREHOUSE_CODE",
				"quantity":    "ONHAND_QTY",
			},
			Defaults:       map[string]interface{}{"location": "MAIN"},
			RequiredFields: []string{"part_number"},
			Rules: validation.Rules{
				"part_number": {"required": true},
			},
		}, nil
	case EntityPricing:
		return Config{
			Entity: EntityPricing,
			FieldMap: map[string]string{
				"part_number":  "PART_NO",
				"price_type":   "PRICE_CODE",
				"amount":       "UNIT_PRICE",
				"currency":     "CURRENCY_CODE",
				"effective_at": "EFFECTIVE_DATE",
			},
			Defaults:       map[string]interface{}{"price_type": "list", "currency": "USD"},
			RequiredFields: []string{"part_number"},
			Rules: validation.Rules{
				"part_number": {"required": true},
			},
		}, nil
	default:
		return Config{}, errs.Configuration(fmt.Sprintf("no processor defined for entity %q", entity))
	}
}

// ForEntity builds the processor for an entity kind, layering any
// file-based override from dir on top of the builtin config. Every
// entity carries the part-number hook; the stripped key is how
// importers resolve parents.
func ForEntity(entity, dir string, validate *validation.Service) (*Processor, error) {
	cfg, err := DefaultConfig(entity)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if override, ok, loadErr := LoadConfigFile(dir, entity); loadErr != nil {
			return nil, loadErr
		} else if ok {
			cfg = override
		}
	}
	return New(cfg, validate, partNumberHook), nil
}
