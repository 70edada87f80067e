package importer

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/drivelinehq/driveline/processor"
)

// dependentSpec describes one child table hanging off products. The
// scope field distinguishes rows within a product (measurement kind,
// stock location, price type); values lists the value columns in
// statement order.
type dependentSpec struct {
	entity     string
	scopeField string
	update     string
	insert     string
	values     func(rec processor.Record) []interface{}
}

// DependentImporter upserts a child table keyed by (product, scope).
// The part-number to product-id map is built once per batch; records
// whose parent is missing become per-record errors, never batch
// failures.
type DependentImporter struct {
	base
	spec dependentSpec
}

func (im *DependentImporter) Entity() string { return im.spec.entity }

// Import upserts the batch in one transaction.
func (im *DependentImporter) Import(ctx context.Context, records []processor.Record) (*Result, error) {
	result := &Result{Processed: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	keys := collectKeys(records, result)

	err := im.inTx(ctx, func(tx *sqlx.Tx) error {
		parents, err := im.resolveProducts(ctx, tx, keys)
		if err != nil {
			return err
		}

		for i, rec := range records {
			key := stringField(rec, "part_number_stripped")
			if key == "" {
				continue
			}
			productID, ok := parents[key]
			if !ok {
				result.fail(i, key, "no product found for part number")
				continue
			}

			scope := stringField(rec, im.spec.scopeField)
			values := im.spec.values(rec)

			updateArgs := append(append([]interface{}{}, values...), productID, scope)
			res, err := tx.ExecContext(ctx, im.db.Rebind(im.spec.update), updateArgs...)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.Updated++
				continue
			}

			insertArgs := append([]interface{}{productID, scope}, values...)
			if _, err := tx.ExecContext(ctx, im.db.Rebind(im.spec.insert), insertArgs...); err != nil {
				return err
			}
			result.Created++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	im.logger.WithFields(map[string]interface{}{
		"processed": result.Processed,
		"created":   result.Created,
		"updated":   result.Updated,
		"failed":    result.Failed,
	}).Info("import complete")
	return result, nil
}

// NewMeasurementImporter upserts measurements keyed by (product, kind).
func NewMeasurementImporter(db *sqlx.DB) *DependentImporter {
	return &DependentImporter{
		base: newBase(db, "measurements"),
		spec: dependentSpec{
			entity:     "measurements",
			scopeField: "kind",
			update: `UPDATE measurements SET value = ?, unit = ?, updated_at = NOW()
				WHERE product_id = ? AND kind = ?`,
			insert: `INSERT INTO measurements (product_id, kind, value, unit, created_at, updated_at)
				VALUES (?, ?, ?, ?, NOW(), NOW())`,
			values: func(rec processor.Record) []interface{} {
				return []interface{}{floatField(rec, "value"), stringField(rec, "unit")}
			},
		},
	}
}

// NewStockImporter upserts stock levels keyed by (product, location).
func NewStockImporter(db *sqlx.DB) *DependentImporter {
	return &DependentImporter{
		base: newBase(db, "stock"),
		spec: dependentSpec{
			entity:     "stock",
			scopeField: "location",
			update: `UPDATE stock_levels SET quantity = ?, updated_at = NOW()
				WHERE product_id = ? AND location = ?`,
			insert: `INSERT INTO stock_levels (product_id, location, quantity, created_at, updated_at)
				VALUES (?, ?, ?, NOW(), NOW())`,
			values: func(rec processor.Record) []interface{} {
				return []interface{}{floatField(rec, "quantity")}
			},
		},
	}
}

// NewPricingImporter upserts prices keyed by (product, price type).
func NewPricingImporter(db *sqlx.DB) *DependentImporter {
	return &DependentImporter{
		base: newBase(db, "pricing"),
		spec: dependentSpec{
			entity:     "pricing",
			scopeField: "price_type",
			update: `UPDATE prices SET amount = ?, currency = ?, effective_at = COALESCE(?, effective_at), updated_at = NOW()
				WHERE product_id = ? AND price_type = ?`,
			insert: `INSERT INTO prices (product_id, price_type, amount, currency, effective_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, COALESCE(?, NOW()), NOW(), NOW())`,
			values: func(rec processor.Record) []interface{} {
				return []interface{}{
					floatField(rec, "amount"),
					stringField(rec, "currency"),
					timeField(rec, "effective_at"),
				}
			},
		},
	}
}
