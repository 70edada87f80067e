package importer

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/drivelinehq/driveline/processor"
)

// ProductImporter upserts products keyed by part_number_stripped and
// replaces the dependent description and marketing rows from the
// payload on every run. The payload is the source of truth for the
// child tables.
type ProductImporter struct {
	base
}

// NewProductImporter builds the products importer.
func NewProductImporter(db *sqlx.DB) *ProductImporter {
	return &ProductImporter{base: newBase(db, "products")}
}

func (im *ProductImporter) Entity() string { return "products" }

// Import upserts the batch in one transaction. Zero records return a
// zeroed result without touching the database.
func (im *ProductImporter) Import(ctx context.Context, records []processor.Record) (*Result, error) {
	result := &Result{Processed: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	keys := collectKeys(records, result)

	err := im.inTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := im.resolveProducts(ctx, tx, keys)
		if err != nil {
			return err
		}

		for _, rec := range records {
			key := stringField(rec, "part_number_stripped")
			if key == "" {
				continue // already reported by collectKeys
			}

			id, found := existing[key]
			if found {
				if err := im.update(ctx, tx, id, rec); err != nil {
					return err
				}
				result.Updated++
			} else {
				id, err = im.insert(ctx, tx, rec)
				if err != nil {
					return err
				}
				existing[key] = id
				result.Created++
			}

			if err := im.syncChildren(ctx, tx, id, rec); err != nil {
				return err
			}
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
	}).Info("product import complete")
	return result, nil
}

func (im *ProductImporter) insert(ctx context.Context, tx *sqlx.Tx, rec processor.Record) (int64, error) {
	var id int64
	err := tx.QueryRowxContext(ctx, im.db.Rebind(`
		INSERT INTO products
			(part_number, part_number_stripped, name, brand, category,
			 unit_of_measure, weight, is_active, is_hazmat, discontinued_at,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(), NOW())
		RETURNING id`),
		stringField(rec, "part_number"),
		stringField(rec, "part_number_stripped"),
		stringField(rec, "name"),
		stringField(rec, "brand"),
		stringField(rec, "category"),
		stringField(rec, "unit_of_measure"),
		floatField(rec, "weight"),
		boolField(rec, "is_active", true),
		boolField(rec, "is_hazmat", false),
		timeField(rec, "discontinued_at"),
	).Scan(&id)
	return id, err
}

func (im *ProductImporter) update(ctx context.Context, tx *sqlx.Tx, id int64, rec processor.Record) error {
	_, err := tx.ExecContext(ctx, im.db.Rebind(`
		UPDATE products SET
			part_number = ?, name = ?, brand = ?, category = ?,
			unit_of_measure = ?, weight = ?, is_active = ?, is_hazmat = ?,
			discontinued_at = ?, updated_at = NOW()
		WHERE id = ?`),
		stringField(rec, "part_number"),
		stringField(rec, "name"),
		stringField(rec, "brand"),
		stringField(rec, "category"),
		stringField(rec, "unit_of_measure"),
		floatField(rec, "weight"),
		boolField(rec, "is_active", true),
		boolField(rec, "is_hazmat", false),
		timeField(rec, "discontinued_at"),
		id,
	)
	return err
}

// syncChildren replaces descriptions and marketing rows when the
// record carries them. A record without the key leaves the existing
// rows alone; an empty list clears them.
func (im *ProductImporter) syncChildren(ctx context.Context, tx *sqlx.Tx, productID int64, rec processor.Record) error {
	if raw, ok := rec["descriptions"]; ok {
		if err := im.replaceDescriptions(ctx, tx, productID, asMapList(raw)); err != nil {
			return err
		}
	}
	if raw, ok := rec["marketing"]; ok {
		if err := im.replaceMarketing(ctx, tx, productID, asMapList(raw)); err != nil {
			return err
		}
	}
	return nil
}

func (im *ProductImporter) replaceDescriptions(ctx context.Context, tx *sqlx.Tx, productID int64, rows []map[string]interface{}) error {
	if _, err := tx.ExecContext(ctx, im.db.Rebind(
		`DELETE FROM product_descriptions WHERE product_id = ?`), productID); err != nil {
		return err
	}
	for seq, row := range rows {
		if _, err := tx.ExecContext(ctx, im.db.Rebind(`
			INSERT INTO product_descriptions (product_id, kind, text, sequence, created_at)
			VALUES (?, ?, ?, ?, NOW())`),
			productID,
			stringField(row, "kind"),
			stringField(row, "text"),
			seq,
		); err != nil {
			return err
		}
	}
	return nil
}

func (im *ProductImporter) replaceMarketing(ctx context.Context, tx *sqlx.Tx, productID int64, rows []map[string]interface{}) error {
	if _, err := tx.ExecContext(ctx, im.db.Rebind(
		`DELETE FROM product_marketing WHERE product_id = ?`), productID); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, im.db.Rebind(`
			INSERT INTO product_marketing (product_id, kind, content, created_at)
			VALUES (?, ?, ?, NOW())`),
			productID,
			stringField(row, "kind"),
			stringField(row, "content"),
		); err != nil {
			return err
		}
	}
	return nil
}

// asMapList tolerates the two shapes the processors emit: a typed
// slice of maps or a raw JSON-decoded []interface{}.
func asMapList(raw interface{}) []map[string]interface{} {
	switch v := raw.(type) {
	case []map[string]interface{}:
		return v
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
