package importer

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/processor"
)

// AutoCare subdatabases.
var AutoCareSubdbs = []string{"vcdb", "pcdb", "padb", "qdb"}

// AutoCareImporter stores reference rows as delivered, keyed by
// (subdb, record key). Interpreting the rows is the job of the
// standards parsers, not the sync engine.
type AutoCareImporter struct {
	base
	subdb    string
	keyField string
}

// NewAutoCareImporter builds the reference importer for one
// subdatabase. keyField names the record field holding the natural
// key; empty defaults to "id".
func NewAutoCareImporter(db *sqlx.DB, subdb, keyField string) *AutoCareImporter {
	if keyField == "" {
		keyField = "id"
	}
	return &AutoCareImporter{
		base:     newBase(db, "autocare."+subdb),
		subdb:    subdb,
		keyField: keyField,
	}
}

func (im *AutoCareImporter) Entity() string { return "autocare." + im.subdb }

// Import upserts the batch via ON CONFLICT on the (subdb, record_key)
// pair. xmax = 0 distinguishes inserted from updated rows.
func (im *AutoCareImporter) Import(ctx context.Context, records []processor.Record) (*Result, error) {
	result := &Result{Processed: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	err := im.inTx(ctx, func(tx *sqlx.Tx) error {
		for i, rec := range records {
			key := stringField(rec, im.keyField)
			if key == "" {
				result.fail(i, "", "record has no "+im.keyField+" key")
				continue
			}
			payload, err := json.Marshal(rec)
			if err != nil {
				result.fail(i, key, "record is not JSON-serializable: "+err.Error())
				continue
			}

			var inserted bool
			err = tx.QueryRowxContext(ctx, im.db.Rebind(`
				INSERT INTO autocare_records (subdb, record_key, payload, created_at, updated_at)
				VALUES (?, ?, ?, NOW(), NOW())
				ON CONFLICT (subdb, record_key)
				DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
				RETURNING (xmax = 0)`),
				im.subdb, key, payload,
			).Scan(&inserted)
			if err != nil {
				return errs.Database("autocare upsert failed", err)
			}
			if inserted {
				result.Created++
			} else {
				result.Updated++
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
	}).Info("autocare import complete")
	return result, nil
}
