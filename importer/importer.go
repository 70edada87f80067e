// Package importer upserts processed records into the catalog store.
// Importers are idempotent: re-running the same batch updates rows in
// place and never mints new surrogate keys. Each batch is one
// transaction; per-record problems are reported, not raised.
package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/processor"
)

// inChunkSize bounds the bind-parameter count of a single IN query.
const inChunkSize = 500

// Result tallies one import batch. Created, Updated and the error list
// partition the processed set.
type Result struct {
	Processed int                     `json:"processed"`
	Created   int                     `json:"created"`
	Updated   int                     `json:"updated"`
	Failed    int                     `json:"failed"`
	Skipped   int                     `json:"skipped"`
	Errors    []processor.RecordError `json:"errors,omitempty"`
}

// Merge folds other into r, adjusting error indices by offset.
func (r *Result) Merge(other *Result, offset int) {
	if other == nil {
		return
	}
	r.Processed += other.Processed
	r.Created += other.Created
	r.Updated += other.Updated
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	for _, re := range other.Errors {
		re.Index += offset
		r.Errors = append(r.Errors, re)
	}
}

func (r *Result) fail(index int, key, reason string) {
	r.Failed++
	r.Errors = append(r.Errors, processor.RecordError{Index: index, Key: key, Reason: reason})
}

// Importer upserts one batch of processed records.
type Importer interface {
	Entity() string
	Import(ctx context.Context, records []processor.Record) (*Result, error)
}

// base carries the pieces shared by the concrete importers.
type base struct {
	db     *sqlx.DB
	logger *common.ContextLogger
}

func newBase(db *sqlx.DB, entity string) base {
	return base{
		db:     db,
		logger: common.ServiceLogger("importer").WithField("entity", entity),
	}
}

// inTx runs fn in one transaction, converting a driver failure into a
// typed database error after rollback.
func (b base) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Database("failed to begin import transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			b.logger.WithError(rbErr).Error("rollback failed after import error")
		}
		if _, typed := err.(*errs.Error); typed {
			return err
		}
		return errs.Database("import transaction failed", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Database("failed to commit import batch", err)
	}
	return nil
}

// resolveProducts maps part_number_stripped to product id for every
// key in one query per 500 keys.
func (b base) resolveProducts(ctx context.Context, q sqlx.QueryerContext, keys []string) (map[string]int64, error) {
	ids := make(map[string]int64, len(keys))
	for start := 0; start < len(keys); start += inChunkSize {
		end := start + inChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		query, args, err := sqlx.In(
			`SELECT id, part_number_stripped FROM products WHERE part_number_stripped IN (?)`,
			keys[start:end],
		)
		if err != nil {
			return nil, errs.Database("failed to build product lookup", err)
		}
		rows, err := q.QueryxContext(ctx, b.db.Rebind(query), args...)
		if err != nil {
			return nil, errs.Database("failed to resolve product keys", err)
		}
		for rows.Next() {
			var id int64
			var stripped string
			if err := rows.Scan(&id, &stripped); err != nil {
				rows.Close()
				return nil, errs.Database("failed to scan product lookup", err)
			}
			ids[stripped] = id
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, errs.Database("product lookup failed", err)
		}
		rows.Close()
	}
	return ids, nil
}

// collectKeys pulls the natural key from every record, reporting
// records without one.
func collectKeys(records []processor.Record, result *Result) []string {
	seen := make(map[string]struct{}, len(records))
	keys := make([]string, 0, len(records))
	for i, rec := range records {
		key := stringField(rec, "part_number_stripped")
		if key == "" {
			result.fail(i, "", "record has no part_number_stripped key")
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// Field accessors for the loosely typed processed records.

func stringField(rec processor.Record, key string) string {
	if v, ok := rec[key]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func floatField(rec processor.Record, key string) float64 {
	switch v := rec[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func boolField(rec processor.Record, key string, fallback bool) bool {
	if v, ok := rec[key].(bool); ok {
		return v
	}
	return fallback
}

func timeField(rec processor.Record, key string) *time.Time {
	switch v := rec[key].(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	}
	return nil
}
