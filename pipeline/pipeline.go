// Package pipeline orchestrates connector → processor → importer runs
// for the sync engine, records every run in the sync history tables,
// and schedules recurring syncs.
package pipeline

import (
	"context"
	"time"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/connector"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/importer"
	"github.com/drivelinehq/driveline/processor"
	"github.com/drivelinehq/driveline/resilience"
)

// sourceBreakers guards the external source systems. Shared across
// pipelines so a flapping host trips once for every entity.
var sourceBreakers = resilience.NewBreakerRegistry()

// defaultChunkSize is the number of records handed to the importer
// per transaction when the config does not say otherwise.
const defaultChunkSize = 1000

// ResultCounters tallies record outcomes across a run.
type ResultCounters struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// PhaseDurations carries per-phase wall clock for a run.
type PhaseDurations struct {
	Extract time.Duration `json:"extract"`
	Process time.Duration `json:"process"`
	Import  time.Duration `json:"import"`
	Total   time.Duration `json:"total"`
}

// Result is the run envelope.
type Result struct {
	Entity    string                  `json:"entity"`
	Success   bool                    `json:"success"`
	DryRun    bool                    `json:"dry_run"`
	Counters  ResultCounters          `json:"counters"`
	Durations PhaseDurations          `json:"durations"`
	Errors    []processor.RecordError `json:"errors,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Pipeline runs one entity kind end to end.
type Pipeline struct {
	Connector connector.Connector
	Processor *processor.Processor
	Importer  importer.Importer

	// ChunkSize bounds one importer transaction (default 1000).
	ChunkSize int

	// DryRun skips the import phase.
	DryRun bool

	logger *common.ContextLogger
}

// New builds a pipeline for one entity.
func New(conn connector.Connector, proc *processor.Processor, imp importer.Importer) *Pipeline {
	return &Pipeline{
		Connector: conn,
		Processor: proc,
		Importer:  imp,
		ChunkSize: defaultChunkSize,
		logger: common.ServiceLogger("pipeline").WithFields(map[string]interface{}{
			"entity": proc.Entity(),
			"source": conn.Name(),
		}),
	}
}

// Run extracts, processes, validates and imports one batch. The
// connector is always closed, whatever happens mid-run. A cancelled
// context stops the run at the next chunk boundary; the current chunk
// is allowed to finish.
func (p *Pipeline) Run(ctx context.Context, query string, limit int, params map[string]interface{}) *Result {
	start := time.Now()
	result := &Result{
		Entity:    p.Processor.Entity(),
		DryRun:    p.DryRun,
		Timestamp: start.UTC(),
	}
	fail := func(err error) *Result {
		result.Error = err.Error()
		result.Durations.Total = time.Since(start)
		p.logger.WithError(err).Error("pipeline run failed")
		return result
	}

	err := resilience.Retry(ctx, resilience.DefaultRetryConfig(), "connect."+p.Connector.Name(), func(ctx context.Context) error {
		return sourceBreakers.Execute(p.Connector.Name(), func() error {
			return p.Connector.Connect(ctx)
		})
	})
	if err != nil {
		return fail(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Connector.Close(closeCtx); err != nil {
			p.logger.WithError(err).Warn("connector close failed")
		}
	}()

	extractStart := time.Now()
	raw, err := p.Connector.Extract(ctx, query, limit, params)
	result.Durations.Extract = time.Since(extractStart)
	if err != nil {
		return fail(err)
	}

	chunkSize := p.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	cancelled := false
	for offset := 0; offset < len(raw); offset += chunkSize {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		end := offset + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[offset:end]

		processStart := time.Now()
		processed, procErrs := p.Processor.Process(chunk)
		valid, valErrs, err := p.Processor.Validate(processed)
		result.Durations.Process += time.Since(processStart)

		appendErrors(result, procErrs, offset)
		appendErrors(result, valErrs, offset)
		result.Counters.Failed += len(procErrs) + len(valErrs)
		result.Counters.Skipped += len(chunk) - len(processed) - len(procErrs)

		if err != nil {
			// Every record in the chunk failed validation; the chunk
			// contributes nothing to import but the run continues.
			result.Counters.Processed += len(chunk)
			continue
		}
		result.Counters.Processed += len(chunk)

		if p.DryRun {
			continue
		}

		importStart := time.Now()
		imported, err := p.Importer.Import(ctx, valid)
		result.Durations.Import += time.Since(importStart)
		if err != nil {
			return fail(err)
		}
		result.Counters.Created += imported.Created
		result.Counters.Updated += imported.Updated
		result.Counters.Failed += imported.Failed
		result.Counters.Skipped += imported.Skipped
		appendErrors(result, imported.Errors, offset)
	}

	if cancelled {
		result.Error = context.Canceled.Error()
		result.Durations.Total = time.Since(start)
		return result
	}

	result.Success = true
	result.Durations.Total = time.Since(start)
	p.logger.WithFields(map[string]interface{}{
		"processed": result.Counters.Processed,
		"created":   result.Counters.Created,
		"updated":   result.Counters.Updated,
		"failed":    result.Counters.Failed,
		"duration":  result.Durations.Total.Seconds(),
		"dry_run":   result.DryRun,
	}).Info("pipeline run complete")
	return result
}

// appendErrors copies record errors into the envelope with indices
// adjusted to the position in the full extract.
func appendErrors(result *Result, recErrs []processor.RecordError, offset int) {
	for _, re := range recErrs {
		re.Index += offset
		result.Errors = append(result.Errors, re)
	}
}

// Err converts a failed result into a typed error, nil on success.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errs.Internal("pipeline run failed", nil)
	}
	return errs.Internal(r.Error, nil)
}
