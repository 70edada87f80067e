package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/connector"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/importer"
	"github.com/drivelinehq/driveline/pipeline"
	"github.com/drivelinehq/driveline/processor"
)

// systemUserName is the automation account manual imports run as when
// no --system-user is given.
const systemUserName = "driveline-sync"

// Natural keys of the AutoCare subdatabases.
var autocareKeyFields = map[string]string{
	"vcdb": "VehicleID",
	"pcdb": "PartTerminologyID",
	"padb": "PAID",
	"qdb":  "QualifierID",
}

var importOpts struct {
	source     string
	configJSON string
	dryRun     bool
	output     string
	file       string
	fileType   string
	limit      int
	systemUser string
	notify     bool
	entities   []string
}

var autocareOpts struct {
	dir        string
	format     string
	dryRun     bool
	limit      int
	systemUser string
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load external data into the catalog",
}

var importAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the entity sync pipelines once",
	Long: `Runs the connector → processor → importer pipeline for every
entity kind (or the --entities subset) against the selected source.
Each run is recorded in the sync history: one parent row for the batch
and one child row per entity.`,
	RunE: runImportAll,
}

var importAutocareCmd = &cobra.Command{
	Use:   "autocare",
	Short: "Load AutoCare reference databases from a drop directory",
	Long: `Scans --dir for the vcdb, pcdb, padb and qdb subdatabases,
either as subdirectories or as prefixed files (vcdb_*.csv), and loads
every file found through the reference importer. Rows are stored as
delivered, keyed by subdatabase and natural key.`,
	RunE: runImportAutocare,
}

func init() {
	importAllCmd.Flags().StringVar(&importOpts.source, "source", "", "connector kind: as400, filemaker or file (default from config)")
	importAllCmd.Flags().StringVar(&importOpts.configJSON, "config-json", "", "JSON file with connector settings overriding the config tree")
	importAllCmd.Flags().BoolVar(&importOpts.dryRun, "dry-run", false, "extract and process but skip the import phase")
	importAllCmd.Flags().StringVar(&importOpts.output, "output", "", "directory receiving one result envelope JSON per entity")
	importAllCmd.Flags().StringVar(&importOpts.file, "file", "", "drop file path for the file source (single entity only)")
	importAllCmd.Flags().StringVar(&importOpts.fileType, "file-type", "", "force csv or json for the file source")
	importAllCmd.Flags().IntVar(&importOpts.limit, "limit", 0, "cap the number of extracted records per entity")
	importAllCmd.Flags().StringVar(&importOpts.systemUser, "system-user", "", "user id recorded as the run trigger")
	importAllCmd.Flags().BoolVar(&importOpts.notify, "notify", false, "publish a sync.notify event when every entity succeeds")
	importAllCmd.Flags().StringSliceVar(&importOpts.entities, "entities", nil, "entity kinds to sync (default all)")

	importAutocareCmd.Flags().StringVar(&autocareOpts.dir, "dir", "", "drop directory holding the subdatabase files")
	importAutocareCmd.Flags().StringVar(&autocareOpts.format, "format", "auto", "file format: auto, csv or json")
	importAutocareCmd.Flags().BoolVar(&autocareOpts.dryRun, "dry-run", false, "extract and process but skip the import phase")
	importAutocareCmd.Flags().IntVar(&autocareOpts.limit, "limit", 0, "cap the number of records per file")
	importAutocareCmd.Flags().StringVar(&autocareOpts.systemUser, "system-user", "", "user id recorded as the run trigger")
	_ = importAutocareCmd.MarkFlagRequired("dir")

	importCmd.AddCommand(importAllCmd, importAutocareCmd)
	RootCmd.AddCommand(importCmd)
}

func runImportAll(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if importOpts.configJSON != "" {
		if err := loadConnectorOverrides(importOpts.configJSON, &app.Config.Sync); err != nil {
			return err
		}
		// The factory holds its own copy of the sync config.
		var objects connector.ObjectSource
		if app.Storage != nil {
			objects = app.Storage
		}
		app.Factory = pipeline.NewFactory(app.Config.Sync, app.DB.SQLx(), app.Validate, objects)
	}

	source := importOpts.source
	if source == "" {
		source = app.Config.Sync.Source
	}
	switch source {
	case pipeline.SourceAS400, pipeline.SourceFileMaker, pipeline.SourceFile:
	default:
		return errs.Configuration(fmt.Sprintf("unknown sync source %q", source))
	}

	entities, err := entityList(importOpts.entities)
	if err != nil {
		return err
	}
	if importOpts.file != "" && len(entities) > 1 {
		return errs.Configuration("--file applies to a single entity; narrow the run with --entities")
	}

	triggeredBy, err := resolveTriggeredBy(ctx, app, importOpts.systemUser)
	if err != nil {
		return err
	}

	jobs := make([]pipeline.Job, 0, len(entities))
	for _, entity := range entities {
		entity := entity
		jobs = append(jobs, pipeline.Job{
			Entity: entity,
			Run: func(ctx context.Context) *pipeline.Result {
				pipe, query, err := app.Factory.Build(entity, pipeline.BuildOptions{
					Source:   source,
					FilePath: importOpts.file,
					FileType: importOpts.fileType,
					DryRun:   importOpts.dryRun,
				})
				if err != nil {
					return failedResult(entity, err)
				}
				return pipe.Run(ctx, query, importOpts.limit, nil)
			},
		})
	}

	out, agg, err := runBatch(ctx, cmd, app, "all", source, triggeredBy, jobs, importOpts.dryRun)
	if err != nil {
		return err
	}

	if importOpts.output != "" {
		if err := writeResults(importOpts.output, out); err != nil {
			return err
		}
	}
	if importOpts.notify && out.Success {
		_ = app.Events.Publish(ctx, "sync.notify", map[string]interface{}{
			"source":    source,
			"entities":  entities,
			"processed": agg.Processed,
			"created":   agg.Created,
			"updated":   agg.Updated,
		}, nil)
	}

	if !out.Success {
		return fmt.Errorf("import finished with failures")
	}
	return nil
}

func runImportAutocare(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sets, err := detectAutocareSets(autocareOpts.dir, autocareOpts.format)
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return errs.NotFound("autocare subdatabase files", autocareOpts.dir)
	}

	triggeredBy, err := resolveTriggeredBy(ctx, app, autocareOpts.systemUser)
	if err != nil {
		return err
	}

	var jobs []pipeline.Job
	for _, subdb := range importer.AutoCareSubdbs {
		files, ok := sets[subdb]
		if !ok {
			continue
		}
		subdb := subdb
		jobs = append(jobs, pipeline.Job{
			Entity: "autocare." + subdb,
			Run: func(ctx context.Context) *pipeline.Result {
				return runAutocareSubdb(ctx, app, subdb, files)
			},
		})
	}

	out, _, err := runBatch(ctx, cmd, app, "autocare", pipeline.SourceFile, triggeredBy, jobs, autocareOpts.dryRun)
	if err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("import finished with failures")
	}
	return nil
}

// runAutocareSubdb loads every drop file of one subdatabase into one
// result envelope. A failing file stops the subdatabase; the others
// are untouched.
func runAutocareSubdb(ctx context.Context, app *App, subdb string, files []string) *pipeline.Result {
	entity := "autocare." + subdb
	proc := processor.New(processor.Config{Entity: entity, Passthrough: true}, nil, nil)
	imp := importer.NewAutoCareImporter(app.DB.SQLx(), subdb, autocareKeyFields[subdb])

	total := &pipeline.Result{Entity: entity, DryRun: autocareOpts.dryRun, Timestamp: time.Now().UTC()}
	for _, file := range files {
		conn := connector.NewFileConnector(file, connector.FileOptions{Format: fileFormat(autocareOpts.format)})
		pipe := pipeline.New(conn, proc, imp)
		if app.Config.Sync.ChunkSize > 0 {
			pipe.ChunkSize = app.Config.Sync.ChunkSize
		}
		pipe.DryRun = autocareOpts.dryRun

		res := pipe.Run(ctx, subdb, autocareOpts.limit, nil)
		mergeResult(total, res)
		if !res.Success {
			return total
		}
	}
	total.Success = true
	return total
}

func mergeResult(total, res *pipeline.Result) {
	total.Counters.Processed += res.Counters.Processed
	total.Counters.Created += res.Counters.Created
	total.Counters.Updated += res.Counters.Updated
	total.Counters.Failed += res.Counters.Failed
	total.Counters.Skipped += res.Counters.Skipped
	total.Durations.Extract += res.Durations.Extract
	total.Durations.Process += res.Durations.Process
	total.Durations.Import += res.Durations.Import
	total.Durations.Total += res.Durations.Total
	total.Errors = append(total.Errors, res.Errors...)
	if !res.Success {
		total.Error = res.Error
	}
}

// runBatch records one parent history row for the batch, runs every
// job with its own child row, finishes the parent with the aggregate
// and prints the summary.
func runBatch(ctx context.Context, cmd *cobra.Command, app *App, batchKind, source string, triggeredBy *string, jobs []pipeline.Job, dryRun bool) (*pipeline.ParallelResult, pipeline.ResultCounters, error) {
	var agg pipeline.ResultCounters

	parent, err := app.History.Create(ctx, batchKind, source, triggeredBy, nil)
	if err != nil {
		return nil, agg, err
	}
	if err := app.History.MarkRunning(ctx, parent.ID); err != nil {
		return nil, agg, err
	}
	_ = app.History.AppendEvent(ctx, parent.ID, "started", fmt.Sprintf("manual %s import with %d pipelines", batchKind, len(jobs)), nil)

	wrapped := make([]pipeline.Job, len(jobs))
	for i, job := range jobs {
		job := job
		wrapped[i] = pipeline.Job{
			Entity: job.Entity,
			Run: func(ctx context.Context) *pipeline.Result {
				return runChild(ctx, app, job, source, triggeredBy, parent.ID)
			},
		}
	}

	out := pipeline.NewParallel(app.Config.Sync.Workers).Run(ctx, wrapped)

	for _, res := range out.Results {
		agg.Processed += res.Counters.Processed
		agg.Created += res.Counters.Created
		agg.Updated += res.Counters.Updated
		agg.Failed += res.Counters.Failed
		agg.Skipped += res.Counters.Skipped
	}

	status := pipeline.StatusCompleted
	errorMessage := ""
	if !out.Success {
		status = pipeline.StatusFailed
		errorMessage = "one or more pipelines failed"
		if ctx.Err() != nil {
			status = pipeline.StatusCancelled
			errorMessage = "import was interrupted"
		}
	}

	// Finish runs on a fresh context so an interrupt still leaves a
	// terminal parent row behind.
	finishCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.History.Finish(finishCtx, parent.ID, status, errorMessage, agg, map[string]interface{}{
		"pipelines": len(jobs),
		"dry_run":   dryRun,
	}); err != nil {
		return nil, agg, err
	}
	_ = app.History.AppendEvent(finishCtx, parent.ID, "finished", "manual import "+status, nil)

	printSummary(cmd, out, agg, dryRun)
	return out, agg, nil
}

// runChild brackets one pipeline run with its child history row.
func runChild(ctx context.Context, app *App, job pipeline.Job, source string, triggeredBy *string, parentID string) *pipeline.Result {
	child, err := app.History.Create(ctx, job.Entity, source, triggeredBy, &parentID)
	if err != nil {
		return failedResult(job.Entity, err)
	}
	if err := app.History.MarkRunning(ctx, child.ID); err != nil {
		return failedResult(job.Entity, err)
	}

	res := job.Run(ctx)

	status := pipeline.StatusCompleted
	if !res.Success {
		status = pipeline.StatusFailed
		if ctx.Err() != nil {
			status = pipeline.StatusCancelled
		}
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.History.Finish(finishCtx, child.ID, status, res.Error, res.Counters, map[string]interface{}{
		"dry_run": res.DryRun,
	}); err != nil {
		return failedResult(job.Entity, err)
	}
	_ = app.History.AppendEvent(finishCtx, child.ID, "finished", job.Entity+" import "+status, nil)
	return res
}

func resolveTriggeredBy(ctx context.Context, app *App, override string) (*string, error) {
	if override != "" {
		return &override, nil
	}
	user, err := app.Accounts.FindOrCreateSystemUser(ctx, systemUserName)
	if err != nil {
		return nil, err
	}
	return &user.ID, nil
}

// entityList validates the --entities selection against the known
// kinds, preserving the default run order.
func entityList(requested []string) ([]string, error) {
	known := processor.Entities()
	if len(requested) == 0 {
		return known, nil
	}

	want := make(map[string]bool, len(requested))
	for _, e := range requested {
		want[strings.ToLower(strings.TrimSpace(e))] = true
	}

	var out []string
	for _, e := range known {
		if want[e] {
			out = append(out, e)
			delete(want, e)
		}
	}
	for e := range want {
		return nil, errs.Configuration(fmt.Sprintf("unknown entity %q", e))
	}
	return out, nil
}

// loadConnectorOverrides merges a JSON settings file over the sync
// configuration. Only the keys present in the file change.
func loadConnectorOverrides(path string, sync *config.SyncConfig) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return errs.Configuration("failed to read connector settings: " + err.Error())
	}
	if err := v.Unmarshal(sync); err != nil {
		return errs.Configuration("failed to decode connector settings: " + err.Error())
	}
	return nil
}

// detectAutocareSets maps each present subdatabase to its drop files.
// A subdatabase is present either as a subdirectory or as prefixed
// files directly in dir.
func detectAutocareSets(dir, format string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.NotFound("autocare directory", dir)
	}

	sets := make(map[string][]string)
	for _, subdb := range importer.AutoCareSubdbs {
		var files []string

		subdir := filepath.Join(dir, subdb)
		if info, err := os.Stat(subdir); err == nil && info.IsDir() {
			sub, err := os.ReadDir(subdir)
			if err != nil {
				return nil, errs.NotFound("autocare directory", subdir)
			}
			for _, e := range sub {
				if !e.IsDir() && formatMatches(e.Name(), format) {
					files = append(files, filepath.Join(subdir, e.Name()))
				}
			}
		} else {
			for _, e := range entries {
				name := strings.ToLower(e.Name())
				if !e.IsDir() && strings.HasPrefix(name, subdb) && formatMatches(name, format) {
					files = append(files, filepath.Join(dir, e.Name()))
				}
			}
		}

		sort.Strings(files)
		if len(files) > 0 {
			sets[subdb] = files
		}
	}
	return sets, nil
}

func formatMatches(name, format string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	switch fileFormat(format) {
	case "csv":
		return ext == ".csv"
	case "json":
		return ext == ".json"
	default:
		return ext == ".csv" || ext == ".json"
	}
}

// fileFormat normalizes the --format flag; auto becomes empty so the
// connector detects from the extension.
func fileFormat(format string) string {
	switch strings.ToLower(format) {
	case "csv":
		return "csv"
	case "json":
		return "json"
	default:
		return ""
	}
}

func failedResult(entity string, err error) *pipeline.Result {
	return &pipeline.Result{
		Entity:    entity,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}

// writeResults dumps one result envelope JSON per pipeline into dir.
func writeResults(dir string, out *pipeline.ParallelResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Configuration("failed to create output directory: " + err.Error())
	}
	for entity, res := range out.Results {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return errs.Internal("failed to encode result", err)
		}
		name := strings.ReplaceAll(entity, ".", "_") + ".json"
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return errs.Configuration("failed to write result file: " + err.Error())
		}
	}
	return nil
}

func printSummary(cmd *cobra.Command, out *pipeline.ParallelResult, agg pipeline.ResultCounters, dryRun bool) {
	entities := make([]string, 0, len(out.Results))
	for entity := range out.Results {
		entities = append(entities, entity)
	}
	sort.Strings(entities)

	header := "Import finished"
	if dryRun {
		header = "Dry run finished"
	}
	cmd.Printf("%s in %s\n", header, out.Duration.Round(time.Millisecond))

	for _, entity := range entities {
		res := out.Results[entity]
		status := "ok"
		if !res.Success {
			status = "FAILED: " + res.Error
		}
		cmd.Printf("  %-22s %s processed, %s created, %s updated, %s failed  [%s]\n",
			entity,
			humanize.Comma(int64(res.Counters.Processed)),
			humanize.Comma(int64(res.Counters.Created)),
			humanize.Comma(int64(res.Counters.Updated)),
			humanize.Comma(int64(res.Counters.Failed)),
			status)
	}
	cmd.Printf("  %-22s %s processed, %s created, %s updated, %s failed\n",
		"total",
		humanize.Comma(int64(agg.Processed)),
		humanize.Comma(int64(agg.Created)),
		humanize.Comma(int64(agg.Updated)),
		humanize.Comma(int64(agg.Failed)))
}
