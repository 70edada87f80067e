package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/connector"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/importer"
	"github.com/drivelinehq/driveline/processor"
	"github.com/drivelinehq/driveline/validation"
)

// Source kinds.
const (
	SourceAS400     = "as400"
	SourceFileMaker = "filemaker"
	SourceFile      = "file"
)

// as400Tables and fmLayouts are the default extraction targets per
// entity; a deployment overrides them through the connector whitelist
// and processor configs.
var as400Tables = map[string]string{
	processor.EntityProducts:     "ITEM_MASTER",
	processor.EntityMeasurements: "ITEM_MEASURES",
	processor.EntityStock:        "ITEM_STOCK",
	processor.EntityPricing:      "ITEM_PRICES",
}

var fmLayouts = map[string]string{
	processor.EntityProducts:     "Items",
	processor.EntityMeasurements: "Measurements",
	processor.EntityStock:        "Stock",
	processor.EntityPricing:      "Prices",
}

// BuildOptions tunes one pipeline construction.
type BuildOptions struct {
	// Source selects the connector kind (default as400).
	Source string

	// FilePath overrides the drop-file location for the file source.
	FilePath string

	// FileType forces csv or json for the file source.
	FileType string

	// DryRun skips the import phase.
	DryRun bool
}

// Factory assembles connector, processor and importer per entity kind
// from configuration.
type Factory struct {
	cfg      config.SyncConfig
	db       *sqlx.DB
	validate *validation.Service
	objects  connector.ObjectSource
}

// NewFactory builds the pipeline factory. objects may be nil when no
// object storage is configured.
func NewFactory(cfg config.SyncConfig, db *sqlx.DB, validate *validation.Service, objects connector.ObjectSource) *Factory {
	return &Factory{cfg: cfg, db: db, validate: validate, objects: objects}
}

// Build assembles the pipeline for one entity and returns it together
// with the extraction query for the selected source.
func (f *Factory) Build(entity string, opts BuildOptions) (*Pipeline, string, error) {
	source := opts.Source
	if source == "" {
		source = SourceAS400
	}

	proc, err := processor.ForEntity(entity, f.cfg.ProcessorDir, f.validate)
	if err != nil {
		return nil, "", err
	}

	imp, err := f.importerFor(entity)
	if err != nil {
		return nil, "", err
	}

	conn, query, err := f.connectorFor(entity, source, opts)
	if err != nil {
		return nil, "", err
	}

	p := New(conn, proc, imp)
	if f.cfg.ChunkSize > 0 {
		p.ChunkSize = f.cfg.ChunkSize
	}
	p.DryRun = opts.DryRun
	return p, query, nil
}

func (f *Factory) importerFor(entity string) (importer.Importer, error) {
	switch entity {
	case processor.EntityProducts:
		return importer.NewProductImporter(f.db), nil
	case processor.EntityMeasurements:
		return importer.NewMeasurementImporter(f.db), nil
	case processor.EntityStock:
		return importer.NewStockImporter(f.db), nil
	case processor.EntityPricing:
		return importer.NewPricingImporter(f.db), nil
	default:
		return nil, errs.Configuration(fmt.Sprintf("no importer defined for entity %q", entity))
	}
}

func (f *Factory) connectorFor(entity, source string, opts BuildOptions) (connector.Connector, string, error) {
	switch source {
	case SourceAS400:
		table, ok := as400Tables[entity]
		if !ok {
			return nil, "", errs.Configuration(fmt.Sprintf("no AS400 table mapped for entity %q", entity))
		}
		return connector.NewAS400Connector(f.cfg.AS400), table, nil
	case SourceFileMaker:
		layout, ok := fmLayouts[entity]
		if !ok {
			return nil, "", errs.Configuration(fmt.Sprintf("no FileMaker layout mapped for entity %q", entity))
		}
		return connector.NewFileMakerConnector(f.cfg.FileMaker), layout, nil
	case SourceFile:
		path := opts.FilePath
		if path == "" {
			path = filepath.Join(f.cfg.DataDir, entity+".csv")
		}
		conn := connector.NewFileConnector(path, connector.FileOptions{
			Format:  opts.FileType,
			Objects: f.objects,
		})
		return conn, entity, nil
	default:
		return nil, "", errs.Configuration(fmt.Sprintf("unknown sync source %q", source))
	}
}
