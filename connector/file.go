package connector

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
)

// ObjectSource fetches s3:// drop files. storage.ObjectStore satisfies
// this; the indirection keeps the connector usable without object
// storage configured.
type ObjectSource interface {
	Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// FileOptions tunes flat-file parsing.
type FileOptions struct {
	// Format is csv or json; empty auto-detects from the extension.
	Format string

	// Delimiter is the CSV field separator (default comma).
	Delimiter rune

	// NoHeader treats the first CSV row as data; columns are then
	// named col_0, col_1, ...
	NoHeader bool

	// RecordsPath is the gjson path to the record array inside a JSON
	// document; empty expects a top-level array.
	RecordsPath string

	// Objects resolves s3:// paths when set.
	Objects ObjectSource
}

// FileConnector reads CSV or JSON drop files from the local filesystem
// or an s3:// location.
type FileConnector struct {
	path string
	opts FileOptions

	logger *common.ContextLogger
}

// NewFileConnector builds a connector for one drop file.
func NewFileConnector(path string, opts FileOptions) *FileConnector {
	return &FileConnector{
		path:   path,
		opts:   opts,
		logger: common.ServiceLogger("connector.file").WithField("path", path),
	}
}

func (c *FileConnector) Name() string { return "file" }

// Connect verifies the file is reachable without reading it.
func (c *FileConnector) Connect(ctx context.Context) error {
	if strings.HasPrefix(c.path, "s3://") {
		if c.opts.Objects == nil {
			return errs.Configuration("s3:// source requires object storage to be configured")
		}
		return nil
	}
	if _, err := os.Stat(c.path); err != nil {
		return errs.NotFound("import file", c.path)
	}
	return nil
}

// Extract parses the whole file. queryOrTable is unused for files; a
// positive limit truncates the result.
func (c *FileConnector) Extract(ctx context.Context, _ string, limit int, _ map[string]interface{}) ([]Record, error) {
	reader, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var records []Record
	switch c.format() {
	case "csv":
		records, err = c.parseCSV(reader)
	case "json":
		records, err = c.parseJSON(reader)
	default:
		return nil, errs.Configuration(fmt.Sprintf("unsupported file format %q", c.format()))
	}
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	c.logger.WithFields(map[string]interface{}{
		"format": c.format(),
		"rows":   len(records),
	}).Info("file extraction complete")
	return records, nil
}

func (c *FileConnector) open(ctx context.Context) (io.ReadCloser, error) {
	if strings.HasPrefix(c.path, "s3://") {
		bucket, key, err := SplitS3Path(c.path)
		if err != nil {
			return nil, err
		}
		return c.opts.Objects.Fetch(ctx, bucket, key)
	}
	f, err := os.Open(c.path)
	if err != nil {
		return nil, errs.NotFound("import file", c.path)
	}
	return f, nil
}

func (c *FileConnector) format() string {
	if c.opts.Format != "" {
		return strings.ToLower(c.opts.Format)
	}
	switch strings.ToLower(filepath.Ext(c.path)) {
	case ".json":
		return "json"
	default:
		return "csv"
	}
}

func (c *FileConnector) parseCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	if c.opts.Delimiter != 0 {
		cr.Comma = c.opts.Delimiter
	}
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, errs.Validation("failed to parse CSV file: "+err.Error(), nil)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var header []string
	if c.opts.NoHeader {
		header = make([]string, len(rows[0]))
		for i := range header {
			header[i] = fmt.Sprintf("col_%d", i)
		}
	} else {
		header = rows[0]
		rows = rows[1:]
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := make(Record, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[strings.TrimSpace(col)] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *FileConnector) parseJSON(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Validation("failed to read JSON file: "+err.Error(), nil)
	}
	root := gjson.ParseBytes(data)
	if c.opts.RecordsPath != "" {
		root = root.Get(c.opts.RecordsPath)
	}
	if !root.IsArray() {
		return nil, errs.Validation("JSON source is not an array of records", nil)
	}

	var records []Record
	root.ForEach(func(_, row gjson.Result) bool {
		if row.IsObject() {
			rec := make(Record)
			row.ForEach(func(key, value gjson.Result) bool {
				rec[key.String()] = value.Value()
				return true
			})
			records = append(records, rec)
		}
		return true
	})
	return records, nil
}

// Close is a no-op; files are opened per Extract.
func (c *FileConnector) Close(_ context.Context) error { return nil }

// SplitS3Path splits s3://bucket/key into its parts.
func SplitS3Path(path string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(path, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.Configuration(fmt.Sprintf("invalid s3 path %q", path))
	}
	return parts[0], parts[1], nil
}
