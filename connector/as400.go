package connector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/errs"
)

// defaultExtractLimit bounds a bare-table extract when the caller
// passes no limit.
const defaultExtractLimit = 10000

var fetchFirst = regexp.MustCompile(`(?i)\bFETCH\s+FIRST\b`)

// AS400Connector reads from the legacy IBM i host over a database/sql
// driver named in configuration (an unixODBC bridge in production, a
// mock in tests). All sessions are opened read-only and every table
// touched is reported once on Close.
type AS400Connector struct {
	cfg    config.AS400Config
	db     *sql.DB
	opener func(driver, dsn string) (*sql.DB, error)

	touched map[string]struct{}
	logger  *common.ContextLogger
}

// NewAS400Connector builds a connector from configuration. Connect
// must be called before Extract.
func NewAS400Connector(cfg config.AS400Config) *AS400Connector {
	return &AS400Connector{
		cfg:     cfg,
		opener:  sql.Open,
		touched: make(map[string]struct{}),
		logger:  common.ServiceLogger("connector.as400"),
	}
}

func (c *AS400Connector) Name() string { return "as400" }

// connectionString assembles the driver DSN. ReadOnly is always
// appended last so a configured DSN cannot override it. full toggles
// the optional attributes some driver builds reject.
func (c *AS400Connector) connectionString(full bool) string {
	parts := []string{strings.TrimRight(c.cfg.DSN, ";")}
	if c.cfg.Username != "" {
		parts = append(parts, "UID="+c.cfg.Username)
	}
	if c.cfg.Password.IsSet() {
		parts = append(parts, "PWD="+c.cfg.Password.Reveal())
	}
	if full && len(c.cfg.Libraries) > 0 {
		parts = append(parts, "DBQ="+strings.Join(c.cfg.Libraries, " "))
	}
	parts = append(parts, "ReadOnly=True")
	return strings.Join(parts, ";")
}

// Connect opens and pings the host. If the driver rejects the full
// attribute set the open is retried once with the minimal parameters.
func (c *AS400Connector) Connect(ctx context.Context) error {
	db, err := c.open(ctx, true)
	if err != nil {
		c.logger.WithField("error", c.sanitize(err.Error())).
			Warn("AS400 connect failed with full parameters, retrying with minimal set")
		db, err = c.open(ctx, false)
	}
	if err != nil {
		return errs.Network("failed to connect to AS400: "+c.sanitize(err.Error()), nil)
	}
	c.db = db
	c.logger.WithField("libraries", c.cfg.Libraries).Info("AS400 connection established")
	return nil
}

func (c *AS400Connector) open(ctx context.Context, full bool) (*sql.DB, error) {
	db, err := c.opener(c.cfg.Driver, c.connectionString(full))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Extract runs a read-only query. A bare identifier is wrapped as a
// whitelisted SELECT; a full statement is scanned for write verbs and
// given a FETCH FIRST clause when it carries none.
func (c *AS400Connector) Extract(ctx context.Context, queryOrTable string, limit int, params map[string]interface{}) ([]Record, error) {
	if c.db == nil {
		return nil, errs.Internal("extract called before connect", nil)
	}
	if limit <= 0 {
		limit = defaultExtractLimit
	}

	query, err := c.buildQuery(queryOrTable, limit)
	if err != nil {
		return nil, err
	}

	queryCtx := ctx
	if c.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()
	}

	args := positionalArgs(params)
	rows, err := c.db.QueryContext(queryCtx, query, args...)
	if err != nil {
		return nil, errs.Database("AS400 extraction failed: "+c.sanitize(err.Error()), nil)
	}
	defer rows.Close()

	records, err := scanRows(rows)
	if err != nil {
		return nil, errs.Database("AS400 row scan failed: "+c.sanitize(err.Error()), nil)
	}
	c.logger.WithFields(map[string]interface{}{
		"rows":  len(records),
		"limit": limit,
	}).Info("AS400 extraction complete")
	return records, nil
}

func (c *AS400Connector) buildQuery(queryOrTable string, limit int) (string, error) {
	trimmed := strings.TrimSpace(queryOrTable)

	if IsIdentifier(trimmed) {
		table := strings.ToUpper(trimmed)
		if err := CheckWhitelist(table, c.cfg.Tables); err != nil {
			return "", err
		}
		c.touch(table)
		return fmt.Sprintf(`SELECT * FROM "%s" FETCH FIRST %d ROWS ONLY`, table, limit), nil
	}

	if err := GuardReadOnly(trimmed); err != nil {
		return "", err
	}
	c.touchFromQuery(trimmed)
	if !fetchFirst.MatchString(trimmed) {
		trimmed = trimmed + fmt.Sprintf(" FETCH FIRST %d ROWS ONLY", limit)
	}
	return trimmed, nil
}

var fromTable = regexp.MustCompile(`(?i)\bFROM\s+"?([A-Za-z_][A-Za-z0-9_$#.]*)"?`)

func (c *AS400Connector) touchFromQuery(query string) {
	for _, m := range fromTable.FindAllStringSubmatch(query, -1) {
		c.touch(strings.ToUpper(m[1]))
	}
}

func (c *AS400Connector) touch(table string) {
	c.touched[table] = struct{}{}
}

// Close releases the connection and emits one audit line naming every
// table the session read.
func (c *AS400Connector) Close(_ context.Context) error {
	if c.db == nil {
		return nil
	}
	tables := make([]string, 0, len(c.touched))
	for t := range c.touched {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	c.logger.WithField("tables", tables).Info("AS400 session closed")

	err := c.db.Close()
	c.db = nil
	if err != nil {
		return fmt.Errorf("failed to close AS400 connection: %s", c.sanitize(err.Error()))
	}
	return nil
}

func (c *AS400Connector) sanitize(s string) string {
	return Sanitize(s, c.cfg.Password.Reveal())
}

// positionalArgs flattens the params map into driver arguments in a
// stable key order.
func positionalArgs(params map[string]interface{}) []interface{} {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = params[k]
	}
	return args
}

// scanRows converts a result set into records. DB2 decimals arrive as
// []byte; numeric-looking values become float64, everything else stays
// as the driver delivered it.
func scanRows(rows *sql.Rows) ([]Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []Record
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			rec[col] = normalizeValue(values[i])
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
		return s
	default:
		return v
	}
}
