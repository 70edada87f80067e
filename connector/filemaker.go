package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/config"
	"github.com/drivelinehq/driveline/errs"
)

// FileMakerConnector reads from the FileMaker Data API. A bare
// identifier names a layout; a JSON request `{"layout": ..., "query":
// [...]}` is forwarded to the layout's _find endpoint. Sessions are
// token-based and closed explicitly.
type FileMakerConnector struct {
	cfg    config.FileMakerConfig
	client *http.Client
	token  string

	touched map[string]struct{}
	logger  *common.ContextLogger
}

// NewFileMakerConnector builds a connector from configuration.
func NewFileMakerConnector(cfg config.FileMakerConfig) *FileMakerConnector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FileMakerConnector{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		touched: make(map[string]struct{}),
		logger:  common.ServiceLogger("connector.filemaker"),
	}
}

func (c *FileMakerConnector) Name() string { return "filemaker" }

func (c *FileMakerConnector) baseURL() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/fmi/data/v1/databases/" + c.cfg.Database
}

// Connect opens a Data API session and stores the bearer token.
func (c *FileMakerConnector) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/sessions", strings.NewReader("{}"))
	if err != nil {
		return errs.Network("failed to build FileMaker session request", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password.Reveal())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Network("failed to open FileMaker session: "+c.sanitize(err.Error()), nil)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errs.Network(fmt.Sprintf("FileMaker session rejected (status %d)", resp.StatusCode), nil)
	}
	token := gjson.GetBytes(body, "response.token").String()
	if token == "" {
		return errs.Network("FileMaker session response carried no token", nil)
	}
	c.token = token
	c.logger.WithField("database", c.cfg.Database).Info("FileMaker session established")
	return nil
}

// Extract fetches records from a layout. limit caps the page size;
// FileMaker defaults to 100 when unset, so the limit is always sent.
func (c *FileMakerConnector) Extract(ctx context.Context, queryOrLayout string, limit int, params map[string]interface{}) ([]Record, error) {
	if c.token == "" {
		return nil, errs.Internal("extract called before connect", nil)
	}
	if limit <= 0 {
		limit = defaultExtractLimit
	}

	trimmed := strings.TrimSpace(queryOrLayout)
	if strings.HasPrefix(trimmed, "{") {
		return c.find(ctx, trimmed, limit)
	}

	if err := CheckWhitelist(trimmed, c.cfg.Layouts); err != nil {
		return nil, err
	}
	c.touched[trimmed] = struct{}{}

	url := c.baseURL() + "/layouts/" + trimmed + "/records?_limit=" + strconv.Itoa(limit)
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	records := decodeFileMakerRecords(body)
	c.logger.WithFields(map[string]interface{}{
		"layout": trimmed,
		"rows":   len(records),
	}).Info("FileMaker extraction complete")
	return records, nil
}

// find forwards a JSON find request to the layout's _find endpoint.
// The request text passes the same write-verb guard as SQL even though
// the Data API find grammar has no write form; a hostile scripted
// payload fails loudly instead of reaching the host.
func (c *FileMakerConnector) find(ctx context.Context, request string, limit int) ([]Record, error) {
	if err := GuardReadOnly(request); err != nil {
		return nil, err
	}
	layout := gjson.Get(request, "layout").String()
	if layout == "" {
		return nil, errs.Validation("find request is missing the layout field", nil)
	}
	if err := CheckWhitelist(layout, c.cfg.Layouts); err != nil {
		return nil, err
	}
	c.touched[layout] = struct{}{}

	payload := map[string]interface{}{
		"query": json.RawMessage(gjson.Get(request, "query").Raw),
		"limit": strconv.Itoa(limit),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Internal("failed to encode find request", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.baseURL()+"/layouts/"+layout+"/_find", encoded)
	if err != nil {
		return nil, err
	}
	return decodeFileMakerRecords(body), nil
}

func (c *FileMakerConnector) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errs.Network("failed to build FileMaker request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.Network("FileMaker request failed: "+c.sanitize(err.Error()), nil)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	// A find with no matches reports FileMaker error 401 inside a 500.
	if resp.StatusCode == http.StatusInternalServerError &&
		gjson.GetBytes(body, "messages.0.code").String() == "401" {
		return []byte(`{"response":{"data":[]}}`), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Database(fmt.Sprintf("FileMaker request failed (status %d)", resp.StatusCode), nil)
	}
	return body, nil
}

// Close ends the Data API session and emits the layout audit line.
func (c *FileMakerConnector) Close(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	layouts := make([]string, 0, len(c.touched))
	for l := range c.touched {
		layouts = append(layouts, l)
	}
	c.logger.WithField("layouts", layouts).Info("FileMaker session closed")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL()+"/sessions/"+c.token, nil)
	c.token = ""
	if err != nil {
		return nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		// Session expiry on the host side makes this best-effort.
		c.logger.WithField("error", c.sanitize(err.Error())).Warn("FileMaker session close failed")
		return nil
	}
	resp.Body.Close()
	return nil
}

func (c *FileMakerConnector) sanitize(s string) string {
	return Sanitize(s, c.cfg.Password.Reveal())
}

// decodeFileMakerRecords flattens the Data API record envelope into
// raw records: fieldData plus the record id under recordId.
func decodeFileMakerRecords(body []byte) []Record {
	var records []Record
	gjson.GetBytes(body, "response.data").ForEach(func(_, row gjson.Result) bool {
		rec := make(Record)
		row.Get("fieldData").ForEach(func(key, value gjson.Result) bool {
			rec[key.String()] = value.Value()
			return true
		})
		if id := row.Get("recordId"); id.Exists() {
			rec["recordId"] = id.String()
		}
		records = append(records, rec)
		return true
	})
	return records
}
