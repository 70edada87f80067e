// Package processor turns raw connector records into typed domain
// records. A processor is driven entirely by its Config: field
// mapping, default values, required fields and the format strings for
// the date-like kinds the source systems emit. Field kinds are
// inferred from the source column name, which is how the AS400 and
// FileMaker schemas encode their types.
package processor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/errs"
	"github.com/drivelinehq/driveline/validation"
)

// Record is a processed record keyed by destination field name.
type Record = map[string]interface{}

// RecordError locates one bad record inside a batch. Index refers to
// the position in the full extract, not the chunk.
type RecordError struct {
	Index  int    `json:"index"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason"`
}

// Config parameterizes a processor.
type Config struct {
	// Entity names the destination record kind (products, stock, ...).
	Entity string `yaml:"entity"`

	// FieldMap maps destination field to source field.
	FieldMap map[string]string `yaml:"field_map"`

	// Passthrough copies every source field verbatim instead of
	// mapping. Reference loads use this; FieldMap is ignored.
	Passthrough bool `yaml:"passthrough"`

	// Truthy and Falsy are the boolean token lists; matching is
	// case-insensitive after trimming.
	Truthy []string `yaml:"truthy"`
	Falsy  []string `yaml:"falsy"`

	// Defaults seed every output record before mapping.
	Defaults map[string]interface{} `yaml:"defaults"`

	// SkipFields are source fields never copied.
	SkipFields []string `yaml:"skip_fields"`

	// RequiredFields must be present and non-nil after mapping.
	RequiredFields []string `yaml:"required_fields"`

	// DateFormat, TimeFormat and TimestampFormat are Go layouts tried
	// before the builtin fallbacks.
	DateFormat      string `yaml:"date_format"`
	TimeFormat      string `yaml:"time_format"`
	TimestampFormat string `yaml:"timestamp_format"`

	// UniqueKey is the destination field used for in-batch duplicate
	// detection; empty disables it.
	UniqueKey string `yaml:"unique_key"`

	// Rules are per-field validation rules applied by Validate.
	Rules validation.Rules `yaml:"rules"`
}

var (
	defaultTruthy = []string{"Y", "YES", "1", "TRUE", "T"}
	defaultFalsy  = []string{"N", "NO", "0", "FALSE", "F", ""}

	dateFallbacks      = []string{"20060102", "01/02/2006", "02/01/2006", "2006-01-02"}
	timeFallbacks      = []string{"15:04:05", "15:04", "150405"}
	timestampFallbacks = []string{time.RFC3339, "2006-01-02 15:04:05", "20060102150405"}
)

// Hook is an entity-specific transform applied after generic mapping.
type Hook func(rec Record) error

// Processor applies one Config to raw record batches.
type Processor struct {
	cfg      Config
	hook     Hook
	validate *validation.Service
	logger   *common.ContextLogger
}

// New builds a processor. validate may be nil when the config carries
// no rules; hook may be nil.
func New(cfg Config, validate *validation.Service, hook Hook) *Processor {
	return &Processor{
		cfg:      cfg,
		hook:     hook,
		validate: validate,
		logger:   common.ServiceLogger("processor").WithField("entity", cfg.Entity),
	}
}

// Entity names the destination record kind.
func (p *Processor) Entity() string { return p.cfg.Entity }

// Process maps raw records to destination records. Bad records are
// reported by index and skipped; processing always continues.
func (p *Processor) Process(raw []map[string]interface{}) ([]Record, []RecordError) {
	skip := make(map[string]struct{}, len(p.cfg.SkipFields))
	for _, f := range p.cfg.SkipFields {
		skip[f] = struct{}{}
	}

	var (
		out      []Record
		errors   []RecordError
		seenKeys = make(map[string]int)
	)

	for i, src := range raw {
		rec := make(Record, len(p.cfg.FieldMap)+len(p.cfg.Defaults))
		for k, v := range p.cfg.Defaults {
			rec[k] = v
		}

		if p.cfg.Passthrough {
			for srcField, value := range src {
				if _, skipped := skip[srcField]; skipped {
					continue
				}
				rec[srcField] = value
			}
		} else {
			for dst, srcField := range p.cfg.FieldMap {
				if _, skipped := skip[srcField]; skipped {
					continue
				}
				value, ok := src[srcField]
				if !ok {
					continue
				}
				rec[dst] = p.convert(srcField, value)
			}
		}

		if p.hook != nil {
			if err := p.hook(rec); err != nil {
				errors = append(errors, RecordError{Index: i, Key: p.keyOf(rec), Reason: err.Error()})
				continue
			}
		}

		if missing := p.missingRequired(rec); missing != "" {
			errors = append(errors, RecordError{
				Index:  i,
				Key:    p.keyOf(rec),
				Reason: "required field " + missing + " is missing",
			})
			continue
		}

		if p.cfg.UniqueKey != "" {
			key := fmt.Sprint(rec[p.cfg.UniqueKey])
			if first, dup := seenKeys[key]; dup {
				p.logger.WithFields(map[string]interface{}{
					"key":         key,
					"index":       i,
					"first_index": first,
				}).Warn("duplicate key in batch, record skipped")
				continue
			}
			seenKeys[key] = i
		}

		out = append(out, rec)
	}
	return out, errors
}

// Validate applies the configured field rules to processed records.
// Failing records are dropped and reported; if every record fails the
// whole batch is rejected with an aggregate validation error.
func (p *Processor) Validate(records []Record) ([]Record, []RecordError, error) {
	if len(p.cfg.Rules) == 0 || p.validate == nil || len(records) == 0 {
		return records, nil, nil
	}

	var (
		valid  []Record
		errors []RecordError
	)
	for i, rec := range records {
		ok, fieldErrs := p.validate.ValidateComposite(rec, p.cfg.Rules)
		if ok {
			valid = append(valid, rec)
			continue
		}
		reasons := make([]string, len(fieldErrs))
		for j, fe := range fieldErrs {
			reasons[j] = fe.Loc + ": " + fe.Msg
		}
		errors = append(errors, RecordError{Index: i, Key: p.keyOf(rec), Reason: strings.Join(reasons, "; ")})
	}

	if len(valid) == 0 {
		details := make([]errs.FieldError, 0, len(errors))
		for _, re := range errors {
			details = append(details, errs.FieldError{
				Loc:  fmt.Sprintf("record[%d]", re.Index),
				Msg:  re.Reason,
				Type: "record_invalid",
			})
		}
		return nil, errors, errs.Validation("every record in the batch failed validation", details)
	}
	return valid, errors, nil
}

func (p *Processor) keyOf(rec Record) string {
	if p.cfg.UniqueKey == "" {
		return ""
	}
	if v, ok := rec[p.cfg.UniqueKey]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func (p *Processor) missingRequired(rec Record) string {
	for _, field := range p.cfg.RequiredFields {
		v, ok := rec[field]
		if !ok || v == nil {
			return field
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			return field
		}
	}
	return ""
}

// convert applies the field-kind conversion inferred from the source
// column name.
func (p *Processor) convert(srcField string, value interface{}) interface{} {
	switch KindOf(srcField) {
	case KindBool:
		return p.toBool(value)
	case KindDate:
		return parseTemporal(value, p.cfg.DateFormat, dateFallbacks)
	case KindTime:
		return parseTemporal(value, p.cfg.TimeFormat, timeFallbacks)
	case KindTimestamp:
		return parseTemporal(value, p.cfg.TimestampFormat, timestampFallbacks)
	case KindNumeric:
		return toFloat(value)
	default:
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s)
		}
		return value
	}
}

// FieldKind classifies a source column by naming convention.
type FieldKind int

const (
	KindString FieldKind = iota
	KindBool
	KindDate
	KindTime
	KindTimestamp
	KindNumeric
)

// KindOf infers the field kind from the source column name.
func KindOf(name string) FieldKind {
	upper := strings.ToUpper(name)
	switch {
	case strings.HasPrefix(upper, "IS_"), strings.HasPrefix(upper, "HAS_"),
		strings.HasSuffix(upper, "_FLAG"), strings.HasSuffix(upper, "_YN"),
		strings.HasSuffix(upper, "_INDICATOR"):
		return KindBool
	// Timestamps before dates: _TS would otherwise never match after
	// the _DT check, but _TIMESTAMP must not be taken for _TIME either.
	case strings.HasSuffix(upper, "_TIMESTAMP"), strings.HasSuffix(upper, "_TS"):
		return KindTimestamp
	case strings.HasSuffix(upper, "_DATE"), strings.HasSuffix(upper, "_DT"):
		return KindDate
	case strings.HasSuffix(upper, "_TIME"), strings.HasSuffix(upper, "_TM"):
		return KindTime
	case strings.HasSuffix(upper, "_QTY"), strings.HasSuffix(upper, "_AMOUNT"),
		strings.HasSuffix(upper, "_AMT"), strings.HasSuffix(upper, "_NUM"),
		strings.HasSuffix(upper, "_PRICE"):
		return KindNumeric
	default:
		return KindString
	}
}

func (p *Processor) toBool(value interface{}) interface{} {
	switch v := value.(type) {
	case bool:
		return v
	case nil:
		return nil
	}

	token := strings.ToUpper(strings.TrimSpace(fmt.Sprint(value)))
	truthy := p.cfg.Truthy
	if len(truthy) == 0 {
		truthy = defaultTruthy
	}
	falsy := p.cfg.Falsy
	if len(falsy) == 0 {
		falsy = defaultFalsy
	}
	for _, t := range truthy {
		if strings.ToUpper(t) == token {
			return true
		}
	}
	for _, f := range falsy {
		if strings.ToUpper(f) == token {
			return false
		}
	}
	return nil
}

// parseTemporal tries the configured layout then the fallbacks; an
// unparseable value becomes nil rather than failing the record.
func parseTemporal(value interface{}, layout string, fallbacks []string) interface{} {
	switch v := value.(type) {
	case time.Time:
		return v
	case *time.Time:
		if v == nil {
			return nil
		}
		return *v
	case nil:
		return nil
	}

	s := strings.TrimSpace(fmt.Sprint(value))
	if s == "" || s == "0" {
		return nil
	}

	layouts := fallbacks
	if layout != "" {
		layouts = append([]string{layout}, fallbacks...)
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t
		}
	}
	return nil
}

func toFloat(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case nil:
		return nil
	}
	s := strings.TrimSpace(fmt.Sprint(value))
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return nil
}
