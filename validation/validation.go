// Package validation provides named validators and composite rule
// evaluation. Format checks (email, url, uuid, ip) delegate to the
// validator library; structural rules (required, length, range, enum,
// regex) are evaluated directly.
package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	playground "github.com/go-playground/validator/v10"

	"github.com/drivelinehq/driveline/errs"
)

// Result is the outcome of one validation pass.
type Result struct {
	Valid  bool
	Errors []errs.FieldError
}

func valid() Result {
	return Result{Valid: true}
}

func invalid(loc, msg, typ string) Result {
	return Result{Valid: false, Errors: []errs.FieldError{{Loc: loc, Msg: msg, Type: typ}}}
}

// Validator checks one value. Params come from the composite rule
// table, e.g. {"min": 3, "max": 80} for length.
type Validator interface {
	Validate(value interface{}, params map[string]interface{}) Result
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(value interface{}, params map[string]interface{}) Result

func (f ValidatorFunc) Validate(value interface{}, params map[string]interface{}) Result {
	return f(value, params)
}

// AsyncValidator is for checks that need I/O, like unique-in-db.
type AsyncValidator interface {
	ValidateAsync(ctx context.Context, value interface{}, params map[string]interface{}) (Result, error)
}

// Service is the validator registry. Custom validators can be added at
// runtime with Register.
type Service struct {
	mu         sync.RWMutex
	validators map[string]Validator
	async      map[string]AsyncValidator

	pg *playground.Validate
}

// NewService builds a registry with the standard named validators.
func NewService() *Service {
	s := &Service{
		validators: make(map[string]Validator),
		async:      make(map[string]AsyncValidator),
		pg:         playground.New(),
	}
	s.registerBuiltins()
	return s
}

// Name identifies this service in the registry.
func (s *Service) Name() string { return "validation" }

// Register adds or replaces a named validator.
func (s *Service) Register(name string, v Validator) {
	s.mu.Lock()
	s.validators[name] = v
	s.mu.Unlock()
}

// RegisterAsync adds or replaces a named async validator.
func (s *Service) RegisterAsync(name string, v AsyncValidator) {
	s.mu.Lock()
	s.async[name] = v
	s.mu.Unlock()
}

// Validate runs one named validator.
func (s *Service) Validate(rule string, value interface{}, params map[string]interface{}) (Result, error) {
	s.mu.RLock()
	v, ok := s.validators[rule]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown validator: %s", rule)
	}
	return v.Validate(value, params), nil
}

// ValidateAsync runs one named async validator.
func (s *Service) ValidateAsync(ctx context.Context, rule string, value interface{}, params map[string]interface{}) (Result, error) {
	s.mu.RLock()
	v, ok := s.async[rule]
	s.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown async validator: %s", rule)
	}
	return v.ValidateAsync(ctx, value, params)
}

// CreateValidator returns a single-arg predicate bound to a rule and
// its params.
func (s *Service) CreateValidator(rule string, params map[string]interface{}) (func(value interface{}) Result, error) {
	s.mu.RLock()
	v, ok := s.validators[rule]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown validator: %s", rule)
	}
	return func(value interface{}) Result {
		return v.Validate(value, params)
	}, nil
}

// Rules maps field name to its rule table. A rule value of true means
// "apply with no params"; a map supplies params.
type Rules map[string]map[string]interface{}

// ValidateComposite applies a rule table to a data map. All fields and
// all rules are evaluated so the caller sees every problem at once,
// except that a failed "required" short-circuits the field's other
// rules.
func (s *Service) ValidateComposite(data map[string]interface{}, rules Rules) (bool, []errs.FieldError) {
	var all []errs.FieldError

	for field, fieldRules := range rules {
		value, present := data[field]

		// required runs first; its failure silences the rest of the
		// field's rules.
		if params, ok := fieldRules["required"]; ok {
			res, err := s.Validate("required", value, asParams(params))
			if err == nil && !res.Valid {
				all = append(all, locate(field, res.Errors)...)
				continue
			}
		}
		if !present || value == nil {
			continue
		}

		for rule, rawParams := range fieldRules {
			if rule == "required" {
				continue
			}
			res, err := s.Validate(rule, value, asParams(rawParams))
			if err != nil {
				all = append(all, errs.FieldError{Loc: field, Msg: err.Error(), Type: "unknown_rule"})
				continue
			}
			if !res.Valid {
				all = append(all, locate(field, res.Errors)...)
			}
		}
	}

	return len(all) == 0, all
}

// ValidateStruct runs the validator library's struct-tag validation and
// converts failures into the error taxonomy.
func (s *Service) ValidateStruct(v interface{}) error {
	err := s.pg.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(playground.ValidationErrors)
	if !ok {
		return errs.Internal("validation failed", err)
	}
	fields := make([]errs.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, errs.FieldError{
			Loc:  strings.ToLower(fe.Field()),
			Msg:  fmt.Sprintf("failed on the %s rule", fe.Tag()),
			Type: fe.Tag(),
		})
	}
	return errs.Validation("validation failed", fields)
}

func asParams(raw interface{}) map[string]interface{} {
	if m, ok := raw.(map[string]interface{}); ok {
		return m
	}
	return nil
}

func locate(field string, errors []errs.FieldError) []errs.FieldError {
	out := make([]errs.FieldError, len(errors))
	for i, e := range errors {
		e.Loc = field
		out[i] = e
	}
	return out
}

func (s *Service) registerBuiltins() {
	s.Register("required", ValidatorFunc(validateRequired))
	s.Register("length", ValidatorFunc(validateLength))
	s.Register("range", ValidatorFunc(validateRange))
	s.Register("regex", ValidatorFunc(validateRegex))
	s.Register("enum", ValidatorFunc(validateEnum))
	s.Register("date", ValidatorFunc(validateDate))
	s.Register("phone", ValidatorFunc(validatePhone))
	s.Register("password", ValidatorFunc(validatePassword))

	// Format rules ride on the validator library.
	s.Register("email", s.pgRule("email", "is not a valid email address"))
	s.Register("url", s.pgRule("url", "is not a valid url"))
	s.Register("uuid", s.pgRule("uuid4", "is not a valid uuid"))
	s.Register("ip_address", s.pgRule("ip", "is not a valid ip address"))
	s.Register("credit_card", s.pgRule("credit_card", "is not a valid card number"))
}

// pgRule wraps a validator library tag as a named validator.
func (s *Service) pgRule(tag, msg string) Validator {
	return ValidatorFunc(func(value interface{}, _ map[string]interface{}) Result {
		str, ok := value.(string)
		if !ok {
			return invalid("", "must be a string", "type_error")
		}
		if err := s.pg.Var(str, tag); err != nil {
			return invalid("", msg, tag)
		}
		return valid()
	})
}

func validateRequired(value interface{}, _ map[string]interface{}) Result {
	switch v := value.(type) {
	case nil:
		return invalid("", "is required", "required")
	case string:
		if strings.TrimSpace(v) == "" {
			return invalid("", "is required", "required")
		}
	case []interface{}:
		if len(v) == 0 {
			return invalid("", "is required", "required")
		}
	case map[string]interface{}:
		if len(v) == 0 {
			return invalid("", "is required", "required")
		}
	}
	return valid()
}

func validateLength(value interface{}, params map[string]interface{}) Result {
	str, ok := value.(string)
	if !ok {
		return invalid("", "must be a string", "type_error")
	}
	n := len([]rune(str))
	if min, ok := numParam(params, "min"); ok && float64(n) < min {
		return invalid("", fmt.Sprintf("must be at least %d characters", int(min)), "length")
	}
	if max, ok := numParam(params, "max"); ok && float64(n) > max {
		return invalid("", fmt.Sprintf("must be at most %d characters", int(max)), "length")
	}
	return valid()
}

func validateRange(value interface{}, params map[string]interface{}) Result {
	n, ok := asFloat(value)
	if !ok {
		return invalid("", "must be a number", "type_error")
	}
	if min, ok := numParam(params, "min"); ok && n < min {
		return invalid("", fmt.Sprintf("must be at least %v", min), "range")
	}
	if max, ok := numParam(params, "max"); ok && n > max {
		return invalid("", fmt.Sprintf("must be at most %v", max), "range")
	}
	return valid()
}

func validateRegex(value interface{}, params map[string]interface{}) Result {
	str, ok := value.(string)
	if !ok {
		return invalid("", "must be a string", "type_error")
	}
	pattern, _ := params["pattern"].(string)
	if pattern == "" {
		return invalid("", "regex rule needs a pattern", "config_error")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return invalid("", "invalid pattern", "config_error")
	}
	if !re.MatchString(str) {
		return invalid("", "does not match the expected format", "regex")
	}
	return valid()
}

func validateEnum(value interface{}, params map[string]interface{}) Result {
	choices, _ := params["choices"].([]interface{})
	if strs, ok := params["choices"].([]string); ok {
		for _, s := range strs {
			choices = append(choices, s)
		}
	}
	for _, c := range choices {
		if fmt.Sprintf("%v", c) == fmt.Sprintf("%v", value) {
			return valid()
		}
	}
	return invalid("", "is not one of the allowed values", "enum")
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05"}

func validateDate(value interface{}, params map[string]interface{}) Result {
	if _, ok := value.(time.Time); ok {
		return valid()
	}
	str, ok := value.(string)
	if !ok {
		return invalid("", "must be a date", "type_error")
	}
	layouts := dateLayouts
	if layout, ok := params["layout"].(string); ok {
		layouts = []string{layout}
	}
	for _, l := range layouts {
		if _, err := time.Parse(l, str); err == nil {
			return valid()
		}
	}
	return invalid("", "is not a valid date", "date")
}

var phoneRe = regexp.MustCompile(`^\+?[0-9 ().-]{7,20}$`)

func validatePhone(value interface{}, _ map[string]interface{}) Result {
	str, ok := value.(string)
	if !ok {
		return invalid("", "must be a string", "type_error")
	}
	if !phoneRe.MatchString(str) {
		return invalid("", "is not a valid phone number", "phone")
	}
	return valid()
}

func validatePassword(value interface{}, params map[string]interface{}) Result {
	str, ok := value.(string)
	if !ok {
		return invalid("", "must be a string", "type_error")
	}
	minLen := 10.0
	if m, ok := numParam(params, "min_length"); ok {
		minLen = m
	}
	if float64(len(str)) < minLen {
		return invalid("", fmt.Sprintf("must be at least %d characters", int(minLen)), "password")
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range str {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return invalid("", "must mix upper case, lower case and digits", "password")
	}
	return valid()
}

// ExistsFunc probes whether a value is already taken, e.g. an email
// column lookup. Params carry the table and field names.
type ExistsFunc func(ctx context.Context, value interface{}, params map[string]interface{}) (bool, error)

type uniqueValidator struct {
	exists ExistsFunc
}

// NewUniqueValidator adapts an existence probe into the async unique
// rule. Register it under "unique" once a database handle exists.
func NewUniqueValidator(exists ExistsFunc) AsyncValidator {
	return &uniqueValidator{exists: exists}
}

func (u *uniqueValidator) ValidateAsync(ctx context.Context, value interface{}, params map[string]interface{}) (Result, error) {
	taken, err := u.exists(ctx, value, params)
	if err != nil {
		return Result{}, err
	}
	if taken {
		return invalid("", "is already taken", "unique"), nil
	}
	return valid(), nil
}

func numParam(params map[string]interface{}, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	return asFloat(params[key])
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
