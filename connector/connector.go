// Package connector extracts raw records from the external systems the
// sync engine reads: the AS400 parts host, the FileMaker Data API, and
// flat-file drops. Connectors are strictly read-only; every query is
// guarded against write verbs before it reaches a driver, and
// credentials are scrubbed from anything that could end up in a log.
package connector

import (
	"context"
	"regexp"
	"strings"

	"github.com/drivelinehq/driveline/errs"
)

// Record is one raw row as delivered by a source, keyed by the source
// field name.
type Record = map[string]interface{}

// Connector is the extraction surface the pipeline drives. Connect
// must be called before Extract; Close releases the underlying session
// and is safe to call after a failed Connect.
type Connector interface {
	Name() string
	Connect(ctx context.Context) error
	Extract(ctx context.Context, queryOrTable string, limit int, params map[string]interface{}) ([]Record, error)
	Close(ctx context.Context) error
}

// writeVerbs rejects anything that could mutate a source system. The
// match is case-insensitive and word-bounded so column names like
// UPDATED_AT pass.
var writeVerbs = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|CREATE|DROP|ALTER|TRUNCATE|GRANT|REVOKE|RENAME)\b`)

// identifier matches a bare table or layout name, optionally
// schema-qualified.
var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$#]*(\.[A-Za-z_][A-Za-z0-9_$#]*)?$`)

// IsIdentifier reports whether s is a bare object name rather than a
// full query.
func IsIdentifier(s string) bool {
	return identifier.MatchString(strings.TrimSpace(s))
}

// GuardReadOnly rejects SQL containing any write verb.
func GuardReadOnly(query string) error {
	if m := writeVerbs.FindString(query); m != "" {
		return errs.Security("query rejected: write operations are not permitted ("+strings.ToUpper(m)+")", 403)
	}
	return nil
}

// CheckWhitelist verifies name against the configured whitelist. Names
// are compared uppercase so AS400 catalogs match however the caller
// spells them. An empty whitelist allows everything.
func CheckWhitelist(name string, whitelist []string) error {
	if len(whitelist) == 0 {
		return nil
	}
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, allowed := range whitelist {
		if strings.ToUpper(allowed) == upper {
			return nil
		}
	}
	return errs.Security("table "+upper+" is not in the extraction whitelist", 403)
}

// Sanitize replaces the given secret wherever it appears in s. Every
// connector error passes through here before it is logged or wrapped.
func Sanitize(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[REDACTED]")
}
