package security

import (
	"context"
	"html"
	"net"
	"regexp"
	"strings"

	"github.com/drivelinehq/driveline/common"
	"github.com/drivelinehq/driveline/events"
	"github.com/drivelinehq/driveline/metrics"
)

// suspiciousPatterns are cheap heuristics for hostile input. They are
// advisory: a hit is logged and counted, never blocked here.
var suspiciousPatterns = map[string]*regexp.Regexp{
	"script_tag":    regexp.MustCompile(`(?i)<\s*script`),
	"event_handler": regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus)\s*=`),
	"union_select":  regexp.MustCompile(`(?i)\bunion\b.{0,20}\bselect\b`),
	"sql_comment":   regexp.MustCompile(`--\s*$|--\s`),
	"tautology":     regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
	"path_escape":   regexp.MustCompile(`\.\./`),
	"null_byte":     regexp.MustCompile(`\x00|%00`),
}

// Guard performs the stateless request checks: trusted-proxy lookup,
// hostile-input scanning and output escaping.
type Guard struct {
	trusted []*net.IPNet
	single  []net.IP
	logger  *common.ContextLogger
	metrics *metrics.Service
	events  events.Publisher
}

// NewGuard parses the trusted-proxy list. Entries may be single
// addresses or CIDR blocks; unparseable entries are logged and
// skipped.
func NewGuard(trustedProxies []string, logger *common.ContextLogger) *Guard {
	g := &Guard{logger: logger.WithField("component", "guard")}
	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, block, err := net.ParseCIDR(entry)
			if err != nil {
				g.logger.Warnf("skipping invalid trusted proxy %q: %v", entry, err)
				continue
			}
			g.trusted = append(g.trusted, block)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			g.logger.Warnf("skipping invalid trusted proxy %q", entry)
			continue
		}
		g.single = append(g.single, ip)
	}
	return g
}

// SetMetrics wires the counter bumped on suspicious input.
func (g *Guard) SetMetrics(m *metrics.Service) { g.metrics = m }

// SetEvents wires the bus the suspicious-content topic is published on.
func (g *Guard) SetEvents(p events.Publisher) { g.events = p }

// IsTrustedIP reports whether addr belongs to the configured proxy
// list. Unparseable addresses are never trusted.
func (g *Guard) IsTrustedIP(addr string) bool {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, single := range g.single {
		if single.Equal(ip) {
			return true
		}
	}
	for _, block := range g.trusted {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// ScanContent checks input against the heuristic set and returns the
// names of the patterns that matched. Hits bump the security counter
// and publish security.suspicious_content, but the caller decides what
// to do with the input.
func (g *Guard) ScanContent(ctx context.Context, source, content string) (bool, []string) {
	var indicators []string
	for name, re := range suspiciousPatterns {
		if re.MatchString(content) {
			indicators = append(indicators, name)
		}
	}
	if len(indicators) == 0 {
		return false, nil
	}

	g.logger.WithContext(ctx).WithField("source", source).
		Warnf("suspicious content detected: %s", strings.Join(indicators, ","))
	if g.metrics != nil {
		g.metrics.TrackSecurityEvent("suspicious_content")
	}
	if g.events != nil {
		if err := g.events.Publish(ctx, events.TopicSuspiciousInput, map[string]interface{}{
			"source":     source,
			"indicators": indicators,
		}, nil); err != nil {
			g.logger.Warnf("failed to publish suspicious content event: %v", err)
		}
	}
	return true, indicators
}

// SanitizeHTML escapes markup so stored content renders inert.
func SanitizeHTML(s string) string {
	return html.EscapeString(s)
}

// SecurityHeaders returns the fixed header set the HTTP layer applies
// to every response.
func SecurityHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "1; mode=block",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
		"Content-Security-Policy":   "default-src 'self'",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}
}
