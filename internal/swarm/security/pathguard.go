package security

import (
	"strings"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// redactDepthLimit bounds recursive redaction of nested payloads.
const redactDepthLimit = 20

// sensitiveFragments are matched case-insensitively against field names.
var sensitiveFragments = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "private_key", "privatekey", "passphrase",
}

// pollutionKeys are skipped entirely during redaction.
var pollutionKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// DataAccessGuard scopes which paths delegated work may touch and scrubs
// sensitive fields from data crossing the delegation boundary. Deny rules
// win over allow rules.
type DataAccessGuard struct {
	allow    []string
	deny     []string
	maxBytes int
}

// NewDataAccessGuard builds a guard. Empty allow means "everything not
// denied"; maxBytes <= 0 disables the size ceiling.
func NewDataAccessGuard(allow, deny []string, maxBytes int) *DataAccessGuard {
	return &DataAccessGuard{
		allow:    append([]string(nil), allow...),
		deny:     append([]string(nil), deny...),
		maxBytes: maxBytes,
	}
}

// CheckPath verifies a path against the scopes. Deny wins.
func (g *DataAccessGuard) CheckPath(path string) error {
	for _, pattern := range g.deny {
		if matchPath(pattern, path) {
			return common.ErrCapabilityViolation("path denied by scope").
				WithContext("path", path).WithContext("pattern", pattern)
		}
	}
	if len(g.allow) == 0 {
		return nil
	}
	for _, pattern := range g.allow {
		if matchPath(pattern, path) {
			return nil
		}
	}
	return common.ErrCapabilityViolation("path outside allowed scopes").WithContext("path", path)
}

// CheckSize enforces the data-size ceiling.
func (g *DataAccessGuard) CheckSize(data []byte) error {
	if g.maxBytes > 0 && len(data) > g.maxBytes {
		return common.ErrCapacityExceeded("data payload", g.maxBytes).
			WithContext("size", len(data))
	}
	return nil
}

// Redact returns a copy of data with sensitive field values replaced.
// Recursion stops at redactDepthLimit; prototype-pollution keys are dropped.
func (g *DataAccessGuard) Redact(data map[string]any) map[string]any {
	out, _ := redactValue(data, 0).(map[string]any)
	return out
}

func redactValue(v any, depth int) any {
	if depth > redactDepthLimit {
		return "[TRUNCATED]"
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, polluted := pollutionKeys[k]; polluted {
				continue
			}
			if isSensitiveKey(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redactValue(inner, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner, depth+1)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// matchPath matches a "/"-separated pattern against a path. "*" matches one
// segment; a trailing "**" matches any remainder.
func matchPath(pattern, path string) bool {
	ps := strings.Split(strings.Trim(pattern, "/"), "/")
	ts := strings.Split(strings.Trim(path, "/"), "/")

	for i, seg := range ps {
		if seg == "**" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if seg == "*" {
			continue
		}
		if seg != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
