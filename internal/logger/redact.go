package logger

import (
	"bytes"
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts the salt master secret, Redis credentials, CrowdSec LAPI keys,
// API keys and Bearer tokens from log lines.
type RedactWriter struct {
	w        io.Writer
	rules    []rule
	literals [][]byte
}

type rule struct {
	re   *regexp.Regexp
	repl []byte
}

// keyed masks everything after a key prefix captured as group 1.
func keyed(expr string) rule {
	return rule{re: regexp.MustCompile(expr), repl: []byte("${1}" + redacted)}
}

var defaultRules = []rule{
	// Master secret used to derive daily salts
	keyed(`(?i)(master[_-]?secret["'\s:=]+)[^\s",}]+`),
	// Passwords in key=value or "key":"value" form
	keyed(`(?i)(redis_password["'\s:=]+)[^\s",}]+`),
	keyed(`(?i)(password["'\s:=]+)[^\s",}]+`),
	// Credentials embedded in redis:// URLs
	{re: regexp.MustCompile(`(?i)(rediss?://[^:/@\s]*:)[^@\s]+(@)`), repl: []byte("${1}" + redacted + "${2}")},
	// API keys: long alphanumeric strings after "key", "apikey", "api_key"
	keyed(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_]{16,}`),
	// Bearer tokens in Authorization headers
	keyed(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// CrowdSec LAPI key patterns
	keyed(`(?i)(lapi[_-]?key["'\s:=]+)[^\s",}]+`),
	keyed(`(?i)(bouncer[_-]?api[_-]?key["'\s:=]+)[^\s",}]+`),
	// X-Api-Key header
	keyed(`(?i)(X-Api-Key["'\s:=]+)[^\s",}]+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive
// patterns and additionally masks every non-empty literal in secrets.
func NewRedactWriter(w io.Writer, secrets ...string) *RedactWriter {
	rw := &RedactWriter{w: w, rules: defaultRules}
	for _, s := range secrets {
		// Very short values would mask unrelated text.
		if len(s) >= 6 {
			rw.literals = append(rw.literals, []byte(s))
		}
	}
	return rw
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, lit := range r.literals {
		sanitized = bytes.ReplaceAll(sanitized, lit, []byte(redacted))
	}
	for _, ru := range r.rules {
		sanitized = ru.re.ReplaceAll(sanitized, ru.repl)
	}
	n, err := r.w.Write(sanitized)
	// Return original length so callers don't get short-write errors
	// even if redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}
