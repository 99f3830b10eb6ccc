// Package logging provides log redaction for credentials and secrets.
package logging

import (
	"log/slog"
	"strings"
)

// Redacted replaces sensitive attribute values in log output.
const Redacted = "[REDACTED]"

// sensitiveKeys lists attribute names whose values must never reach logs.
// Matching is case-insensitive and includes substring hits, so "db_password"
// and "kafka_sasl_password" both redact.
var sensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
	"private_key",
	"dsn",
	"sasl",
}

// IsSensitiveKey reports whether an attribute name refers to a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactAttr is a slog.HandlerOptions ReplaceAttr function that masks
// sensitive attribute values. Group paths are ignored; the leaf key decides.
func RedactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if IsSensitiveKey(a.Key) {
		a.Value = slog.StringValue(Redacted)
	}
	return a
}

// MaskTail keeps the first n characters of a secret for correlation in
// debug output and masks the rest. Short values are fully masked.
func MaskTail(s string, n int) string {
	if s == "" {
		return ""
	}
	if len(s) <= n*2 {
		return Redacted
	}
	return s[:n] + "****"
}
