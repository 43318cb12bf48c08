package observability

import (
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// sanitizeString drops control characters and truncates to limit runes so
// client-controlled values cannot forge log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute cleans a route or path for logs and span names.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod cleans an HTTP method.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID truncates identifiers before they reach logs.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}

// MaskReference keeps the provider prefix and last four characters of a payment reference.
func MaskReference(ref string) string {
	ref = sanitizeString(ref, 80)
	if len(ref) <= 8 {
		return strings.Repeat("*", len(ref))
	}
	return ref[:3] + strings.Repeat("*", len(ref)-7) + ref[len(ref)-4:]
}
