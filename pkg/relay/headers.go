package relay

import (
	"net/http"
	"strings"
)

// RedactedValue replaces sensitive header values before storage.
const RedactedValue = "[REDACTED]"

// DefaultSensitiveHeaders are masked during capture unless overridden
// by configuration.
var DefaultSensitiveHeaders = []string{
	"authorization",
	"proxy-authorization",
	"x-api-key",
	"api-key",
	"cookie",
}

// RedactHeaders flattens request headers into a storable map, masking
// the configured sensitive names. Multi-valued headers are joined with
// ", " the way they appear on the wire.
func RedactHeaders(h http.Header, sensitive []string) map[string]string {
	if h == nil {
		return nil
	}
	mask := make(map[string]struct{}, len(sensitive))
	for _, name := range sensitive {
		mask[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}

	out := make(map[string]string, len(h))
	for key, values := range h {
		if _, hit := mask[strings.ToLower(key)]; hit {
			out[key] = RedactedValue
			continue
		}
		out[key] = strings.Join(values, ", ")
	}
	return out
}
