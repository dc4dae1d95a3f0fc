package proxy

import (
	"encoding/json"
	"net/http"
	"strings"
)

// sensitiveHeaders never reach storage or the upstream in their client-sent
// form.
var sensitiveHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"X-Api-Key",
	"Cookie",
	"Set-Cookie",
}

// sanitizeForward strips client auth and hop metadata before the upstream
// credential is applied.
func sanitizeForward(h http.Header) {
	for _, name := range sensitiveHeaders {
		h.Del(name)
	}
	h.Del("X-Forwarded-For")
	h.Del("X-Real-Ip")
	h.Del("Accept-Encoding")
}

// storedHeaders serializes headers for persistence with secrets redacted.
func storedHeaders(h http.Header) json.RawMessage {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if isSensitiveHeader(name) {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return data
}

func isSensitiveHeader(name string) bool {
	for _, s := range sensitiveHeaders {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}
