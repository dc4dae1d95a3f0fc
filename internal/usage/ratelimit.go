package usage

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Rate limit classifications parsed from upstream 429 responses.
const (
	LimitTokensPerMinute   = "tokens_per_minute"
	LimitRequestsPerMinute = "requests_per_minute"
	LimitTokensPerDay      = "tokens_per_day"
	LimitUnknown           = "unknown"
)

// RateLimitInfo is what could be learned from one 429 response.
type RateLimitInfo struct {
	LimitType  string
	Message    string
	RetryUntil *time.Time
}

type upstreamErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseRateLimit classifies a 429 response body and derives the earliest
// retry time from the Retry-After or reset headers.
func ParseRateLimit(body []byte, headers http.Header, now time.Time) RateLimitInfo {
	info := RateLimitInfo{LimitType: LimitUnknown}

	var parsed upstreamErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		info.Message = parsed.Error.Message
		msg := strings.ToLower(parsed.Error.Message)
		switch {
		case strings.Contains(msg, "tokens per day"):
			info.LimitType = LimitTokensPerDay
		case strings.Contains(msg, "tokens per minute"):
			info.LimitType = LimitTokensPerMinute
		case strings.Contains(msg, "requests per minute"):
			info.LimitType = LimitRequestsPerMinute
		}
	}

	if retryUntil := parseRetryUntil(headers, now); retryUntil != nil {
		info.RetryUntil = retryUntil
	}
	return info
}

// parseRetryUntil reads Retry-After (seconds or HTTP date) and falls back to
// the anthropic reset headers (unix seconds).
func parseRetryUntil(headers http.Header, now time.Time) *time.Time {
	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			t := now.Add(time.Duration(secs) * time.Second)
			return &t
		}
		if t, err := http.ParseTime(v); err == nil {
			return &t
		}
	}

	for _, name := range []string{
		"anthropic-ratelimit-unified-reset",
		"anthropic-ratelimit-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		v := headers.Get(name)
		if v == "" {
			continue
		}
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(unix, 0)
			return &t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return &t
		}
	}
	return nil
}
