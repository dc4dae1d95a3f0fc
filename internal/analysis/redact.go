package analysis

import "regexp"

// Transcripts leave the proxy boundary when they go to the analysis model, so
// obvious secrets and PII are masked first. Patterns err on the side of
// masking too much.
var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{8,}`), "[REDACTED_API_KEY]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`), "[REDACTED_API_KEY]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[REDACTED_AWS_KEY]"},
	{regexp.MustCompile(`\b(?:postgres|postgresql|mysql|redis|mongodb(?:\+srv)?)://[^\s"']+`), "[REDACTED_CONNECTION_STRING]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[REDACTED_NUMBER]"},
	{regexp.MustCompile(`\+?\d{1,3}[ -.]?\(?\d{2,4}\)?[ -.]?\d{3,4}[ -.]?\d{3,4}\b`), "[REDACTED_PHONE]"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "[REDACTED_IP]"},
}

// Redact masks credentials, contact details, and long digit runs in text.
func Redact(text string) string {
	for _, r := range redactions {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}

// RedactTranscript returns a copy of msgs with every message redacted.
func RedactTranscript(msgs []TranscriptMessage) []TranscriptMessage {
	out := make([]TranscriptMessage, len(msgs))
	for i, m := range msgs {
		out[i] = TranscriptMessage{Role: m.Role, Content: Redact(m.Content)}
	}
	return out
}
