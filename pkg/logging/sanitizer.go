package logging

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const (
	// MaxBodyLogLength is the maximum length of a vendor response body to log.
	MaxBodyLogLength = 2000
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass|csrf_token)=[^;&\s]+`)

	// Bearer tokens, JWT or opaque
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)

	// JSON "password"/"access_token" members as sent to or returned by the vendor login
	jsonSecretPattern = regexp.MustCompile(`(?i)"(password|access_token|refresh_token)"\s*:\s*"[^"]*"`)

	// user:pass@host format
	credentialsInURLPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@`)
)

// sensitiveHeaders are replaced wholesale before headers are logged.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
	"x-csrftoken":         true,
}

// SanitizeError sanitizes error messages that might contain credentials.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeString removes passwords, bearer tokens, login JSON secrets and
// URL credentials from s.
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = jsonSecretPattern.ReplaceAllString(sanitized, `"${1}":"`+RedactedText+`"`)
	sanitized = credentialsInURLPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")

	return sanitized
}

// SanitizeURL strips user info from a URL, e.g. a proxy URL carrying
// credentials. Unparseable input goes through SanitizeString instead.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return SanitizeString(raw)
	}
	if u.User != nil {
		u.User = url.User(RedactedText)
	}
	return u.String()
}

// RedactHeaders returns a flat copy of h with credential-bearing headers
// replaced. The result is meant for private (server-side) logs only.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = RedactedText
			continue
		}
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
