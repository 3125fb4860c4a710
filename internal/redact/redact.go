// Package redact scrubs credentials from strings that end up in logs.
package redact

import (
	"net/url"
	"regexp"
)

// secretParamPattern matches credential-like query parameters, raw or
// percent-encoded. A value ends at '&' or its escape %26.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api_?key|access_token|token|secret|password|passwd|sig|signature)(?:=|%3D))(?:[^&\s"%]|%(?:[013-9a-f][0-9a-f]|2[0-57-9a-f]))*`)

// String redacts secret query parameter values in s.
func String(s string) string {
	return secretParamPattern.ReplaceAllString(s, "${1}[REDACTED]")
}

// Error returns err's message with secrets redacted.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// URL renders u without its password or secret query values.
func URL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return String(u.Redacted())
}
