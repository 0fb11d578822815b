package security

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	secretKeyExpr        = `(?:password|passwd|secret|api[_-]?key|x-api-key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&]+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	vendorKeyPattern     = regexp.MustCompile(`\b(?:sk-(?:ant-)?|AIza)[A-Za-z0-9_-]{8,}`)
	secretQueryParams    = map[string]bool{"key": true, "api_key": true, "apikey": true, "token": true, "access_token": true}
)

// RedactText removes credentials from free text such as backend error
// messages before they are logged or shown.
func RedactText(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + "[REDACTED]"
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = vendorKeyPattern.ReplaceAllString(out, "[REDACTED]")
	return out
}

// MaskSecret keeps a short prefix and the last four characters of a key so
// rows stay distinguishable without exposing the credential.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	n := utf8.RuneCountInString(secret)
	if n == 0 {
		return ""
	}
	if n <= 8 {
		return strings.Repeat("*", n)
	}
	runes := []rune(secret)
	prefix := 3
	if strings.HasPrefix(secret, "sk-ant-") {
		prefix = 7
	}
	if prefix > n-4 {
		prefix = n - 4
	}
	return string(runes[:prefix]) + "..." + string(runes[n-4:])
}

// RedactURL strips userinfo and credential query parameters from an endpoint
// URL. Unparseable input is passed through RedactText instead.
func RedactURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return RedactText(raw)
	}
	if u.User != nil {
		u.User = url.User("[REDACTED]")
	}
	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for k := range q {
			if secretQueryParams[strings.ToLower(k)] {
				q.Set(k, "REDACTED")
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}
