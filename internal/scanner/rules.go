package scanner

import (
	"regexp"
	"strings"
)

// keyPrefix matches a secret-looking key and its separator, up to the value.
const keyPrefix = `(?i)\b(?P<key>[a-z0-9_.-]*(?:api[_-]?key|access[_-]?key|secret|token|passw(?:or)?d|pwd))["']?[ \t]*[:=][ \t]*`

// defaultRules run unconditionally. Order matters: earlier rules claim their
// byte ranges first, so full PEM blocks and credential URLs are handled before
// the generic key=value rule can cut into them, and quoted values before bare
// ones so a value with spaces is replaced whole.
func defaultRules() []Rule {
	return []Rule{
		{
			Name:  "pem_private_key",
			Kind:  KindPrivateKey,
			Regex: regexp.MustCompile(`-----BEGIN[A-Z0-9 ]* PRIVATE KEY-----[\s\S]*?-----END[A-Z0-9 ]* PRIVATE KEY-----`),
		},
		{
			// Truncated output can cut a key block before its END line.
			Name:  "pem_private_key_unterminated",
			Kind:  KindPrivateKey,
			Regex: regexp.MustCompile(`-----BEGIN[A-Z0-9 ]* PRIVATE KEY-----[\s\S]*`),
		},
		{
			Name:  "credential_url",
			Kind:  KindDBCredentialURL,
			// The password may itself contain '@'; the host starts after the last one.
			Regex: regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://(?P<secret>[^\s:/@]+:[^\s/]+)@`),
		},
		{
			Name:  "jwt",
			Kind:  KindToken,
			Regex: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`),
		},
		{
			Name:  "bearer",
			Kind:  KindToken,
			Regex: regexp.MustCompile(`(?i)\bbearer[ \t]+(?P<secret>[A-Za-z0-9\-._~+/]{8,}=*)`),
		},
		{
			Name:  "aws_access_key",
			Kind:  KindAPIKey,
			Regex: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		},
		{
			Name:  "github_token",
			Kind:  KindToken,
			Regex: regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{22,})`),
		},
		{
			Name:  "slack_token",
			Kind:  KindToken,
			Regex: regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`),
		},
		{
			Name:  "stripe_key",
			Kind:  KindAPIKey,
			Regex: regexp.MustCompile(`\b[rs]k_(?:live|test)_[A-Za-z0-9]{4,}`),
		},
		{
			Name:  "provider_sk_key",
			Kind:  KindAPIKey,
			Regex: regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_-]{20,}`),
		},
		{
			Name:  "google_api_key",
			Kind:  KindAPIKey,
			Regex: regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`),
		},
		{
			Name:     "key_value_double_quoted",
			Kind:     KindAPIKey,
			Regex:    regexp.MustCompile(keyPrefix + `"(?P<secret>[^"\n]+)"`),
			Classify: classifyKeyValue,
		},
		{
			Name:     "key_value_single_quoted",
			Kind:     KindAPIKey,
			Regex:    regexp.MustCompile(keyPrefix + `'(?P<secret>[^'\n]+)'`),
			Classify: classifyKeyValue,
		},
		{
			Name:     "key_value",
			Kind:     KindAPIKey,
			Regex:    regexp.MustCompile(keyPrefix + `["']?(?P<secret>[^\s"',;&]+)`),
			Classify: classifyKeyValue,
		},
	}
}

// aggressiveRules add quasi-PII on request.
func aggressiveRules() []Rule {
	return []Rule{
		{
			Name:  "email",
			Kind:  KindEmail,
			Regex: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		},
		{
			Name:  "ipv4",
			Kind:  KindIP,
			Regex: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`),
		},
		{
			Name:  "phone",
			Kind:  KindPhone,
			Regex: regexp.MustCompile(`(?:\+\d{1,3}[ .-]?)?(?:\(\d{3}\)|\b\d{3})[ .-]?\d{3}[ .-]\d{4}\b`),
		},
	}
}

func classifyKeyValue(match []string, names []string) Kind {
	var key string
	for i, n := range names {
		if n == "key" && i < len(match) {
			key = strings.ToLower(match[i])
		}
	}
	switch {
	case strings.Contains(key, "pass"), strings.Contains(key, "pwd"):
		return KindPassword
	case strings.Contains(key, "token"):
		return KindToken
	default:
		return KindAPIKey
	}
}
