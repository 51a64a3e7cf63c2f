// Package scanner detects secrets and quasi-PII in text and replaces them
// with content-free placeholders.
package scanner

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrScanFailed is returned when matching panicked. The caller receives the
// unscanned text alongside it.
var ErrScanFailed = errors.New("secret scan failed")

// Kind classifies a finding.
type Kind string

const (
	KindAPIKey          Kind = "api_key"
	KindToken           Kind = "token"
	KindPassword        Kind = "password"
	KindPrivateKey      Kind = "private_key"
	KindDBCredentialURL Kind = "db_credential_url"
	KindEmail           Kind = "email"
	KindPhone           Kind = "phone"
	KindIP              Kind = "ip"
	KindOther           Kind = "other"
)

// Placeholder returns the redaction token for k, e.g. [REDACTED_API_KEY].
func (k Kind) Placeholder() string {
	return "[REDACTED_" + strings.ToUpper(string(k)) + "]"
}

const placeholderMarker = "[REDACTED_"

// maxPasses bounds the fixpoint loop in ScanAndRedact.
const maxPasses = 8

// Finding is one redacted span. Start and End are byte offsets into the text
// seen by pass Pass; pass 0 sees the input itself.
type Finding struct {
	Kind        Kind   `json:"kind"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Pass        int    `json:"pass"`
	Replacement string `json:"replacement"`
}

// Rule is a single ordered matcher. When the regex has a group named
// "secret" only that group is replaced; otherwise the whole match is.
type Rule struct {
	Name  string
	Kind  Kind
	Regex *regexp.Regexp
	// Classify overrides Kind from the match, used by key=value rules.
	Classify func(match []string, names []string) Kind
}

// Scanner applies rules in order. It is safe for concurrent use.
type Scanner struct {
	rules      []Rule
	aggressive []Rule
}

// New returns a scanner with the default rule set.
func New() *Scanner {
	return &Scanner{
		rules:      defaultRules(),
		aggressive: aggressiveRules(),
	}
}

// NewWithRules builds a scanner from explicit rule lists.
func NewWithRules(rules, aggressive []Rule) *Scanner {
	return &Scanner{rules: rules, aggressive: aggressive}
}

var defaultScanner = New()

// ScanAndRedact runs the default scanner.
func ScanAndRedact(text string, aggressive bool) (string, []Finding, error) {
	return defaultScanner.ScanAndRedact(text, aggressive)
}

// ScanAndRedact replaces every detected secret in text. Rescanning the output
// finds nothing. On a panic inside matching it returns text unchanged together
// with ErrScanFailed.
func (s *Scanner) ScanAndRedact(text string, aggressive bool) (out string, findings []Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, findings, err = text, nil, fmt.Errorf("%w: %v", ErrScanFailed, r)
		}
	}()

	rules := s.rules
	if aggressive {
		rules = append(append([]Rule(nil), s.rules...), s.aggressive...)
	}

	out = text
	for pass := 0; pass < maxPasses; pass++ {
		next, found := redactPass(out, rules)
		if len(found) == 0 {
			return out, findings, nil
		}
		for i := range found {
			found[i].Pass = pass
		}
		findings = append(findings, found...)
		out = next
	}
	return out, findings, nil
}

type span struct {
	start, end int
	kind       Kind
}

func redactPass(text string, rules []Rule) (string, []Finding) {
	var claimed []span

	for _, rule := range rules {
		secretIdx := rule.Regex.SubexpIndex("secret")
		names := rule.Regex.SubexpNames()

		for _, loc := range rule.Regex.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if secretIdx > 0 {
				if loc[2*secretIdx] < 0 {
					continue
				}
				start, end = loc[2*secretIdx], loc[2*secretIdx+1]
			}
			if start == end {
				continue
			}
			// A value that already holds a placeholder was redacted by an
			// earlier pass or rule.
			if secretIdx > 0 && strings.Contains(text[start:end], placeholderMarker) {
				continue
			}
			if overlaps(claimed, start, end) {
				continue
			}

			kind := rule.Kind
			if rule.Classify != nil {
				kind = rule.Classify(submatches(text, loc), names)
			}
			claimed = append(claimed, span{start: start, end: end, kind: kind})
		}
	}

	if len(claimed) == 0 {
		return text, nil
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].start < claimed[j].start })

	var b strings.Builder
	b.Grow(len(text))
	findings := make([]Finding, 0, len(claimed))
	last := 0
	for _, c := range claimed {
		b.WriteString(text[last:c.start])
		repl := c.kind.Placeholder()
		b.WriteString(repl)
		last = c.end
		findings = append(findings, Finding{Kind: c.kind, Start: c.start, End: c.end, Replacement: repl})
	}
	b.WriteString(text[last:])

	return b.String(), findings
}

func overlaps(claimed []span, start, end int) bool {
	for _, c := range claimed {
		if start < c.end && c.start < end {
			return true
		}
	}
	return false
}

func submatches(text string, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = text[loc[2*i]:loc[2*i+1]]
		}
	}
	return out
}

// Counts tallies findings by kind.
func Counts(findings []Finding) map[Kind]int {
	counts := make(map[Kind]int)
	for _, f := range findings {
		counts[f.Kind]++
	}
	return counts
}
