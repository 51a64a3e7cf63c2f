package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector flags snippets and output that test the sandbox walls. It is
// advisory: the policy and the guard decide what actually runs.
type EscapeDetector struct {
	patterns []DetectionPattern
	output   []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with the default code and output
// patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
		output:   outputPatterns(),
	}
}

// AnalyzeCode checks submitted code line by line before execution.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	dets := scanLines(d.patterns, code)
	for _, det := range dets {
		log.Warn().
			Str("pattern", det.Pattern).
			Str("severity", det.Severity).
			Int("line", det.Line).
			Msg("suspicious pattern in submitted code")
	}
	return dets
}

// AnalyzeOutput checks raw output for signs the snippet read something it
// should not have. Call it before redaction. Each pattern is reported once.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var dets []Detection
	for _, p := range d.output {
		if p.Regex.MatchString(output) {
			dets = append(dets, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
			})
		}
	}
	return dets
}

func scanLines(patterns []DetectionPattern, text string) []Detection {
	var dets []Detection
	for i, line := range strings.Split(text, "\n") {
		for _, p := range patterns {
			if p.Regex.MatchString(line) {
				dets = append(dets, Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})
			}
		}
	}
	return dets
}

func outputPatterns() []DetectionPattern {
	return []DetectionPattern{
		{"passwd_leak", "password database contents", regexp.MustCompile(`root:x?:0:0:`), SeverityCritical},
		{"private_key_leak", "PEM private key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), SeverityHigh},
		{"git_credentials", "stored git credentials", regexp.MustCompile(`https://[^\s:/]+:[^\s@]+@|\[credential\]`), SeverityHigh},
		{"cloud_credentials", "cloud credential file", regexp.MustCompile(`aws_secret_access_key|client-key-data:`), SeverityHigh},
		{"sandbox_marker", "sandbox internals in output", regexp.MustCompile(`CODEMODE_SANDBOX_CHILD`), SeverityMedium},
	}
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "dynamic_require",
			Description: "require with a computed module name",
			Regex:       regexp.MustCompile(`\brequire\s*\(\s*[^"'\s)]`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "chunk_loading",
			Description: "compiling code at runtime",
			Regex:       regexp.MustCompile(`\b(loadstring|load|dofile|loadfile)\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "environment_tampering",
			Description: "rewriting globals or function environments",
			Regex:       regexp.MustCompile(`\b(setfenv|getfenv|rawset\s*\(\s*_G)\b|_G\s*\[|getmetatable\s*\(\s*["']`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "bytecode_dump",
			Description: "dumping function bytecode",
			Regex:       regexp.MustCompile(`string\.dump`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "sensitive_path",
			Description: "referencing host secrets or process internals",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|sudoers)|/proc/self/|/\.ssh/|/\.aws/|\.docker/config\.json`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "path_traversal",
			Description: "climbing out of the working directory",
			Regex:       regexp.MustCompile(`(\.\./){3,}`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "remote_push",
			Description: "pushing to an explicit URL",
			Regex:       regexp.MustCompile(`\bpush\s*\(\s*["'](https?|ssh|git)://`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "cloud metadata service address",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "busy_loop",
			Description: "unbounded loop",
			Regex:       regexp.MustCompile(`\bwhile\s+true\s+do\b|\brepeat\b.*\buntil\s+false\b`),
			Severity:    SeverityLow,
		},
	}
}
