// Package dlp provides data-loss-prevention scanning: PII redaction on
// ingress text and secret detection on egress text. Both operations are pure
// functions over bounded strings.
package dlp

import (
	"math"
	"regexp"
	"strings"
)

// PII redaction replacements.
const (
	RedactedEmail = "[REDACTED_EMAIL]"
	RedactedIP    = "[REDACTED_IP]"
	RedactedPCI   = "[REDACTED_PCI]"
)

// AllowlistMarker suppresses secret findings on the same line.
const AllowlistMarker = "allowlist secret"

// PIIFinding records one redacted region of the input text.
type PIIFinding struct {
	Kind   string `json:"kind"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// SecretFinding records one detected secret in egress content.
type SecretFinding struct {
	Kind   string `json:"kind"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// SecretPattern is an operator-supplied detection rule.
type SecretPattern struct {
	Kind    string `yaml:"kind" json:"kind"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

type piiRule struct {
	kind        string
	re          *regexp.Regexp
	replacement string
	validate    func(match string) bool
}

type secretRule struct {
	kind     string
	re       *regexp.Regexp
	validate func(match string) bool
}

// Scanner applies the PII and secret rule sets. Construct once, share freely;
// Scanner is immutable after creation.
type Scanner struct {
	piiRules    []piiRule
	secretRules []secretRule
}

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`)
	ipv4Re  = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1?[0-9]?[0-9])\b`)
	// 13-16 digits, optionally separated by single spaces or dashes.
	pciRe = regexp.MustCompile(`\b[0-9](?:[ -]?[0-9]){12,15}\b`)

	nonDigitRe = regexp.MustCompile(`[^0-9]`)
)

var builtinSecretRules = []secretRule{
	{kind: "aws_access_key", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{kind: "github_token", re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{kind: "slack_token", re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{kind: "google_api_key", re: regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{kind: "openai_key", re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`)},
	{kind: "pem_private_key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{
		kind:     "high_entropy_token",
		re:       regexp.MustCompile(`\b[A-Za-z0-9+/=_-]{40,}\b`),
		validate: func(s string) bool { return shannonEntropy(s) >= 4.5 },
	},
}

// NewScanner builds a scanner with the built-in rule sets plus any
// operator-configured secret patterns. Invalid extra patterns are an error;
// the built-in set never fails.
func NewScanner(extra ...SecretPattern) (*Scanner, error) {
	s := &Scanner{
		piiRules: []piiRule{
			{kind: "EMAIL", re: emailRe, replacement: RedactedEmail},
			{kind: "IPV4", re: ipv4Re, replacement: RedactedIP},
			{kind: "PCI", re: pciRe, replacement: RedactedPCI, validate: validPAN},
		},
		secretRules: append([]secretRule(nil), builtinSecretRules...),
	}

	for _, p := range extra {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, err
		}
		s.secretRules = append(s.secretRules, secretRule{kind: p.Kind, re: re})
	}
	return s, nil
}

// RedactPII replaces detected PII with redaction tokens. Rules run in fixed
// order (email, IPv4, PAN); a region already redacted by an earlier rule is
// not rescanned, so overlaps resolve to the first match.
func (s *Scanner) RedactPII(text string) (string, []PIIFinding) {
	var findings []PIIFinding

	for _, rule := range s.piiRules {
		matches := rule.re.FindAllStringIndex(text, -1)
		if matches == nil {
			continue
		}
		var b strings.Builder
		b.Grow(len(text))
		prev := 0
		for _, m := range matches {
			start, end := m[0], m[1]
			match := text[start:end]
			if rule.validate != nil && !rule.validate(match) {
				continue
			}
			b.WriteString(text[prev:start])
			b.WriteString(rule.replacement)
			prev = end
			findings = append(findings, PIIFinding{Kind: rule.kind, Offset: start, Length: end - start})
		}
		b.WriteString(text[prev:])
		text = b.String()
	}
	return text, findings
}

// ScanSecrets reports secrets found in egress content. Findings on a line
// carrying the allowlist marker are suppressed.
func (s *Scanner) ScanSecrets(text string) []SecretFinding {
	var findings []SecretFinding
	for _, rule := range s.secretRules {
		for _, m := range rule.re.FindAllStringIndex(text, -1) {
			match := text[m[0]:m[1]]
			if rule.validate != nil && !rule.validate(match) {
				continue
			}
			if lineHasAllowlistMarker(text, m[0]) {
				continue
			}
			findings = append(findings, SecretFinding{Kind: rule.kind, Offset: m[0], Length: m[1] - m[0]})
		}
	}
	return findings
}

// HasSecrets is a convenience short-circuit for policy checks.
func (s *Scanner) HasSecrets(text string) bool {
	return len(s.ScanSecrets(text)) > 0
}

func lineHasAllowlistMarker(text string, offset int) bool {
	start := strings.LastIndexByte(text[:offset], '\n') + 1
	end := strings.IndexByte(text[offset:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += offset
	}
	return strings.Contains(text[start:end], AllowlistMarker)
}

// validPAN verifies a candidate primary account number: 13-16 digits after
// stripping separators, passing the Luhn checksum.
func validPAN(candidate string) bool {
	digits := nonDigitRe.ReplaceAllString(candidate, "")
	if len(digits) < 13 || len(digits) > 16 {
		return false
	}
	return luhnValid(digits)
}

func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	entropy := 0.0
	n := float64(len(s))
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
