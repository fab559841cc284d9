package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Verdict is the recommended response to inbound text.
type Verdict int

const (
	VerdictAllow Verdict = iota
	// VerdictWarn flags suspicious input that may still be queued.
	VerdictWarn
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictWarn:
		return "warn"
	case VerdictBlock:
		return "block"
	default:
		return "allow"
	}
}

// CheckResult is the outcome of a sanitizer check.
type CheckResult struct {
	Verdict Verdict
	Reason  string
	Pattern string // which pattern matched (for logging)
}

// Sanitizer screens producer text for prompt injection before it becomes
// an action description the oracle will read.
type Sanitizer struct {
	extra []injectionPattern
}

func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Block adds a caller-supplied pattern that rejects matching input.
func (s *Sanitizer) Block(expr, reason string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("compile sanitizer pattern: %w", err)
	}
	s.extra = append(s.extra, injectionPattern{re: re, verdict: VerdictBlock, reason: reason})
	return nil
}

type injectionPattern struct {
	re      *regexp.Regexp
	verdict Verdict
	reason  string
}

var injectionPatterns = []injectionPattern{
	// Role manipulation attempts.
	{
		re:      regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		verdict: VerdictBlock,
		reason:  "role manipulation: ignore previous instructions",
	},
	{
		re:      regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		verdict: VerdictBlock,
		reason:  "role manipulation: identity override",
	},
	{
		re:      regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		verdict: VerdictBlock,
		reason:  "role manipulation: system prompt override",
	},
	{
		re:      regexp.MustCompile(`(?i)\b(forget\s+(everything|all|your)\s+(you|instructions?)?)`),
		verdict: VerdictBlock,
		reason:  "role manipulation: memory wipe",
	},
	// Prompt leaking attempts.
	{
		re:      regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`),
		verdict: VerdictBlock,
		reason:  "prompt leaking: system prompt extraction",
	},
	{
		re:      regexp.MustCompile(`(?i)\b(what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?))\b`),
		verdict: VerdictBlock,
		reason:  "prompt leaking: system prompt query",
	},
	// Injection markers (suspicious but not definitively malicious).
	{
		re:      regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		verdict: VerdictWarn,
		reason:  "injection marker: [SYSTEM] tag",
	},
	{
		re:      regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		verdict: VerdictWarn,
		reason:  "injection marker: chat template tag",
	},
	// Base64 encoded variants of "ignore" patterns.
	{
		re:      regexp.MustCompile(`(?i)(aWdub3Jl|SWdub3Jl)`), // base64 of "ignore"/"Ignore"
		verdict: VerdictWarn,
		reason:  "potential encoded injection",
	},
}

// Check returns the first matching pattern's verdict. Block patterns are
// listed before warn patterns.
func (s *Sanitizer) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Verdict: VerdictAllow}
	}

	for _, pat := range append(s.extra[:len(s.extra):len(s.extra)], injectionPatterns...) {
		if pat.re.MatchString(input) {
			return CheckResult{
				Verdict: pat.verdict,
				Reason:  pat.reason,
				Pattern: pat.re.String(),
			}
		}
	}

	return CheckResult{Verdict: VerdictAllow}
}

// MustAllow returns an error when the verdict is block.
func (r CheckResult) MustAllow() error {
	if r.Verdict == VerdictBlock {
		return fmt.Errorf("prompt injection detected: %s", r.Reason)
	}
	return nil
}
