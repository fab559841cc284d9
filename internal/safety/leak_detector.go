package safety

import (
	"regexp"
)

// LeakWarning describes a secret found in outbound text.
type LeakWarning struct {
	Pattern string
	Sample  string // truncated match, safe to log
}

// LeakDetector scans outbound messages for secrets before they leave the
// process.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`),
		desc: "Telegram bot token",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan reports leaked secrets without modifying the input.
func (d *LeakDetector) Scan(output string) []LeakWarning {
	if output == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(output, 3) {
			sample := match
			if len(sample) > 20 {
				sample = sample[:6] + "..."
			}
			warnings = append(warnings, LeakWarning{
				Pattern: pat.desc,
				Sample:  sample,
			})
		}
	}
	return warnings
}

// Scrub replaces every detected secret with a placeholder and returns the
// cleaned text alongside the warnings.
func (d *LeakDetector) Scrub(output string) (string, []LeakWarning) {
	warnings := d.Scan(output)
	if len(warnings) == 0 {
		return output, nil
	}
	for _, pat := range leakPatterns {
		output = pat.re.ReplaceAllString(output, "[REDACTED "+pat.desc+"]")
	}
	return output, warnings
}
