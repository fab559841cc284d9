package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// FitNewest keeps the newest entries whose combined estimate stays within
// budget, in their original order. The newest entry is always kept.
func FitNewest(entries []string, budget int) []string {
	if len(entries) == 0 {
		return nil
	}
	used := 0
	start := len(entries)
	for i := len(entries) - 1; i >= 0; i-- {
		cost := EstimateTokens(entries[i])
		if start < len(entries) && used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	return entries[start:]
}

// Truncate cuts s to roughly maxTokens, marking the cut.
func Truncate(s string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokens(s) <= maxTokens {
		return s
	}
	limit := maxTokens * 4
	if limit >= len(s) {
		return s
	}
	// Back up to a rune boundary.
	for limit > 0 && !isRuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + " …[truncated]"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
