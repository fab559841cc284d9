package oracle

import (
	"strings"
)

var trivialOpeners = []string{"hi", "hello", "hey", "thanks", "thank you", "ok", "okay", "ping", "good morning", "good night"}

var deepKeywords = []string{
	"research", "compare", "comparison", "analyze", "analyse", "investigate", "report",
	"plan", "summarize", "summarise", "find all", "review", "audit", "deep dive", "step by step",
	"itinerary", "benchmark", "evaluate",
}

// HeuristicTier classifies by length and keywords. It backs Classify when
// the model call fails.
func HeuristicTier(description string) Tier {
	lower := strings.ToLower(strings.TrimSpace(description))
	words := len(strings.Fields(lower))
	if words == 0 {
		return TierTrivial
	}
	for _, k := range deepKeywords {
		if strings.Contains(lower, k) {
			return TierDeep
		}
	}
	if words >= 60 {
		return TierDeep
	}
	if words <= 6 {
		for _, o := range trivialOpeners {
			if lower == o || strings.HasPrefix(lower, o+" ") || strings.HasPrefix(lower, o+"!") || strings.HasPrefix(lower, o+",") {
				return TierTrivial
			}
		}
		if words <= 2 {
			return TierTrivial
		}
	}
	return TierStandard
}
