package tools

import "strings"

// Classes tags tool names for the guardrails. A tool may carry several
// tags; anything not trivial counts as deep.
type Classes struct {
	research   map[string]struct{}
	trivial    map[string]struct{}
	message    map[string]struct{}
	sideEffect map[string]struct{}
}

func NewClasses(research, trivial, message, sideEffect []string) Classes {
	return Classes{
		research:   toSet(research),
		trivial:    toSet(trivial),
		message:    toSet(message),
		sideEffect: toSet(sideEffect),
	}
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

func has(set map[string]struct{}, name string) bool {
	_, ok := set[name]
	return ok
}

func (c Classes) IsResearch(name string) bool   { return has(c.research, name) }
func (c Classes) IsTrivial(name string) bool    { return has(c.trivial, name) }
func (c Classes) IsMessage(name string) bool    { return has(c.message, name) }
func (c Classes) IsSideEffect(name string) bool { return has(c.sideEffect, name) }

// IsDeep reports whether name does real work rather than bookkeeping.
func (c Classes) IsDeep(name string) bool {
	return !c.IsTrivial(name) && !c.IsMessage(name) && name != AwaitInputTool
}
