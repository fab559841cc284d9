package tools

import (
	"encoding/json"
	"strings"
)

// Invocation is one tool call requested by the oracle.
type Invocation struct {
	Name string         `json:"name"`
	Args map[string]any `json:"arguments,omitempty"`
}

// Signature fingerprints name and arguments. encoding/json sorts map keys,
// so equal arguments always produce equal signatures.
func (i Invocation) Signature() string {
	args := i.Args
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return i.Name + ":<unencodable>"
	}
	return i.Name + ":" + string(b)
}

// ArgString returns a string argument or "".
func (i Invocation) ArgString(key string) string {
	v, _ := i.Args[key].(string)
	return strings.TrimSpace(v)
}

// Dedup drops exact repeats within one batch, keeping first occurrences.
func Dedup(batch []Invocation) (kept []Invocation, dropped int) {
	seen := make(map[string]struct{}, len(batch))
	for _, inv := range batch {
		sig := inv.Signature()
		if _, dup := seen[sig]; dup {
			dropped++
			continue
		}
		seen[sig] = struct{}{}
		kept = append(kept, inv)
	}
	return kept, dropped
}
