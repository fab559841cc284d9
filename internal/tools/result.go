package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags which variant a Result holds.
type Kind int

const (
	KindSuccess Kind = iota
	KindError
)

func (k Kind) String() string {
	if k == KindError {
		return "error"
	}
	return "success"
}

// Result is the outcome of one tool call, fixed at the executor boundary.
// Callers switch on Kind and never inspect Value to decide success.
type Result struct {
	Kind    Kind
	Value   any
	Message string
}

func Success(value any) Result {
	return Result{Kind: KindSuccess, Value: value}
}

func Failure(format string, args ...any) Result {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return Result{Kind: KindError, Message: msg}
}

func (r Result) OK() bool { return r.Kind == KindSuccess }

// Text renders the result for the oracle context and the trace store.
func (r Result) Text() string {
	if !r.OK() {
		return "error: " + r.Message
	}
	switch v := r.Value.(type) {
	case nil:
		return "ok"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// errorPrefixes are matched against the start of plain-text results only.
var errorPrefixes = []string{"error:", "error -", "failed:", "failure:", "exception:", "traceback"}

// Normalize converts a raw handler return into a Result. A structured
// success or error field wins; plain strings fall back to prefix matching.
func Normalize(value any, err error) Result {
	if err != nil {
		return Failure("%s", err.Error())
	}
	switch v := value.(type) {
	case Result:
		return v
	case nil:
		return Success(nil)
	case string:
		return normalizeText(v)
	case []byte:
		return normalizeText(string(v))
	case map[string]any:
		return normalizeStructured(v, value)
	}

	// Other shapes are inspected through their JSON form.
	b, mErr := json.Marshal(value)
	if mErr != nil {
		return Success(value)
	}
	var fields map[string]any
	if json.Unmarshal(b, &fields) != nil {
		return Success(value)
	}
	return normalizeStructured(fields, value)
}

func normalizeStructured(fields map[string]any, original any) Result {
	errText, _ := fields["error"].(string)
	if ok, present := fields["success"].(bool); present {
		if ok {
			return Success(original)
		}
		if errText == "" {
			errText = "tool reported failure"
		}
		return Failure("%s", errText)
	}
	if strings.TrimSpace(errText) != "" {
		return Failure("%s", errText)
	}
	return Success(original)
}

func normalizeText(s string) Result {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, p := range errorPrefixes {
		if strings.HasPrefix(lower, p) {
			return Failure("%s", strings.TrimSpace(s))
		}
	}
	return Success(s)
}
