package oracle

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// validator checks model output against one embedded JSON schema.
type validator struct {
	name   string
	schema *jsonschema.Schema
}

func newValidator(name string) (*validator, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &validator{name: name, schema: schema}, nil
}

// decode extracts the JSON object from text, validates it and unmarshals
// it into out. Failures wrap ErrInvalidDecision.
func (v *validator) decode(text string, out any) error {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return fmt.Errorf("%w: %s response contains no JSON", ErrInvalidDecision, v.name)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrInvalidDecision, err)
	}
	if err := v.schema.Validate(parsed); err != nil {
		return fmt.Errorf("%w: %s schema: %v", ErrInvalidDecision, v.name, err)
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidDecision, v.name, err)
	}
	return nil
}

// extractJSON finds a JSON object in a model reply: a fenced block first,
// then the first balanced object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isJSON(candidate) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := extractBalanced(text[i:]); candidate != "" && isJSON(candidate) {
			return candidate
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the object that starts at s[0], honouring
// strings and escapes.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
