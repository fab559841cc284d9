package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/telemetry"
	"github.com/basket/go-foreman/internal/tools"
)

type scriptedModel struct {
	replies []string
	err     error
	prompts []string
}

func (m *scriptedModel) generate(_ context.Context, _ string, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	if len(m.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	return r, nil
}

func newTestOracle(t *testing.T, m *scriptedModel) *GenkitOracle {
	t.Helper()
	o, err := newGenkitOracle("test-model", m.generate, config.OracleConfig{}, telemetry.Discard())
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	return o
}

func testAction() persistence.Action {
	return persistence.Action{
		ID:          "a1",
		Description: "Find the release date of Go 1.26",
		Payload:     map[string]any{persistence.PayloadChannel: "telegram"},
	}
}

func TestGenkitOracle_DecideParsesFencedJSON(t *testing.T) {
	m := &scriptedModel{replies: []string{"Sure.\n```json\n" +
		`{"tools":[{"name":"web_search","arguments":{"q":"go 1.26 release"}},{"name":" "}],"verification":{"goalsMet":false,"reasoning":"need data"}}` +
		"\n```"}}
	o := newTestOracle(t, m)

	d, err := o.Decide(context.Background(), testAction(), StepContext{
		Step: 2, MaxSteps: 12,
		History: []string{"step 1: nothing"},
		Tools:   []tools.Spec{{Name: "web_search", Description: "search the web"}},
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if len(d.Tools) != 1 || d.Tools[0].Name != "web_search" || d.Tools[0].ArgString("q") != "go 1.26 release" {
		t.Fatalf("unexpected tools %+v", d.Tools)
	}
	if d.Verification.GoalsMet {
		t.Fatal("goalsMet should be false")
	}
	prompt := m.prompts[0]
	for _, want := range []string{"Find the release date", "Step 2 of 12", "web_search: search the web", "step 1: nothing", "telegram"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestGenkitOracle_DecideRejectsInvalidOutput(t *testing.T) {
	tests := []string{
		"I think we are done here.",
		`{"tools":"web_search"}`,
		`{"tools":[],"verification":{"goalsMet":"yes"}}`,
	}
	for _, reply := range tests {
		o := newTestOracle(t, &scriptedModel{replies: []string{reply}})
		_, err := o.Decide(context.Background(), testAction(), StepContext{Step: 1})
		if !errors.Is(err, ErrInvalidDecision) {
			t.Errorf("reply %q: expected ErrInvalidDecision, got %v", reply, err)
		}
	}
}

func TestGenkitOracle_ClassifyFallsBackToHeuristic(t *testing.T) {
	o := newTestOracle(t, &scriptedModel{replies: []string{`{"tier":"deep"}`}})
	tier, err := o.Classify(context.Background(), testAction())
	if err != nil || tier != TierDeep {
		t.Fatalf("expected deep, got %s err=%v", tier, err)
	}

	o = newTestOracle(t, &scriptedModel{err: errors.New("quota exceeded")})
	tier, err = o.Classify(context.Background(), persistence.Action{Description: "hi"})
	if err == nil || tier != TierTrivial {
		t.Fatalf("expected heuristic trivial with error, got %s err=%v", tier, err)
	}
}

func TestGenkitOracle_Review(t *testing.T) {
	o := newTestOracle(t, &scriptedModel{replies: []string{`{"verdict":"continue","reasoning":"one more step to deliver"}`}})
	ans, err := o.Review(context.Background(), ReviewQuery{ActionID: "a1", Reason: "step_exhausted"})
	if err != nil || !ans.Continue {
		t.Fatalf("expected continue, got %+v err=%v", ans, err)
	}

	o = newTestOracle(t, &scriptedModel{replies: []string{`{"verdict":"maybe"}`}})
	if _, err := o.Review(context.Background(), ReviewQuery{}); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision, got %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`prefix {"a":"b}"} suffix`, `{"a":"b}"}`},
		{"```json\n{\"x\":1}\n```", `{"x":1}`},
		{`{broken {"ok":true}`, `{"ok":true}`},
		{"no json here", ""},
	}
	for _, tc := range tests {
		if got := extractJSON(tc.in); got != tc.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestOffline(t *testing.T) {
	var o Oracle = Offline{}
	d, err := o.Decide(context.Background(), testAction(), StepContext{Step: 1})
	if err != nil || len(d.Tools) != 1 || !d.Verification.GoalsMet {
		t.Fatalf("unexpected offline decision %+v err=%v", d, err)
	}
	d, _ = o.Decide(context.Background(), persistence.Action{Description: "heartbeat"}, StepContext{Step: 1})
	if len(d.Tools) != 0 || !d.Verification.GoalsMet {
		t.Fatalf("autonomy actions should finish silently, got %+v", d)
	}
}
