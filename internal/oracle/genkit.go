package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/tokenutil"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

var ErrNoAPIKey = errors.New("oracle api key not configured")

// contextBudget caps the history handed to the model per step.
const contextBudget = 6000

// generateFunc sends one system+prompt pair to the model and returns the
// reply text.
type generateFunc func(ctx context.Context, system, prompt string) (string, error)

// GenkitOracle asks a Gemini model through Genkit for JSON decisions.
type GenkitOracle struct {
	model    string
	generate generateFunc
	limiter  *rate.Limiter
	timeout  time.Duration

	decision *validator
	classify *validator
	review   *validator

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
}

// NewGenkit initialises Genkit with the Google AI plugin.
func NewGenkit(ctx context.Context, cfg config.OracleConfig, logger *slog.Logger) (*GenkitOracle, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	modelName := "googleai/" + model

	// The plugin reads the key from the environment.
	_ = os.Setenv("GEMINI_API_KEY", apiKey)
	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel(modelName),
	)
	gen := func(ctx context.Context, system, prompt string) (string, error) {
		resp, err := genkit.Generate(ctx, g,
			ai.WithModelName(modelName),
			// Escape % so Genkit's formatting leaves the text intact.
			ai.WithSystem(strings.ReplaceAll(system, "%", "%%")),
			ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
		)
		if err != nil {
			return "", fmt.Errorf("genkit generate: %w", err)
		}
		return resp.Text(), nil
	}
	o, err := newGenkitOracle(model, gen, cfg, logger)
	if err != nil {
		return nil, err
	}
	o.logger.Info("genkit oracle initialized", "model", modelName)
	return o, nil
}

func newGenkitOracle(model string, gen generateFunc, cfg config.OracleConfig, logger *slog.Logger) (*GenkitOracle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &GenkitOracle{
		model:    model,
		generate: gen,
		timeout:  cfg.Timeout(),
		logger:   logger.With("component", "oracle"),
		tracer:   nooptrace.NewTracerProvider().Tracer(otel.ScopeName),
		metrics:  otel.NoopMetrics(),
	}
	if cfg.RequestsPerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	var err error
	if o.decision, err = newValidator("decision"); err != nil {
		return nil, err
	}
	if o.classify, err = newValidator("classify"); err != nil {
		return nil, err
	}
	if o.review, err = newValidator("review"); err != nil {
		return nil, err
	}
	return o, nil
}

// Instrument attaches a tracer and metrics.
func (o *GenkitOracle) Instrument(tracer trace.Tracer, metrics *otel.Metrics) {
	if tracer != nil {
		o.tracer = tracer
	}
	if metrics != nil {
		o.metrics = metrics
	}
}

func (o *GenkitOracle) call(ctx context.Context, kind, system, prompt string) (string, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("oracle rate limit wait: %w", err)
		}
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	ctx, span := otel.StartClientSpan(ctx, o.tracer, "oracle."+kind, otel.AttrModel.String(o.model))
	defer span.End()

	start := time.Now()
	text, err := o.generate(ctx, system, prompt)
	o.metrics.OracleDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("kind", kind), attribute.Bool("ok", err == nil)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

const decideSystem = `You plan one step of an autonomous task. Reply with a single JSON object:
{"tools":[{"name":"<tool>","arguments":{...}}],"verification":{"goalsMet":<bool>,"reasoning":"<why>"},"reasoning":"<optional>"}
Rules: call only listed tools. Set goalsMet true only when the user has received the result.
If tools is empty, goalsMet must be true. Never repeat a call that already failed or was blocked.`

func (o *GenkitOracle) Decide(ctx context.Context, action persistence.Action, sc StepContext) (Decision, error) {
	text, err := o.call(ctx, "decide", decideSystem, decidePrompt(action, sc))
	if err != nil {
		return Decision{}, err
	}
	var d Decision
	if err := o.decision.decode(text, &d); err != nil {
		o.logger.Warn("oracle decision rejected", "action_id", action.ID, "step", sc.Step, "error", err)
		return Decision{}, err
	}
	return d.Clean(), nil
}

func decidePrompt(action persistence.Action, sc StepContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", action.Description)
	fmt.Fprintf(&b, "Step %d of %d.\n", sc.Step, sc.MaxSteps)
	if ch := action.PayloadString(persistence.PayloadChannel); ch != "" {
		fmt.Fprintf(&b, "Requested via %s; reply with send_message.\n", ch)
	}
	if len(sc.Tools) > 0 {
		b.WriteString("Tools:\n")
		for _, t := range sc.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}
	writeList(&b, "User replies", sc.Inputs)
	writeList(&b, "Notes", sc.Notes)
	writeList(&b, "Previous steps", tokenutil.FitNewest(sc.History, contextBudget))
	writeList(&b, "Corrections", sc.Corrections)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString(title + ":\n")
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
}

const classifySystem = `Classify how much work a task needs. Reply with JSON {"tier":"trivial|standard|deep","reasoning":"..."}.
trivial: greetings or one-line answers. deep: research, comparisons, multi-source reports.`

// Classify asks the model for a tier and falls back to HeuristicTier.
func (o *GenkitOracle) Classify(ctx context.Context, action persistence.Action) (Tier, error) {
	text, err := o.call(ctx, "classify", classifySystem, "Task: "+action.Description)
	if err != nil {
		return HeuristicTier(action.Description), err
	}
	var out struct {
		Tier string `json:"tier"`
	}
	if err := o.classify.decode(text, &out); err != nil {
		return HeuristicTier(action.Description), err
	}
	tier, ok := ParseTier(out.Tier)
	if !ok {
		return HeuristicTier(action.Description), fmt.Errorf("%w: tier %q", ErrInvalidDecision, out.Tier)
	}
	return tier, nil
}

const reviewSystem = `A running task hit a hard limit. Decide whether it may continue briefly to deliver its result.
Reply with JSON {"verdict":"continue|terminate","reasoning":"..."}. Prefer terminate when the user already has a useful answer.`

func (o *GenkitOracle) Review(ctx context.Context, q ReviewQuery) (ReviewAnswer, error) {
	body, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return ReviewAnswer{}, fmt.Errorf("encode review query: %w", err)
	}
	text, err := o.call(ctx, "review", reviewSystem, string(body))
	if err != nil {
		return ReviewAnswer{}, err
	}
	var out struct {
		Verdict   string `json:"verdict"`
		Reasoning string `json:"reasoning"`
	}
	if err := o.review.decode(text, &out); err != nil {
		return ReviewAnswer{}, err
	}
	return ReviewAnswer{Continue: out.Verdict == "continue", Reasoning: out.Reasoning}, nil
}
