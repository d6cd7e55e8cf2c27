// Package planner decomposes a root research query into sub-questions.
package planner

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

//go:embed plan_schema.json
var planSchema []byte

var plannerTracer = otel.Tracer("researcher/internal/planner")

// Schema returns the plan response schema.
func Schema() json.RawMessage { return json.RawMessage(planSchema) }

// Hints narrow the plan.
type Hints struct {
	Domains    []string
	SourceURLs []string
	Tone       research.Tone
	// Context is background material, such as initial search snippets.
	Context string
}

type planDoc struct {
	Subquestions []struct {
		Question  string `json:"question"`
		Rationale string `json:"rationale"`
	} `json:"subquestions"`
}

// Planner produces sub-questions with one structured reasoning call.
type Planner struct {
	llm   reasoning.Client
	model string
	log   *zap.Logger
	now   func() time.Time
}

// New returns a planner. model may be empty to use the client default.
func New(llm reasoning.Client, model string, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{llm: llm, model: model, log: log.Named("planner"), now: time.Now}
}

// Plan returns between one and max sub-questions for root, in plan order.
// Extra items are truncated, blanks and case-insensitive duplicates dropped;
// an empty or unparseable plan falls back to the root query itself. Only a
// reasoning failure that survives the client's retries is returned, as a
// *research.PlanningError.
func (p *Planner) Plan(ctx context.Context, root string, hints Hints, max int) ([]research.SubQuestion, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, &research.PlanningError{Query: root, Err: research.ErrNoPlan}
	}
	if max <= 0 {
		max = 1
	}
	ctx, span := plannerTracer.Start(ctx, "planner.plan")
	defer span.End()
	span.SetAttributes(attribute.Int("max_subquestions", max))

	var doc planDoc
	err := p.llm.CompleteStructured(ctx, p.prompt(root, hints, max), Schema(), reasoning.Options{
		Model:   p.model,
		Purpose: "plan",
		System:  "You are a research planner. You break broad questions into focused, independently researchable sub-questions.",
	}, &doc)
	if err != nil {
		if kind, ok := reasoning.KindOf(err); ok && kind == reasoning.InvalidResponse {
			p.log.Warn("plan unusable, falling back to root query", zap.Error(err))
			span.SetAttributes(attribute.Bool("fallback", true))
			return Single(root), nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &research.PlanningError{Query: root, Err: err}
	}

	texts := make([]string, 0, len(doc.Subquestions))
	for _, sq := range doc.Subquestions {
		texts = append(texts, sq.Question)
	}
	out := build(texts, max)
	if len(out) == 0 {
		p.log.Info("planner returned no sub-questions, using root query")
		return Single(root), nil
	}
	span.SetAttributes(attribute.Int("subquestions", len(out)))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// Single is the plan used when planning is skipped: the root query alone.
func Single(root string) []research.SubQuestion {
	return build([]string{root}, 1)
}

// WithRoot appends root as the last sub-question unless the plan already
// asks it. The plan may then exceed its bound by one.
func WithRoot(subs []research.SubQuestion, root string) []research.SubQuestion {
	root = strings.Join(strings.Fields(root), " ")
	if root == "" {
		return subs
	}
	for _, sq := range subs {
		if strings.EqualFold(sq.Text, root) {
			return subs
		}
	}
	return append(subs, research.SubQuestion{
		ID:       uuid.NewString(),
		Text:     root,
		Position: len(subs),
		Status:   research.SubQuestionPending,
	})
}

func build(texts []string, max int) []research.SubQuestion {
	seen := make(map[string]struct{}, len(texts))
	out := make([]research.SubQuestion, 0, max)
	for _, t := range texts {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, research.SubQuestion{
			ID:       uuid.NewString(),
			Text:     t,
			Position: len(out),
			Status:   research.SubQuestionPending,
		})
		if len(out) == max {
			break
		}
	}
	return out
}

func (p *Planner) prompt(root string, h Hints, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write at most %d sub-questions that together answer the research task below.\n", max)
	b.WriteString("Each sub-question must be self-contained, searchable on the web, and cover a distinct aspect of the task.\n")
	fmt.Fprintf(&b, "Assume the current date is %s.\n\n", p.now().Format("January 2, 2006"))
	fmt.Fprintf(&b, "Task: %q\n", root)
	if len(h.Domains) > 0 {
		fmt.Fprintf(&b, "Prefer sources from these domains: %s\n", strings.Join(h.Domains, ", "))
	}
	if len(h.SourceURLs) > 0 {
		fmt.Fprintf(&b, "The user supplied these sources, which must be covered: %s\n", strings.Join(h.SourceURLs, ", "))
	}
	if h.Tone != "" {
		fmt.Fprintf(&b, "The final report will be written in a %s tone.\n", h.Tone.Instruction())
	}
	if c := strings.TrimSpace(h.Context); c != "" {
		fmt.Fprintf(&b, "\nBackground gathered so far:\n%s\n", c)
	}
	return b.String()
}
