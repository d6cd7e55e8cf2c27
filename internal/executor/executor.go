// Package executor drives one sub-question through the bounded tool-use loop
//
//	START -> DECIDING -> (TOOL_CALL -> DECIDING)* -> SYNTHESIZING -> DONE | FAILED
//
// and reports every step on the progress bus.
package executor

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/mohammad-safakhou/researcher/internal/tools/corpus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	//go:embed decision_schema.json
	decisionSchema []byte
	//go:embed synthesis_schema.json
	synthesisSchema []byte
)

var executorTracer = otel.Tracer("researcher/internal/executor")

const (
	DefaultMaxIterations = 5
	DefaultContextBudget = 24000
	defaultRetries       = 3
)

// Stages reported in research.SubQuestionFailure.
const (
	StageDeciding     = "deciding"
	StageSynthesizing = "synthesizing"
)

// Options bound a run.
type Options struct {
	// MaxIterations is the tool-decision ceiling; reaching it forces synthesis.
	MaxIterations int
	// ContextBudget caps the running context shown to the model, in bytes.
	ContextBudget int
	// Retries is how many times RateLimited and Timeout are retried per call.
	Retries       int
	RetryInterval time.Duration
	DecisionModel string
	AnswerModel   string
	Tone          research.Tone
	Domains       []string
	SourceURLs    []string
	RootQuery     string

	// Background is shared starting material, such as excerpts of the
	// user's source URLs and initial search results.
	Background string
}

func (o Options) normalize() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.ContextBudget <= 0 {
		o.ContextBudget = DefaultContextBudget
	}
	if o.Retries <= 0 {
		o.Retries = defaultRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
	return o
}

// Corpus receives pages fetched during a run.
type Corpus interface {
	Add(sessionID string, d corpus.Doc) error
}

// Executor runs sub-questions of one session. Each Run is independent; the
// executor holds no per-run state.
type Executor struct {
	llm    reasoning.Client
	tools  tools.Invoker
	bus    progress.Publisher
	corpus Corpus
	opts   Options
	log    *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithCorpus indexes fetched pages into c.
func WithCorpus(c Corpus) Option {
	return func(e *Executor) { e.corpus = c }
}

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l.Named("executor")
		}
	}
}

// New returns an executor over the given tools.
func New(llm reasoning.Client, inv tools.Invoker, bus progress.Publisher, opts Options, extra ...Option) *Executor {
	e := &Executor{llm: llm, tools: inv, bus: bus, opts: opts.normalize(), log: zap.NewNop()}
	for _, o := range extra {
		o(e)
	}
	return e
}

type decision struct {
	Action    string         `json:"action"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Reason    string         `json:"reason"`
}

type synthesis struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// Run drives sq to DONE or FAILED. Cancellation is checked before every
// DECIDING round; a tool call already in flight is allowed to finish.
func (e *Executor) Run(ctx context.Context, sq research.SubQuestion) (*research.SubQuestionResult, error) {
	ctx, span := executorTracer.Start(ctx, "executor.run")
	defer span.End()
	span.SetAttributes(attribute.String("subquestion_id", sq.ID), attribute.Int("position", sq.Position))
	log := e.log.With(zap.String("session", sq.SessionID), zap.String("subquestion", sq.ID))

	e.publish(sq.SessionID, progress.KindSubQuestionStarted, progress.SubQuestionStarted{SubQuestionID: sq.ID, Text: sq.Text, Position: sq.Position})

	res, err := e.run(ctx, sq, log)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.SubQuestionFinished(ctx, string(research.SubQuestionFailed))
		e.publish(sq.SessionID, progress.KindSubQuestionFailed, progress.SubQuestionFailed{SubQuestionID: sq.ID, Error: err.Error()})
		log.Info("sub-question failed", zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("iterations", res.Iterations), attribute.Bool("forced", res.Forced))
	span.SetStatus(codes.Ok, "")
	telemetry.SubQuestionFinished(ctx, string(research.SubQuestionDone))
	e.publish(sq.SessionID, progress.KindSubQuestionDone, progress.SubQuestionDone{SubQuestionID: sq.ID, Sources: len(res.Sources), Iterations: res.Iterations, Forced: res.Forced})
	return res, nil
}

func (e *Executor) run(ctx context.Context, sq research.SubQuestion, log *zap.Logger) (*research.SubQuestionResult, error) {
	st := newRunState(sq)
	fail := func(stage string, err error) error {
		return &research.SubQuestionFailure{SubQuestionID: sq.ID, Stage: stage, Err: err}
	}

	rounds, forced := 0, false
	for {
		if err := ctx.Err(); err != nil {
			return nil, fail(StageDeciding, err)
		}
		if rounds >= e.opts.MaxIterations {
			forced = true
			log.Debug("iteration ceiling reached, forcing synthesis", zap.Int("rounds", rounds))
			break
		}
		available := e.available(st)
		if len(available) == 0 {
			break
		}

		var dec decision
		err := e.call(ctx, func(ctx context.Context) error {
			return e.llm.CompleteStructured(ctx, e.decisionPrompt(st, available), decisionSchema, reasoning.Options{
				Model:   e.opts.DecisionModel,
				Purpose: "decide",
				System:  "You are a meticulous research assistant. Decide whether the evidence gathered so far answers the question or whether one more tool call is needed.",
			}, &dec)
		})
		if err != nil {
			if kind, ok := reasoning.KindOf(err); ok && kind == reasoning.InvalidResponse && ctx.Err() == nil {
				log.Warn("unusable decision, forcing synthesis", zap.Error(err))
				forced = true
				break
			}
			return nil, fail(StageDeciding, err)
		}
		if dec.Action != "tool" {
			break
		}
		rounds++
		e.toolCall(ctx, st, rounds, dec)
	}

	if err := ctx.Err(); err != nil {
		return nil, fail(StageSynthesizing, err)
	}
	var syn synthesis
	err := e.call(ctx, func(ctx context.Context) error {
		return e.llm.CompleteStructured(ctx, e.synthesisPrompt(st, forced), synthesisSchema, reasoning.Options{
			Model:   e.opts.AnswerModel,
			Purpose: "synthesize",
		}, &syn)
	})
	if err != nil {
		return nil, fail(StageSynthesizing, err)
	}
	return &research.SubQuestionResult{
		Answer:      strings.TrimSpace(syn.Answer),
		Sources:     st.cited(syn.Sources),
		Images:      st.images,
		Invocations: st.invocations,
		Iterations:  rounds,
		Forced:      forced,
	}, nil
}

// toolCall runs one TOOL_CALL step. Failures are folded into the running
// context as visible notes; they never fail the run.
func (e *Executor) toolCall(ctx context.Context, st *runState, round int, dec decision) {
	name := strings.TrimSpace(dec.Tool)
	inv := research.ToolInvocation{Tool: name, Args: dec.Arguments, Round: round}
	n := note{round: round, tool: name, args: dec.Arguments}

	if name == "" || st.isExcluded(name) || !e.known(name) {
		inv.Error = fmt.Sprintf("tool %q is not available", name)
		n.text, n.failure = inv.Error, true
		st.recordFailure(name)
	} else {
		// An in-flight call completes even if the session is cancelled; the
		// registry's per-call timeout still bounds it.
		callCtx := context.WithoutCancel(ctx)
		res, err := e.tools.Invoke(callCtx, name, dec.Arguments)
		inv.Latency = res.Latency
		if err != nil {
			inv.Error = err.Error()
			n.text, n.failure = err.Error(), true
			if st.recordFailure(name) {
				n.text += fmt.Sprintf(" (%s failed twice in a row and is no longer available)", name)
			}
		} else {
			st.recordSuccess(name)
			inv.Result = res.Output
			n.text = string(res.Output)
			st.harvest(res.Output)
			e.index(st.sq.SessionID, res.Output)
		}
	}
	st.invocations = append(st.invocations, inv)
	st.notes = append(st.notes, n)
	e.publish(st.sq.SessionID, progress.KindToolCall, progress.ToolCall{
		SubQuestionID: st.sq.ID, Tool: name, Args: dec.Arguments, Round: round,
		LatencyMS: inv.Latency.Milliseconds(), Error: inv.Error,
	})
}

func (e *Executor) index(sessionID string, out json.RawMessage) {
	if e.corpus == nil {
		return
	}
	var page struct {
		URL   string `json:"url"`
		Title string `json:"title"`
		Text  string `json:"text"`
	}
	if json.Unmarshal(out, &page) != nil || page.URL == "" || page.Text == "" {
		return
	}
	if err := e.corpus.Add(sessionID, corpus.Doc{URL: page.URL, Title: page.Title, Text: page.Text}); err != nil {
		e.log.Debug("corpus add failed", zap.String("url", page.URL), zap.Error(err))
	}
}

// call retries fn on RateLimited and Timeout with exponential backoff.
// Everything else, including Unavailable, returns immediately. fn gets a
// SingleAttempt context so the client does not retry underneath.
func (e *Executor) call(ctx context.Context, fn func(context.Context) error) error {
	attemptCtx := reasoning.SingleAttempt(ctx)
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.opts.RetryInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(e.opts.Retries)), ctx)
	return backoff.Retry(func() error {
		err := fn(attemptCtx)
		if err == nil || reasoning.Retryable(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func (e *Executor) available(st *runState) []tools.Descriptor {
	all := e.tools.List()
	out := make([]tools.Descriptor, 0, len(all))
	for _, d := range all {
		if !st.isExcluded(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

func (e *Executor) known(name string) bool {
	for _, d := range e.tools.List() {
		if d.Name == name {
			return true
		}
	}
	return false
}

func (e *Executor) publish(sessionID string, kind progress.Kind, payload any) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(sessionID, kind, payload); err != nil && !errors.Is(err, progress.ErrUnknownSession) {
		e.log.Warn("publish failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
