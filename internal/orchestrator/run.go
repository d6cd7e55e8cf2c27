package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/researcher/internal/executor"
	"github.com/mohammad-safakhou/researcher/internal/planner"
	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/mohammad-safakhou/researcher/internal/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/mohammad-safakhou/researcher/internal/tools/corpus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var orchestratorTracer = otel.Tracer("researcher/internal/orchestrator")

const deadlineExceeded = "session deadline exceeded"

// execute drives one session to a terminal state. ctx is cancelled by Cancel;
// the session deadline only bounds planning and research so that whatever
// finished in time can still be aggregated.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	ctx, span := orchestratorTracer.Start(ctx, "orchestrator.session")
	defer span.End()
	sess := r.snapshot().Session
	span.SetAttributes(attribute.String("session_id", sess.ID), attribute.String("report_type", string(sess.ReportType)))
	log := o.log.With(zap.String("session", sess.ID))
	profile := sess.ReportType.Profile()

	researchCtx, stop := context.WithTimeout(ctx, o.cfg.SessionTimeout)
	defer stop()

	defer func() {
		final := r.snapshot()
		telemetry.SessionFinished(ctx, string(final.Session.Status))
		if final.Session.Status == research.StatusFailed {
			span.SetStatus(codes.Error, final.Session.Error)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		o.bus.Close(sess.ID)
		o.persist(context.WithoutCancel(ctx), r, final)
		log.Info("session finished", zap.String("status", string(final.Session.Status)))
	}()

	if !r.transition(research.StatusPlanning, o.now().UTC()) {
		o.finishCancelled(r)
		return
	}
	inv := o.sessionTools(sess)
	var bg string
	if !profile.SkipPlanning {
		bg = o.background(researchCtx, sess, inv, log)
	}
	subs, err := o.plan(researchCtx, sess, profile, bg)
	if err != nil {
		if ctx.Err() != nil {
			o.finishCancelled(r)
			return
		}
		reason := err.Error()
		if errors.Is(researchCtx.Err(), context.DeadlineExceeded) {
			reason = deadlineExceeded
		}
		o.fail(r, &research.SessionFailure{SessionID: sess.ID, Reason: reason, Err: err})
		return
	}

	r.mu.Lock()
	for i := range subs {
		subs[i].SessionID = sess.ID
	}
	r.subs = subs
	r.mu.Unlock()
	items := make([]progress.PlanItem, len(subs))
	for i, sq := range subs {
		items[i] = progress.PlanItem{ID: sq.ID, Text: sq.Text, Position: sq.Position}
	}
	o.publish(sess.ID, progress.KindPlanReady, progress.PlanReady{SubQuestions: items})

	if !r.transition(research.StatusResearching, o.now().UTC()) {
		o.finishCancelled(r)
		return
	}
	o.research(researchCtx, r, sess, inv, profile, bg, log)
	if ctx.Err() != nil {
		o.finishCancelled(r)
		return
	}

	final := r.snapshot()
	var failures []string
	succeeded := 0
	for _, sq := range final.SubQuestions {
		switch sq.Status {
		case research.SubQuestionDone:
			succeeded++
		case research.SubQuestionFailed:
			failures = append(failures, fmt.Sprintf("%s: %s", sq.Text, sq.Failure))
		}
	}
	span.SetAttributes(attribute.Int("subquestions", len(final.SubQuestions)), attribute.Int("succeeded", succeeded))
	if succeeded == 0 {
		o.fail(r, &research.SessionFailure{SessionID: sess.ID, Reason: "all sub-questions failed", Failures: failures})
		return
	}

	if !r.transition(research.StatusAggregating, o.now().UTC()) {
		o.finishCancelled(r)
		return
	}
	rep, err := o.builder.Build(ctx, final.Session, final.SubQuestions, profile)
	if err != nil {
		if ctx.Err() != nil {
			o.finishCancelled(r)
			return
		}
		o.fail(r, &research.SessionFailure{SessionID: sess.ID, Reason: "aggregation failed", Err: err})
		return
	}
	if rep.Body != "" {
		_ = o.corpus.Add(sess.ID, corpus.Doc{URL: "report://" + sess.ID, Title: sess.Query, Text: rep.Body})
	}

	r.mu.Lock()
	if !r.transitionLocked(research.StatusDone, o.now().UTC()) {
		r.mu.Unlock()
		o.finishCancelled(r)
		return
	}
	rep.Usage = r.meter.Usage()
	r.report = rep
	r.mu.Unlock()
	o.log.Info("session usage", zap.String("session", sess.ID), zap.Int("calls", rep.Usage.Calls), zap.Int("tokens", rep.Usage.Total()))
	o.publish(sess.ID, progress.KindDone, progress.Done{Citations: len(rep.Citations), FailedSubQuestions: rep.FailedSubQuestions, Usage: rep.Usage})
}

// plan asks the planner for sub-questions and, when IncludeRootQuery is set,
// researches the root query alongside them.
func (o *Orchestrator) plan(ctx context.Context, sess research.Session, profile research.Profile, background string) ([]research.SubQuestion, error) {
	if profile.SkipPlanning {
		return planner.Single(sess.Query), nil
	}
	subs, err := o.planner.Plan(ctx, sess.Query, planner.Hints{
		Domains:    sess.QueryDomains,
		SourceURLs: sess.SourceURLs,
		Tone:       sess.Tone,
		Context:    background,
	}, profile.MaxSubquestions)
	if err != nil {
		return nil, err
	}
	if o.cfg.IncludeRootQuery {
		subs = planner.WithRoot(subs, sess.Query)
	}
	return subs, nil
}

// research runs every sub-question. Slots are shared by all sessions, so a
// sub-question may wait for one; waiting ends with the session deadline.
func (o *Orchestrator) research(ctx context.Context, r *run, sess research.Session, inv tools.Invoker, profile research.Profile, background string, log *zap.Logger) {
	ex := executor.New(o.llm, inv, o.bus, executor.Options{
		MaxIterations: o.cfg.MaxIterations + profile.ExtraIterations,
		ContextBudget: o.cfg.ContextBudget,
		RetryInterval: o.cfg.RetryInterval,
		DecisionModel: o.cfg.DecisionModel,
		AnswerModel:   o.cfg.AnswerModel,
		Tone:          sess.Tone,
		Domains:       sess.QueryDomains,
		SourceURLs:    sess.SourceURLs,
		RootQuery:     sess.Query,
		Background:    background,
	}, executor.WithCorpus(o.corpus), executor.WithLogger(log))

	r.mu.Lock()
	subs := append([]research.SubQuestion(nil), r.subs...)
	r.mu.Unlock()

	var g errgroup.Group
	update := func(i int, fn func(sq *research.SubQuestion)) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.session.Status.Terminal() {
			return
		}
		fn(&r.subs[i])
	}
	for i, sq := range subs {
		i, sq := i, sq
		g.Go(func() error {
			if err := o.slots.Acquire(ctx, 1); err != nil {
				reason := failureReason(ctx, err)
				update(i, func(s *research.SubQuestion) {
					s.Status = research.SubQuestionFailed
					s.Failure = reason
				})
				o.publish(sess.ID, progress.KindSubQuestionFailed, progress.SubQuestionFailed{SubQuestionID: sq.ID, Error: reason})
				return nil
			}
			defer o.slots.Release(1)
			update(i, func(s *research.SubQuestion) { s.Status = research.SubQuestionRunning })

			res, err := ex.Run(ctx, sq)
			update(i, func(s *research.SubQuestion) {
				if err != nil {
					s.Status = research.SubQuestionFailed
					s.Failure = failureReason(ctx, err)
					return
				}
				s.Status = research.SubQuestionDone
				s.Result = res
			})
			return nil
		})
	}
	_ = g.Wait()
}

func failureReason(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return deadlineExceeded
	}
	var sf *research.SubQuestionFailure
	if errors.As(err, &sf) && sf.Err != nil {
		return sf.Err.Error()
	}
	return err.Error()
}

func (o *Orchestrator) fail(r *run, f *research.SessionFailure) {
	r.mu.Lock()
	changed := r.transitionLocked(research.StatusFailed, o.now().UTC())
	if changed {
		r.session.Error = f.Error()
	}
	r.mu.Unlock()
	if !changed {
		o.finishCancelled(r)
		return
	}
	o.log.Warn("session failed", zap.String("session", f.SessionID), zap.String("reason", f.Reason))
	o.publish(f.SessionID, progress.KindError, progress.Error{Message: f.Error()})
}

// finishCancelled discards partial results of a session cancelled mid-flight.
func (o *Orchestrator) finishCancelled(r *run) {
	r.mu.Lock()
	if r.session.Status != research.StatusCancelled {
		r.mu.Unlock()
		return
	}
	for i := range r.subs {
		r.subs[i].Result = nil
	}
	r.report = nil
	id := r.session.ID
	r.mu.Unlock()
	o.publish(id, progress.KindError, progress.Error{Message: "cancelled"})
}

func (o *Orchestrator) persist(ctx context.Context, r *run, final Snapshot) {
	if o.archive == nil {
		return
	}
	if err := o.archive.SaveSession(ctx, final.Session, final.SubQuestions); err != nil {
		o.log.Warn("archive session failed", zap.String("session", final.Session.ID), zap.Error(err))
	}
	r.mu.Lock()
	rep := r.report
	r.mu.Unlock()
	if rep != nil {
		if err := o.archive.SaveReport(ctx, rep); err != nil {
			o.log.Warn("archive report failed", zap.String("session", final.Session.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) publish(sessionID string, kind progress.Kind, payload any) {
	if _, err := o.bus.Publish(sessionID, kind, payload); err != nil && !errors.Is(err, progress.ErrUnknownSession) {
		o.log.Warn("publish failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
