// Package report merges finished sub-questions into a cited report.
package report

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	//go:embed narrative_schema.json
	narrativeSchema []byte
	//go:embed review_schema.json
	reviewSchema []byte
)

var reportTracer = otel.Tracer("researcher/internal/report")

// ErrNothingToReport is returned when no sub-question finished.
var ErrNothingToReport = errors.New("no finished sub-questions to report")

// Options tune the written report.
type Options struct {
	TotalWords int
	Format     Format
	Model      string
}

// Builder assembles reports. The reasoning client is used for the
// introduction, conclusion and review; each of those degrades gracefully.
type Builder struct {
	llm  reasoning.Client
	bus  progress.Publisher
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

// NewBuilder returns a builder. bus may be nil.
func NewBuilder(llm reasoning.Client, bus progress.Publisher, opts Options, log *zap.Logger) *Builder {
	if opts.TotalWords <= 0 {
		opts.TotalWords = 1200
	}
	if opts.Format == "" {
		opts.Format = APA
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{llm: llm, bus: bus, opts: opts, log: log.Named("report"), now: time.Now}
}

type narrative struct {
	Introduction string `json:"introduction"`
	Conclusion   string `json:"conclusion"`
}

type review struct {
	Accept  bool   `json:"accept"`
	Notes   string `json:"notes"`
	Revised string `json:"revised"`
}

// Build produces the report for session from its sub-questions. Sections
// follow plan order and each one is published as a report_chunk event.
func (b *Builder) Build(ctx context.Context, session research.Session, sqs []research.SubQuestion, profile research.Profile) (*research.Report, error) {
	ctx, span := reportTracer.Start(ctx, "report.build")
	defer span.End()
	span.SetAttributes(attribute.String("report_type", string(profile.Type)))

	agg := Merge(sqs)
	if len(agg.Done) == 0 {
		span.SetStatus(codes.Error, ErrNothingToReport.Error())
		return nil, ErrNothingToReport
	}
	rep := &research.Report{
		SessionID:  session.ID,
		Query:      session.Query,
		ReportType: profile.Type,
		Citations:  agg.Citations,
		Trace:      agg.Trace,
		CreatedAt:  b.now().UTC(),
	}
	for _, f := range agg.Failed {
		rep.FailedSubQuestions = append(rep.FailedSubQuestions, f.ID)
	}
	span.SetAttributes(attribute.Int("citations", len(rep.Citations)), attribute.Int("failed", len(rep.FailedSubQuestions)))
	if profile.SkipNarrative {
		span.SetStatus(codes.Ok, "")
		return rep, nil
	}

	rep.Images = agg.Images
	for i, sq := range agg.Done {
		sec := research.Section{SubQuestionID: sq.ID, Heading: sq.Text, Body: strings.TrimSpace(sq.Result.Answer)}
		rep.Sections = append(rep.Sections, sec)
		b.publish(session.ID, progress.ReportChunk{Index: i, Heading: sec.Heading, Text: sec.Body})
	}

	var intro narrative
	if err := b.llm.CompleteStructured(ctx, b.narrativePrompt(session, rep), narrativeSchema, reasoning.Options{
		Model:   b.opts.Model,
		Purpose: "narrative",
	}, &intro); err != nil {
		b.log.Warn("introduction and conclusion unavailable, using plain sections", zap.String("session", session.ID), zap.Error(err))
		intro = narrative{}
	}
	draft := b.body(session, rep, intro, agg.Failed)

	if profile.Critique {
		if revised, ok := b.critique(ctx, session, draft); ok {
			draft = revised
			rep.Revised = true
		}
	}
	if refs := b.opts.Format.References(rep.Citations); refs != "" {
		draft += "\n" + refs
	}
	rep.Body = draft
	span.SetStatus(codes.Ok, "")
	return rep, nil
}

func (b *Builder) body(session research.Session, rep *research.Report, n narrative, failed []research.SubQuestion) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", session.Query)
	if n.Introduction != "" {
		fmt.Fprintf(&sb, "## Introduction\n\n%s\n\n", strings.TrimSpace(n.Introduction))
	}
	for _, img := range rep.Images {
		fmt.Fprintf(&sb, "![%s](%s)\n", img.Alt, img.URL)
	}
	if len(rep.Images) > 0 {
		sb.WriteString("\n")
	}
	for _, sec := range rep.Sections {
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", sec.Heading, sec.Body)
	}
	if n.Conclusion != "" {
		fmt.Fprintf(&sb, "## Conclusion\n\n%s\n\n", strings.TrimSpace(n.Conclusion))
	}
	if len(failed) > 0 {
		sb.WriteString("## Research notes\n\nThe following questions could not be answered:\n\n")
		for _, f := range failed {
			reason := f.Failure
			if reason == "" {
				reason = "unknown failure"
			}
			fmt.Fprintf(&sb, "- %s (%s)\n", f.Text, reason)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (b *Builder) narrativePrompt(session research.Session, rep *research.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research task: %q\n", session.Query)
	fmt.Fprintf(&sb, "Date: %s\n", b.now().Format("January 2, 2006"))
	fmt.Fprintf(&sb, "Write an introduction and a conclusion for a report of about %d words in total, in a %s tone.\n", b.opts.TotalWords, session.Tone.Instruction())
	sb.WriteString("The body sections are already written:\n\n")
	for _, sec := range rep.Sections {
		fmt.Fprintf(&sb, "### %s\n%s\n\n", sec.Heading, sec.Body)
	}
	sb.WriteString("Do not repeat the sections; frame them and state a concrete, well-supported conclusion.")
	return sb.String()
}

// critique asks a reviewer to accept the draft or return a revision.
func (b *Builder) critique(ctx context.Context, session research.Session, draft string) (string, bool) {
	prompt := fmt.Sprintf(`You are an expert research article reviewer.
Accept the draft below if it is good enough to publish. Otherwise revise it yourself and return the full revised markdown.
Guidelines: answer the research task %q, stay faithful to the evidence, keep every section heading, write in a %s tone.

Draft:
%s`, session.Query, session.Tone.Instruction(), draft)
	var r review
	if err := b.llm.CompleteStructured(ctx, prompt, reviewSchema, reasoning.Options{Model: b.opts.Model, Purpose: "review"}, &r); err != nil {
		b.log.Warn("review failed, keeping draft", zap.String("session", session.ID), zap.Error(err))
		return draft, false
	}
	revised := strings.TrimSpace(r.Revised)
	if r.Accept || revised == "" || strings.EqualFold(revised, "none") {
		return draft, false
	}
	return revised + "\n", true
}

func (b *Builder) publish(sessionID string, chunk progress.ReportChunk) {
	if b.bus == nil {
		return
	}
	if _, err := b.bus.Publish(sessionID, progress.KindReportChunk, chunk); err != nil {
		b.log.Debug("report chunk not published", zap.Error(err))
	}
}
