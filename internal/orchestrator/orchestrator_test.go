package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/progress"
	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"github.com/mohammad-safakhou/researcher/internal/reasoning/reasoningtest"
	"github.com/mohammad-safakhou/researcher/internal/report"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/mohammad-safakhou/researcher/internal/tools/corpus"
	"github.com/mohammad-safakhou/researcher/internal/tools/webfetch"
	"github.com/mohammad-safakhou/researcher/internal/tools/websearch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// bleve starts its analysis workers at package init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/blevesearch/bleve/index.AnalysisWorker"))
}

type harness struct {
	o   *Orchestrator
	bus *progress.Bus
	llm *reasoningtest.Scripted
}

func newHarness(t *testing.T, cfg Config, llm *reasoningtest.Scripted, ds ...tools.Descriptor) *harness {
	t.Helper()
	reg := tools.NewRegistry()
	for _, d := range ds {
		require.NoError(t, reg.Register(d))
	}
	bus := progress.NewBus()
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	o := New(cfg, llm, reg, bus, report.NewBuilder(llm, bus, report.Options{}, nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, o.Shutdown(ctx))
		require.NoError(t, bus.Shutdown(ctx))
	})
	return &harness{o: o, bus: bus, llm: llm}
}

func (h *harness) wait(t *testing.T, id string) *research.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := h.o.Wait(ctx, id)
	require.NoError(t, err)
	return s
}

func (h *harness) kinds(t *testing.T, id string) []progress.Kind {
	t.Helper()
	evs, err := h.bus.Events(id, 0)
	require.NoError(t, err)
	out := make([]progress.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func plan(questions ...string) string {
	items := make([]map[string]string, len(questions))
	for i, q := range questions {
		items[i] = map[string]string{"question": q}
	}
	return reasoningtest.JSON(map[string]any{"subquestions": items})
}

// scripted answers by purpose; synthesis fails for sub-questions whose text
// contains "broken".
func scripted(questions ...string) *reasoningtest.Scripted {
	return reasoningtest.New(func(c reasoningtest.Call) (string, error) {
		switch c.Options.Purpose {
		case "plan":
			return plan(questions...), nil
		case "decide":
			return `{"action":"answer"}`, nil
		case "synthesize":
			if strings.Contains(c.Prompt, "broken") {
				return "", &reasoning.Error{Kind: reasoning.Unavailable, Message: "model offline"}
			}
			return `{"answer":"Findings for this part."}`, nil
		case "narrative":
			return `{"introduction":"Intro.","conclusion":"Outro."}`, nil
		case "chat":
			return "According to [the report](report://x), yes.", nil
		}
		return "", &reasoning.Error{Kind: reasoning.Unavailable}
	})
}

func TestOneFailedSubQuestionStillFinishes(t *testing.T) {
	h := newHarness(t, Config{}, scripted("alpha facts", "beta facts", "broken facts"))
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	assert.Equal(t, research.StatusCreated, s.Status)

	final := h.wait(t, s.ID)
	assert.Equal(t, research.StatusDone, final.Status)
	require.NotNil(t, final.FinishedAt)

	rep, err := h.o.Report(s.ID)
	require.NoError(t, err)
	require.Len(t, rep.FailedSubQuestions, 1)
	assert.Len(t, rep.Trace, 3)
	assert.Len(t, rep.Sections, 2)
	assert.Contains(t, rep.Body, "## Research notes")

	snap, err := h.o.Get(s.ID)
	require.NoError(t, err)
	require.Len(t, snap.SubQuestions, 3)
	for _, sq := range snap.SubQuestions {
		assert.Equal(t, s.ID, sq.SessionID)
	}

	ks := h.kinds(t, s.ID)
	assert.Equal(t, progress.KindPlanReady, ks[0])
	assert.Equal(t, progress.KindDone, ks[len(ks)-1])
	assert.Contains(t, ks, progress.KindSubQuestionFailed)
	assert.Contains(t, ks, progress.KindReportChunk)
}

func TestAllSubQuestionsFailing(t *testing.T) {
	h := newHarness(t, Config{}, scripted("broken one", "broken two"))
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)

	final := h.wait(t, s.ID)
	assert.Equal(t, research.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "all sub-questions failed")
	_, err = h.o.Report(s.ID)
	assert.ErrorIs(t, err, ErrNoReport)

	ks := h.kinds(t, s.ID)
	assert.Equal(t, progress.KindError, ks[len(ks)-1])
	assert.NotContains(t, ks, progress.KindDone)
}

func TestPlanningFailureFailsSession(t *testing.T) {
	llm := reasoningtest.New(func(reasoningtest.Call) (string, error) {
		return "", &reasoning.Error{Kind: reasoning.Unavailable, Message: "down"}
	})
	h := newHarness(t, Config{}, llm)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	final := h.wait(t, s.ID)
	assert.Equal(t, research.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "planning")
}

func TestResourceReportSkipsPlanning(t *testing.T) {
	llm := scripted("unused")
	h := newHarness(t, Config{}, llm)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question", ReportType: research.ReportResource})
	require.NoError(t, err)
	assert.Equal(t, research.StatusDone, h.wait(t, s.ID).Status)
	assert.Empty(t, llm.CallsFor("plan"))
	assert.Empty(t, llm.CallsFor("narrative"))
	rep, err := h.o.Report(s.ID)
	require.NoError(t, err)
	assert.Empty(t, rep.Body)
}

func blockingTool(started chan<- struct{}, release <-chan struct{}) tools.Descriptor {
	return tools.Descriptor{
		Name: "slow",
		Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return map[string]any{"url": "https://slow.example", "title": "Slow"}, nil
		}},
	}
}

func alwaysTool(name string, questions ...string) *reasoningtest.Scripted {
	return reasoningtest.New(func(c reasoningtest.Call) (string, error) {
		switch c.Options.Purpose {
		case "plan":
			return plan(questions...), nil
		case "decide":
			return reasoningtest.JSON(map[string]any{"action": "tool", "tool": name}), nil
		case "synthesize":
			return `{"answer":"done"}`, nil
		}
		return `{"introduction":"i","conclusion":"c"}`, nil
	})
}

func TestCancelDiscardsPartialResults(t *testing.T) {
	started, release := make(chan struct{}, 1), make(chan struct{})
	llm := alwaysTool("slow", "only question")
	h := newHarness(t, Config{}, llm, blockingTool(started, release))
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)

	<-started
	require.NoError(t, h.o.Cancel(s.ID))
	snap, err := h.o.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusCancelled, snap.Session.Status, "cancel is visible immediately")
	close(release)

	final := h.wait(t, s.ID)
	assert.Equal(t, research.StatusCancelled, final.Status)
	_, err = h.o.Report(s.ID)
	assert.ErrorIs(t, err, ErrNoReport)
	assert.Empty(t, llm.CallsFor("synthesize"))

	snap, err = h.o.Get(s.ID)
	require.NoError(t, err)
	for _, sq := range snap.SubQuestions {
		assert.Nil(t, sq.Result)
	}
	ks := h.kinds(t, s.ID)
	assert.Equal(t, progress.KindError, ks[len(ks)-1])
}

func TestSessionDeadlineKeepsFinishedWork(t *testing.T) {
	slow := tools.Descriptor{
		Name: "slow",
		Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(300 * time.Millisecond)
			return map[string]any{"url": "https://slow.example"}, nil
		}},
	}
	llm := reasoningtest.New(func(c reasoningtest.Call) (string, error) {
		switch c.Options.Purpose {
		case "plan":
			return plan("quick part", "slow part"), nil
		case "decide":
			if strings.Contains(c.Prompt, "slow part") {
				return `{"action":"tool","tool":"slow"}`, nil
			}
			return `{"action":"answer"}`, nil
		case "synthesize":
			return `{"answer":"quick answer"}`, nil
		}
		return `{"introduction":"i","conclusion":"c"}`, nil
	})
	h := newHarness(t, Config{SessionTimeout: 100 * time.Millisecond}, llm, slow)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)

	final := h.wait(t, s.ID)
	assert.Equal(t, research.StatusDone, final.Status)
	snap, err := h.o.Get(s.ID)
	require.NoError(t, err)
	var failed []research.SubQuestion
	for _, sq := range snap.SubQuestions {
		if sq.Status == research.SubQuestionFailed {
			failed = append(failed, sq)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "slow part", failed[0].Text)
	assert.Equal(t, deadlineExceeded, failed[0].Failure)
}

func TestInFlightCeiling(t *testing.T) {
	var active, peak int32
	counter := tools.Descriptor{
		Name: "counter",
		Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
			n := atomic.AddInt32(&active, 1)
			defer atomic.AddInt32(&active, -1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return map[string]any{"ok": true}, nil
		}},
	}
	llm := reasoningtest.New(func(c reasoningtest.Call) (string, error) {
		switch c.Options.Purpose {
		case "plan":
			return plan("one", "two", "three"), nil
		case "decide":
			if strings.Contains(c.Prompt, "No tools have been called yet.") {
				return `{"action":"tool","tool":"counter"}`, nil
			}
			return `{"action":"answer"}`, nil
		case "synthesize":
			return `{"answer":"x"}`, nil
		}
		return `{"introduction":"i","conclusion":"c"}`, nil
	})
	h := newHarness(t, Config{MaxInFlight: 1}, llm, counter)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question", ReportType: research.ReportDetailed})
	require.NoError(t, err)
	assert.Equal(t, research.StatusDone, h.wait(t, s.ID).Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestMaxSessions(t *testing.T) {
	started, release := make(chan struct{}, 1), make(chan struct{})
	h := newHarness(t, Config{MaxSessions: 1}, alwaysTool("slow", "q"), blockingTool(started, release))
	s, err := h.o.Start(context.Background(), Request{Query: "first"})
	require.NoError(t, err)
	<-started
	_, err = h.o.Start(context.Background(), Request{Query: "second"})
	assert.ErrorIs(t, err, ErrTooManySessions)
	_, err = h.o.Report(s.ID)
	assert.ErrorIs(t, err, ErrNotFinished)
	close(release)
	h.wait(t, s.ID)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	h := newHarness(t, Config{}, scripted("alpha"))
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	h.wait(t, s.ID)
	require.NoError(t, h.o.Cancel(s.ID))
	snap, err := h.o.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusDone, snap.Session.Status)
}

func TestChatUsesReport(t *testing.T) {
	llm := scripted("alpha")
	h := newHarness(t, Config{}, llm)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	h.wait(t, s.ID)

	reply, err := h.o.Chat(context.Background(), s.ID, "Is alpha true?")
	require.NoError(t, err)
	assert.Contains(t, reply.Answer, "report")
	_, err = h.o.Chat(context.Background(), s.ID, "And beta?")
	require.NoError(t, err)

	chats := llm.CallsFor("chat")
	require.Len(t, chats, 2)
	assert.Contains(t, chats[0].Prompt, "Findings for this part.")
	assert.Contains(t, chats[0].Prompt, "citations")
	assert.Contains(t, chats[1].Prompt, "Is alpha true?", "earlier turns are remembered")
	require.NotNil(t, chats[0].Options.Temperature)
	assert.InDelta(t, 0.35, *chats[0].Options.Temperature, 1e-9)

	_, err = h.o.Chat(context.Background(), s.ID, "  ")
	assert.Error(t, err)
}

func TestSweepAndDiscard(t *testing.T) {
	h := newHarness(t, Config{GracePeriod: time.Minute}, scripted("alpha"))
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	h.wait(t, s.ID)

	assert.Zero(t, h.o.SweepExpired(time.Now()))
	assert.Len(t, h.o.List(), 1)
	assert.Equal(t, 1, h.o.SweepExpired(time.Now().Add(2*time.Minute)))
	_, err = h.o.Get(s.ID)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, h.o.Discard(s.ID), ErrUnknownSession)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, Config{}, scripted())
	_, err := h.o.Start(context.Background(), Request{Query: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
	_, err = h.o.Start(context.Background(), Request{Query: "q", Tools: []research.ToolConfig{{Name: "x", Command: "rm"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.o.Start(context.Background(), Request{Query: "q", Tools: []research.ToolConfig{{Name: "web_serch"}, {Name: "fetch"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest, "unknown tool names are rejected")
	assert.Contains(t, err.Error(), "web_serch")
	_, err = h.o.Start(context.Background(), Request{Query: "q", Tools: []research.ToolConfig{{Name: "remote", URL: "ftp://tools.example"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.o.Start(context.Background(), Request{Query: "q", Tools: []research.ToolConfig{{Name: " "}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, h.o.List(), "rejected requests create no session")
	_, err = h.o.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestDecidingUnavailableFailsOnlyThatSubQuestion(t *testing.T) {
	llm := reasoningtest.New(func(c reasoningtest.Call) (string, error) {
		switch c.Options.Purpose {
		case "plan":
			return plan("alpha facts", "broken facts"), nil
		case "decide":
			if strings.Contains(c.Prompt, "broken") {
				return "", &reasoning.Error{Kind: reasoning.Unavailable, Message: "decider offline"}
			}
			return `{"action":"answer"}`, nil
		case "synthesize":
			return `{"answer":"Findings for this part."}`, nil
		}
		return `{"introduction":"Intro.","conclusion":"Outro."}`, nil
	})
	lookup := tools.Descriptor{
		Name: "lookup",
		Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"ok": true}, nil
		}},
	}
	h := newHarness(t, Config{}, llm, lookup)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	assert.Equal(t, research.StatusDone, h.wait(t, s.ID).Status)

	rep, err := h.o.Report(s.ID)
	require.NoError(t, err)
	require.Len(t, rep.FailedSubQuestions, 1)
	assert.Len(t, rep.Sections, 1)

	snap, err := h.o.Get(s.ID)
	require.NoError(t, err)
	for _, sq := range snap.SubQuestions {
		if sq.Text == "broken facts" {
			assert.Equal(t, rep.FailedSubQuestions[0], sq.ID)
			assert.Equal(t, research.SubQuestionFailed, sq.Status)
			assert.Contains(t, sq.Failure, "decider offline")
		} else {
			assert.Equal(t, research.SubQuestionDone, sq.Status)
		}
	}
	for _, c := range llm.CallsFor("synthesize") {
		assert.NotContains(t, c.Prompt, "broken", "a failed decision never reaches synthesis")
	}
	assert.Len(t, llm.CallsFor("decide"), 2, "unavailable is not retried")
}

func TestUsageIsReported(t *testing.T) {
	llm := scripted("alpha", "beta")
	h := newHarness(t, Config{}, llm)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	final := h.wait(t, s.ID)

	rep, err := h.o.Report(s.ID)
	require.NoError(t, err)
	assert.Equal(t, len(llm.Calls()), rep.Usage.Calls)
	assert.Positive(t, rep.Usage.PromptTokens)
	assert.Positive(t, rep.Usage.CompletionTokens)
	assert.Equal(t, rep.Usage, final.Usage)

	evs, err := h.bus.Events(s.ID, 0)
	require.NoError(t, err)
	last := evs[len(evs)-1]
	require.Equal(t, progress.KindDone, last.Kind)
	var done progress.Done
	require.NoError(t, json.Unmarshal(last.Payload, &done))
	assert.Equal(t, rep.Usage, done.Usage)

	_, err = h.o.Chat(context.Background(), s.ID, "Is alpha true?")
	require.NoError(t, err)
	snap, err := h.o.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, rep.Usage.Calls+1, snap.Session.Usage.Calls, "chat turns count against the session")

	other, err := h.o.Start(context.Background(), Request{Query: "Other question", ReportType: research.ReportResource})
	require.NoError(t, err)
	h.wait(t, other.ID)
	otherRep, err := h.o.Report(other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, otherRep.Usage.Calls, "usage is per session")
}

func TestDiscardDuringToolCallLeavesNoIndex(t *testing.T) {
	started, release := make(chan struct{}, 1), make(chan struct{})
	page := tools.Descriptor{
		Name: "page",
		Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
			started <- struct{}{}
			<-release
			return map[string]any{"url": "https://late.example", "title": "Late", "text": "arrives after discard"}, nil
		}},
	}
	h := newHarness(t, Config{}, alwaysTool("page", "only question"), page)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)

	<-started
	require.NoError(t, h.o.Discard(s.ID))
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))

	assert.Zero(t, h.o.corpus.Len(s.ID))
	assert.ErrorIs(t, h.o.corpus.Add(s.ID, corpus.Doc{URL: "https://x.example", Text: "x"}), corpus.ErrNotOpen)
	hits, err := h.o.corpus.Search(s.ID, "discard", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRootQueryIsResearched(t *testing.T) {
	h := newHarness(t, Config{IncludeRootQuery: true}, scripted("alpha", "beta"))
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	assert.Equal(t, research.StatusDone, h.wait(t, s.ID).Status)
	snap, err := h.o.Get(s.ID)
	require.NoError(t, err)
	var got []string
	for _, sq := range snap.SubQuestions {
		got = append(got, sq.Text)
	}
	assert.Equal(t, []string{"alpha", "beta", "Root question"}, got)

	h2 := newHarness(t, Config{IncludeRootQuery: true}, scripted("root question", "alpha"))
	s, err = h2.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	h2.wait(t, s.ID)
	snap, err = h2.o.Get(s.ID)
	require.NoError(t, err)
	assert.Len(t, snap.SubQuestions, 2, "a planned root query is not repeated")

	s, err = h2.o.Start(context.Background(), Request{Query: "Root question", ReportType: research.ReportResource})
	require.NoError(t, err)
	h2.wait(t, s.ID)
	snap, err = h2.o.Get(s.ID)
	require.NoError(t, err)
	assert.Len(t, snap.SubQuestions, 1)
}

// contextTools fakes the fetch and search tools and counts their calls.
func contextTools(fetches, searches *int32) []tools.Descriptor {
	return []tools.Descriptor{
		{
			Name: webfetch.ToolName,
			Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
				atomic.AddInt32(fetches, 1)
				return map[string]any{"url": tools.StringArg(args, "url"), "title": "Source", "text": "Heat pumps move heat uphill."}, nil
			}},
		},
		{
			Name: websearch.ToolName,
			Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
				atomic.AddInt32(searches, 1)
				return map[string]any{"results": []map[string]any{
					{"title": "Hit", "url": "https://hit.example", "snippet": "seed snippet for " + tools.StringArg(args, "query")},
				}}, nil
			}},
		},
	}
}

func TestSourceURLsAreFetchedAsBackground(t *testing.T) {
	var fetches, searches int32
	llm := scripted("alpha")
	h := newHarness(t, Config{}, llm, contextTools(&fetches, &searches)...)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question", SourceURLs: []string{"https://src.example/a"}})
	require.NoError(t, err)
	assert.Equal(t, research.StatusDone, h.wait(t, s.ID).Status)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
	assert.Zero(t, atomic.LoadInt32(&searches), "source URLs replace the initial search")
	plans := llm.CallsFor("plan")
	require.Len(t, plans, 1)
	assert.Contains(t, plans[0].Prompt, "Heat pumps move heat uphill.")
	assert.Contains(t, plans[0].Prompt, "https://src.example/a")
	decides := llm.CallsFor("decide")
	require.NotEmpty(t, decides)
	assert.Contains(t, decides[0].Prompt, "Background for the whole task")
	assert.Contains(t, decides[0].Prompt, "Heat pumps move heat uphill.")

	hits, err := h.o.corpus.Search(s.ID, "uphill", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "https://src.example/a", hits[0].URL)
}

func TestInitialSearchSeedsPlanning(t *testing.T) {
	var fetches, searches int32
	llm := scripted("alpha")
	h := newHarness(t, Config{}, llm, contextTools(&fetches, &searches)...)
	s, err := h.o.Start(context.Background(), Request{Query: "Root question"})
	require.NoError(t, err)
	h.wait(t, s.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&searches))
	assert.Zero(t, atomic.LoadInt32(&fetches))
	plans := llm.CallsFor("plan")
	require.Len(t, plans, 1)
	assert.Contains(t, plans[0].Prompt, "seed snippet for Root question")

	var fetches2, searches2 int32
	llm2 := scripted("alpha")
	h2 := newHarness(t, Config{ComplementSourceURLs: true}, llm2, contextTools(&fetches2, &searches2)...)
	s, err = h2.o.Start(context.Background(), Request{Query: "Root question", SourceURLs: []string{"https://src.example/a"}})
	require.NoError(t, err)
	h2.wait(t, s.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches2))
	assert.Equal(t, int32(1), atomic.LoadInt32(&searches2), "search complements the source URLs")
	prompt := llm2.CallsFor("plan")[0].Prompt
	assert.Contains(t, prompt, "Heat pumps move heat uphill.")
	assert.Contains(t, prompt, "seed snippet")
}
