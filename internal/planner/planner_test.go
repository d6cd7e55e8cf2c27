package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/researcher/internal/reasoning"
	"github.com/mohammad-safakhou/researcher/internal/reasoning/reasoningtest"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plan(questions ...string) string {
	items := make([]map[string]string, 0, len(questions))
	for _, q := range questions {
		items = append(items, map[string]string{"question": q})
	}
	return reasoningtest.JSON(map[string]any{"subquestions": items})
}

func texts(sqs []research.SubQuestion) []string {
	out := make([]string, 0, len(sqs))
	for _, sq := range sqs {
		out = append(out, sq.Text)
	}
	return out
}

func TestPlanTruncatesAndDedupes(t *testing.T) {
	mock := reasoningtest.Queue(reasoningtest.Reply{Text: plan("What is A?", " ", "what is a?", "How does B work?", "Why C?", "D?")})
	p := New(mock, "", nil)

	sqs, err := p.Plan(context.Background(), "Explain A, B and C", Hints{}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"What is A?", "How does B work?", "Why C?"}, texts(sqs))
	for i, sq := range sqs {
		assert.Equal(t, i, sq.Position)
		assert.Equal(t, research.SubQuestionPending, sq.Status)
		assert.NotEmpty(t, sq.ID)
	}
	assert.NotEqual(t, sqs[0].ID, sqs[1].ID)
}

func TestPlanFewerIsFine(t *testing.T) {
	mock := reasoningtest.Queue(reasoningtest.Reply{Text: plan("Only one?")})
	sqs, err := New(mock, "", nil).Plan(context.Background(), "root", Hints{}, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Only one?"}, texts(sqs))
}

func TestPlanEmptyFallsBackToRoot(t *testing.T) {
	mock := reasoningtest.Queue(reasoningtest.Reply{Text: plan()})
	sqs, err := New(mock, "", nil).Plan(context.Background(), "  solar adoption in Kenya ", Hints{}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"solar adoption in Kenya"}, texts(sqs))
}

func TestPlanInvalidResponseFallsBackToRoot(t *testing.T) {
	mock := reasoningtest.Queue(reasoningtest.Reply{Text: "I cannot"}, reasoningtest.Reply{Text: `{"nope":true}`})
	sqs, err := New(mock, "", nil).Plan(context.Background(), "root query", Hints{}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"root query"}, texts(sqs))
}

func TestPlanServiceFailureIsPlanningError(t *testing.T) {
	mock := reasoningtest.Queue(reasoningtest.Reply{Err: &reasoning.Error{Kind: reasoning.Unavailable}})
	_, err := New(mock, "", nil).Plan(context.Background(), "root", Hints{}, 3)
	var pe *research.PlanningError
	require.True(t, errors.As(err, &pe))
	kind, _ := reasoning.KindOf(err)
	assert.Equal(t, reasoning.Unavailable, kind)
}

func TestPlanPromptCarriesHints(t *testing.T) {
	mock := reasoningtest.Queue(reasoningtest.Reply{Text: plan("q")})
	_, err := New(mock, "planner-model", nil).Plan(context.Background(), "root", Hints{
		Domains:    []string{"who.int"},
		SourceURLs: []string{"https://example.org/report"},
		Tone:       research.ToneAnalytical,
	}, 4)
	require.NoError(t, err)
	calls := mock.CallsFor("plan")
	require.Len(t, calls, 1)
	prompt := calls[0].Prompt
	assert.Contains(t, prompt, "at most 4")
	assert.Contains(t, prompt, "who.int")
	assert.Contains(t, prompt, "https://example.org/report")
	assert.True(t, strings.Contains(prompt, "Analytical"))
	assert.Equal(t, "planner-model", calls[0].Options.Model)
}

func TestEmptyRootIsPlanningError(t *testing.T) {
	_, err := New(reasoningtest.Queue(), "", nil).Plan(context.Background(), "   ", Hints{}, 3)
	assert.ErrorIs(t, err, research.ErrNoPlan)
}

func TestSingle(t *testing.T) {
	sqs := Single("root")
	require.Len(t, sqs, 1)
	assert.Equal(t, "root", sqs[0].Text)
}

func TestWithRootAppendsOnce(t *testing.T) {
	sqs := build([]string{"What is A?", "Why B?"}, 3)
	out := WithRoot(sqs, "  Explain A  and B ")
	require.Len(t, out, 3)
	assert.Equal(t, "Explain A and B", out[2].Text)
	assert.Equal(t, 2, out[2].Position)
	assert.Equal(t, research.SubQuestionPending, out[2].Status)
	assert.NotEmpty(t, out[2].ID)

	assert.Len(t, WithRoot(out, "explain a and b"), 3, "already planned")
	assert.Len(t, WithRoot(Single("Q?"), "Q?"), 1)
	assert.Len(t, WithRoot(sqs, " "), 2)
}
