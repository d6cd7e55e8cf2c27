package executor

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextElidesOldestFirst(t *testing.T) {
	st := newRunState(research.SubQuestion{ID: "sq"})
	assert.Equal(t, "No tools have been called yet.", st.context(100))

	for i := 1; i <= 3; i++ {
		st.notes = append(st.notes, note{round: i, tool: "web_search", text: strings.Repeat(string(rune('a'+i)), 400)})
	}
	full := st.context(0)
	assert.NotContains(t, full, elided)

	ctx := st.context(1000)
	assert.LessOrEqual(t, len(ctx), 1000)
	parts := strings.Split(ctx, "\n\n")
	require.Len(t, parts, 3)
	assert.Contains(t, parts[0], elided)
	assert.Contains(t, parts[2], strings.Repeat("d", 400), "newest result survives intact")
}

func TestContextTruncatesOversizedLastNote(t *testing.T) {
	st := newRunState(research.SubQuestion{ID: "sq"})
	st.notes = append(st.notes, note{round: 1, tool: "fetch_document", text: strings.Repeat("é", 500)})
	ctx := st.context(200)
	assert.LessOrEqual(t, len(ctx), 200+len("…"))
	assert.True(t, strings.HasSuffix(ctx, "…"))
	assert.True(t, utf8.ValidString(ctx), "truncation keeps valid utf-8")
}

func TestHarvestDedupesSourcesAndImages(t *testing.T) {
	st := newRunState(research.SubQuestion{ID: "sq"})
	st.harvest(json.RawMessage(`{"results":[
		{"url":"https://a.example/x?utm_source=feed","title":"A"},
		{"link":"https://b.example/y","snippet":"b"}
	]}`))
	st.harvest(json.RawMessage(`{"url":"https://a.example/x","excerpt":"filled later","top_image":"https://a.example/i.png",
		"images":["https://a.example/i.png",{"url":"https://a.example/j.png","score":3}]}`))

	require.Len(t, st.sources, 2)
	assert.Equal(t, "A", st.sources[0].Title)
	assert.Equal(t, "filled later", st.sources[0].Snippet)
	require.Len(t, st.images, 2)
	assert.Equal(t, 2, st.images[0].Score)
	assert.Equal(t, 3, st.images[1].Score)

	assert.Nil(t, st.harvest(json.RawMessage(`"plain"`)))
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	st := newRunState(research.SubQuestion{ID: "sq"})
	assert.False(t, st.recordFailure("x"))
	st.recordSuccess("x")
	assert.False(t, st.recordFailure("x"))
	assert.True(t, st.recordFailure("x"))
	assert.True(t, st.isExcluded("x"))
}
