package corpus

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndSearchPerSession(t *testing.T) {
	c := New()
	require.NoError(t, c.Open("s1"))
	require.NoError(t, c.Open("s2"))
	require.NoError(t, c.Add("s1", Doc{URL: "https://a.example/heat", Title: "Heat pumps", Text: "Air source heat pumps reach a seasonal efficiency above three in mild climates."}))
	require.NoError(t, c.Add("s1", Doc{URL: "https://a.example/wind", Title: "Wind", Text: "Offshore wind capacity factors exceed forty percent."}))
	require.NoError(t, c.Add("s2", Doc{URL: "https://b.example/heat", Title: "Other", Text: "heat pumps in another session"}))

	hits, err := c.Search("s1", "heat pumps efficiency", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "https://a.example/heat", hits[0].URL)
	for _, h := range hits {
		assert.NotEqual(t, "https://b.example/heat", h.URL, "sessions are isolated")
	}

	hits, err = c.Search("unknown", "heat", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAddDeduplicatesByURL(t *testing.T) {
	c := New()
	require.NoError(t, c.Open("s"))
	require.NoError(t, c.Add("s", Doc{URL: "https://x.example/a?utm_source=feed", Text: "alpha"}))
	require.NoError(t, c.Add("s", Doc{URL: "https://X.example/a", Text: "alpha again"}))
	require.NoError(t, c.Add("s", Doc{URL: "https://x.example/empty", Text: "   "}))
	assert.Equal(t, 1, c.Len("s"))

	c.Drop("s")
	assert.Equal(t, 0, c.Len("s"))
}

func TestAddRequiresOpenSession(t *testing.T) {
	c := New()
	doc := Doc{URL: "https://a.example/late", Text: "a page fetched after the session went away"}
	assert.ErrorIs(t, c.Add("never-opened", doc), ErrNotOpen)
	assert.Equal(t, 0, c.Len("never-opened"))

	require.NoError(t, c.Open("s"))
	require.NoError(t, c.Open("s"), "reopening is a no-op")
	require.NoError(t, c.Add("s", Doc{URL: "https://a.example/1", Text: "first"}))
	c.Drop("s")
	assert.ErrorIs(t, c.Add("s", doc), ErrNotOpen, "dropped sessions are not recreated")
	assert.Equal(t, 0, c.Len("s"))
	hits, err := c.Search("s", "page", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSplit(t *testing.T) {
	text := strings.Repeat("word ", 1000)
	parts := split(text, 100)
	require.Greater(t, len(parts), 40)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 100)
	}
	assert.Nil(t, split("  ", 10))
}

func TestDescriptorUsesContextSession(t *testing.T) {
	c := New()
	require.NoError(t, c.Open("s1"))
	require.NoError(t, c.Add("s1", Doc{URL: "https://a.example/1", Title: "Tides", Text: "Tidal stream turbines in narrow straits."}))
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(Descriptor(c)))

	res, err := reg.Invoke(WithSession(context.Background(), "s1"), ToolName, map[string]any{"query": "tidal turbines"})
	require.NoError(t, err)
	var out struct {
		Results []Hit `json:"results"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "Tides", out.Results[0].Title)

	res, err = reg.Invoke(context.Background(), ToolName, map[string]any{"query": "tidal"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[]}`, string(res.Output))
}
