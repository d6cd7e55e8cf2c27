package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"defaults https and cleans path", "Example.com/news/../tech/latest", "https://example.com/tech/latest"},
		{"drops default port fragment and tracking", "http://news.example.com:80/article?id=123&utm_source=rss#top", "http://news.example.com/article?id=123"},
		{"sorts query and keeps trailing slash", "https://example.com/path/?b=2&a=1&fbclid=xyz", "https://example.com/path/?a=1&b=2"},
		{"schemeless double slash", "//blog.example.com/post/42?utm_medium=email", "https://blog.example.com/post/42"},
		{"keeps non default port", "https://EXAMPLE.com:8443/x", "https://example.com:8443/x"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonicalURLRejectsEmpty(t *testing.T) {
	_, err := CanonicalURL("  ")
	assert.Error(t, err)
}

func TestSourceKeyFallsBackToRaw(t *testing.T) {
	assert.Equal(t, "https://a.com/x", SourceKey("https://A.com/x?utm_campaign=z"))
	assert.Equal(t, "doc:42", SourceKey(" doc:42 "))
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "example.com", Domain("https://www.Example.com:443/a"))
	assert.Equal(t, "docs.example.org", Domain("docs.example.org"))
	assert.Equal(t, "", Domain(""))
	assert.Equal(t, "", Domain("%zz"))
}

func TestTrimSnippet(t *testing.T) {
	assert.Equal(t, "a b c", TrimSnippet("  a \n b\tc ", 10))
	assert.Equal(t, "héllo…", TrimSnippet("héllo world", 5))
}

func TestExtractJSONObject(t *testing.T) {
	got, err := ExtractJSONObject("Sure! ```json\n{\"a\": {\"b\": \"}\"}}\n``` trailing")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":"}"}}`, string(got))

	got, err = ExtractJSONObject(`{not json} then {"ok":true}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))

	_, err = ExtractJSONObject("no braces here")
	assert.ErrorIs(t, err, ErrNoJSON)
}
