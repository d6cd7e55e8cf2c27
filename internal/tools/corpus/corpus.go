// Package corpus keeps an in-memory full-text index of the pages fetched
// during each session and exposes it as the corpus_search tool.
package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/tools"
)

// ToolName is the registry name of the corpus search tool.
const ToolName = "corpus_search"

const chunkChars = 1500

// ErrNotOpen is returned by Add for a session that was never opened or has
// been dropped.
var ErrNotOpen = errors.New("corpus session not open")

// Doc is a fetched page.
type Doc struct {
	URL   string
	Title string
	Text  string
}

// Hit is a matching passage.
type Hit struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type chunk struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

type sessionIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	chunks map[string]chunk
	urls   map[string]struct{}
	closed bool
}

// Corpus holds one index per session.
type Corpus struct {
	mu       sync.Mutex
	sessions map[string]*sessionIndex
}

// New returns an empty corpus.
func New() *Corpus {
	return &Corpus{sessions: make(map[string]*sessionIndex)}
}

func (c *Corpus) session(id string) *sessionIndex {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// Open creates the index for sessionID. Opening an open session is a no-op.
func (c *Corpus) Open(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; ok {
		return nil
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return err
	}
	c.sessions[sessionID] = &sessionIndex{index: idx, chunks: make(map[string]chunk), urls: make(map[string]struct{})}
	return nil
}

// Add indexes d for an open session. A URL already indexed for the session
// is ignored.
func (c *Corpus) Add(sessionID string, d Doc) error {
	if strings.TrimSpace(d.Text) == "" {
		return nil
	}
	s := c.session(sessionID)
	if s == nil {
		return ErrNotOpen
	}
	key := helpers.SourceKey(d.URL)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotOpen
	}
	if _, dup := s.urls[key]; dup {
		return nil
	}
	s.urls[key] = struct{}{}
	b := s.index.NewBatch()
	for i, text := range split(d.Text, chunkChars) {
		id := fmt.Sprintf("%s#%d", key, i)
		ch := chunk{URL: d.URL, Title: d.Title, Text: text}
		s.chunks[id] = ch
		if err := b.Index(id, ch); err != nil {
			return err
		}
	}
	return s.index.Batch(b)
}

// Search returns the k best passages for q. Unknown sessions yield no hits.
func (c *Corpus) Search(sessionID, q string, k int) ([]Hit, error) {
	s := c.session(sessionID)
	if s == nil {
		return nil, nil
	}
	if k <= 0 || k > 50 {
		k = 5
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(q), k, 0, false)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil
	}
	res, err := s.index.Search(req)
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		ch := s.chunks[h.ID]
		out = append(out, Hit{URL: ch.URL, Title: ch.Title, Snippet: helpers.TrimSnippet(ch.Text, 300), Score: h.Score})
	}
	return out, nil
}

// Len reports how many documents the session has indexed.
func (c *Corpus) Len(sessionID string) int {
	s := c.session(sessionID)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.urls)
}

// Drop releases a session's index. Later calls to Add fail with ErrNotOpen.
func (c *Corpus) Drop(sessionID string) {
	c.mu.Lock()
	s := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if s != nil {
		s.mu.Lock()
		s.closed = true
		_ = s.index.Close()
		s.mu.Unlock()
	}
}

// split cuts text into chunks of about n runes on whitespace boundaries.
func split(text string, n int) []string {
	words := strings.Fields(text)
	var out []string
	var b strings.Builder
	for _, w := range words {
		if b.Len() > 0 && b.Len()+len(w)+1 > n {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

type ctxKey struct{}

// WithSession scopes corpus_search calls made with ctx to sessionID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, sessionID)
}

// SessionFrom returns the session set by WithSession.
func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

const inputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "k": {"type": "integer", "minimum": 1, "maximum": 50}
  },
  "required": ["query"]
}`

// Descriptor exposes c as an in-process tool scoped by the caller's session.
func Descriptor(c *Corpus) tools.Descriptor {
	return tools.Descriptor{
		Name:        ToolName,
		Description: "Full-text search over the pages already fetched in this research session.",
		InputSchema: json.RawMessage(inputSchema),
		Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
			hits, err := c.Search(SessionFrom(ctx), tools.StringArg(args, "query"), tools.IntArg(args, "k", 5))
			if err != nil {
				return nil, err
			}
			if hits == nil {
				hits = []Hit{}
			}
			return map[string]any{"results": hits}, nil
		}},
	}
}
