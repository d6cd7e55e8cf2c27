package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/research"
)

const elided = "[earlier result elided to fit the context budget]"

// note is one entry of the running context shown to the model.
type note struct {
	round   int
	tool    string
	args    map[string]any
	text    string
	failure bool
}

func (n note) render(body string) string {
	args, _ := json.Marshal(n.args)
	label := "Result"
	if n.failure {
		label = "Failure"
	}
	return fmt.Sprintf("Round %d: %s %s\n%s: %s", n.round, n.tool, args, label, body)
}

// runState is the mutable state of one sub-question run. It is owned by a
// single goroutine.
type runState struct {
	sq          research.SubQuestion
	notes       []note
	sources     []research.Source
	sourceIdx   map[string]int
	images      []research.Image
	imageSeen   map[string]struct{}
	invocations []research.ToolInvocation
	failures    map[string]int
	excluded    map[string]struct{}
}

func newRunState(sq research.SubQuestion) *runState {
	return &runState{
		sq:        sq,
		sourceIdx: make(map[string]int),
		imageSeen: make(map[string]struct{}),
		failures:  make(map[string]int),
		excluded:  make(map[string]struct{}),
	}
}

// recordFailure counts a failure of tool and reports whether it is now
// excluded. Two consecutive failures exclude a tool.
func (r *runState) recordFailure(tool string) bool {
	r.failures[tool]++
	if r.failures[tool] >= 2 {
		r.excluded[tool] = struct{}{}
		return true
	}
	return false
}

func (r *runState) recordSuccess(tool string) { r.failures[tool] = 0 }

func (r *runState) isExcluded(tool string) bool {
	_, ok := r.excluded[tool]
	return ok
}

// context renders the notes within budget characters. Oldest results are
// elided first; the newest note is truncated only if it alone overflows.
func (r *runState) context(budget int) string {
	if len(r.notes) == 0 {
		return "No tools have been called yet."
	}
	bodies := make([]string, len(r.notes))
	total := 0
	for i, n := range r.notes {
		bodies[i] = n.text
		total += len(n.render(n.text)) + 2
	}
	for i := 0; i < len(r.notes)-1 && budget > 0 && total > budget; i++ {
		before := len(r.notes[i].render(bodies[i]))
		bodies[i] = elided
		total -= before - len(r.notes[i].render(elided))
	}
	last := len(r.notes) - 1
	if budget > 0 && total > budget {
		over := total - budget
		if keep := len(bodies[last]) - over; keep > 0 {
			bodies[last] = cutBytes(bodies[last], keep) + "…"
		} else {
			bodies[last] = elided
		}
	}
	parts := make([]string, len(r.notes))
	for i, n := range r.notes {
		parts[i] = n.render(bodies[i])
	}
	return strings.Join(parts, "\n\n")
}

// cutBytes returns the longest prefix of s within n bytes that ends on a rune boundary.
func cutBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// harvest pulls sources and images out of a tool result: a single object
// with a url, or a results array of such objects.
func (r *runState) harvest(out json.RawMessage) []string {
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil
	}
	var urls []string
	add := func(m map[string]any) {
		u, _ := m["url"].(string)
		if u == "" {
			u, _ = m["link"].(string)
		}
		if u == "" {
			return
		}
		title, _ := m["title"].(string)
		snippet := firstString(m, "snippet", "excerpt", "description")
		if snippet == "" {
			snippet = helpers.TrimSnippet(firstString(m, "text"), 300)
		}
		r.addSource(research.Source{URL: u, Title: title, Snippet: snippet})
		urls = append(urls, u)
		if img := firstString(m, "top_image", "image"); img != "" {
			r.addImage(research.Image{URL: img, Alt: title, Score: 2})
		}
	}
	if results, ok := doc["results"].([]any); ok {
		for _, item := range results {
			if m, ok := item.(map[string]any); ok {
				add(m)
			}
		}
	} else {
		add(doc)
	}
	if imgs, ok := doc["images"].([]any); ok {
		for _, item := range imgs {
			switch v := item.(type) {
			case string:
				r.addImage(research.Image{URL: v, Score: 1})
			case map[string]any:
				u, _ := v["url"].(string)
				alt, _ := v["alt"].(string)
				score := 1
				if s, ok := v["score"].(float64); ok {
					score = int(s)
				}
				r.addImage(research.Image{URL: u, Alt: alt, Score: score})
			}
		}
	}
	return urls
}

func (r *runState) addSource(s research.Source) {
	key := helpers.SourceKey(s.URL)
	if i, ok := r.sourceIdx[key]; ok {
		cur := &r.sources[i]
		if cur.Title == "" {
			cur.Title = s.Title
		}
		if cur.Snippet == "" {
			cur.Snippet = s.Snippet
		}
		return
	}
	r.sourceIdx[key] = len(r.sources)
	r.sources = append(r.sources, s)
}

func (r *runState) addImage(img research.Image) {
	if img.URL == "" {
		return
	}
	if _, dup := r.imageSeen[img.URL]; dup {
		return
	}
	r.imageSeen[img.URL] = struct{}{}
	r.images = append(r.images, img)
}

// cited returns the harvested sources named in urls, in harvest order. When
// none of urls match, every harvested source is returned.
func (r *runState) cited(urls []string) []research.Source {
	want := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		want[helpers.SourceKey(u)] = struct{}{}
	}
	var out []research.Source
	for _, s := range r.sources {
		if _, ok := want[helpers.SourceKey(s.URL)]; ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, r.sources...)
	}
	for i := range out {
		out[i].UsedIn = nil
		out[i].AddUsedIn(r.sq.ID)
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
