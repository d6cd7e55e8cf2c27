package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/research"
	"github.com/mohammad-safakhou/researcher/internal/tools"
	"github.com/mohammad-safakhou/researcher/internal/tools/corpus"
	"github.com/mohammad-safakhou/researcher/internal/tools/webfetch"
	"github.com/mohammad-safakhou/researcher/internal/tools/websearch"
	"go.uber.org/zap"
)

const (
	maxSourceURLs = 5
	seedResults   = 5
	excerptChars  = 600
)

// background gathers the material planning and research start from. The
// user's source URLs are fetched directly and indexed into the session
// corpus. The root query is searched once, unless source URLs were given and
// ComplementSourceURLs is off. A missing tool or a failed call only costs
// context.
func (o *Orchestrator) background(ctx context.Context, sess research.Session, inv tools.Invoker, log *zap.Logger) string {
	var b strings.Builder
	if len(sess.SourceURLs) > 0 && offers(inv, webfetch.ToolName) {
		urls := sess.SourceURLs
		if len(urls) > maxSourceURLs {
			urls = urls[:maxSourceURLs]
		}
		for _, u := range urls {
			if ctx.Err() != nil {
				break
			}
			res, err := inv.Invoke(ctx, webfetch.ToolName, map[string]any{"url": u})
			if err != nil {
				log.Debug("source url fetch failed", zap.String("url", u), zap.Error(err))
				continue
			}
			var page webfetch.Page
			if json.Unmarshal(res.Output, &page) != nil || strings.TrimSpace(page.Text) == "" {
				continue
			}
			if page.URL == "" {
				page.URL = u
			}
			if err := o.corpus.Add(sess.ID, corpus.Doc{URL: page.URL, Title: page.Title, Text: page.Text}); err != nil {
				log.Debug("corpus add failed", zap.String("url", page.URL), zap.Error(err))
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", page.Title, page.URL, helpers.TrimSnippet(page.Text, excerptChars))
		}
	}

	if (len(sess.SourceURLs) == 0 || o.cfg.ComplementSourceURLs) && offers(inv, websearch.ToolName) && ctx.Err() == nil {
		args := map[string]any{"query": sess.Query, "max_results": seedResults}
		if len(sess.QueryDomains) > 0 {
			args["domains"] = sess.QueryDomains
		}
		res, err := inv.Invoke(ctx, websearch.ToolName, args)
		if err != nil {
			log.Debug("initial search failed", zap.Error(err))
		} else {
			var out struct {
				Results []websearch.Result `json:"results"`
			}
			if err := json.Unmarshal(res.Output, &out); err == nil {
				for _, r := range out.Results {
					fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, helpers.TrimSnippet(r.Snippet, excerptChars))
				}
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func offers(inv tools.Invoker, name string) bool {
	for _, d := range inv.List() {
		if d.Name == name {
			return true
		}
	}
	return false
}
