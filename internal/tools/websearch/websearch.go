// Package websearch provides the web_search tool backed by Brave or Serper.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
	"github.com/mohammad-safakhou/researcher/internal/tools"
)

// ToolName is the registry name of the search tool.
const ToolName = "web_search"

// ErrNoProvider is returned when no search API key is configured.
var ErrNoProvider = errors.New("websearch: no provider configured")

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web query.
type Searcher interface {
	Search(ctx context.Context, query string, k int, domains []string) ([]Result, error)
}

// New picks Brave when its key is set, otherwise Serper.
func New(braveKey, serperKey string, client *http.Client) (Searcher, error) {
	switch {
	case braveKey != "":
		return &Brave{APIKey: braveKey, Client: client}, nil
	case serperKey != "":
		return &Serper{APIKey: serperKey, Client: client}, nil
	default:
		return nil, ErrNoProvider
	}
}

const inputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "description": "search query"},
    "max_results": {"type": "integer", "minimum": 1, "maximum": 20},
    "domains": {"type": "array", "items": {"type": "string"}, "description": "restrict results to these domains"}
  },
  "required": ["query"]
}`

const outputSchema = `{
  "type": "object",
  "properties": {"results": {"type": "array"}},
  "required": ["results"]
}`

// Descriptor wraps s as an in-process tool. defaultK applies when the
// caller omits max_results; domains are merged with the request's domains.
func Descriptor(s Searcher, defaultK int, domains []string) tools.Descriptor {
	if defaultK <= 0 {
		defaultK = 5
	}
	return tools.Descriptor{
		Name:         ToolName,
		Description:  "Search the web. Returns a list of results with title, url and snippet.",
		InputSchema:  json.RawMessage(inputSchema),
		OutputSchema: json.RawMessage(outputSchema),
		Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
			k := tools.IntArg(args, "max_results", defaultK)
			ds := append(append([]string(nil), domains...), tools.StringsArg(args, "domains")...)
			res, err := s.Search(ctx, tools.StringArg(args, "query"), k, ds)
			if err != nil {
				return nil, err
			}
			if res == nil {
				res = []Result{}
			}
			return map[string]any{"results": res}, nil
		}},
	}
}

// withSites appends a site: filter for domains to q.
func withSites(q string, domains []string) string {
	seen := map[string]bool{}
	var sites []string
	for _, d := range domains {
		d = helpers.Domain(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		sites = append(sites, "site:"+d)
	}
	switch len(sites) {
	case 0:
		return q
	case 1:
		return q + " " + sites[0]
	default:
		return q + " (" + strings.Join(sites, " OR ") + ")"
	}
}

func do(client *http.Client, req *http.Request, out any) error {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("search api status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}
	return nil
}

func clip(res []Result, k int) []Result {
	if k > 0 && len(res) > k {
		return res[:k]
	}
	return res
}
