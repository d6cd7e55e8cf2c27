package websearch

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
)

const braveURL = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search web API.
type Brave struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (b *Brave) Search(ctx context.Context, query string, k int, domains []string) ([]Result, error) {
	base := b.BaseURL
	if base == "" {
		base = braveURL
	}
	q := url.Values{}
	q.Set("q", withSites(query, domains))
	q.Set("count", strconv.Itoa(k))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.APIKey)

	var raw struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := do(b.Client, req, &raw); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(raw.Web.Results))
	for _, r := range raw.Web.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: helpers.TrimSnippet(r.Description, 400)})
	}
	return clip(out, k), nil
}
