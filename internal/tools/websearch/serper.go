package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/mohammad-safakhou/researcher/internal/helpers"
)

const serperURL = "https://google.serper.dev/search"

// Serper queries the serper.dev Google search API.
type Serper struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func (s *Serper) Search(ctx context.Context, query string, k int, domains []string) ([]Result, error) {
	base := s.BaseURL
	if base == "" {
		base = serperURL
	}
	body, err := json.Marshal(map[string]any{"q": withSites(query, domains), "num": k})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := do(s.Client, req, &raw); err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(raw.Organic))
	for _, r := range raw.Organic {
		if r.Link == "" {
			continue
		}
		out = append(out, Result{Title: r.Title, URL: r.Link, Snippet: helpers.TrimSnippet(r.Snippet, 400)})
	}
	return clip(out, k), nil
}
