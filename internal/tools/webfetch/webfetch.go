// Package webfetch provides the fetch_document tool: it downloads a page,
// optionally renders it in headless Chrome, and extracts the article text
// with go-readability.
package webfetch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/mohammad-safakhou/researcher/internal/tools"
)

// ToolName is the registry name of the fetch tool.
const ToolName = "fetch_document"

const (
	DefaultTimeout  = 20 * time.Second
	DefaultMaxChars = 8192
	maxBodyBytes    = 5 << 20
	userAgent       = "researcher/1.0 (+https://github.com/mohammad-safakhou/researcher)"
)

// Page is an extracted document.
type Page struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Byline   string `json:"byline,omitempty"`
	SiteName string `json:"site_name,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
	Text     string `json:"text"`
	TopImage string `json:"top_image,omitempty"`
	HTMLHash string `json:"html_hash,omitempty"`
	Status   int    `json:"status"`
	FetchMS  int    `json:"fetch_ms"`
}

// Fetcher retrieves and extracts a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// ErrUnsupportedContent is returned for binary or otherwise non-text responses.
var ErrUnsupportedContent = errors.New("unsupported content type")

// HTTPFetcher fetches pages with a plain GET.
type HTTPFetcher struct {
	Client   *http.Client
	Timeout  time.Duration
	MaxChars int
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := parseTarget(rawURL)
	if err != nil {
		return Page{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, orDefault(f.Timeout, DefaultTimeout))
	defer cancel()
	t0 := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Page{}, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Page{}, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var page Page
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		page = extract(body, resp.Request.URL, f.MaxChars)
	case strings.HasPrefix(mediaType, "text/"):
		page = Page{URL: resp.Request.URL.String(), Text: truncate(strings.TrimSpace(string(body)), maxChars(f.MaxChars))}
	default:
		return Page{}, fmt.Errorf("%w: %s", ErrUnsupportedContent, mediaType)
	}
	page.Status = resp.StatusCode
	page.FetchMS = int(time.Since(t0) / time.Millisecond)
	return page, nil
}

// extract runs readability over html. A page readability cannot parse still
// yields its URL and hash so callers can record the visit.
func extract(html []byte, u *url.URL, limit int) Page {
	sum := sha1.Sum(html)
	page := Page{URL: u.String(), HTMLHash: hex.EncodeToString(sum[:])}
	article, err := readability.FromReader(bytes.NewReader(html), u)
	if err != nil {
		return page
	}
	page.Title = strings.TrimSpace(article.Title)
	page.Byline = strings.TrimSpace(article.Byline)
	page.SiteName = strings.TrimSpace(article.SiteName)
	page.Excerpt = strings.TrimSpace(article.Excerpt)
	page.TopImage = article.Image
	page.Text = truncate(strings.TrimSpace(article.TextContent), maxChars(limit))
	return page
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil, &tools.ToolError{Kind: tools.InvalidArguments, Tool: ToolName, Err: fmt.Errorf("invalid url %q", raw)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &tools.ToolError{Kind: tools.InvalidArguments, Tool: ToolName, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return u, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func maxChars(n int) int {
	if n <= 0 {
		return DefaultMaxChars
	}
	return n
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

const inputSchema = `{
  "type": "object",
  "properties": {"url": {"type": "string", "minLength": 1, "description": "absolute http(s) url"}},
  "required": ["url"]
}`

const outputSchema = `{
  "type": "object",
  "properties": {"url": {"type": "string"}, "text": {"type": "string"}},
  "required": ["url", "text"]
}`

// Descriptor wraps f as an in-process tool. onFetch, when set, sees every
// successfully fetched page.
func Descriptor(f Fetcher, onFetch func(context.Context, Page)) tools.Descriptor {
	return tools.Descriptor{
		Name:         ToolName,
		Description:  "Fetch a web page and return its readable text, title and top image.",
		InputSchema:  json.RawMessage(inputSchema),
		OutputSchema: json.RawMessage(outputSchema),
		Transport: tools.InProcess{Fn: func(ctx context.Context, args map[string]any) (any, error) {
			page, err := f.Fetch(ctx, tools.StringArg(args, "url"))
			if err != nil {
				return nil, err
			}
			if onFetch != nil {
				onFetch(ctx, page)
			}
			return page, nil
		}},
	}
}
