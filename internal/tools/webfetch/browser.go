package webfetch

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
)

// BrowserFetcher renders pages in headless Chrome before extraction, for
// sites that build their content client-side.
type BrowserFetcher struct {
	Timeout  time.Duration
	MaxChars int
}

func (f *BrowserFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := parseTarget(rawURL)
	if err != nil {
		return Page{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, orDefault(f.Timeout, DefaultTimeout))
	defer cancel()
	t0 := time.Now()

	html, err := render(ctx, u.String())
	if err != nil {
		return Page{}, err
	}
	page := extract([]byte(html), u, f.MaxChars)
	page.Status = 200
	page.FetchMS = int(time.Since(t0) / time.Millisecond)
	return page, nil
}

func render(ctx context.Context, target string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

// New returns a BrowserFetcher when renderJS is set, otherwise an HTTPFetcher.
func New(renderJS bool, timeout time.Duration, maxChars int) Fetcher {
	if renderJS {
		return &BrowserFetcher{Timeout: timeout, MaxChars: maxChars}
	}
	return &HTTPFetcher{Timeout: timeout, MaxChars: maxChars}
}
