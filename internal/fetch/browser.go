package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// BrowserPool is the small shared pool of headless browser tabs the
// rendered path draws from (spec §4.4: "a headless browser instance
// from a small pool... shared across workers; acquisition blocks").
// Grounded on chromedp, the only pack repo driving a browser.
type BrowserPool struct {
	mu           sync.Mutex
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	sem          chan struct{}
	maxRequests  int
	requestCount int
}

// NewBrowserPool creates a pool bounded to size concurrent tabs, with
// browsers recycled every maxRequests navigations (spec §5: "Browsers
// are recycled every browser_max_requests... to bound memory").
func NewBrowserPool(size, maxRequests int) *BrowserPool {
	if size <= 0 {
		size = 10
	}
	if maxRequests <= 0 {
		maxRequests = 500
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), chromedp.DefaultExecAllocatorOptions[:]...)
	return &BrowserPool{
		allocCtx:    allocCtx,
		allocCancel: cancel,
		sem:         make(chan struct{}, size),
		maxRequests: maxRequests,
	}
}

// Close tears down the shared allocator and any browsers it launched.
func (p *BrowserPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allocCancel()
}

// Fetch navigates to url in a pooled tab, waits for the document to
// settle, and returns the rendered HTML. Acquisition of a pool slot
// blocks until one is free or ctx is cancelled.
func (p *BrowserPool) Fetch(ctx context.Context, url string, navTimeout time.Duration) ([]byte, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	p.mu.Lock()
	allocCtx := p.allocCtx
	p.mu.Unlock()

	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	navCtx, cancelNav := context.WithTimeout(taskCtx, navTimeout)
	defer cancelNav()

	var html string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	p.mu.Lock()
	p.requestCount++
	if p.requestCount >= p.maxRequests {
		p.recycleLocked()
	}
	p.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", url, err)
	}
	return []byte(html), nil
}

// recycleLocked replaces the shared allocator context with a fresh one.
// Callers must hold p.mu.
func (p *BrowserPool) recycleLocked() {
	p.allocCancel()
	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), chromedp.DefaultExecAllocatorOptions[:]...)
	p.requestCount = 0
}
