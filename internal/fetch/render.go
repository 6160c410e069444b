package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// Renderer fetches a page through a headless browser: a fresh isolated
// browsing context per call, a fixed viewport, wait for DOM-content,
// wait for the given selector, wait a fixed settle delay for residual
// scripts, then serialize the DOM. Driven over the Chrome DevTools
// Protocol via chromedp.
type Renderer struct {
	viewportWidth  int
	viewportHeight int
	settleDelay    time.Duration
	execPath       string
	permits        chan struct{} // global render semaphore,
}

// NewRenderer builds a renderer with permits concurrent render slots.
// The permit channel is the process-wide ceiling on simultaneous
// browser sessions, shared by every caller of this renderer.
func NewRenderer(viewportWidth, viewportHeight int, settleDelay time.Duration, execPath string, permits int) *Renderer {
	return &Renderer{
		viewportWidth: viewportWidth,
		viewportHeight: viewportHeight,
		settleDelay: settleDelay,
		execPath: execPath,
		permits: make(chan struct{}, permits),
	}
}

// Render fetches url through a headless browser, waiting for waitSelector
// to appear before serializing the DOM. Each call gets its own isolated
// browsing context (a fresh chromedp allocator) so cookies/storage never
// leak between pages.
func (r *Renderer) Render(ctx context.Context, url, waitSelector string, timeout time.Duration) (string, error) {
	select {
	case r.permits <- struct{}{}:
		defer func() { <-r.permits }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	renderCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(r.viewportWidth, r.viewportHeight),
	)
	if r.execPath != "" {
		opts = append(opts, chromedp.ExecPath(r.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(renderCtx, opts...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var html string

	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}

	if waitSelector != "" {
		tasks = append(tasks, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
	}

	tasks = append(tasks,
		chromedp.Sleep(r.settleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(browserCtx, tasks); err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}

	return html, nil
}
