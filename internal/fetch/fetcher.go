// Package fetch implements the dual-strategy fetch layer:
// an HTTP client with retry/backoff, a headless-browser render fallback,
// and a bounded per-URL memory of which strategy a page needed.
package fetch

import (
	"context"
	"log/slog"
	"time"
)

// PageKindValidator is supplied by callers (the page parsers) to decide
// whether a fetched body is acceptable, so the fetch layer can decide
// whether to fall back to rendering without knowing anything about page
// structure itself.
type PageKindValidator func(body []byte) error

// Fetcher composes the HTTP client, the renderer, and the strategy cache
// into the single operation the pipeline calls: "get me this page,
// however it takes."
type Fetcher struct {
	http          *HTTPClient
	render        *Renderer
	strategyCache *StrategyCache
	renderTimeout time.Duration
	logger        *slog.Logger
}

// NewFetcher wires the HTTP client, renderer and strategy cache together.
func NewFetcher(httpClient *HTTPClient, renderer *Renderer, cache *StrategyCache, renderTimeout time.Duration, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		http: httpClient,
		render: renderer,
		strategyCache: cache,
		renderTimeout: renderTimeout,
		logger: logger,
	}
}

// Fetch returns url's HTML, using the render path directly if the strategy
// cache already knows this URL needs it; otherwise tries HTTP first and
// falls back to render when the HTTP body fails validate (typically: the
// parser couldn't find the expected structure because content loads via
// JS). A nil validate accepts any HTTP-successful body. A successful
// fallback updates the strategy cache so the next call to the same URL
// skips straight to render.
func (f *Fetcher) Fetch(ctx context.Context, url, waitSelector string, validate PageKindValidator) (string, error) {
	if requires, known := f.strategyCache.RequiresRender(url); known && requires {
		return f.renderAndRemember(ctx, url, waitSelector, true)
	}

	body, status, err := f.http.Get(ctx, url)
	if err == nil {
		if validate == nil {
			return string(body), nil
		}

		if verr := validate(body); verr == nil {
			return string(body), nil
		}

		f.logger.Warn("http fetch parsed poorly, falling back to render", "url", url, "status", status)

		return f.renderAndRemember(ctx, url, waitSelector, true)
	}

	f.logger.Warn("http fetch failed, falling back to render", "url", url, "error", err)

	return f.renderAndRemember(ctx, url, waitSelector, true)
}

func (f *Fetcher) renderAndRemember(ctx context.Context, url, waitSelector string, remember bool) (string, error) {
	html, err := f.render.Render(ctx, url, waitSelector, f.renderTimeout)
	if err != nil {
		return "", err
	}

	if remember {
		f.strategyCache.MarkRequiresRender(url, true)
	}

	return html, nil
}
