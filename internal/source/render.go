package source

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// DefaultRenderTimeout bounds a whole headless-browser render.
const DefaultRenderTimeout = 30 * time.Second

// scheduleReady is present once the schedule carousel has been built by
// the page's scripts.
const scheduleReady = `.js-schedule-body .swiper-slide`

// RenderHTML loads pageURL in headless Chromium via chromedp, waits for the
// schedule carousel to exist and returns the rendered document HTML.
func RenderHTML(parentCtx context.Context, pageURL string, timeout time.Duration) ([]byte, error) {
	if pageURL == "" {
		return nil, fmt.Errorf("render: URL is required")
	}
	if timeout <= 0 {
		timeout = DefaultRenderTimeout
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	var html string
	tasks := chromedp.Tasks{
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(scheduleReady, chromedp.ByQuery),
		// Let lazy slides attach.
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("render: chromedp run failed: %w", err)
	}
	return []byte(html), nil
}
