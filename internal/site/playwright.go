package site

import (
	"context"
	"fmt"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// Driver creates browser-backed sessions. Each session owns its own
// browser so one institution's state never leaks into another's.
type Driver struct {
	Headless bool
}

// NewSession launches a browser and starts trace recording.
func (d *Driver) NewSession(ctx context.Context) (Session, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("starting browser driver: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.Headless),
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	bctx, err := browser.NewContext()
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("creating browser context: %w", err)
	}
	if err := bctx.Tracing().Start(playwright.TracingStartOptions{
		Screenshots: playwright.Bool(true),
		Snapshots:   playwright.Bool(true),
	}); err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("starting trace: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("opening page: %w", err)
	}

	s := &pwSession{
		pw:      pw,
		browser: browser,
		bctx:    bctx,
		page:    page,
		arrived: make(chan struct{}, 1),
	}
	// Responses are buffered from page creation onward so a wait that
	// starts after the triggering click still sees the response.
	page.OnResponse(func(resp playwright.Response) {
		s.mu.Lock()
		s.responses = append(s.responses, resp)
		s.mu.Unlock()
		select {
		case s.arrived <- struct{}{}:
		default:
		}
	})
	return s, nil
}

type pwSession struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page

	mu        sync.Mutex
	responses []playwright.Response
	scanned   int
	arrived   chan struct{}
}

func (s *pwSession) Navigate(ctx context.Context, url string) error {
	if _, err := s.page.Goto(url); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

func (s *pwSession) Fill(ctx context.Context, locator, value string) error {
	if err := s.page.Locator(locator).Fill(value); err != nil {
		return fmt.Errorf("filling %s: %w", locator, err)
	}
	return nil
}

func (s *pwSession) Click(ctx context.Context, locator string) error {
	if err := s.page.Locator(locator).Click(); err != nil {
		return fmt.Errorf("clicking %s: %w", locator, err)
	}
	return nil
}

func (s *pwSession) AwaitResponse(ctx context.Context, pred func(url, method string) bool) (*Response, error) {
	for {
		s.mu.Lock()
		for ; s.scanned < len(s.responses); s.scanned++ {
			resp := s.responses[s.scanned]
			if pred(resp.URL(), resp.Request().Method()) {
				s.scanned++
				s.mu.Unlock()
				return convertResponse(resp)
			}
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.arrived:
		}
	}
}

func (s *pwSession) AwaitURL(ctx context.Context, pred func(url string) bool) (string, error) {
	// WaitForURL matches the current location immediately and then follows
	// navigation events, fragment route changes included.
	done := make(chan error, 1)
	go func() { done <- s.page.WaitForURL(pred) }()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("waiting for page url: %w", err)
		}
		return s.page.URL(), nil
	}
}

func convertResponse(resp playwright.Response) (*Response, error) {
	body, err := resp.Body()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	headers, err := resp.Request().AllHeaders()
	if err != nil {
		return nil, fmt.Errorf("reading request headers: %w", err)
	}
	return &Response{
		URL:            resp.URL(),
		Method:         resp.Request().Method(),
		Status:         resp.Status(),
		Body:           body,
		RequestHeaders: headers,
	}, nil
}

func (s *pwSession) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := s.bctx.Cookies()
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{Name: c.Name, Value: c.Value})
	}
	return cookies, nil
}

func (s *pwSession) Close(ctx context.Context, tracePath string) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if tracePath != "" {
		record(s.bctx.Tracing().Stop(tracePath))
	} else {
		record(s.bctx.Tracing().Stop())
	}
	record(s.page.Close())
	record(s.bctx.Close())
	record(s.browser.Close())
	record(s.pw.Stop())
	return firstErr
}
