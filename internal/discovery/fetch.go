package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/locator"
)

// Fetcher retrieves the listing page markup.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

const maxListingBytes = 8 << 20

// HTTPFetcher fetches server-rendered listings with a plain GET.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

func (f HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// BrowserFetcher renders the listing in a browser page and waits for any of
// the listing containers before reading the DOM.
type BrowserFetcher struct {
	Page       browser.Page
	Containers []string
	Timeout    time.Duration
	Poll       time.Duration
}

func (f BrowserFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := f.Page.Navigate(ctx, url); err != nil {
		return "", err
	}
	containers := f.Containers
	if len(containers) == 0 {
		containers = DefaultConfig().Containers
	}
	if _, err := locator.FirstVisible(ctx, f.Page, containers, f.Timeout, f.Poll); err != nil {
		if errors.Is(err, locator.ErrNotVisible) {
			return "", ErrNoListing
		}
		return "", err
	}
	return f.Page.HTML(ctx)
}
