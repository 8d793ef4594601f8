package discovery

import (
	"net/url"
	"strings"
	"time"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/roomurl"
)

// Filters narrow the listing query.
type Filters struct {
	// Mode is the listing tab, "live" by default.
	Mode     string
	Language string
	Query    string
}

// Config holds the listing surface location and the selectors used to pick
// it apart. Each list is tried in order; the first that matches wins.
type Config struct {
	ListingURL string

	Containers []string
	Cards      []string
	Links      []string
	Titles     []string
	Hosts      []string
	Listeners  []string

	// Timeout bounds the wait for a listing container.
	Timeout time.Duration
	Poll    time.Duration

	Normalizer roomurl.Normalizer
}

// DefaultConfig returns selectors for the twitter.com live search surface.
func DefaultConfig() Config {
	return Config{
		ListingURL: "https://twitter.com/search",
		Containers: []string{
			`[aria-label="Timeline: Search timeline"]`,
			`[data-testid="primaryColumn"] section`,
			`[data-testid="cellInnerDiv"]`,
			`main [role="region"]`,
			`main`,
		},
		Cards: []string{
			`[data-testid="SpaceCard"]`,
			`[data-testid="tweet"]`,
			`article`,
			`[data-testid="cellInnerDiv"]`,
		},
		Links: []string{
			`a[href*="/i/spaces/"]`,
			`[data-space-url]`,
		},
		Titles: []string{
			`[data-testid="SpaceTitle"]`,
			`[data-testid="tweetText"]`,
			`h2`,
			`[dir="auto"] span`,
		},
		Hosts: []string{
			`[data-testid="SpaceHost"]`,
			`[data-testid="User-Name"] span`,
			`[data-testid="User-Names"] span`,
		},
		Listeners: []string{
			`[data-testid="SpaceListenerCount"]`,
			`[data-testid="listenerCount"]`,
			`[aria-label*="listening"]`,
		},
		Timeout:    15 * time.Second,
		Poll:       500 * time.Millisecond,
		Normalizer: roomurl.Default,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.ListingURL == "" {
		c.ListingURL = d.ListingURL
	}
	if len(c.Containers) == 0 {
		c.Containers = d.Containers
	}
	if len(c.Cards) == 0 {
		c.Cards = d.Cards
	}
	if len(c.Links) == 0 {
		c.Links = d.Links
	}
	if len(c.Titles) == 0 {
		c.Titles = d.Titles
	}
	if len(c.Hosts) == 0 {
		c.Hosts = d.Hosts
	}
	if len(c.Listeners) == 0 {
		c.Listeners = d.Listeners
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Poll <= 0 {
		c.Poll = d.Poll
	}
	if c.Normalizer.Primary == "" {
		c.Normalizer = d.Normalizer
	}
}

// listingURL builds the query URL for f.
func (c Config) listingURL(f Filters) (string, error) {
	u, err := url.Parse(c.ListingURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	mode := f.Mode
	if mode == "" {
		mode = "live"
	}
	q.Set("f", mode)
	query := strings.TrimSpace(f.Query)
	if !strings.Contains(query, "filter:spaces") {
		query = strings.TrimSpace(query + " filter:spaces")
	}
	q.Set("q", query)
	if f.Language != "" {
		q.Set("lang", f.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
