package discovery

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/locator"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

var (
	countRe     = regexp.MustCompile(`(\d[\d,]*(?:\.\d+)?)\s*([KkMm])?\b`)
	listeningRe = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?\s*[KkMm]?)\s+(?:listening|listeners)`)
	endedRe     = regexp.MustCompile(`(?i)\bended\b`)
	scheduledRe = regexp.MustCompile(`(?i)\bscheduled\b|\bstarts\s`)
)

// parseListeners reads counts such as "450", "3,456", "1.2K" or "2M".
// Anything unparseable or out of int range is 0.
func parseListeners(s string) int {
	m := countRe.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil || f < 0 {
		return 0
	}
	switch strings.ToUpper(m[2]) {
	case "K":
		f *= 1e3
	case "M":
		f *= 1e6
	}
	f = math.Round(f)
	if math.IsInf(f, 0) || math.IsNaN(f) || f >= float64(math.MaxInt) {
		return 0
	}
	return int(f)
}

// parseListing extracts rooms from listing markup. base resolves relative
// links. Cards without a resolvable room URL are skipped.
func parseListing(html string, cfg Config, base *url.URL, now time.Time) ([]models.Room, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	container := firstMatch(doc.Selection, cfg.Containers)
	if container == nil {
		return nil, ErrNoListing
	}
	cards := firstMatch(container, cfg.Cards)
	if cards == nil {
		// no card structure; treat every room link as its own card
		cards = firstMatch(container, cfg.Links)
	}
	if cards == nil {
		return nil, nil
	}

	var rooms []models.Room
	cards.Each(func(_ int, card *goquery.Selection) {
		href := cardLink(card, cfg.Links)
		if href == "" {
			return
		}
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				href = base.ResolveReference(ref).String()
			}
		}
		canonical, err := cfg.Normalizer.Normalize(href)
		if err != nil {
			return
		}

		text := collapse(card.Text())
		room := models.Room{
			ID:           cfg.Normalizer.RoomID(canonical),
			URL:          canonical,
			Title:        firstText(card, cfg.Titles),
			Host:         firstText(card, cfg.Hosts),
			Status:       statusOf(text),
			DiscoveredAt: now,
		}
		if n := firstText(card, cfg.Listeners); n != "" {
			room.Listeners = parseListeners(n)
		} else if m := listeningRe.FindStringSubmatch(text); m != nil {
			room.Listeners = parseListeners(m[1])
		}
		if room.Title == "" {
			room.Title = attrOr(card, cfg.Links, "aria-label")
		}
		if room.Title == "" {
			room.Title = linkText(card, cfg.Links)
		}
		rooms = append(rooms, room)
	})
	return rooms, nil
}

// firstMatch returns the matches of the first selector that finds anything
// under s.
func firstMatch(s *goquery.Selection, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		css, _ := locator.ParseSelector(sel)
		if css == "" {
			continue
		}
		if found := s.Find(css); found.Length() > 0 {
			return found
		}
	}
	return nil
}

func cardLink(card *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		css, _ := locator.ParseSelector(sel)
		if css == "" {
			continue
		}
		node := card.Filter(css)
		if node.Length() == 0 {
			node = card.Find(css).First()
		}
		if node.Length() == 0 {
			continue
		}
		if v, ok := node.Attr("href"); ok && v != "" {
			return v
		}
		if v, ok := node.Attr("data-space-url"); ok && v != "" {
			return v
		}
	}
	return ""
}

// linkText is the text of the card's room link; the card may be the link itself.
func linkText(card *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		css, _ := locator.ParseSelector(sel)
		if css == "" {
			continue
		}
		node := card.Filter(css)
		if node.Length() == 0 {
			node = card.Find(css).First()
		}
		if t := collapse(node.Text()); t != "" {
			return t
		}
	}
	return ""
}

func firstText(card *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		css, _ := locator.ParseSelector(sel)
		if css == "" {
			continue
		}
		if t := collapse(card.Find(css).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

func attrOr(card *goquery.Selection, selectors []string, name string) string {
	for _, sel := range selectors {
		css, _ := locator.ParseSelector(sel)
		if v, ok := card.Find(css).First().Attr(name); ok && v != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// statusOf matches whole words so "Recommended" or "Attended" stay live.
func statusOf(text string) string {
	switch {
	case endedRe.MatchString(text):
		return models.RoomStatusEnded
	case scheduledRe.MatchString(text):
		return models.RoomStatusScheduled
	default:
		return models.RoomStatusLive
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
