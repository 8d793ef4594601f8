// Package discovery finds live audio rooms on the listing surface and ranks
// them by audience.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

// Discoverer queries the listing surface through a Fetcher.
type Discoverer struct {
	fetcher Fetcher
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(fetcher Fetcher, cfg Config, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.fill()
	return &Discoverer{fetcher: fetcher, cfg: cfg, logger: logger.Named("discovery"), now: time.Now}
}

// Discover returns the rooms currently listed for f, de-duplicated by ID and
// in listing order. It fails with ErrNoListing when the page has no listing
// container.
func (d *Discoverer) Discover(ctx context.Context, f Filters) ([]models.Room, error) {
	target, err := d.cfg.listingURL(f)
	if err != nil {
		return nil, &DiscoveryError{URL: d.cfg.ListingURL, Err: err}
	}

	html, err := d.fetcher.Fetch(ctx, target)
	if err != nil {
		if errors.Is(err, ErrNoListing) {
			return nil, &DiscoveryError{URL: target, Err: err}
		}
		return nil, &DiscoveryError{URL: target, Err: fmt.Errorf("%w: %w", ErrFetch, err)}
	}

	// relative room links belong to the room site, not the listing host
	base := &url.URL{Scheme: "https", Host: d.cfg.Normalizer.Primary, Path: "/"}
	found, err := parseListing(html, d.cfg, base, d.now())
	if err != nil {
		return nil, &DiscoveryError{URL: target, Err: err}
	}

	seen := make(map[string]bool, len(found))
	rooms := make([]models.Room, 0, len(found))
	for _, r := range found {
		if !r.Valid() || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		rooms = append(rooms, r)
	}
	d.logger.Info("rooms discovered",
		zap.Int("count", len(rooms)),
		zap.String("mode", f.Mode),
		zap.String("query", f.Query),
	)
	return rooms, nil
}

// MostPopular returns the room with the most listeners. Ties go to the room
// listed first.
func (d *Discoverer) MostPopular(ctx context.Context, f Filters) (models.Room, error) {
	rooms, err := d.Discover(ctx, f)
	if err != nil {
		return models.Room{}, err
	}
	best, ok := MostPopular(rooms)
	if !ok {
		return models.Room{}, &DiscoveryError{URL: d.cfg.ListingURL, Err: ErrNoRooms}
	}
	d.logger.Info("most popular room",
		zap.String("room_id", best.ID),
		zap.String("title", best.Title),
		zap.Int("listeners", best.Listeners),
	)
	return best, nil
}

// MostPopular picks the maximum-listener room from rooms; ok is false when
// rooms is empty.
func MostPopular(rooms []models.Room) (best models.Room, ok bool) {
	for i, r := range rooms {
		if i == 0 || r.Listeners > best.Listeners {
			best = r
		}
	}
	return best, len(rooms) > 0
}

// Monitor polls Discover every interval until ctx is done. The first poll
// only records a baseline; later polls pass rooms not seen before to onNew.
// Poll failures are logged and polling continues.
func (d *Discoverer) Monitor(ctx context.Context, f Filters, interval time.Duration, onNew func([]models.Room)) {
	if interval <= 0 {
		interval = time.Minute
	}
	seen := make(map[string]bool)
	baseline := true

	poll := func() {
		rooms, err := d.Discover(ctx, f)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("discovery poll failed", zap.Error(err))
			}
			return
		}
		var fresh []models.Room
		for _, r := range rooms {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			fresh = append(fresh, r)
		}
		if baseline {
			baseline = false
			d.logger.Info("discovery baseline recorded", zap.Int("rooms", len(rooms)))
			return
		}
		if len(fresh) > 0 {
			d.logger.Info("new rooms discovered", zap.Int("count", len(fresh)))
			onNew(fresh)
		}
	}

	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}
