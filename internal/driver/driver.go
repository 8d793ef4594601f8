// Package driver steers a browser tab through login and room join. Every
// step resolves UI elements through ordered candidate lists; a step fails only
// once all of its candidates are exhausted.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/locator"
)

// Driver owns one browser page for the lifetime of a session.
type Driver struct {
	page   browser.Page
	cfg    Config
	logger *zap.Logger
	play   locator.Chain
}

// New returns a driver over page. Zero timings in cfg fall back to DefaultConfig.
func New(page browser.Page, cfg Config, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.fill()
	logger = logger.Named("driver")
	return &Driver{
		page:   page,
		cfg:    cfg,
		logger: logger,
		play: locator.Chain{
			Locators: locator.Standard(cfg.PlaySelectors, cfg.PlayPhrases, cfg.PlayPoints),
			Settle:   cfg.SettleDelay,
			Logger:   logger,
		},
	}
}

// Page returns the driven page.
func (d *Driver) Page() browser.Page { return d.page }

// Close closes the page and its browser.
func (d *Driver) Close() error { return d.page.Close() }

// snapshot captures a diagnostic artifact; failures are logged and yield "".
func (d *Driver) snapshot(ctx context.Context, kind, step string) string {
	// the step may have failed because ctx expired; the snapshot still needs a live context
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	name := fmt.Sprintf("%s-%s-%s", kind, step, time.Now().UTC().Format("20060102T150405"))
	path, err := d.page.Snapshot(sctx, d.cfg.SnapshotDir, name)
	if err != nil {
		d.logger.Warn("diagnostic snapshot failed", zap.String("step", step), zap.Error(err))
		return ""
	}
	d.logger.Info("diagnostic snapshot saved", zap.String("step", step), zap.String("path", path))
	return path
}

// submit clicks the first visible candidate, or presses Enter when none is visible.
func (d *Driver) submit(ctx context.Context, selectors []string) error {
	for _, sel := range selectors {
		css, err := locator.Resolve(ctx, d.page, sel)
		if err != nil || css == "" {
			continue
		}
		if err := d.page.Click(ctx, css, browser.ClickPlain); err == nil {
			d.logger.Debug("submitted", zap.String("selector", sel))
			return nil
		}
		if err := d.page.Click(ctx, css, browser.ClickScript); err == nil {
			return nil
		}
	}
	d.logger.Debug("no submit control visible, pressing enter")
	return d.page.PressEnter(ctx)
}

// waitForAny polls several selector groups and returns the index of the
// first group with a visible element, and that element's CSS.
func (d *Driver) waitForAny(ctx context.Context, timeout time.Duration, groups ...[]string) (int, string, error) {
	deadline := time.Now().Add(timeout)
	for {
		for i, g := range groups {
			for _, sel := range g {
				css, err := locator.Resolve(ctx, d.page, sel)
				if err == nil && css != "" {
					return i, css, nil
				}
			}
			if ctx.Err() != nil {
				return -1, "", ctx.Err()
			}
		}
		if !time.Now().Before(deadline) {
			return -1, "", ErrSelectorTimeout
		}
		select {
		case <-ctx.Done():
			return -1, "", ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

func (d *Driver) anyVisible(ctx context.Context, selectors []string) (string, bool) {
	for _, sel := range selectors {
		css, err := locator.Resolve(ctx, d.page, sel)
		if err == nil && css != "" {
			return sel, true
		}
	}
	return "", false
}

// bodyContains returns the first phrase present in the rendered body text.
func (d *Driver) bodyContains(ctx context.Context, phrases []string) (string, bool) {
	if len(phrases) == 0 {
		return "", false
	}
	text, err := d.page.Text(ctx)
	if err != nil {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

func joinSelectors(s []string) string {
	return strings.Join(s, " | ")
}
