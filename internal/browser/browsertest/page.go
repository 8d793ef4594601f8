// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser"
)

// Click records one click dispatched to the page.
type Click struct {
	Selector string
	Mode     browser.ClickMode
	X, Y     float64
	At       bool // ClickAt rather than Click
}

// Page is a scriptable fake. Zero value is an empty 1000x800 page; tests set
// fields directly and mutate them from the hooks to simulate page reactions.
type Page struct {
	mu sync.Mutex

	CurrentURL string
	Body       string
	Markup     string
	// VisibleSet lists selectors that are currently rendered.
	VisibleSet map[string]bool
	Elements   []browser.Element
	Media      browser.MediaState
	Width      float64
	Height     float64

	// Hooks; called without the lock held.
	OnNavigate func(p *Page, url string) error
	OnClick    func(p *Page, c Click) error
	OnEvaluate func(p *Page, script string) (any, error)

	Navigations []string
	Clicks      []Click
	Typed       map[string]string
	Enters      int
	Snapshots   []string
	Closed      bool
}

// New returns an empty page.
func New() *Page {
	return &Page{VisibleSet: map[string]bool{}, Typed: map[string]string{}}
}

// Show marks selectors visible.
func (p *Page) Show(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.VisibleSet == nil {
		p.VisibleSet = map[string]bool{}
	}
	for _, s := range selectors {
		p.VisibleSet[s] = true
	}
}

// Hide removes selectors from the visible set.
func (p *Page) Hide(selectors ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range selectors {
		delete(p.VisibleSet, s)
	}
}

// SetBody replaces the rendered body text.
func (p *Page) SetBody(s string) {
	p.mu.Lock()
	p.Body = s
	p.mu.Unlock()
}

// SetURL replaces the current location.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	p.CurrentURL = u
	p.mu.Unlock()
}

// TypedValue returns what was typed into css.
func (p *Page) TypedValue(css string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Typed[css]
}

// SetMedia replaces the media state.
func (p *Page) SetMedia(m browser.MediaState) {
	p.mu.Lock()
	p.Media = m
	p.mu.Unlock()
}

// ClickLog returns a copy of recorded clicks.
func (p *Page) ClickLog() []Click {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Click(nil), p.Clicks...)
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.Navigations = append(p.Navigations, url)
	p.CurrentURL = url
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		return hook(p, url)
	}
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL, ctx.Err()
}

func (p *Page) Visible(ctx context.Context, css string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.VisibleSet[css], nil
}

func (p *Page) Click(ctx context.Context, css string, mode browser.ClickMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	known := p.VisibleSet[css] || p.hasElement(css)
	c := Click{Selector: css, Mode: mode}
	p.Clicks = append(p.Clicks, c)
	hook := p.OnClick
	p.mu.Unlock()
	if !known {
		return fmt.Errorf("%s click %s: %w", mode, css, browser.ErrNotFound)
	}
	if hook != nil {
		return hook(p, c)
	}
	return nil
}

func (p *Page) hasElement(css string) bool {
	for _, e := range p.Elements {
		if e.Selector == css {
			return true
		}
	}
	return false
}

func (p *Page) ClickAt(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	c := Click{X: x, Y: y, At: true}
	p.Clicks = append(p.Clicks, c)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		return hook(p, c)
	}
	return nil
}

func (p *Page) Viewport(ctx context.Context) (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, h := p.Width, p.Height
	if w == 0 || h == 0 {
		w, h = 1000, 800
	}
	return w, h, ctx.Err()
}

func (p *Page) Type(ctx context.Context, css, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.VisibleSet[css] {
		return fmt.Errorf("type into %s: %w", css, browser.ErrNotFound)
	}
	if p.Typed == nil {
		p.Typed = map[string]string{}
	}
	p.Typed[css] = text
	return nil
}

func (p *Page) PressEnter(ctx context.Context) error {
	p.mu.Lock()
	p.Enters++
	p.mu.Unlock()
	return ctx.Err()
}

func (p *Page) Text(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Body, ctx.Err()
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Markup != "" {
		return p.Markup, ctx.Err()
	}
	return "<html><body>" + p.Body + "</body></html>", ctx.Err()
}

func (p *Page) Interactive(ctx context.Context) ([]browser.Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Element(nil), p.Elements...), ctx.Err()
}

func (p *Page) MediaState(ctx context.Context) (browser.MediaState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Media, ctx.Err()
}

// Evaluate passes script to OnEvaluate and round-trips the hook's result
// through JSON into out, the way the real page does.
func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	hook := p.OnEvaluate
	p.mu.Unlock()
	if hook == nil {
		return nil
	}
	v, err := hook(p, script)
	if err != nil || out == nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (p *Page) Snapshot(ctx context.Context, dir, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := strings.TrimRight(dir, "/") + "/" + name + ".png"
	p.Snapshots = append(p.Snapshots, path)
	return path, ctx.Err()
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.Closed = true
	p.mu.Unlock()
	return nil
}

var _ browser.Page = (*Page)(nil)
