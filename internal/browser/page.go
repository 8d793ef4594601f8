// Package browser abstracts the remote-controlled browser tab the session
// driver operates on. ChromePage drives a real Chromium over the DevTools
// protocol; tests use browsertest.Page.
package browser

import (
	"context"
	"errors"
)

// ClickMode selects how a click is dispatched.
type ClickMode int

const (
	// ClickPlain waits for the element to be visible and clicks it.
	ClickPlain ClickMode = iota
	// ClickForced dispatches mouse events at the element's box without
	// waiting for visibility.
	ClickForced
	// ClickScript calls dispatchEvent from page script.
	ClickScript
)

func (m ClickMode) String() string {
	switch m {
	case ClickPlain:
		return "plain"
	case ClickForced:
		return "forced"
	case ClickScript:
		return "script"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned when a selector matches no element.
var ErrNotFound = errors.New("element not found")

// Element is an interactive element as seen from the page. Selector
// addresses exactly this element for later clicks.
type Element struct {
	Selector string  `json:"selector"`
	Tag      string  `json:"tag"`
	Text     string  `json:"text"`
	Label    string  `json:"label"`
	Role     string  `json:"role"`
	Area     float64 `json:"area"`
	Visible  bool    `json:"visible"`
}

// MediaState counts audio/video elements on the page.
type MediaState struct {
	Elements int `json:"elements"`
	Playing  int `json:"playing"`
}

// Page is the set of tab operations the capture flow needs. Every method
// blocks until the browser answers, ctx is done, or the page's own action
// timeout elapses.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	// Visible reports whether css matches a rendered element. An unmatched or
	// invalid selector is (false, nil).
	Visible(ctx context.Context, css string) (bool, error)
	Click(ctx context.Context, css string, mode ClickMode) error
	ClickAt(ctx context.Context, x, y float64) error
	Viewport(ctx context.Context) (width, height float64, err error)
	Type(ctx context.Context, css, text string) error
	PressEnter(ctx context.Context) error
	// Text returns the rendered text of the document body.
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Interactive(ctx context.Context) ([]Element, error)
	MediaState(ctx context.Context) (MediaState, error)
	// Evaluate runs script and decodes its JSON result into out (nil discards it).
	Evaluate(ctx context.Context, script string, out any) error
	// Snapshot writes HTML and a screenshot of the page into dir and returns
	// the screenshot path.
	Snapshot(ctx context.Context, dir, name string) (string, error)
	Close() error
}
