// Package locator finds and clicks UI elements through an ordered chain of
// strategies. Each strategy proposes click candidates; the chain clicks them
// in turn and stops as soon as a caller-supplied signal reports success.
package locator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser"
)

// Candidate is one thing to click. Selector-less candidates are clicked at
// the proportional viewport point (X, Y).
type Candidate struct {
	Selector string
	X, Y     float64
	Label    string
	Area     float64
	Modes    []browser.ClickMode
}

// Target describes the candidate for logs and errors.
func (c Candidate) Target() string {
	if c.Selector == "" {
		return fmt.Sprintf("viewport(%.2f,%.2f)", c.X, c.Y)
	}
	if c.Label != "" {
		return c.Selector + " (" + c.Label + ")"
	}
	return c.Selector
}

// Locator is one element discovery strategy.
type Locator interface {
	Name() string
	Candidates(ctx context.Context, page browser.Page) ([]Candidate, error)
}

var (
	escalating      = []browser.ClickMode{browser.ClickPlain, browser.ClickForced, browser.ClickScript}
	plainThenScript = []browser.ClickMode{browser.ClickPlain, browser.ClickScript}
)

// Attribute tries an ordered list of semantic or CSS selectors. Each visible
// match is clicked plain, then forced, then via script.
type Attribute struct {
	Selectors []string
}

func (Attribute) Name() string { return "attribute" }

func (a Attribute) Candidates(ctx context.Context, page browser.Page) ([]Candidate, error) {
	var out []Candidate
	for _, sel := range a.Selectors {
		css, err := Resolve(ctx, page, sel)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			continue
		}
		if css == "" {
			continue
		}
		out = append(out, Candidate{Selector: css, Label: sel, Modes: escalating})
	}
	return out, nil
}

// TextMatch picks visible interactive elements whose text or label contains
// one of Phrases, largest first.
type TextMatch struct {
	Phrases []string
}

func (TextMatch) Name() string { return "text" }

func (t TextMatch) Candidates(ctx context.Context, page browser.Page) ([]Candidate, error) {
	els, err := page.Interactive(ctx)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, el := range els {
		if !el.Visible {
			continue
		}
		for _, phrase := range t.Phrases {
			if matchesPhrase(el, phrase) {
				out = append(out, Candidate{Selector: el.Selector, Label: label(el), Area: el.Area, Modes: plainThenScript})
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Area > out[j].Area })
	return out, nil
}

// LargestVisible picks the single largest visible interactive element.
type LargestVisible struct{}

func (LargestVisible) Name() string { return "largest" }

func (LargestVisible) Candidates(ctx context.Context, page browser.Page) ([]Candidate, error) {
	els, err := page.Interactive(ctx)
	if err != nil {
		return nil, err
	}
	var best *browser.Element
	for i := range els {
		if els[i].Visible && els[i].Area > 0 && (best == nil || els[i].Area > best.Area) {
			best = &els[i]
		}
	}
	if best == nil {
		return nil, nil
	}
	return []Candidate{{Selector: best.Selector, Label: label(*best), Area: best.Area, Modes: plainThenScript}}, nil
}

// Point is a proportional viewport position, both axes in [0,1].
type Point struct{ X, Y float64 }

// DefaultPoints are the last-resort click positions: centre, then
// progressively lower where room controls usually sit.
var DefaultPoints = []Point{{0.5, 0.5}, {0.5, 0.7}, {0.5, 0.8}, {0.5, 0.9}}

// Coordinates clicks fixed viewport positions.
type Coordinates struct {
	Points []Point
}

func (Coordinates) Name() string { return "coordinates" }

func (c Coordinates) Candidates(ctx context.Context, _ browser.Page) ([]Candidate, error) {
	pts := c.Points
	if len(pts) == 0 {
		pts = DefaultPoints
	}
	out := make([]Candidate, 0, len(pts))
	for _, p := range pts {
		out = append(out, Candidate{X: clamp01(p.X), Y: clamp01(p.Y)})
	}
	return out, ctx.Err()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func label(el browser.Element) string {
	s := el.Text
	if s == "" {
		s = el.Label
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		s = s[:60] + "..."
	}
	return s
}

// Standard returns the four-stage chain: attribute selectors, text phrases,
// the largest visible element, fixed coordinates.
func Standard(selectors, phrases []string, points []Point) []Locator {
	return []Locator{
		Attribute{Selectors: selectors},
		TextMatch{Phrases: phrases},
		LargestVisible{},
		Coordinates{Points: points},
	}
}
