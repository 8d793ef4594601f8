package locator

import (
	"context"
	"strconv"
	"strings"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser"
)

// ParseSelector converts a selector string into CSS. Semantic forms:
//
//	role=button          [role="button"]
//	aria-label=Close     [aria-label="Close"]
//	label=Close          [aria-label="Close"]
//	aria-label*=Start    [aria-label*="Start" i]
//	testid=loginButton   [data-testid="loginButton"]
//	placeholder=Email    [placeholder="Email"]
//	name=password        [name="password"]
//	text=Start listening (text query, no CSS)
//
// Anything else is returned unchanged as CSS.
func ParseSelector(selector string) (css, text string) {
	idx := strings.Index(selector, "=")
	if idx <= 0 {
		return selector, ""
	}
	prefix, value := selector[:idx], selector[idx+1:]
	switch prefix {
	case "text":
		return "", value
	case "role":
		return attr("role", "=", value), ""
	case "label", "aria-label":
		return attr("aria-label", "=", value), ""
	case "aria-label*", "label*":
		return attr("aria-label", "*=", value), ""
	case "testid":
		return attr("data-testid", "=", value), ""
	case "placeholder":
		return attr("placeholder", "=", value), ""
	case "name":
		return attr("name", "=", value), ""
	default:
		return selector, ""
	}
}

func attr(name, op, value string) string {
	s := "[" + name + op + strconv.Quote(value)
	if op == "*=" {
		s += " i"
	}
	return s + "]"
}

// Resolve returns a CSS selector for a visible element matching selector, or
// "" when nothing visible matches. text= selectors are resolved against the
// page's interactive elements.
func Resolve(ctx context.Context, page browser.Page, selector string) (string, error) {
	css, text := ParseSelector(selector)
	if text != "" {
		els, err := page.Interactive(ctx)
		if err != nil {
			return "", err
		}
		for _, el := range els {
			if el.Visible && matchesPhrase(el, text) {
				return el.Selector, nil
			}
		}
		return "", nil
	}
	ok, err := page.Visible(ctx, css)
	if err != nil || !ok {
		return "", err
	}
	return css, nil
}

func matchesPhrase(el browser.Element, phrase string) bool {
	p := strings.ToLower(strings.TrimSpace(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(strings.ToLower(el.Text), p) || strings.Contains(strings.ToLower(el.Label), p)
}
