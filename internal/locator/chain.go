package locator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser"
)

// ErrNotVisible is returned by FirstVisible when no selector matched in time.
var ErrNotVisible = errors.New("no selector became visible")

// Signal reports whether the effect a click was meant to produce is present.
type Signal func(ctx context.Context) bool

// Attempt records one click.
type Attempt struct {
	Strategy string
	Target   string
	Mode     browser.ClickMode
	Err      error
	Signaled bool
}

// Result summarizes a chain run.
type Result struct {
	Succeeded bool
	Strategy  string
	Target    string
	Attempts  []Attempt
}

// Last returns the most recent attempt, or a zero Attempt.
func (r Result) Last() Attempt {
	if len(r.Attempts) == 0 {
		return Attempt{}
	}
	return r.Attempts[len(r.Attempts)-1]
}

// Chain tries locators in order until the signal fires.
type Chain struct {
	Locators []Locator
	// Settle is how long to wait after a click before checking the signal.
	Settle time.Duration
	Logger *zap.Logger
}

// Run clicks candidates strategy by strategy. Click errors are absorbed and
// the next mode or candidate is tried; only ctx cancellation ends the run early.
func (c Chain) Run(ctx context.Context, page browser.Page, signal Signal) Result {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var res Result

	for _, loc := range c.Locators {
		cands, err := loc.Candidates(ctx, page)
		if err != nil {
			logger.Debug("locator failed", zap.String("strategy", loc.Name()), zap.Error(err))
			res.Attempts = append(res.Attempts, Attempt{Strategy: loc.Name(), Err: err})
			if ctx.Err() != nil {
				return res
			}
			continue
		}
		logger.Debug("locator candidates", zap.String("strategy", loc.Name()), zap.Int("count", len(cands)))

		for _, cand := range cands {
			if c.try(ctx, page, loc.Name(), cand, signal, &res, logger) {
				res.Succeeded = true
				res.Strategy = loc.Name()
				res.Target = cand.Target()
				logger.Info("click produced signal",
					zap.String("strategy", res.Strategy),
					zap.String("target", res.Target),
					zap.Int("attempts", len(res.Attempts)),
				)
				return res
			}
			if ctx.Err() != nil {
				return res
			}
		}
	}
	return res
}

func (c Chain) try(ctx context.Context, page browser.Page, strategy string, cand Candidate, signal Signal, res *Result, logger *zap.Logger) bool {
	if cand.Selector == "" {
		a := Attempt{Strategy: strategy, Target: cand.Target()}
		w, h, err := page.Viewport(ctx)
		if err == nil {
			err = page.ClickAt(ctx, cand.X*w, cand.Y*h)
		}
		a.Err = err
		a.Signaled = err == nil && c.settled(ctx, signal)
		res.Attempts = append(res.Attempts, a)
		return a.Signaled
	}

	modes := cand.Modes
	if len(modes) == 0 {
		modes = []browser.ClickMode{browser.ClickPlain}
	}
	for _, mode := range modes {
		a := Attempt{Strategy: strategy, Target: cand.Target(), Mode: mode}
		a.Err = page.Click(ctx, cand.Selector, mode)
		if a.Err != nil {
			logger.Debug("click failed", zap.String("target", a.Target), zap.Stringer("mode", mode), zap.Error(a.Err))
		} else {
			a.Signaled = c.settled(ctx, signal)
		}
		res.Attempts = append(res.Attempts, a)
		if a.Signaled {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

func (c Chain) settled(ctx context.Context, signal Signal) bool {
	if c.Settle > 0 {
		t := time.NewTimer(c.Settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return signal(ctx)
}

// FirstVisible polls selectors in order until one resolves to a visible
// element and returns its CSS. It fails with ErrNotVisible after timeout.
func FirstVisible(ctx context.Context, page browser.Page, selectors []string, timeout, poll time.Duration) (string, error) {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		for _, sel := range selectors {
			css, err := Resolve(ctx, page, sel)
			if err == nil && css != "" {
				return css, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w after %s", ErrNotVisible, timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(poll):
		}
	}
}
