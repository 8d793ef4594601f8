package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"
)

// Options configures the launched browser.
type Options struct {
	ExecPath        string
	UserDataDir     string
	Headless        bool
	NoSandbox       bool
	Width           int
	Height          int
	UserAgent       string
	ActionTimeout   time.Duration
	NavigateTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Width <= 0 {
		o.Width = 1280
	}
	if o.Height <= 0 {
		o.Height = 800
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 10 * time.Second
	}
	if o.NavigateTimeout <= 0 {
		o.NavigateTimeout = 45 * time.Second
	}
}

// ChromePage is a Page backed by a single Chromium tab driven over CDP.
type ChromePage struct {
	opts   Options
	logger *zap.Logger

	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	closeOnce   sync.Once
}

// Launch starts a browser process and opens one tab.
func Launch(opts Options, logger *zap.Logger) (*ChromePage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.defaults()
	logger = logger.Named("browser")

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		// media must play without a user gesture, and audibly for device capture
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("mute-audio", false),
		chromedp.WindowSize(opts.Width, opts.Height),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.UserDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.UserDataDir))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	sugar := logger.Sugar()
	tabCtx, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Warnf),
	)

	// the first Run starts the browser process
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	logger.Info("browser launched",
		zap.Bool("headless", opts.Headless),
		zap.Int("width", opts.Width),
		zap.Int("height", opts.Height),
	)
	return &ChromePage{
		opts:        opts,
		logger:      logger,
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
	}, nil
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (p *ChromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *ChromePage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, p.opts.NavigateTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *ChromePage) URL(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return u, nil
}

func (p *ChromePage) Visible(ctx context.Context, css string) (bool, error) {
	var ok bool
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.Evaluate(visibleScript(css), &ok)); err != nil {
		return false, fmt.Errorf("visible %s: %w", css, err)
	}
	return ok, nil
}

func (p *ChromePage) Click(ctx context.Context, css string, mode ClickMode) error {
	var err error
	switch mode {
	case ClickForced:
		err = p.run(ctx, p.opts.ActionTimeout,
			chromedp.QueryAfter(css, func(ctx context.Context, _ runtime.ExecutionContextID, nodes ...*cdp.Node) error {
				if len(nodes) == 0 {
					return ErrNotFound
				}
				return chromedp.MouseClickNode(nodes[0]).Do(ctx)
			}, chromedp.ByQuery, chromedp.NodeReady),
		)
	case ClickScript:
		var found bool
		err = p.run(ctx, p.opts.ActionTimeout, chromedp.Evaluate(scriptClick(css), &found))
		if err == nil && !found {
			err = ErrNotFound
		}
	default:
		err = p.run(ctx, p.opts.ActionTimeout, chromedp.Click(css, chromedp.ByQuery, chromedp.NodeVisible))
	}
	if err != nil {
		return fmt.Errorf("%s click %s: %w", mode, css, err)
	}
	return nil
}

func (p *ChromePage) ClickAt(ctx context.Context, x, y float64) error {
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("click at %.0f,%.0f: %w", x, y, err)
	}
	return nil
}

func (p *ChromePage) Viewport(ctx context.Context) (float64, float64, error) {
	var wh []float64
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.Evaluate(viewportScript, &wh)); err != nil {
		return 0, 0, fmt.Errorf("viewport: %w", err)
	}
	if len(wh) != 2 {
		return float64(p.opts.Width), float64(p.opts.Height), nil
	}
	return wh[0], wh[1], nil
}

func (p *ChromePage) Type(ctx context.Context, css, text string) error {
	if err := p.run(ctx, p.opts.ActionTimeout,
		chromedp.WaitVisible(css, chromedp.ByQuery),
		chromedp.Clear(css, chromedp.ByQuery),
		chromedp.SendKeys(css, text, chromedp.ByQuery),
	); err != nil {
		// text may be a secret; never include it in the error
		return fmt.Errorf("type into %s: %w", css, err)
	}
	return nil
}

func (p *ChromePage) PressEnter(ctx context.Context) error {
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.KeyEvent(kb.Enter)); err != nil {
		return fmt.Errorf("press enter: %w", err)
	}
	return nil
}

func (p *ChromePage) Text(ctx context.Context) (string, error) {
	var s string
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.Evaluate(bodyTextScript, &s)); err != nil {
		return "", fmt.Errorf("body text: %w", err)
	}
	return s, nil
}

func (p *ChromePage) HTML(ctx context.Context) (string, error) {
	var s string
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.OuterHTML("html", &s, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("outer html: %w", err)
	}
	return s, nil
}

func (p *ChromePage) Interactive(ctx context.Context) ([]Element, error) {
	var els []Element
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.Evaluate(interactiveScript, &els)); err != nil {
		return nil, fmt.Errorf("interactive elements: %w", err)
	}
	return els, nil
}

func (p *ChromePage) MediaState(ctx context.Context) (MediaState, error) {
	var m MediaState
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.Evaluate(mediaStateScript, &m)); err != nil {
		return MediaState{}, fmt.Errorf("media state: %w", err)
	}
	return m, nil
}

func (p *ChromePage) Evaluate(ctx context.Context, script string, out any) error {
	err := p.run(ctx, p.opts.ActionTimeout, chromedp.Evaluate(script, out,
		func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
			return ep.WithAwaitPromise(true)
		}))
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// Snapshot writes <name>.html and <name>.png under dir. A failed screenshot
// still leaves the HTML behind; the returned path is whichever was written last.
func (p *ChromePage) Snapshot(ctx context.Context, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}
	base := filepath.Join(dir, sanitize(name))

	var errs []error
	var written string
	if html, err := p.HTML(ctx); err != nil {
		errs = append(errs, err)
	} else if err := os.WriteFile(base+".html", []byte(html), 0o640); err != nil {
		errs = append(errs, fmt.Errorf("write snapshot html: %w", err))
	} else {
		written = base + ".html"
	}

	var png []byte
	if err := p.run(ctx, p.opts.ActionTimeout, chromedp.FullScreenshot(&png, 80)); err != nil {
		errs = append(errs, fmt.Errorf("screenshot: %w", err))
	} else if err := os.WriteFile(base+".png", png, 0o640); err != nil {
		errs = append(errs, fmt.Errorf("write screenshot: %w", err))
	} else {
		written = base + ".png"
	}

	if written == "" {
		return "", errors.Join(errs...)
	}
	if len(errs) > 0 {
		p.logger.Warn("partial snapshot", zap.String("path", written), zap.Error(errors.Join(errs...)))
	}
	return written, nil
}

// Close closes the tab and terminates the browser process. Safe to call more than once.
func (p *ChromePage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		cctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		defer cancel()
		err = chromedp.Cancel(cctx)
		p.cancelTab()
		p.cancelAlloc()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
		p.logger.Info("browser closed")
	})
	return err
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
