package capture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/audio"
)

// Evaluator runs page script; browser.Page satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, out any) error
}

const (
	graphBacklog        = 100
	maxConsecutiveFails = 20
)

// GraphSource installs a Web Audio graph in the page that taps every media
// element, mixes them to mono at the canonical rate, and buffers float
// samples which Stream drains on an interval and quantizes.
type GraphSource struct {
	Page     Evaluator
	Format   audio.Format
	Interval time.Duration
	logger   *zap.Logger
}

func NewGraphSource(page Evaluator, format audio.Format, interval time.Duration, logger *zap.Logger) *GraphSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &GraphSource{Page: page, Format: format, Interval: interval, logger: logger.Named("capture.graph")}
}

func (g *GraphSource) Mode() string { return "graph" }

type graphStatus struct {
	Installed bool `json:"installed"`
	Tapped    int  `json:"tapped"`
}

type graphDrain struct {
	Installed bool        `json:"installed"`
	Tapped    int         `json:"tapped"`
	Buffers   [][]float32 `json:"buffers"`
}

func (g *GraphSource) Stream(ctx context.Context, emit func([]byte)) error {
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if err := g.install(ctx); err != nil {
		return err
	}
	defer g.teardown(ctx)

	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()

	fails := 0
	tapped := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var d graphDrain
		if err := g.Page.Evaluate(ctx, drainScript, &d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fails++
			g.logger.Warn("drain audio graph failed", zap.Int("consecutive", fails), zap.Error(err))
			if fails >= maxConsecutiveFails {
				return fmt.Errorf("%w: drain audio graph: %w", ErrSourceEnded, err)
			}
			continue
		}
		fails = 0

		if !d.Installed {
			// the page navigated and dropped the graph
			g.logger.Info("audio graph missing; reinstalling")
			if err := g.install(ctx); err != nil && ctx.Err() == nil {
				g.logger.Warn("reinstall audio graph failed", zap.Error(err))
			}
			continue
		}
		if d.Tapped != tapped {
			tapped = d.Tapped
			g.logger.Info("media elements tapped", zap.Int("count", tapped))
		}
		for _, buf := range d.Buffers {
			if len(buf) == 0 {
				continue
			}
			emit(audio.Quantize(buf))
		}
	}
}

func (g *GraphSource) install(ctx context.Context) error {
	var st graphStatus
	if err := g.Page.Evaluate(ctx, installScript(g.Format.SampleRate, graphBacklog), &st); err != nil {
		return fmt.Errorf("install audio graph: %w", err)
	}
	if !st.Installed {
		return fmt.Errorf("install audio graph: %w", ErrNoMedia)
	}
	g.logger.Info("audio graph installed", zap.Int("tapped", st.Tapped), zap.Int("sample_rate", g.Format.SampleRate))
	return nil
}

func (g *GraphSource) teardown(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := g.Page.Evaluate(tctx, teardownScript, nil); err != nil {
		g.logger.Debug("audio graph teardown failed", zap.Error(err))
	}
}

func installScript(sampleRate, backlog int) string {
	return fmt.Sprintf(`(async () => {
  if (window.__spaceCapture) return {installed: true, tapped: window.__spaceCapture.count()};
  const Ctx = window.AudioContext || window.webkitAudioContext;
  if (!Ctx) return {installed: false, tapped: 0};
  const ctx = new Ctx({sampleRate: %d});
  const mix = ctx.createGain();
  const proc = ctx.createScriptProcessor(4096, 1, 1);
  const queue = [];
  const tapped = new WeakSet();
  let count = 0;
  proc.onaudioprocess = e => {
    queue.push(Array.from(e.inputBuffer.getChannelData(0)));
    while (queue.length > %d) queue.shift();
  };
  mix.connect(proc);
  proc.connect(ctx.destination);
  const tap = el => {
    if (tapped.has(el)) return;
    try {
      const stream = el.captureStream ? el.captureStream() : null;
      if (stream && stream.getAudioTracks().length > 0) {
        ctx.createMediaStreamSource(stream).connect(mix);
      } else {
        const src = ctx.createMediaElementSource(el);
        src.connect(mix);
        src.connect(ctx.destination);
      }
      tapped.add(el);
      count++;
    } catch (e) {}
  };
  const scan = () => document.querySelectorAll('audio, video').forEach(tap);
  scan();
  const observer = new MutationObserver(scan);
  observer.observe(document.documentElement, {childList: true, subtree: true});
  if (ctx.state === 'suspended') { try { await ctx.resume(); } catch (e) {} }
  window.__spaceCapture = {ctx, queue, observer, count: () => count};
  return {installed: true, tapped: count};
})()`, sampleRate, backlog)
}

const drainScript = `(() => {
  const c = window.__spaceCapture;
  if (!c) return {installed: false, tapped: 0, buffers: []};
  return {installed: true, tapped: c.count(), buffers: c.queue.splice(0, c.queue.length)};
})()`

const teardownScript = `(() => {
  const c = window.__spaceCapture;
  if (c) {
    c.observer.disconnect();
    c.ctx.close();
    delete window.__spaceCapture;
  }
  return true;
})()`
