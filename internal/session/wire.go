package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/config"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/audio"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/auth"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/capture"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/discovery"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/driver"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/relay"
)

// Wire builds the production factories from cfg: a chromedp browser, the
// probed audio source and a websocket relay. jwtSvc may be nil; it signs a
// producer token when no static relay token is configured. Stores and the
// backup queue are left for the caller to set.
func Wire(cfg *config.Config, jwtSvc *auth.JWTService, logger *zap.Logger) Deps {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Deps{
		OpenDriver: func(ctx context.Context) (Driver, error) {
			page, err := browser.Launch(BrowserOptions(cfg.Browser), logger)
			if err != nil {
				return nil, err
			}
			dcfg := driver.DefaultConfig()
			if cfg.Browser.LoginURL != "" {
				dcfg.LoginURL = cfg.Browser.LoginURL
			}
			dcfg.SnapshotDir = cfg.Session.SnapshotDir
			return driver.New(page, dcfg, logger), nil
		},
		StartCapture: func(ctx context.Context, sess *models.Session, drv Driver, backupPath string) (Capture, error) {
			return startCapture(ctx, cfg.Capture, sess, drv, backupPath, logger)
		},
		NewRelay: func(sess *models.Session) (Relay, error) {
			return newRelay(cfg.Relay, jwtSvc, sess, logger)
		},
		Discover: func(ctx context.Context) (models.Room, error) {
			if !cfg.Session.Discover {
				return models.Room{}, &config.ConfigError{Field: "SPACE_URL", Reason: "required when SESSION_DISCOVER is off"}
			}
			d, closeFn, err := NewDiscoverer(cfg, logger)
			if err != nil {
				return models.Room{}, err
			}
			defer closeFn()
			return d.MostPopular(ctx, DiscoveryFilters(cfg.Discovery))
		},
	}
}

// BrowserOptions maps browser settings to launch options.
func BrowserOptions(c config.BrowserConfig) browser.Options {
	return browser.Options{
		ExecPath:        c.ExecPath,
		UserDataDir:     c.UserDataDir,
		Headless:        c.Headless,
		NoSandbox:       c.NoSandbox,
		Width:           c.Width,
		Height:          c.Height,
		UserAgent:       c.UserAgent,
		ActionTimeout:   c.ActionTimeout,
		NavigateTimeout: c.NavigateTimeout,
	}
}

// DiscoveryFilters maps discovery settings to listing filters.
func DiscoveryFilters(c config.DiscoveryConfig) discovery.Filters {
	return discovery.Filters{Mode: c.Mode, Language: c.Language, Query: c.Query}
}

// NewDiscoverer builds a discoverer over a plain HTTP fetcher, or over a
// dedicated browser page when the listing needs rendering. The returned
// func releases the browser.
func NewDiscoverer(cfg *config.Config, logger *zap.Logger) (*discovery.Discoverer, func(), error) {
	dcfg := discovery.DefaultConfig()
	if cfg.Discovery.ListingURL != "" {
		dcfg.ListingURL = cfg.Discovery.ListingURL
	}
	dcfg.Timeout = cfg.Discovery.Timeout

	if !cfg.Discovery.UseBrowser {
		f := discovery.HTTPFetcher{UserAgent: cfg.Browser.UserAgent}
		return discovery.New(f, dcfg, logger), func() {}, nil
	}
	page, err := browser.Launch(BrowserOptions(cfg.Browser), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("launch discovery browser: %w", err)
	}
	f := discovery.BrowserFetcher{Page: page, Containers: dcfg.Containers, Timeout: dcfg.Timeout}
	closeFn := func() {
		if err := page.Close(); err != nil {
			logger.Warn("close discovery browser", zap.Error(err))
		}
	}
	return discovery.New(f, dcfg, logger), closeFn, nil
}

func startCapture(ctx context.Context, c config.CaptureConfig, sess *models.Session, drv Driver, backupPath string, logger *zap.Logger) (Capture, error) {
	decision, err := capture.Probe(c.Mode, c.Recorder, capture.SystemEnv())
	if err != nil {
		return nil, &capture.CaptureError{Mode: c.Mode, Err: err}
	}
	logger.Info("capture mode selected", zap.String("mode", decision.Mode), zap.String("reason", decision.Reason))
	sess.SetCaptureMode(decision.Mode)

	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return nil, &capture.CaptureError{Mode: decision.Mode, Err: fmt.Errorf("create output dir: %w", err)}
	}

	var src capture.Source
	if decision.Mode == models.CaptureModeDevice {
		src = capture.NewDeviceSource(c.Recorder, c.Device, audio.Canonical, backupPath+".capture.log", logger)
	} else {
		src = capture.NewGraphSource(drv.Page(), audio.Canonical, c.DrainInterval, logger)
	}

	h, err := capture.Start(ctx, src, capture.Options{
		Format:          audio.Canonical,
		BackupPath:      backupPath,
		Verify:          drv.CheckAudioPlaying,
		Nudge:           drv.Replay,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		AllowUnverified: c.AllowUnverified,
		QueueDepth:      c.QueueDepth,
		Session:         sess,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func newRelay(c config.RelayConfig, jwtSvc *auth.JWTService, sess *models.Session, logger *zap.Logger) (Relay, error) {
	token := c.Token
	if token == "" && jwtSvc != nil {
		t, err := jwtSvc.Generate("capture-agent", sess.ID.String(), auth.RoleProducer)
		if err != nil {
			return nil, fmt.Errorf("sign relay token: %w", err)
		}
		token = t
	}
	client, err := relay.New(relay.Config{
		Endpoint:          c.Endpoint,
		Token:             token,
		Format:            audio.Canonical,
		SessionID:         sess.ID.String(),
		RoomURL:           sess.RoomURL,
		MaxReconnects:     c.MaxReconnects,
		ReconnectDelay:    c.ReconnectDelay,
		MaxReconnectDelay: c.MaxReconnectDelay,
		HeartbeatInterval: c.HeartbeatInterval,
		SendQueue:         c.SendQueue,
		Base64Audio:       c.Base64Audio,
		OnStateChange: func(s relay.State) {
			if s == relay.StateDegraded {
				sess.SetRelayDegraded(true)
			}
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}
