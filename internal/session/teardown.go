package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

// Step is one named teardown action.
type Step struct {
	Name string
	Run  func() error
}

// Teardown runs every step in order. A failing or panicking step is logged
// and the remaining steps still run; the failures are joined.
func Teardown(steps []Step, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var errs []error
	for _, s := range steps {
		if err := runStep(s); err != nil {
			logger.Error("teardown step failed", zap.String("step", s.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		logger.Debug("teardown step done", zap.String("step", s.Name))
	}
	return errors.Join(errs...)
}

func runStep(s Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Run()
}

// teardown releases resources in a fixed order: audio, relay, browser, infra.
// Audio stops first so the backup is finalized before anything else can fail.
func (r *Runner) teardown(sess *models.Session, res *resources, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.TeardownTimeout)
	defer cancel()

	return Teardown([]Step{
		{Name: "stop_audio", Run: func() error {
			if res.capture == nil {
				return nil
			}
			path, err := res.capture.Stop()
			if path != "" {
				sess.SetBackupPath(path)
			}
			return err
		}},
		{Name: "close_relay", Run: func() error {
			if res.relay == nil {
				return nil
			}
			return res.relay.Close()
		}},
		{Name: "close_browser", Run: func() error {
			if res.driver == nil {
				return nil
			}
			return res.driver.Close()
		}},
		{Name: "release_infra", Run: func() error {
			return r.deps.Infra.Release(ctx)
		}},
	}, log)
}
