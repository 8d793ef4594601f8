package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/locator"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

// Authenticate logs in with creds. On success the session is in
// StateAuthenticated. Failures are *AuthError with a diagnostic snapshot.
func (d *Driver) Authenticate(ctx context.Context, sess *models.Session, creds Credentials) error {
	if !creds.Complete() {
		return &AuthError{Step: "credentials", Err: ErrMissingCredentials}
	}
	if err := sess.Transition(models.StateAuthenticating); err != nil {
		return &AuthError{Step: "state", Err: err}
	}
	d.logger.Info("authenticating", zap.String("session_id", sess.ID.String()), zap.Stringer("credentials", creds))

	if err := d.page.Navigate(ctx, d.cfg.LoginURL); err != nil {
		return d.authFail(ctx, "navigate", "", fmt.Errorf("%w: %w", ErrNavigation, err))
	}

	field, err := locator.FirstVisible(ctx, d.page, d.cfg.UsernameSelectors, d.cfg.StepTimeout, d.cfg.PollInterval)
	if err != nil {
		return d.authFail(ctx, "username", joinSelectors(d.cfg.UsernameSelectors), stepErr(err))
	}
	if err := d.page.Type(ctx, field, creds.Username); err != nil {
		return d.authFail(ctx, "username", field, err)
	}
	if err := d.submit(ctx, d.cfg.NextSelectors); err != nil {
		return d.authFail(ctx, "username-submit", joinSelectors(d.cfg.NextSelectors), err)
	}

	// either the password field or the identity check comes next
	which, field, err := d.waitForAny(ctx, d.cfg.StepTimeout, d.cfg.PasswordSelectors, d.cfg.VerificationSelectors)
	if err != nil {
		if phrase, bad := d.bodyContains(ctx, d.cfg.FailurePhrases); bad {
			return d.authFail(ctx, "username", "", fmt.Errorf("%w: %q", ErrRejected, phrase))
		}
		return d.authFail(ctx, "password", joinSelectors(d.cfg.PasswordSelectors), stepErr(err))
	}
	if which == 1 {
		if field, err = d.verifyIdentity(ctx, sess, field, creds); err != nil {
			return err
		}
	}

	if err := d.page.Type(ctx, field, creds.Password); err != nil {
		return d.authFail(ctx, "password", field, err)
	}
	if err := d.submit(ctx, d.cfg.LoginSelectors); err != nil {
		return d.authFail(ctx, "password-submit", joinSelectors(d.cfg.LoginSelectors), err)
	}

	signal, err := d.awaitLoginOutcome(ctx)
	if err != nil {
		return d.authFail(ctx, "verify", "", err)
	}
	if err := sess.Transition(models.StateAuthenticated); err != nil {
		return &AuthError{Step: "state", Err: err}
	}
	d.logger.Info("authenticated", zap.String("session_id", sess.ID.String()), zap.String("signal", signal))
	return nil
}

// verifyIdentity completes the one-time secondary identifier prompt and
// returns the password field that follows it.
func (d *Driver) verifyIdentity(ctx context.Context, sess *models.Session, field string, creds Credentials) (string, error) {
	if err := sess.Transition(models.StateIdentityVerification); err != nil {
		return "", d.authFail(ctx, "verification", field, fmt.Errorf("%w: %w", ErrRejected, err))
	}
	d.logger.Info("identity verification requested", zap.String("session_id", sess.ID.String()))
	if creds.Verification == "" {
		return "", d.authFail(ctx, "verification", field, ErrVerificationRequired)
	}
	if err := d.page.Type(ctx, field, creds.Verification); err != nil {
		return "", d.authFail(ctx, "verification", field, err)
	}
	if err := d.submit(ctx, d.cfg.VerificationSubmitSelectors); err != nil {
		return "", d.authFail(ctx, "verification-submit", joinSelectors(d.cfg.VerificationSubmitSelectors), err)
	}
	if err := sess.Transition(models.StateAuthenticating); err != nil {
		return "", &AuthError{Step: "state", Err: err}
	}

	pw, err := locator.FirstVisible(ctx, d.page, d.cfg.PasswordSelectors, d.cfg.StepTimeout, d.cfg.PollInterval)
	if err != nil {
		if phrase, bad := d.bodyContains(ctx, d.cfg.FailurePhrases); bad {
			return "", d.authFail(ctx, "verification", field, fmt.Errorf("%w: %q", ErrRejected, phrase))
		}
		return "", d.authFail(ctx, "password", joinSelectors(d.cfg.PasswordSelectors), stepErr(err))
	}
	return pw, nil
}

// awaitLoginOutcome polls until a failure phrase (rejected) or a positive
// signal appears. Absence of failure alone is not success.
func (d *Driver) awaitLoginOutcome(ctx context.Context) (string, error) {
	deadline := time.Now().Add(d.cfg.VerifyTimeout)
	for {
		if phrase, bad := d.bodyContains(ctx, d.cfg.FailurePhrases); bad {
			return "", fmt.Errorf("%w: %q", ErrRejected, phrase)
		}
		if sel, ok := d.anyVisible(ctx, d.cfg.SuccessSelectors); ok {
			return "selector " + sel, nil
		}
		if u, err := d.page.URL(ctx); err == nil {
			for _, frag := range d.cfg.SuccessURLFragments {
				if frag != "" && strings.Contains(u, frag) {
					return "url " + frag, nil
				}
			}
		}
		if !time.Now().Before(deadline) {
			return "", ErrNoSuccessSignal
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

func (d *Driver) authFail(ctx context.Context, step, selector string, err error) error {
	ae := &AuthError{Step: step, Selector: selector, Err: err}
	ae.Snapshot = d.snapshot(ctx, "auth", step)
	d.logger.Error("authentication failed",
		zap.String("step", step),
		zap.String("selector", selector),
		zap.String("snapshot", ae.Snapshot),
		zap.Error(err),
	)
	return ae
}

func stepErr(err error) error {
	if errors.Is(err, locator.ErrNotVisible) || errors.Is(err, ErrSelectorTimeout) {
		return ErrSelectorTimeout
	}
	return err
}
