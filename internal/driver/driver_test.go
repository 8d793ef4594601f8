package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser/browsertest"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

const (
	usernameCSS     = `input[autocomplete="username"]`
	verificationCSS = `[data-testid="ocfEnterTextTextInput"]`
	verifySubmitCSS = `[data-testid="ocfEnterTextNextButton"]`
	passwordCSS     = `input[name="password"]`
	loginCSS        = `[data-testid="LoginForm_Login_Button"]`
	playCSS         = `[aria-label="Start listening"]`
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.StepTimeout = 150 * time.Millisecond
	cfg.VerifyTimeout = 150 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.SettleDelay = 0
	cfg.SnapshotDir = t.TempDir()
	return cfg
}

func newSession() *models.Session {
	return models.NewSession("", "", "env", "", models.CaptureModeGraph)
}

// loginPage simulates the multi-step login flow. When verify is set the
// identity check appears between the username and password steps.
func loginPage(verify bool, outcome func(p *browsertest.Page)) *browsertest.Page {
	p := browsertest.New()
	p.Elements = []browser.Element{{Selector: "#next", Text: "Next", Visible: true, Area: 400}}
	p.OnNavigate = func(p *browsertest.Page, url string) error {
		p.Show(usernameCSS)
		return nil
	}
	p.OnClick = func(p *browsertest.Page, c browsertest.Click) error {
		switch c.Selector {
		case "#next":
			p.Hide(usernameCSS)
			if verify {
				p.Show(verificationCSS, verifySubmitCSS)
			} else {
				p.Show(passwordCSS, loginCSS)
			}
		case verifySubmitCSS:
			p.Hide(verificationCSS, verifySubmitCSS)
			p.Show(passwordCSS, loginCSS)
		case loginCSS:
			outcome(p)
		}
		return nil
	}
	return p
}

func toHome(p *browsertest.Page) { p.SetURL("https://twitter.com/home") }

func TestAuthenticateWithVerification(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := loginPage(true, toHome)
	d := New(p, testConfig(t), zap.New(core))
	sess := newSession()

	creds := Credentials{Username: "agent", Password: "hunter2-secret", Verification: "+15550100"}
	if err := d.Authenticate(context.Background(), sess, creds); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.State() != models.StateAuthenticated {
		t.Fatalf("state = %s", sess.State())
	}
	if got := p.TypedValue(usernameCSS); got != "agent" {
		t.Errorf("username typed = %q", got)
	}
	if got := p.TypedValue(verificationCSS); got != "+15550100" {
		t.Errorf("verification typed = %q", got)
	}
	if got := p.TypedValue(passwordCSS); got != "hunter2-secret" {
		t.Errorf("password typed = %q", got)
	}

	for _, e := range logs.All() {
		line := e.Message + fmt.Sprint(e.ContextMap())
		if strings.Contains(line, "hunter2-secret") || strings.Contains(line, "+15550100") {
			t.Fatalf("secret leaked into log: %s", line)
		}
	}
}

func TestAuthenticateWithoutVerification(t *testing.T) {
	p := loginPage(false, func(p *browsertest.Page) { p.Show(`[data-testid="AppTabBar_Home_Link"]`) })
	d := New(p, testConfig(t), nil)
	sess := newSession()
	if err := d.Authenticate(context.Background(), sess, Credentials{Username: "agent", Password: "pw"}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.State() != models.StateAuthenticated {
		t.Fatalf("state = %s", sess.State())
	}
}

func TestAuthenticateFailures(t *testing.T) {
	tests := []struct {
		name     string
		page     func() *browsertest.Page
		creds    Credentials
		wantErr  error
		wantStep string
		snapshot bool
	}{
		{
			name:     "missing credentials",
			page:     browsertest.New,
			creds:    Credentials{Username: "agent"},
			wantErr:  ErrMissingCredentials,
			wantStep: "credentials",
		},
		{
			name:     "username field never appears",
			page:     browsertest.New,
			creds:    Credentials{Username: "agent", Password: "pw"},
			wantErr:  ErrSelectorTimeout,
			wantStep: "username",
			snapshot: true,
		},
		{
			name:     "verification without secondary identifier",
			page:     func() *browsertest.Page { return loginPage(true, toHome) },
			creds:    Credentials{Username: "agent", Password: "pw"},
			wantErr:  ErrVerificationRequired,
			wantStep: "verification",
			snapshot: true,
		},
		{
			name: "failure phrase after submit",
			page: func() *browsertest.Page {
				return loginPage(false, func(p *browsertest.Page) { p.SetBody("Wrong password!") })
			},
			creds:    Credentials{Username: "agent", Password: "pw"},
			wantErr:  ErrRejected,
			wantStep: "verify",
			snapshot: true,
		},
		{
			name:     "no positive signal",
			page:     func() *browsertest.Page { return loginPage(false, func(*browsertest.Page) {}) },
			creds:    Credentials{Username: "agent", Password: "pw"},
			wantErr:  ErrNoSuccessSignal,
			wantStep: "verify",
			snapshot: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.page()
			d := New(p, testConfig(t), nil)
			err := d.Authenticate(context.Background(), newSession(), tt.creds)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			var ae *AuthError
			if !errors.As(err, &ae) {
				t.Fatalf("err %T is not *AuthError", err)
			}
			if ae.Step != tt.wantStep {
				t.Errorf("step = %q, want %q", ae.Step, tt.wantStep)
			}
			if tt.snapshot && (ae.Snapshot == "" || DiagnosticPath(err) != ae.Snapshot) {
				t.Errorf("snapshot = %q", ae.Snapshot)
			}
		})
	}
}

func TestCredentialsRedacted(t *testing.T) {
	c := Credentials{Username: "agent", Password: "pw", Verification: "v"}
	for _, s := range []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%#v", c)} {
		if strings.Contains(s, "agent") || strings.Contains(s, "pw") {
			t.Errorf("credentials leaked: %s", s)
		}
	}
}

func authenticated() *models.Session {
	s := newSession()
	_ = s.Transition(models.StateAuthenticating)
	_ = s.Transition(models.StateAuthenticated)
	return s
}

func roomPage() *browsertest.Page {
	p := browsertest.New()
	p.OnNavigate = func(p *browsertest.Page, url string) error {
		p.Show("main")
		return nil
	}
	return p
}

// Scenario B: alternate domain plus preview suffix is normalized before navigation.
func TestJoinRoomNormalizesURL(t *testing.T) {
	p := roomPage()
	p.Show(playCSS)
	p.OnClick = func(p *browsertest.Page, c browsertest.Click) error {
		if c.Selector == playCSS {
			p.SetMedia(browser.MediaState{Elements: 1, Playing: 1})
		}
		return nil
	}
	d := New(p, testConfig(t), nil)
	sess := authenticated()

	room, err := d.JoinRoom(context.Background(), sess, "https://x.com/i/spaces/1YqKDqWqdPLGV/peek")
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	const want = "https://twitter.com/i/spaces/1YqKDqWqdPLGV"
	if room.URL != want || p.Navigations[0] != want {
		t.Fatalf("url = %q, navigated %v", room.URL, p.Navigations)
	}
	if room.ID != "1YqKDqWqdPLGV" {
		t.Errorf("id = %q", room.ID)
	}
	if !room.AudioDetected || room.Play.Strategy != "attribute" {
		t.Errorf("play = %+v", room.Play)
	}
	if sess.State() != models.StateInRoom {
		t.Errorf("state = %s", sess.State())
	}
}

// Scenario D: no strategy yields a signal; the join still succeeds with a warning.
func TestJoinRoomSoftFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := roomPage()
	p.Elements = []browser.Element{{Selector: "#share", Text: "Share", Area: 1200, Visible: true}}
	d := New(p, testConfig(t), zap.New(core))
	sess := authenticated()

	room, err := d.JoinRoom(context.Background(), sess, "https://twitter.com/i/spaces/1abc")
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if room == nil || room.AudioDetected || room.Play.Succeeded {
		t.Fatalf("room = %+v", room)
	}

	warned := logs.FilterMessage("no playback signal detected; continuing").All()
	if len(warned) != 1 || warned[0].Level != zapcore.WarnLevel {
		t.Fatalf("soft failure log entries = %d", len(warned))
	}

	strategies := map[string]bool{}
	for _, a := range room.Play.Attempts {
		strategies[a.Strategy] = true
	}
	if !strategies["largest"] || !strategies["coordinates"] {
		t.Errorf("strategies attempted = %v", strategies)
	}
	if sess.State() != models.StateInRoom {
		t.Errorf("state = %s", sess.State())
	}
}

func TestJoinRoomRejectsEndedRoom(t *testing.T) {
	p := roomPage()
	p.SetBody("This Space has ended. See what's happening.")
	d := New(p, testConfig(t), nil)

	_, err := d.JoinRoom(context.Background(), authenticated(), "https://twitter.com/i/spaces/1abc")
	if !errors.Is(err, ErrRoomEnded) {
		t.Fatalf("err = %v", err)
	}
	if DiagnosticPath(err) == "" {
		t.Error("no snapshot recorded")
	}
}

func TestJoinRoomInvalidURL(t *testing.T) {
	d := New(browsertest.New(), testConfig(t), nil)
	_, err := d.JoinRoom(context.Background(), authenticated(), "ftp://example.com/room")
	if !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("err = %v", err)
	}
}

func TestJoinRoomAlreadyJoined(t *testing.T) {
	p := roomPage()
	p.Show(`[aria-label="Leave"]`)
	d := New(p, testConfig(t), nil)

	room, err := d.JoinRoom(context.Background(), authenticated(), "https://twitter.com/i/spaces/1abc")
	if err != nil {
		t.Fatal(err)
	}
	if !room.AlreadyJoined || len(p.ClickLog()) != 0 {
		t.Fatalf("already joined = %v, clicks = %d", room.AlreadyJoined, len(p.ClickLog()))
	}
}

func TestAudioSignalOrder(t *testing.T) {
	p := browsertest.New()
	d := New(p, testConfig(t), nil)
	ctx := context.Background()

	if d.CheckAudioPlaying(ctx) {
		t.Fatal("empty page reported playing")
	}
	p.SetBody("You're listening")
	if got := d.AudioSignal(ctx); got != "membership" {
		t.Errorf("signal = %q, want membership", got)
	}
	p.Show(`[aria-label="Pause"]`)
	if got := d.AudioSignal(ctx); got != "pause-control" {
		t.Errorf("signal = %q, want pause-control", got)
	}
	p.SetMedia(browser.MediaState{Elements: 1, Playing: 1})
	if got := d.AudioSignal(ctx); got != "media" {
		t.Errorf("signal = %q, want media", got)
	}
}
