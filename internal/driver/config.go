package driver

import (
	"time"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/locator"
)

// Config holds every selector list, phrase list and timing the driver uses.
// Selectors accept the semantic forms understood by locator.ParseSelector.
type Config struct {
	LoginURL string

	StepTimeout   time.Duration // per-step wait for a selector candidate
	VerifyTimeout time.Duration // wait for a login outcome after submit
	PollInterval  time.Duration
	SettleDelay   time.Duration // pause after a click before re-checking signals
	SnapshotDir   string

	UsernameSelectors           []string
	NextSelectors               []string
	VerificationSelectors       []string
	VerificationSubmitSelectors []string
	PasswordSelectors           []string
	LoginSelectors              []string
	FailurePhrases              []string
	SuccessSelectors            []string
	SuccessURLFragments         []string

	RoomReadySelectors  []string
	RoomEndedPhrases    []string
	RoomNotFoundPhrases []string
	JoinedSelectors     []string
	PlaySelectors       []string
	PlayPhrases         []string
	PlayPoints          []locator.Point

	PauseSelectors      []string
	VisualizerSelectors []string
	SpeakerSelectors    []string
	MembershipSelectors []string
	MembershipPhrases   []string
}

// DefaultConfig returns the selectors and phrases for twitter.com Spaces.
func DefaultConfig() Config {
	return Config{
		LoginURL:      "https://twitter.com/i/flow/login",
		StepTimeout:   15 * time.Second,
		VerifyTimeout: 20 * time.Second,
		PollInterval:  500 * time.Millisecond,
		SettleDelay:   1500 * time.Millisecond,
		SnapshotDir:   "snapshots",

		UsernameSelectors: []string{
			`input[autocomplete="username"]`,
			"name=text",
			"placeholder=Phone, email, or username",
			`input[type="text"]`,
		},
		NextSelectors: []string{
			"text=Next",
			`[role="button"][aria-label*="next" i]`,
		},
		VerificationSelectors: []string{
			"testid=ocfEnterTextTextInput",
			`input[data-testid="ocfEnterTextTextInput"]`,
			`input[autocomplete="on"][name="text"]`,
		},
		VerificationSubmitSelectors: []string{
			"testid=ocfEnterTextNextButton",
			"text=Next",
		},
		PasswordSelectors: []string{
			`input[name="password"]`,
			`input[type="password"]`,
			`input[autocomplete="current-password"]`,
		},
		LoginSelectors: []string{
			"testid=LoginForm_Login_Button",
			"text=Log in",
		},
		FailurePhrases: []string{
			"Wrong password",
			"Could not log you in",
			"Sorry, we could not find your account",
			"Your account is suspended",
			"Incorrect",
		},
		SuccessSelectors: []string{
			"testid=SideNav_AccountSwitcher_Button",
			"testid=AppTabBar_Home_Link",
			"aria-label=Home timeline",
		},
		SuccessURLFragments: []string{"/home"},

		RoomReadySelectors: []string{
			"testid=SpaceDockExpanded",
			`[role="dialog"]`,
			"testid=primaryColumn",
			"main",
		},
		RoomEndedPhrases: []string{
			"This Space has ended",
			"Space has ended",
			"This Space is no longer available",
			"Recording not available",
		},
		RoomNotFoundPhrases: []string{
			"this page doesn’t exist",
			"this page doesn't exist",
			"Space not found",
		},
		JoinedSelectors: []string{
			"aria-label=Leave",
			"aria-label*=Leave Space",
			"text=Leave quietly",
		},
		PlaySelectors: []string{
			"aria-label=Start listening",
			"aria-label*=Start listening",
			"testid=SpaceJoinButton",
			"aria-label=Play recording",
			`[role="button"][aria-label*="listen" i]`,
			`[role="button"][aria-label*="play" i]`,
		},
		PlayPhrases: []string{
			"Start listening",
			"Listen",
			"Join this Space",
			"Play recording",
			"Tune in",
			"Join",
		},
		PlayPoints: locator.DefaultPoints,

		PauseSelectors: []string{
			"aria-label=Pause",
			"aria-label*=Pause",
		},
		VisualizerSelectors: []string{
			`[data-testid*="visualizer" i]`,
			`[class*="visualizer" i]`,
			"canvas",
		},
		SpeakerSelectors: []string{
			`[data-testid*="speaker" i]`,
			"aria-label*=Host",
			"aria-label*=Speaker",
		},
		MembershipSelectors: []string{
			"aria-label*=Leave",
			"aria-label*=Request to speak",
		},
		MembershipPhrases: []string{
			"You're listening",
			"Leave quietly",
			"Request to speak",
		},
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = d.VerifyTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = d.SnapshotDir
	}
}
