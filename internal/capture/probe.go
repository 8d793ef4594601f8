package capture

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

// Env is the slice of the process environment the probe looks at.
type Env struct {
	LookPath func(string) (string, error)
	Getenv   func(string) string
}

// SystemEnv reads the real environment.
func SystemEnv() Env {
	return Env{LookPath: exec.LookPath, Getenv: os.Getenv}
}

// Decision is the probe outcome.
type Decision struct {
	Mode   string
	Reason string
}

var displayVars = []string{"DISPLAY", "PULSE_SERVER", "WAYLAND_DISPLAY"}

// Probe picks a capture strategy. An explicit device or graph mode wins;
// auto selects device capture only when the recorder binary is installed and
// a display or audio server is visible.
func Probe(mode, recorder string, env Env) (Decision, error) {
	switch mode {
	case models.CaptureModeDevice, models.CaptureModeGraph:
		return Decision{Mode: mode, Reason: "configured"}, nil
	case "", models.CaptureModeAuto:
	default:
		return Decision{}, fmt.Errorf("unknown capture mode %q", mode)
	}

	if recorder == "" {
		recorder = "ffmpeg"
	}
	if _, err := env.LookPath(recorder); err != nil {
		return Decision{Mode: models.CaptureModeGraph, Reason: recorder + " not found"}, nil
	}
	for _, v := range displayVars {
		if env.Getenv(v) != "" {
			return Decision{Mode: models.CaptureModeDevice, Reason: recorder + " found and " + v + " set"}, nil
		}
	}
	return Decision{Mode: models.CaptureModeGraph, Reason: "no display or audio server"}, nil
}
