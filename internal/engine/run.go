package engine

import (
	"fmt"
	"strings"
	"time"
)

type Speed string

const (
	SpeedSlow   Speed = "slow"
	SpeedNormal Speed = "normal"
	SpeedFast   Speed = "fast"
)

func ParseSpeed(value string) (Speed, error) {
	switch speed := Speed(strings.ToLower(strings.TrimSpace(value))); speed {
	case SpeedSlow, SpeedNormal, SpeedFast:
		return speed, nil
	default:
		return "", fmt.Errorf("%w %q: expected slow, normal or fast", ErrInvalidSpeed, value)
	}
}

type StopReason string

const (
	StopRequested  StopReason = "requested"
	StopRoundLimit StopReason = "round_limit"
	StopTurnFailed StopReason = "turn_failed"
	StopFatalError StopReason = "fatal_error"
	StopShutdown   StopReason = "shutdown"
)

// Pacing maps each speed to the delay between autopilot turns.
type Pacing struct {
	Slow   time.Duration
	Normal time.Duration
	Fast   time.Duration
}

func DefaultPacing() Pacing {
	return Pacing{Slow: 8 * time.Second, Normal: 4 * time.Second, Fast: time.Second}
}

func (p Pacing) Delay(speed Speed) time.Duration {
	switch speed {
	case SpeedSlow:
		return p.Slow
	case SpeedFast:
		return p.Fast
	default:
		return p.Normal
	}
}

func (p Pacing) withDefaults() Pacing {
	defaults := DefaultPacing()
	if p.Slow <= 0 {
		p.Slow = defaults.Slow
	}
	if p.Normal <= 0 {
		p.Normal = defaults.Normal
	}
	if p.Fast <= 0 {
		p.Fast = defaults.Fast
	}
	return p
}

// RunState exposes the transient execution flags.
type RunState struct {
	Autopilot    bool  `json:"autopilot"`
	Paused       bool  `json:"paused"`
	Speed        Speed `json:"speed"`
	Retries      int   `json:"retries"`
	TurnInFlight bool  `json:"turn_in_flight"`
	PendingNudge bool  `json:"pending_nudge"`
	Rounds       int   `json:"rounds"`
}

// Snapshot is a deep copy of the engine state at one instant.
type Snapshot struct {
	State State    `json:"state"`
	Run   RunState `json:"run"`
}
