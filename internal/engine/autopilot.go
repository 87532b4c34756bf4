package engine

import (
	"errors"
	"time"

	"chronicle/internal/logging"
	"chronicle/internal/protocol"
)

// scheduleNext arms the pacing timer when autopilot may take another turn.
func (e *Engine) scheduleNext(extra time.Duration) {
	if !e.run.autopilot || e.run.paused || e.run.inFlight || e.timer != nil {
		return
	}
	if e.state == nil || e.state.AwaitingInput {
		return
	}
	delay := e.opts.Pacing.Delay(e.run.speed) + extra
	e.timerExtra = extra
	generation := e.generation
	e.timer = time.AfterFunc(delay, func() {
		e.post(func() { e.onTick(generation) })
	})
}

func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.generation++
}

func (e *Engine) onTick(generation uint64) {
	if generation != e.generation {
		return
	}
	e.timer = nil
	if !e.run.autopilot || e.run.paused || e.run.inFlight {
		return
	}
	if err := e.startTurn(nil); err != nil {
		var turnErr *TurnError
		if errors.As(err, &turnErr) {
			return
		}
		e.logger.Debug("autopilot tick skipped", map[string]string{logging.FieldError: err.Error()})
	}
}

func (e *Engine) stopAutopilot(reason StopReason) bool {
	if !e.run.autopilot {
		return false
	}
	e.run.autopilot = false
	e.stopTimer()
	e.logger.Info("autopilot stopped", map[string]string{"reason": string(reason)})
	e.emit(protocol.NewAutopilotStopped(string(reason)))
	return true
}
