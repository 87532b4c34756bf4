package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chronicle/internal/logging"
	"chronicle/internal/protocol"
	"chronicle/internal/router"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errEmptyOutput = errors.New("executor returned empty content")

// startTurn hands the current participant to the executor. Loop goroutine only.
func (e *Engine) startTurn(finished chan<- error) error {
	if e.state == nil {
		return ErrNoStateLoaded
	}
	if e.run.inFlight {
		return ErrTurnInProgress
	}
	if e.state.AwaitingInput || e.awaitControlled() {
		return ErrAwaitingInput
	}
	participant, ok := e.state.Participant(e.state.Current)
	if !ok {
		turnErr := &TurnError{
			Category:    CategoryStructural,
			Participant: e.state.Current,
			Err:         fmt.Errorf("%w: current participant %q is not in the queue", ErrInvalidState, e.state.Current),
		}
		e.handleFailure(turnErr)
		return turnErr
	}

	e.stopTimer()
	request := TurnRequest{
		SessionID:   e.sessionID,
		Participant: participant,
		Supervisor:  participant.ID == e.state.Supervisor(),
		Turn:        e.state.Turn + 1,
		Round:       e.state.Round,
		Attempt:     e.run.retries + 1,
		View:        e.opts.Visibility.View(e.state.Clone(), participant.ID),
	}
	var nudgeSeq uint64
	if request.Supervisor && e.run.nudge != "" {
		request.Nudge = e.run.nudge
		nudgeSeq = e.run.nudgeSeq
	}
	e.run.inFlight = true
	go e.executeTurn(request, nudgeSeq, finished)
	return nil
}

func (e *Engine) executeTurn(request TurnRequest, nudgeSeq uint64, finished chan<- error) {
	ctx := e.baseCtx
	cancel := context.CancelFunc(func() {})
	if e.opts.TurnTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.opts.TurnTimeout)
	}
	ctx, span := e.tracer.Start(ctx, "engine.turn", trace.WithAttributes(
		attribute.String("session.id", e.sessionID),
		attribute.String("participant.id", request.Participant.ID),
		attribute.Int("turn", request.Turn),
		attribute.Int("attempt", request.Attempt),
	))

	started := time.Now()
	result, err := e.safeExecute(ctx, request)
	duration := time.Since(started)
	if err == nil && strings.TrimSpace(result.Content) == "" {
		err = &TurnError{Category: CategoryInvalidOutput, Err: errEmptyOutput}
	}
	turnErr := classifyTurnError(err, request.Participant.ID, request.Attempt)
	cancel()

	category := ""
	if turnErr != nil {
		category = string(turnErr.Category)
		span.RecordError(turnErr)
		span.SetStatus(codes.Error, category)
	}
	span.End()
	e.metrics.RecordTurn(duration, category)

	if !e.post(func() { e.finishTurn(request, nudgeSeq, result, turnErr, finished) }) {
		reply(finished, ErrEngineClosed)
	}
}

func (e *Engine) safeExecute(ctx context.Context, request TurnRequest) (result TurnResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &TurnError{Category: CategoryStructural, Err: fmt.Errorf("executor panicked: %v", recovered)}
		}
	}()
	return e.opts.Executor.ExecuteTurn(ctx, request)
}

func (e *Engine) finishTurn(request TurnRequest, nudgeSeq uint64, result TurnResult, turnErr *TurnError, finished chan<- error) {
	e.run.inFlight = false
	if turnErr != nil {
		e.handleFailure(turnErr)
		// A drop-in during the failed turn leaves the human's participant current.
		e.awaitControlled()
		reply(finished, turnErr)
		e.scheduleNext(0)
		return
	}

	roundDone, err := e.applyTurn(request.Participant.ID, strings.TrimSpace(result.Content), result.Memory, false)
	if err != nil {
		e.handleFailure(err)
		reply(finished, err)
		return
	}
	e.run.retries = 0
	if request.Nudge != "" && e.run.nudgeSeq == nudgeSeq {
		e.run.nudge = ""
	}
	reply(finished, nil)
	e.scheduleNext(e.roundPause(roundDone))
}

// applyTurn appends a turn and advances the router. Loop goroutine only.
func (e *Engine) applyTurn(participant, content, memory string, human bool) (bool, *TurnError) {
	state := e.state
	queue := state.QueueIDs()
	decision, err := router.Next(participant, queue, state.HumanControl, state.HumanParticipant)
	if err != nil {
		return false, &TurnError{Category: CategoryStructural, Participant: participant, Err: err}
	}

	state.Turn++
	state.Log = append(state.Log, Entry{
		Turn:        state.Turn,
		Round:       state.Round,
		Participant: participant,
		Content:     content,
		Human:       human,
		At:          e.opts.Now(),
	})
	note := strings.TrimSpace(memory)
	if note == "" {
		note = content
	}
	if state.Memories == nil {
		state.Memories = make(map[string][]string)
	}
	state.Memories[participant] = append(state.Memories[participant], note)
	state.AwaitingInput = false

	completedRound := 0
	switch decision.Kind {
	case router.KindRoundComplete:
		completedRound = state.Round
		state.Round++
		start, err := router.Start(queue, state.HumanControl, state.HumanParticipant)
		if err != nil {
			return false, &TurnError{Category: CategoryStructural, Participant: participant, Err: err}
		}
		state.Current = start.Participant
	case router.KindAwaitingHuman:
		state.Current = decision.Participant
		state.AwaitingInput = true
	default:
		state.Current = decision.Participant
	}

	e.logger.Debug("turn applied", map[string]string{
		"participant": participant,
		"turn":        fmt.Sprint(state.Turn),
		"next":        state.Current,
		"human":       fmt.Sprint(human),
	})
	e.emit(protocol.NewTurnUpdate(state.Turn, participant, content, human, e.view()))
	if state.AwaitingInput {
		e.emit(protocol.NewAwaitingInput(state.Current))
	}
	if completedRound > 0 {
		e.emit(protocol.NewRoundComplete(completedRound))
		if e.run.autopilot {
			e.run.rounds++
			if e.opts.MaxRounds > 0 && e.run.rounds >= e.opts.MaxRounds {
				e.stopAutopilot(StopRoundLimit)
			}
		}
	}
	return completedRound > 0, nil
}

func (e *Engine) handleFailure(turnErr *TurnError) {
	fields := map[string]string{
		"participant":      turnErr.Participant,
		"category":         string(turnErr.Category),
		logging.FieldError: turnErr.Error(),
	}
	if !turnErr.Recoverable() {
		e.logger.Error("structural turn failure", fields)
		e.emitError(turnErr.Error(), false, turnErr.Category)
		e.stopAutopilot(StopFatalError)
		return
	}

	e.run.retries++
	fields["retries"] = fmt.Sprint(e.run.retries)
	if e.run.retries >= e.opts.MaxRetries {
		e.logger.Error("turn failed after retries", fields)
		e.emitError(fmt.Sprintf("%s; giving up after %d attempts", turnErr.Error(), e.run.retries), false, turnErr.Category)
		e.stopAutopilot(StopTurnFailed)
		return
	}
	e.logger.Warn("turn failed", fields)
	e.emitError(turnErr.Error(), true, turnErr.Category)
}

// awaitControlled switches to awaiting input when the current participant is
// human-controlled. Loop goroutine only.
func (e *Engine) awaitControlled() bool {
	state := e.state
	if state == nil || !state.HumanControl || state.Current != state.HumanParticipant {
		return false
	}
	if !state.AwaitingInput {
		state.AwaitingInput = true
		e.stopTimer()
		e.emit(protocol.NewAwaitingInput(state.Current))
	}
	return true
}

func (e *Engine) emitError(message string, recoverable bool, category FailureCategory) {
	event := protocol.NewError(message, recoverable)
	event.Code = string(category)
	e.emit(event)
}

func (e *Engine) roundPause(roundDone bool) time.Duration {
	if roundDone {
		return e.opts.RoundPause
	}
	return 0
}

func reply(finished chan<- error, err error) {
	if finished == nil {
		return
	}
	finished <- err
}
