// Package engine owns one session's simulation state. All mutations happen on
// a single owner goroutine; callers talk to it through blocking method calls
// and observe it through the broadcast callback.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chronicle/internal/logging"
	"chronicle/internal/metrics"
	"chronicle/internal/protocol"

	"go.opentelemetry.io/otel/trace"
)

type Engine struct {
	sessionID string
	opts      Options
	logger    *logging.Logger
	metrics   *metrics.Registry
	tracer    trace.Tracer

	mailbox    chan func()
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	baseCtx    context.Context
	cancelBase context.CancelFunc
	emitter    *emitter

	// Owned by the loop goroutine.
	state      *State
	run        runFlags
	timer      *time.Timer
	timerExtra time.Duration
	generation uint64
}

type runFlags struct {
	autopilot bool
	paused    bool
	speed     Speed
	retries   int
	inFlight  bool
	nudge     string
	nudgeSeq  uint64
	rounds    int
}

func New(opts Options) (*Engine, error) {
	if opts.Executor == nil {
		return nil, ErrNoExecutor
	}
	if opts.Speed != "" {
		speed, err := ParseSpeed(string(opts.Speed))
		if err != nil {
			return nil, err
		}
		opts.Speed = speed
	}
	opts = opts.withDefaults()
	logger := opts.Logger.With(map[string]string{
		logging.FieldCategory:  "engine",
		logging.FieldSessionID: opts.SessionID,
	})
	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sessionID:  opts.SessionID,
		opts:       opts,
		logger:     logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		mailbox:    make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		emitter:    newEmitter(logger),
		run:        runFlags{speed: opts.Speed},
	}
	go e.loop()
	return e, nil
}

func (e *Engine) SessionID() string {
	return e.sessionID
}

// SetBroadcastCallback registers the function that receives every session event.
func (e *Engine) SetBroadcastCallback(fn BroadcastFunc) {
	e.emitter.setBroadcast(fn)
}

// Close stops autopilot and the engine goroutines. In-flight turns are abandoned.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
		<-e.done
		e.cancelBase()
		e.emitter.close()
	})
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case op := <-e.mailbox:
			op()
		case <-e.quit:
			e.stopAutopilot(StopShutdown)
			e.stopTimer()
			return
		}
	}
}

// post schedules op on the loop goroutine without waiting for it.
func (e *Engine) post(op func()) bool {
	select {
	case e.mailbox <- op:
		return true
	case <-e.quit:
		return false
	}
}

// call runs fn on the loop goroutine and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reply := make(chan error, 1)
	op := func() { reply <- fn() }
	select {
	case e.mailbox <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return ErrEngineClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
}

func (e *Engine) emit(event protocol.Event) {
	e.metrics.IncEngineEvent(string(event.EventType()))
	e.emitter.enqueue(delivery{event: event})
}

func (e *Engine) runState() RunState {
	return RunState{
		Autopilot:    e.run.autopilot,
		Paused:       e.run.paused,
		Speed:        e.run.speed,
		Retries:      e.run.retries,
		TurnInFlight: e.run.inFlight,
		PendingNudge: e.run.nudge != "",
		Rounds:       e.run.rounds,
	}
}

func (e *Engine) view() protocol.StateView {
	if e.state == nil {
		return protocol.StateView{SessionID: e.sessionID}
	}
	return e.state.View(e.runState())
}

func (e *Engine) StartAutopilot(ctx context.Context, speed Speed) error {
	return e.call(ctx, func() error {
		if e.state == nil {
			return ErrNoStateLoaded
		}
		next := e.run.speed
		if speed != "" {
			parsed, err := ParseSpeed(string(speed))
			if err != nil {
				return err
			}
			next = parsed
		}
		if e.run.autopilot {
			return ErrAlreadyRunning
		}
		e.run.speed = next
		e.run.autopilot = true
		e.run.rounds = 0
		e.run.retries = 0
		e.logger.Info("autopilot started", map[string]string{"speed": string(next)})
		e.emit(protocol.NewAutopilotStarted(string(next)))
		e.scheduleNext(0)
		return nil
	})
}

func (e *Engine) StopAutopilot(ctx context.Context, reason StopReason) error {
	if reason == "" {
		reason = StopRequested
	}
	return e.call(ctx, func() error {
		e.stopAutopilot(reason)
		return nil
	})
}

// RunSingleTurn executes one turn for the current participant and waits for it.
func (e *Engine) RunSingleTurn(ctx context.Context) error {
	finished := make(chan error, 1)
	if err := e.call(ctx, func() error {
		return e.startTurn(finished)
	}); err != nil {
		return err
	}
	return e.await(ctx, finished)
}

// RetryTurn re-runs the current turn unless consecutive failures reached the limit.
func (e *Engine) RetryTurn(ctx context.Context) error {
	finished := make(chan error, 1)
	if err := e.call(ctx, func() error {
		if e.state == nil {
			return ErrNoStateLoaded
		}
		if e.run.retries >= e.opts.MaxRetries {
			return fmt.Errorf("%w: %d consecutive failures", ErrRetryLimitExceeded, e.run.retries)
		}
		return e.startTurn(finished)
	}); err != nil {
		return err
	}
	return e.await(ctx, finished)
}

func (e *Engine) await(ctx context.Context, finished <-chan error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case err := <-finished:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEngineClosed
	}
}

// DropIn hands control of a participant to a human, replacing any previous one.
func (e *Engine) DropIn(ctx context.Context, participant string) error {
	return e.call(ctx, func() error {
		if e.state == nil {
			return ErrNoStateLoaded
		}
		id := strings.TrimSpace(participant)
		if _, ok := e.state.Participant(id); !ok || id == e.state.Supervisor() {
			return fmt.Errorf("%w: %q", ErrInvalidParticipant, participant)
		}
		previous := e.state.HumanParticipant
		e.state.HumanControl = true
		e.state.HumanParticipant = id
		e.state.AwaitingInput = e.state.Current == id && !e.run.inFlight
		if e.state.AwaitingInput {
			e.stopTimer()
		}
		e.logger.Info("human dropped in", map[string]string{"participant": id, "previous": previous})
		e.emit(protocol.NewDropIn(id))
		if e.state.AwaitingInput {
			e.emit(protocol.NewAwaitingInput(id))
			return nil
		}
		e.scheduleNext(0)
		return nil
	})
}

// ReleaseControl returns the controlled participant to the executor.
func (e *Engine) ReleaseControl(ctx context.Context) error {
	return e.call(ctx, func() error {
		if e.state == nil || !e.state.HumanControl {
			return nil
		}
		character := e.state.HumanParticipant
		e.state.HumanControl = false
		e.state.HumanParticipant = ""
		e.state.AwaitingInput = false
		e.logger.Info("human released control", map[string]string{"participant": character})
		e.emit(protocol.NewReleaseControl(character))
		e.scheduleNext(0)
		return nil
	})
}

// SubmitHumanAction records the controlled participant's turn.
func (e *Engine) SubmitHumanAction(ctx context.Context, content string) error {
	return e.call(ctx, func() error {
		if e.state == nil {
			return ErrNoStateLoaded
		}
		if !e.state.HumanControl {
			return ErrNotInControl
		}
		content = strings.TrimSpace(content)
		if content == "" {
			return ErrEmptyContent
		}
		if !e.state.AwaitingInput {
			return ErrNotAwaitingInput
		}
		roundDone, err := e.applyTurn(e.state.HumanParticipant, content, "", true)
		if err != nil {
			e.handleFailure(err)
			return err
		}
		e.metrics.IncHumanAction()
		e.run.retries = 0
		e.scheduleNext(e.roundPause(roundDone))
		return nil
	})
}

// SubmitNudge stores direction for the supervisor's next turn, replacing any pending nudge.
func (e *Engine) SubmitNudge(ctx context.Context, content string) error {
	return e.call(ctx, func() error {
		if e.state == nil {
			return ErrNoStateLoaded
		}
		content = strings.TrimSpace(content)
		if content == "" {
			return ErrEmptyContent
		}
		e.run.nudge = content
		e.run.nudgeSeq++
		e.emit(protocol.NewNudgeReceived())
		return nil
	})
}

func (e *Engine) SetSpeed(ctx context.Context, speed Speed) error {
	parsed, err := ParseSpeed(string(speed))
	if err != nil {
		return err
	}
	return e.call(ctx, func() error {
		e.run.speed = parsed
		e.emit(protocol.NewSpeedChanged(string(parsed)))
		if e.timer != nil {
			extra := e.timerExtra
			e.stopTimer()
			e.scheduleNext(extra)
		}
		return nil
	})
}

func (e *Engine) Pause(ctx context.Context) error {
	return e.call(ctx, func() error {
		if e.run.paused {
			return nil
		}
		e.run.paused = true
		e.stopTimer()
		e.emit(protocol.NewPaused())
		return nil
	})
}

func (e *Engine) Resume(ctx context.Context) error {
	return e.call(ctx, func() error {
		if !e.run.paused {
			return nil
		}
		e.run.paused = false
		e.emit(protocol.NewResumed())
		e.scheduleNext(0)
		return nil
	})
}

// SendSnapshot delivers a session_state event to one sink, ordered after
// every event already emitted.
func (e *Engine) SendSnapshot(ctx context.Context, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("snapshot sink is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	delivered := make(chan error, 1)
	if err := e.call(ctx, func() error {
		if e.state == nil {
			return ErrNoStateLoaded
		}
		e.emitter.enqueue(delivery{event: protocol.NewSessionState(e.view()), sink: sink, result: delivered})
		return nil
	}); err != nil {
		return err
	}
	select {
	case err := <-delivered:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot
	err := e.call(ctx, func() error {
		if e.state == nil {
			return ErrNoStateLoaded
		}
		snapshot = Snapshot{State: e.state.Clone(), Run: e.runState()}
		return nil
	})
	return snapshot, err
}

// LoadState replaces the simulation state and broadcasts it.
func (e *Engine) LoadState(ctx context.Context, state State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	loaded := state.Clone()
	if loaded.SessionID == "" {
		loaded.SessionID = e.sessionID
	}
	if loaded.Round == 0 {
		loaded.Round = 1
	}
	if loaded.Log == nil {
		loaded.Log = []Entry{}
	}
	if loaded.HumanControl && loaded.Current == loaded.HumanParticipant {
		loaded.AwaitingInput = true
	}
	return e.call(ctx, func() error {
		if e.run.autopilot || e.run.inFlight {
			return ErrBusy
		}
		e.state = &loaded
		e.run.retries = 0
		e.run.nudge = ""
		e.logger.Info("state loaded", map[string]string{
			"turn":  fmt.Sprint(loaded.Turn),
			"round": fmt.Sprint(loaded.Round),
		})
		e.emit(protocol.NewSessionState(e.view()))
		return nil
	})
}
