package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"chronicle/internal/protocol"
)

func TestStartAutopilotRequiresState(t *testing.T) {
	e, err := New(Options{SessionID: "empty", Executor: echoExecutor()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	if err := e.StartAutopilot(context.Background(), SpeedFast); !errors.Is(err, ErrNoStateLoaded) {
		t.Fatalf("expected ErrNoStateLoaded, got %v", err)
	}
	if err := e.RunSingleTurn(context.Background()); !errors.Is(err, ErrNoStateLoaded) {
		t.Fatalf("expected ErrNoStateLoaded, got %v", err)
	}
}

func TestNewRequiresExecutor(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoExecutor) {
		t.Fatalf("expected ErrNoExecutor, got %v", err)
	}
	if _, err := New(Options{Executor: echoExecutor(), Speed: "warp"}); !errors.Is(err, ErrInvalidSpeed) {
		t.Fatalf("expected ErrInvalidSpeed, got %v", err)
	}
}

func TestStartAutopilotTwiceReturnsAlreadyRunning(t *testing.T) {
	e, rec := newTestEngine(t, Options{Pacing: Pacing{Slow: time.Hour, Normal: time.Hour, Fast: time.Hour}})

	if err := e.StartAutopilot(context.Background(), SpeedFast); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.StartAutopilot(context.Background(), SpeedSlow); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	flush(t, e)
	if got := rec.count(protocol.EventAutopilotStarted); got != 1 {
		t.Fatalf("expected one autopilot_started, got %d", got)
	}
	started := rec.waitFor(t, protocol.EventAutopilotStarted).(protocol.AutopilotStartedEvent)
	if started.Speed != "fast" {
		t.Fatalf("unexpected speed %q", started.Speed)
	}
	if snap := snapshot(t, e); snap.Run.Speed != SpeedFast {
		t.Fatalf("rejected start changed speed to %q", snap.Run.Speed)
	}
}

func TestStartAutopilotRejectsInvalidSpeed(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	if err := e.StartAutopilot(context.Background(), "warp"); !errors.Is(err, ErrInvalidSpeed) {
		t.Fatalf("expected ErrInvalidSpeed, got %v", err)
	}
	if snap := snapshot(t, e); snap.Run.Autopilot {
		t.Fatalf("autopilot should not be running")
	}
}

func TestRunSingleTurnFollowsQueue(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()

	wantAgents := []string{"dm", "fighter", "rogue"}
	wantNext := []string{"fighter", "rogue", "dm"}
	for i, agent := range wantAgents {
		if err := e.RunSingleTurn(ctx); err != nil {
			t.Fatalf("turn %d: %v", i+1, err)
		}
		update := rec.waitFor(t, protocol.EventTurnUpdate).(protocol.TurnUpdateEvent)
		if update.Agent != agent || update.Turn != i+1 {
			t.Fatalf("turn %d: got agent %q turn %d", i+1, update.Agent, update.Turn)
		}
		if update.State.Current != wantNext[i] {
			t.Fatalf("turn %d: next %q, want %q", i+1, update.State.Current, wantNext[i])
		}
	}
	round := rec.waitFor(t, protocol.EventRoundComplete).(protocol.RoundCompleteEvent)
	if round.Round != 1 {
		t.Fatalf("expected round 1 complete, got %d", round.Round)
	}

	snap := snapshot(t, e)
	if snap.State.Turn != 3 || snap.State.Round != 2 || len(snap.State.Log) != 3 {
		t.Fatalf("unexpected state after round: turn=%d round=%d log=%d", snap.State.Turn, snap.State.Round, len(snap.State.Log))
	}
	if notes := snap.State.Memories["fighter"]; len(notes) != 1 || notes[0] != "Brakka acts" {
		t.Fatalf("unexpected fighter memory %#v", notes)
	}
}

func TestHumanControlledTurnAwaitsInput(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()

	if err := e.DropIn(ctx, "fighter"); err != nil {
		t.Fatalf("drop in: %v", err)
	}
	if err := e.RunSingleTurn(ctx); err != nil {
		t.Fatalf("supervisor turn: %v", err)
	}
	awaiting := rec.waitFor(t, protocol.EventAwaitingInput).(protocol.AwaitingInputEvent)
	if awaiting.Character != "fighter" {
		t.Fatalf("awaiting %q, want fighter", awaiting.Character)
	}
	if err := e.RunSingleTurn(ctx); !errors.Is(err, ErrAwaitingInput) {
		t.Fatalf("expected ErrAwaitingInput, got %v", err)
	}

	if err := e.SubmitHumanAction(ctx, "  I kick the door open.  "); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var update protocol.TurnUpdateEvent
	for update.Agent != "fighter" {
		update = rec.waitFor(t, protocol.EventTurnUpdate).(protocol.TurnUpdateEvent)
	}
	if !update.Human || update.Content != "I kick the door open." {
		t.Fatalf("unexpected human turn %#v", update)
	}
	if update.State.Current != "rogue" || update.State.AwaitingInput {
		t.Fatalf("expected rogue to act next, got %#v", update.State)
	}
}

func TestDropInSwitchEmitsSingleEvent(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()

	if err := e.DropIn(ctx, "fighter"); err != nil {
		t.Fatalf("drop in fighter: %v", err)
	}
	flush(t, e)
	before := len(rec.all())

	if err := e.DropIn(ctx, "rogue"); err != nil {
		t.Fatalf("drop in rogue: %v", err)
	}
	flush(t, e)
	after := rec.all()[before:]
	if len(after) != 1 {
		t.Fatalf("expected exactly one event, got %d: %#v", len(after), after)
	}
	dropIn, ok := after[0].(protocol.DropInEvent)
	if !ok || dropIn.Character != "rogue" {
		t.Fatalf("unexpected event %#v", after[0])
	}
	snap := snapshot(t, e)
	if !snap.State.HumanControl || snap.State.HumanParticipant != "rogue" {
		t.Fatalf("control not switched: %#v", snap.State)
	}
}

func TestDropInCurrentParticipantAwaitsImmediately(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.RunSingleTurn(ctx); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if err := e.DropIn(ctx, "fighter"); err != nil {
		t.Fatalf("drop in: %v", err)
	}
	rec.waitFor(t, protocol.EventDropIn)
	rec.waitFor(t, protocol.EventAwaitingInput)
	if snap := snapshot(t, e); !snap.State.AwaitingInput {
		t.Fatalf("expected awaiting input")
	}
}

func TestDropInRejectsSupervisorAndUnknown(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	for _, participant := range []string{"dm", "wizard", ""} {
		if err := e.DropIn(context.Background(), participant); !errors.Is(err, ErrInvalidParticipant) {
			t.Fatalf("participant %q: expected ErrInvalidParticipant, got %v", participant, err)
		}
	}
}

func TestSubmitHumanActionRejectsEmptyContentWithoutMutation(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.DropIn(ctx, "fighter"); err != nil {
		t.Fatalf("drop in: %v", err)
	}
	if err := e.RunSingleTurn(ctx); err != nil {
		t.Fatalf("turn: %v", err)
	}
	flush(t, e)
	before := snapshot(t, e)
	eventsBefore := len(rec.all())

	for _, content := range []string{"", "   ", "\n\t"} {
		if err := e.SubmitHumanAction(ctx, content); !errors.Is(err, ErrEmptyContent) {
			t.Fatalf("content %q: expected ErrEmptyContent, got %v", content, err)
		}
	}
	flush(t, e)
	after := snapshot(t, e)
	if after.State.Turn != before.State.Turn || len(after.State.Log) != len(before.State.Log) || !after.State.AwaitingInput {
		t.Fatalf("state mutated: before=%#v after=%#v", before.State, after.State)
	}
	if got := len(rec.all()); got != eventsBefore {
		t.Fatalf("expected no events, got %d new", got-eventsBefore)
	}
}

func TestSubmitHumanActionPreconditions(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.SubmitHumanAction(ctx, "hello"); !errors.Is(err, ErrNotInControl) {
		t.Fatalf("expected ErrNotInControl, got %v", err)
	}
	if err := e.DropIn(ctx, "rogue"); err != nil {
		t.Fatalf("drop in: %v", err)
	}
	if err := e.SubmitHumanAction(ctx, "hello"); !errors.Is(err, ErrNotAwaitingInput) {
		t.Fatalf("expected ErrNotAwaitingInput, got %v", err)
	}
}

func TestReleaseControlIsIdempotent(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.ReleaseControl(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := e.DropIn(ctx, "fighter"); err != nil {
		t.Fatalf("drop in: %v", err)
	}
	if err := e.ReleaseControl(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := e.ReleaseControl(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	flush(t, e)
	if got := rec.count(protocol.EventReleaseControl); got != 1 {
		t.Fatalf("expected one release_control, got %d", got)
	}
	released := rec.waitFor(t, protocol.EventReleaseControl).(protocol.ReleaseControlEvent)
	if released.Character != "fighter" {
		t.Fatalf("unexpected character %q", released.Character)
	}
}

func TestReleaseWhileAwaitingLetsExecutorAct(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.DropIn(ctx, "fighter"); err != nil {
		t.Fatalf("drop in: %v", err)
	}
	if err := e.RunSingleTurn(ctx); err != nil {
		t.Fatalf("turn: %v", err)
	}
	rec.waitFor(t, protocol.EventAwaitingInput)
	if err := e.ReleaseControl(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := e.RunSingleTurn(ctx); err != nil {
		t.Fatalf("executor turn after release: %v", err)
	}
	snap := snapshot(t, e)
	last := snap.State.Log[len(snap.State.Log)-1]
	if last.Participant != "fighter" || last.Human {
		t.Fatalf("expected executor turn for fighter, got %#v", last)
	}
}

func TestSetSpeedValidates(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.SetSpeed(ctx, "ludicrous"); !errors.Is(err, ErrInvalidSpeed) {
		t.Fatalf("expected ErrInvalidSpeed, got %v", err)
	}
	if err := e.SetSpeed(ctx, SpeedSlow); err != nil {
		t.Fatalf("set speed: %v", err)
	}
	changed := rec.waitFor(t, protocol.EventSpeedChanged).(protocol.SpeedChangedEvent)
	if changed.Speed != "slow" {
		t.Fatalf("unexpected speed %q", changed.Speed)
	}
}

func TestPauseResumeEmitOnChange(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	for _, step := range []func(context.Context) error{e.Pause, e.Pause, e.Resume, e.Resume} {
		if err := step(ctx); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	flush(t, e)
	if rec.count(protocol.EventPaused) != 1 || rec.count(protocol.EventResumed) != 1 {
		t.Fatalf("expected one paused and one resumed, got %d/%d", rec.count(protocol.EventPaused), rec.count(protocol.EventResumed))
	}
}

func TestStopAutopilotOnlyEmitsWhenRunning(t *testing.T) {
	e, rec := newTestEngine(t, Options{Pacing: Pacing{Slow: time.Hour, Normal: time.Hour, Fast: time.Hour}})
	ctx := context.Background()
	if err := e.StopAutopilot(ctx, StopRequested); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.StartAutopilot(ctx, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.StopAutopilot(ctx, StopRequested); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.StopAutopilot(ctx, StopRequested); err != nil {
		t.Fatalf("stop: %v", err)
	}
	flush(t, e)
	if got := rec.count(protocol.EventAutopilotStopped); got != 1 {
		t.Fatalf("expected one autopilot_stopped, got %d", got)
	}
	stopped := rec.waitFor(t, protocol.EventAutopilotStopped).(protocol.AutopilotStoppedEvent)
	if stopped.Reason != "requested" {
		t.Fatalf("unexpected reason %q", stopped.Reason)
	}
}

func TestAutopilotStopsAtRoundLimit(t *testing.T) {
	e, rec := newTestEngine(t, Options{MaxRounds: 1})
	if err := e.StartAutopilot(context.Background(), SpeedFast); err != nil {
		t.Fatalf("start: %v", err)
	}
	stopped := rec.waitFor(t, protocol.EventAutopilotStopped).(protocol.AutopilotStoppedEvent)
	if stopped.Reason != string(StopRoundLimit) {
		t.Fatalf("unexpected reason %q", stopped.Reason)
	}
	snap := snapshot(t, e)
	if snap.State.Turn != 3 || snap.State.Round != 2 || snap.Run.Autopilot {
		t.Fatalf("unexpected state turn=%d round=%d autopilot=%v", snap.State.Turn, snap.State.Round, snap.Run.Autopilot)
	}
}

func TestAutopilotIdlesWhileAwaitingInput(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.DropIn(ctx, "fighter"); err != nil {
		t.Fatalf("drop in: %v", err)
	}
	if err := e.StartAutopilot(ctx, SpeedFast); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitFor(t, protocol.EventAwaitingInput)
	time.Sleep(30 * time.Millisecond)
	snap := snapshot(t, e)
	if snap.State.Turn != 1 || snap.State.Current != "fighter" || !snap.Run.Autopilot {
		t.Fatalf("autopilot should idle on human turn: %#v %#v", snap.State, snap.Run)
	}

	if err := e.SubmitHumanAction(ctx, "I raise my shield."); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec.waitFor(t, protocol.EventRoundComplete)
	if err := e.StopAutopilot(ctx, StopRequested); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPausedAutopilotDoesNotRunTurns(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.StartAutopilot(ctx, SpeedFast); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if snap := snapshot(t, e); snap.State.Turn != 0 {
		t.Fatalf("paused autopilot ran %d turns", snap.State.Turn)
	}
	if err := e.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rec.waitFor(t, protocol.EventTurnUpdate)
}

func TestLoadStateBusyWhileAutopilotRuns(t *testing.T) {
	e, _ := newTestEngine(t, Options{Pacing: Pacing{Slow: time.Hour, Normal: time.Hour, Fast: time.Hour}})
	ctx := context.Background()
	if err := e.StartAutopilot(ctx, SpeedFast); err != nil {
		t.Fatalf("start: %v", err)
	}
	state, _ := NewState("tavern", "", "", testQueue())
	if err := e.LoadState(ctx, state); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := e.LoadState(ctx, State{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSendSnapshotTargetsSink(t *testing.T) {
	e, rec := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.RunSingleTurn(ctx); err != nil {
		t.Fatalf("turn: %v", err)
	}
	flush(t, e)
	broadcasts := len(rec.all())

	var received []protocol.Event
	if err := e.SendSnapshot(ctx, sinkFunc(func(event protocol.Event) error {
		received = append(received, event)
		return nil
	})); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("expected one event, got %d", len(received))
	}
	state := received[0].(protocol.SessionStateEvent).State
	if state.Turn != 1 || state.Current != "fighter" || len(state.Log) != 1 {
		t.Fatalf("unexpected snapshot %#v", state)
	}
	if len(rec.all()) != broadcasts {
		t.Fatalf("snapshot should not be broadcast")
	}

	sendErr := errors.New("socket closed")
	if err := e.SendSnapshot(ctx, sinkFunc(func(protocol.Event) error { return sendErr })); !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	if err := e.RunSingleTurn(ctx); err != nil {
		t.Fatalf("turn: %v", err)
	}
	snap := snapshot(t, e)
	snap.State.Log[0].Content = "tampered"
	snap.State.Memories["dm"][0] = "tampered"
	snap.State.Queue[0].ID = "tampered"

	fresh := snapshot(t, e)
	if fresh.State.Log[0].Content == "tampered" || fresh.State.Memories["dm"][0] == "tampered" || fresh.State.Queue[0].ID == "tampered" {
		t.Fatalf("snapshot shares memory with engine state")
	}
}

func TestCloseStopsAutopilotWithShutdown(t *testing.T) {
	e, rec := newTestEngine(t, Options{Pacing: Pacing{Slow: time.Hour, Normal: time.Hour, Fast: time.Hour}})
	if err := e.StartAutopilot(context.Background(), SpeedNormal); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Close()
	stopped := rec.waitFor(t, protocol.EventAutopilotStopped).(protocol.AutopilotStoppedEvent)
	if stopped.Reason != string(StopShutdown) {
		t.Fatalf("unexpected reason %q", stopped.Reason)
	}
	if err := e.Pause(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
}

func TestDropInDuringFailedTurnAwaitsHuman(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var fighterTurns atomic.Int32
	executor := TurnExecutorFunc(func(ctx context.Context, request TurnRequest) (TurnResult, error) {
		if request.Participant.ID != "fighter" {
			return TurnResult{Content: request.Participant.Name + " acts"}, nil
		}
		fighterTurns.Add(1)
		started <- struct{}{}
		<-release
		return TurnResult{}, errors.New("gateway returned 502")
	})
	e, rec := newTestEngine(t, Options{Executor: executor})
	ctx := context.Background()
	if err := e.RunSingleTurn(ctx); err != nil {
		t.Fatalf("dm turn: %v", err)
	}

	finished := make(chan error, 1)
	go func() { finished <- e.RunSingleTurn(ctx) }()
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("fighter turn never started")
	}
	if err := e.DropIn(ctx, "fighter"); err != nil {
		t.Fatalf("drop in: %v", err)
	}
	if snap := snapshot(t, e); snap.State.AwaitingInput {
		t.Fatalf("should not await input while the turn is in flight")
	}
	close(release)

	var turnErr *TurnError
	select {
	case err := <-finished:
		if !errors.As(err, &turnErr) {
			t.Fatalf("expected TurnError, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("fighter turn never finished")
	}
	awaiting := rec.waitFor(t, protocol.EventAwaitingInput).(protocol.AwaitingInputEvent)
	if awaiting.Character != "fighter" {
		t.Fatalf("unexpected awaiting character %q", awaiting.Character)
	}
	snap := snapshot(t, e)
	if snap.State.Current != "fighter" || !snap.State.AwaitingInput {
		t.Fatalf("expected fighter awaiting input, got current=%q awaiting=%v", snap.State.Current, snap.State.AwaitingInput)
	}

	if err := e.RunSingleTurn(ctx); !errors.Is(err, ErrAwaitingInput) {
		t.Fatalf("expected ErrAwaitingInput, got %v", err)
	}
	if err := e.RetryTurn(ctx); !errors.Is(err, ErrAwaitingInput) {
		t.Fatalf("expected ErrAwaitingInput on retry, got %v", err)
	}
	if got := fighterTurns.Load(); got != 1 {
		t.Fatalf("executor played the controlled fighter %d times", got)
	}
	if err := e.SubmitHumanAction(ctx, "I hold the door"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap := snapshot(t, e); snap.State.Current != "rogue" {
		t.Fatalf("expected rogue next, got %q", snap.State.Current)
	}
}

func TestLoadStateAwaitsControlledCurrentParticipant(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	state, err := NewState("tavern", "The Sunken Tavern", "", testQueue())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	state.Current = "fighter"
	state.HumanControl = true
	state.HumanParticipant = "fighter"
	if err := e.LoadState(ctx, state); err != nil {
		t.Fatalf("load state: %v", err)
	}
	if snap := snapshot(t, e); !snap.State.AwaitingInput {
		t.Fatalf("expected restored state to await the controlled fighter")
	}
	if err := e.RunSingleTurn(ctx); !errors.Is(err, ErrAwaitingInput) {
		t.Fatalf("expected ErrAwaitingInput, got %v", err)
	}
}

func TestSetSpeedKeepsRoundPause(t *testing.T) {
	e, rec := newTestEngine(t, Options{RoundPause: 500 * time.Millisecond})
	ctx := context.Background()
	if err := e.StartAutopilot(ctx, SpeedFast); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.waitFor(t, protocol.EventRoundComplete)
	if err := e.SetSpeed(ctx, SpeedNormal); err != nil {
		t.Fatalf("set speed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if snap := snapshot(t, e); snap.State.Turn != 3 {
		t.Fatalf("speed change skipped the round pause, turn=%d", snap.State.Turn)
	}
	if err := e.StopAutopilot(ctx, ""); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
