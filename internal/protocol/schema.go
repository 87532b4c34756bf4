package protocol

import "github.com/invopop/jsonschema"

func newReflector() *jsonschema.Reflector {
	return &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
}

func generateSchema(reflector *jsonschema.Reflector, value any) *jsonschema.Schema {
	schema := reflector.Reflect(value)
	if schema.Version == "" {
		schema.Version = jsonschema.Version
	}
	return schema
}

// Schemas describes every command and event keyed by its type discriminator.
type Schemas struct {
	Commands map[string]*jsonschema.Schema `json:"commands"`
	Events   map[string]*jsonschema.Schema `json:"events"`
}

// GenerateSchemas reflects the wire types into JSON schemas.
func GenerateSchemas() Schemas {
	reflector := newReflector()
	commands := map[CommandType]any{
		CommandStartAutopilot: StartAutopilotCommand{},
		CommandStopAutopilot:  StopAutopilotCommand{},
		CommandNextTurn:       NextTurnCommand{},
		CommandDropIn:         DropInCommand{},
		CommandReleaseControl: ReleaseControlCommand{},
		CommandSubmitAction:   SubmitActionCommand{},
		CommandNudge:          NudgeCommand{},
		CommandSetSpeed:       SetSpeedCommand{},
		CommandPause:          PauseCommand{},
		CommandResume:         ResumeCommand{},
		CommandRetry:          RetryCommand{},
	}
	events := map[EventType]any{
		EventTurnUpdate:       TurnUpdateEvent{},
		EventAutopilotStarted: AutopilotStartedEvent{},
		EventAutopilotStopped: AutopilotStoppedEvent{},
		EventError:            ErrorEvent{},
		EventSessionState:     SessionStateEvent{},
		EventDropIn:           DropInEvent{},
		EventReleaseControl:   ReleaseControlEvent{},
		EventAwaitingInput:    AwaitingInputEvent{},
		EventNudgeReceived:    NudgeReceivedEvent{},
		EventSpeedChanged:     SpeedChangedEvent{},
		EventPaused:           PausedEvent{},
		EventResumed:          ResumedEvent{},
		EventRoundComplete:    RoundCompleteEvent{},
	}

	out := Schemas{
		Commands: make(map[string]*jsonschema.Schema, len(commands)),
		Events:   make(map[string]*jsonschema.Schema, len(events)),
	}
	for commandType, value := range commands {
		out.Commands[string(commandType)] = generateSchema(reflector, value)
	}
	for eventType, value := range events {
		out.Events[string(eventType)] = generateSchema(reflector, value)
	}
	return out
}
