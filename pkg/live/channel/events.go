package channel

import "github.com/vango-go/vai-caseworker/pkg/core/tools"

// Event is an inbound message from the live session, in arrival order.
type Event interface {
	liveEventType() string
}

// TranscriptRole distinguishes transcription of the user's speech from the agent's.
type TranscriptRole string

const (
	TranscriptInput  TranscriptRole = "input"
	TranscriptOutput TranscriptRole = "output"
)

// AudioChunkEvent carries one chunk of agent speech as LE int16 PCM.
type AudioChunkEvent struct {
	Data     []byte
	MIMEType string
}

func (e AudioChunkEvent) liveEventType() string { return "audio_chunk" }

// TranscriptEvent carries a transcription fragment. Final marks the end of an utterance.
type TranscriptEvent struct {
	Role  TranscriptRole
	Text  string
	Final bool
}

func (e TranscriptEvent) liveEventType() string { return "transcript" }

// ToolCallEvent carries a batch of tool calls that must each be acknowledged.
type ToolCallEvent struct {
	Calls []tools.Call
}

func (e ToolCallEvent) liveEventType() string { return "tool_call" }

// ToolCancelEvent lists tool call ids the service no longer needs answered.
type ToolCancelEvent struct {
	IDs []string
}

func (e ToolCancelEvent) liveEventType() string { return "tool_cancel" }

// InterruptedEvent means the user barged in; queued agent audio is stale.
type InterruptedEvent struct{}

func (e InterruptedEvent) liveEventType() string { return "interrupted" }

// TurnCompleteEvent marks the end of an agent turn.
type TurnCompleteEvent struct{}

func (e TurnCompleteEvent) liveEventType() string { return "turn_complete" }

// GoAwayEvent warns that the service will close the session soon.
type GoAwayEvent struct{}

func (e GoAwayEvent) liveEventType() string { return "go_away" }

// ClosedEvent is terminal: the service closed the session normally.
type ClosedEvent struct {
	Reason string
}

func (e ClosedEvent) liveEventType() string { return "closed" }

// TransportErrorEvent is terminal: the connection failed.
type TransportErrorEvent struct {
	Err error
}

func (e TransportErrorEvent) liveEventType() string { return "transport_error" }

// MalformedEvent reports an inbound message that could not be decoded. The stream continues.
type MalformedEvent struct {
	Reason string
}

func (e MalformedEvent) liveEventType() string { return "malformed" }

// Terminal reports whether no further events follow e.
func Terminal(e Event) bool {
	switch e.(type) {
	case ClosedEvent, TransportErrorEvent:
		return true
	default:
		return false
	}
}

// EventType returns the stable name of an event, for logging.
func EventType(e Event) string {
	if e == nil {
		return ""
	}
	return e.liveEventType()
}
