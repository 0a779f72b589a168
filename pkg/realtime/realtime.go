// Package realtime defines the Provider interface for streaming
// conversational-AI backends.
//
// A realtime provider wraps a voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session. The
// central abstraction is Session: a bidirectional connection whose inbound
// traffic (audio fragments, transcript text, turn boundaries, tool calls)
// arrives as a single ordered stream of [Event] values. Keeping everything on
// one channel preserves the service's event ordering, which matters when a
// turn-complete marker must not overtake the audio fragments of that turn.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// ToolDefinition describes one tool offered to the model at session start.
type ToolDefinition struct {
	// Name is the identifier the model uses to invoke the tool.
	Name string

	// Description tells the model when the tool applies.
	Description string

	// Parameters is a JSON Schema object describing the tool's arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Voice selects the synthesised output voice. Empty means provider default.
	Voice string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// Tools is the set of tool definitions offered to the model. Tool
	// invocations surface as [ToolCall] events.
	Tools []ToolDefinition
}

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// KindAudioDelta carries one PCM16 audio fragment of the model's reply.
	KindAudioDelta EventKind = iota

	// KindTextDelta carries transcript text, either of the user's recognised
	// speech or of the model's spoken reply.
	KindTextDelta

	// KindTurnComplete marks the end of a model reply. No further AudioDelta
	// events for that reply will follow.
	KindTurnComplete

	// KindInterrupted reports that the service detected the user speaking
	// over an in-flight reply.
	KindInterrupted

	// KindToolCall carries a tool invocation request from the model.
	KindToolCall

	// KindSessionError reports a non-fatal error event from the service.
	KindSessionError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case KindAudioDelta:
		return "AUDIO_DELTA"
	case KindTextDelta:
		return "TEXT_DELTA"
	case KindTurnComplete:
		return "TURN_COMPLETE"
	case KindInterrupted:
		return "INTERRUPTED"
	case KindToolCall:
		return "TOOL_CALL"
	case KindSessionError:
		return "SESSION_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Role identifies the speaker of a transcript fragment.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Event is one inbound message from the service. Kind selects which fields
// are populated.
type Event struct {
	Kind EventKind

	// PCM holds mono 24 kHz little-endian int16 audio for KindAudioDelta.
	PCM []byte

	// Text and TextRole are set for KindTextDelta. TextFinal marks the last
	// fragment of a transcript (the complete text for user speech, the final
	// delta boundary for assistant replies).
	Text      string
	TextRole  Role
	TextFinal bool

	// CallID, Name, and Arguments are set for KindToolCall. CallID is the
	// correlation identifier that must accompany the tool result; Arguments
	// is the raw JSON argument string.
	CallID    string
	Name      string
	Arguments string

	// Err is set for KindSessionError.
	Err error
}

// Session represents an open realtime session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// The session is the hot path of the relay pipeline; every method must
// return quickly. All methods must be safe for concurrent use. Callers must
// call Close when the session is no longer needed.
type Session interface {
	// SendAudio delivers a mono 16 kHz PCM16 chunk to the service's input
	// buffer. Returns an error if the session is closed or the chunk cannot
	// be written.
	SendAudio(pcm []byte) error

	// CommitUtterance marks the current input buffer as a complete utterance
	// and asks the service to respond to it.
	CommitUtterance() error

	// SendToolResult delivers the output of a tool invocation, correlated by
	// callID, and asks the service to continue the reply. isError marks the
	// output as a failure payload rather than a result.
	SendToolResult(callID string, output string, isError bool) error

	// Interrupt asks the service to stop generating the current reply and
	// discard its buffered output.
	Interrupt() error

	// Events returns the ordered stream of inbound events. The channel is
	// closed when the session ends; after it closes, call Err to check
	// whether the session ended cleanly. Consumers must drain the channel
	// promptly to keep the receive loop from stalling.
	Events() <-chan Event

	// Err returns the error that caused the Events channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// Close terminates the session, releases all resources, and closes the
	// Events channel. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime backend.
//
// Implementations must be safe for concurrent use; the relay opens one
// session per voice channel it serves.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned Session is ready to accept audio immediately. The caller owns
	// the Session and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
