// Package audio defines the sample conversion primitives and the transport
// interfaces of the relay pipeline.
//
// The two primary abstractions are:
//
//   - [Platform] connects to a voice channel and returns a [Connection].
//   - [Connection] is an active session on that channel, delivering decoded
//     per-participant frames, speech lifecycle events, and an outbound frame
//     sink.
//
// Implementations of these interfaces are provided by platform-specific
// adapter packages (e.g., audio/discord). The interfaces are intentionally
// narrow to keep the session orchestrator decoupled from provider details.
//
// This package lives under pkg/ because external code (third-party platform
// adapters) is expected to implement [Platform] and [Connection].
package audio

import (
	"context"
)

// SpeechEventType classifies speech lifecycle events emitted by a [Connection].
type SpeechEventType int

const (
	// SpeechStarted is emitted when a participant begins producing audio
	// after a period of silence.
	SpeechStarted SpeechEventType = iota

	// SilenceElapsed is emitted when a participant has produced no audio
	// for the transport's silence timeout.
	SilenceElapsed
)

// String returns the human-readable name of the event type.
func (e SpeechEventType) String() string {
	switch e {
	case SpeechStarted:
		return "SPEECH_STARTED"
	case SilenceElapsed:
		return "SILENCE_ELAPSED"
	default:
		return "UNKNOWN"
	}
}

// SpeechEvent describes a speech lifecycle change for one participant.
type SpeechEvent struct {
	// Type indicates whether the participant started speaking or went silent.
	Type SpeechEventType

	// ParticipantID is the platform-specific unique identifier for the speaker.
	ParticipantID string
}

// ParticipantFrame is a decoded transport frame tagged with its speaker.
type ParticipantFrame struct {
	ParticipantID string
	Frame         AudioFrame
}

// Connection represents an active session on a voice channel.
//
// A Connection is obtained by calling [Platform.Connect] and remains valid
// until [Connection.Disconnect] is called. The channels returned by Frames
// and Speech are owned by the connection and closed when it terminates.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// Frames returns the stream of decoded per-participant audio frames in
	// the transport format (48 kHz stereo, 20 ms). Frames from different
	// participants are interleaved on the same channel; callers demultiplex
	// by ParticipantID.
	Frames() <-chan ParticipantFrame

	// Speech returns the stream of speech lifecycle events. A SpeechStarted
	// event precedes the first frame after silence; a SilenceElapsed event
	// follows the last frame once the silence timeout passes.
	Speech() <-chan SpeechEvent

	// SendFrame queues one transport-format frame for playback on the
	// channel. Returns an error if the connection is closed or the frame
	// cannot be encoded.
	SendFrame(frame AudioFrame) error

	// Disconnect cleanly tears down the connection and closes the Frames
	// and Speech channels. It is safe to call Disconnect more than once;
	// subsequent calls are no-ops and return nil.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
// Implementations wrap provider-specific SDKs and expose a uniform
// [Connection] abstraction.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID and returns an
	// active [Connection]. The supplied ctx governs the lifetime of the
	// connection attempt only; once connected, the Connection remains alive
	// until [Connection.Disconnect] is called explicitly.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
