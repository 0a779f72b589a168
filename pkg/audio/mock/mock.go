// Package mock provides in-memory mock implementations of the
// [audio.Platform] and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection()
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "channel-42")
//	conn.PushFrame("user-1", frame)
//	conn.PushSpeech(audio.SpeechEvent{Type: audio.SilenceElapsed, ParticipantID: "user-1"})
package mock

import (
	"context"
	"sync"

	"github.com/voxrelay/voxrelay/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Create it with [NewConnection]; push inbound data with PushFrame and
// PushSpeech, and inspect SentFrames after exercising the code under test.
type Connection struct {
	mu sync.Mutex

	frames chan audio.ParticipantFrame
	speech chan audio.SpeechEvent
	closed bool

	// SendFrameError is returned by [Connection.SendFrame].
	SendFrameError error

	// DisconnectError is returned by the first [Connection.Disconnect] call.
	DisconnectError error

	// SentFrames records every frame passed to SendFrame, in order.
	SentFrames []audio.AudioFrame

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int
}

// NewConnection returns a Connection with buffered inbound channels.
func NewConnection() *Connection {
	return &Connection{
		frames: make(chan audio.ParticipantFrame, 64),
		speech: make(chan audio.SpeechEvent, 16),
	}
}

// Frames implements [audio.Connection].
func (c *Connection) Frames() <-chan audio.ParticipantFrame { return c.frames }

// Speech implements [audio.Connection].
func (c *Connection) Speech() <-chan audio.SpeechEvent { return c.speech }

// SendFrame implements [audio.Connection]. Records the frame and returns
// SendFrameError.
func (c *Connection) SendFrame(frame audio.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SentFrames = append(c.SentFrames, frame)
	return c.SendFrameError
}

// Disconnect implements [audio.Connection]. Closes the Frames and Speech
// channels on first call and returns DisconnectError.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.frames)
	close(c.speech)
	return c.DisconnectError
}

// PushFrame delivers a participant frame to the code under test.
func (c *Connection) PushFrame(participantID string, frame audio.AudioFrame) {
	c.frames <- audio.ParticipantFrame{ParticipantID: participantID, Frame: frame}
}

// PushSpeech delivers a speech lifecycle event to the code under test.
func (c *Connection) PushSpeech(ev audio.SpeechEvent) {
	c.speech <- ev
}

// SentFrameCount returns how many frames SendFrame has recorded.
func (c *Connection) SentFrameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.SentFrames)
}

// SentData concatenates the PCM of all recorded frames in send order.
func (c *Connection) SentData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, f := range c.SentFrames {
		out = append(out, f.Data...)
	}
	return out
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform]. Records the call and returns
// ConnectResult / ConnectError.
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	return p.ConnectResult, p.ConnectError
}

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)
