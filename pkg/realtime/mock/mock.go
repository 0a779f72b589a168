// Package mock provides in-memory mock implementations of the
// [realtime.Provider] and [realtime.Session] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	sess := mock.NewSession()
//	provider := &mock.Provider{ConnectResult: sess}
//	got, err := provider.Connect(ctx, realtime.SessionConfig{})
//	sess.PushEvent(realtime.Event{Kind: realtime.KindTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/voxrelay/voxrelay/pkg/realtime"
)

// ─── Session ──────────────────────────────────────────────────────────────────

// ToolResultCall records the arguments of a single SendToolResult invocation.
type ToolResultCall struct {
	CallID  string
	Output  string
	IsError bool
}

// Session is a mock implementation of [realtime.Session].
// Create it with [NewSession]; push inbound events with PushEvent and inspect
// the recorded calls after exercising the code under test.
type Session struct {
	mu sync.Mutex

	events chan realtime.Event
	closed bool

	// SendAudioError is returned by SendAudio.
	SendAudioError error

	// CommitError is returned by CommitUtterance.
	CommitError error

	// ToolResultError is returned by SendToolResult.
	ToolResultError error

	// InterruptError is returned by Interrupt.
	InterruptError error

	// ErrResult is returned by Err.
	ErrResult error

	// SentAudio records every chunk passed to SendAudio, in order.
	SentAudio [][]byte

	// ToolResults records all SendToolResult invocations.
	ToolResults []ToolResultCall

	// CallCountCommit records how many times CommitUtterance was called.
	CallCountCommit int

	// CallCountInterrupt records how many times Interrupt was called.
	CallCountInterrupt int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 64)}
}

// SendAudio implements [realtime.Session]. Records the chunk.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	s.SentAudio = append(s.SentAudio, buf)
	return s.SendAudioError
}

// CommitUtterance implements [realtime.Session].
func (s *Session) CommitUtterance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountCommit++
	return s.CommitError
}

// SendToolResult implements [realtime.Session]. Records the call.
func (s *Session) SendToolResult(callID string, output string, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolResults = append(s.ToolResults, ToolResultCall{CallID: callID, Output: output, IsError: isError})
	return s.ToolResultError
}

// Interrupt implements [realtime.Session].
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountInterrupt++
	return s.InterruptError
}

// Events implements [realtime.Session].
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Err implements [realtime.Session]. Returns ErrResult.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// Close implements [realtime.Session]. Closes the Events channel on first call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// PushEvent delivers an event to the code under test.
func (s *Session) PushEvent(ev realtime.Event) {
	s.events <- ev
}

// SentAudioBytes concatenates all recorded SendAudio chunks in order.
func (s *Session) SentAudioBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, chunk := range s.SentAudio {
		out = append(out, chunk...)
	}
	return out
}

// CommitCount returns how many times CommitUtterance was called.
func (s *Session) CommitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountCommit
}

// InterruptCount returns how many times Interrupt was called.
func (s *Session) InterruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountInterrupt
}

// ToolResultCalls returns a copy of the recorded SendToolResult invocations.
func (s *Session) ToolResultCalls() []ToolResultCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolResultCall, len(s.ToolResults))
	copy(out, s.ToolResults)
	return out
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Provider.Connect] invocation.
type ConnectCall struct {
	// Config is the SessionConfig passed to Connect.
	Config realtime.SessionConfig
}

// Provider is a mock implementation of [realtime.Provider].
type Provider struct {
	mu sync.Mutex

	// ConnectResult is the [realtime.Session] returned by Connect.
	ConnectResult realtime.Session

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [realtime.Provider]. Records the call and returns
// ConnectResult / ConnectError.
func (p *Provider) Connect(_ context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Config: cfg})
	return p.ConnectResult, p.ConnectError
}

var (
	_ realtime.Session  = (*Session)(nil)
	_ realtime.Provider = (*Provider)(nil)
)
