package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/tools"
	"github.com/voxrelay/voxrelay/internal/transcript"
	"github.com/voxrelay/voxrelay/pkg/audio"
	audiomock "github.com/voxrelay/voxrelay/pkg/audio/mock"
	"github.com/voxrelay/voxrelay/pkg/realtime"
	rtmock "github.com/voxrelay/voxrelay/pkg/realtime/mock"
)

type orchestratorFixture struct {
	conn     *audiomock.Connection
	sess     *rtmock.Session
	platform *audiomock.Platform
	provider *rtmock.Provider
	store    *transcript.MemStore
	orch     *Orchestrator
}

// newOrchestratorFixture starts an orchestrator against mock connections,
// with an echo tool registered and an in-memory transcript store.
func newOrchestratorFixture(t *testing.T, cfg Config) *orchestratorFixture {
	t.Helper()

	metrics := newPipelineTestMetrics(t)
	d := tools.NewDispatcher(metrics)
	d.Register(realtime.ToolDefinition{Name: "echo", Description: "returns its arguments"},
		func(_ context.Context, args string) (string, error) { return args, nil })

	f := &orchestratorFixture{
		conn:  audiomock.NewConnection(),
		sess:  rtmock.NewSession(),
		store: transcript.NewMemStore(),
	}
	f.platform = &audiomock.Platform{ConnectResult: f.conn}
	f.provider = &rtmock.Provider{ConnectResult: f.sess}

	f.orch = NewOrchestrator("vc-1", f.platform, f.provider, cfg, Options{
		Dispatcher: d,
		Transcript: f.store,
		SessionConfig: realtime.SessionConfig{
			Voice:        "marin",
			Instructions: "be brief",
		},
		Metrics: metrics,
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err := f.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.orch.Stop)
	return f
}

func TestOrchestrator_StartDeclaresTools(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, testCaptureConfig())

	if len(f.platform.ConnectCalls) != 1 || f.platform.ConnectCalls[0].ChannelID != "vc-1" {
		t.Errorf("platform connects = %+v, want one for vc-1", f.platform.ConnectCalls)
	}
	if len(f.provider.ConnectCalls) != 1 {
		t.Fatalf("provider connects = %d, want 1", len(f.provider.ConnectCalls))
	}
	cfg := f.provider.ConnectCalls[0].Config
	if cfg.Voice != "marin" || cfg.Instructions != "be brief" {
		t.Errorf("session config = %+v", cfg)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "echo" {
		t.Errorf("declared tools = %+v, want the echo tool", cfg.Tools)
	}
}

func TestOrchestrator_ForwardsUtteranceToService(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, testCaptureConfig())

	frames := transportFrames(40, toneSample(8000))
	var pcm bytes.Buffer
	for _, fr := range frames {
		pcm.Write(fr.Data)
		f.conn.PushFrame("alice", fr)
	}
	// The frame loop must have absorbed every frame before the silence
	// signal arrives on the separate speech channel.
	waitUntil(t, 2*time.Second, func() bool {
		f.orch.mu.Lock()
		buf := f.orch.captures["alice"]
		f.orch.mu.Unlock()
		if buf == nil {
			return false
		}
		buf.mu.Lock()
		defer buf.mu.Unlock()
		return buf.samples == 40*audio.TransportFrameSamples
	})
	f.conn.PushSpeech(audio.SpeechEvent{ParticipantID: "alice", Type: audio.SilenceElapsed})

	waitUntil(t, 2*time.Second, func() bool { return f.sess.CommitCount() == 1 })

	want, err := audio.ToServiceInput(audio.AudioFrame{
		Data:       pcm.Bytes(),
		SampleRate: audio.TransportRate,
		Channels:   audio.TransportChannels,
	})
	if err != nil {
		t.Fatalf("ToServiceInput: %v", err)
	}
	if got := f.sess.SentAudioBytes(); !bytes.Equal(got, want.Data) {
		t.Errorf("sent %d audio bytes, want %d converted bytes", len(got), len(want.Data))
	}
}

func TestOrchestrator_GatedUtteranceNotForwarded(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, testCaptureConfig())

	// 300ms fails the duration gate.
	for _, fr := range transportFrames(15, toneSample(8000)) {
		f.conn.PushFrame("alice", fr)
	}
	waitUntil(t, 2*time.Second, func() bool {
		f.orch.mu.Lock()
		defer f.orch.mu.Unlock()
		return f.orch.captures["alice"] != nil
	})
	f.conn.PushSpeech(audio.SpeechEvent{ParticipantID: "alice", Type: audio.SilenceElapsed})

	time.Sleep(200 * time.Millisecond)
	if got := f.sess.CommitCount(); got != 0 {
		t.Errorf("commits = %d, want 0 for a gated utterance", got)
	}
	if got := f.sess.SentAudioBytes(); len(got) != 0 {
		t.Errorf("sent %d audio bytes for a gated utterance", len(got))
	}
}

func TestOrchestrator_PlaysReplyAudio(t *testing.T) {
	t.Parallel()
	cfg := testCaptureConfig()
	cfg.MinBufferedFragments = 1
	f := newOrchestratorFixture(t, cfg)

	fragments := []audio.AudioFrame{serviceFragment(480, 1000), serviceFragment(480, -3000)}
	var want bytes.Buffer
	for _, frag := range fragments {
		converted, err := audio.ToTransportOutput(frag)
		if err != nil {
			t.Fatalf("ToTransportOutput: %v", err)
		}
		want.Write(converted.Data)
		f.sess.PushEvent(realtime.Event{Kind: realtime.KindAudioDelta, PCM: frag.Data})
	}

	waitUntil(t, 2*time.Second, func() bool { return f.conn.SentFrameCount() == 2 })

	if got := f.conn.SentData(); !bytes.Equal(got, want.Bytes()) {
		t.Errorf("transport received %d bytes that do not match the converted reply (%d bytes)",
			len(got), want.Len())
	}
}

func TestOrchestrator_ToolCallRoundTrip(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, testCaptureConfig())

	f.sess.PushEvent(realtime.Event{
		Kind:      realtime.KindToolCall,
		CallID:    "call-42",
		Name:      "echo",
		Arguments: `{"q":"hi"}`,
	})

	waitUntil(t, 2*time.Second, func() bool { return len(f.sess.ToolResultCalls()) == 1 })

	res := f.sess.ToolResultCalls()[0]
	if res.CallID != "call-42" {
		t.Errorf("call id = %q, want call-42", res.CallID)
	}
	if res.IsError {
		t.Errorf("result flagged as error: %q", res.Output)
	}
	if res.Output != `{"q":"hi"}` {
		t.Errorf("output = %q", res.Output)
	}
}

func TestOrchestrator_UnknownToolReturnsError(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, testCaptureConfig())

	f.sess.PushEvent(realtime.Event{Kind: realtime.KindToolCall, CallID: "call-9", Name: "no_such_tool"})

	waitUntil(t, 2*time.Second, func() bool { return len(f.sess.ToolResultCalls()) == 1 })

	res := f.sess.ToolResultCalls()[0]
	if !res.IsError {
		t.Error("unknown tool should produce an error result")
	}
	if res.CallID != "call-9" {
		t.Errorf("call id = %q, want call-9", res.CallID)
	}
}

func TestOrchestrator_InterruptCancelsPlayback(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, testCaptureConfig())

	before := f.orch.sched.Generation()
	f.sess.PushEvent(realtime.Event{Kind: realtime.KindInterrupted})

	waitUntil(t, 2*time.Second, func() bool { return f.orch.sched.Generation() > before })
}

func TestOrchestrator_ReplyCompletionWindowIgnoresInterrupt(t *testing.T) {
	t.Parallel()
	cfg := testCaptureConfig()
	cfg.AllowReplyCompletion = true
	cfg.ReplyCompletionWindow = time.Second
	cfg.MinBufferedFragments = 1
	f := newOrchestratorFixture(t, cfg)

	// Swap in a scheduler whose sender blocks so the reply stays in the
	// emitting state with almost nothing queued behind it.
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	blocked := NewPlaybackScheduler(cfg, func(audio.AudioFrame) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}, nil, newPipelineTestMetrics(t))
	defer blocked.Close()
	defer close(release)

	f.orch.sched.Close()
	f.orch.sched = blocked

	before := blocked.Generation()
	if err := blocked.Enqueue(before, serviceFragment(480, 0)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	f.orch.onServiceInterrupted()

	if got := blocked.Generation(); got != before {
		t.Error("interrupt cancelled a reply inside the completion window")
	}
}

func TestOrchestrator_RecordsTranscript(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, testCaptureConfig())

	f.sess.PushEvent(realtime.Event{
		Kind:      realtime.KindTextDelta,
		TextRole:  realtime.RoleUser,
		Text:      "what time is it",
		TextFinal: true,
	})
	f.sess.PushEvent(realtime.Event{Kind: realtime.KindTextDelta, TextRole: realtime.RoleAssistant, Text: "It is "})
	f.sess.PushEvent(realtime.Event{Kind: realtime.KindTextDelta, TextRole: realtime.RoleAssistant, Text: "noon.", TextFinal: true})

	waitUntil(t, 2*time.Second, func() bool {
		entries, err := f.store.Session(context.Background(), "vc-1")
		return err == nil && len(entries) == 2
	})

	entries, err := f.store.Session(context.Background(), "vc-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	var user, assistant *transcript.Entry
	for i := range entries {
		switch entries[i].Role {
		case transcript.RoleUser:
			user = &entries[i]
		case transcript.RoleAssistant:
			assistant = &entries[i]
		}
	}
	if user == nil || user.Text != "what time is it" {
		t.Errorf("user entry = %+v", user)
	}
	if assistant == nil || assistant.Text != "It is noon." {
		t.Errorf("assistant entry = %+v", assistant)
	}
}

func TestOrchestrator_StopTearsDownBothSides(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, testCaptureConfig())

	f.orch.Stop()
	if err := f.orch.Wait(); err != nil {
		t.Errorf("Wait after Stop: %v", err)
	}
	if f.sess.CallCountClose == 0 {
		t.Error("service session was not closed")
	}
	if f.conn.CallCountDisconnect == 0 {
		t.Error("transport was not disconnected")
	}

	// Stop is idempotent.
	f.orch.Stop()
}

func TestOrchestrator_ServiceFailureSurfacesInWait(t *testing.T) {
	t.Parallel()
	f := newOrchestratorFixture(t, testCaptureConfig())

	f.sess.ErrResult = errors.New("websocket torn down")
	_ = f.sess.Close()

	err := f.orch.Wait()
	if err == nil || !strings.Contains(err.Error(), "service closed") {
		t.Errorf("Wait = %v, want service closed error", err)
	}
}

type recordingRecapper struct {
	mu       sync.Mutex
	sessions []string
	err      error
}

func (r *recordingRecapper) PostRecap(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	return r.err
}

func TestOrchestrator_StopPostsRecap(t *testing.T) {
	t.Parallel()

	metrics := newPipelineTestMetrics(t)
	rec := &recordingRecapper{}
	conn := audiomock.NewConnection()
	sess := rtmock.NewSession()
	o := NewOrchestrator("vc-recap",
		&audiomock.Platform{ConnectResult: conn},
		&rtmock.Provider{ConnectResult: sess},
		testCaptureConfig(),
		Options{
			Dispatcher: tools.NewDispatcher(metrics),
			Transcript: transcript.NewMemStore(),
			Recap:      rec,
			Metrics:    metrics,
			Logger:     slog.New(slog.DiscardHandler),
		})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	o.Stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.sessions) != 1 || rec.sessions[0] != "vc-recap" {
		t.Errorf("recap sessions = %v, want [vc-recap]", rec.sessions)
	}
}
