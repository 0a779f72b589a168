package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/internal/tools"
	"github.com/voxrelay/voxrelay/internal/transcript"
	"github.com/voxrelay/voxrelay/pkg/audio"
	"github.com/voxrelay/voxrelay/pkg/realtime"
)

// Recapper posts a session summary after teardown. Implemented by
// internal/recap; best-effort only.
type Recapper interface {
	PostRecap(ctx context.Context, sessionID string) error
}

// Options carries the collaborators an [Orchestrator] needs beyond the two
// connections it owns.
type Options struct {
	// Dispatcher handles tool calls from the AI service. Required.
	Dispatcher *tools.Dispatcher

	// Transcript receives per-turn transcript entries. Required; use
	// [transcript.NewMemStore] when persistence is not configured.
	Transcript transcript.Store

	// SessionConfig is the AI-service session setup (voice, instructions).
	// Tool definitions are filled in from Dispatcher at start.
	SessionConfig realtime.SessionConfig

	// Recap, when non-nil, is invoked after teardown with a bounded context.
	Recap Recapper

	// Metrics falls back to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// Logger falls back to slog.Default when nil.
	Logger *slog.Logger
}

// Orchestrator owns one voice session end-to-end: the transport connection,
// the AI-service session, one capture buffer per currently speaking
// participant, and one playback scheduler. It is the sole owner and sole
// mutator of all nested session state.
type Orchestrator struct {
	sessionID string
	platform  audio.Platform
	provider  realtime.Provider
	opts      Options
	metrics   *observe.Metrics
	log       *slog.Logger

	conn  audio.Connection
	sess  realtime.Session
	sched *PlaybackScheduler

	mu               sync.Mutex
	cfg              Config
	captures         map[string]*CaptureBuffer
	responseInFlight bool
	turnGeneration   uint64
	turnStart        time.Time
	turnLatencySeen  bool
	lastSpeakerID    string
	assistantText    strings.Builder

	g        *errgroup.Group
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewOrchestrator creates an orchestrator for the voice channel sessionID.
// Call [Orchestrator.Start] to establish both connections.
func NewOrchestrator(sessionID string, platform audio.Platform, provider realtime.Provider, cfg Config, opts Options) *Orchestrator {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		sessionID: sessionID,
		platform:  platform,
		provider:  provider,
		opts:      opts,
		metrics:   metrics,
		log:       log.With("session", sessionID),
		cfg:       cfg,
		captures:  make(map[string]*CaptureBuffer),
		stopped:   make(chan struct{}),
	}
}

// Start establishes the transport session and the AI-service connection,
// declaring the dispatcher's tools at connect time, then starts the event
// loops. The loops run until [Orchestrator.Stop] or until either connection
// closes.
func (o *Orchestrator) Start(ctx context.Context) error {
	conn, err := o.platform.Connect(ctx, o.sessionID)
	if err != nil {
		return fmt.Errorf("pipeline: session %s: transport connect: %w", o.sessionID, err)
	}

	sessCfg := o.opts.SessionConfig
	sessCfg.Tools = o.opts.Dispatcher.Definitions()
	sess, err := o.provider.Connect(ctx, sessCfg)
	if err != nil {
		// Nothing consumes the transport yet; keep its channels moving
		// until Disconnect closes them.
		go audio.Drain(conn.Frames())
		go audio.Drain(conn.Speech())
		_ = conn.Disconnect()
		return fmt.Errorf("pipeline: session %s: service connect: %w", o.sessionID, err)
	}

	o.conn = conn
	o.sess = sess
	o.sched = NewPlaybackScheduler(o.cfg, conn.SendFrame, o.onPlaybackFailure, o.metrics)

	o.metrics.ActiveSessions.Add(ctx, 1)

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	o.g = g
	g.Go(func() error { return o.frameLoop(gctx) })
	g.Go(func() error { return o.speechLoop(gctx) })
	g.Go(func() error { return o.eventLoop(gctx) })
	return nil
}

// Wait blocks until all event loops have ended. It returns the first loop
// error, typically after the transport or service connection closes.
func (o *Orchestrator) Wait() error {
	if o.g == nil {
		return nil
	}
	return o.g.Wait()
}

// UpdateConfig swaps the pipeline thresholds. Capture buffers created after
// the call use the new values; existing buffers keep the ones they were
// created with. The playback threshold applies from the next turn.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg
}

// Stop tears the session down in a fixed order: capture timers first, then
// the playback scheduler, then the AI-service connection, then the transport,
// so no component receives events after being told to stop. Idempotent.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.log.Info("session stopping")

		o.mu.Lock()
		for id, buf := range o.captures {
			buf.Cancel()
			delete(o.captures, id)
			o.metrics.ActiveSpeakers.Add(context.Background(), -1)
		}
		o.mu.Unlock()

		if o.sched != nil {
			o.sched.Close()
		}
		if o.sess != nil {
			if err := o.sess.Close(); err != nil {
				o.log.Warn("service close failed", "err", err)
			}
		}
		if o.conn != nil {
			if err := o.conn.Disconnect(); err != nil {
				o.log.Warn("transport disconnect failed", "err", err)
			}
		}
		o.metrics.ActiveSessions.Add(context.Background(), -1)
		close(o.stopped)

		if o.opts.Recap != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := o.opts.Recap.PostRecap(ctx, o.sessionID); err != nil {
				o.log.Warn("recap failed", "err", err)
			}
		}
	})
}

// frameLoop routes decoded transport frames to the producing participant's
// capture buffer, creating one if absent. Bad frames are logged and dropped;
// they never abort the session.
func (o *Orchestrator) frameLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopped:
			return nil
		case pf, ok := <-o.conn.Frames():
			if !ok {
				// Transport dropped; tear down the rest of the session.
				o.Stop()
				return nil
			}
			buf := o.captureFor(pf.ParticipantID)
			if err := buf.AddFrame(pf.Frame); err != nil {
				o.log.Error("dropping bad frame", "participant", pf.ParticipantID, "err", err)
			}
		}
	}
}

// speechLoop reacts to the transport's per-participant speech lifecycle
// signals: Started creates or resumes a capture buffer, SilenceElapsed arms
// its debounce timer.
func (o *Orchestrator) speechLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopped:
			return nil
		case ev, ok := <-o.conn.Speech():
			if !ok {
				o.Stop()
				return nil
			}
			switch ev.Type {
			case audio.SpeechStarted:
				o.captureFor(ev.ParticipantID).SpeechResumed()
			case audio.SilenceElapsed:
				o.mu.Lock()
				buf := o.captures[ev.ParticipantID]
				busy := o.responseInFlight
				o.mu.Unlock()
				if buf != nil {
					buf.SilenceDetected(busy)
				}
			}
		}
	}
}

// captureFor returns the participant's capture buffer, creating one with the
// current config if absent.
func (o *Orchestrator) captureFor(participantID string) *CaptureBuffer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if buf, ok := o.captures[participantID]; ok {
		return buf
	}
	buf := NewCaptureBuffer(participantID, o.cfg, o.onUtteranceFinalized)
	o.captures[participantID] = buf
	o.metrics.ActiveSpeakers.Add(context.Background(), 1)
	o.log.Debug("capture buffer created", "participant", participantID)
	return buf
}

// onUtteranceFinalized runs on the capture buffer's timer goroutine. The
// buffer is destroyed either way; a forwarded utterance is converted and
// committed to the AI service without blocking the frame intake loops.
func (o *Orchestrator) onUtteranceFinalized(participantID string, u *Utterance, gateReason string) {
	o.mu.Lock()
	delete(o.captures, participantID)
	o.mu.Unlock()
	o.metrics.ActiveSpeakers.Add(context.Background(), -1)

	if u == nil {
		o.metrics.RecordUtteranceGated(context.Background(), o.sessionID, gateReason)
		o.log.Debug("utterance gated", "participant", participantID, "reason", gateReason)
		return
	}

	if err := o.forwardUtterance(u); err != nil {
		o.log.Error("utterance forward failed", "participant", participantID, "err", err)
	}
}

// forwardUtterance converts one utterance to service input format, sends it,
// and commits it as a turn.
func (o *Orchestrator) forwardUtterance(u *Utterance) error {
	converted, err := audio.ToServiceInput(audio.AudioFrame{
		Data:       u.PCM,
		SampleRate: audio.TransportRate,
		Channels:   audio.TransportChannels,
	})
	if err != nil {
		return fmt.Errorf("pipeline: convert utterance: %w", err)
	}

	if err := o.sess.SendAudio(converted.Data); err != nil {
		return fmt.Errorf("pipeline: send utterance: %w", err)
	}
	if err := o.sess.CommitUtterance(); err != nil {
		return fmt.Errorf("pipeline: commit utterance: %w", err)
	}

	o.mu.Lock()
	o.responseInFlight = true
	o.turnGeneration = o.sched.Generation()
	o.turnStart = time.Now()
	o.turnLatencySeen = false
	o.mu.Unlock()

	o.metrics.RecordUtteranceForwarded(context.Background(), o.sessionID)
	o.mu.Lock()
	o.lastSpeakerID = u.ParticipantID
	o.mu.Unlock()
	o.log.Info("utterance forwarded",
		"participant", u.ParticipantID,
		"duration", u.Duration,
		"rms", int(u.RMS))
	return nil
}

// eventLoop dispatches the AI service's typed event stream.
func (o *Orchestrator) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopped:
			return nil
		case ev, ok := <-o.sess.Events():
			if !ok {
				if err := o.sess.Err(); err != nil {
					return fmt.Errorf("pipeline: session %s: service closed: %w", o.sessionID, err)
				}
				// Service ended the session cleanly; tear down our side too.
				o.Stop()
				return nil
			}
			o.handleServiceEvent(ev)
		}
	}
}

func (o *Orchestrator) handleServiceEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.KindAudioDelta:
		o.onServiceAudio(ev.PCM)

	case realtime.KindTextDelta:
		o.onServiceText(ev)

	case realtime.KindTurnComplete:
		o.mu.Lock()
		o.responseInFlight = false
		o.mu.Unlock()

	case realtime.KindInterrupted:
		o.onServiceInterrupted()

	case realtime.KindToolCall:
		o.onServiceToolCall(ev)

	case realtime.KindSessionError:
		o.metrics.RecordServiceError(context.Background(), o.sessionID)
		o.log.Error("service error", "err", ev.Err)
	}
}

// onServiceAudio forwards one reply fragment to the playback scheduler,
// tagged with the generation captured at turn start so post-cancel stragglers
// are dropped.
func (o *Orchestrator) onServiceAudio(pcm []byte) {
	o.mu.Lock()
	gen := o.turnGeneration
	first := !o.turnLatencySeen
	if first {
		o.turnLatencySeen = true
	}
	start := o.turnStart
	o.mu.Unlock()

	if first && !start.IsZero() {
		o.metrics.TurnDuration.Record(context.Background(), time.Since(start).Seconds())
	}

	err := o.sched.Enqueue(gen, audio.AudioFrame{
		Data:       pcm,
		SampleRate: audio.ServiceOutputRate,
		Channels:   1,
	})
	if err != nil {
		o.log.Error("playback enqueue failed", "err", err)
	}
}

// onServiceText assembles incremental transcript deltas and records the
// completed line.
func (o *Orchestrator) onServiceText(ev realtime.Event) {
	if ev.TextRole == realtime.RoleUser {
		// User transcriptions arrive complete.
		if ev.TextFinal && ev.Text != "" {
			o.mu.Lock()
			speaker := o.lastSpeakerID
			o.mu.Unlock()
			o.appendTranscript(transcript.Entry{
				SpeakerID: speaker,
				Role:      transcript.RoleUser,
				Text:      ev.Text,
			})
		}
		return
	}

	o.mu.Lock()
	o.assistantText.WriteString(ev.Text)
	var line string
	if ev.TextFinal {
		line = o.assistantText.String()
		o.assistantText.Reset()
	}
	o.mu.Unlock()

	if line != "" {
		o.appendTranscript(transcript.Entry{Role: transcript.RoleAssistant, Text: line})
	}
}

// onServiceInterrupted applies the barge-in policy. Full cancel is the
// default; with AllowReplyCompletion set, a reply with less than
// ReplyCompletionWindow of queued audio remaining is allowed to finish.
func (o *Orchestrator) onServiceInterrupted() {
	o.mu.Lock()
	cfg := o.cfg
	o.mu.Unlock()

	if cfg.AllowReplyCompletion && o.sched.State() == StateEmitting &&
		o.sched.QueuedDuration() <= cfg.ReplyCompletionWindow {
		o.log.Debug("interrupt ignored, reply nearly complete")
		return
	}
	o.sched.Cancel()
	o.log.Debug("playback cancelled on interrupt")
}

// onServiceToolCall dispatches the tool call and sends the correlated result
// back. Runs on its own goroutine so a slow tool never stalls the event loop.
// A result that cannot be delivered is a protocol violation and is logged.
func (o *Orchestrator) onServiceToolCall(ev realtime.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		res := o.opts.Dispatcher.Dispatch(ctx, ev.CallID, ev.Name, ev.Arguments)
		if err := o.sess.SendToolResult(res.CallID, res.Output, res.IsError); err != nil {
			o.log.Error("tool result delivery failed",
				"tool", ev.Name, "call_id", ev.CallID, "err", err)
		}
	}()
}

// onPlaybackFailure propagates a transport write failure. The scheduler has
// already cleared its queue; playback surfaces as silence, not a crash.
func (o *Orchestrator) onPlaybackFailure(err error) {
	o.log.Error("playback failed", "err", err)
}

func (o *Orchestrator) appendTranscript(e transcript.Entry) {
	if o.opts.Transcript == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.opts.Transcript.Append(ctx, o.sessionID, e); err != nil {
		o.log.Warn("transcript append failed", "err", err)
	}
}
