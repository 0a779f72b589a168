// Package pipeline implements the relay's per-session audio pipeline: capture
// buffers that segment each speaker's stream into gated utterances, a playback
// scheduler that paces synthesized reply audio back to the transport, and the
// orchestrator that owns both and wires them to the AI service.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/pkg/audio"
)

// Config holds the tunable thresholds of the capture and playback pipeline.
// Use [DefaultConfig] for the documented defaults; main populates it from the
// YAML pipeline section.
type Config struct {
	// SilenceDebounce delays finalization after the transport's silence
	// signal, absorbing brief stutters.
	SilenceDebounce time.Duration

	// SilenceDebounceBusy replaces SilenceDebounce while a reply is in
	// flight, making interjections harder to trigger.
	SilenceDebounceBusy time.Duration

	// MinUtteranceDuration discards finalized utterances shorter than this.
	MinUtteranceDuration time.Duration

	// MinUtteranceRMS discards finalized utterances whose RMS level, in raw
	// 16-bit sample units, falls below this value.
	MinUtteranceRMS float64

	// MinBufferedFragments is how many reply fragments must queue before
	// playback starts.
	MinBufferedFragments int

	// AllowReplyCompletion lets a nearly finished reply play out after an
	// interruption instead of being cut off.
	AllowReplyCompletion bool

	// ReplyCompletionWindow bounds how much remaining queued audio qualifies
	// a reply for completion when AllowReplyCompletion is set.
	ReplyCompletionWindow time.Duration
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		SilenceDebounce:      600 * time.Millisecond,
		SilenceDebounceBusy:  800 * time.Millisecond,
		MinUtteranceDuration: 500 * time.Millisecond,
		MinUtteranceRMS:      400,
		MinBufferedFragments: 2,
	}
}

// Utterance is one finalized, gated span of a single participant's speech in
// transport format, ready for conversion and forwarding to the AI service.
type Utterance struct {
	ParticipantID string
	PCM           []byte
	Duration      time.Duration
	RMS           float64
}

// Gate rejection reasons reported to the finalize callback and metrics.
const (
	GateReasonDuration = "duration"
	GateReasonEnergy   = "energy"
)

// FinalizeFunc receives the outcome of a capture buffer's finalization.
// u is nil when the utterance was discarded, in which case gateReason names
// the gate that rejected it. The buffer is destroyed either way; the owner
// must drop its reference.
type FinalizeFunc func(participantID string, u *Utterance, gateReason string)

// CaptureBuffer accumulates one participant's decoded transport audio into at
// most one utterance. It is created on the participant's speech-start signal
// and destroyed when the debounce timer finalizes it or the session ends.
//
// Safe for concurrent use; the debounce timer fires on its own goroutine.
type CaptureBuffer struct {
	participantID string
	cfg           Config
	onFinalize    FinalizeFunc

	mu        sync.Mutex
	pcm       []byte
	samples   int // per-channel sample count accumulated
	timer     *time.Timer
	destroyed bool
}

// NewCaptureBuffer creates a buffer for participantID. onFinalize is invoked
// exactly once, when the debounce timer fires; it is never invoked after
// [CaptureBuffer.Cancel].
func NewCaptureBuffer(participantID string, cfg Config, onFinalize FinalizeFunc) *CaptureBuffer {
	return &CaptureBuffer{
		participantID: participantID,
		cfg:           cfg,
		onFinalize:    onFinalize,
	}
}

// AddFrame appends one decoded transport frame. Frames in the wrong format
// are rejected with an error and not accumulated; the buffer stays usable.
func (b *CaptureBuffer) AddFrame(frame audio.AudioFrame) error {
	if frame.SampleRate != audio.TransportRate || frame.Channels != audio.TransportChannels {
		return fmt.Errorf("pipeline: capture %s: frame format %dHz/%dch, want %dHz/%dch",
			b.participantID, frame.SampleRate, frame.Channels,
			audio.TransportRate, audio.TransportChannels)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil
	}
	b.pcm = append(b.pcm, frame.Data...)
	b.samples += frame.Samples()
	return nil
}

// SilenceDetected starts (or restarts) the debounce timer. busy selects the
// longer debounce used while a reply is already in flight.
func (b *CaptureBuffer) SilenceDetected(busy bool) {
	debounce := b.cfg.SilenceDebounce
	if busy {
		debounce = b.cfg.SilenceDebounceBusy
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(debounce, b.finalize)
}

// SpeechResumed cancels a pending debounce timer. Called when the participant
// starts speaking again within the debounce window, so the pause is absorbed
// into the same utterance.
func (b *CaptureBuffer) SpeechResumed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Cancel destroys the buffer without finalizing. Pending debounce timers are
// stopped and accumulated audio is discarded; onFinalize is not invoked.
func (b *CaptureBuffer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pcm = nil
}

// finalize runs when the debounce timer fires. It applies the duration gate
// then the energy gate and reports the outcome through onFinalize.
func (b *CaptureBuffer) finalize() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	pcm := b.pcm
	samples := b.samples
	b.pcm = nil
	b.mu.Unlock()

	duration := time.Duration(samples) * time.Second / audio.TransportRate

	if duration < b.cfg.MinUtteranceDuration {
		b.onFinalize(b.participantID, nil, GateReasonDuration)
		return
	}

	stats := audio.Analyze(pcm)
	if stats.RMS < b.cfg.MinUtteranceRMS {
		b.onFinalize(b.participantID, nil, GateReasonEnergy)
		return
	}

	b.onFinalize(b.participantID, &Utterance{
		ParticipantID: b.participantID,
		PCM:           pcm,
		Duration:      duration,
		RMS:           stats.RMS,
	}, "")
}
