package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/observe"
	"github.com/voxrelay/voxrelay/pkg/audio"
)

// SchedulerState is the playback scheduler's current phase.
type SchedulerState int

const (
	// StateIdle means no fragments are queued and nothing is emitting.
	StateIdle SchedulerState = iota

	// StateBuffering means fragments are queued but the start threshold has
	// not been reached yet.
	StateBuffering

	// StateEmitting means the drain goroutine is streaming frames to the
	// transport.
	StateEmitting
)

// String returns the state name for logs.
func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateEmitting:
		return "emitting"
	default:
		return "unknown"
	}
}

// PlaybackScheduler serializes synthesized reply fragments into one
// continuous outbound frame stream. Fragments arrive in AI-service output
// format, are converted to transport format on enqueue, and are drained
// fragment-by-fragment once at least MinBufferedFragments have queued.
// At most one outbound stream is active per scheduler at any instant.
//
// Cancellation bumps a generation counter; fragments enqueued under a stale
// generation are dropped, never played.
//
// Safe for concurrent use.
type PlaybackScheduler struct {
	cfg       Config
	send      func(audio.AudioFrame) error
	onFailure func(error)
	metrics   *observe.Metrics
	log       *slog.Logger

	mu         sync.Mutex
	state      SchedulerState
	generation uint64
	queue      [][]byte // converted transport-format fragments, FIFO
	pending    []byte   // partial frame carried across fragment boundaries

	wake chan struct{}
	done chan struct{}
	stop sync.Once
}

// NewPlaybackScheduler creates a scheduler that writes frames through send.
// onFailure is called (outside any lock) when the transport rejects a frame;
// the queue is already cleared at that point. A nil metrics falls back to
// [observe.DefaultMetrics].
func NewPlaybackScheduler(cfg Config, send func(audio.AudioFrame) error, onFailure func(error), metrics *observe.Metrics) *PlaybackScheduler {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if onFailure == nil {
		onFailure = func(error) {}
	}
	s := &PlaybackScheduler{
		cfg:       cfg,
		send:      send,
		onFailure: onFailure,
		metrics:   metrics,
		log:       slog.Default(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Generation returns the current generation counter. The orchestrator
// captures it when a reply turn begins and tags every fragment of that turn
// with it.
func (s *PlaybackScheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// State returns the scheduler's current phase.
func (s *PlaybackScheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QueuedDuration reports how much audio is queued but not yet sent, in
// transport-format playback time. Used by the reply-completion policy.
func (s *PlaybackScheduler) QueuedDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	bytes := len(s.pending)
	for _, frag := range s.queue {
		bytes += len(frag)
	}
	samples := bytes / 2 / audio.TransportChannels
	return time.Duration(samples) * time.Second / audio.TransportRate
}

// Enqueue converts one AI-service output fragment to transport format and
// appends it to the queue. Fragments tagged with a stale generation are
// dropped. Emission starts once MinBufferedFragments fragments have queued
// and continues without an idle gap while fragments keep arriving.
func (s *PlaybackScheduler) Enqueue(gen uint64, fragment audio.AudioFrame) error {
	converted, err := audio.ToTransportOutput(fragment)
	if err != nil {
		return fmt.Errorf("pipeline: playback enqueue: %w", err)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.log.Debug("playback: dropping stale fragment", "generation", gen)
		return nil
	}
	s.queue = append(s.queue, converted.Data)
	if s.state == StateIdle {
		s.state = StateBuffering
	}
	threshold := s.cfg.MinBufferedFragments
	if threshold < 1 {
		threshold = 1
	}
	start := s.state == StateBuffering && len(s.queue) >= threshold
	if start {
		s.state = StateEmitting
	}
	s.mu.Unlock()

	s.metrics.PlaybackFragments.Add(context.Background(), 1)
	if start {
		s.signal()
	}
	return nil
}

// Cancel interrupts playback immediately: the generation counter is
// incremented, the queue is cleared, and the drain loop stops before its next
// frame. Fragments from the cancelled generation that arrive later are
// dropped by [PlaybackScheduler.Enqueue].
func (s *PlaybackScheduler) Cancel() {
	s.mu.Lock()
	s.generation++
	s.queue = nil
	s.pending = nil
	s.state = StateIdle
	s.mu.Unlock()

	s.metrics.PlaybackCancellations.Add(context.Background(), 1)
}

// Close stops the drain goroutine. The scheduler must not be used after
// Close. Idempotent.
func (s *PlaybackScheduler) Close() {
	s.stop.Do(func() {
		s.Cancel()
		close(s.done)
	})
}

func (s *PlaybackScheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the drain loop. It wakes when emission starts and streams queued
// fragments as exact transport frames, re-checking the generation counter
// around every send so cancellation takes effect before the next frame.
func (s *PlaybackScheduler) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.drain()
	}
}

func (s *PlaybackScheduler) drain() {
	for {
		s.mu.Lock()
		if s.state != StateEmitting {
			s.mu.Unlock()
			return
		}
		gen := s.generation

		// Pull fragments into the pending frame assembly buffer.
		for len(s.pending) < audio.TransportFrameBytes && len(s.queue) > 0 {
			s.pending = append(s.pending, s.queue[0]...)
			s.queue = s.queue[1:]
		}

		if len(s.pending) == 0 {
			// Queue drained.
			s.state = StateIdle
			s.mu.Unlock()
			return
		}

		var frameData []byte
		if len(s.pending) >= audio.TransportFrameBytes {
			frameData = s.pending[:audio.TransportFrameBytes:audio.TransportFrameBytes]
			s.pending = s.pending[audio.TransportFrameBytes:]
		} else {
			// Trailing partial frame: pad with silence so the tail of the
			// reply is not dropped.
			frameData = make([]byte, audio.TransportFrameBytes)
			copy(frameData, s.pending)
			s.pending = nil
		}
		s.mu.Unlock()

		err := s.send(audio.AudioFrame{
			Data:       frameData,
			SampleRate: audio.TransportRate,
			Channels:   audio.TransportChannels,
		})

		s.mu.Lock()
		if s.generation != gen {
			// Cancelled mid-send; Cancel already reset the state.
			s.mu.Unlock()
			return
		}
		if err != nil {
			s.queue = nil
			s.pending = nil
			s.state = StateIdle
			s.mu.Unlock()
			s.metrics.PlaybackFailures.Add(context.Background(), 1)
			s.onFailure(err)
			return
		}
		s.mu.Unlock()
	}
}
