package pipeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/pkg/audio"
)

// serviceFragment builds an AI-service output fragment of n mono samples
// with a deterministic ramp so byte-for-byte ordering checks are meaningful.
func serviceFragment(n int, seed int16) audio.AudioFrame {
	data := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(seed+int16(i)))
	}
	return audio.AudioFrame{Data: data, SampleRate: audio.ServiceOutputRate, Channels: 1}
}

// frameCollector records every frame the scheduler sends.
type frameCollector struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
}

func (c *frameCollector) send(f audio.AudioFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *frameCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *frameCollector) snapshot() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.AudioFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *frameCollector) data() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var buf bytes.Buffer
	for _, f := range c.frames {
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

// waitUntil polls cond every millisecond until it holds or the deadline
// passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestPlaybackScheduler_EmitsInOrder(t *testing.T) {
	t.Parallel()
	col := &frameCollector{}
	s := NewPlaybackScheduler(DefaultConfig(), col.send, nil, newPipelineTestMetrics(t))
	defer s.Close()

	// 480 + 960 + 480 mono samples at 24kHz convert to exactly four
	// transport frames, so no padding is involved.
	fragments := []audio.AudioFrame{
		serviceFragment(480, 100),
		serviceFragment(960, 2000),
		serviceFragment(480, -5000),
	}
	gen := s.Generation()
	var want bytes.Buffer
	for _, frag := range fragments {
		converted, err := audio.ToTransportOutput(frag)
		if err != nil {
			t.Fatalf("ToTransportOutput: %v", err)
		}
		want.Write(converted.Data)
		if err := s.Enqueue(gen, frag); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	waitUntil(t, 2*time.Second, func() bool { return col.count() == 4 && s.State() == StateIdle })

	got := col.data()
	if !bytes.Equal(got, want.Bytes()) {
		t.Errorf("emitted %d bytes do not match enqueued fragments in order (want %d bytes)",
			len(got), want.Len())
	}
	for i, f := range col.snapshot() {
		if len(f.Data) != audio.TransportFrameBytes || f.SampleRate != audio.TransportRate || f.Channels != audio.TransportChannels {
			t.Errorf("frame %d: %d bytes %dHz/%dch, want transport format", i, len(f.Data), f.SampleRate, f.Channels)
		}
	}
}

func TestPlaybackScheduler_PadsTrailingPartialFrame(t *testing.T) {
	t.Parallel()
	col := &frameCollector{}
	cfg := DefaultConfig()
	cfg.MinBufferedFragments = 1
	s := NewPlaybackScheduler(cfg, col.send, nil, newPipelineTestMetrics(t))
	defer s.Close()

	// 600 mono samples convert to 4800 transport bytes: one full frame plus
	// a 960-byte tail that must be padded, not dropped.
	if err := s.Enqueue(s.Generation(), serviceFragment(600, 300)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return col.count() == 2 && s.State() == StateIdle })

	tail := col.snapshot()[1].Data
	for i := 960; i < len(tail); i++ {
		if tail[i] != 0 {
			t.Fatalf("byte %d of padded frame = %#x, want silence", i, tail[i])
		}
	}
}

func TestPlaybackScheduler_HoldsBelowThreshold(t *testing.T) {
	t.Parallel()
	col := &frameCollector{}
	s := NewPlaybackScheduler(DefaultConfig(), col.send, nil, newPipelineTestMetrics(t))
	defer s.Close()

	if err := s.Enqueue(s.Generation(), serviceFragment(480, 0)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := s.State(); got != StateBuffering {
		t.Errorf("state = %v, want buffering", got)
	}
	if col.count() != 0 {
		t.Errorf("sent %d frames before reaching the buffer threshold", col.count())
	}
}

func TestPlaybackScheduler_QueuedDuration(t *testing.T) {
	t.Parallel()
	s := NewPlaybackScheduler(DefaultConfig(), (&frameCollector{}).send, nil, newPipelineTestMetrics(t))
	defer s.Close()

	// One 480-sample fragment stays queued below the threshold; converted it
	// is one 20ms transport frame.
	if err := s.Enqueue(s.Generation(), serviceFragment(480, 0)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := s.QueuedDuration(); got != 20*time.Millisecond {
		t.Errorf("QueuedDuration = %v, want 20ms", got)
	}
}

func TestPlaybackScheduler_CancelStopsMidStream(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	col := &frameCollector{}
	blockingSend := func(f audio.AudioFrame) error {
		once.Do(func() { close(started) })
		<-release
		return col.send(f)
	}

	cfg := DefaultConfig()
	cfg.MinBufferedFragments = 1
	s := NewPlaybackScheduler(cfg, blockingSend, nil, newPipelineTestMetrics(t))
	defer s.Close()

	gen := s.Generation()
	for range 4 {
		if err := s.Enqueue(gen, serviceFragment(480, 0)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	<-started
	s.Cancel()
	close(release)

	// The frame in flight when Cancel hit may complete, but nothing queued
	// behind it plays, and fragments from the old generation are dropped.
	time.Sleep(100 * time.Millisecond)
	if err := s.Enqueue(gen, serviceFragment(480, 0)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if n := col.count(); n > 1 {
		t.Errorf("sent %d frames after cancel, want at most the in-flight one", n)
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if s.Generation() == gen {
		t.Error("generation did not advance on cancel")
	}
}

func TestPlaybackScheduler_SendFailureClearsQueue(t *testing.T) {
	t.Parallel()

	sendErr := errors.New("voice gateway gone")
	failures := make(chan error, 1)
	cfg := DefaultConfig()
	cfg.MinBufferedFragments = 1
	s := NewPlaybackScheduler(cfg,
		func(audio.AudioFrame) error { return sendErr },
		func(err error) { failures <- err },
		newPipelineTestMetrics(t))
	defer s.Close()

	gen := s.Generation()
	for range 3 {
		if err := s.Enqueue(gen, serviceFragment(480, 0)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	select {
	case err := <-failures:
		if !errors.Is(err, sendErr) {
			t.Errorf("onFailure got %v, want %v", err, sendErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onFailure was never called")
	}

	waitUntil(t, time.Second, func() bool { return s.State() == StateIdle })
	if got := s.QueuedDuration(); got != 0 {
		t.Errorf("QueuedDuration = %v after failure, want 0", got)
	}
}
