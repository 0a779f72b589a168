package audio

import "time"

// Pipeline format constants. The transport side is fixed by Discord voice
// (48 kHz stereo at 20 ms frames); the service side is fixed by the realtime
// API's PCM16 session formats.
const (
	// TransportRate is the sample rate of frames exchanged with the voice transport.
	TransportRate = 48000

	// TransportChannels is the channel count of transport frames.
	TransportChannels = 2

	// TransportFrameSamples is the per-channel sample count of one 20 ms transport frame.
	TransportFrameSamples = 960

	// TransportFrameBytes is the byte size of one complete transport frame:
	// 960 samples × 2 channels × 2 bytes.
	TransportFrameBytes = TransportFrameSamples * TransportChannels * 2

	// ServiceInputRate is the sample rate of mono audio sent to the AI service.
	ServiceInputRate = 16000

	// ServiceOutputRate is the sample rate of mono audio the AI service emits.
	ServiceOutputRate = 24000
)

// AudioFrame represents a single frame of audio data flowing through the
// pipeline. Frames are the atomic unit of transport: little-endian 16-bit
// PCM plus the format it carries. Conversions return new frames.
type AudioFrame struct {
	// Data holds interleaved little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 at the transport, 16000 toward the service).
	SampleRate int

	// Channels: 2 at the transport boundary, 1 on the service side.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the per-channel sample count of the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns the playback duration the frame represents.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
