package audio

import (
	"fmt"
	"math"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// ServiceInputFormat is the format the AI service expects for inbound audio.
var ServiceInputFormat = Format{SampleRate: ServiceInputRate, Channels: 1}

// TransportFormat is the format the voice transport produces and consumes.
var TransportFormat = Format{SampleRate: TransportRate, Channels: TransportChannels}

// ToServiceInput converts a transport frame (48 kHz stereo) to the service
// input format (16 kHz mono). Downmix happens before resampling so the
// resampler only touches half the samples.
func ToServiceInput(frame AudioFrame) (AudioFrame, error) {
	if err := checkFrame(frame, TransportFormat); err != nil {
		return AudioFrame{}, fmt.Errorf("audio: inbound conversion: %w", err)
	}
	mono := StereoToMono(frame.Data)
	return AudioFrame{
		Data:       ResampleMono16(mono, TransportRate, ServiceInputRate),
		SampleRate: ServiceInputRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}, nil
}

// ToTransportOutput converts a service output fragment (24 kHz mono) to the
// transport format (48 kHz stereo). Resampling happens before the channel
// duplication for the same reason ToServiceInput downmixes first.
func ToTransportOutput(frame AudioFrame) (AudioFrame, error) {
	if err := checkFrame(frame, Format{SampleRate: ServiceOutputRate, Channels: 1}); err != nil {
		return AudioFrame{}, fmt.Errorf("audio: outbound conversion: %w", err)
	}
	resampled := ResampleMono16(frame.Data, ServiceOutputRate, TransportRate)
	return AudioFrame{
		Data:       MonoToStereo(resampled),
		SampleRate: TransportRate,
		Channels:   TransportChannels,
		Timestamp:  frame.Timestamp,
	}, nil
}

func checkFrame(frame AudioFrame, want Format) error {
	if len(frame.Data)%2 != 0 {
		return fmt.Errorf("odd byte count %d in PCM data", len(frame.Data))
	}
	if frame.SampleRate != want.SampleRate || frame.Channels != want.Channels {
		return fmt.Errorf("frame is %s, want %s",
			formatString(frame.SampleRate, frame.Channels),
			formatString(want.SampleRate, want.Channels))
	}
	return nil
}

// Stats summarizes a PCM buffer for gating decisions. RMS is in raw 16-bit
// sample units (0..32768), not normalized.
type Stats struct {
	Samples int
	Min     int16
	Max     int16
	RMS     float64
}

// Analyze computes sample statistics over little-endian int16 PCM. An empty
// or odd-length buffer yields a zero Stats.
func Analyze(pcm []byte) Stats {
	n := len(pcm) / 2
	if n == 0 {
		return Stats{}
	}
	var (
		min   int16 = math.MaxInt16
		max   int16 = math.MinInt16
		sumSq float64
	)
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
		sumSq += float64(s) * float64(s)
	}
	return Stats{
		Samples: n,
		Min:     min,
		Max:     max,
		RMS:     math.Sqrt(sumSq / float64(n)),
	}
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono downmixes interleaved stereo to mono, one output sample per
// stereo pair. The mix is floor((l+r)/2), computed with an arithmetic shift
// in int32 so the result always fits int16.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) >> 1

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. The
// output has floor(n*dstRate/srcRate) samples. If srcRate == dstRate, the
// input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := clampInt16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate using
// linear interpolation. Each stereo frame is 4 bytes (L+R interleaved).
// If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := clampInt16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := clampInt16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}

// clampInt16 rounds toward zero and clamps to the int16 range. Interpolated
// values can land outside the range when neighbouring samples sit at the
// extremes, so the clamp is unconditional.
func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
