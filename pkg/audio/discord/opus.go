package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/voxrelay/voxrelay/pkg/audio"
)

// Discord voice carries 20 ms Opus packets in the transport format defined
// by pkg/audio: 48 kHz interleaved stereo, 960 samples per channel.
const (
	opusFrameSamples = audio.TransportFrameSamples
	opusMaxBytes     = audio.TransportFrameBytes
)

// opusDecoder decodes one participant's Opus stream. Opus decoders are
// stateful, so each speaking participant needs its own.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(audio.TransportRate, audio.TransportChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode expands an Opus packet into one transport frame of little-endian
// int16 PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// opusEncoder encodes the single outbound playback stream.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(audio.TransportRate, audio.TransportChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode compresses one transport frame of little-endian int16 PCM into an
// Opus packet.
func (e *opusEncoder) encode(pcmBytes []byte) ([]byte, error) {
	if len(pcmBytes) != opusMaxBytes {
		return nil, fmt.Errorf("discord: opus encode: frame is %d bytes, want %d", len(pcmBytes), opusMaxBytes)
	}
	opus, err := e.enc.Encode(bytesToInt16s(pcmBytes), opusFrameSamples, opusMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return opus, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
