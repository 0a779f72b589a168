package discord

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxrelay/voxrelay/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	frameChannelBuffer  = 64
	speechChannelBuffer = 16
	outputChannelBuffer = 64
)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. It decodes incoming Opus packets per SSRC
// into transport-format PCM frames on a single tagged stream, derives speech
// lifecycle events from packet arrival gaps, and encodes outgoing PCM frames
// to Opus for transmission.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string

	silenceTimeout time.Duration

	frames chan audio.ParticipantFrame
	speech chan audio.SpeechEvent
	output chan audio.AudioFrame

	speakersMu sync.Mutex
	speakers   map[uint32]*speakerState
	ssrcUser   map[uint32]string // SSRC -> userID, populated from speaking updates

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// speakerState tracks one participant's decoder and silence timer.
type speakerState struct {
	dec      *opusDecoder
	timer    *time.Timer
	speaking bool
}

// newConnection initialises a Connection for an already-joined voice channel.
// It starts background goroutines for receiving and sending audio.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string, silenceTimeout time.Duration) (*Connection, error) {
	c := &Connection{
		vc:             vc,
		session:        session,
		guildID:        guildID,
		silenceTimeout: silenceTimeout,
		frames:         make(chan audio.ParticipantFrame, frameChannelBuffer),
		speech:         make(chan audio.SpeechEvent, speechChannelBuffer),
		output:         make(chan audio.AudioFrame, outputChannelBuffer),
		speakers:       make(map[uint32]*speakerState),
		ssrcUser:       make(map[uint32]string),
		done:           make(chan struct{}),
		disconnectVC:   vc.Disconnect,
	}

	// Speaking updates carry the SSRC -> user mapping.
	vc.AddHandler(c.handleSpeakingUpdate)

	go c.recvLoop()
	go c.sendLoop()

	return c, nil
}

// Frames returns the stream of decoded per-participant frames.
func (c *Connection) Frames() <-chan audio.ParticipantFrame {
	return c.frames
}

// Speech returns the stream of speech lifecycle events.
func (c *Connection) Speech() <-chan audio.SpeechEvent {
	return c.speech
}

// SendFrame queues one transport-format frame for playback.
func (c *Connection) SendFrame(frame audio.AudioFrame) error {
	select {
	case <-c.done:
		return fmt.Errorf("discord: connection closed")
	case c.output <- frame:
		return nil
	}
}

// Disconnect cleanly tears down the voice connection and stops all background
// goroutines. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.speakersMu.Lock()
		for _, st := range c.speakers {
			if st.timer != nil {
				st.timer.Stop()
			}
		}
		c.speakersMu.Unlock()

		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		close(c.frames)
		close(c.speech)
	})
	return err
}

// recvLoop reads Opus packets from the Discord voice connection, decodes them
// per SSRC, and delivers tagged AudioFrames on the frames channel. It also
// drives the per-speaker silence timers that produce speech events.
func (c *Connection) recvLoop() {
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			c.handlePacket(pkt)
		}
	}
}

func (c *Connection) handlePacket(pkt *discordgo.Packet) {
	ssrc := pkt.SSRC
	participantID := c.participantID(ssrc)

	c.speakersMu.Lock()
	st, exists := c.speakers[ssrc]
	if !exists {
		dec, err := newOpusDecoder()
		if err != nil {
			c.speakersMu.Unlock()
			slog.Error("discord: failed to create opus decoder", "ssrc", ssrc, "error", err)
			return
		}
		st = &speakerState{dec: dec}
		c.speakers[ssrc] = st
	}

	started := !st.speaking
	st.speaking = true

	// Arm or rewind the silence timer. The timer callback marks the speaker
	// silent and emits SilenceElapsed; the next packet then re-emits Started.
	if st.timer == nil {
		st.timer = time.AfterFunc(c.silenceTimeout, func() { c.silenceElapsed(ssrc) })
	} else {
		if !st.timer.Stop() {
			// Callback already fired or is firing; it handles its own state.
		}
		st.timer.Reset(c.silenceTimeout)
	}
	c.speakersMu.Unlock()

	if started {
		c.emitSpeech(audio.SpeechEvent{Type: audio.SpeechStarted, ParticipantID: participantID})
	}

	pcm, err := st.dec.decode(pkt.Opus)
	if err != nil {
		slog.Warn("discord: opus decode error", "ssrc", ssrc, "error", err)
		return
	}

	frame := audio.ParticipantFrame{
		ParticipantID: participantID,
		Frame: audio.AudioFrame{
			Data:       pcm,
			SampleRate: audio.TransportRate,
			Channels:   audio.TransportChannels,
			Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(audio.TransportRate),
		},
	}

	select {
	case c.frames <- frame:
	default:
		// Channel full; drop the frame rather than block.
	}
}

// silenceElapsed runs on the timer goroutine when a speaker's packet gap
// exceeds the silence timeout.
func (c *Connection) silenceElapsed(ssrc uint32) {
	select {
	case <-c.done:
		return
	default:
	}

	c.speakersMu.Lock()
	st, ok := c.speakers[ssrc]
	if !ok || !st.speaking {
		c.speakersMu.Unlock()
		return
	}
	st.speaking = false
	c.speakersMu.Unlock()

	c.emitSpeech(audio.SpeechEvent{Type: audio.SilenceElapsed, ParticipantID: c.participantID(ssrc)})
}

// emitSpeech delivers a speech event without blocking the receive path.
func (c *Connection) emitSpeech(ev audio.SpeechEvent) {
	select {
	case <-c.done:
	case c.speech <- ev:
	default:
		slog.Warn("discord: speech event dropped", "type", ev.Type.String(), "participant", ev.ParticipantID)
	}
}

// sendLoop reads PCM AudioFrames from the output channel, accumulates them
// into exact Opus frame-sized chunks, encodes them, and sends the encoded
// data via the Discord voice connection.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "error", err)
		return
	}

	// Signal speaking when we start sending audio.
	speakingSet := false

	// One Opus packet consumes exactly one transport frame of PCM.
	const opusFrameBytes = audio.TransportFrameBytes

	var buf []byte

	for {
		select {
		case <-c.done:
			if speakingSet {
				c.setSpeaking(false)
			}
			return
		case frame, ok := <-c.output:
			if !ok {
				return
			}

			if !speakingSet {
				c.setSpeaking(true)
				speakingSet = true
			}

			buf = append(buf, frame.Data...)

			// Encode and send complete Opus frames.
			for len(buf) >= opusFrameBytes {
				opus, eErr := enc.encode(buf[:opusFrameBytes])
				if eErr != nil {
					slog.Warn("discord: opus encode error", "error", eErr)
					buf = buf[opusFrameBytes:]
					continue
				}
				buf = buf[opusFrameBytes:]

				select {
				case c.vc.OpusSend <- opus:
				case <-c.done:
					return
				}
			}
		}
	}
}

// handleSpeakingUpdate records the SSRC -> user mapping that Discord delivers
// when a participant's speaking state changes.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.speakersMu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.speakersMu.Unlock()
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}

// participantID returns the user ID associated with the given SSRC, falling
// back to the SSRC itself while the speaking update has not yet arrived.
func (c *Connection) participantID(ssrc uint32) string {
	c.speakersMu.Lock()
	defer c.speakersMu.Unlock()
	if userID, ok := c.ssrcUser[ssrc]; ok {
		return userID
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}
