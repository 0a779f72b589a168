// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus-based voice transport with the relay's PCM
// [audio.AudioFrame] pipeline.
//
// The platform requires an active *discordgo.Session (owned by the bot
// layer) and a guild ID. Each call to [Platform.Connect] joins the specified
// voice channel and returns a [Connection] that decodes per-participant
// audio, derives speech lifecycle events, and encodes outbound audio.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxrelay/voxrelay/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// defaultSilenceTimeout is how long a participant's packet stream must stay
// quiet before a SilenceElapsed event fires.
const defaultSilenceTimeout = 1100 * time.Millisecond

// Option is a functional option for configuring a Platform.
type Option func(*Platform)

// WithSilenceTimeout overrides the packet-gap duration after which a
// participant is considered silent.
func WithSilenceTimeout(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.silenceTimeout = d
		}
	}
}

// Platform implements [audio.Platform] using a discordgo voice connection.
// It requires an active *discordgo.Session (owned by the bot layer).
//
// Platform is safe for concurrent use.
type Platform struct {
	session        *discordgo.Session
	guildID        string
	silenceTimeout time.Duration
}

// New creates a new Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	p := &Platform{
		session:        session,
		guildID:        guildID,
		silenceTimeout: defaultSilenceTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The supplied ctx governs the connection-setup phase only;
// once the Connection is returned it lives until [Connection.Disconnect] is called.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	// Join the voice channel: mute=false (we send audio), deaf=false (we receive audio).
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	conn, err := newConnection(vc, p.session, p.guildID, p.silenceTimeout)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: create connection: %w", err)
	}
	return conn, nil
}
